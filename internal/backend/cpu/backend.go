// Package cpu implements the pure-Go CPU backend.
package cpu

import (
	"fmt"

	"github.com/kiln-ml/kiln/internal/tensor"
)

// CPUBackend implements tensor operations on CPU.
// Kernels panic on shape/dtype misuse; callers validate at the graph layer.
type CPUBackend struct {
	device tensor.Device
}

// New creates a new CPU backend.
func New() *CPUBackend {
	return &CPUBackend{device: tensor.CPU}
}

func (cpu *CPUBackend) Name() string          { return "CPU" }
func (cpu *CPUBackend) Device() tensor.Device { return cpu.device }

// must lifts the tensor package's (value, error) kernels into the backend's
// panic-on-misuse contract.
func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

// Add, Sub, Mul and Div are element-wise with NumPy-style broadcasting.

func (cpu *CPUBackend) Add(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binaryOp("add", a, b, func(x, y float64) float64 { return x + y })
}

func (cpu *CPUBackend) Sub(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binaryOp("sub", a, b, func(x, y float64) float64 { return x - y })
}

func (cpu *CPUBackend) Mul(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binaryOp("mul", a, b, func(x, y float64) float64 { return x * y })
}

func (cpu *CPUBackend) Div(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binaryOp("div", a, b, func(x, y float64) float64 { return x / y })
}

// MulScalar multiplies every element by a scalar. Float16 tensors compute
// in float32 and round back.
func (cpu *CPUBackend) MulScalar(x *tensor.RawTensor, scalar float32) *tensor.RawTensor {
	if !x.DType().IsFloat() {
		panic(fmt.Sprintf("mulScalar: unsupported dtype %s", x.DType()))
	}
	result := must(tensor.NewRaw(x.Shape(), x.DType(), cpu.device))

	values := tensor.Float32Values(x.Contiguous())
	out := make([]float32, len(values))
	for i, v := range values {
		out[i] = v * scalar
	}
	tensor.SetFloat32Values(result, out)
	return result
}

func (cpu *CPUBackend) Reshape(t *tensor.RawTensor, newShape tensor.Shape) *tensor.RawTensor {
	return must(tensor.Reshape(t, newShape))
}

func (cpu *CPUBackend) Transpose(t *tensor.RawTensor, axes ...int) *tensor.RawTensor {
	return must(tensor.TransposeAxes(t, axes...))
}

func (cpu *CPUBackend) Softmax(x *tensor.RawTensor, dim int) *tensor.RawTensor {
	return must(tensor.Softmax(x, dim))
}

func (cpu *CPUBackend) Cat(tensors []*tensor.RawTensor, dim int) *tensor.RawTensor {
	return must(tensor.Concat(tensors, dim))
}

func (cpu *CPUBackend) Split(x *tensor.RawTensor, dim int, sizes []int) []*tensor.RawTensor {
	return must(tensor.Split(x, dim, sizes))
}

// Where selects from x where condition holds, else from y.
func (cpu *CPUBackend) Where(condition, x, y *tensor.RawTensor) *tensor.RawTensor {
	return must(tensor.WhereRaw(condition, x, y))
}

func (cpu *CPUBackend) Cast(x *tensor.RawTensor, dtype tensor.DataType) *tensor.RawTensor {
	return must(tensor.Cast(x, dtype))
}
