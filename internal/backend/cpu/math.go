package cpu

import (
	"fmt"

	"github.com/kiln-ml/kiln/internal/tensor"
)

// binaryOp implements the element-wise binary operations.
//
// Same-shape float32 pairs take a vectorized fast path. Everything else
// (broadcasting, float16, float64, integer shape plumbing) goes through a
// widened scalar loop; the tensors on that path are small.
func (cpu *CPUBackend) binaryOp(name string, a, b *tensor.RawTensor, f func(x, y float64) float64) *tensor.RawTensor {
	if a.DType() != b.DType() {
		panic(fmt.Sprintf("%s: dtype mismatch %s vs %s", name, a.DType(), b.DType()))
	}
	outShape, needsBroadcast, err := tensor.BroadcastShapes(a.Shape(), b.Shape())
	if err != nil {
		panic(fmt.Sprintf("%s: %v", name, err))
	}

	result, err := tensor.NewRaw(outShape, a.DType(), cpu.device)
	if err != nil {
		panic(fmt.Sprintf("%s: failed to create result tensor: %v", name, err))
	}

	if !needsBroadcast && a.DType() == tensor.Float32 && a.Shape().Equal(b.Shape()) {
		binaryVectorizedFloat32(name, result.AsFloat32(), a.Contiguous().AsFloat32(), b.Contiguous().AsFloat32())
		return result
	}
	if !needsBroadcast && a.DType() == tensor.Float16 && a.Shape().Equal(b.Shape()) {
		av := tensor.Float32Values(a.Contiguous())
		bv := tensor.Float32Values(b.Contiguous())
		out := make([]float32, len(av))
		for i := range av {
			out[i] = float32(f(float64(av[i]), float64(bv[i])))
		}
		tensor.SetFloat32Values(result, out)
		return result
	}

	binaryBroadcast(result, a.Contiguous(), b.Contiguous(), outShape, f)
	return result
}

// binaryVectorizedFloat32 handles the dominant same-shape float32 case with
// tight per-op loops so the scalar closure never enters the hot path.
func binaryVectorizedFloat32(name string, out, a, b []float32) {
	switch name {
	case "add":
		for i := range out {
			out[i] = a[i] + b[i]
		}
	case "sub":
		for i := range out {
			out[i] = a[i] - b[i]
		}
	case "mul":
		for i := range out {
			out[i] = a[i] * b[i]
		}
	case "div":
		for i := range out {
			out[i] = a[i] / b[i]
		}
	default:
		panic(fmt.Sprintf("binaryVectorizedFloat32: unknown op %s", name))
	}
}

// binaryBroadcast evaluates f over a broadcast pair, widening through
// float64 so integer dtypes share the kernel.
func binaryBroadcast(out, a, b *tensor.RawTensor, outShape tensor.Shape, f func(x, y float64) float64) {
	n := outShape.NumElements()
	idx := make([]int, len(outShape))
	for i := 0; i < n; i++ {
		ai := tensor.BroadcastFlatIndex(idx, outShape, a.Shape())
		bi := tensor.BroadcastFlatIndex(idx, outShape, b.Shape())
		av, err := tensor.ScalarAt(a, ai)
		if err != nil {
			panic(fmt.Sprintf("binaryBroadcast: %v", err))
		}
		bv, err := tensor.ScalarAt(b, bi)
		if err != nil {
			panic(fmt.Sprintf("binaryBroadcast: %v", err))
		}
		if err := tensor.SetScalarAt(out, i, f(av, bv)); err != nil {
			panic(fmt.Sprintf("binaryBroadcast: %v", err))
		}
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < outShape[d] {
				break
			}
			idx[d] = 0
		}
	}
}
