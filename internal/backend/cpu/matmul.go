package cpu

import (
	"fmt"

	"github.com/kiln-ml/kiln/internal/parallel"
	"github.com/kiln-ml/kiln/internal/tensor"
)

var parCfg = parallel.DefaultConfig()

// MatMul performs 2D matrix multiplication: [M,K] @ [K,N] -> [M,N].
func (cpu *CPUBackend) MatMul(a, b *tensor.RawTensor) *tensor.RawTensor {
	if len(a.Shape()) != 2 || len(b.Shape()) != 2 {
		panic(fmt.Sprintf("matmul: requires 2D tensors, got %v and %v", a.Shape(), b.Shape()))
	}
	if a.DType() != b.DType() {
		panic(fmt.Sprintf("matmul: dtype mismatch %s vs %s", a.DType(), b.DType()))
	}

	m, k := a.Shape()[0], a.Shape()[1]
	kb, n := b.Shape()[0], b.Shape()[1]
	if k != kb {
		panic(fmt.Sprintf("matmul: inner dimension mismatch %v @ %v", a.Shape(), b.Shape()))
	}

	result, err := tensor.NewRaw(tensor.Shape{m, n}, a.DType(), cpu.device)
	if err != nil {
		panic(fmt.Sprintf("matmul: failed to create result tensor: %v", err))
	}

	switch a.DType() {
	case tensor.Float32, tensor.Float16:
		av := tensor.Float32Values(a.Contiguous())
		bv := tensor.Float32Values(b.Contiguous())
		out := make([]float32, m*n)
		matmulFloat32(out, av, bv, m, k, n)
		tensor.SetFloat32Values(result, out)
	case tensor.Float64:
		av := a.Contiguous().AsFloat64()
		bv := b.Contiguous().AsFloat64()
		out := result.AsFloat64()
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				var sum float64
				for p := 0; p < k; p++ {
					sum += av[i*k+p] * bv[p*n+j]
				}
				out[i*n+j] = sum
			}
		}
	default:
		panic(fmt.Sprintf("matmul: unsupported dtype %s", a.DType()))
	}
	return result
}

// matmulFloat32 computes out = a @ b, splitting rows across workers. Each
// row writes a disjoint slice of out.
func matmulFloat32(out, a, b []float32, m, k, n int) {
	parallel.For(m, func(i int) {
		matmulRowFloat32(out, a, b, i, k, n)
	}, parCfg)
}

// matmulRowFloat32 computes one output row with a kj loop order so the inner
// loop streams both b and out rows.
func matmulRowFloat32(out, a, b []float32, i, k, n int) {
	outRow := out[i*n : (i+1)*n]
	for p := 0; p < k; p++ {
		av := a[i*k+p]
		if av == 0 {
			continue
		}
		bRow := b[p*n : (p+1)*n]
		for j := range outRow {
			outRow[j] += av * bRow[j]
		}
	}
}

// BatchMatMul performs batched matrix multiplication over the last two
// dimensions. Both operands must share the same rank (3 or 4) and the same
// leading batch dimensions.
func (cpu *CPUBackend) BatchMatMul(a, b *tensor.RawTensor) *tensor.RawTensor {
	aShape, bShape := a.Shape(), b.Shape()
	if len(aShape) != len(bShape) || (len(aShape) != 3 && len(aShape) != 4) {
		panic(fmt.Sprintf("batchMatMul: requires matching 3D or 4D tensors, got %v and %v", aShape, bShape))
	}
	if a.DType() != b.DType() {
		panic(fmt.Sprintf("batchMatMul: dtype mismatch %s vs %s", a.DType(), b.DType()))
	}

	nd := len(aShape)
	batch := 1
	for d := 0; d < nd-2; d++ {
		if aShape[d] != bShape[d] {
			panic(fmt.Sprintf("batchMatMul: batch dimension mismatch %v @ %v", aShape, bShape))
		}
		batch *= aShape[d]
	}
	m, k := aShape[nd-2], aShape[nd-1]
	kb, n := bShape[nd-2], bShape[nd-1]
	if k != kb {
		panic(fmt.Sprintf("batchMatMul: inner dimension mismatch %v @ %v", aShape, bShape))
	}

	outShape := aShape.Clone()
	outShape[nd-1] = n
	result, err := tensor.NewRaw(outShape, a.DType(), cpu.device)
	if err != nil {
		panic(fmt.Sprintf("batchMatMul: failed to create result tensor: %v", err))
	}

	switch a.DType() {
	case tensor.Float32, tensor.Float16:
		av := tensor.Float32Values(a.Contiguous())
		bv := tensor.Float32Values(b.Contiguous())
		out := make([]float32, batch*m*n)
		parallel.For(batch, func(bi int) {
			for i := 0; i < m; i++ {
				matmulRowFloat32(out[bi*m*n:(bi+1)*m*n], av[bi*m*k:(bi+1)*m*k], bv[bi*k*n:(bi+1)*k*n], i, k, n)
			}
		}, parCfg)
		tensor.SetFloat32Values(result, out)
	case tensor.Float64:
		av := a.Contiguous().AsFloat64()
		bv := b.Contiguous().AsFloat64()
		out := result.AsFloat64()
		for bi := 0; bi < batch; bi++ {
			aOff, bOff, oOff := bi*m*k, bi*k*n, bi*m*n
			for i := 0; i < m; i++ {
				for j := 0; j < n; j++ {
					var sum float64
					for p := 0; p < k; p++ {
						sum += av[aOff+i*k+p] * bv[bOff+p*n+j]
					}
					out[oOff+i*n+j] = sum
				}
			}
		}
	default:
		panic(fmt.Sprintf("batchMatMul: unsupported dtype %s", a.DType()))
	}
	return result
}
