package ops

import "github.com/kiln-ml/kiln/internal/tensor"

// MatMulOp records output = a @ b for 2D operands.
//
//	d(A@B)/dA = grad @ B^T
//	d(A@B)/dB = A^T @ grad
type MatMulOp struct{ baseOp }

func NewMatMulOp(a, b, output *tensor.RawTensor) *MatMulOp {
	return &MatMulOp{recorded(output, a, b)}
}

func (op *MatMulOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	a, b := op.inputs[0], op.inputs[1]
	return []*tensor.RawTensor{
		backend.MatMul(grad, backend.Transpose(b, 1, 0)),
		backend.MatMul(backend.Transpose(a, 1, 0), grad),
	}
}

// BatchMatMulOp records output = a @ b over the last two dimensions of
// matching 3D or 4D operands. The backward rule is the 2D one applied
// per batch, with ^T swapping the last two dimensions.
type BatchMatMulOp struct{ baseOp }

func NewBatchMatMulOp(a, b, output *tensor.RawTensor) *BatchMatMulOp {
	return &BatchMatMulOp{recorded(output, a, b)}
}

func (op *BatchMatMulOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	a, b := op.inputs[0], op.inputs[1]
	axes := swapLastTwo(len(a.Shape()))
	return []*tensor.RawTensor{
		backend.BatchMatMul(grad, backend.Transpose(b, axes...)),
		backend.BatchMatMul(backend.Transpose(a, axes...), grad),
	}
}

func swapLastTwo(ndim int) []int {
	axes := make([]int, ndim)
	for i := range axes {
		axes[i] = i
	}
	axes[ndim-2], axes[ndim-1] = axes[ndim-1], axes[ndim-2]
	return axes
}
