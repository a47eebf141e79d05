package ops

import "github.com/kiln-ml/kiln/internal/tensor"

// ReshapeOp records output = Reshape(input, newShape). Backward reshapes
// the output gradient back to the original input shape.
type ReshapeOp struct {
	baseOp
	origShape tensor.Shape
}

func NewReshapeOp(input, output *tensor.RawTensor) *ReshapeOp {
	return &ReshapeOp{recorded(output, input), input.Shape()}
}

func (op *ReshapeOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{backend.Reshape(grad, op.origShape)}
}

// TransposeOp records output = Transpose(input, axes). Backward applies the
// inverse permutation to the output gradient.
type TransposeOp struct {
	baseOp
	axes []int
}

func NewTransposeOp(input, output *tensor.RawTensor, axes []int) *TransposeOp {
	return &TransposeOp{recorded(output, input), axes}
}

func (op *TransposeOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	inverse := make([]int, len(op.axes))
	for i, ax := range op.axes {
		inverse[ax] = i
	}
	return []*tensor.RawTensor{backend.Transpose(grad, inverse...)}
}

// CastOp records output = Cast(input, dtype). Backward casts the output
// gradient back to the input dtype; non-float inputs get no gradient.
type CastOp struct{ baseOp }

func NewCastOp(input, output *tensor.RawTensor) *CastOp {
	return &CastOp{recorded(output, input)}
}

func (op *CastOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	in := op.inputs[0]
	if !in.DType().IsFloat() {
		return []*tensor.RawTensor{nil}
	}
	return []*tensor.RawTensor{backend.Cast(grad, in.DType())}
}
