package ops

import "github.com/kiln-ml/kiln/internal/tensor"

// AddOp records output = a + b. Gradient flows unchanged to both inputs;
// broadcast dimensions are summed back to each input's shape.
type AddOp struct{ baseOp }

func NewAddOp(a, b, output *tensor.RawTensor) *AddOp {
	return &AddOp{recorded(output, a, b)}
}

func (op *AddOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{
		reduceBroadcast(grad, op.inputs[0].Shape(), backend),
		reduceBroadcast(grad, op.inputs[1].Shape(), backend),
	}
}

// SubOp records output = a - b: grad_a = grad, grad_b = -grad.
type SubOp struct{ baseOp }

func NewSubOp(a, b, output *tensor.RawTensor) *SubOp {
	return &SubOp{recorded(output, a, b)}
}

func (op *SubOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{
		reduceBroadcast(grad, op.inputs[0].Shape(), backend),
		reduceBroadcast(negateGradient(grad, backend), op.inputs[1].Shape(), backend),
	}
}

// MulOp records output = a * b: grad_a = grad * b, grad_b = grad * a.
type MulOp struct{ baseOp }

func NewMulOp(a, b, output *tensor.RawTensor) *MulOp {
	return &MulOp{recorded(output, a, b)}
}

func (op *MulOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	a, b := op.inputs[0], op.inputs[1]
	return []*tensor.RawTensor{
		reduceBroadcast(backend.Mul(grad, b), a.Shape(), backend),
		reduceBroadcast(backend.Mul(grad, a), b.Shape(), backend),
	}
}

// DivOp records output = a / b.
//
//	grad_a = grad / b
//	grad_b = -grad * a / b^2 = -grad * output / b
type DivOp struct{ baseOp }

func NewDivOp(a, b, output *tensor.RawTensor) *DivOp {
	return &DivOp{recorded(output, a, b)}
}

func (op *DivOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	a, b := op.inputs[0], op.inputs[1]
	scaled := backend.Div(backend.Mul(grad, op.output), b)
	return []*tensor.RawTensor{
		reduceBroadcast(backend.Div(grad, b), a.Shape(), backend),
		reduceBroadcast(negateGradient(scaled, backend), b.Shape(), backend),
	}
}

// MulScalarOp records output = x * scalar.
type MulScalarOp struct {
	baseOp
	scalar float32
}

func NewMulScalarOp(input, output *tensor.RawTensor, scalar float32) *MulScalarOp {
	return &MulScalarOp{recorded(output, input), scalar}
}

func (op *MulScalarOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{backend.MulScalar(grad, op.scalar)}
}

// WhereOp records output = where(cond, x, y). Backward masks the output
// gradient by the condition and reduces over any broadcast dimensions. The
// boolean condition is not an input and receives no gradient.
type WhereOp struct {
	baseOp
	condition *tensor.RawTensor
}

func NewWhereOp(condition, x, y, output *tensor.RawTensor) *WhereOp {
	return &WhereOp{recorded(output, x, y), condition}
}

func (op *WhereOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	x, y := op.inputs[0], op.inputs[1]
	zeros := zerosLike(grad, backend.Device())
	return []*tensor.RawTensor{
		reduceBroadcast(backend.Where(op.condition, grad, zeros), x.Shape(), backend),
		reduceBroadcast(backend.Where(op.condition, zeros, grad), y.Shape(), backend),
	}
}
