package operators

import (
	"fmt"

	"github.com/kiln-ml/kiln/internal/tensor"
)

func (r *Registry) registerMathOps() {
	r.Register("Add", binaryOp("Add", tensor.Backend.Add))
	r.Register("Sub", binaryOp("Sub", tensor.Backend.Sub))
	r.Register("Mul", binaryOp("Mul", tensor.Backend.Mul))
	r.Register("Div", binaryOp("Div", tensor.Backend.Div))
	r.Register("MatMul", handleMatMul)
	r.Register("Gemm", handleGemm)
	r.Register("Sum", handleSum)
}

// expectInputs validates a handler's input count.
func expectInputs(op string, n int, inputs []*tensor.RawTensor) error {
	if len(inputs) != n {
		return fmt.Errorf("%s expects %d inputs, got %d", op, n, len(inputs))
	}
	return nil
}

// binaryOp wraps a broadcasting backend operation as a two-input handler.
func binaryOp(op string, f func(tensor.Backend, *tensor.RawTensor, *tensor.RawTensor) *tensor.RawTensor) OpHandler {
	return func(ctx *Context, _ *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
		if err := expectInputs(op, 2, inputs); err != nil {
			return nil, err
		}
		return []*tensor.RawTensor{f(ctx.Backend, inputs[0], inputs[1])}, nil
	}
}

// handleMatMul dispatches on operand rank following NumPy matmul rules.
// A higher-rank left operand against a 2D right operand flattens to a single
// 2D product; equal-rank operands use batched matmul.
func handleMatMul(ctx *Context, _ *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := expectInputs("MatMul", 2, inputs); err != nil {
		return nil, err
	}
	a, b := inputs[0], inputs[1]
	an, bn := len(a.Shape()), len(b.Shape())

	var out *tensor.RawTensor
	switch {
	case an == 2 && bn == 2:
		out = ctx.Backend.MatMul(a, b)

	case an > 2 && bn == 2:
		rows := 1
		for _, d := range a.Shape()[:an-1] {
			rows *= d
		}
		flat := ctx.Backend.Reshape(a, tensor.Shape{rows, a.Shape()[an-1]})
		prod := ctx.Backend.MatMul(flat, b)

		outShape := a.Shape().Clone()
		outShape[an-1] = b.Shape()[1]
		out = ctx.Backend.Reshape(prod, outShape)

	case an == bn && (an == 3 || an == 4):
		out = ctx.Backend.BatchMatMul(a, b)

	default:
		return nil, fmt.Errorf("MatMul: unsupported operand ranks %d and %d", an, bn)
	}
	return []*tensor.RawTensor{out}, nil
}

// handleGemm computes Y = alpha*op(A)*op(B) + beta*C.
func handleGemm(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) < 2 {
		return nil, fmt.Errorf("Gemm expects at least 2 inputs, got %d", len(inputs))
	}

	a, b := inputs[0], inputs[1]
	if GetAttrInt(node, "transA", 0) != 0 {
		a = ctx.Backend.Transpose(a)
	}
	if GetAttrInt(node, "transB", 0) != 0 {
		b = ctx.Backend.Transpose(b)
	}

	out := ctx.Backend.MatMul(a, b)
	if alpha := GetAttrFloat(node, "alpha", 1.0); alpha != 1.0 {
		out = ctx.Backend.MulScalar(out, alpha)
	}
	if beta := GetAttrFloat(node, "beta", 1.0); len(inputs) >= 3 && beta != 0 {
		c := inputs[2]
		if beta != 1.0 {
			c = ctx.Backend.MulScalar(c, beta)
		}
		out = ctx.Backend.Add(out, c)
	}
	return []*tensor.RawTensor{out}, nil
}

func handleSum(ctx *Context, _ *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("Sum expects at least 1 input")
	}
	acc := inputs[0]
	for _, t := range inputs[1:] {
		acc = ctx.Backend.Add(acc, t)
	}
	return []*tensor.RawTensor{acc}, nil
}
