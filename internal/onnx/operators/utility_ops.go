package operators

import (
	"fmt"

	"github.com/kiln-ml/kiln/internal/tensor"
)

func (r *Registry) registerUtilityOps() {
	r.Register("Identity", handleIdentity)
	r.Register("Constant", handleConstant)
	r.Register("Cast", handleCast)
	r.Register("ConstantOfShape", handleConstantOfShape)
	r.Register("Shape", handleShape)
	r.Register("Size", handleSize)
	r.Register("Where", handleWhere)
}

func handleIdentity(_ *Context, _ *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := expectInputs("Identity", 1, inputs); err != nil {
		return nil, err
	}
	return inputs, nil
}

func handleConstant(_ *Context, node *Node, _ []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	for i := range node.Attributes {
		attr := &node.Attributes[i]
		var (
			out *tensor.RawTensor
			err error
		)
		switch attr.Name {
		case "value_float":
			out, err = tensor.FromFloat32([]float32{attr.F}, tensor.Shape{1}, tensor.Float32, tensor.CPU)
		case "value_int":
			out, err = tensor.FromInt64([]int64{attr.I}, tensor.Shape{1}, tensor.CPU)
		case "value_floats":
			out, err = tensor.FromFloat32(attr.Floats, tensor.Shape{len(attr.Floats)}, tensor.Float32, tensor.CPU)
		case "value_ints":
			out, err = tensor.FromInt64(attr.Ints, tensor.Shape{len(attr.Ints)}, tensor.CPU)
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("Constant %s: %w", attr.Name, err)
		}
		return []*tensor.RawTensor{out}, nil
	}
	return nil, fmt.Errorf("Constant: no value attribute")
}

func handleCast(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := expectInputs("Cast", 1, inputs); err != nil {
		return nil, err
	}
	dtype := dtypeForElemType(int(GetAttrInt(node, "to", TensorProtoFloat)))
	return []*tensor.RawTensor{ctx.Backend.Cast(inputs[0], dtype)}, nil
}

func handleConstantOfShape(_ *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := expectInputs("ConstantOfShape", 1, inputs); err != nil {
		return nil, err
	}

	dims := inputs[0].AsInt64()
	shape := make(tensor.Shape, len(dims))
	for i, d := range dims {
		shape[i] = int(d)
	}

	var fill float32
	if a := findAttr(node, "value"); a != nil && len(a.Floats) > 0 {
		fill = a.Floats[0]
	}

	out, err := tensor.FullRaw(shape, fill, tensor.Float32, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("ConstantOfShape: %w", err)
	}
	return []*tensor.RawTensor{out}, nil
}

// handleShape emits the input's dimensions as a 1D int64 tensor. The
// exported attention graphs lean on this for their dynamic seq/past length
// arithmetic.
func handleShape(_ *Context, _ *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := expectInputs("Shape", 1, inputs); err != nil {
		return nil, err
	}

	shape := inputs[0].Shape()
	dims := make([]int64, len(shape))
	for i, d := range shape {
		dims[i] = int64(d)
	}
	out, err := tensor.FromInt64(dims, tensor.Shape{len(dims)}, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("Shape: %w", err)
	}
	return []*tensor.RawTensor{out}, nil
}

func handleSize(_ *Context, _ *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := expectInputs("Size", 1, inputs); err != nil {
		return nil, err
	}
	out, err := tensor.FromInt64([]int64{int64(inputs[0].NumElements())}, tensor.Shape{1}, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("Size: %w", err)
	}
	return []*tensor.RawTensor{out}, nil
}

func handleWhere(ctx *Context, _ *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := expectInputs("Where", 3, inputs); err != nil {
		return nil, err
	}
	return []*tensor.RawTensor{ctx.Backend.Where(inputs[0], inputs[1], inputs[2])}, nil
}

// dtypeForElemType maps an ONNX element type code to a tensor dtype,
// defaulting to float32.
func dtypeForElemType(code int) tensor.DataType {
	switch code {
	case TensorProtoFloat16:
		return tensor.Float16
	case TensorProtoDouble:
		return tensor.Float64
	case TensorProtoInt32:
		return tensor.Int32
	case TensorProtoInt64:
		return tensor.Int64
	case TensorProtoUint8:
		return tensor.Uint8
	case TensorProtoBool:
		return tensor.Bool
	default:
		return tensor.Float32
	}
}
