package operators

import (
	"github.com/kiln-ml/kiln/internal/tensor"
)

func (r *Registry) registerActivations() {
	r.Register("Softmax", handleSoftmax)
}

// handleSoftmax normalizes along one axis, by opset 13 convention the last.
func handleSoftmax(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := expectInputs("Softmax", 1, inputs); err != nil {
		return nil, err
	}
	axis := int(GetAttrInt(node, "axis", -1))
	return []*tensor.RawTensor{ctx.Backend.Softmax(inputs[0], axis)}, nil
}
