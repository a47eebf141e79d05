package operators

import (
	"fmt"

	"github.com/kiln-ml/kiln/internal/tensor"
)

func (r *Registry) registerShapeOps() {
	r.Register("Reshape", handleReshape)
	r.Register("Transpose", handleTranspose)
	r.Register("Squeeze", handleSqueeze)
	r.Register("Unsqueeze", handleUnsqueeze)
	r.Register("Concat", handleConcat)
	r.Register("Split", handleSplit)
	r.Register("Slice", handleSlice)
	r.Register("Gather", handleGather)
}

func asInts(v []int64) []int {
	if len(v) == 0 {
		return nil
	}
	out := make([]int, len(v))
	for i, x := range v {
		out[i] = int(x)
	}
	return out
}

func handleReshape(ctx *Context, _ *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := expectInputs("Reshape", 2, inputs); err != nil {
		return nil, err
	}
	newShape := tensor.Shape(asInts(inputs[1].AsInt64()))
	return []*tensor.RawTensor{ctx.Backend.Reshape(inputs[0], newShape)}, nil
}

func handleTranspose(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := expectInputs("Transpose", 1, inputs); err != nil {
		return nil, err
	}
	perm := asInts(GetAttrInts(node, "perm"))
	return []*tensor.RawTensor{ctx.Backend.Transpose(inputs[0], perm...)}, nil
}

// optionalAxes reads axes from the second input (opset 13+) or the legacy
// "axes" attribute. Nil means the operator's default behavior.
func optionalAxes(node *Node, inputs []*tensor.RawTensor) []int {
	if len(inputs) >= 2 && inputs[1] != nil {
		return asInts(inputs[1].AsInt64())
	}
	return asInts(GetAttrInts(node, "axes"))
}

// handleSqueeze drops size-1 dimensions, either the named axes or all of
// them. It lowers to a backend reshape so a recording backend sees it.
func handleSqueeze(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) < 1 {
		return nil, fmt.Errorf("Squeeze expects at least 1 input, got %d", len(inputs))
	}

	shape := inputs[0].Shape()
	axes := optionalAxes(node, inputs)
	remove := make(map[int]bool, len(axes))
	for _, ax := range axes {
		if ax < 0 {
			ax += len(shape)
		}
		if ax < 0 || ax >= len(shape) || shape[ax] != 1 {
			return nil, fmt.Errorf("Squeeze: invalid axis %d for shape %v", ax, shape)
		}
		remove[ax] = true
	}

	newShape := make(tensor.Shape, 0, len(shape))
	for i, d := range shape {
		if remove[i] || (len(axes) == 0 && d == 1) {
			continue
		}
		newShape = append(newShape, d)
	}
	return []*tensor.RawTensor{ctx.Backend.Reshape(inputs[0], newShape)}, nil
}

// handleUnsqueeze inserts size-1 dimensions at the given axes, interpreted
// against the output rank.
func handleUnsqueeze(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) < 1 {
		return nil, fmt.Errorf("Unsqueeze expects at least 1 input, got %d", len(inputs))
	}
	axes := optionalAxes(node, inputs)
	if len(axes) == 0 {
		return nil, fmt.Errorf("Unsqueeze: missing axes")
	}

	shape := inputs[0].Shape()
	outRank := len(shape) + len(axes)
	insert := make(map[int]bool, len(axes))
	for _, ax := range axes {
		if ax < 0 {
			ax += outRank
		}
		if ax < 0 || ax >= outRank || insert[ax] {
			return nil, fmt.Errorf("Unsqueeze: invalid axes for rank %d", outRank)
		}
		insert[ax] = true
	}

	newShape := make(tensor.Shape, 0, outRank)
	src := 0
	for i := 0; i < outRank; i++ {
		if insert[i] {
			newShape = append(newShape, 1)
		} else {
			newShape = append(newShape, shape[src])
			src++
		}
	}
	return []*tensor.RawTensor{ctx.Backend.Reshape(inputs[0], newShape)}, nil
}

func handleConcat(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) < 1 {
		return nil, fmt.Errorf("Concat expects at least 1 input")
	}
	axis := int(GetAttrInt(node, "axis", 0))
	return []*tensor.RawTensor{ctx.Backend.Cat(inputs, axis)}, nil
}

// handleSplit partitions one axis. Sizes come from the second input
// (opset 13+), the legacy "split" attribute, or an even split across the
// node's declared outputs.
func handleSplit(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) < 1 {
		return nil, fmt.Errorf("Split expects at least 1 input, got %d", len(inputs))
	}

	axis := int(GetAttrInt(node, "axis", 0))
	ax := axis
	if ax < 0 {
		ax += len(inputs[0].Shape())
	}

	var sizes []int
	switch {
	case len(inputs) >= 2 && inputs[1] != nil:
		sizes = asInts(inputs[1].AsInt64())
	case len(GetAttrInts(node, "split")) > 0:
		sizes = asInts(GetAttrInts(node, "split"))
	default:
		dim := inputs[0].Shape()[ax]
		n := len(node.Outputs)
		if n == 0 || dim%n != 0 {
			return nil, fmt.Errorf("Split: cannot evenly split dim %d into %d parts", dim, n)
		}
		sizes = make([]int, n)
		for i := range sizes {
			sizes[i] = dim / n
		}
	}

	return ctx.Backend.Split(inputs[0], axis, sizes), nil
}

func handleSlice(_ *Context, _ *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) < 3 {
		return nil, fmt.Errorf("Slice expects at least 3 inputs, got %d", len(inputs))
	}

	starts := inputs[1].AsInt64()
	ends := inputs[2].AsInt64()
	var axes, steps []int64
	if len(inputs) >= 4 && inputs[3] != nil {
		axes = inputs[3].AsInt64()
	}
	if len(inputs) >= 5 && inputs[4] != nil {
		steps = inputs[4].AsInt64()
	}

	out, err := tensor.Slice(inputs[0], starts, ends, axes, steps)
	if err != nil {
		return nil, fmt.Errorf("Slice: %w", err)
	}
	return []*tensor.RawTensor{out}, nil
}

func handleGather(_ *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := expectInputs("Gather", 2, inputs); err != nil {
		return nil, err
	}
	out, err := tensor.Gather(inputs[0], inputs[1], int(GetAttrInt(node, "axis", 0)))
	if err != nil {
		return nil, fmt.Errorf("Gather: %w", err)
	}
	return []*tensor.RawTensor{out}, nil
}
