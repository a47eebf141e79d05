package tensor

import (
	"fmt"
	"math"

	"github.com/x448/float16"
)

// Free functions operating on *RawTensor. Data-movement ops (transpose,
// concat, split, slice, gather, where) copy whole elements through the byte
// buffer so every dtype, including float16, shares one kernel. Value ops
// (softmax, cast) widen to float32/float64 and round back.

func normalizeAxis(axis, ndim int) (int, error) {
	if axis < 0 {
		axis += ndim
	}
	if axis < 0 || axis >= ndim {
		return 0, fmt.Errorf("axis %d out of range for %dD tensor", axis, ndim)
	}
	return axis, nil
}

// elemCopy copies element si of src to element di of dst. Both tensors must
// share a dtype.
func elemCopy(dst, src *RawTensor, di, si int) {
	size := dst.DType().Size()
	copy(dst.Data()[di*size:(di+1)*size], src.Data()[si*size:si*size+size])
}

// Softmax computes softmax along the given axis with max-shifting for
// numerical stability. Float16 tensors are computed in float32 and rounded
// back, matching accelerator behavior.
func Softmax(x *RawTensor, axis int) (*RawTensor, error) {
	shape := x.Shape()
	ax, err := normalizeAxis(axis, len(shape))
	if err != nil {
		return nil, fmt.Errorf("softmax: %w", err)
	}
	if !x.DType().IsFloat() {
		return nil, fmt.Errorf("softmax: unsupported dtype %s", x.DType())
	}

	out, err := NewRaw(shape, x.DType(), x.Device())
	if err != nil {
		return nil, err
	}

	axisDim := shape[ax]
	inner := 1
	for i := ax + 1; i < len(shape); i++ {
		inner *= shape[i]
	}
	outer := x.NumElements() / (axisDim * inner)

	in := Float32Values(x.Contiguous())
	res := make([]float32, len(in))
	for o := 0; o < outer; o++ {
		for j := 0; j < inner; j++ {
			base := o*axisDim*inner + j
			maxVal := in[base]
			for k := 1; k < axisDim; k++ {
				if v := in[base+k*inner]; v > maxVal {
					maxVal = v
				}
			}
			var sum float32
			for k := 0; k < axisDim; k++ {
				e := float32(math.Exp(float64(in[base+k*inner] - maxVal)))
				res[base+k*inner] = e
				sum += e
			}
			for k := 0; k < axisDim; k++ {
				res[base+k*inner] /= sum
			}
		}
	}
	SetFloat32Values(out, res)
	return out, nil
}

// Reshape returns a copy of x with a new shape. A single -1 dimension is
// inferred; a 0 dimension copies the corresponding input dimension (ONNX
// Reshape semantics).
func Reshape(x *RawTensor, newShape Shape) (*RawTensor, error) {
	resolved := newShape.Clone()
	inferIdx := -1
	known := 1
	for i, d := range resolved {
		switch {
		case d == 0:
			if i >= len(x.Shape()) {
				return nil, fmt.Errorf("reshape: dimension %d copies input dim that does not exist", i)
			}
			resolved[i] = x.Shape()[i]
			known *= resolved[i]
		case d == -1:
			if inferIdx >= 0 {
				return nil, fmt.Errorf("reshape: at most one -1 dimension allowed")
			}
			inferIdx = i
		case d > 0:
			known *= d
		default:
			return nil, fmt.Errorf("reshape: invalid dimension %d", d)
		}
	}
	if inferIdx >= 0 {
		if known == 0 || x.NumElements()%known != 0 {
			return nil, fmt.Errorf("reshape: cannot infer dimension for %v -> %v", x.Shape(), newShape)
		}
		resolved[inferIdx] = x.NumElements() / known
	}
	if resolved.NumElements() != x.NumElements() {
		return nil, fmt.Errorf("reshape: incompatible shapes %v -> %v", x.Shape(), resolved)
	}

	out, err := NewRaw(resolved, x.DType(), x.Device())
	if err != nil {
		return nil, err
	}
	copy(out.Data(), x.Contiguous().Data()[:x.ByteSize()])
	return out, nil
}

// transposePerm validates a permutation for an ndim tensor. Empty axes
// default to reversing all dimensions.
func transposePerm(ndim int, axes []int) ([]int, error) {
	if len(axes) == 0 {
		axes = make([]int, ndim)
		for i := range axes {
			axes[i] = ndim - 1 - i
		}
	}
	if len(axes) != ndim {
		return nil, fmt.Errorf("transpose: %d axes for %dD tensor", len(axes), ndim)
	}
	seen := make([]bool, ndim)
	for _, ax := range axes {
		if ax < 0 || ax >= ndim || seen[ax] {
			return nil, fmt.Errorf("transpose: invalid axes %v", axes)
		}
		seen[ax] = true
	}
	return axes, nil
}

// TransposeAxes permutes the dimensions of x. With no axes, all dimensions
// are reversed. The result is a dense copy.
func TransposeAxes(x *RawTensor, axes ...int) (*RawTensor, error) {
	shape := x.Shape()
	ndim := len(shape)

	axes, err := transposePerm(ndim, axes)
	if err != nil {
		return nil, err
	}

	newShape := make(Shape, ndim)
	for i, ax := range axes {
		newShape[i] = shape[ax]
	}
	out, err := NewRaw(newShape, x.DType(), x.Device())
	if err != nil {
		return nil, err
	}

	xc := x.Contiguous()
	oldStrides := shape.ComputeStrides()
	n := x.NumElements()
	idx := make([]int, ndim)
	for i := 0; i < n; i++ {
		srcIdx := 0
		for d := 0; d < ndim; d++ {
			srcIdx += idx[d] * oldStrides[axes[d]]
		}
		elemCopy(out, xc, i, srcIdx)
		for d := ndim - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < newShape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out, nil
}

// TransposeView permutes the dimensions of x without moving data: the
// result shares x's buffer with permuted shape and strides, and is
// generally not contiguous. Callers needing dense row-major data go
// through Contiguous.
func TransposeView(x *RawTensor, axes ...int) (*RawTensor, error) {
	ndim := len(x.Shape())
	axes, err := transposePerm(ndim, axes)
	if err != nil {
		return nil, err
	}

	v := x.Clone()
	shape := make(Shape, ndim)
	stride := make([]int, ndim)
	for i, ax := range axes {
		shape[i] = x.shape[ax]
		stride[i] = x.stride[ax]
	}
	v.shape = shape
	v.stride = stride
	return v, nil
}

// Squeeze removes size-1 dimensions. With axes, only the named dimensions
// are removed and each must be size 1.
func Squeeze(x *RawTensor, axes ...int) (*RawTensor, error) {
	shape := x.Shape()
	remove := make(map[int]bool, len(axes))
	for _, ax := range axes {
		norm, err := normalizeAxis(ax, len(shape))
		if err != nil {
			return nil, fmt.Errorf("squeeze: %w", err)
		}
		if shape[norm] != 1 {
			return nil, fmt.Errorf("squeeze: dimension %d has size %d, not 1", norm, shape[norm])
		}
		remove[norm] = true
	}

	newShape := make(Shape, 0, len(shape))
	for i, d := range shape {
		if len(axes) == 0 {
			if d != 1 {
				newShape = append(newShape, d)
			}
			continue
		}
		if !remove[i] {
			newShape = append(newShape, d)
		}
	}
	return Reshape(x, newShape)
}

// Unsqueeze inserts size-1 dimensions at the given axes (positions refer to
// the output shape).
func Unsqueeze(x *RawTensor, axes ...int) (*RawTensor, error) {
	if len(axes) == 0 {
		return nil, fmt.Errorf("unsqueeze: axes required")
	}
	outNdim := len(x.Shape()) + len(axes)
	insert := make(map[int]bool, len(axes))
	for _, ax := range axes {
		norm, err := normalizeAxis(ax, outNdim)
		if err != nil {
			return nil, fmt.Errorf("unsqueeze: %w", err)
		}
		if insert[norm] {
			return nil, fmt.Errorf("unsqueeze: duplicate axis %d", norm)
		}
		insert[norm] = true
	}

	newShape := make(Shape, 0, outNdim)
	src := 0
	for i := 0; i < outNdim; i++ {
		if insert[i] {
			newShape = append(newShape, 1)
			continue
		}
		newShape = append(newShape, x.Shape()[src])
		src++
	}
	return Reshape(x, newShape)
}

// Concat concatenates tensors along an axis. All inputs must agree on
// dtype and on every other dimension.
func Concat(tensors []*RawTensor, axis int) (*RawTensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("concat: no inputs")
	}
	first := tensors[0]
	ax, err := normalizeAxis(axis, len(first.Shape()))
	if err != nil {
		return nil, fmt.Errorf("concat: %w", err)
	}

	outShape := first.Shape().Clone()
	for _, t := range tensors[1:] {
		if t.DType() != first.DType() {
			return nil, fmt.Errorf("concat: dtype mismatch %s vs %s", t.DType(), first.DType())
		}
		if len(t.Shape()) != len(outShape) {
			return nil, fmt.Errorf("concat: rank mismatch %v vs %v", t.Shape(), outShape)
		}
		for d, v := range t.Shape() {
			if d == ax {
				continue
			}
			if v != outShape[d] {
				return nil, fmt.Errorf("concat: shape mismatch at dim %d: %v vs %v", d, t.Shape(), outShape)
			}
		}
		outShape[ax] += t.Shape()[ax]
	}

	out, err := NewRaw(outShape, first.DType(), first.Device())
	if err != nil {
		return nil, err
	}

	// Block copy: for every outer index, each input contributes a
	// contiguous run of axisSize*inner elements.
	inner := 1
	for i := ax + 1; i < len(outShape); i++ {
		inner *= outShape[i]
	}
	outer := outShape.NumElements() / (outShape[ax] * inner)
	elemSize := first.DType().Size()

	axOffset := 0
	for _, t := range tensors {
		tc := t.Contiguous()
		axSize := t.Shape()[ax]
		rowBytes := axSize * inner * elemSize
		outRowStride := outShape[ax] * inner * elemSize
		for o := 0; o < outer; o++ {
			dstOff := o*outRowStride + axOffset*inner*elemSize
			srcOff := o * rowBytes
			copy(out.Data()[dstOff:dstOff+rowBytes], tc.Data()[srcOff:srcOff+rowBytes])
		}
		axOffset += axSize
	}
	return out, nil
}

// Split splits x along an axis into parts of the given sizes.
func Split(x *RawTensor, axis int, splitSizes []int) ([]*RawTensor, error) {
	shape := x.Shape()
	ax, err := normalizeAxis(axis, len(shape))
	if err != nil {
		return nil, fmt.Errorf("split: %w", err)
	}
	if len(splitSizes) == 0 {
		return nil, fmt.Errorf("split: sizes required")
	}
	total := 0
	for _, s := range splitSizes {
		total += s
	}
	if total != shape[ax] {
		return nil, fmt.Errorf("split: sizes %v do not sum to dimension %d", splitSizes, shape[ax])
	}

	inner := 1
	for i := ax + 1; i < len(shape); i++ {
		inner *= shape[i]
	}
	outer := x.NumElements() / (shape[ax] * inner)
	elemSize := x.DType().Size()
	xc := x.Contiguous()
	srcRowStride := shape[ax] * inner * elemSize

	results := make([]*RawTensor, len(splitSizes))
	axOffset := 0
	for i, size := range splitSizes {
		outShape := shape.Clone()
		outShape[ax] = size
		out, err := NewRaw(outShape, x.DType(), x.Device())
		if err != nil {
			return nil, err
		}
		rowBytes := size * inner * elemSize
		for o := 0; o < outer; o++ {
			srcOff := o*srcRowStride + axOffset*inner*elemSize
			copy(out.Data()[o*rowBytes:(o+1)*rowBytes], xc.Data()[srcOff:srcOff+rowBytes])
		}
		results[i] = out
		axOffset += size
	}
	return results, nil
}

// Slice extracts a sub-tensor (ONNX Slice semantics: starts/ends per listed
// axis, negative indices wrap, ends clamp to the dimension).
func Slice(x *RawTensor, starts, ends, axes, steps []int64) (*RawTensor, error) {
	shape := x.Shape()
	ndim := len(shape)
	if len(starts) != len(ends) {
		return nil, fmt.Errorf("slice: starts/ends length mismatch")
	}
	if axes == nil {
		axes = make([]int64, len(starts))
		for i := range axes {
			axes[i] = int64(i)
		}
	}
	if steps == nil {
		steps = make([]int64, len(starts))
		for i := range steps {
			steps[i] = 1
		}
	}
	if len(axes) != len(starts) || len(steps) != len(starts) {
		return nil, fmt.Errorf("slice: axes/steps length mismatch")
	}

	start := make([]int, ndim)
	step := make([]int, ndim)
	outShape := shape.Clone()
	for i := range step {
		step[i] = 1
	}
	for i, axRaw := range axes {
		ax, err := normalizeAxis(int(axRaw), ndim)
		if err != nil {
			return nil, fmt.Errorf("slice: %w", err)
		}
		if steps[i] <= 0 {
			return nil, fmt.Errorf("slice: non-positive step %d unsupported", steps[i])
		}
		dim := shape[ax]
		s := int(starts[i])
		if s < 0 {
			s += dim
		}
		s = min(max(s, 0), dim)
		e := int(ends[i])
		if e < 0 {
			e += dim
		}
		e = min(max(e, 0), dim)
		if e < s {
			e = s
		}
		start[ax] = s
		step[ax] = int(steps[i])
		outShape[ax] = (e - s + step[ax] - 1) / step[ax]
	}
	if err := outShape.Validate(); err != nil {
		return nil, fmt.Errorf("slice: empty result %v", outShape)
	}

	out, err := NewRaw(outShape, x.DType(), x.Device())
	if err != nil {
		return nil, err
	}
	xc := x.Contiguous()
	srcStrides := shape.ComputeStrides()
	n := outShape.NumElements()
	idx := make([]int, ndim)
	for i := 0; i < n; i++ {
		srcIdx := 0
		for d := 0; d < ndim; d++ {
			srcIdx += (start[d] + idx[d]*step[d]) * srcStrides[d]
		}
		elemCopy(out, xc, i, srcIdx)
		for d := ndim - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < outShape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out, nil
}

// Gather selects elements along an axis using an index tensor (ONNX Gather:
// output shape = data.shape[:axis] + indices.shape + data.shape[axis+1:]).
func Gather(x, indices *RawTensor, axis int) (*RawTensor, error) {
	shape := x.Shape()
	ax, err := normalizeAxis(axis, len(shape))
	if err != nil {
		return nil, fmt.Errorf("gather: %w", err)
	}

	var idxVals []int
	switch indices.DType() {
	case Int64:
		src := indices.AsInt64()
		idxVals = make([]int, len(src))
		for i, v := range src {
			idxVals[i] = int(v)
		}
	case Int32:
		src := indices.AsInt32()
		idxVals = make([]int, len(src))
		for i, v := range src {
			idxVals[i] = int(v)
		}
	default:
		return nil, fmt.Errorf("gather: index dtype %s unsupported", indices.DType())
	}
	for i, v := range idxVals {
		if v < 0 {
			v += shape[ax]
			idxVals[i] = v
		}
		if v < 0 || v >= shape[ax] {
			return nil, fmt.Errorf("gather: index %d out of range for dimension %d", v, shape[ax])
		}
	}

	outShape := make(Shape, 0, len(shape)-1+len(indices.Shape()))
	outShape = append(outShape, shape[:ax]...)
	outShape = append(outShape, indices.Shape()...)
	outShape = append(outShape, shape[ax+1:]...)

	inner := 1
	for i := ax + 1; i < len(shape); i++ {
		inner *= shape[i]
	}
	outer := x.NumElements() / (shape[ax] * inner)

	out, err := NewRaw(outShape, x.DType(), x.Device())
	if err != nil {
		return nil, err
	}
	xc := x.Contiguous()
	elemSize := x.DType().Size()
	rowBytes := inner * elemSize
	dstOff := 0
	for o := 0; o < outer; o++ {
		for _, iv := range idxVals {
			srcOff := (o*shape[ax] + iv) * rowBytes
			copy(out.Data()[dstOff:dstOff+rowBytes], xc.Data()[srcOff:srcOff+rowBytes])
			dstOff += rowBytes
		}
	}
	return out, nil
}

// Cast converts x to a different data type. Float16 rounding goes through
// float32, everything else through float64.
func Cast(x *RawTensor, dtype DataType) (*RawTensor, error) {
	if x.DType() == dtype {
		return x.Clone(), nil
	}
	out, err := NewRaw(x.Shape(), dtype, x.Device())
	if err != nil {
		return nil, err
	}
	xc := x.Contiguous()
	n := x.NumElements()
	for i := 0; i < n; i++ {
		v, err := ScalarAt(xc, i)
		if err != nil {
			return nil, fmt.Errorf("cast: %w", err)
		}
		if err := SetScalarAt(out, i, v); err != nil {
			return nil, fmt.Errorf("cast: %w", err)
		}
	}
	return out, nil
}

func ScalarAt(t *RawTensor, i int) (float64, error) {
	switch t.DType() {
	case Float32, Float16, Float64:
		return FloatValueAt(t, i), nil
	case Int32:
		return float64(t.AsInt32()[i]), nil
	case Int64:
		return float64(t.AsInt64()[i]), nil
	case Uint8:
		return float64(t.AsUint8()[i]), nil
	case Bool:
		if t.AsBool()[i] {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %s", t.DType())
	}
}

func SetScalarAt(t *RawTensor, i int, v float64) error {
	switch t.DType() {
	case Float32:
		t.AsFloat32()[i] = float32(v)
	case Float16:
		t.AsFloat16()[i] = float16.Fromfloat32(float32(v))
	case Float64:
		t.AsFloat64()[i] = v
	case Int32:
		t.AsInt32()[i] = int32(v)
	case Int64:
		t.AsInt64()[i] = int64(v)
	case Uint8:
		t.AsUint8()[i] = uint8(v)
	case Bool:
		t.AsBool()[i] = v != 0
	default:
		return fmt.Errorf("unsupported dtype %s", t.DType())
	}
	return nil
}

// WhereRaw selects elements from x where condition is true, else from y.
// Condition must be Bool; condition, x and y broadcast to a common shape.
func WhereRaw(condition, x, y *RawTensor) (*RawTensor, error) {
	if condition.DType() != Bool {
		return nil, fmt.Errorf("where: condition dtype %s, want bool", condition.DType())
	}
	if x.DType() != y.DType() {
		return nil, fmt.Errorf("where: branch dtype mismatch %s vs %s", x.DType(), y.DType())
	}
	outShape, _, err := BroadcastShapes(condition.Shape(), x.Shape())
	if err != nil {
		return nil, fmt.Errorf("where: %w", err)
	}
	outShape, _, err = BroadcastShapes(outShape, y.Shape())
	if err != nil {
		return nil, fmt.Errorf("where: %w", err)
	}

	out, err := NewRaw(outShape, x.DType(), x.Device())
	if err != nil {
		return nil, err
	}
	condC, xc, yc := condition.Contiguous(), x.Contiguous(), y.Contiguous()
	condData := condC.AsBool()
	n := outShape.NumElements()
	idx := make([]int, len(outShape))
	for i := 0; i < n; i++ {
		ci := BroadcastFlatIndex(idx, outShape, condC.Shape())
		if condData[ci] {
			elemCopy(out, xc, i, BroadcastFlatIndex(idx, outShape, xc.Shape()))
		} else {
			elemCopy(out, yc, i, BroadcastFlatIndex(idx, outShape, yc.Shape()))
		}
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < outShape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out, nil
}

// BroadcastFlatIndex maps a multi-index in outShape to the flat index of a
// (right-aligned) broadcast source shape.
func BroadcastFlatIndex(idx []int, outShape, srcShape Shape) int {
	srcStrides := srcShape.ComputeStrides()
	offset := len(outShape) - len(srcShape)
	flat := 0
	for d := 0; d < len(srcShape); d++ {
		c := idx[d+offset]
		if srcShape[d] == 1 {
			c = 0
		}
		flat += c * srcStrides[d]
	}
	return flat
}
