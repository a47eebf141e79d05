package tensor

import "fmt"

// Shape holds a tensor's dimensions, outermost first.
type Shape []int

// NumElements returns the element count. A rank-0 shape is a scalar with
// one element.
func (s Shape) NumElements() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Validate rejects shapes with non-positive dimensions.
func (s Shape) Validate() error {
	for i, d := range s {
		if d <= 0 {
			return fmt.Errorf("invalid dimension at index %d: %d (must be > 0)", i, d)
		}
	}
	return nil
}

func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

func (s Shape) Clone() Shape {
	out := make(Shape, len(s))
	copy(out, s)
	return out
}

// ComputeStrides returns row-major strides: stride[i] is the element
// distance between consecutive indices along dimension i.
func (s Shape) ComputeStrides() []int {
	strides := make([]int, len(s))
	acc := 1
	for i := len(s) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= s[i]
	}
	return strides
}

// BroadcastShapes aligns two shapes under NumPy broadcasting: dimensions
// pair up from the right, a 1 stretches to match its partner, and missing
// leading dimensions count as 1. The bool reports whether either operand
// actually needs stretching.
func BroadcastShapes(a, b Shape) (Shape, bool, error) {
	rank := len(a)
	if len(b) > rank {
		rank = len(b)
	}

	result := make(Shape, rank)
	stretched := len(a) != len(b)
	for i := 1; i <= rank; i++ {
		da, db := 1, 1
		if i <= len(a) {
			da = a[len(a)-i]
		}
		if i <= len(b) {
			db = b[len(b)-i]
		}

		switch {
		case da == db:
			result[rank-i] = da
		case da == 1:
			result[rank-i] = db
			stretched = true
		case db == 1:
			result[rank-i] = da
			stretched = true
		default:
			return nil, false, fmt.Errorf("shapes not compatible for broadcasting: %v vs %v (dimension %d: %d vs %d)",
				a, b, rank-i, da, db)
		}
	}
	return result, stretched, nil
}
