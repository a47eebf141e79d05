package tensor

import (
	"fmt"
	"math"
)

// Tolerance bounds the acceptable elementwise deviation between two float
// tensors: |a - b| <= Abs + Rel*|b|.
type Tolerance struct {
	Rel float64 // relative tolerance
	Abs float64 // absolute tolerance
}

// ToleranceForDType returns the comparison tolerance used for parity
// checks: 1e-5 for full precision, 1e-3 for half precision.
func ToleranceForDType(dtype DataType) Tolerance {
	if dtype == Float16 {
		return Tolerance{Rel: 1e-3, Abs: 1e-3}
	}
	return Tolerance{Rel: 1e-5, Abs: 1e-5}
}

// CompareResult summarizes an elementwise comparison.
type CompareResult struct {
	AllClose   bool    // every element within tolerance
	MaxAbsDiff float64 // largest |a-b| over all elements
	NumDiffs   int     // elements outside tolerance
	Count      int     // total elements compared
}

// Compare checks two float tensors elementwise, widening both sides to
// float32 before differencing so fp16 storage does not hide drift.
func Compare(a, b *RawTensor, tol Tolerance) (CompareResult, error) {
	var res CompareResult
	if !a.Shape().Equal(b.Shape()) {
		return res, fmt.Errorf("compare: shape mismatch %v vs %v", a.Shape(), b.Shape())
	}
	if !a.DType().IsFloat() || !b.DType().IsFloat() {
		return res, fmt.Errorf("compare: non-float dtypes %s vs %s", a.DType(), b.DType())
	}

	av := Float32Values(a.Contiguous())
	bv := Float32Values(b.Contiguous())
	res.Count = len(av)
	res.AllClose = true
	for i := range av {
		x, y := float64(av[i]), float64(bv[i])
		if math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
			res.AllClose = false
			res.NumDiffs++
			res.MaxAbsDiff = math.Inf(1)
			continue
		}
		diff := math.Abs(x - y)
		if diff > res.MaxAbsDiff {
			res.MaxAbsDiff = diff
		}
		if diff > tol.Abs+tol.Rel*math.Abs(y) {
			res.AllClose = false
			res.NumDiffs++
		}
	}
	return res, nil
}
