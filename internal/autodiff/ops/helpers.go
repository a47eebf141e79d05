package ops

import (
	"fmt"

	"github.com/kiln-ml/kiln/internal/tensor"
)

// reduceBroadcast folds a gradient back onto the target shape, summing the
// dimensions the forward pass broadcast.
//
//	Forward: a[3,1] + b[3,4] -> c[3,4]
//	Backward: grad_c[3,4] -> grad_a[3,1] (sum along dim 1)
func reduceBroadcast(grad *tensor.RawTensor, target tensor.Shape, backend tensor.Backend) *tensor.RawTensor {
	// Clone on match so in-place accumulation never aliases shared grads.
	if grad.Shape().Equal(target) {
		return grad.Clone()
	}

	// Broadcasting aligns shapes from the right; sum away extra leading
	// dimensions first, then collapse stretched size-1 dimensions.
	out := grad
	for len(out.Shape()) > len(target) {
		summed, err := tensor.Squeeze(sumAlongDimension(out, 0), 0)
		if err != nil {
			panic(fmt.Sprintf("reduceBroadcast: %v", err))
		}
		out = summed
	}
	for i, want := range target {
		if want == 1 && out.Shape()[i] > 1 {
			out = sumAlongDimension(out, i)
		}
	}

	if !out.Shape().Equal(target) {
		out = backend.Reshape(out, target)
	}
	return out
}

// sumAlongDimension sums one dimension down to size 1. Values widen through
// float64 so every float dtype shares the loop.
func sumAlongDimension(t *tensor.RawTensor, dim int) *tensor.RawTensor {
	shape := t.Shape()
	if dim < 0 || dim >= len(shape) {
		panic(fmt.Sprintf("sumAlongDimension: invalid dimension %d for shape %v", dim, shape))
	}

	outShape := shape.Clone()
	outShape[dim] = 1
	out, err := tensor.NewRaw(outShape, t.DType(), t.Device())
	if err != nil {
		panic(fmt.Sprintf("sumAlongDimension: %v", err))
	}

	size := shape[dim]
	inner := 1
	for _, d := range shape[dim+1:] {
		inner *= d
	}
	outer := shape.NumElements() / (size * inner)

	tc := t.Contiguous()
	for o := 0; o < outer; o++ {
		for j := 0; j < inner; j++ {
			var sum float64
			for k := 0; k < size; k++ {
				v, err := tensor.ScalarAt(tc, (o*size+k)*inner+j)
				if err != nil {
					panic(fmt.Sprintf("sumAlongDimension: %v", err))
				}
				sum += v
			}
			if err := tensor.SetScalarAt(out, o*inner+j, sum); err != nil {
				panic(fmt.Sprintf("sumAlongDimension: %v", err))
			}
		}
	}
	return out
}

func zerosLike(t *tensor.RawTensor, device tensor.Device) *tensor.RawTensor {
	zeros, err := tensor.NewRaw(t.Shape(), t.DType(), device)
	if err != nil {
		panic(fmt.Sprintf("zerosLike: %v", err))
	}
	return zeros
}

func negateGradient(grad *tensor.RawTensor, backend tensor.Backend) *tensor.RawTensor {
	return backend.Sub(zerosLike(grad, backend.Device()), grad)
}
