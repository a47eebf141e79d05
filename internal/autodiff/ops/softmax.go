package ops

import (
	"fmt"

	"github.com/kiln-ml/kiln/internal/tensor"
)

// SoftmaxOp records output = softmax(input) along one axis. The Jacobian
// contracts to a per-slice expression:
//
//	grad_x[j] = s[j] * (grad_s[j] - dot(grad_s, s))
//
// where s is the cached softmax output and the dot runs over the softmax
// axis.
type SoftmaxOp struct {
	baseOp
	dim int // normalized, non-negative
}

func NewSoftmaxOp(input, output *tensor.RawTensor, dim int) *SoftmaxOp {
	return &SoftmaxOp{recorded(output, input), dim}
}

func (op *SoftmaxOp) Backward(grad *tensor.RawTensor, _ tensor.Backend) []*tensor.RawTensor {
	in := op.inputs[0]
	shape := in.Shape()

	axisDim := shape[op.dim]
	inner := 1
	for d := op.dim + 1; d < len(shape); d++ {
		inner *= shape[d]
	}
	outer := shape.NumElements() / (axisDim * inner)

	inputGrad, err := tensor.NewRaw(shape, in.DType(), in.Device())
	if err != nil {
		panic(fmt.Sprintf("SoftmaxOp: %v", err))
	}

	s := tensor.Float32Values(op.output.Contiguous())
	g := tensor.Float32Values(grad.Contiguous())
	out := make([]float32, len(s))
	for o := 0; o < outer; o++ {
		for j := 0; j < inner; j++ {
			base := o*axisDim*inner + j
			var dot float32
			for k := 0; k < axisDim; k++ {
				idx := base + k*inner
				dot += g[idx] * s[idx]
			}
			for k := 0; k < axisDim; k++ {
				idx := base + k*inner
				out[idx] = s[idx] * (g[idx] - dot)
			}
		}
	}
	tensor.SetFloat32Values(inputGrad, out)

	return []*tensor.RawTensor{inputGrad}
}
