package ops

import "github.com/kiln-ml/kiln/internal/tensor"

// CatOp records output = Cat(inputs, dim). Backward splits the output
// gradient along dim at the original input boundaries and hands each input
// its slice.
type CatOp struct {
	baseOp
	dim   int
	sizes []int // size of each input along dim
}

func NewCatOp(inputs []*tensor.RawTensor, dim int, sizes []int, output *tensor.RawTensor) *CatOp {
	return &CatOp{baseOp{inputs: inputs, output: output}, dim, sizes}
}

func (op *CatOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return backend.Split(grad, op.dim, op.sizes)
}

// SplitOp records outputs = Split(input, dim, sizes). Backward concatenates
// the output gradients back along dim; the tape zero-fills gradients for
// unused outputs before calling BackwardMulti.
type SplitOp struct {
	input   *tensor.RawTensor
	dim     int
	sizes   []int
	outputs []*tensor.RawTensor
}

func NewSplitOp(input *tensor.RawTensor, dim int, sizes []int, outputs []*tensor.RawTensor) *SplitOp {
	return &SplitOp{input: input, dim: dim, sizes: sizes, outputs: outputs}
}

func (op *SplitOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.input} }

// Output returns the first output. The tape detects MultiOutputOperation and
// never routes single-output gradients through here.
func (op *SplitOp) Output() *tensor.RawTensor { return op.outputs[0] }

func (op *SplitOp) Outputs() []*tensor.RawTensor { return op.outputs }

func (op *SplitOp) Backward(_ *tensor.RawTensor, _ tensor.Backend) []*tensor.RawTensor {
	panic("SplitOp.Backward: multi-output operations go through BackwardMulti")
}

func (op *SplitOp) BackwardMulti(outputGrads []*tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	if len(outputGrads) != len(op.outputs) {
		panic("SplitOp.BackwardMulti: gradient count mismatch")
	}
	return []*tensor.RawTensor{backend.Cat(outputGrads, op.dim)}
}
