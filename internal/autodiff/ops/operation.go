// Package ops defines operation records for reverse-mode automatic
// differentiation. Each operation captures its inputs and outputs during the
// forward pass and knows how to push an output gradient back to its inputs.
package ops

import "github.com/kiln-ml/kiln/internal/tensor"

// Operation is a recorded differentiable operation.
type Operation interface {
	// Backward computes gradients for the inputs given the output gradient.
	// The returned slice is parallel to Inputs().
	Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor

	// Inputs returns the input tensors for this operation.
	Inputs() []*tensor.RawTensor

	// Output returns the output tensor produced by this operation.
	Output() *tensor.RawTensor
}

// MultiOutputOperation is an operation producing several outputs, such as
// Split. The tape collects gradients for all outputs before calling
// BackwardMulti; outputs that received no gradient are filled with zeros.
type MultiOutputOperation interface {
	Operation

	// Outputs returns all output tensors produced by this operation.
	Outputs() []*tensor.RawTensor

	// BackwardMulti computes input gradients given gradients for all outputs.
	BackwardMulti(outputGrads []*tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor
}

// baseOp carries the recorded inputs and output shared by every
// single-output operation.
type baseOp struct {
	inputs []*tensor.RawTensor
	output *tensor.RawTensor
}

func recorded(output *tensor.RawTensor, inputs ...*tensor.RawTensor) baseOp {
	return baseOp{inputs: inputs, output: output}
}

func (op *baseOp) Inputs() []*tensor.RawTensor { return op.inputs }
func (op *baseOp) Output() *tensor.RawTensor   { return op.output }
