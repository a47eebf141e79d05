package session

import (
	"github.com/google/uuid"

	"github.com/kiln-ml/kiln/internal/tensor"
)

// ExecutionState is the opaque handle tying a backward request to the
// forward pass that produced it. It is single use: RunBackward consumes it
// and releases the recorded graph.
type ExecutionState struct {
	id       uuid.UUID
	inputs   map[string]*tensor.RawTensor
	outputs  map[string]*tensor.RawTensor
	released bool
}

func newExecutionState(inputs, outputs map[string]*tensor.RawTensor) *ExecutionState {
	return &ExecutionState{
		id:      uuid.New(),
		inputs:  inputs,
		outputs: outputs,
	}
}

// ID identifies the forward run this state belongs to.
func (s *ExecutionState) ID() string {
	return s.id.String()
}

// Outputs returns the forward outputs by graph output name.
func (s *ExecutionState) Outputs() map[string]*tensor.RawTensor {
	return s.outputs
}

// Released reports whether the state has already been consumed.
func (s *ExecutionState) Released() bool {
	return s.released
}

func (s *ExecutionState) release() {
	s.released = true
	s.inputs = nil
	s.outputs = nil
}
