// Package session wraps compiled ONNX graphs behind inference and training
// sessions. An inference session is a thin execution handle; a training
// session additionally records the forward pass on a gradient tape and
// answers backward requests through single-use execution states.
package session

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/kiln-ml/kiln/internal/onnx"
	"github.com/kiln-ml/kiln/internal/tensor"
)

// InferenceSession executes a compiled graph on a fixed backend.
type InferenceSession struct {
	model   *onnx.Model
	backend tensor.Backend
}

// NewInference compiles the graph proto for execution. Loading is strict:
// a graph with unsupported operators is rejected up front.
func NewInference(proto *onnx.ModelProto, backend tensor.Backend) (*InferenceSession, error) {
	model, err := onnx.LoadFromProto(proto, backend, onnx.LoadOptions{StrictMode: true})
	if err != nil {
		return nil, errors.Wrap(err, "compile graph")
	}
	klog.V(2).Infof("inference session: %d inputs, %d outputs, backend %s",
		len(model.InputNames()), len(model.OutputNames()), backend.Name())
	return &InferenceSession{model: model, backend: backend}, nil
}

// Run executes the graph with named inputs.
func (s *InferenceSession) Run(inputs map[string]*tensor.RawTensor) (map[string]*tensor.RawTensor, error) {
	outputs, err := s.model.ForwardNamed(inputs)
	if err != nil {
		return nil, errors.Wrap(err, "run graph")
	}
	return outputs, nil
}

// InputNames returns the graph's user input names.
func (s *InferenceSession) InputNames() []string {
	return s.model.InputNames()
}

// OutputNames returns the graph's output names.
func (s *InferenceSession) OutputNames() []string {
	return s.model.OutputNames()
}

// Backend returns the backend the session executes on.
func (s *InferenceSession) Backend() tensor.Backend {
	return s.backend
}
