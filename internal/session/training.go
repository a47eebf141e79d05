package session

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/kiln-ml/kiln/internal/autodiff"
	"github.com/kiln-ml/kiln/internal/onnx"
	"github.com/kiln-ml/kiln/internal/tensor"
)

// TrainingConfig names the tensors gradients are requested for.
type TrainingConfig struct {
	// RequiresGradInputs are user input names that participate in the
	// backward pass, in the order their gradients are returned.
	RequiresGradInputs []string

	// TrainableInitializers are graph weight names whose gradients follow
	// the input gradients, in this order.
	TrainableInitializers []string
}

// TrainingSession executes a graph under a recording backend so each forward
// pass can be replayed in reverse. One forward pass is outstanding at a time;
// its ExecutionState must be consumed by RunBackward before the next forward.
type TrainingSession struct {
	cfg     TrainingConfig
	model   *onnx.Model
	ad      *autodiff.Backend[tensor.Backend]
	inner   tensor.Backend
	weights []*tensor.RawTensor // resolved trainable initializers

	pending *ExecutionState
	grads   map[*tensor.RawTensor]*tensor.RawTensor
}

// NewTraining compiles the graph proto under an autodiff wrapper around the
// given backend and resolves the trainable initializers.
func NewTraining(proto *onnx.ModelProto, inner tensor.Backend, cfg TrainingConfig) (*TrainingSession, error) {
	ad := autodiff.New[tensor.Backend](inner)
	model, err := onnx.LoadFromProto(proto, ad, onnx.LoadOptions{StrictMode: true})
	if err != nil {
		return nil, errors.Wrap(err, "compile training graph")
	}

	inputNames := make(map[string]bool, len(model.InputNames()))
	for _, name := range model.InputNames() {
		inputNames[name] = true
	}
	for _, name := range cfg.RequiresGradInputs {
		if !inputNames[name] {
			return nil, errors.Errorf("requires-grad input %q is not a graph input", name)
		}
	}

	weights := make([]*tensor.RawTensor, len(cfg.TrainableInitializers))
	for i, name := range cfg.TrainableInitializers {
		w, ok := model.Initializer(name)
		if !ok {
			return nil, errors.Errorf("trainable initializer %q not found in graph", name)
		}
		if !w.DType().IsFloat() {
			return nil, errors.Errorf("trainable initializer %q has non-float dtype %s", name, w.DType())
		}
		weights[i] = w
	}

	klog.V(2).Infof("training session: %d inputs (%d with grad), %d trainable weights",
		len(model.InputNames()), len(cfg.RequiresGradInputs), len(weights))

	return &TrainingSession{
		cfg:     cfg,
		model:   model,
		ad:      ad,
		inner:   inner,
		weights: weights,
	}, nil
}

// OutputNames returns the graph's output names.
func (s *TrainingSession) OutputNames() []string {
	return s.model.OutputNames()
}

// InputNames returns the graph's user input names.
func (s *TrainingSession) InputNames() []string {
	return s.model.InputNames()
}

// RunForward executes the graph while recording it, returning the outputs
// and the execution state the matching RunBackward must present.
func (s *TrainingSession) RunForward(inputs map[string]*tensor.RawTensor) (map[string]*tensor.RawTensor, *ExecutionState, error) {
	if s.pending != nil && !s.pending.released {
		return nil, nil, errors.Errorf("execution state %s still awaiting backward", s.pending.ID())
	}

	tape := s.ad.Tape()
	tape.Clear()
	tape.StartRecording()
	outputs, err := s.model.ForwardNamed(inputs)
	tape.StopRecording()
	if err != nil {
		tape.Clear()
		return nil, nil, errors.Wrap(err, "forward pass")
	}

	state := newExecutionState(inputs, outputs)
	s.pending = state
	klog.V(3).Infof("forward pass %s recorded %d ops", state.ID(), tape.NumOps())
	return outputs, state, nil
}

// RunBackward walks the recorded graph in reverse from the given output
// gradients and returns parameter gradients ordered as the requires-grad
// inputs followed by the trainable initializers. The execution state is
// consumed; outputs without a supplied gradient are treated as detached and
// seeded with zeros, while supplying a gradient for a non-differentiable
// output is an error.
func (s *TrainingSession) RunBackward(state *ExecutionState, outputGrads map[string]*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if state == nil {
		return nil, errors.New("nil execution state")
	}
	if state.released {
		return nil, errors.Errorf("execution state %s already consumed", state.ID())
	}
	if s.pending != state {
		return nil, errors.Errorf("execution state %s does not match the pending forward pass", state.ID())
	}

	seeds, err := s.seedGradients(state, outputGrads)
	if err != nil {
		return nil, err
	}

	tape := s.ad.Tape()
	klog.V(3).Infof("backward pass %s over %d recorded ops", state.ID(), tape.NumOps())
	grads := tape.BackwardWithGrads(seeds, s.inner)

	result := make([]*tensor.RawTensor, 0, len(s.cfg.RequiresGradInputs)+len(s.weights))
	for _, name := range s.cfg.RequiresGradInputs {
		in := state.inputs[name]
		if in == nil {
			return nil, errors.Errorf("requires-grad input %q was not fed to the forward pass", name)
		}
		g, err := gradOrZeros(grads, in)
		if err != nil {
			return nil, errors.Wrapf(err, "gradient for input %q", name)
		}
		result = append(result, g)
	}
	for i, w := range s.weights {
		g, err := gradOrZeros(grads, w)
		if err != nil {
			return nil, errors.Wrapf(err, "gradient for initializer %q", s.cfg.TrainableInitializers[i])
		}
		result = append(result, g)
	}

	state.release()
	s.pending = nil
	tape.Clear()
	return result, nil
}

// seedGradients validates the user-supplied output gradients and fills in
// zero seeds for differentiable outputs left out of the request.
func (s *TrainingSession) seedGradients(state *ExecutionState, outputGrads map[string]*tensor.RawTensor) (map[*tensor.RawTensor]*tensor.RawTensor, error) {
	known := make(map[string]bool, len(s.model.OutputNames()))
	for _, name := range s.model.OutputNames() {
		known[name] = true
	}
	for name := range outputGrads {
		if !known[name] {
			return nil, errors.Errorf("gradient supplied for unknown output %q", name)
		}
	}

	seeds := make(map[*tensor.RawTensor]*tensor.RawTensor, len(outputGrads))
	for _, name := range s.model.OutputNames() {
		out := state.outputs[name]
		grad, supplied := outputGrads[name]
		if !out.DType().IsFloat() {
			if supplied {
				return nil, errors.Errorf("output %q is not differentiable (dtype %s)", name, out.DType())
			}
			continue
		}
		if !supplied {
			grad = nil
		}
		if grad == nil {
			zero, err := tensor.NewRaw(out.Shape(), out.DType(), out.Device())
			if err != nil {
				return nil, errors.Wrapf(err, "zero gradient for output %q", name)
			}
			grad = zero
		} else {
			if !grad.Shape().Equal(out.Shape()) {
				return nil, errors.Errorf("gradient for output %q has shape %v, want %v", name, grad.Shape(), out.Shape())
			}
			if grad.DType() != out.DType() {
				return nil, errors.Errorf("gradient for output %q has dtype %s, want %s", name, grad.DType(), out.DType())
			}
		}
		seeds[out] = grad
	}
	return seeds, nil
}

// gradOrZeros returns the accumulated gradient for a parameter, or zeros of
// the parameter's shape when nothing flowed to it.
func gradOrZeros(grads map[*tensor.RawTensor]*tensor.RawTensor, param *tensor.RawTensor) (*tensor.RawTensor, error) {
	if g, ok := grads[param]; ok {
		return g, nil
	}
	return tensor.NewRaw(param.Shape(), param.DType(), param.Device())
}
