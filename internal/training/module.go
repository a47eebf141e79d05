// Package training bridges a graph-exporting model to recorded training
// execution. The bridge owns a small state machine: a forward pass moves it
// from idle to awaiting-backward, and only the matching backward call brings
// it back. Graph export is memoized and redone when the input signature or
// the gradient configuration changes; a device change only recreates the
// execution session.
package training

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/kiln-ml/kiln/internal/backend/cpu"
	"github.com/kiln-ml/kiln/internal/onnx"
	"github.com/kiln-ml/kiln/internal/session"
	"github.com/kiln-ml/kiln/internal/tensor"
)

// Phase is the bridge's execution phase.
type Phase int

const (
	// PhaseIdle accepts a forward pass.
	PhaseIdle Phase = iota
	// PhaseAwaitingBackward accepts only the matching backward pass.
	PhaseAwaitingBackward
)

func (p Phase) String() string {
	if p == PhaseAwaitingBackward {
		return "awaiting-backward"
	}
	return "idle"
}

// ExportFunc produces the graph for a given set of input names. It is called
// lazily on the first forward pass and again whenever the input signature
// changes.
type ExportFunc func(inputNames []string) (*onnx.ModelProto, error)

// Options configures the bridge.
type Options struct {
	Device                tensor.Device
	RequiresGradInputs    []string
	TrainableInitializers []string
}

// Module drives training execution for an exported graph.
type Module struct {
	export ExportFunc
	opts   Options

	proto  *onnx.ModelProto
	sess   *session.TrainingSession
	schema *OutputSchema
	state  *session.ExecutionState
	phase  Phase

	builtSignature string // input signature the current proto was exported for
	exports        int    // graph export count, for rebuild accounting
}

// NewModule creates an idle bridge. Nothing is exported or compiled until
// the first forward pass.
func NewModule(export ExportFunc, opts Options) (*Module, error) {
	if export == nil {
		return nil, errors.New("nil export function")
	}
	if _, err := backendFor(opts.Device); err != nil {
		return nil, err
	}
	return &Module{export: export, opts: opts}, nil
}

// Phase returns the current execution phase.
func (m *Module) Phase() Phase {
	return m.phase
}

// Schema returns the output schema of the built graph, or nil before the
// first forward pass.
func (m *Module) Schema() *OutputSchema {
	return m.schema
}

// ExportCount returns how many times the graph has been exported.
func (m *Module) ExportCount() int {
	return m.exports
}

// SetRequiresGrad replaces the requires-grad input set. The graph is rebuilt
// on the next forward pass.
func (m *Module) SetRequiresGrad(inputNames []string) error {
	if m.phase != PhaseIdle {
		return errors.Errorf("cannot change gradient configuration while %s", m.phase)
	}
	m.opts.RequiresGradInputs = append([]string(nil), inputNames...)
	m.invalidateGraph()
	return nil
}

// SetTrainable replaces the trainable initializer set. The graph is rebuilt
// on the next forward pass.
func (m *Module) SetTrainable(names []string) error {
	if m.phase != PhaseIdle {
		return errors.Errorf("cannot change gradient configuration while %s", m.phase)
	}
	m.opts.TrainableInitializers = append([]string(nil), names...)
	m.invalidateGraph()
	return nil
}

// SetDevice moves execution to another device. The exported graph is kept;
// only the session is recreated.
func (m *Module) SetDevice(device tensor.Device) error {
	if m.phase != PhaseIdle {
		return errors.Errorf("cannot change device while %s", m.phase)
	}
	if device == m.opts.Device {
		return nil
	}
	if _, err := backendFor(device); err != nil {
		return err
	}
	klog.V(2).Infof("moving training module from %s to %s", m.opts.Device, device)
	m.opts.Device = device
	m.sess = nil
	return nil
}

// Forward runs a recorded forward pass. Inputs are made contiguous before
// hand-off; an input on the wrong device is rejected eagerly.
func (m *Module) Forward(inputs map[string]*tensor.RawTensor) (map[string]*tensor.RawTensor, error) {
	if m.phase != PhaseIdle {
		return nil, errors.Errorf("forward called while %s", m.phase)
	}

	prepared := make(map[string]*tensor.RawTensor, len(inputs))
	for name, t := range inputs {
		if t == nil {
			return nil, errors.Errorf("input %q is nil", name)
		}
		if t.Device() != m.opts.Device {
			return nil, errors.Errorf("input %q on device %s, module on %s", name, t.Device(), m.opts.Device)
		}
		prepared[name] = t.Contiguous()
	}

	if err := m.ensureSession(prepared); err != nil {
		return nil, err
	}

	outputs, state, err := m.sess.RunForward(prepared)
	if err != nil {
		return nil, err
	}
	m.state = state
	m.phase = PhaseAwaitingBackward
	return outputs, nil
}

// Backward consumes the pending execution state and returns gradients
// ordered as the requires-grad inputs followed by the trainable
// initializers.
func (m *Module) Backward(outputGrads map[string]*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if m.phase != PhaseAwaitingBackward {
		return nil, errors.Errorf("backward called while %s", m.phase)
	}
	grads, err := m.sess.RunBackward(m.state, outputGrads)
	if err != nil {
		return nil, err
	}
	m.state = nil
	m.phase = PhaseIdle
	return grads, nil
}

// ensureSession exports the graph and compiles a session as needed. Export
// is keyed on the input signature; compilation additionally happens after a
// device change dropped the session.
func (m *Module) ensureSession(inputs map[string]*tensor.RawTensor) error {
	sig := inputSignature(inputs)
	if m.proto == nil || sig != m.builtSignature {
		names := make([]string, 0, len(inputs))
		for name := range inputs {
			names = append(names, name)
		}
		sort.Strings(names)
		klog.V(2).Infof("exporting training graph for inputs [%s]", strings.Join(names, " "))
		proto, err := m.export(names)
		if err != nil {
			return errors.Wrap(err, "export graph")
		}
		m.proto = proto
		m.builtSignature = sig
		m.exports++
		m.sess = nil
	}

	if m.sess == nil {
		backend, err := backendFor(m.opts.Device)
		if err != nil {
			return err
		}
		sess, err := session.NewTraining(m.proto, backend, session.TrainingConfig{
			RequiresGradInputs:    m.opts.RequiresGradInputs,
			TrainableInitializers: m.opts.TrainableInitializers,
		})
		if err != nil {
			return err
		}
		m.sess = sess
		m.schema = NewOutputSchema(sess.OutputNames())
	}
	return nil
}

func (m *Module) invalidateGraph() {
	m.proto = nil
	m.sess = nil
	m.builtSignature = ""
}

// inputSignature is the memoization key for graph export: the sorted input
// names.
func inputSignature(inputs map[string]*tensor.RawTensor) string {
	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// backendFor returns the compute backend for a device.
func backendFor(device tensor.Device) (tensor.Backend, error) {
	if device != tensor.CPU {
		return nil, errors.Errorf("unsupported device %s", device)
	}
	return cpu.New(), nil
}
