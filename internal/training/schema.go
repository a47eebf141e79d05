package training

import (
	"github.com/pkg/errors"

	"github.com/kiln-ml/kiln/internal/tensor"
)

// OutputSchema pins the order graph outputs are flattened in when they cross
// the module boundary as a plain slice.
type OutputSchema struct {
	names []string
}

// NewOutputSchema captures an output ordering.
func NewOutputSchema(names []string) *OutputSchema {
	return &OutputSchema{names: append([]string(nil), names...)}
}

// Names returns the output names in schema order.
func (s *OutputSchema) Names() []string {
	return s.names
}

// Flatten orders named outputs into a slice following the schema.
func (s *OutputSchema) Flatten(outputs map[string]*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	flat := make([]*tensor.RawTensor, len(s.names))
	for i, name := range s.names {
		t, ok := outputs[name]
		if !ok {
			return nil, errors.Errorf("output %q missing from results", name)
		}
		flat[i] = t
	}
	return flat, nil
}

// Unflatten maps a schema-ordered slice back to named tensors. Nil entries
// are allowed and dropped, standing for outputs without a value.
func (s *OutputSchema) Unflatten(flat []*tensor.RawTensor) (map[string]*tensor.RawTensor, error) {
	if len(flat) != len(s.names) {
		return nil, errors.Errorf("got %d tensors for a schema of %d outputs", len(flat), len(s.names))
	}
	out := make(map[string]*tensor.RawTensor, len(flat))
	for i, t := range flat {
		if t == nil {
			continue
		}
		out[s.names[i]] = t
	}
	return out, nil
}
