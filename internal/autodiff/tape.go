package autodiff

import (
	"github.com/kiln-ml/kiln/internal/autodiff/ops"
	"github.com/kiln-ml/kiln/internal/tensor"
)

// GradientTape records operations during the forward pass and replays them
// in reverse to compute gradients.
type GradientTape struct {
	operations []ops.Operation
	recording  bool
}

// NewGradientTape creates an empty tape. Recording starts off.
func NewGradientTape() *GradientTape {
	return &GradientTape{operations: make([]ops.Operation, 0, 64)}
}

func (t *GradientTape) StartRecording() { t.recording = true }
func (t *GradientTape) StopRecording()  { t.recording = false }
func (t *GradientTape) IsRecording() bool {
	return t.recording
}

// Record appends op while recording is on; otherwise it is a no-op.
func (t *GradientTape) Record(op ops.Operation) {
	if t.recording {
		t.operations = append(t.operations, op)
	}
}

// Clear drops all recorded operations, keeping the recording state.
func (t *GradientTape) Clear() {
	t.operations = t.operations[:0]
}

// NumOps returns the number of recorded operations.
func (t *GradientTape) NumOps() int {
	return len(t.operations)
}

// Backward seeds the final operation's output with outputGrad and walks the
// tape in reverse, returning the accumulated gradient for every tensor that
// received one.
func (t *GradientTape) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) map[*tensor.RawTensor]*tensor.RawTensor {
	if len(t.operations) == 0 {
		return map[*tensor.RawTensor]*tensor.RawTensor{}
	}
	last := t.operations[len(t.operations)-1]
	return t.BackwardWithGrads(map[*tensor.RawTensor]*tensor.RawTensor{last.Output(): outputGrad}, backend)
}

// BackwardWithGrads runs the reverse pass from an explicit set of seed
// gradients, one per graph output that participates in the loss. Graphs with
// several outputs (an attention output plus its present state, say) seed all
// of them at once so their contributions accumulate.
func (t *GradientTape) BackwardWithGrads(seeds map[*tensor.RawTensor]*tensor.RawTensor, backend tensor.Backend) map[*tensor.RawTensor]*tensor.RawTensor {
	grads := make(map[*tensor.RawTensor]*tensor.RawTensor, len(seeds))
	for out, g := range seeds {
		grads[out] = g
	}
	if len(t.operations) == 0 {
		return grads
	}

	// Gradient math must not append to the tape being walked.
	wasRecording := t.recording
	t.recording = false
	defer func() { t.recording = wasRecording }()

	for i := len(t.operations) - 1; i >= 0; i-- {
		op := t.operations[i]

		var inputGrads []*tensor.RawTensor
		if multi, ok := op.(ops.MultiOutputOperation); ok {
			inputGrads = backwardMulti(multi, grads, backend)
		} else if g, ok := grads[op.Output()]; ok {
			inputGrads = op.Backward(g, backend)
		}
		if inputGrads == nil {
			continue
		}

		for j, input := range op.Inputs() {
			if j >= len(inputGrads) || inputGrads[j] == nil {
				continue
			}
			if prev, ok := grads[input]; ok {
				grads[input] = backend.Add(prev, inputGrads[j])
			} else {
				grads[input] = inputGrads[j]
			}
		}
	}
	return grads
}

// backwardMulti gathers the gradient for every output of a multi-output
// operation, zero-filling outputs nothing flowed to. Returns nil when no
// output received a gradient at all.
func backwardMulti(op ops.MultiOutputOperation, grads map[*tensor.RawTensor]*tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	outputs := op.Outputs()
	outGrads := make([]*tensor.RawTensor, len(outputs))
	seeded := false
	for j, out := range outputs {
		if g, ok := grads[out]; ok {
			outGrads[j] = g
			seeded = true
		}
	}
	if !seeded {
		return nil
	}

	for j, out := range outputs {
		if outGrads[j] != nil {
			continue
		}
		zero, err := tensor.NewRaw(out.Shape(), out.DType(), backend.Device())
		if err != nil {
			continue
		}
		outGrads[j] = zero
	}
	return op.BackwardMulti(outGrads, backend)
}
