package attention

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/kiln-ml/kiln/internal/tensor"
)

// InputSet holds one trial's randomly drawn attention inputs.
type InputSet struct {
	Hidden *tensor.RawTensor // [batch, seq, hidden]
	Mask   *tensor.RawTensor // [batch, past+seq]
	Past   *tensor.RawTensor // [2, batch, heads, past, headDim], nil when past is 0
}

// GenerateInputs draws hidden states and past state from N(0, 0.1) and builds
// an attention mask according to paddingSpec:
//
//	0   every position attended
//	n>0 the last n positions of the combined sequence padded out, every row
//	n<0 one random position padded out per row
func GenerateInputs(rng *rand.Rand, cfg Config, batch, seq, pastLen, paddingSpec int) (*InputSet, error) {
	if batch <= 0 || seq <= 0 || pastLen < 0 {
		return nil, errors.Errorf("invalid trial dims: batch=%d seq=%d past=%d", batch, seq, pastLen)
	}
	total := pastLen + seq

	hidden, err := tensor.RandnRaw(rng, tensor.Shape{batch, seq, cfg.HiddenSize}, 0, 0.1, cfg.DType, tensor.CPU)
	if err != nil {
		return nil, errors.Wrap(err, "hidden states")
	}

	mask, err := tensor.FullRaw(tensor.Shape{batch, total}, 1.0, cfg.DType, tensor.CPU)
	if err != nil {
		return nil, errors.Wrap(err, "attention mask")
	}
	switch {
	case paddingSpec > 0:
		n := paddingSpec
		if n > total {
			n = total
		}
		for b := 0; b < batch; b++ {
			for t := total - n; t < total; t++ {
				if err := tensor.SetScalarAt(mask, b*total+t, 0); err != nil {
					return nil, errors.Wrap(err, "attention mask")
				}
			}
		}
	case paddingSpec < 0:
		for b := 0; b < batch; b++ {
			t := rng.Intn(total)
			if err := tensor.SetScalarAt(mask, b*total+t, 0); err != nil {
				return nil, errors.Wrap(err, "attention mask")
			}
		}
	}

	var past *tensor.RawTensor
	if pastLen > 0 {
		past, err = tensor.RandnRaw(rng,
			tensor.Shape{2, batch, cfg.NumHeads, pastLen, cfg.HeadDim()},
			0, 0.1, cfg.DType, tensor.CPU)
		if err != nil {
			return nil, errors.Wrap(err, "past state")
		}
	}

	return &InputSet{Hidden: hidden, Mask: mask, Past: past}, nil
}
