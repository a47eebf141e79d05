// Package attention implements GPT-2 style multi-head self-attention with
// past key/value state, both as an in-memory reference module and as an
// exported ONNX graph. The reference module is the ground truth the graph
// executor is checked against.
package attention

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/kiln-ml/kiln/internal/tensor"
)

// maskedScore is the sentinel written into attention logits at causally
// disallowed positions and scaled into the additive padding bias.
const maskedScore = float32(-10000.0)

// Config describes one attention layer.
type Config struct {
	HiddenSize  int             // embedding width, split evenly across heads
	NumHeads    int             // number of attention heads
	MaxPosition int             // size of the baked causal window
	DType       tensor.DataType // Float32 or Float16
}

// DefaultConfig mirrors the GPT-2 base layer.
func DefaultConfig() Config {
	return Config{
		HiddenSize:  768,
		NumHeads:    12,
		MaxPosition: 1024,
		DType:       tensor.Float32,
	}
}

// HeadDim returns the per-head width.
func (c Config) HeadDim() int {
	return c.HiddenSize / c.NumHeads
}

func (c Config) validate() error {
	if c.HiddenSize <= 0 || c.NumHeads <= 0 {
		return errors.Errorf("invalid config: hidden=%d heads=%d", c.HiddenSize, c.NumHeads)
	}
	if c.HiddenSize%c.NumHeads != 0 {
		return errors.Errorf("hidden size %d not divisible by %d heads", c.HiddenSize, c.NumHeads)
	}
	if c.MaxPosition <= 0 {
		return errors.Errorf("invalid max position %d", c.MaxPosition)
	}
	if c.DType != tensor.Float32 && c.DType != tensor.Float16 {
		return errors.Errorf("unsupported dtype %s", c.DType)
	}
	return nil
}

// Module is the reference attention layer. Weights use the combined QKV
// projection layout: weight [hidden, 3*hidden], bias [3*hidden].
type Module struct {
	cfg     Config
	backend tensor.Backend

	Weight *tensor.RawTensor
	Bias   *tensor.RawTensor

	causal *tensor.RawTensor // uint8 [1,1,max,max] lower-triangular window
}

// NewModule creates a reference attention layer with weights drawn from
// N(0, 0.1) using the caller's RNG, so trials are reproducible.
func NewModule(cfg Config, rng *rand.Rand, backend tensor.Backend) (*Module, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	weight, err := tensor.RandnRaw(rng, tensor.Shape{cfg.HiddenSize, 3 * cfg.HiddenSize}, 0, 0.1, cfg.DType, backend.Device())
	if err != nil {
		return nil, errors.Wrap(err, "init weight")
	}
	bias, err := tensor.RandnRaw(rng, tensor.Shape{3 * cfg.HiddenSize}, 0, 0.1, cfg.DType, backend.Device())
	if err != nil {
		return nil, errors.Wrap(err, "init bias")
	}
	causal, err := tensor.TrilMask(cfg.MaxPosition, backend.Device())
	if err != nil {
		return nil, errors.Wrap(err, "init causal window")
	}

	return &Module{
		cfg:     cfg,
		backend: backend,
		Weight:  weight,
		Bias:    bias,
		causal:  causal,
	}, nil
}

// Config returns the layer configuration.
func (m *Module) Config() Config {
	return m.cfg
}

// Backend returns the compute backend the module runs on.
func (m *Module) Backend() tensor.Backend {
	return m.backend
}

// Forward computes masked multi-head attention.
//
//	hidden [batch, seq, hidden]
//	mask   [batch, past+seq] (1 = attend, 0 = padded), may be nil
//	past   [2, batch, heads, pastSeq, headDim], may be nil
//
// Returns the attention output [batch, seq, hidden] and the present state
// [2, batch, heads, past+seq, headDim].
func (m *Module) Forward(hidden, mask, past *tensor.RawTensor) (output, present *tensor.RawTensor, err error) {
	be := m.backend
	cfg := m.cfg

	if len(hidden.Shape()) != 3 || hidden.Shape()[2] != cfg.HiddenSize {
		return nil, nil, errors.Errorf("hidden states shape %v, want [batch seq %d]", hidden.Shape(), cfg.HiddenSize)
	}
	if hidden.DType() != cfg.DType {
		return nil, nil, errors.Errorf("hidden states dtype %s, layer is %s", hidden.DType(), cfg.DType)
	}
	batch, seq := hidden.Shape()[0], hidden.Shape()[1]

	pastLen := 0
	if past != nil {
		ps := past.Shape()
		want := tensor.Shape{2, batch, cfg.NumHeads, ps[3], cfg.HeadDim()}
		if len(ps) != 5 || !ps.Equal(want) {
			return nil, nil, errors.Errorf("past shape %v, want %v", ps, want)
		}
		pastLen = ps[3]
	}
	total := pastLen + seq
	if total > cfg.MaxPosition {
		return nil, nil, errors.Errorf("sequence %d exceeds max position %d", total, cfg.MaxPosition)
	}
	if mask != nil && !mask.Shape().Equal(tensor.Shape{batch, total}) {
		return nil, nil, errors.Errorf("attention mask shape %v, want [%d %d]", mask.Shape(), batch, total)
	}

	// QKV projection.
	flat := be.Reshape(hidden, tensor.Shape{batch * seq, cfg.HiddenSize})
	qkv := be.Add(be.MatMul(flat, m.Weight), m.Bias)
	qkv = be.Reshape(qkv, tensor.Shape{batch, seq, 3 * cfg.HiddenSize})

	parts := be.Split(qkv, 2, []int{cfg.HiddenSize, cfg.HiddenSize, cfg.HiddenSize})
	query := m.splitHeads(parts[0], batch, seq)
	key := m.splitHeads(parts[1], batch, seq)
	value := m.splitHeads(parts[2], batch, seq)

	if past != nil {
		kv := be.Split(past, 0, []int{1, 1})
		pastKey := be.Reshape(kv[0], tensor.Shape{batch, cfg.NumHeads, pastLen, cfg.HeadDim()})
		pastValue := be.Reshape(kv[1], tensor.Shape{batch, cfg.NumHeads, pastLen, cfg.HeadDim()})
		key = be.Cat([]*tensor.RawTensor{pastKey, key}, 2)
		value = be.Cat([]*tensor.RawTensor{pastValue, value}, 2)
	}

	// Scaled attention scores [batch, heads, seq, total].
	scores := be.BatchMatMul(query, be.Transpose(key, 0, 1, 3, 2))
	scores = m.scaleScores(scores)

	// Causal window: future positions are replaced by the sentinel, matching
	// a where() on the baked triangular mask.
	window, err := causalWindow(m.causal, pastLen, total)
	if err != nil {
		return nil, nil, err
	}
	sentinel, err := tensor.FullRaw(tensor.Shape{1}, maskedScore, cfg.DType, be.Device())
	if err != nil {
		return nil, nil, err
	}
	scores = be.Where(window, scores, sentinel)

	// Padding: additive bias (1 - mask) * sentinel broadcast over heads.
	if mask != nil {
		one, err := tensor.FullRaw(tensor.Shape{1}, 1.0, cfg.DType, be.Device())
		if err != nil {
			return nil, nil, err
		}
		bias := be.Mul(be.Sub(one, mask), sentinel)
		bias = be.Reshape(bias, tensor.Shape{batch, 1, 1, total})
		scores = be.Add(scores, bias)
	}

	probs := be.Softmax(scores, -1)
	context := be.BatchMatMul(probs, value)

	// Merge heads back to [batch, seq, hidden].
	context = be.Transpose(context, 0, 2, 1, 3)
	output = be.Reshape(context, tensor.Shape{batch, seq, cfg.HiddenSize})

	presentKey := be.Reshape(key, tensor.Shape{1, batch, cfg.NumHeads, total, cfg.HeadDim()})
	presentValue := be.Reshape(value, tensor.Shape{1, batch, cfg.NumHeads, total, cfg.HeadDim()})
	present = be.Cat([]*tensor.RawTensor{presentKey, presentValue}, 0)

	return output, present, nil
}

// splitHeads reshapes [batch, seq, hidden] to [batch, heads, seq, headDim].
func (m *Module) splitHeads(x *tensor.RawTensor, batch, seq int) *tensor.RawTensor {
	x = m.backend.Reshape(x, tensor.Shape{batch, seq, m.cfg.NumHeads, m.cfg.HeadDim()})
	return m.backend.Transpose(x, 0, 2, 1, 3)
}

// scaleScores divides logits by sqrt(headDim). Half precision upcasts to
// float32 for the scale and rounds back, the way accelerator kernels do.
func (m *Module) scaleScores(scores *tensor.RawTensor) *tensor.RawTensor {
	be := m.backend
	scale := float32(1.0 / math.Sqrt(float64(m.cfg.HeadDim())))
	if m.cfg.DType == tensor.Float16 {
		up := be.Cast(scores, tensor.Float32)
		return be.Cast(be.MulScalar(up, scale), tensor.Float16)
	}
	return be.MulScalar(scores, scale)
}

// causalWindow slices rows [past, total) and columns [0, total) out of the
// baked triangular mask and converts it to a boolean condition [1,1,seq,total].
func causalWindow(causal *tensor.RawTensor, pastLen, total int) (*tensor.RawTensor, error) {
	window, err := tensor.Slice(causal,
		[]int64{int64(pastLen), 0},
		[]int64{int64(total), int64(total)},
		[]int64{2, 3}, nil)
	if err != nil {
		return nil, errors.Wrap(err, "causal window")
	}
	cond, err := tensor.Cast(window, tensor.Bool)
	if err != nil {
		return nil, errors.Wrap(err, "causal window")
	}
	return cond, nil
}
