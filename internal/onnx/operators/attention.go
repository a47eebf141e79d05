package operators

import (
	"fmt"
	"math"

	"github.com/kiln-ml/kiln/internal/parallel"
	"github.com/kiln-ml/kiln/internal/tensor"
)

// attnParCfg fans (batch, head) pairs out even at small counts; each pair
// carries a full attention row's worth of work.
var attnParCfg = parallel.Config{Enabled: true, NumWorkers: parallel.DefaultConfig().NumWorkers, MinChunkSize: 1}

// maskedScore replaces attention logits at disallowed positions, matching
// the sentinel the decomposed graph bakes into its Where branch.
const maskedScore = float32(-10000.0)

// registerAttention adds the fused attention operator. It computes the same
// function as the decomposed QKV graph in a single node: projection, per-head
// scaled dot-product with causal and padding masking, and past/present state
// concatenation.
func (r *Registry) registerAttention() {
	r.Register("Attention", handleAttention)
}

// handleAttention executes fused unidirectional multi-head attention.
//
// Inputs:
//
//	0: hidden_states [batch, seq, hidden]
//	1: qkv weight    [hidden, 3*hidden]
//	2: qkv bias      [3*hidden]
//	3: attention mask [batch, total_seq] (optional)
//	4: past K/V       [2, batch, heads, past_seq, head_dim] (optional)
//
// Outputs:
//
//	0: attention output [batch, seq, hidden]
//	1: present K/V      [2, batch, heads, total_seq, head_dim]
//
// All arithmetic runs in float32; float16 tensors are widened on entry and
// rounded back on exit, matching how accelerators execute half precision.
func handleAttention(_ *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) < 3 {
		return nil, fmt.Errorf("attention requires at least 3 inputs, got %d", len(inputs))
	}
	hidden, weight, bias := inputs[0], inputs[1], inputs[2]

	numHeads := int(GetAttrInt(node, "num_heads", 0))
	if numHeads <= 0 {
		return nil, fmt.Errorf("attention: num_heads attribute required")
	}
	unidirectional := GetAttrInt(node, "unidirectional", 0) != 0

	if len(hidden.Shape()) != 3 {
		return nil, fmt.Errorf("attention: hidden states must be 3D, got %v", hidden.Shape())
	}
	batch, seq, hiddenSize := hidden.Shape()[0], hidden.Shape()[1], hidden.Shape()[2]
	if hiddenSize%numHeads != 0 {
		return nil, fmt.Errorf("attention: hidden size %d not divisible by %d heads", hiddenSize, numHeads)
	}
	headDim := hiddenSize / numHeads

	if !weight.Shape().Equal(tensor.Shape{hiddenSize, 3 * hiddenSize}) {
		return nil, fmt.Errorf("attention: weight shape %v, want [%d %d]", weight.Shape(), hiddenSize, 3*hiddenSize)
	}
	if !bias.Shape().Equal(tensor.Shape{3 * hiddenSize}) {
		return nil, fmt.Errorf("attention: bias shape %v, want [%d]", bias.Shape(), 3*hiddenSize)
	}

	var mask []float32
	if len(inputs) >= 4 && inputs[3] != nil {
		mask = tensor.Float32Values(inputs[3].Contiguous())
	}

	pastSeq := 0
	var past []float32
	if len(inputs) >= 5 && inputs[4] != nil {
		ps := inputs[4].Shape()
		if len(ps) != 5 || ps[0] != 2 || ps[1] != batch || ps[2] != numHeads || ps[4] != headDim {
			return nil, fmt.Errorf("attention: past shape %v incompatible with [2 %d %d * %d]", ps, batch, numHeads, headDim)
		}
		pastSeq = ps[3]
		past = tensor.Float32Values(inputs[4].Contiguous())
	}
	totalSeq := pastSeq + seq

	if mask != nil && len(mask) != batch*totalSeq {
		return nil, fmt.Errorf("attention: mask has %d elements, want %d", len(mask), batch*totalSeq)
	}

	h := tensor.Float32Values(hidden.Contiguous())
	w := tensor.Float32Values(weight.Contiguous())
	wb := tensor.Float32Values(bias.Contiguous())

	// QKV projection: [B,S,H] @ [H,3H] + bias.
	qkv := make([]float32, batch*seq*3*hiddenSize)
	for b := 0; b < batch; b++ {
		for s := 0; s < seq; s++ {
			row := h[(b*seq+s)*hiddenSize : (b*seq+s+1)*hiddenSize]
			out := qkv[(b*seq+s)*3*hiddenSize : (b*seq+s+1)*3*hiddenSize]
			copy(out, wb)
			for k := 0; k < hiddenSize; k++ {
				hv := row[k]
				if hv == 0 {
					continue
				}
				wRow := w[k*3*hiddenSize : (k+1)*3*hiddenSize]
				for j := range out {
					out[j] += hv * wRow[j]
				}
			}
		}
	}

	// Split per head, with past K/V prepended.
	// Layout for key/value: [B, heads, totalSeq, headDim].
	keys := make([]float32, batch*numHeads*totalSeq*headDim)
	values := make([]float32, batch*numHeads*totalSeq*headDim)
	kvIndex := func(b, n, t, d int) int {
		return ((b*numHeads+n)*totalSeq+t)*headDim + d
	}
	for b := 0; b < batch; b++ {
		for n := 0; n < numHeads; n++ {
			for t := 0; t < pastSeq; t++ {
				for d := 0; d < headDim; d++ {
					src := ((b*numHeads+n)*pastSeq+t)*headDim + d
					keys[kvIndex(b, n, t, d)] = past[src]
					values[kvIndex(b, n, t, d)] = past[batch*numHeads*pastSeq*headDim+src]
				}
			}
			for s := 0; s < seq; s++ {
				base := (b*seq+s)*3*hiddenSize + n*headDim
				for d := 0; d < headDim; d++ {
					keys[kvIndex(b, n, pastSeq+s, d)] = qkv[base+hiddenSize+d]
					values[kvIndex(b, n, pastSeq+s, d)] = qkv[base+2*hiddenSize+d]
				}
			}
		}
	}

	// Heads write disjoint output slices, so (batch, head) pairs fan out
	// across workers with a scratch score row each.
	scale := float32(1.0 / math.Sqrt(float64(headDim)))
	output := make([]float32, batch*seq*hiddenSize)
	parallel.ForBatch(batch, numHeads, func(b, n int) {
		scores := make([]float32, totalSeq)
		for s := 0; s < seq; s++ {
			qBase := (b*seq+s)*3*hiddenSize + n*headDim
			q := qkv[qBase : qBase+headDim]

			for t := 0; t < totalSeq; t++ {
				if unidirectional && t > pastSeq+s {
					scores[t] = maskedScore
					continue
				}
				var dot float32
				for d := 0; d < headDim; d++ {
					dot += q[d] * keys[kvIndex(b, n, t, d)]
				}
				score := dot * scale
				if mask != nil {
					score += (1 - mask[b*totalSeq+t]) * maskedScore
				}
				scores[t] = score
			}

			// Softmax over the key axis.
			maxScore := scores[0]
			for t := 1; t < totalSeq; t++ {
				if scores[t] > maxScore {
					maxScore = scores[t]
				}
			}
			var sum float32
			for t := 0; t < totalSeq; t++ {
				scores[t] = float32(math.Exp(float64(scores[t] - maxScore)))
				sum += scores[t]
			}

			outBase := (b*seq+s)*hiddenSize + n*headDim
			for d := 0; d < headDim; d++ {
				var acc float32
				for t := 0; t < totalSeq; t++ {
					acc += scores[t] * values[kvIndex(b, n, t, d)]
				}
				output[outBase+d] = acc / sum
			}
		}
	}, attnParCfg)

	outTensor, err := tensor.NewRaw(tensor.Shape{batch, seq, hiddenSize}, hidden.DType(), hidden.Device())
	if err != nil {
		return nil, fmt.Errorf("attention: %w", err)
	}
	tensor.SetFloat32Values(outTensor, output)

	present, err := tensor.NewRaw(tensor.Shape{2, batch, numHeads, totalSeq, headDim}, hidden.DType(), hidden.Device())
	if err != nil {
		return nil, fmt.Errorf("attention: %w", err)
	}
	presentData := make([]float32, 2*batch*numHeads*totalSeq*headDim)
	copy(presentData, keys)
	copy(presentData[len(keys):], values)
	tensor.SetFloat32Values(present, presentData)

	return []*tensor.RawTensor{outTensor, present}, nil
}
