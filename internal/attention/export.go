package attention

import (
	"math"

	"github.com/pkg/errors"

	"github.com/kiln-ml/kiln/internal/onnx"
	"github.com/kiln-ml/kiln/internal/tensor"
)

// Graph tensor names, fixed so downstream tooling can address them.
const (
	InputHiddenStates = "input_hidden_states"
	InputMask         = "attention_mask"
	InputPast         = "past"
	OutputAttention   = "attn_output"
	OutputPresent     = "present"
)

// Debug output names: the stages of the score path, exposed as extra graph
// outputs so drift can be localized to the operator that introduced it.
const (
	DebugQK      = "qk"      // raw query-key product
	DebugNormQK  = "norm_qk" // after scaling, causal window and padding bias
	DebugSoftmax = "softmax" // attention probabilities
)

// Export builds the decomposed ONNX graph for the module: the same masked
// attention computation spelled out in standard operators, with dynamic
// batch and sequence dimensions. The causal window is baked in as a
// [1, 1, max, max] triangular initializer and sliced at runtime from the
// lengths of the graph inputs.
//
// withPast controls whether the graph carries a past state input; a past
// length of zero is expressed by exporting without one.
func Export(m *Module, withPast bool) (*onnx.ModelProto, error) {
	return export(m, withPast, false)
}

// ExportDebug builds the decomposed graph with the intermediate score
// tensors (DebugQK, DebugNormQK, DebugSoftmax) exposed as extra outputs.
// Debug graphs are for localizing drift; they are not fusable.
func ExportDebug(m *Module, withPast bool) (*onnx.ModelProto, error) {
	return export(m, withPast, true)
}

func export(m *Module, withPast, debug bool) (*onnx.ModelProto, error) {
	cfg := m.cfg
	elem := int32(onnx.TensorProtoFloat)
	if cfg.DType == tensor.Float16 {
		elem = onnx.TensorProtoFloat16
	}

	b := onnx.NewGraphBuilder("gpt_attention")
	b.Opset("", 14)

	b.Input(InputHiddenStates, elem,
		onnx.DynamicDim("batch"), onnx.DynamicDim("seq_len"), onnx.StaticDim(cfg.HiddenSize))
	b.Input(InputMask, elem,
		onnx.DynamicDim("batch"), onnx.DynamicDim("total_seq"))
	if withPast {
		b.Input(InputPast, elem,
			onnx.StaticDim(2), onnx.DynamicDim("batch"), onnx.StaticDim(cfg.NumHeads),
			onnx.DynamicDim("past_seq"), onnx.StaticDim(cfg.HeadDim()))
	}
	b.Output(OutputAttention, elem,
		onnx.DynamicDim("batch"), onnx.DynamicDim("seq_len"), onnx.StaticDim(cfg.HiddenSize))
	b.Output(OutputPresent, elem,
		onnx.StaticDim(2), onnx.DynamicDim("batch"), onnx.StaticDim(cfg.NumHeads),
		onnx.DynamicDim("total_seq"), onnx.StaticDim(cfg.HeadDim()))
	if debug {
		for _, name := range []string{DebugQK, DebugNormQK, DebugSoftmax} {
			b.Output(name, elem,
				onnx.DynamicDim("batch"), onnx.StaticDim(cfg.NumHeads),
				onnx.DynamicDim("seq_len"), onnx.DynamicDim("total_seq"))
		}
	}

	if err := b.Initializer("qkv_weight", m.Weight); err != nil {
		return nil, errors.Wrap(err, "export")
	}
	if err := b.Initializer("qkv_bias", m.Bias); err != nil {
		return nil, errors.Wrap(err, "export")
	}
	if err := b.Initializer("causal_mask", m.causal); err != nil {
		return nil, errors.Wrap(err, "export")
	}

	negConst, err := scalarInitializer(b, "neg_sentinel", maskedScore, cfg.DType)
	if err != nil {
		return nil, errors.Wrap(err, "export")
	}
	oneConst, err := scalarInitializer(b, "one", 1.0, cfg.DType)
	if err != nil {
		return nil, errors.Wrap(err, "export")
	}
	scale := float32(1.0 / math.Sqrt(float64(cfg.HeadDim())))
	scaleConst := b.FloatConstant("qk_scale", []int64{1}, scale)

	splitHeadsShape := b.Int64Constant("split_heads_shape", 0, 0, int64(cfg.NumHeads), int64(cfg.HeadDim()))
	mergeHeadsShape := b.Int64Constant("merge_heads_shape", 0, 0, int64(cfg.HiddenSize))
	idxOne := b.Int64Constant("idx_one", 1)
	zero := b.Int64Constant("zero", 0)
	rowAxis := b.Int64Constant("window_row_axis", 2)
	colAxis := b.Int64Constant("window_col_axis", 3)
	stepOne := b.Int64Constant("step_one", 1)

	// QKV projection and head split.
	qkv := b.Node("MatMul", []string{InputHiddenStates, "qkv_weight"}, []string{"qkv_mm"})
	qkv = b.Node("Add", []string{qkv, "qkv_bias"}, []string{"qkv"})
	h := int64(cfg.HiddenSize)
	b.Node("Split", []string{qkv}, []string{"q_proj", "k_proj", "v_proj"},
		onnx.AttrInt("axis", 2), onnx.AttrInts("split", []int64{h, h, h}))

	query := exportSplitHeads(b, "q_proj", "q", splitHeadsShape)
	key := exportSplitHeads(b, "k_proj", "k", splitHeadsShape)
	value := exportSplitHeads(b, "v_proj", "v", splitHeadsShape)

	if withPast {
		b.Node("Split", []string{InputPast}, []string{"past_k_5d", "past_v_5d"},
			onnx.AttrInt("axis", 0), onnx.AttrInts("split", []int64{1, 1}))
		pastKey := b.Node("Squeeze", []string{"past_k_5d"}, []string{"past_k"}, onnx.AttrInts("axes", []int64{0}))
		pastValue := b.Node("Squeeze", []string{"past_v_5d"}, []string{"past_v"}, onnx.AttrInts("axes", []int64{0}))
		key = b.Node("Concat", []string{pastKey, key}, []string{"k_full"}, onnx.AttrInt("axis", 2))
		value = b.Node("Concat", []string{pastValue, value}, []string{"v_full"}, onnx.AttrInt("axis", 2))
	}

	// Scaled scores [batch, heads, seq, total].
	keyT := b.Node("Transpose", []string{key}, []string{"k_t"}, onnx.AttrInts("perm", []int64{0, 1, 3, 2}))
	scores := b.Node("MatMul", []string{query, keyT}, []string{"scores_raw"})
	if cfg.DType == tensor.Float16 {
		up := b.Node("Cast", []string{scores}, []string{"scores_f32"},
			onnx.AttrInt("to", onnx.TensorProtoFloat))
		scaled := b.Node("Mul", []string{up, scaleConst}, []string{"scores_scaled_f32"})
		scores = b.Node("Cast", []string{scaled}, []string{"scores_scaled"},
			onnx.AttrInt("to", onnx.TensorProtoFloat16))
	} else {
		scores = b.Node("Mul", []string{scores, scaleConst}, []string{"scores_scaled"})
	}

	// Runtime window bounds. The past length is the mask length minus the
	// query length, which holds with or without a past input.
	hiddenShape := b.Node("Shape", []string{InputHiddenStates}, []string{"hidden_shape"})
	seqLen := b.Node("Gather", []string{hiddenShape, idxOne}, []string{"seq_len"}, onnx.AttrInt("axis", 0))
	maskShape := b.Node("Shape", []string{InputMask}, []string{"mask_shape"})
	totalLen := b.Node("Gather", []string{maskShape, idxOne}, []string{"total_len"}, onnx.AttrInt("axis", 0))
	pastLen := b.Node("Sub", []string{totalLen, seqLen}, []string{"past_len"})

	rows := b.Node("Slice", []string{"causal_mask", pastLen, totalLen, rowAxis, stepOne}, []string{"window_rows"})
	window := b.Node("Slice", []string{rows, zero, totalLen, colAxis, stepOne}, []string{"window"})
	cond := b.Node("Cast", []string{window}, []string{"window_bool"},
		onnx.AttrInt("to", onnx.TensorProtoBool))
	masked := b.Node("Where", []string{cond, scores, negConst}, []string{"scores_masked"})

	// Additive padding bias (1 - mask) * sentinel, broadcast over heads.
	inv := b.Node("Sub", []string{oneConst, InputMask}, []string{"mask_inverted"})
	pad := b.Node("Mul", []string{inv, negConst}, []string{"pad_bias"})
	pad = b.Node("Unsqueeze", []string{pad}, []string{"pad_bias_4d"}, onnx.AttrInts("axes", []int64{1, 2}))
	biased := b.Node("Add", []string{masked, pad}, []string{"scores_biased"})

	probs := b.Node("Softmax", []string{biased}, []string{"attn_probs"}, onnx.AttrInt("axis", 3))
	context := b.Node("MatMul", []string{probs, value}, []string{"context"})
	context = b.Node("Transpose", []string{context}, []string{"context_t"},
		onnx.AttrInts("perm", []int64{0, 2, 1, 3}))
	b.Node("Reshape", []string{context, mergeHeadsShape}, []string{OutputAttention})

	presentKey := b.Node("Unsqueeze", []string{key}, []string{"present_k"}, onnx.AttrInts("axes", []int64{0}))
	presentValue := b.Node("Unsqueeze", []string{value}, []string{"present_v"}, onnx.AttrInts("axes", []int64{0}))
	b.Node("Concat", []string{presentKey, presentValue}, []string{OutputPresent}, onnx.AttrInt("axis", 0))

	if debug {
		b.Node("Identity", []string{"scores_raw"}, []string{DebugQK})
		b.Node("Identity", []string{biased}, []string{DebugNormQK})
		b.Node("Identity", []string{probs}, []string{DebugSoftmax})
	}

	return b.Model("kiln"), nil
}

// ExportFused builds the decomposed graph and rewrites it into the single
// fused Attention node form.
func ExportFused(m *Module, withPast bool) (*onnx.ModelProto, error) {
	model, err := Export(m, withPast)
	if err != nil {
		return nil, err
	}
	return onnx.FuseAttention(model, m.cfg.NumHeads)
}

// exportSplitHeads emits Reshape + Transpose taking [batch, seq, hidden] to
// [batch, heads, seq, headDim].
func exportSplitHeads(b *onnx.GraphBuilder, in, out, shapeConst string) string {
	reshaped := b.Node("Reshape", []string{in, shapeConst}, []string{out + "_heads"})
	return b.Node("Transpose", []string{reshaped}, []string{out},
		onnx.AttrInts("perm", []int64{0, 2, 1, 3}))
}

func scalarInitializer(b *onnx.GraphBuilder, name string, value float32, dtype tensor.DataType) (string, error) {
	t, err := tensor.FullRaw(tensor.Shape{1}, value, dtype, tensor.CPU)
	if err != nil {
		return "", err
	}
	if err := b.Initializer(name, t); err != nil {
		return "", err
	}
	return name, nil
}
