package onnx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-ml/kiln/internal/tensor"
)

func buildAttentionLikeModel(t *testing.T) *ModelProto {
	t.Helper()

	b := NewGraphBuilder("attn")
	b.Opset("", 14)
	b.Input("input_hidden_states", TensorProtoFloat, DynamicDim("batch"), DynamicDim("seq"), StaticDim(8))
	b.Input("attention_mask", TensorProtoFloat, DynamicDim("batch"), DynamicDim("total_seq"))
	b.Output("attn_output", TensorProtoFloat, DynamicDim("batch"), DynamicDim("seq"), StaticDim(8))

	weight, err := tensor.FullRaw(tensor.Shape{8, 24}, 0.5, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	require.NoError(t, b.Initializer("qkv_weight", weight))

	bias, err := tensor.FullRaw(tensor.Shape{24}, 0.1, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	require.NoError(t, b.Initializer("qkv_bias", bias))

	b.Node("MatMul", []string{"input_hidden_states", "qkv_weight"}, []string{"qkv"})
	b.Node("Add", []string{"qkv", "qkv_bias"}, []string{"attn_output"})

	return b.Model("kiln")
}

func TestEncodeParseRoundTrip(t *testing.T) {
	model := buildAttentionLikeModel(t)

	parsed, err := Parse(Encode(model))
	require.NoError(t, err)

	assert.Equal(t, model.IRVersion, parsed.IRVersion)
	assert.Equal(t, "kiln", parsed.ProducerName)
	require.NotNil(t, parsed.Graph)
	assert.Equal(t, "attn", parsed.Graph.Name)
	require.Len(t, parsed.Graph.Nodes, 2)
	assert.Equal(t, "MatMul", parsed.Graph.Nodes[0].OpType)
	assert.Equal(t, "Add", parsed.Graph.Nodes[1].OpType)
	require.Len(t, parsed.Graph.Initializers, 2)
	assert.Equal(t, []int64{8, 24}, parsed.Graph.Initializers[0].Dims)
	assert.Len(t, parsed.Graph.Initializers[0].RawData, 8*24*4)

	// Dynamic and static dims survive the trip.
	in := parsed.Graph.Inputs[0]
	require.NotNil(t, in.Type)
	dims := in.Type.TensorType.Shape.Dims
	require.Len(t, dims, 3)
	assert.Equal(t, "batch", dims[0].DimParam)
	assert.Equal(t, int64(8), dims[2].DimValue)
}

func TestEncodeAttributesRoundTrip(t *testing.T) {
	b := NewGraphBuilder("attrs")
	b.Input("x", TensorProtoFloat, StaticDim(2))
	b.Output("y", TensorProtoFloat, StaticDim(2))
	b.DomainNode(AttentionDomain, "Attention", []string{"x"}, []string{"y"},
		AttrInt("num_heads", 12),
		AttrInt("unidirectional", 1),
		AttrInts("perm", []int64{0, 2, 1, 3}),
		AttrFloat("scale", 0.125),
		AttrString("mode", "causal"),
	)

	parsed, err := Parse(Encode(b.Model("kiln")))
	require.NoError(t, err)

	node := parsed.Graph.Nodes[0]
	assert.Equal(t, AttentionDomain, node.Domain)

	byName := map[string]AttributeProto{}
	for _, a := range node.Attributes {
		byName[a.Name] = a
	}
	assert.Equal(t, int64(12), byName["num_heads"].I)
	assert.Equal(t, int64(1), byName["unidirectional"].I)
	assert.Equal(t, []int64{0, 2, 1, 3}, byName["perm"].Ints)
	assert.InDelta(t, 0.125, float64(byName["scale"].F), 1e-9)
	assert.Equal(t, "causal", string(byName["mode"].S))
}

func TestEncodeFloat16Initializer(t *testing.T) {
	half, err := tensor.FromFloat32([]float32{1.5, -2.0}, tensor.Shape{2}, tensor.Float16, tensor.CPU)
	require.NoError(t, err)

	proto, err := TensorToProto("half", half)
	require.NoError(t, err)
	assert.Equal(t, int32(TensorProtoFloat16), proto.DataType)
	assert.Len(t, proto.RawData, 4)

	back, err := rawFromProto(proto)
	require.NoError(t, err)
	assert.Equal(t, tensor.Float16, back.DType())
	assert.InDeltaSlice(t, []float32{1.5, -2.0}, tensor.Float32Values(back), 1e-3)
}

func TestFuseAttentionRewrite(t *testing.T) {
	model := buildAttentionLikeModel(t)

	fused, err := FuseAttention(model, 4)
	require.NoError(t, err)

	require.Len(t, fused.Graph.Nodes, 1)
	node := fused.Graph.Nodes[0]
	assert.Equal(t, "Attention", node.OpType)
	assert.Equal(t, AttentionDomain, node.Domain)
	assert.Equal(t, []string{"input_hidden_states", "qkv_weight", "qkv_bias", "attention_mask"}, node.Inputs)
	assert.Equal(t, []string{"attn_output"}, node.Outputs)

	attrs := map[string]int64{}
	for _, a := range node.Attributes {
		attrs[a.Name] = a.I
	}
	assert.Equal(t, int64(4), attrs["num_heads"])
	assert.Equal(t, int64(1), attrs["unidirectional"])

	// Custom domain opset import is added.
	found := false
	for _, o := range fused.OpsetImport {
		if o.Domain == AttentionDomain {
			found = true
		}
	}
	assert.True(t, found)
}

func TestFuseAttentionNoWeight(t *testing.T) {
	b := NewGraphBuilder("empty")
	b.Input("x", TensorProtoFloat, StaticDim(2))
	b.Output("y", TensorProtoFloat, StaticDim(2))

	_, err := FuseAttention(b.Model("kiln"), 4)
	assert.Error(t, err)
}
