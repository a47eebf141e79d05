package onnx

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// attentionHeaderModel is a small model shaped like the exported attention
// graphs: named inputs, one initializer, one custom-domain node.
func attentionHeaderModel() *ModelProto {
	return &ModelProto{
		IRVersion:       8,
		ProducerName:    "kiln",
		ProducerVersion: "0.1",
		ModelVersion:    3,
		DocString:       "attention parity fixture",
		OpsetImport: []OperatorSetID{
			{Domain: "", Version: 14},
			{Domain: AttentionDomain, Version: 1},
		},
		MetadataProps: []StringStringEntry{{Key: "source", Value: "test"}},
		Graph: &GraphProto{
			Name: "attn_fixture",
			Nodes: []NodeProto{{
				Name:    "fused_attention",
				OpType:  "Attention",
				Domain:  AttentionDomain,
				Inputs:  []string{"input_hidden_states", "qkv_weight", "qkv_bias", "attention_mask"},
				Outputs: []string{"attn_output", "present"},
				Attributes: []AttributeProto{
					{Name: "num_heads", Type: AttributeProtoInt, I: 12},
					{Name: "unidirectional", Type: AttributeProtoInt, I: 1},
				},
			}},
			Inputs: []ValueInfoProto{{
				Name: "input_hidden_states",
				Type: &TypeProto{TensorType: &TensorTypeProto{
					ElemType: TensorProtoFloat,
					Shape: &TensorShapeProto{Dims: []DimensionProto{
						{DimParam: "batch"}, {DimParam: "seq_len"}, {DimValue: 768},
					}},
				}},
			}},
			Outputs: []ValueInfoProto{{
				Name: "attn_output",
				Type: &TypeProto{TensorType: &TensorTypeProto{
					ElemType: TensorProtoFloat,
					Shape: &TensorShapeProto{Dims: []DimensionProto{
						{DimParam: "batch"}, {DimParam: "seq_len"}, {DimValue: 768},
					}},
				}},
			}},
			Initializers: []TensorProto{{
				Name:     "qkv_bias",
				DataType: TensorProtoFloat,
				Dims:     []int64{2304},
				RawData:  make([]byte, 2304*4),
			}},
		},
	}
}

func TestParseModelHeader(t *testing.T) {
	parsed, err := Parse(Encode(attentionHeaderModel()))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if parsed.IRVersion != 8 {
		t.Errorf("IRVersion = %d, want 8", parsed.IRVersion)
	}
	if parsed.ProducerName != "kiln" || parsed.ProducerVersion != "0.1" {
		t.Errorf("producer = %q %q", parsed.ProducerName, parsed.ProducerVersion)
	}
	if parsed.ModelVersion != 3 {
		t.Errorf("ModelVersion = %d, want 3", parsed.ModelVersion)
	}
	if parsed.DocString != "attention parity fixture" {
		t.Errorf("DocString = %q", parsed.DocString)
	}
	if len(parsed.OpsetImport) != 2 {
		t.Fatalf("opsets = %d, want 2", len(parsed.OpsetImport))
	}
	if parsed.OpsetImport[1].Domain != AttentionDomain || parsed.OpsetImport[1].Version != 1 {
		t.Errorf("custom opset = %+v", parsed.OpsetImport[1])
	}
	if len(parsed.MetadataProps) != 1 || parsed.MetadataProps[0].Key != "source" {
		t.Errorf("metadata = %+v", parsed.MetadataProps)
	}
}

func TestParseGraphStructure(t *testing.T) {
	parsed, err := Parse(Encode(attentionHeaderModel()))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	g := parsed.Graph
	if g == nil {
		t.Fatal("graph is nil")
	}
	if g.Name != "attn_fixture" {
		t.Errorf("graph name = %q", g.Name)
	}
	if len(g.Nodes) != 1 {
		t.Fatalf("nodes = %d, want 1", len(g.Nodes))
	}

	node := g.Nodes[0]
	if node.OpType != "Attention" || node.Domain != AttentionDomain {
		t.Errorf("node = %s in %q", node.OpType, node.Domain)
	}
	if len(node.Inputs) != 4 || node.Inputs[0] != "input_hidden_states" {
		t.Errorf("node inputs = %v", node.Inputs)
	}
	if len(node.Outputs) != 2 || node.Outputs[1] != "present" {
		t.Errorf("node outputs = %v", node.Outputs)
	}

	if len(g.Initializers) != 1 {
		t.Fatalf("initializers = %d, want 1", len(g.Initializers))
	}
	init := g.Initializers[0]
	if init.Name != "qkv_bias" || init.DataType != TensorProtoFloat {
		t.Errorf("initializer = %q dtype %d", init.Name, init.DataType)
	}
	if len(init.Dims) != 1 || init.Dims[0] != 2304 {
		t.Errorf("initializer dims = %v", init.Dims)
	}
	if len(init.RawData) != 2304*4 {
		t.Errorf("raw data bytes = %d", len(init.RawData))
	}

	in := g.Inputs[0]
	if in.Type == nil || in.Type.TensorType == nil || in.Type.TensorType.Shape == nil {
		t.Fatal("input type info missing")
	}
	dims := in.Type.TensorType.Shape.Dims
	if len(dims) != 3 || dims[0].DimParam != "batch" || dims[2].DimValue != 768 {
		t.Errorf("input dims = %+v", dims)
	}
}

func TestParseAttributeKinds(t *testing.T) {
	model := &ModelProto{
		IRVersion:   8,
		OpsetImport: []OperatorSetID{{Version: 14}},
		Graph: &GraphProto{
			Name: "attrs",
			Nodes: []NodeProto{{
				OpType:  "Split",
				Inputs:  []string{"x"},
				Outputs: []string{"a", "b"},
				Attributes: []AttributeProto{
					{Name: "axis", Type: AttributeProtoInt, I: 2},
					{Name: "scale", Type: AttributeProtoFloat, F: 0.125},
					{Name: "mode", Type: AttributeProtoString, S: []byte("linear")},
					{Name: "split", Type: AttributeProtoInts, Ints: []int64{768, 768, 768}},
					{Name: "weights", Type: AttributeProtoFloats, Floats: []float32{0.5, 0.25}},
					{Name: "tags", Type: AttributeProtoStrings, Strings: [][]byte{[]byte("q"), []byte("k")}},
				},
			}},
		},
	}

	parsed, err := Parse(Encode(model))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	attrs := parsed.Graph.Nodes[0].Attributes
	if len(attrs) != 6 {
		t.Fatalf("attributes = %d, want 6", len(attrs))
	}
	byName := map[string]AttributeProto{}
	for _, a := range attrs {
		byName[a.Name] = a
	}
	if a := byName["axis"]; a.Type != AttributeProtoInt || a.I != 2 {
		t.Errorf("axis = %+v", a)
	}
	if a := byName["scale"]; a.F != 0.125 {
		t.Errorf("scale = %v", a.F)
	}
	if a := byName["mode"]; string(a.S) != "linear" {
		t.Errorf("mode = %q", a.S)
	}
	if a := byName["split"]; len(a.Ints) != 3 || a.Ints[2] != 768 {
		t.Errorf("split = %v", a.Ints)
	}
	if a := byName["weights"]; len(a.Floats) != 2 || a.Floats[1] != 0.25 {
		t.Errorf("weights = %v", a.Floats)
	}
	if a := byName["tags"]; len(a.Strings) != 2 || string(a.Strings[1]) != "k" {
		t.Errorf("tags = %v", a.Strings)
	}
}

// rawMsg hand-encodes protobuf fields for wire-level cases the writer never
// produces.
type rawMsg struct{ b []byte }

func (m *rawMsg) tag(field, wire int) {
	m.b = binary.AppendUvarint(m.b, uint64(field)<<3|uint64(wire))
}

func (m *rawMsg) varint(v uint64) { m.b = binary.AppendUvarint(m.b, v) }

func (m *rawMsg) bytesField(field int, payload []byte) {
	m.tag(field, wireBytes)
	m.varint(uint64(len(payload)))
	m.b = append(m.b, payload...)
}

func TestParseUnpackedDims(t *testing.T) {
	// dims written one varint per field occurrence instead of packed.
	var tp rawMsg
	for _, d := range []uint64{2, 768} {
		tp.tag(1, wireVarint)
		tp.varint(d)
	}
	tp.tag(2, wireVarint)
	tp.varint(TensorProtoFloat)
	tp.bytesField(8, []byte("w"))

	var graph rawMsg
	graph.bytesField(5, tp.b)
	var model rawMsg
	model.bytesField(7, graph.b)

	parsed, err := Parse(model.b)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	init := parsed.Graph.Initializers[0]
	if len(init.Dims) != 2 || init.Dims[0] != 2 || init.Dims[1] != 768 {
		t.Errorf("dims = %v, want [2 768]", init.Dims)
	}
}

func TestParseSkipsUnknownFields(t *testing.T) {
	var m rawMsg
	m.b = append(m.b, Encode(attentionHeaderModel())...)
	// training_info (field 20, bytes), plus fabricated varint/fixed fields.
	m.bytesField(20, []byte{0x08, 0x01})
	m.tag(99, wireVarint)
	m.varint(42)
	m.tag(98, wire32Bit)
	m.b = append(m.b, 0, 0, 0, 0)
	m.tag(97, wire64Bit)
	m.b = append(m.b, 0, 0, 0, 0, 0, 0, 0, 0)

	parsed, err := Parse(m.b)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.Graph == nil || len(parsed.Graph.Nodes) != 1 {
		t.Error("known fields lost while skipping unknown ones")
	}
}

func TestParseTruncatedData(t *testing.T) {
	full := Encode(attentionHeaderModel())
	for _, cut := range []int{1, len(full) / 2, len(full) - 1} {
		if _, err := Parse(full[:cut]); err == nil {
			t.Errorf("no error for model truncated at %d bytes", cut)
		}
	}
}

func TestParseVarintOverflow(t *testing.T) {
	// An 11-byte varint exceeds the 64-bit range.
	data := bytes.Repeat([]byte{0x80}, 11)
	if _, err := Parse(data); err == nil {
		t.Error("expected varint overflow error")
	}
}

func TestParseEmptyData(t *testing.T) {
	model, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if model.Graph != nil || model.IRVersion != 0 {
		t.Errorf("empty input produced %+v", model)
	}
}

func TestParseFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixture.onnx")
	if err := os.WriteFile(path, Encode(attentionHeaderModel()), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	parsed, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if parsed.Graph == nil || parsed.Graph.Name != "attn_fixture" {
		t.Errorf("graph = %+v", parsed.Graph)
	}
}

func TestParseFileMissing(t *testing.T) {
	if _, err := ParseFile(filepath.Join(t.TempDir(), "absent.onnx")); err == nil {
		t.Error("expected error for missing file")
	}
}
