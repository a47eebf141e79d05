package onnx

import (
	"encoding/binary"
	"fmt"

	"github.com/kiln-ml/kiln/internal/tensor"
)

// Dim describes one dimension of a graph input or output: either a static
// value or a named dynamic dimension.
type Dim struct {
	Value int64
	Param string
}

// StaticDim returns a fixed-size dimension.
func StaticDim(v int) Dim {
	return Dim{Value: int64(v)}
}

// DynamicDim returns a named symbolic dimension.
func DynamicDim(name string) Dim {
	return Dim{Param: name}
}

// Attr is a node attribute under construction.
type Attr struct {
	proto AttributeProto
}

// AttrInt builds an INT attribute.
func AttrInt(name string, v int64) Attr {
	return Attr{AttributeProto{Name: name, Type: AttributeProtoInt, I: v}}
}

// AttrInts builds an INTS attribute.
func AttrInts(name string, v []int64) Attr {
	return Attr{AttributeProto{Name: name, Type: AttributeProtoInts, Ints: v}}
}

// AttrFloat builds a FLOAT attribute.
func AttrFloat(name string, v float32) Attr {
	return Attr{AttributeProto{Name: name, Type: AttributeProtoFloat, F: v}}
}

// AttrString builds a STRING attribute.
func AttrString(name, v string) Attr {
	return Attr{AttributeProto{Name: name, Type: AttributeProtoString, S: []byte(v)}}
}

// GraphBuilder accumulates nodes, inputs, outputs and initializers and
// assembles them into a ModelProto.
type GraphBuilder struct {
	name         string
	nodes        []NodeProto
	inputs       []ValueInfoProto
	outputs      []ValueInfoProto
	initializers []TensorProto
	opsets       []OperatorSetID
	counter      int
}

// NewGraphBuilder creates a builder for a graph with the given name.
func NewGraphBuilder(name string) *GraphBuilder {
	return &GraphBuilder{name: name}
}

// Fresh returns a new unique intermediate tensor name with the given prefix.
func (b *GraphBuilder) Fresh(prefix string) string {
	b.counter++
	return fmt.Sprintf("%s_%d", prefix, b.counter)
}

// Input declares a graph input.
func (b *GraphBuilder) Input(name string, elemType int32, dims ...Dim) {
	b.inputs = append(b.inputs, valueInfo(name, elemType, dims))
}

// Output declares a graph output.
func (b *GraphBuilder) Output(name string, elemType int32, dims ...Dim) {
	b.outputs = append(b.outputs, valueInfo(name, elemType, dims))
}

// Node appends an operation node. Returns the first output name for
// convenient chaining.
func (b *GraphBuilder) Node(opType string, inputs, outputs []string, attrs ...Attr) string {
	protoAttrs := make([]AttributeProto, len(attrs))
	for i, a := range attrs {
		protoAttrs[i] = a.proto
	}
	b.nodes = append(b.nodes, NodeProto{
		Name:       b.Fresh(opType),
		OpType:     opType,
		Inputs:     inputs,
		Outputs:    outputs,
		Attributes: protoAttrs,
	})
	return outputs[0]
}

// DomainNode appends a node in a custom operator domain.
func (b *GraphBuilder) DomainNode(domain, opType string, inputs, outputs []string, attrs ...Attr) string {
	out := b.Node(opType, inputs, outputs, attrs...)
	b.nodes[len(b.nodes)-1].Domain = domain
	return out
}

// Initializer adds a weight tensor to the graph.
func (b *GraphBuilder) Initializer(name string, t *tensor.RawTensor) error {
	proto, err := TensorToProto(name, t)
	if err != nil {
		return fmt.Errorf("initializer %s: %w", name, err)
	}
	b.initializers = append(b.initializers, *proto)
	return nil
}

// Int64Constant adds an int64 initializer, the common carrier for shape,
// axes and slice arguments.
func (b *GraphBuilder) Int64Constant(name string, values ...int64) string {
	raw := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(raw[i*8:], uint64(v))
	}
	b.initializers = append(b.initializers, TensorProto{
		Name:     name,
		DataType: TensorProtoInt64,
		Dims:     []int64{int64(len(values))},
		RawData:  raw,
	})
	return name
}

// FloatConstant adds a float32 initializer.
func (b *GraphBuilder) FloatConstant(name string, dims []int64, values ...float32) string {
	b.initializers = append(b.initializers, TensorProto{
		Name:      name,
		DataType:  TensorProtoFloat,
		Dims:      dims,
		FloatData: values,
	})
	return name
}

// Opset pins an operator set version for a domain.
func (b *GraphBuilder) Opset(domain string, version int64) {
	b.opsets = append(b.opsets, OperatorSetID{Domain: domain, Version: version})
}

// Model assembles the accumulated graph into a ModelProto.
func (b *GraphBuilder) Model(producerName string) *ModelProto {
	opsets := b.opsets
	if len(opsets) == 0 {
		opsets = []OperatorSetID{{Domain: "", Version: 14}}
	}
	return &ModelProto{
		IRVersion:    7,
		ProducerName: producerName,
		OpsetImport:  opsets,
		Graph: &GraphProto{
			Name:         b.name,
			Nodes:        b.nodes,
			Inputs:       b.inputs,
			Outputs:      b.outputs,
			Initializers: b.initializers,
		},
	}
}

// TensorToProto converts a RawTensor to a TensorProto with raw data.
func TensorToProto(name string, t *tensor.RawTensor) (*TensorProto, error) {
	var dataType int32
	switch t.DType() {
	case tensor.Float32:
		dataType = TensorProtoFloat
	case tensor.Float16:
		dataType = TensorProtoFloat16
	case tensor.Float64:
		dataType = TensorProtoDouble
	case tensor.Int32:
		dataType = TensorProtoInt32
	case tensor.Int64:
		dataType = TensorProtoInt64
	case tensor.Uint8:
		dataType = TensorProtoUint8
	case tensor.Bool:
		dataType = TensorProtoBool
	default:
		return nil, fmt.Errorf("unsupported dtype %s", t.DType())
	}

	dims := make([]int64, len(t.Shape()))
	for i, d := range t.Shape() {
		dims[i] = int64(d)
	}

	tc := t.Contiguous()
	raw := make([]byte, tc.ByteSize())
	copy(raw, tc.Data())

	return &TensorProto{
		Name:     name,
		DataType: dataType,
		Dims:     dims,
		RawData:  raw,
	}, nil
}

func valueInfo(name string, elemType int32, dims []Dim) ValueInfoProto {
	protoDims := make([]DimensionProto, len(dims))
	for i, d := range dims {
		protoDims[i] = DimensionProto{DimValue: d.Value, DimParam: d.Param}
	}
	return ValueInfoProto{
		Name: name,
		Type: &TypeProto{
			TensorType: &TensorTypeProto{
				ElemType: elemType,
				Shape:    &TensorShapeProto{Dims: protoDims},
			},
		},
	}
}
