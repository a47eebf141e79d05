package onnx

// Hand-written mirrors of the ONNX protobuf messages. Only the fields this
// package reads or writes are modeled; the wire codec skips everything else.

// ModelProto is the top level of a serialized model: versioning, producer
// metadata, and the graph.
type ModelProto struct {
	IRVersion       int64
	OpsetImport     []OperatorSetID
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *GraphProto
	MetadataProps   []StringStringEntry
}

// GraphProto is the computation graph: nodes plus the tensors flowing in,
// out, and baked in as initializers.
type GraphProto struct {
	Name         string
	Nodes        []NodeProto
	Inputs       []ValueInfoProto
	Outputs      []ValueInfoProto
	Initializers []TensorProto
	DocString    string
	ValueInfo    []ValueInfoProto
}

// NodeProto is one operation. Inputs and outputs are tensor names resolved
// against the graph at execution time.
type NodeProto struct {
	Name       string
	OpType     string
	Inputs     []string
	Outputs    []string
	Attributes []AttributeProto
	Domain     string // empty for the default ai.onnx domain
	DocString  string
}

// TensorProto carries a constant tensor. The payload lives either in RawData
// (little-endian bytes) or in one of the typed legacy fields.
type TensorProto struct {
	Name      string
	DataType  int32
	Dims      []int64
	RawData   []byte
	FloatData []float32
	Int32Data []int32
	Int64Data []int64
	DocString string
}

// ValueInfoProto names and types a graph input or output.
type ValueInfoProto struct {
	Name      string
	Type      *TypeProto
	DocString string
}

// TypeProto wraps the type of a value. Only tensor types are modeled.
type TypeProto struct {
	TensorType *TensorTypeProto
}

// TensorTypeProto is an element type plus a shape.
type TensorTypeProto struct {
	ElemType int32
	Shape    *TensorShapeProto
}

// TensorShapeProto lists a tensor's dimensions.
type TensorShapeProto struct {
	Dims []DimensionProto
}

// DimensionProto is one dimension: a fixed size in DimValue, or a symbolic
// name in DimParam for dimensions resolved at run time (batch, seq_len).
type DimensionProto struct {
	DimValue int64
	DimParam string
}

// AttributeProto is a node attribute. Type selects which value field holds
// the payload.
type AttributeProto struct {
	Name      string
	Type      int32
	F         float32
	I         int64
	S         []byte
	T         *TensorProto
	G         *GraphProto
	Floats    []float32
	Ints      []int64
	Strings   [][]byte
	Tensors   []TensorProto
	Graphs    []GraphProto
	DocString string
}

// OperatorSetID pins an operator domain to a version.
type OperatorSetID struct {
	Domain  string // empty for ai.onnx
	Version int64
}

// StringStringEntry is one metadata key/value pair.
type StringStringEntry struct {
	Key   string
	Value string
}

// Element type codes (TensorProto.DataType).
const (
	TensorProtoUndefined = iota
	TensorProtoFloat
	TensorProtoUint8
	TensorProtoInt8
	TensorProtoUint16
	TensorProtoInt16
	TensorProtoInt32
	TensorProtoInt64
	TensorProtoString
	TensorProtoBool
	TensorProtoFloat16
	TensorProtoDouble
	TensorProtoUint32
	TensorProtoUint64
	TensorProtoComplex64
	TensorProtoComplex128
	TensorProtoBfloat16
)

// Attribute type codes (AttributeProto.Type).
const (
	AttributeProtoUndefined = iota
	AttributeProtoFloat
	AttributeProtoInt
	AttributeProtoString
	AttributeProtoTensor
	AttributeProtoGraph
	AttributeProtoFloats
	AttributeProtoInts
	AttributeProtoStrings
	AttributeProtoTensors
	AttributeProtoGraphs
)
