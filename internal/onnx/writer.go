package onnx

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

// Encode serializes a ModelProto to the ONNX protobuf wire format. The field
// numbers mirror the parser in this package.
func Encode(model *ModelProto) []byte {
	e := &encoder{}
	e.encodeModel(model)
	return e.buf
}

// WriteFile serializes a model and writes it to path.
func WriteFile(path string, model *ModelProto) error {
	if err := os.WriteFile(path, Encode(model), 0o644); err != nil {
		return fmt.Errorf("failed to write ONNX file: %w", err)
	}
	return nil
}

type encoder struct {
	buf []byte
}

func (e *encoder) varint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

func (e *encoder) tag(field, wireType int) {
	e.varint(uint64(field)<<3 | uint64(wireType))
}

func (e *encoder) int64Field(field int, v int64) {
	e.tag(field, wireVarint)
	e.varint(uint64(v))
}

func (e *encoder) stringField(field int, s string) {
	e.tag(field, wireBytes)
	e.varint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) bytesField(field int, b []byte) {
	e.tag(field, wireBytes)
	e.varint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) floatField(field int, f float32) {
	e.tag(field, wire32Bit)
	e.buf = binary.LittleEndian.AppendUint32(e.buf, math.Float32bits(f))
}

// message encodes a nested message built by fill as a length-delimited field.
func (e *encoder) message(field int, fill func(*encoder)) {
	sub := &encoder{}
	fill(sub)
	e.bytesField(field, sub.buf)
}

// packedInt64s encodes a repeated int64 field in packed form.
func (e *encoder) packedInt64s(field int, values []int64) {
	if len(values) == 0 {
		return
	}
	sub := &encoder{}
	for _, v := range values {
		sub.varint(uint64(v))
	}
	e.bytesField(field, sub.buf)
}

// packedFloats encodes a repeated float field in packed form.
func (e *encoder) packedFloats(field int, values []float32) {
	if len(values) == 0 {
		return
	}
	sub := &encoder{}
	for _, v := range values {
		sub.buf = binary.LittleEndian.AppendUint32(sub.buf, math.Float32bits(v))
	}
	e.bytesField(field, sub.buf)
}

func (e *encoder) encodeModel(m *ModelProto) {
	if m.IRVersion != 0 {
		e.int64Field(1, m.IRVersion)
	}
	if m.ProducerName != "" {
		e.stringField(2, m.ProducerName)
	}
	if m.ProducerVersion != "" {
		e.stringField(3, m.ProducerVersion)
	}
	if m.Domain != "" {
		e.stringField(4, m.Domain)
	}
	if m.ModelVersion != 0 {
		e.int64Field(5, m.ModelVersion)
	}
	if m.DocString != "" {
		e.stringField(6, m.DocString)
	}
	if m.Graph != nil {
		e.message(7, func(sub *encoder) { sub.encodeGraph(m.Graph) })
	}
	for i := range m.OpsetImport {
		opset := &m.OpsetImport[i]
		e.message(8, func(sub *encoder) {
			if opset.Domain != "" {
				sub.stringField(1, opset.Domain)
			}
			sub.int64Field(2, opset.Version)
		})
	}
	for i := range m.MetadataProps {
		prop := &m.MetadataProps[i]
		e.message(14, func(sub *encoder) {
			sub.stringField(1, prop.Key)
			sub.stringField(2, prop.Value)
		})
	}
}

func (e *encoder) encodeGraph(g *GraphProto) {
	for i := range g.Nodes {
		node := &g.Nodes[i]
		e.message(1, func(sub *encoder) { sub.encodeNode(node) })
	}
	if g.Name != "" {
		e.stringField(2, g.Name)
	}
	for i := range g.Initializers {
		init := &g.Initializers[i]
		e.message(5, func(sub *encoder) { sub.encodeTensor(init) })
	}
	for i := range g.Inputs {
		vi := &g.Inputs[i]
		e.message(11, func(sub *encoder) { sub.encodeValueInfo(vi) })
	}
	for i := range g.Outputs {
		vi := &g.Outputs[i]
		e.message(12, func(sub *encoder) { sub.encodeValueInfo(vi) })
	}
}

func (e *encoder) encodeNode(n *NodeProto) {
	for _, input := range n.Inputs {
		e.stringField(1, input)
	}
	for _, output := range n.Outputs {
		e.stringField(2, output)
	}
	if n.Name != "" {
		e.stringField(3, n.Name)
	}
	if n.OpType != "" {
		e.stringField(4, n.OpType)
	}
	for i := range n.Attributes {
		attr := &n.Attributes[i]
		e.message(5, func(sub *encoder) { sub.encodeAttribute(attr) })
	}
	if n.Domain != "" {
		e.stringField(7, n.Domain)
	}
}

func (e *encoder) encodeTensor(t *TensorProto) {
	e.packedInt64s(1, t.Dims)
	if t.DataType != 0 {
		e.int64Field(2, int64(t.DataType))
	}
	e.packedFloats(4, t.FloatData)
	if t.Name != "" {
		e.stringField(8, t.Name)
	}
	if len(t.RawData) > 0 {
		e.bytesField(9, t.RawData)
	}
	e.packedInt64s(7, t.Int64Data)
}

func (e *encoder) encodeValueInfo(vi *ValueInfoProto) {
	if vi.Name != "" {
		e.stringField(1, vi.Name)
	}
	if vi.Type != nil && vi.Type.TensorType != nil {
		tt := vi.Type.TensorType
		e.message(2, func(typeEnc *encoder) {
			typeEnc.message(1, func(ttEnc *encoder) {
				ttEnc.int64Field(1, int64(tt.ElemType))
				if tt.Shape != nil {
					ttEnc.message(2, func(shapeEnc *encoder) {
						for i := range tt.Shape.Dims {
							dim := &tt.Shape.Dims[i]
							shapeEnc.message(1, func(dimEnc *encoder) {
								if dim.DimParam != "" {
									dimEnc.stringField(2, dim.DimParam)
								} else {
									dimEnc.int64Field(1, dim.DimValue)
								}
							})
						}
					})
				}
			})
		})
	}
}

func (e *encoder) encodeAttribute(a *AttributeProto) {
	if a.Name != "" {
		e.stringField(1, a.Name)
	}
	switch a.Type {
	case AttributeProtoFloat:
		e.floatField(2, a.F)
	case AttributeProtoInt:
		e.int64Field(3, a.I)
	case AttributeProtoString:
		e.bytesField(4, a.S)
	case AttributeProtoFloats:
		e.packedFloats(6, a.Floats)
	case AttributeProtoInts:
		e.packedInt64s(7, a.Ints)
	case AttributeProtoStrings:
		for _, s := range a.Strings {
			e.bytesField(8, s)
		}
	}
	if a.Type != 0 {
		e.int64Field(20, int64(a.Type))
	}
}
