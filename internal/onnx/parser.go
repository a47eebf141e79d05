package onnx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// Protobuf wire types used by the ONNX format.
const (
	wireVarint = 0
	wire64Bit  = 1
	wireBytes  = 2
	wire32Bit  = 5
)

// ParseFile reads path and parses it as a serialized ONNX model.
//
//nolint:gosec // G304: the model path is caller-chosen on purpose
func ParseFile(path string) (*ModelProto, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a serialized ONNX model.
func Parse(data []byte) (*ModelProto, error) {
	m := &ModelProto{}
	if err := decodeModel(&decoder{buf: data}, m); err != nil {
		return nil, fmt.Errorf("parse model: %w", err)
	}
	return m, nil
}

// decoder walks one length-delimited protobuf message.
type decoder struct {
	buf []byte
	off int
}

// each dispatches every field in the buffer to fn. When fn reports the field
// as unhandled it is skipped according to its wire type, so messages with
// fields this reader does not model still decode.
func (d *decoder) each(fn func(field, wire int) (bool, error)) error {
	for d.off < len(d.buf) {
		field, wire, err := d.tag()
		if err != nil {
			return err
		}
		handled, err := fn(field, wire)
		if err != nil {
			return err
		}
		if !handled {
			if err := d.skip(wire); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *decoder) tag() (field, wire int, err error) {
	t, err := d.uvarint()
	if err != nil {
		return 0, 0, err
	}
	return int(t >> 3), int(t & 0x7), nil
}

func (d *decoder) uvarint() (int64, error) {
	var v uint64
	for shift := uint(0); ; shift += 7 {
		if shift >= 64 {
			return 0, errors.New("varint overflow")
		}
		if d.off >= len(d.buf) {
			return 0, io.ErrUnexpectedEOF
		}
		b := d.buf[d.off]
		d.off++
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return int64(v), nil //nolint:gosec // G115: protobuf varints are stored as int64
		}
	}
}

func (d *decoder) i32() (int32, error) {
	v, err := d.uvarint()
	return int32(v), err //nolint:gosec // G115: ONNX enum fields fit in int32
}

// chunk returns the next length-delimited payload.
func (d *decoder) chunk() ([]byte, error) {
	n, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, errors.New("negative length prefix")
	}
	end := d.off + int(n)
	if end > len(d.buf) || end < d.off {
		return nil, io.ErrUnexpectedEOF
	}
	out := d.buf[d.off:end]
	d.off = end
	return out, nil
}

func (d *decoder) str() (string, error) {
	b, err := d.chunk()
	return string(b), err
}

// sub returns a decoder over the next embedded message.
func (d *decoder) sub() (*decoder, error) {
	b, err := d.chunk()
	if err != nil {
		return nil, err
	}
	return &decoder{buf: b}, nil
}

func (d *decoder) f32() (float32, error) {
	if d.off+4 > len(d.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	bits := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return math.Float32frombits(bits), nil
}

// varints decodes a repeated int64 field, packed or not.
func (d *decoder) varints(wire int, dst []int64) ([]int64, error) {
	if wire != wireBytes {
		v, err := d.uvarint()
		if err != nil {
			return dst, err
		}
		return append(dst, v), nil
	}
	sub, err := d.sub()
	if err != nil {
		return dst, err
	}
	for sub.off < len(sub.buf) {
		v, err := sub.uvarint()
		if err != nil {
			return dst, err
		}
		dst = append(dst, v)
	}
	return dst, nil
}

// floats decodes a packed repeated float field.
func (d *decoder) floats(dst []float32) ([]float32, error) {
	b, err := d.chunk()
	if err != nil {
		return dst, err
	}
	for i := 0; i+4 <= len(b); i += 4 {
		dst = append(dst, math.Float32frombits(binary.LittleEndian.Uint32(b[i:])))
	}
	return dst, nil
}

func (d *decoder) skip(wire int) error {
	switch wire {
	case wireVarint:
		_, err := d.uvarint()
		return err
	case wire64Bit:
		if d.off+8 > len(d.buf) {
			return io.ErrUnexpectedEOF
		}
		d.off += 8
		return nil
	case wireBytes:
		_, err := d.chunk()
		return err
	case wire32Bit:
		if d.off+4 > len(d.buf) {
			return io.ErrUnexpectedEOF
		}
		d.off += 4
		return nil
	default:
		return fmt.Errorf("unknown wire type %d", wire)
	}
}

func decodeModel(d *decoder, m *ModelProto) error {
	return d.each(func(field, wire int) (bool, error) {
		var err error
		switch field {
		case 1: // ir_version
			m.IRVersion, err = d.uvarint()
		case 2: // producer_name
			m.ProducerName, err = d.str()
		case 3: // producer_version
			m.ProducerVersion, err = d.str()
		case 4: // domain
			m.Domain, err = d.str()
		case 5: // model_version
			m.ModelVersion, err = d.uvarint()
		case 6: // doc_string
			m.DocString, err = d.str()
		case 7: // graph
			var sub *decoder
			if sub, err = d.sub(); err == nil {
				m.Graph = &GraphProto{}
				err = decodeGraph(sub, m.Graph)
			}
		case 8: // opset_import
			var sub *decoder
			if sub, err = d.sub(); err == nil {
				var o OperatorSetID
				if err = decodeOpset(sub, &o); err == nil {
					m.OpsetImport = append(m.OpsetImport, o)
				}
			}
		case 14: // metadata_props
			var sub *decoder
			if sub, err = d.sub(); err == nil {
				var e StringStringEntry
				if err = decodeMetadataEntry(sub, &e); err == nil {
					m.MetadataProps = append(m.MetadataProps, e)
				}
			}
		default:
			return false, nil
		}
		return true, err
	})
}

func decodeGraph(d *decoder, g *GraphProto) error {
	return d.each(func(field, wire int) (bool, error) {
		var err error
		switch field {
		case 1: // node
			var sub *decoder
			if sub, err = d.sub(); err == nil {
				var n NodeProto
				if err = decodeNode(sub, &n); err == nil {
					g.Nodes = append(g.Nodes, n)
				}
			}
		case 2: // name
			g.Name, err = d.str()
		case 5: // initializer
			var sub *decoder
			if sub, err = d.sub(); err == nil {
				var t TensorProto
				if err = decodeTensor(sub, &t); err == nil {
					g.Initializers = append(g.Initializers, t)
				}
			}
		case 11: // input
			var sub *decoder
			if sub, err = d.sub(); err == nil {
				var vi ValueInfoProto
				if err = decodeValueInfo(sub, &vi); err == nil {
					g.Inputs = append(g.Inputs, vi)
				}
			}
		case 12: // output
			var sub *decoder
			if sub, err = d.sub(); err == nil {
				var vi ValueInfoProto
				if err = decodeValueInfo(sub, &vi); err == nil {
					g.Outputs = append(g.Outputs, vi)
				}
			}
		default:
			return false, nil
		}
		return true, err
	})
}

func decodeNode(d *decoder, n *NodeProto) error {
	return d.each(func(field, wire int) (bool, error) {
		var err error
		switch field {
		case 1: // input
			var s string
			if s, err = d.str(); err == nil {
				n.Inputs = append(n.Inputs, s)
			}
		case 2: // output
			var s string
			if s, err = d.str(); err == nil {
				n.Outputs = append(n.Outputs, s)
			}
		case 3: // name
			n.Name, err = d.str()
		case 4: // op_type
			n.OpType, err = d.str()
		case 5: // attribute
			var sub *decoder
			if sub, err = d.sub(); err == nil {
				var a AttributeProto
				if err = decodeAttribute(sub, &a); err == nil {
					n.Attributes = append(n.Attributes, a)
				}
			}
		case 7: // domain
			n.Domain, err = d.str()
		default:
			return false, nil
		}
		return true, err
	})
}

func decodeTensor(d *decoder, t *TensorProto) error {
	return d.each(func(field, wire int) (bool, error) {
		var err error
		switch field {
		case 1: // dims
			t.Dims, err = d.varints(wire, t.Dims)
		case 2: // data_type
			t.DataType, err = d.i32()
		case 4: // float_data
			t.FloatData, err = d.floats(t.FloatData)
		case 5: // int32_data
			var vals []int64
			if vals, err = d.varints(wire, nil); err == nil {
				for _, v := range vals {
					t.Int32Data = append(t.Int32Data, int32(v)) //nolint:gosec // G115: field is declared int32 in ONNX
				}
			}
		case 7: // int64_data
			t.Int64Data, err = d.varints(wire, t.Int64Data)
		case 8: // name
			t.Name, err = d.str()
		case 9: // raw_data
			t.RawData, err = d.chunk()
		default:
			return false, nil
		}
		return true, err
	})
}

func decodeValueInfo(d *decoder, vi *ValueInfoProto) error {
	return d.each(func(field, wire int) (bool, error) {
		var err error
		switch field {
		case 1: // name
			vi.Name, err = d.str()
		case 2: // type
			var sub *decoder
			if sub, err = d.sub(); err == nil {
				vi.Type = &TypeProto{}
				err = decodeType(sub, vi.Type)
			}
		default:
			return false, nil
		}
		return true, err
	})
}

func decodeType(d *decoder, t *TypeProto) error {
	return d.each(func(field, wire int) (bool, error) {
		if field != 1 { // tensor_type
			return false, nil
		}
		sub, err := d.sub()
		if err != nil {
			return true, err
		}
		t.TensorType = &TensorTypeProto{}
		return true, decodeTensorType(sub, t.TensorType)
	})
}

func decodeTensorType(d *decoder, t *TensorTypeProto) error {
	return d.each(func(field, wire int) (bool, error) {
		var err error
		switch field {
		case 1: // elem_type
			t.ElemType, err = d.i32()
		case 2: // shape
			var sub *decoder
			if sub, err = d.sub(); err == nil {
				t.Shape = &TensorShapeProto{}
				err = decodeTensorShape(sub, t.Shape)
			}
		default:
			return false, nil
		}
		return true, err
	})
}

func decodeTensorShape(d *decoder, s *TensorShapeProto) error {
	return d.each(func(field, wire int) (bool, error) {
		if field != 1 { // dim
			return false, nil
		}
		sub, err := d.sub()
		if err != nil {
			return true, err
		}
		var dim DimensionProto
		if err := decodeDimension(sub, &dim); err != nil {
			return true, err
		}
		s.Dims = append(s.Dims, dim)
		return true, nil
	})
}

func decodeDimension(d *decoder, dim *DimensionProto) error {
	return d.each(func(field, wire int) (bool, error) {
		var err error
		switch field {
		case 1: // dim_value
			dim.DimValue, err = d.uvarint()
		case 2: // dim_param
			dim.DimParam, err = d.str()
		default:
			return false, nil
		}
		return true, err
	})
}

func decodeAttribute(d *decoder, a *AttributeProto) error {
	return d.each(func(field, wire int) (bool, error) {
		var err error
		switch field {
		case 1: // name
			a.Name, err = d.str()
		case 2: // f
			a.F, err = d.f32()
		case 3: // i
			a.I, err = d.uvarint()
		case 4: // s
			a.S, err = d.chunk()
		case 6: // floats
			a.Floats, err = d.floats(a.Floats)
		case 7: // ints
			a.Ints, err = d.varints(wire, a.Ints)
		case 8: // strings
			var b []byte
			if b, err = d.chunk(); err == nil {
				a.Strings = append(a.Strings, b)
			}
		case 20: // type
			a.Type, err = d.i32()
		default:
			return false, nil
		}
		return true, err
	})
}

func decodeOpset(d *decoder, o *OperatorSetID) error {
	return d.each(func(field, wire int) (bool, error) {
		var err error
		switch field {
		case 1: // domain
			o.Domain, err = d.str()
		case 2: // version
			o.Version, err = d.uvarint()
		default:
			return false, nil
		}
		return true, err
	})
}

func decodeMetadataEntry(d *decoder, e *StringStringEntry) error {
	return d.each(func(field, wire int) (bool, error) {
		var err error
		switch field {
		case 1: // key
			e.Key, err = d.str()
		case 2: // value
			e.Value, err = d.str()
		default:
			return false, nil
		}
		return true, err
	})
}
