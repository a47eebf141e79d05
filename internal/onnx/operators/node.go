// Package operators implements the executor's operator registry: one handler
// per ONNX op type, plus the fused Attention kernel in the custom domain.
package operators

// ONNX element type codes (TensorProto.DataType). Only the types the Cast
// handler converts between are listed.
const (
	TensorProtoUndefined = 0
	TensorProtoFloat     = 1
	TensorProtoUint8     = 2
	TensorProtoInt32     = 6
	TensorProtoInt64     = 7
	TensorProtoBool      = 9
	TensorProtoFloat16   = 10
	TensorProtoDouble    = 11
)

// Node is the executor's view of a graph node. It mirrors the fields of
// onnx.NodeProto that handlers need; a separate type keeps this package free
// of a dependency on the onnx package.
type Node struct {
	Name       string
	OpType     string
	Inputs     []string
	Outputs    []string
	Attributes []Attribute
	Domain     string
}

// Attribute is one node attribute. Which field is meaningful depends on Type.
type Attribute struct {
	Name    string
	Type    int32
	F       float32
	I       int64
	S       []byte
	Floats  []float32
	Ints    []int64
	Strings [][]byte
}

func findAttr(node *Node, name string) *Attribute {
	for i := range node.Attributes {
		if node.Attributes[i].Name == name {
			return &node.Attributes[i]
		}
	}
	return nil
}

// GetAttrInt returns the named integer attribute, or defaultVal if absent.
func GetAttrInt(node *Node, name string, defaultVal int64) int64 {
	if a := findAttr(node, name); a != nil {
		return a.I
	}
	return defaultVal
}

// GetAttrInts returns the named integer-array attribute, nil if absent.
func GetAttrInts(node *Node, name string) []int64 {
	if a := findAttr(node, name); a != nil {
		return a.Ints
	}
	return nil
}

// GetAttrFloat returns the named float attribute, or defaultVal if absent.
func GetAttrFloat(node *Node, name string, defaultVal float32) float32 {
	if a := findAttr(node, name); a != nil {
		return a.F
	}
	return defaultVal
}

// GetAttrString returns the named string attribute, or defaultVal if absent.
func GetAttrString(node *Node, name, defaultVal string) string {
	if a := findAttr(node, name); a != nil {
		return string(a.S)
	}
	return defaultVal
}
