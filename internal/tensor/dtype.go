// Package tensor provides the raw tensor types and operations used by the
// reference attention module, the graph executor and the training sessions.
package tensor

// DataType identifies the element type of a tensor's storage.
type DataType int

const (
	Float32 DataType = iota
	Float16
	Float64
	Int32
	Int64
	Uint8
	Bool
)

var dtypeNames = [...]string{
	Float32: "float32",
	Float16: "float16",
	Float64: "float64",
	Int32:   "int32",
	Int64:   "int64",
	Uint8:   "uint8",
	Bool:    "bool",
}

var dtypeSizes = [...]int{
	Float32: 4,
	Float16: 2,
	Float64: 8,
	Int32:   4,
	Int64:   8,
	Uint8:   1,
	Bool:    1,
}

// Size returns the width of one element in bytes.
func (dt DataType) Size() int {
	if dt < 0 || int(dt) >= len(dtypeSizes) {
		panic("unknown data type")
	}
	return dtypeSizes[dt]
}

func (dt DataType) String() string {
	if dt < 0 || int(dt) >= len(dtypeNames) {
		return "unknown"
	}
	return dtypeNames[dt]
}

// IsFloat reports whether the type is floating point. Gradients only flow
// through floating point tensors.
func (dt DataType) IsFloat() bool {
	switch dt {
	case Float32, Float16, Float64:
		return true
	}
	return false
}
