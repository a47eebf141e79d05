package tensor

import (
	"fmt"

	"github.com/x448/float16"
)

// Half precision is emulated: values are stored as IEEE 754 half bits and
// every kernel upcasts to float32, computes, and rounds the result back.
// This mirrors how fp16 models behave on hardware without native half
// arithmetic.

// Float32Values returns the tensor's values widened to float32.
// For Float32 tensors the returned slice aliases the tensor's memory;
// for Float16 and Float64 tensors it is a converted copy.
func Float32Values(t *RawTensor) []float32 {
	switch t.DType() {
	case Float32:
		return t.AsFloat32()
	case Float16:
		src := t.AsFloat16()
		out := make([]float32, len(src))
		for i, v := range src {
			out[i] = v.Float32()
		}
		return out
	case Float64:
		src := t.AsFloat64()
		out := make([]float32, len(src))
		for i, v := range src {
			out[i] = float32(v)
		}
		return out
	default:
		panic(fmt.Sprintf("Float32Values: non-float dtype %s", t.DType()))
	}
}

// SetFloat32Values writes float32 values into the tensor, rounding to the
// tensor's storage precision.
func SetFloat32Values(t *RawTensor, values []float32) {
	switch t.DType() {
	case Float32:
		copy(t.AsFloat32(), values)
	case Float16:
		dst := t.AsFloat16()
		for i, v := range values {
			dst[i] = float16.Fromfloat32(v)
		}
	case Float64:
		dst := t.AsFloat64()
		for i, v := range values {
			dst[i] = float64(v)
		}
	default:
		panic(fmt.Sprintf("SetFloat32Values: non-float dtype %s", t.DType()))
	}
}

// FloatValueAt returns element i of a float tensor widened to float64.
// Used by comparison and cast paths that must be precision-agnostic.
func FloatValueAt(t *RawTensor, i int) float64 {
	switch t.DType() {
	case Float32:
		return float64(t.AsFloat32()[i])
	case Float16:
		return float64(t.AsFloat16()[i].Float32())
	case Float64:
		return t.AsFloat64()[i]
	default:
		panic(fmt.Sprintf("FloatValueAt: non-float dtype %s", t.DType()))
	}
}
