package tensor

import (
	"fmt"
	"math/rand"

	"github.com/x448/float16"
)

// FullRaw creates a tensor filled with a single value.
// The value is rounded to the tensor's storage precision for float types.
func FullRaw(shape Shape, value float32, dtype DataType, device Device) (*RawTensor, error) {
	t, err := NewRaw(shape, dtype, device)
	if err != nil {
		return nil, err
	}
	switch dtype {
	case Float32:
		data := t.AsFloat32()
		for i := range data {
			data[i] = value
		}
	case Float16:
		data := t.AsFloat16()
		h := float16.Fromfloat32(value)
		for i := range data {
			data[i] = h
		}
	case Float64:
		data := t.AsFloat64()
		for i := range data {
			data[i] = float64(value)
		}
	case Int32:
		data := t.AsInt32()
		for i := range data {
			data[i] = int32(value)
		}
	case Int64:
		data := t.AsInt64()
		for i := range data {
			data[i] = int64(value)
		}
	case Uint8:
		data := t.AsUint8()
		for i := range data {
			data[i] = uint8(value)
		}
	default:
		return nil, fmt.Errorf("fullRaw: unsupported dtype %s", dtype)
	}
	return t, nil
}

// FromFloat32 creates a float tensor from a float32 slice, rounding to the
// requested storage precision.
func FromFloat32(values []float32, shape Shape, dtype DataType, device Device) (*RawTensor, error) {
	if len(values) != shape.NumElements() {
		return nil, fmt.Errorf("fromFloat32: %d values for shape %v (%d elements)",
			len(values), shape, shape.NumElements())
	}
	if !dtype.IsFloat() {
		return nil, fmt.Errorf("fromFloat32: non-float dtype %s", dtype)
	}
	t, err := NewRaw(shape, dtype, device)
	if err != nil {
		return nil, err
	}
	SetFloat32Values(t, values)
	return t, nil
}

// FromInt64 creates an Int64 tensor from a slice. Handy for the shape/axes
// plumbing tensors graph operators consume.
func FromInt64(values []int64, shape Shape, device Device) (*RawTensor, error) {
	if len(values) != shape.NumElements() {
		return nil, fmt.Errorf("fromInt64: %d values for shape %v", len(values), shape)
	}
	t, err := NewRaw(shape, Int64, device)
	if err != nil {
		return nil, err
	}
	copy(t.AsInt64(), values)
	return t, nil
}

// RandnRaw creates a float tensor with values drawn from a normal
// distribution with the given mean and standard deviation. The caller owns
// the rng so runs are reproducible.
// Note: math/rand (not crypto/rand) - appropriate for ML/statistical purposes.
func RandnRaw(rng *rand.Rand, shape Shape, mean, std float32, dtype DataType, device Device) (*RawTensor, error) {
	if !dtype.IsFloat() {
		return nil, fmt.Errorf("randnRaw: non-float dtype %s", dtype)
	}
	t, err := NewRaw(shape, dtype, device)
	if err != nil {
		return nil, err
	}
	values := make([]float32, shape.NumElements())
	for i := range values {
		values[i] = mean + std*float32(rng.NormFloat64())
	}
	SetFloat32Values(t, values)
	return t, nil
}

// RandRaw creates a float tensor with values uniform in [0, 1).
func RandRaw(rng *rand.Rand, shape Shape, dtype DataType, device Device) (*RawTensor, error) {
	if !dtype.IsFloat() {
		return nil, fmt.Errorf("randRaw: non-float dtype %s", dtype)
	}
	t, err := NewRaw(shape, dtype, device)
	if err != nil {
		return nil, err
	}
	values := make([]float32, shape.NumElements())
	for i := range values {
		values[i] = float32(rng.Float64())
	}
	SetFloat32Values(t, values)
	return t, nil
}

// TrilMask creates a lower-triangular causal window [1, 1, n, n] of uint8,
// ones on and below the diagonal. Sliced at runtime to the current
// query/key window.
func TrilMask(n int, device Device) (*RawTensor, error) {
	t, err := NewRaw(Shape{1, 1, n, n}, Uint8, device)
	if err != nil {
		return nil, err
	}
	data := t.AsUint8()
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			data[i*n+j] = 1
		}
	}
	return t, nil
}
