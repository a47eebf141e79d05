// Copyright 2025 Kiln ML. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides the public API for tensor values in Kiln.
//
// The package re-exports the core types the rest of the API is built on:
//   - RawTensor: a dense n-dimensional value with reference-counted storage
//   - Backend: the interface device-specific compute implementations satisfy
//   - Shape, DataType, Device: core type definitions
//   - Compare/Tolerance: elementwise comparison under numeric tolerances
package tensor

import (
	"math/rand"

	"github.com/kiln-ml/kiln/internal/tensor"
)

// DataType identifies the element type of a tensor.
type DataType = tensor.DataType

// Supported element types.
const (
	Float32 DataType = tensor.Float32
	Float16 DataType = tensor.Float16
	Float64 DataType = tensor.Float64
	Int32   DataType = tensor.Int32
	Int64   DataType = tensor.Int64
	Uint8   DataType = tensor.Uint8
	Bool    DataType = tensor.Bool
)

// Shape describes tensor dimensions.
type Shape = tensor.Shape

// Device identifies where tensor data lives.
type Device = tensor.Device

// Supported devices. Only CPU execution is implemented; the other constants
// tag tensors for eager device-mismatch checks.
const (
	CPU    Device = tensor.CPU
	CUDA   Device = tensor.CUDA
	Vulkan Device = tensor.Vulkan
	Metal  Device = tensor.Metal
)

// RawTensor is a dense n-dimensional value.
type RawTensor = tensor.RawTensor

// Backend is the compute interface tensors are operated on through.
type Backend = tensor.Backend

// Tolerance bounds an elementwise comparison.
type Tolerance = tensor.Tolerance

// CompareResult summarizes an elementwise comparison.
type CompareResult = tensor.CompareResult

// New creates a zero-filled tensor.
func New(shape Shape, dtype DataType, device Device) (*RawTensor, error) {
	return tensor.NewRaw(shape, dtype, device)
}

// Full creates a tensor filled with a constant.
func Full(shape Shape, value float32, dtype DataType, device Device) (*RawTensor, error) {
	return tensor.FullRaw(shape, value, dtype, device)
}

// FromFloat32 creates a tensor from float32 data, converting to dtype.
func FromFloat32(data []float32, shape Shape, dtype DataType, device Device) (*RawTensor, error) {
	return tensor.FromFloat32(data, shape, dtype, device)
}

// FromInt64 creates an int64 tensor from data.
func FromInt64(data []int64, shape Shape, device Device) (*RawTensor, error) {
	return tensor.FromInt64(data, shape, device)
}

// Randn creates a float tensor with values drawn from N(mean, std).
func Randn(rng *rand.Rand, shape Shape, mean, std float32, dtype DataType, device Device) (*RawTensor, error) {
	return tensor.RandnRaw(rng, shape, mean, std, dtype, device)
}

// Compare checks two tensors elementwise under the given tolerance.
func Compare(a, b *RawTensor, tol Tolerance) (CompareResult, error) {
	return tensor.Compare(a, b, tol)
}

// ToleranceForDType returns the verification tolerance for an element type:
// 1e-5 for float32, 1e-3 for float16.
func ToleranceForDType(dtype DataType) Tolerance {
	return tensor.ToleranceForDType(dtype)
}
