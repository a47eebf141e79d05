// Copyright 2025 Kiln ML. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cpu provides the CPU compute backend.
//
// The backend implements tensor.Backend with pure Go kernels, fanning
// matrix multiplication and per-head attention work out across goroutines.
//
// Example:
//
//	backend := cpu.New()
//	model, err := onnx.Load("gpt_attention_fp32.onnx", backend)
package cpu

import (
	"github.com/kiln-ml/kiln/internal/backend/cpu"
)

// Backend is the CPU implementation of tensor.Backend.
type Backend = cpu.CPUBackend

// New creates a CPU backend.
func New() *Backend {
	return cpu.New()
}
