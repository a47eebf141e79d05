// Copyright 2025 Kiln ML. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package attention exposes the GPT-2 style attention layer: the in-memory
// reference module, random trial input generation, and export of the layer
// as a decomposed or fused ONNX graph.
package attention

import (
	"math/rand"

	"github.com/kiln-ml/kiln/internal/attention"
	"github.com/kiln-ml/kiln/internal/onnx"
	"github.com/kiln-ml/kiln/internal/tensor"
)

// Graph tensor names of exported attention graphs.
const (
	InputHiddenStates = attention.InputHiddenStates
	InputMask         = attention.InputMask
	InputPast         = attention.InputPast
	OutputAttention   = attention.OutputAttention
	OutputPresent     = attention.OutputPresent
)

// Config describes one attention layer.
type Config = attention.Config

// Module is the reference attention layer.
type Module = attention.Module

// InputSet holds one trial's randomly drawn inputs.
type InputSet = attention.InputSet

// DefaultConfig mirrors the GPT-2 base layer.
func DefaultConfig() Config {
	return attention.DefaultConfig()
}

// NewModule creates a reference layer with weights drawn from N(0, 0.1).
func NewModule(cfg Config, rng *rand.Rand, backend tensor.Backend) (*Module, error) {
	return attention.NewModule(cfg, rng, backend)
}

// GenerateInputs draws random hidden states, past state and an attention
// mask shaped by paddingSpec.
func GenerateInputs(rng *rand.Rand, cfg Config, batch, seq, pastLen, paddingSpec int) (*InputSet, error) {
	return attention.GenerateInputs(rng, cfg, batch, seq, pastLen, paddingSpec)
}

// Export builds the decomposed ONNX graph for a module.
func Export(m *Module, withPast bool) (*onnx.ModelProto, error) {
	return attention.Export(m, withPast)
}

// ExportFused builds the graph and rewrites it into the single fused
// Attention node form.
func ExportFused(m *Module, withPast bool) (*onnx.ModelProto, error) {
	return attention.ExportFused(m, withPast)
}
