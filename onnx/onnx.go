// Copyright 2025 Kiln ML. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package onnx loads, executes, builds and rewrites ONNX graphs.
//
// The package parses the ONNX protobuf format without a generated protobuf
// dependency, executes graphs node by node on a tensor.Backend, and can
// serialize constructed graphs back to bytes. It also carries the fused
// attention rewrite: collapsing a decomposed attention subgraph into a
// single Attention node in the com.kiln operator domain.
//
// Example:
//
//	backend := cpu.New()
//	model, err := onnx.Load("gpt_attention_fp32.onnx", backend)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	outputs, err := model.ForwardNamed(inputs)
package onnx

import (
	"github.com/kiln-ml/kiln/internal/onnx"
	"github.com/kiln-ml/kiln/internal/tensor"
)

// AttentionDomain is the custom operator domain of the fused attention node.
const AttentionDomain = onnx.AttentionDomain

// Model is a compiled graph ready for execution.
type Model = onnx.Model

// ModelProto is a parsed or constructed ONNX model.
type ModelProto = onnx.ModelProto

// LoadOptions configures model loading.
type LoadOptions = onnx.LoadOptions

// ModelInfo summarizes a model file without compiling it.
type ModelInfo = onnx.ModelInfo

// GraphBuilder assembles graphs programmatically.
type GraphBuilder = onnx.GraphBuilder

// NewGraphBuilder creates a builder for a graph with the given name.
func NewGraphBuilder(name string) *GraphBuilder {
	return onnx.NewGraphBuilder(name)
}

// Load reads and compiles an ONNX model file.
func Load(path string, backend tensor.Backend, opts ...LoadOptions) (*Model, error) {
	return onnx.Load(path, backend, opts...)
}

// LoadFromBytes compiles an ONNX model from serialized bytes.
func LoadFromBytes(data []byte, backend tensor.Backend, opts ...LoadOptions) (*Model, error) {
	return onnx.LoadFromBytes(data, backend, opts...)
}

// LoadFromProto compiles an already parsed or constructed model.
func LoadFromProto(proto *ModelProto, backend tensor.Backend, opt LoadOptions) (*Model, error) {
	return onnx.LoadFromProto(proto, backend, opt)
}

// DefaultLoadOptions returns the default loading options.
func DefaultLoadOptions() LoadOptions {
	return onnx.DefaultLoadOptions()
}

// Parse decodes serialized model bytes.
func Parse(data []byte) (*ModelProto, error) {
	return onnx.Parse(data)
}

// Encode serializes a model to bytes.
func Encode(model *ModelProto) []byte {
	return onnx.Encode(model)
}

// WriteFile serializes a model and writes it to path.
func WriteFile(path string, model *ModelProto) error {
	return onnx.WriteFile(path, model)
}

// GetModelInfo extracts basic information from an ONNX file.
func GetModelInfo(path string) (*ModelInfo, error) {
	return onnx.GetModelInfo(path)
}

// ListSupportedOps returns the operators the executor implements.
func ListSupportedOps() []string {
	return onnx.ListSupportedOps()
}

// FuseAttention rewrites a decomposed attention graph into a single fused
// Attention node in the com.kiln domain.
func FuseAttention(model *ModelProto, numHeads int) (*ModelProto, error) {
	return onnx.FuseAttention(model, numHeads)
}
