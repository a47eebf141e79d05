// Copyright 2025 Kiln ML. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package training bridges a graph-exporting model to recorded training
// execution: forward passes run under an autodiff wrapper, backward passes
// return gradients ordered as the requires-grad inputs followed by the
// trainable initializers.
//
// Example:
//
//	module, err := training.NewModule(export, training.Options{
//	    Device:                tensor.CPU,
//	    RequiresGradInputs:    []string{"input_hidden_states"},
//	    TrainableInitializers: []string{"qkv_weight", "qkv_bias"},
//	})
//	outputs, err := module.Forward(inputs)
//	grads, err := module.Backward(outputGrads)
package training

import (
	"github.com/kiln-ml/kiln/internal/training"
)

// Phase is the bridge's execution phase.
type Phase = training.Phase

// Execution phases.
const (
	PhaseIdle             Phase = training.PhaseIdle
	PhaseAwaitingBackward Phase = training.PhaseAwaitingBackward
)

// ExportFunc produces the graph for a set of input names.
type ExportFunc = training.ExportFunc

// Options configures the bridge.
type Options = training.Options

// Module drives training execution for an exported graph.
type Module = training.Module

// OutputSchema pins the order outputs are flattened in.
type OutputSchema = training.OutputSchema

// NewModule creates an idle bridge; the graph is exported lazily on the
// first forward pass.
func NewModule(export ExportFunc, opts Options) (*Module, error) {
	return training.NewModule(export, opts)
}

// NewOutputSchema captures an output ordering.
func NewOutputSchema(names []string) *OutputSchema {
	return training.NewOutputSchema(names)
}
