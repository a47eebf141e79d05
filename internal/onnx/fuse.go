package onnx

import "fmt"

// AttentionDomain is the custom operator domain for the fused attention op.
const AttentionDomain = "com.kiln"

// FuseAttention rewrites a decomposed attention graph into a single fused
// Attention node. The graph keeps its inputs and outputs; the node consumes
// the QKV projection weight and bias initializers directly, and every
// intermediate node disappears.
//
// The decomposed graph is recognized structurally: its combined QKV weight
// is the unique 2D initializer of shape [hidden, 3*hidden], the bias the
// matching [3*hidden] vector.
func FuseAttention(model *ModelProto, numHeads int) (*ModelProto, error) {
	if model.Graph == nil {
		return nil, fmt.Errorf("fuse attention: model has no graph")
	}
	graph := model.Graph
	if len(graph.Inputs) < 1 {
		return nil, fmt.Errorf("fuse attention: graph has no inputs")
	}
	if len(graph.Outputs) < 1 {
		return nil, fmt.Errorf("fuse attention: graph has no outputs")
	}
	if numHeads <= 0 {
		return nil, fmt.Errorf("fuse attention: num_heads must be positive, got %d", numHeads)
	}

	weight, bias, err := findQKVInitializers(graph)
	if err != nil {
		return nil, fmt.Errorf("fuse attention: %w", err)
	}

	nodeInputs := []string{graph.Inputs[0].Name, weight.Name, bias.Name}
	for _, in := range graph.Inputs[1:] {
		nodeInputs = append(nodeInputs, in.Name)
	}
	nodeOutputs := make([]string, len(graph.Outputs))
	for i, out := range graph.Outputs {
		nodeOutputs[i] = out.Name
	}

	fused := NodeProto{
		Name:    "fused_attention",
		OpType:  "Attention",
		Domain:  AttentionDomain,
		Inputs:  nodeInputs,
		Outputs: nodeOutputs,
		Attributes: []AttributeProto{
			{Name: "num_heads", Type: AttributeProtoInt, I: int64(numHeads)},
			{Name: "unidirectional", Type: AttributeProtoInt, I: 1},
		},
	}

	opsets := make([]OperatorSetID, 0, len(model.OpsetImport)+1)
	opsets = append(opsets, model.OpsetImport...)
	hasDomain := false
	for _, o := range opsets {
		if o.Domain == AttentionDomain {
			hasDomain = true
			break
		}
	}
	if !hasDomain {
		opsets = append(opsets, OperatorSetID{Domain: AttentionDomain, Version: 1})
	}

	return &ModelProto{
		IRVersion:    model.IRVersion,
		ProducerName: model.ProducerName,
		OpsetImport:  opsets,
		Graph: &GraphProto{
			Name:         graph.Name + "_fused",
			Nodes:        []NodeProto{fused},
			Inputs:       graph.Inputs,
			Outputs:      graph.Outputs,
			Initializers: []TensorProto{*weight, *bias},
		},
	}, nil
}

// findQKVInitializers locates the combined projection weight [H, 3H] and its
// bias [3H] among the graph initializers.
func findQKVInitializers(graph *GraphProto) (weight, bias *TensorProto, err error) {
	for i := range graph.Initializers {
		init := &graph.Initializers[i]
		if len(init.Dims) == 2 && init.Dims[1] == 3*init.Dims[0] {
			if weight != nil {
				return nil, nil, fmt.Errorf("multiple candidate QKV weights (%s, %s)", weight.Name, init.Name)
			}
			weight = init
		}
	}
	if weight == nil {
		return nil, nil, fmt.Errorf("no QKV weight initializer of shape [hidden, 3*hidden]")
	}

	for i := range graph.Initializers {
		init := &graph.Initializers[i]
		if len(init.Dims) == 1 && init.Dims[0] == weight.Dims[1] {
			if bias != nil {
				return nil, nil, fmt.Errorf("multiple candidate QKV biases (%s, %s)", bias.Name, init.Name)
			}
			bias = init
		}
	}
	if bias == nil {
		return nil, nil, fmt.Errorf("no QKV bias initializer of shape [3*hidden]")
	}

	return weight, bias, nil
}
