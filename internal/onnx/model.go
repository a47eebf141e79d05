package onnx

import (
	"fmt"

	"github.com/kiln-ml/kiln/internal/onnx/operators"
	"github.com/kiln-ml/kiln/internal/tensor"
)

// Model is a compiled graph ready for execution. Initializers are loaded
// once at compile time; every ForwardNamed call executes the node plan
// against a fresh value map so models are safe to reuse across runs.
type Model struct {
	proto    *ModelProto
	registry *operators.Registry
	backend  tensor.Backend

	weights     map[string]*tensor.RawTensor
	inputNames  []string
	outputNames []string
	plan        []NodeProto
	opset       int64
}

// InputNames returns the graph inputs that must be fed (initializers
// excluded).
func (m *Model) InputNames() []string { return m.inputNames }

// OutputNames returns the graph outputs in declaration order.
func (m *Model) OutputNames() []string { return m.outputNames }

// OpsetVersion returns the default-domain opset the graph was built against.
func (m *Model) OpsetVersion() int64 { return m.opset }

// Metadata returns the model's metadata properties plus producer fields.
func (m *Model) Metadata() map[string]string {
	meta := make(map[string]string, len(m.proto.MetadataProps)+3)
	for _, prop := range m.proto.MetadataProps {
		meta[prop.Key] = prop.Value
	}
	meta["producer_name"] = m.proto.ProducerName
	meta["producer_version"] = m.proto.ProducerVersion
	meta["domain"] = m.proto.Domain
	return meta
}

// Initializer returns a loaded weight tensor by name.
func (m *Model) Initializer(name string) (*tensor.RawTensor, bool) {
	t, ok := m.weights[name]
	return t, ok
}

// Forward runs a single-input, single-output model. Models with more inputs
// or outputs go through ForwardNamed.
func (m *Model) Forward(input *tensor.RawTensor) (*tensor.RawTensor, error) {
	if len(m.inputNames) != 1 {
		return nil, fmt.Errorf("model has %d inputs, use ForwardNamed", len(m.inputNames))
	}
	if len(m.outputNames) != 1 {
		return nil, fmt.Errorf("model has %d outputs, use ForwardNamed", len(m.outputNames))
	}
	outputs, err := m.ForwardNamed(map[string]*tensor.RawTensor{m.inputNames[0]: input})
	if err != nil {
		return nil, err
	}
	return outputs[m.outputNames[0]], nil
}

// ForwardNamed executes the graph over named feeds and returns the named
// fetches. Every declared input must be fed.
func (m *Model) ForwardNamed(feeds map[string]*tensor.RawTensor) (map[string]*tensor.RawTensor, error) {
	values := make(map[string]*tensor.RawTensor, len(m.weights)+len(feeds))
	for name, t := range m.weights {
		values[name] = t
	}
	for name, t := range feeds {
		values[name] = t
	}
	for _, name := range m.inputNames {
		if _, ok := values[name]; !ok {
			return nil, fmt.Errorf("missing input %q", name)
		}
	}

	ctx := &operators.Context{Backend: m.backend}
	for i := range m.plan {
		node := &m.plan[i]
		args, err := gatherNodeInputs(node, values)
		if err != nil {
			return nil, err
		}
		outs, err := m.registry.Execute(ctx, nodeForOperators(node), args)
		if err != nil {
			return nil, fmt.Errorf("node %s (%s): %w", node.Name, node.OpType, err)
		}
		for j, name := range node.Outputs {
			if j < len(outs) {
				values[name] = outs[j]
			}
		}
	}

	fetches := make(map[string]*tensor.RawTensor, len(m.outputNames))
	for _, name := range m.outputNames {
		t, ok := values[name]
		if !ok {
			return nil, fmt.Errorf("graph produced no value for output %q", name)
		}
		fetches[name] = t
	}
	return fetches, nil
}

// gatherNodeInputs resolves a node's input names against the value map.
// Empty names are ONNX's optional-input placeholder and stay nil.
func gatherNodeInputs(node *NodeProto, values map[string]*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	args := make([]*tensor.RawTensor, len(node.Inputs))
	for i, name := range node.Inputs {
		if name == "" {
			continue
		}
		t, ok := values[name]
		if !ok {
			return nil, fmt.Errorf("node %s: missing input %q", node.Name, name)
		}
		args[i] = t
	}
	return args, nil
}

// compile loads the initializers, resolves the fed-input set, orders the
// nodes for execution, and records the default-domain opset.
func (m *Model) compile() error {
	graph := m.proto.Graph
	if graph == nil {
		return fmt.Errorf("model has no graph")
	}

	m.weights = make(map[string]*tensor.RawTensor, len(graph.Initializers))
	for i := range graph.Initializers {
		init := &graph.Initializers[i]
		t, err := rawFromProto(init)
		if err != nil {
			return fmt.Errorf("initializer %q: %w", init.Name, err)
		}
		m.weights[init.Name] = t
	}

	for i := range graph.Inputs {
		name := graph.Inputs[i].Name
		if _, isWeight := m.weights[name]; !isWeight {
			m.inputNames = append(m.inputNames, name)
		}
	}
	for i := range graph.Outputs {
		m.outputNames = append(m.outputNames, graph.Outputs[i].Name)
	}

	m.plan = executionOrder(graph.Nodes)
	m.opset = defaultOpsetVersion(m.proto.OpsetImport)
	return nil
}

// defaultOpsetVersion picks the ai.onnx opset from a model's imports.
func defaultOpsetVersion(opsets []OperatorSetID) int64 {
	for _, o := range opsets {
		if o.Domain == "" || o.Domain == "ai.onnx" {
			return o.Version
		}
	}
	return 0
}

// rawFromProto materializes an initializer as a RawTensor. ONNX stores the
// payload either as raw little-endian bytes or in one of the typed legacy
// fields; exactly one is populated.
func rawFromProto(proto *TensorProto) (*tensor.RawTensor, error) {
	shape := make(tensor.Shape, len(proto.Dims))
	for i, d := range proto.Dims {
		shape[i] = int(d)
	}

	t, err := tensor.NewRaw(shape, dtypeFromProto(proto.DataType), tensor.CPU)
	if err != nil {
		return nil, err
	}

	switch {
	case len(proto.RawData) > 0:
		copy(t.Data(), proto.RawData)
	case len(proto.FloatData) > 0:
		copy(t.AsFloat32(), proto.FloatData)
	case len(proto.Int32Data) > 0:
		copy(t.AsInt32(), proto.Int32Data)
	case len(proto.Int64Data) > 0:
		copy(t.AsInt64(), proto.Int64Data)
	}
	return t, nil
}

// dtypeFromProto maps ONNX element types onto tensor dtypes. Unknown types
// fall back to float32.
func dtypeFromProto(onnxType int32) tensor.DataType {
	switch onnxType {
	case TensorProtoFloat:
		return tensor.Float32
	case TensorProtoFloat16:
		return tensor.Float16
	case TensorProtoDouble:
		return tensor.Float64
	case TensorProtoInt32:
		return tensor.Int32
	case TensorProtoInt64:
		return tensor.Int64
	case TensorProtoUint8:
		return tensor.Uint8
	case TensorProtoBool:
		return tensor.Bool
	default:
		return tensor.Float32
	}
}

// nodeForOperators strips a NodeProto down to the registry's node view.
func nodeForOperators(proto *NodeProto) *operators.Node {
	attrs := make([]operators.Attribute, len(proto.Attributes))
	for i := range proto.Attributes {
		a := &proto.Attributes[i]
		attrs[i] = operators.Attribute{
			Name:    a.Name,
			Type:    a.Type,
			F:       a.F,
			I:       a.I,
			S:       a.S,
			Floats:  a.Floats,
			Ints:    a.Ints,
			Strings: a.Strings,
		}
	}
	return &operators.Node{
		Name:       proto.Name,
		OpType:     proto.OpType,
		Inputs:     proto.Inputs,
		Outputs:    proto.Outputs,
		Attributes: attrs,
		Domain:     proto.Domain,
	}
}

// executionOrder sorts nodes so every node runs after its producers. Graph
// inputs and initializers have no producer and impose no ordering.
func executionOrder(nodes []NodeProto) []NodeProto {
	producer := make(map[string]int)
	for i := range nodes {
		for _, out := range nodes[i].Outputs {
			producer[out] = i
		}
	}

	ordered := make([]NodeProto, 0, len(nodes))
	placed := make([]bool, len(nodes))
	var place func(i int)
	place = func(i int) {
		if placed[i] {
			return
		}
		placed[i] = true
		for _, in := range nodes[i].Inputs {
			if p, ok := producer[in]; ok {
				place(p)
			}
		}
		ordered = append(ordered, nodes[i])
	}
	for i := range nodes {
		place(i)
	}
	return ordered
}
