package onnx

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/kiln-ml/kiln/internal/onnx/operators"
	"github.com/kiln-ml/kiln/internal/tensor"
)

// LoadOptions configures model loading.
type LoadOptions struct {
	// StrictMode rejects the model up front when any node's operator is
	// missing from the registry. Without it, unsupported ops only fail if
	// execution reaches them.
	StrictMode bool

	// CustomOps registers additional operator handlers before loading.
	CustomOps map[string]operators.OpHandler
}

// DefaultLoadOptions returns the default loading options.
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{}
}

// Load reads an ONNX file and compiles it for execution on the backend.
func Load(path string, backend tensor.Backend, opts ...LoadOptions) (*Model, error) {
	proto, err := ParseFile(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return LoadFromProto(proto, backend, pickOptions(opts))
}

// LoadFromBytes compiles an ONNX model from serialized bytes.
func LoadFromBytes(data []byte, backend tensor.Backend, opts ...LoadOptions) (*Model, error) {
	proto, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("load model bytes: %w", err)
	}
	return LoadFromProto(proto, backend, pickOptions(opts))
}

func pickOptions(opts []LoadOptions) LoadOptions {
	if len(opts) > 0 {
		return opts[0]
	}
	return DefaultLoadOptions()
}

// LoadFromProto compiles an already parsed or constructed model.
func LoadFromProto(proto *ModelProto, backend tensor.Backend, opt LoadOptions) (*Model, error) {
	registry := operators.NewRegistry()
	for opType, handler := range opt.CustomOps {
		registry.Register(opType, handler)
	}

	if opt.StrictMode {
		if err := checkSupported(proto.Graph, registry); err != nil {
			return nil, err
		}
	}

	model := &Model{proto: proto, registry: registry, backend: backend}
	if err := model.compile(); err != nil {
		return nil, fmt.Errorf("compile model: %w", err)
	}
	klog.V(2).Infof("compiled graph %q: %d nodes, %d weights, opset %d",
		graphName(proto), len(model.plan), len(model.weights), model.opset)
	return model, nil
}

func graphName(proto *ModelProto) string {
	if proto.Graph == nil {
		return ""
	}
	return proto.Graph.Name
}

// checkSupported verifies every node's operator has a registered handler.
func checkSupported(graph *GraphProto, registry *operators.Registry) error {
	if graph == nil {
		return fmt.Errorf("model has no graph")
	}
	var missing []string
	for i := range graph.Nodes {
		op := graph.Nodes[i].OpType
		if _, ok := registry.Get(op); !ok {
			missing = append(missing, op)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("unsupported operators: %v", missing)
	}
	return nil
}

// ModelInfo summarizes a model file without compiling it.
type ModelInfo struct {
	IRVersion       int64
	OpsetVersion    int64
	ProducerName    string
	ProducerVersion string
	InputNames      []string
	OutputNames     []string
	NodeCount       int
	WeightCount     int
}

// GetModelInfo extracts basic information from an ONNX file.
func GetModelInfo(path string) (*ModelInfo, error) {
	proto, err := ParseFile(path)
	if err != nil {
		return nil, err
	}

	info := &ModelInfo{
		IRVersion:       proto.IRVersion,
		OpsetVersion:    defaultOpsetVersion(proto.OpsetImport),
		ProducerName:    proto.ProducerName,
		ProducerVersion: proto.ProducerVersion,
	}
	if proto.Graph == nil {
		return info, nil
	}

	weights := make(map[string]bool, len(proto.Graph.Initializers))
	for i := range proto.Graph.Initializers {
		weights[proto.Graph.Initializers[i].Name] = true
	}
	for i := range proto.Graph.Inputs {
		if name := proto.Graph.Inputs[i].Name; !weights[name] {
			info.InputNames = append(info.InputNames, name)
		}
	}
	for i := range proto.Graph.Outputs {
		info.OutputNames = append(info.OutputNames, proto.Graph.Outputs[i].Name)
	}
	info.NodeCount = len(proto.Graph.Nodes)
	info.WeightCount = len(proto.Graph.Initializers)
	return info, nil
}

// ListSupportedOps returns the operators the executor implements.
func ListSupportedOps() []string {
	return operators.NewRegistry().SupportedOps()
}
