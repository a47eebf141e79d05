// Package onnx loads, executes, builds and rewrites ONNX graphs.
//
// The package implements a hand-written protobuf codec for .onnx files
// without external dependencies, an executor that runs parsed graphs node
// by node on a tensor.Backend, a GraphBuilder for constructing graphs
// programmatically, and the fused attention rewrite.
//
// Key structures:
//   - ModelProto: Top-level ONNX model with metadata and graph
//   - GraphProto: Computation graph with nodes, inputs, outputs, and initializers
//   - NodeProto: Single operation in the graph (e.g. MatMul, Softmax, Where)
//   - TensorProto: Weight/initializer tensor with data and shape
//   - ValueInfoProto: Input/output tensor type information
//
// Example usage:
//
//	// Parse an ONNX file without compiling it
//	model, err := onnx.ParseFile("gpt_attention_fp32.onnx")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Inspect the graph
//	fmt.Printf("Model: %s (version %d)\n", model.ProducerName, model.ModelVersion)
//	for _, node := range model.Graph.Nodes {
//	    fmt.Printf("Op: %s (type: %s)\n", node.Name, node.OpType)
//	}
//
//	// Compile and run
//	compiled, err := onnx.LoadFromProto(model, cpu.New(), onnx.DefaultLoadOptions())
package onnx
