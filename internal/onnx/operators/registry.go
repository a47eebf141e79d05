package operators

import (
	"fmt"
	"sort"

	"github.com/kiln-ml/kiln/internal/tensor"
)

// OpHandler executes one graph node against its resolved input tensors.
type OpHandler func(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error)

// Context carries per-execution state into handlers. Differentiable work
// goes through ctx.Backend so a recording backend can observe it; integer
// shape plumbing calls the tensor package directly.
type Context struct {
	Backend tensor.Backend
}

// Registry maps operator types to handlers. The zero value is not usable;
// construct with NewRegistry.
type Registry struct {
	handlers map[string]OpHandler
}

// NewRegistry builds a registry holding every built-in operator.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[string]OpHandler)}
	r.registerMathOps()
	r.registerActivations()
	r.registerShapeOps()
	r.registerUtilityOps()
	r.registerAttention()
	return r
}

// Register installs a handler, replacing any existing one for opType.
func (r *Registry) Register(opType string, handler OpHandler) {
	r.handlers[opType] = handler
}

// Get looks up the handler for opType.
func (r *Registry) Get(opType string) (OpHandler, bool) {
	h, ok := r.handlers[opType]
	return h, ok
}

// Execute dispatches node to its handler.
func (r *Registry) Execute(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	handler, ok := r.handlers[node.OpType]
	if !ok {
		return nil, fmt.Errorf("unsupported operator: %s", node.OpType)
	}
	return handler(ctx, node, inputs)
}

// SupportedOps returns the registered operator types, sorted.
func (r *Registry) SupportedOps() []string {
	ops := make([]string, 0, len(r.handlers))
	for op := range r.handlers {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}
