// Package autodiff implements reverse-mode automatic differentiation with a
// decorator pattern: Backend wraps any tensor.Backend and records every
// differentiable operation on a GradientTape during the forward pass. The
// tape is then walked in reverse to push gradients back to graph inputs and
// trainable initializers.
package autodiff

import (
	"github.com/kiln-ml/kiln/internal/autodiff/ops"
	"github.com/kiln-ml/kiln/internal/tensor"
)

// Backend wraps a compute backend and adds gradient tracking. It implements
// tensor.Backend, so graph execution code runs unchanged on top of it.
type Backend[B tensor.Backend] struct {
	inner B
	tape  *GradientTape
}

// New creates an autodiff backend wrapping the given compute backend.
func New[B tensor.Backend](backend B) *Backend[B] {
	return &Backend[B]{
		inner: backend,
		tape:  NewGradientTape(),
	}
}

// Tape returns the gradient tape for recording control and backward passes.
func (b *Backend[B]) Tape() *GradientTape {
	return b.tape
}

// Inner returns the wrapped backend.
func (b *Backend[B]) Inner() B {
	return b.inner
}

func (b *Backend[B]) Name() string {
	return "Autodiff(" + b.inner.Name() + ")"
}

func (b *Backend[B]) Device() tensor.Device {
	return b.inner.Device()
}

// pin keeps the tensors from being modified in place while the tape may
// hold them. The returned func releases the pins; call it with defer.
func pin(ts ...*tensor.RawTensor) func() {
	release := make([]func(), len(ts))
	for i, t := range ts {
		release[i] = t.ForceNonUnique()
	}
	return func() {
		for _, r := range release {
			r()
		}
	}
}

// record appends the operation mk builds, but only while recording; mk is
// not called otherwise.
func (b *Backend[B]) record(mk func() ops.Operation) {
	if b.tape.IsRecording() {
		b.tape.Record(mk())
	}
}

func (b *Backend[B]) Add(x, y *tensor.RawTensor) *tensor.RawTensor {
	defer pin(x, y)()
	out := b.inner.Add(x, y)
	b.record(func() ops.Operation { return ops.NewAddOp(x, y, out) })
	return out
}

func (b *Backend[B]) Sub(x, y *tensor.RawTensor) *tensor.RawTensor {
	defer pin(x, y)()
	out := b.inner.Sub(x, y)
	b.record(func() ops.Operation { return ops.NewSubOp(x, y, out) })
	return out
}

func (b *Backend[B]) Mul(x, y *tensor.RawTensor) *tensor.RawTensor {
	defer pin(x, y)()
	out := b.inner.Mul(x, y)
	b.record(func() ops.Operation { return ops.NewMulOp(x, y, out) })
	return out
}

func (b *Backend[B]) Div(x, y *tensor.RawTensor) *tensor.RawTensor {
	defer pin(x, y)()
	out := b.inner.Div(x, y)
	b.record(func() ops.Operation { return ops.NewDivOp(x, y, out) })
	return out
}

func (b *Backend[B]) MulScalar(x *tensor.RawTensor, scalar float32) *tensor.RawTensor {
	defer pin(x)()
	out := b.inner.MulScalar(x, scalar)
	b.record(func() ops.Operation { return ops.NewMulScalarOp(x, out, scalar) })
	return out
}

func (b *Backend[B]) MatMul(x, y *tensor.RawTensor) *tensor.RawTensor {
	defer pin(x, y)()
	out := b.inner.MatMul(x, y)
	b.record(func() ops.Operation { return ops.NewMatMulOp(x, y, out) })
	return out
}

func (b *Backend[B]) BatchMatMul(x, y *tensor.RawTensor) *tensor.RawTensor {
	defer pin(x, y)()
	out := b.inner.BatchMatMul(x, y)
	b.record(func() ops.Operation { return ops.NewBatchMatMulOp(x, y, out) })
	return out
}

// Reshape records so gradients flow back to the original shape.
func (b *Backend[B]) Reshape(t *tensor.RawTensor, newShape tensor.Shape) *tensor.RawTensor {
	defer pin(t)()
	out := b.inner.Reshape(t, newShape)
	b.record(func() ops.Operation { return ops.NewReshapeOp(t, out) })
	return out
}

// Transpose records the permutation. A transpose is conceptually a view,
// but the backend materializes a new tensor, so without recording the
// gradient would stop at the copy.
func (b *Backend[B]) Transpose(t *tensor.RawTensor, axes ...int) *tensor.RawTensor {
	defer pin(t)()

	ndim := len(t.Shape())
	if len(axes) == 0 {
		axes = make([]int, ndim)
		for i := range axes {
			axes[i] = ndim - 1 - i
		}
	}

	out := b.inner.Transpose(t, axes...)
	b.record(func() ops.Operation { return ops.NewTransposeOp(t, out, axes) })
	return out
}

func (b *Backend[B]) Softmax(x *tensor.RawTensor, dim int) *tensor.RawTensor {
	defer pin(x)()
	if dim < 0 {
		dim += len(x.Shape())
	}
	out := b.inner.Softmax(x, dim)
	b.record(func() ops.Operation { return ops.NewSoftmaxOp(x, out, dim) })
	return out
}

func (b *Backend[B]) Cat(tensors []*tensor.RawTensor, dim int) *tensor.RawTensor {
	defer pin(tensors...)()

	out := b.inner.Cat(tensors, dim)
	b.record(func() ops.Operation {
		d := dim
		if d < 0 {
			d += len(out.Shape())
		}
		sizes := make([]int, len(tensors))
		for i, t := range tensors {
			sizes[i] = t.Shape()[d]
		}
		return ops.NewCatOp(tensors, d, sizes, out)
	})
	return out
}

// Split records a multi-output operation; the backward pass concatenates
// the per-part gradients.
func (b *Backend[B]) Split(x *tensor.RawTensor, dim int, sizes []int) []*tensor.RawTensor {
	defer pin(x)()

	outs := b.inner.Split(x, dim, sizes)
	b.record(func() ops.Operation {
		d := dim
		if d < 0 {
			d += len(x.Shape())
		}
		return ops.NewSplitOp(x, d, sizes, outs)
	})
	return outs
}

func (b *Backend[B]) Where(condition, x, y *tensor.RawTensor) *tensor.RawTensor {
	defer pin(x, y)()
	out := b.inner.Where(condition, x, y)
	b.record(func() ops.Operation { return ops.NewWhereOp(condition, x, y, out) })
	return out
}

// Cast records so gradients cast back to the input dtype.
func (b *Backend[B]) Cast(x *tensor.RawTensor, dtype tensor.DataType) *tensor.RawTensor {
	defer pin(x)()
	out := b.inner.Cast(x, dtype)
	b.record(func() ops.Operation { return ops.NewCastOp(x, out) })
	return out
}
