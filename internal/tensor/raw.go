package tensor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/x448/float16"
)

// Device tags where a tensor's buffer lives. Only CPU has kernels in this
// repo; the other values exist so device-placement checks can be exercised.
type Device int

const (
	CPU Device = iota
	CUDA
	Vulkan
	Metal
)

var deviceNames = [...]string{CPU: "CPU", CUDA: "CUDA", Vulkan: "Vulkan", Metal: "Metal"}

func (d Device) String() string {
	if d < 0 || int(d) >= len(deviceNames) {
		return "Unknown"
	}
	return deviceNames[d]
}

// tensorBuffer is a reference-counted byte buffer shared between tensor
// views for copy-on-write.
type tensorBuffer struct {
	data     []byte
	refCount atomic.Int32
	mu       sync.Mutex
}

func newTensorBuffer(size int) *tensorBuffer {
	buf := &tensorBuffer{data: make([]byte, size)}
	buf.refCount.Store(1)
	return buf
}

func (tb *tensorBuffer) addRef() { tb.refCount.Add(1) }

func (tb *tensorBuffer) release() {
	if tb.refCount.Add(-1) == 0 {
		tb.mu.Lock()
		tb.data = nil
		tb.mu.Unlock()
	}
}

func (tb *tensorBuffer) isUnique() bool { return tb.refCount.Load() == 1 }

// RawTensor is the untyped tensor: a shared buffer plus shape, strides,
// dtype, device tag and a byte offset for views.
type RawTensor struct {
	buffer *tensorBuffer
	shape  Shape
	stride []int
	dtype  DataType
	device Device
	offset int
}

// NewRaw allocates a zero-filled tensor.
func NewRaw(shape Shape, dtype DataType, device Device) (*RawTensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	return &RawTensor{
		buffer: newTensorBuffer(shape.NumElements() * dtype.Size()),
		shape:  shape.Clone(),
		stride: shape.ComputeStrides(),
		dtype:  dtype,
		device: device,
	}, nil
}

func (r *RawTensor) Shape() Shape     { return r.shape }
func (r *RawTensor) Strides() []int   { return r.stride }
func (r *RawTensor) DType() DataType  { return r.dtype }
func (r *RawTensor) Device() Device   { return r.device }
func (r *RawTensor) NumElements() int { return r.shape.NumElements() }

// ByteSize returns the dense size of the tensor's elements in bytes.
func (r *RawTensor) ByteSize() int {
	return r.NumElements() * r.dtype.Size()
}

// Data exposes the underlying bytes starting at the tensor's offset.
// Mutations are visible to every view sharing the buffer.
func (r *RawTensor) Data() []byte {
	return r.buffer.data[r.offset:]
}

// typed reinterprets the buffer as a []T after checking the dtype. The slice
// aliases tensor memory; no copy is made.
func typed[T any](r *RawTensor, want DataType) []T {
	if r.dtype != want {
		panic(fmt.Sprintf("tensor dtype is %s, not %s", r.dtype, want))
	}
	data := r.buffer.data[r.offset:]
	//nolint:gosec // zero-copy view, length bounded by NumElements
	return unsafe.Slice((*T)(unsafe.Pointer(&data[0])), r.NumElements())
}

// AsFloat32 views the data as []float32. Panics on dtype mismatch, as do
// the other As* accessors.
func (r *RawTensor) AsFloat32() []float32 { return typed[float32](r, Float32) }

// AsFloat16 views the data as IEEE 754 half bits.
func (r *RawTensor) AsFloat16() []float16.Float16 { return typed[float16.Float16](r, Float16) }

func (r *RawTensor) AsFloat64() []float64 { return typed[float64](r, Float64) }
func (r *RawTensor) AsInt32() []int32     { return typed[int32](r, Int32) }
func (r *RawTensor) AsInt64() []int64     { return typed[int64](r, Int64) }
func (r *RawTensor) AsUint8() []uint8     { return typed[uint8](r, Uint8) }
func (r *RawTensor) AsBool() []bool       { return typed[bool](r, Bool) }

// Clone returns a new view sharing this tensor's buffer. The buffer is only
// duplicated when a writer needs exclusive access.
func (r *RawTensor) Clone() *RawTensor {
	r.buffer.addRef()
	return &RawTensor{
		buffer: r.buffer,
		shape:  r.shape.Clone(),
		stride: append([]int(nil), r.stride...),
		dtype:  r.dtype,
		device: r.device,
		offset: r.offset,
	}
}

// Release drops this view's reference; the buffer frees at zero.
func (r *RawTensor) Release() {
	r.buffer.release()
}

// IsUnique reports whether this view is the buffer's only reference, which
// is when backends may write in place.
func (r *RawTensor) IsUnique() bool {
	return r.buffer.isUnique()
}

// ForceNonUnique pins the buffer against inplace writes until the returned
// func runs (use defer). The autodiff backend pins inputs it records on the
// tape.
func (r *RawTensor) ForceNonUnique() func() {
	r.buffer.addRef()
	return r.buffer.release
}

// IsContiguous reports whether the layout is dense row-major with no offset.
func (r *RawTensor) IsContiguous() bool {
	if r.offset != 0 {
		return false
	}
	dense := r.shape.ComputeStrides()
	if len(dense) != len(r.stride) {
		return false
	}
	for i := range dense {
		if dense[i] != r.stride[i] {
			return false
		}
	}
	return true
}

// Contiguous returns a dense row-major copy, or the receiver when already
// contiguous.
func (r *RawTensor) Contiguous() *RawTensor {
	if r.IsContiguous() {
		return r
	}
	out, err := NewRaw(r.shape, r.dtype, r.device)
	if err != nil {
		panic(fmt.Sprintf("contiguous: %v", err))
	}

	elem := r.dtype.Size()
	src := r.buffer.data[r.offset:]
	dst := out.Data()
	idx := make([]int, len(r.shape))
	for i := 0; i < r.NumElements(); i++ {
		at := 0
		for d, c := range idx {
			at += c * r.stride[d]
		}
		copy(dst[i*elem:(i+1)*elem], src[at*elem:at*elem+elem])

		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < r.shape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out
}

// WithDevice returns a view tagged with a different device. Data stays in
// host memory; this exists so device-placement logic can be exercised
// without real accelerator buffers.
func (r *RawTensor) WithDevice(device Device) *RawTensor {
	t := r.Clone()
	t.device = device
	return t
}
