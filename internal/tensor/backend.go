package tensor

// Backend defines the interface compute backends must implement. The graph
// executor and the reference attention module run entirely through this
// interface so the autodiff decorator can interpose on every differentiable
// operation.
type Backend interface {
	// Element-wise binary operations (NumPy-style broadcasting)
	Add(a, b *RawTensor) *RawTensor
	Sub(a, b *RawTensor) *RawTensor
	Mul(a, b *RawTensor) *RawTensor
	Div(a, b *RawTensor) *RawTensor

	// MulScalar multiplies every element by a scalar.
	MulScalar(x *RawTensor, scalar float32) *RawTensor

	// Matrix operations
	MatMul(a, b *RawTensor) *RawTensor // 2D: [M,K] @ [K,N] -> [M,N]

	// BatchMatMul performs batched matrix multiplication for 3D/4D tensors.
	// For 3D: [B, M, K] @ [B, K, N] -> [B, M, N]
	// For 4D: [B, H, M, K] @ [B, H, K, N] -> [B, H, M, N]
	BatchMatMul(a, b *RawTensor) *RawTensor

	// Shape operations
	Reshape(t *RawTensor, newShape Shape) *RawTensor
	Transpose(t *RawTensor, axes ...int) *RawTensor

	// Activation
	Softmax(x *RawTensor, dim int) *RawTensor

	// Manipulation
	Cat(tensors []*RawTensor, dim int) *RawTensor
	Split(x *RawTensor, dim int, sizes []int) []*RawTensor

	// Selection and conversion
	Where(condition, x, y *RawTensor) *RawTensor
	Cast(x *RawTensor, dtype DataType) *RawTensor

	// Metadata
	Name() string
	Device() Device
}
