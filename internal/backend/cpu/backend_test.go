package cpu

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-ml/kiln/internal/tensor"
)

func fromF32(t *testing.T, values []float32, shape tensor.Shape) *tensor.RawTensor {
	t.Helper()
	rt, err := tensor.FromFloat32(values, shape, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	return rt
}

func TestAddBroadcast(t *testing.T) {
	b := New()

	a := fromF32(t, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})
	bias := fromF32(t, []float32{10, 20, 30}, tensor.Shape{3})

	out := b.Add(a, bias)
	assert.Equal(t, tensor.Shape{2, 3}, out.Shape())
	assert.Equal(t, []float32{11, 22, 33, 14, 25, 36}, out.AsFloat32())
}

func TestSubInt64(t *testing.T) {
	b := New()

	x, err := tensor.FromInt64([]int64{10, 7}, tensor.Shape{2}, tensor.CPU)
	require.NoError(t, err)
	y, err := tensor.FromInt64([]int64{3, 7}, tensor.Shape{2}, tensor.CPU)
	require.NoError(t, err)

	out := b.Sub(x, y)
	assert.Equal(t, []int64{7, 0}, out.AsInt64())
}

func TestMulScalarFloat16RoundsToHalf(t *testing.T) {
	b := New()

	x, err := tensor.FromFloat32([]float32{1.5, -2.25, 0.125}, tensor.Shape{3}, tensor.Float16, tensor.CPU)
	require.NoError(t, err)

	out := b.MulScalar(x, 2.0)
	assert.Equal(t, tensor.Float16, out.DType())
	got := tensor.Float32Values(out)
	assert.InDeltaSlice(t, []float32{3.0, -4.5, 0.25}, got, 1e-3)
}

func TestMatMul2D(t *testing.T) {
	b := New()

	// [2,3] @ [3,2]
	a := fromF32(t, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})
	w := fromF32(t, []float32{7, 8, 9, 10, 11, 12}, tensor.Shape{3, 2})

	out := b.MatMul(a, w)
	assert.Equal(t, tensor.Shape{2, 2}, out.Shape())
	assert.Equal(t, []float32{58, 64, 139, 154}, out.AsFloat32())
}

func TestMatMulShapeMismatchPanics(t *testing.T) {
	b := New()

	a := fromF32(t, make([]float32, 6), tensor.Shape{2, 3})
	w := fromF32(t, make([]float32, 8), tensor.Shape{4, 2})

	assert.Panics(t, func() { b.MatMul(a, w) })
}

func TestBatchMatMul4D(t *testing.T) {
	b := New()

	// Two independent 2x2 @ 2x2 products under [1,2,...] batching.
	a := fromF32(t, []float32{
		1, 0, 0, 1, // identity
		1, 2, 3, 4,
	}, tensor.Shape{1, 2, 2, 2})
	w := fromF32(t, []float32{
		5, 6, 7, 8,
		1, 0, 0, 1, // identity
	}, tensor.Shape{1, 2, 2, 2})

	out := b.BatchMatMul(a, w)
	assert.Equal(t, tensor.Shape{1, 2, 2, 2}, out.Shape())
	assert.Equal(t, []float32{5, 6, 7, 8, 1, 2, 3, 4}, out.AsFloat32())
}

func TestSoftmaxRows(t *testing.T) {
	b := New()

	x := fromF32(t, []float32{1, 2, 3, 1, 1, 1}, tensor.Shape{2, 3})
	out := b.Softmax(x, -1)

	got := out.AsFloat32()
	for r := 0; r < 2; r++ {
		var sum float64
		for c := 0; c < 3; c++ {
			sum += float64(got[r*3+c])
		}
		assert.InDelta(t, 1.0, sum, 1e-6)
	}
	// Uniform row stays uniform.
	assert.InDelta(t, float32(1.0/3.0), got[3], 1e-6)
}

func TestSoftmaxLargeLogitsStable(t *testing.T) {
	b := New()

	x := fromF32(t, []float32{1000, 1000, -10000}, tensor.Shape{1, 3})
	out := b.Softmax(x, 1)

	got := out.AsFloat32()
	for _, v := range got {
		assert.False(t, math.IsNaN(float64(v)))
	}
	assert.InDelta(t, 0.5, float64(got[0]), 1e-6)
	assert.InDelta(t, 0.0, float64(got[2]), 1e-6)
}

func TestCatAndSplitRoundTrip(t *testing.T) {
	b := New()

	x := fromF32(t, []float32{1, 2, 3, 4}, tensor.Shape{2, 2})
	y := fromF32(t, []float32{5, 6}, tensor.Shape{2, 1})

	joined := b.Cat([]*tensor.RawTensor{x, y}, 1)
	assert.Equal(t, tensor.Shape{2, 3}, joined.Shape())
	assert.Equal(t, []float32{1, 2, 5, 3, 4, 6}, joined.AsFloat32())

	parts := b.Split(joined, 1, []int{2, 1})
	require.Len(t, parts, 2)
	assert.Equal(t, x.AsFloat32(), parts[0].AsFloat32())
	assert.Equal(t, y.AsFloat32(), parts[1].AsFloat32())
}

func TestWhereSelectsByCondition(t *testing.T) {
	b := New()

	cond, err := tensor.NewRaw(tensor.Shape{2, 2}, tensor.Bool, tensor.CPU)
	require.NoError(t, err)
	copy(cond.AsBool(), []bool{true, false, false, true})

	x := fromF32(t, []float32{1, 1, 1, 1}, tensor.Shape{2, 2})
	y := fromF32(t, []float32{-1, -1, -1, -1}, tensor.Shape{2, 2})

	out := b.Where(cond, x, y)
	assert.Equal(t, []float32{1, -1, -1, 1}, out.AsFloat32())
}

func TestCastFloat32ToFloat16AndBack(t *testing.T) {
	b := New()

	x := fromF32(t, []float32{0.1, 1.0, -3.5}, tensor.Shape{3})
	half := b.Cast(x, tensor.Float16)
	assert.Equal(t, tensor.Float16, half.DType())

	back := b.Cast(half, tensor.Float32)
	assert.InDeltaSlice(t, x.AsFloat32(), back.AsFloat32(), 1e-3)
}
