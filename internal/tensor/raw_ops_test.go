package tensor

import (
	"math"
	"testing"
)

func fromF32(t *testing.T, values []float32, shape Shape) *RawTensor {
	t.Helper()
	r, err := FromFloat32(values, shape, Float32, CPU)
	if err != nil {
		t.Fatalf("FromFloat32: %v", err)
	}
	return r
}

func TestReshapeONNXSemantics(t *testing.T) {
	x := fromF32(t, []float32{1, 2, 3, 4, 5, 6}, Shape{2, 3})

	// 0 copies the input dimension, -1 infers.
	r, err := Reshape(x, Shape{0, -1})
	if err != nil {
		t.Fatalf("Reshape: %v", err)
	}
	if !r.Shape().Equal(Shape{2, 3}) {
		t.Errorf("shape = %v, want [2 3]", r.Shape())
	}

	r, err = Reshape(x, Shape{-1, 2})
	if err != nil {
		t.Fatalf("Reshape: %v", err)
	}
	if !r.Shape().Equal(Shape{3, 2}) {
		t.Errorf("shape = %v, want [3 2]", r.Shape())
	}

	if _, err := Reshape(x, Shape{4, -1}); err == nil {
		t.Error("expected error for indivisible inferred dimension")
	}
	if _, err := Reshape(x, Shape{-1, -1}); err == nil {
		t.Error("expected error for two inferred dimensions")
	}
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	x := fromF32(t, []float32{1, 2, 3, 1000, 1001, 1002}, Shape{2, 3})

	s, err := Softmax(x, -1)
	if err != nil {
		t.Fatalf("Softmax: %v", err)
	}
	data := s.AsFloat32()
	for row := 0; row < 2; row++ {
		var sum float32
		for j := 0; j < 3; j++ {
			sum += data[row*3+j]
		}
		if math.Abs(float64(sum-1)) > 1e-6 {
			t.Errorf("row %d sums to %v", row, sum)
		}
	}
	// Shift invariance: both rows carry the same logit deltas.
	for j := 0; j < 3; j++ {
		if math.Abs(float64(data[j]-data[3+j])) > 1e-6 {
			t.Errorf("rows differ at %d: %v vs %v", j, data[j], data[3+j])
		}
	}
}

func TestConcatSplitRoundTrip(t *testing.T) {
	a := fromF32(t, []float32{1, 2, 3, 4}, Shape{2, 2})
	b := fromF32(t, []float32{5, 6}, Shape{2, 1})

	c, err := Concat([]*RawTensor{a, b}, 1)
	if err != nil {
		t.Fatalf("Concat: %v", err)
	}
	if !c.Shape().Equal(Shape{2, 3}) {
		t.Fatalf("shape = %v, want [2 3]", c.Shape())
	}
	want := []float32{1, 2, 5, 3, 4, 6}
	got := c.AsFloat32()
	for i, v := range want {
		if got[i] != v {
			t.Errorf("concat[%d] = %v, want %v", i, got[i], v)
		}
	}

	parts, err := Split(c, 1, []int{2, 1})
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if got := parts[0].AsFloat32(); got[0] != 1 || got[3] != 4 {
		t.Errorf("split[0] = %v", got)
	}
	if got := parts[1].AsFloat32(); got[0] != 5 || got[1] != 6 {
		t.Errorf("split[1] = %v", got)
	}
}

func TestSliceWindow(t *testing.T) {
	mask, err := TrilMask(4, CPU)
	if err != nil {
		t.Fatalf("TrilMask: %v", err)
	}

	// Rows [2,4), all 4 columns: the last two causal rows.
	window, err := Slice(mask, []int64{2, 0}, []int64{4, 4}, []int64{2, 3}, nil)
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	if !window.Shape().Equal(Shape{1, 1, 2, 4}) {
		t.Fatalf("shape = %v, want [1 1 2 4]", window.Shape())
	}
	want := []uint8{1, 1, 1, 0, 1, 1, 1, 1}
	got := window.AsUint8()
	for i, v := range want {
		if got[i] != v {
			t.Errorf("window[%d] = %d, want %d", i, got[i], v)
		}
	}
}

func TestSliceClampsEnds(t *testing.T) {
	x := fromF32(t, []float32{1, 2, 3, 4, 5}, Shape{5})

	s, err := Slice(x, []int64{2}, []int64{1 << 30}, nil, nil)
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	if got := s.AsFloat32(); len(got) != 3 || got[0] != 3 {
		t.Errorf("slice = %v, want [3 4 5]", got)
	}
}

func TestGatherScalarIndices(t *testing.T) {
	shape, err := FromInt64([]int64{2, 7, 768}, Shape{3}, CPU)
	if err != nil {
		t.Fatalf("FromInt64: %v", err)
	}
	idx, err := FromInt64([]int64{1}, Shape{1}, CPU)
	if err != nil {
		t.Fatalf("FromInt64: %v", err)
	}

	g, err := Gather(shape, idx, 0)
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if !g.Shape().Equal(Shape{1}) || g.AsInt64()[0] != 7 {
		t.Errorf("gather = %v %v, want [7]", g.Shape(), g.AsInt64())
	}
}

func TestCastUint8ToBool(t *testing.T) {
	mask, err := TrilMask(2, CPU)
	if err != nil {
		t.Fatalf("TrilMask: %v", err)
	}
	b, err := Cast(mask, Bool)
	if err != nil {
		t.Fatalf("Cast: %v", err)
	}
	want := []bool{true, false, true, true}
	for i, v := range want {
		if b.AsBool()[i] != v {
			t.Errorf("bool[%d] = %v, want %v", i, b.AsBool()[i], v)
		}
	}
}

func TestWhereBroadcast(t *testing.T) {
	cond, err := Cast(mustTril(t, 2), Bool)
	if err != nil {
		t.Fatalf("Cast: %v", err)
	}
	x := fromF32(t, []float32{1, 2, 3, 4}, Shape{1, 1, 2, 2})
	y := fromF32(t, []float32{-10000}, Shape{1})

	out, err := WhereRaw(cond, x, y)
	if err != nil {
		t.Fatalf("WhereRaw: %v", err)
	}
	want := []float32{1, -10000, 3, 4}
	for i, v := range want {
		if out.AsFloat32()[i] != v {
			t.Errorf("where[%d] = %v, want %v", i, out.AsFloat32()[i], v)
		}
	}
}

func mustTril(t *testing.T, n int) *RawTensor {
	t.Helper()
	m, err := TrilMask(n, CPU)
	if err != nil {
		t.Fatalf("TrilMask: %v", err)
	}
	return m
}

func TestTransposeAxes(t *testing.T) {
	x := fromF32(t, []float32{1, 2, 3, 4, 5, 6}, Shape{2, 3})
	tr, err := TransposeAxes(x, 1, 0)
	if err != nil {
		t.Fatalf("TransposeAxes: %v", err)
	}
	if !tr.Shape().Equal(Shape{3, 2}) {
		t.Fatalf("shape = %v", tr.Shape())
	}
	want := []float32{1, 4, 2, 5, 3, 6}
	for i, v := range want {
		if tr.AsFloat32()[i] != v {
			t.Errorf("transposed[%d] = %v, want %v", i, tr.AsFloat32()[i], v)
		}
	}
}

func TestTransposeViewIsLazy(t *testing.T) {
	x := fromF32(t, []float32{1, 2, 3, 4, 5, 6}, Shape{2, 3})

	v, err := TransposeView(x, 1, 0)
	if err != nil {
		t.Fatalf("TransposeView: %v", err)
	}
	if !v.Shape().Equal(Shape{3, 2}) {
		t.Fatalf("shape = %v", v.Shape())
	}
	if v.IsContiguous() {
		t.Fatal("permuted view reported contiguous")
	}

	// The view shares the buffer: a write through the source shows up.
	x.AsFloat32()[0] = 7
	dense := v.Contiguous()
	want := []float32{7, 4, 2, 5, 3, 6}
	for i, w := range want {
		if dense.AsFloat32()[i] != w {
			t.Errorf("dense[%d] = %v, want %v", i, dense.AsFloat32()[i], w)
		}
	}

	if _, err := TransposeView(x, 0, 0); err == nil {
		t.Error("expected error for repeated axis")
	}
}

func TestSqueezeUnsqueeze(t *testing.T) {
	x := fromF32(t, []float32{1, 2}, Shape{1, 2, 1})

	s, err := Squeeze(x, 0)
	if err != nil {
		t.Fatalf("Squeeze: %v", err)
	}
	if !s.Shape().Equal(Shape{2, 1}) {
		t.Errorf("squeezed shape = %v", s.Shape())
	}

	u, err := Unsqueeze(s, 0, 2)
	if err != nil {
		t.Fatalf("Unsqueeze: %v", err)
	}
	if !u.Shape().Equal(Shape{1, 2, 1, 1}) {
		t.Errorf("unsqueezed shape = %v", u.Shape())
	}
}

func TestBroadcastShapes(t *testing.T) {
	out, _, err := BroadcastShapes(Shape{2, 1, 4}, Shape{3, 1})
	if err != nil {
		t.Fatalf("BroadcastShapes: %v", err)
	}
	if !out.Equal(Shape{2, 3, 4}) {
		t.Errorf("broadcast = %v, want [2 3 4]", out)
	}

	if _, _, err := BroadcastShapes(Shape{2, 3}, Shape{4, 3}); err == nil {
		t.Error("expected error for incompatible shapes")
	}
}
