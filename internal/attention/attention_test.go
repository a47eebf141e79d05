package attention

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-ml/kiln/internal/backend/cpu"
	"github.com/kiln-ml/kiln/internal/onnx"
	"github.com/kiln-ml/kiln/internal/tensor"
)

func deepCopy(t *testing.T, src *tensor.RawTensor) *tensor.RawTensor {
	t.Helper()
	dst, err := tensor.NewRaw(src.Shape(), src.DType(), src.Device())
	require.NoError(t, err)
	copy(dst.Data(), src.Contiguous().Data())
	return dst
}

func smallConfig(dtype tensor.DataType) Config {
	return Config{
		HiddenSize:  8,
		NumHeads:    2,
		MaxPosition: 32,
		DType:       dtype,
	}
}

func TestConfigValidation(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	be := cpu.New()

	_, err := NewModule(Config{HiddenSize: 10, NumHeads: 3, MaxPosition: 8, DType: tensor.Float32}, rng, be)
	assert.Error(t, err)

	_, err = NewModule(Config{HiddenSize: 8, NumHeads: 2, MaxPosition: 8, DType: tensor.Int64}, rng, be)
	assert.Error(t, err)
}

func TestForwardShapes(t *testing.T) {
	cfg := smallConfig(tensor.Float32)
	rng := rand.New(rand.NewSource(7))
	m, err := NewModule(cfg, rng, cpu.New())
	require.NoError(t, err)

	in, err := GenerateInputs(rng, cfg, 2, 3, 5, 0)
	require.NoError(t, err)

	out, present, err := m.Forward(in.Hidden, in.Mask, in.Past)
	require.NoError(t, err)

	assert.True(t, out.Shape().Equal(tensor.Shape{2, 3, 8}))
	assert.True(t, present.Shape().Equal(tensor.Shape{2, 2, 2, 8, 4}))
}

func TestForwardRejectsBadInputs(t *testing.T) {
	cfg := smallConfig(tensor.Float32)
	rng := rand.New(rand.NewSource(7))
	m, err := NewModule(cfg, rng, cpu.New())
	require.NoError(t, err)

	wrong, err := tensor.RandnRaw(rng, tensor.Shape{2, 3, 16}, 0, 0.1, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	_, _, err = m.Forward(wrong, nil, nil)
	assert.Error(t, err)

	in, err := GenerateInputs(rng, cfg, 2, 3, 0, 0)
	require.NoError(t, err)
	shortMask, err := tensor.FullRaw(tensor.Shape{2, 2}, 1.0, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	_, _, err = m.Forward(in.Hidden, shortMask, nil)
	assert.Error(t, err)
}

// Causality: perturbing a later position must not change earlier outputs.
func TestForwardIsCausal(t *testing.T) {
	cfg := smallConfig(tensor.Float32)
	rng := rand.New(rand.NewSource(11))
	m, err := NewModule(cfg, rng, cpu.New())
	require.NoError(t, err)

	in, err := GenerateInputs(rng, cfg, 1, 4, 0, 0)
	require.NoError(t, err)

	base, _, err := m.Forward(in.Hidden, in.Mask, nil)
	require.NoError(t, err)

	perturbed := deepCopy(t, in.Hidden)
	data := perturbed.AsFloat32()
	last := cfg.HiddenSize * 3 // start of position 3
	for i := last; i < last+cfg.HiddenSize; i++ {
		data[i] += 5.0
	}

	out, _, err := m.Forward(perturbed, in.Mask, nil)
	require.NoError(t, err)

	baseData := base.AsFloat32()
	outData := out.AsFloat32()
	for i := 0; i < last; i++ {
		assert.InDelta(t, baseData[i], outData[i], 1e-6, "position before the perturbation changed")
	}
}

// A padded-out past position must not influence any output.
func TestForwardIgnoresPaddedPast(t *testing.T) {
	cfg := smallConfig(tensor.Float32)
	rng := rand.New(rand.NewSource(13))
	m, err := NewModule(cfg, rng, cpu.New())
	require.NoError(t, err)

	in, err := GenerateInputs(rng, cfg, 1, 2, 3, 0)
	require.NoError(t, err)

	// Pad out past position 0 for the only batch row.
	require.NoError(t, tensor.SetScalarAt(in.Mask, 0, 0))

	base, _, err := m.Forward(in.Hidden, in.Mask, in.Past)
	require.NoError(t, err)

	past := deepCopy(t, in.Past)
	pd := past.AsFloat32()
	// Scramble key and value at past position 0 across both heads.
	hd := cfg.HeadDim()
	pastLen := 3
	for kv := 0; kv < 2; kv++ {
		for h := 0; h < cfg.NumHeads; h++ {
			off := ((kv*cfg.NumHeads+h)*pastLen + 0) * hd
			for i := 0; i < hd; i++ {
				pd[off+i] = 42.0
			}
		}
	}

	out, _, err := m.Forward(in.Hidden, in.Mask, past)
	require.NoError(t, err)

	assert.InDeltaSlice(t, base.AsFloat32(), out.AsFloat32(), 1e-6)
}

func TestGenerateInputsPadding(t *testing.T) {
	cfg := smallConfig(tensor.Float32)
	rng := rand.New(rand.NewSource(3))

	in, err := GenerateInputs(rng, cfg, 2, 3, 5, 2)
	require.NoError(t, err)
	total := 8
	mask := in.Mask.AsFloat32()
	for b := 0; b < 2; b++ {
		for pos := 0; pos < total; pos++ {
			want := float32(1)
			if pos >= total-2 {
				want = 0
			}
			assert.Equal(t, want, mask[b*total+pos], "row %d pos %d", b, pos)
		}
	}

	in, err = GenerateInputs(rng, cfg, 4, 3, 5, -1)
	require.NoError(t, err)
	mask = in.Mask.AsFloat32()
	for b := 0; b < 4; b++ {
		zeros := 0
		for pos := 0; pos < total; pos++ {
			if mask[b*total+pos] == 0 {
				zeros++
			}
		}
		assert.Equal(t, 1, zeros, "row %d", b)
	}
}

func runGraph(t *testing.T, model *onnx.ModelProto, in *InputSet) (output, present *tensor.RawTensor) {
	t.Helper()

	loaded, err := onnx.LoadFromProto(model, cpu.New(), onnx.DefaultLoadOptions())
	require.NoError(t, err)

	feeds := map[string]*tensor.RawTensor{
		InputHiddenStates: in.Hidden,
		InputMask:         in.Mask,
	}
	if in.Past != nil {
		feeds[InputPast] = in.Past
	}
	outputs, err := loaded.ForwardNamed(feeds)
	require.NoError(t, err)
	require.NotNil(t, outputs[OutputAttention])
	require.NotNil(t, outputs[OutputPresent])
	return outputs[OutputAttention], outputs[OutputPresent]
}

func assertAllClose(t *testing.T, want, got *tensor.RawTensor, tol tensor.Tolerance) {
	t.Helper()
	res, err := tensor.Compare(want, got, tol)
	require.NoError(t, err)
	assert.True(t, res.AllClose, "max abs diff %g over %d/%d elements", res.MaxAbsDiff, res.NumDiffs, res.Count)
}

func TestDecomposedGraphMatchesReference(t *testing.T) {
	cases := []struct {
		name         string
		seq, pastLen int
		padding      int
	}{
		{"no_past", 2, 0, 0},
		{"with_past_padded", 3, 5, 2},
		{"long_past_random_pad", 1, 12, -1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := smallConfig(tensor.Float32)
			rng := rand.New(rand.NewSource(17))
			m, err := NewModule(cfg, rng, cpu.New())
			require.NoError(t, err)

			in, err := GenerateInputs(rng, cfg, 2, tc.seq, tc.pastLen, tc.padding)
			require.NoError(t, err)

			wantOut, wantPresent, err := m.Forward(in.Hidden, in.Mask, in.Past)
			require.NoError(t, err)

			model, err := Export(m, in.Past != nil)
			require.NoError(t, err)

			gotOut, gotPresent := runGraph(t, model, in)
			tol := tensor.ToleranceForDType(cfg.DType)
			assertAllClose(t, wantOut, gotOut, tol)
			assertAllClose(t, wantPresent, gotPresent, tol)
		})
	}
}

func TestFusedGraphMatchesReference(t *testing.T) {
	// The fused kernel accumulates in float32 with one final rounding, so the
	// half precision pairing leans hardest on the relaxed tolerance.
	for _, dtype := range []tensor.DataType{tensor.Float32, tensor.Float16} {
		t.Run(dtype.String(), func(t *testing.T) {
			for _, pastLen := range []int{0, 5} {
				cfg := smallConfig(dtype)
				rng := rand.New(rand.NewSource(23))
				m, err := NewModule(cfg, rng, cpu.New())
				require.NoError(t, err)

				in, err := GenerateInputs(rng, cfg, 2, 3, pastLen, 1)
				require.NoError(t, err)

				wantOut, wantPresent, err := m.Forward(in.Hidden, in.Mask, in.Past)
				require.NoError(t, err)

				model, err := ExportFused(m, in.Past != nil)
				require.NoError(t, err)
				require.Len(t, model.Graph.Nodes, 1)

				gotOut, gotPresent := runGraph(t, model, in)
				assert.Equal(t, dtype, gotOut.DType())

				tol := tensor.ToleranceForDType(dtype)
				assertAllClose(t, wantOut, gotOut, tol)
				assertAllClose(t, wantPresent, gotPresent, tol)
			}
		})
	}
}

func TestHalfPrecisionGraphMatchesReference(t *testing.T) {
	cfg := smallConfig(tensor.Float16)
	rng := rand.New(rand.NewSource(29))
	m, err := NewModule(cfg, rng, cpu.New())
	require.NoError(t, err)

	in, err := GenerateInputs(rng, cfg, 2, 3, 5, 2)
	require.NoError(t, err)

	wantOut, wantPresent, err := m.Forward(in.Hidden, in.Mask, in.Past)
	require.NoError(t, err)

	model, err := Export(m, true)
	require.NoError(t, err)

	gotOut, gotPresent := runGraph(t, model, in)
	assert.Equal(t, tensor.Float16, gotOut.DType())

	tol := tensor.ToleranceForDType(tensor.Float16)
	assertAllClose(t, wantOut, gotOut, tol)
	assertAllClose(t, wantPresent, gotPresent, tol)
}

func TestExportDebugExposesScoreStages(t *testing.T) {
	cfg := smallConfig(tensor.Float32)
	rng := rand.New(rand.NewSource(37))
	m, err := NewModule(cfg, rng, cpu.New())
	require.NoError(t, err)

	in, err := GenerateInputs(rng, cfg, 2, 3, 5, 2)
	require.NoError(t, err)

	model, err := ExportDebug(m, true)
	require.NoError(t, err)
	require.Len(t, model.Graph.Outputs, 5)

	loaded, err := onnx.LoadFromProto(model, cpu.New(), onnx.DefaultLoadOptions())
	require.NoError(t, err)
	outputs, err := loaded.ForwardNamed(map[string]*tensor.RawTensor{
		InputHiddenStates: in.Hidden,
		InputMask:         in.Mask,
		InputPast:         in.Past,
	})
	require.NoError(t, err)

	// The regular outputs still match the reference.
	wantOut, _, err := m.Forward(in.Hidden, in.Mask, in.Past)
	require.NoError(t, err)
	assertAllClose(t, wantOut, outputs[OutputAttention], tensor.ToleranceForDType(cfg.DType))

	// Score stages carry per-head shapes and stay consistent: the softmax
	// output is exactly the normalized scores pushed through Softmax.
	scoreShape := tensor.Shape{2, cfg.NumHeads, 3, 8}
	for _, name := range []string{DebugQK, DebugNormQK, DebugSoftmax} {
		require.NotNil(t, outputs[name], name)
		assert.True(t, outputs[name].Shape().Equal(scoreShape), "%s shape %v", name, outputs[name].Shape())
	}
	recomputed := cpu.New().Softmax(outputs[DebugNormQK], 3)
	assert.Equal(t, tensor.Float32Values(recomputed), tensor.Float32Values(outputs[DebugSoftmax]))
}

func TestExportRoundTripsThroughBytes(t *testing.T) {
	cfg := smallConfig(tensor.Float32)
	rng := rand.New(rand.NewSource(31))
	m, err := NewModule(cfg, rng, cpu.New())
	require.NoError(t, err)

	model, err := Export(m, true)
	require.NoError(t, err)

	parsed, err := onnx.Parse(onnx.Encode(model))
	require.NoError(t, err)
	require.Len(t, parsed.Graph.Nodes, len(model.Graph.Nodes))

	in, err := GenerateInputs(rng, cfg, 1, 2, 4, 0)
	require.NoError(t, err)

	wantOut, _, err := m.Forward(in.Hidden, in.Mask, in.Past)
	require.NoError(t, err)

	gotOut, _ := runGraph(t, parsed, in)
	assertAllClose(t, wantOut, gotOut, tensor.ToleranceForDType(cfg.DType))
}
