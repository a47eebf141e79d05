package session

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-ml/kiln/internal/attention"
	"github.com/kiln-ml/kiln/internal/backend/cpu"
	"github.com/kiln-ml/kiln/internal/onnx"
	"github.com/kiln-ml/kiln/internal/tensor"
)

// matmulGraph builds y = x @ w, optionally with a second Shape(x) output.
func matmulGraph(t *testing.T, withShapeOutput bool) *onnx.ModelProto {
	t.Helper()

	b := onnx.NewGraphBuilder("linear")
	b.Input("x", onnx.TensorProtoFloat, onnx.StaticDim(2), onnx.StaticDim(2))
	b.Output("y", onnx.TensorProtoFloat, onnx.StaticDim(2), onnx.StaticDim(2))

	w, err := tensor.FromFloat32([]float32{1, 0, 0, 1}, tensor.Shape{2, 2}, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	require.NoError(t, b.Initializer("w", w))

	b.Node("MatMul", []string{"x", "w"}, []string{"y"})

	if withShapeOutput {
		b.Output("x_shape", onnx.TensorProtoInt64, onnx.StaticDim(2))
		b.Node("Shape", []string{"x"}, []string{"x_shape"})
	}

	return b.Model("kiln")
}

func inputX(t *testing.T) *tensor.RawTensor {
	t.Helper()
	x, err := tensor.FromFloat32([]float32{1, 2, 3, 4}, tensor.Shape{2, 2}, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	return x
}

func onesGrad(t *testing.T) *tensor.RawTensor {
	t.Helper()
	g, err := tensor.FullRaw(tensor.Shape{2, 2}, 1.0, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	return g
}

func TestInferenceSessionRun(t *testing.T) {
	sess, err := NewInference(matmulGraph(t, false), cpu.New())
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, sess.InputNames())

	outputs, err := sess.Run(map[string]*tensor.RawTensor{"x": inputX(t)})
	require.NoError(t, err)

	// Identity weight: y == x.
	assert.Equal(t, []float32{1, 2, 3, 4}, outputs["y"].AsFloat32())
}

func TestInferenceRejectsUnsupportedOp(t *testing.T) {
	b := onnx.NewGraphBuilder("bad")
	b.Input("x", onnx.TensorProtoFloat, onnx.StaticDim(2))
	b.Output("y", onnx.TensorProtoFloat, onnx.StaticDim(2))
	b.Node("NotAnOp", []string{"x"}, []string{"y"})

	_, err := NewInference(b.Model("kiln"), cpu.New())
	assert.Error(t, err)
}

func TestTrainingBackwardValues(t *testing.T) {
	sess, err := NewTraining(matmulGraph(t, false), cpu.New(), TrainingConfig{
		RequiresGradInputs:    []string{"x"},
		TrainableInitializers: []string{"w"},
	})
	require.NoError(t, err)

	outputs, state, err := sess.RunForward(map[string]*tensor.RawTensor{"x": inputX(t)})
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, []float32{1, 2, 3, 4}, outputs["y"].AsFloat32())

	grads, err := sess.RunBackward(state, map[string]*tensor.RawTensor{"y": onesGrad(t)})
	require.NoError(t, err)
	require.Len(t, grads, 2)

	// d(sum y)/dx = ones @ w^T = ones for the identity weight.
	assert.InDeltaSlice(t, []float32{1, 1, 1, 1}, grads[0].AsFloat32(), 1e-6)
	// d(sum y)/dw = x^T @ ones.
	assert.InDeltaSlice(t, []float32{4, 4, 6, 6}, grads[1].AsFloat32(), 1e-6)
}

func TestTrainingStateIsSingleUse(t *testing.T) {
	sess, err := NewTraining(matmulGraph(t, false), cpu.New(), TrainingConfig{
		RequiresGradInputs: []string{"x"},
	})
	require.NoError(t, err)

	_, state, err := sess.RunForward(map[string]*tensor.RawTensor{"x": inputX(t)})
	require.NoError(t, err)

	// A second forward while backward is outstanding is rejected.
	_, _, err = sess.RunForward(map[string]*tensor.RawTensor{"x": inputX(t)})
	assert.Error(t, err)

	_, err = sess.RunBackward(state, map[string]*tensor.RawTensor{"y": onesGrad(t)})
	require.NoError(t, err)
	assert.True(t, state.Released())

	_, err = sess.RunBackward(state, map[string]*tensor.RawTensor{"y": onesGrad(t)})
	assert.Error(t, err)
}

func TestTrainingMissingOutputGradIsZeroSeeded(t *testing.T) {
	sess, err := NewTraining(matmulGraph(t, false), cpu.New(), TrainingConfig{
		RequiresGradInputs: []string{"x"},
	})
	require.NoError(t, err)

	_, state, err := sess.RunForward(map[string]*tensor.RawTensor{"x": inputX(t)})
	require.NoError(t, err)

	grads, err := sess.RunBackward(state, nil)
	require.NoError(t, err)
	require.Len(t, grads, 1)
	assert.InDeltaSlice(t, []float32{0, 0, 0, 0}, grads[0].AsFloat32(), 0)
}

func TestTrainingNonDifferentiableOutput(t *testing.T) {
	sess, err := NewTraining(matmulGraph(t, true), cpu.New(), TrainingConfig{
		RequiresGradInputs: []string{"x"},
	})
	require.NoError(t, err)

	_, state, err := sess.RunForward(map[string]*tensor.RawTensor{"x": inputX(t)})
	require.NoError(t, err)

	// A gradient for the int64 shape output is rejected eagerly.
	shapeGrad, err := tensor.FromInt64([]int64{1, 1}, tensor.Shape{2}, tensor.CPU)
	require.NoError(t, err)
	_, err = sess.RunBackward(state, map[string]*tensor.RawTensor{
		"y":       onesGrad(t),
		"x_shape": shapeGrad,
	})
	assert.Error(t, err)

	// Leaving it out works; the state survives the failed request above
	// because validation happens before the tape is walked.
	grads, err := sess.RunBackward(state, map[string]*tensor.RawTensor{"y": onesGrad(t)})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{1, 1, 1, 1}, grads[0].AsFloat32(), 1e-6)
}

func TestTrainingRejectsUnknownNames(t *testing.T) {
	_, err := NewTraining(matmulGraph(t, false), cpu.New(), TrainingConfig{
		RequiresGradInputs: []string{"nope"},
	})
	assert.Error(t, err)

	_, err = NewTraining(matmulGraph(t, false), cpu.New(), TrainingConfig{
		TrainableInitializers: []string{"nope"},
	})
	assert.Error(t, err)

	sess, err := NewTraining(matmulGraph(t, false), cpu.New(), TrainingConfig{})
	require.NoError(t, err)
	_, state, err := sess.RunForward(map[string]*tensor.RawTensor{"x": inputX(t)})
	require.NoError(t, err)
	_, err = sess.RunBackward(state, map[string]*tensor.RawTensor{"bogus": onesGrad(t)})
	assert.Error(t, err)
}

func TestTrainingAttentionGraph(t *testing.T) {
	cfg := attention.Config{HiddenSize: 8, NumHeads: 2, MaxPosition: 16, DType: tensor.Float32}
	rng := rand.New(rand.NewSource(41))
	m, err := attention.NewModule(cfg, rng, cpu.New())
	require.NoError(t, err)

	proto, err := attention.Export(m, false)
	require.NoError(t, err)

	sess, err := NewTraining(proto, cpu.New(), TrainingConfig{
		RequiresGradInputs:    []string{attention.InputHiddenStates},
		TrainableInitializers: []string{"qkv_weight", "qkv_bias"},
	})
	require.NoError(t, err)

	in, err := attention.GenerateInputs(rng, cfg, 1, 2, 0, 0)
	require.NoError(t, err)

	outputs, state, err := sess.RunForward(map[string]*tensor.RawTensor{
		attention.InputHiddenStates: in.Hidden,
		attention.InputMask:         in.Mask,
	})
	require.NoError(t, err)
	require.NotNil(t, outputs[attention.OutputAttention])

	seed, err := tensor.FullRaw(outputs[attention.OutputAttention].Shape(), 1.0, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	grads, err := sess.RunBackward(state, map[string]*tensor.RawTensor{
		attention.OutputAttention: seed,
	})
	require.NoError(t, err)
	require.Len(t, grads, 3)

	assert.True(t, grads[0].Shape().Equal(in.Hidden.Shape()))
	assert.True(t, grads[1].Shape().Equal(tensor.Shape{8, 24}))
	assert.True(t, grads[2].Shape().Equal(tensor.Shape{24}))

	// Gradient actually flowed to the projection weight.
	nonzero := false
	for _, v := range grads[1].AsFloat32() {
		if v != 0 {
			nonzero = true
			break
		}
	}
	assert.True(t, nonzero)
}
