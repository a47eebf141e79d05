package parity

import (
	"fmt"

	"github.com/kiln-ml/kiln/internal/tensor"
)

// Case is one input regime the reference and the graph are compared under.
type Case struct {
	Name        string
	SeqLen      int
	PastLen     int
	PaddingSpec int // see attention.GenerateInputs
}

// CanonicalCases are the three regimes every verification run covers: a
// fresh prompt, decoding with past state and right padding, and single-token
// decoding against a long past with one random position padded per row.
func CanonicalCases() []Case {
	return []Case{
		{Name: "prompt", SeqLen: 2, PastLen: 0, PaddingSpec: 0},
		{Name: "decode_padded", SeqLen: 3, PastLen: 5, PaddingSpec: 2},
		{Name: "decode_long_past", SeqLen: 1, PastLen: 128, PaddingSpec: -1},
	}
}

// GraphFileName is the on-disk name for an exported attention graph.
// The fused single-node rewrite carries the opt prefix.
func GraphFileName(dtype tensor.DataType, fused bool) string {
	prec := "fp32"
	if dtype == tensor.Float16 {
		prec = "fp16"
	}
	if fused {
		return fmt.Sprintf("gpt_attention_opt_%s.onnx", prec)
	}
	return fmt.Sprintf("gpt_attention_%s.onnx", prec)
}
