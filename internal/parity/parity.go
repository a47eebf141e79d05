// Package parity checks the exported attention graphs against the in-memory
// reference module: random trials across canonical input regimes, elementwise
// comparison under dtype-dependent tolerances, and a drift report.
package parity

import (
	"math/rand"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/kiln-ml/kiln/internal/attention"
	"github.com/kiln-ml/kiln/internal/backend/cpu"
	"github.com/kiln-ml/kiln/internal/onnx"
	"github.com/kiln-ml/kiln/internal/session"
	"github.com/kiln-ml/kiln/internal/tensor"
)

// Config describes a verification run.
type Config struct {
	Batch       int
	HiddenSize  int
	NumHeads    int
	MaxPosition int
	Trials      int
	DType       tensor.DataType
	Seed        int64

	// Fused rewrites the decomposed graph into the single Attention node
	// before executing it.
	Fused bool

	// FailOnDrift makes Verify return an error when any trial falls outside
	// tolerance. The report is returned either way.
	FailOnDrift bool

	// OutputDir, when set, receives one exported graph file per input
	// signature encountered.
	OutputDir string

	// Progress, when set, is called after every completed trial.
	Progress func(done, total int)
}

// DefaultConfig mirrors the GPT-2 base attention layer: 100 trials over the
// canonical cases, failing on any drift.
func DefaultConfig() Config {
	return Config{
		Batch:       2,
		HiddenSize:  768,
		NumHeads:    12,
		MaxPosition: 1024,
		Trials:      100,
		DType:       tensor.Float32,
		Seed:        1,
		FailOnDrift: true,
	}
}

// CaseReport aggregates one case's trials.
type CaseReport struct {
	Case              Case
	Trials            int
	Failures          int
	MaxAbsDiffOutput  float64
	MaxAbsDiffPresent float64
	ElementsOverTol   int

	// TrialsWithDiff counts trials whose outputs differed at all, within
	// tolerance or not. A creeping value flags regressions before they fail.
	TrialsWithDiff int
}

// Report is the outcome of a verification run.
type Report struct {
	Tolerance tensor.Tolerance
	Cases     []CaseReport
}

// AllClose reports whether every trial stayed within tolerance.
func (r *Report) AllClose() bool {
	for _, c := range r.Cases {
		if c.Failures > 0 {
			return false
		}
	}
	return true
}

// Failures counts the trials that drifted.
func (r *Report) Failures() int {
	total := 0
	for _, c := range r.Cases {
		total += c.Failures
	}
	return total
}

// Verify runs the configured number of random trials per canonical case. A
// fresh reference module is drawn for every trial, exported, executed, and
// compared elementwise against the reference forward pass.
func Verify(cfg Config) (*Report, error) {
	attnCfg := attention.Config{
		HiddenSize:  cfg.HiddenSize,
		NumHeads:    cfg.NumHeads,
		MaxPosition: cfg.MaxPosition,
		DType:       cfg.DType,
	}
	if cfg.Batch <= 0 || cfg.Trials <= 0 {
		return nil, errors.Errorf("invalid config: batch=%d trials=%d", cfg.Batch, cfg.Trials)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	cases := CanonicalCases()
	report := &Report{
		Tolerance: tensor.ToleranceForDType(cfg.DType),
		Cases:     make([]CaseReport, len(cases)),
	}
	for i, c := range cases {
		report.Cases[i] = CaseReport{Case: c}
	}

	wroteGraph := map[bool]bool{} // keyed by withPast
	total := cfg.Trials * len(cases)
	done := 0

	for trial := 0; trial < cfg.Trials; trial++ {
		for i, c := range cases {
			if err := runTrial(cfg, attnCfg, rng, c, &report.Cases[i], report.Tolerance, wroteGraph); err != nil {
				return report, errors.Wrapf(err, "case %s trial %d", c.Name, trial)
			}
			done++
			if cfg.Progress != nil {
				cfg.Progress(done, total)
			}
		}
	}

	for _, c := range report.Cases {
		klog.V(1).Infof("case %s: %d trials, %d failures, %d with any diff, max abs diff %.3g (output) %.3g (present)",
			c.Case.Name, c.Trials, c.Failures, c.TrialsWithDiff, c.MaxAbsDiffOutput, c.MaxAbsDiffPresent)
	}
	if !report.AllClose() && cfg.FailOnDrift {
		return report, errors.Errorf("%d of %d trials drifted beyond tolerance", report.Failures(), total)
	}
	return report, nil
}

func runTrial(cfg Config, attnCfg attention.Config, rng *rand.Rand, c Case,
	agg *CaseReport, tol tensor.Tolerance, wroteGraph map[bool]bool) error {
	be := cpu.New()
	m, err := attention.NewModule(attnCfg, rng, be)
	if err != nil {
		return err
	}

	in, err := attention.GenerateInputs(rng, attnCfg, cfg.Batch, c.SeqLen, c.PastLen, c.PaddingSpec)
	if err != nil {
		return err
	}

	wantOut, wantPresent, err := m.Forward(in.Hidden, in.Mask, in.Past)
	if err != nil {
		return err
	}

	withPast := in.Past != nil
	var proto *onnx.ModelProto
	if cfg.Fused {
		proto, err = attention.ExportFused(m, withPast)
	} else {
		proto, err = attention.Export(m, withPast)
	}
	if err != nil {
		return errors.Wrap(err, "export")
	}

	if cfg.OutputDir != "" && !wroteGraph[withPast] {
		if err := writeGraph(cfg, proto, withPast); err != nil {
			return err
		}
		wroteGraph[withPast] = true
	}

	sess, err := session.NewInference(proto, be)
	if err != nil {
		return err
	}
	feeds := map[string]*tensor.RawTensor{
		attention.InputHiddenStates: in.Hidden,
		attention.InputMask:         in.Mask,
	}
	if withPast {
		feeds[attention.InputPast] = in.Past
	}
	outputs, err := sess.Run(feeds)
	if err != nil {
		return err
	}

	outRes, err := tensor.Compare(wantOut, outputs[attention.OutputAttention], tol)
	if err != nil {
		return errors.Wrap(err, "compare output")
	}
	presentRes, err := tensor.Compare(wantPresent, outputs[attention.OutputPresent], tol)
	if err != nil {
		return errors.Wrap(err, "compare present")
	}

	agg.Trials++
	if outRes.MaxAbsDiff > agg.MaxAbsDiffOutput {
		agg.MaxAbsDiffOutput = outRes.MaxAbsDiff
	}
	if presentRes.MaxAbsDiff > agg.MaxAbsDiffPresent {
		agg.MaxAbsDiffPresent = presentRes.MaxAbsDiff
	}
	agg.ElementsOverTol += outRes.NumDiffs + presentRes.NumDiffs
	if outRes.MaxAbsDiff > 0 || presentRes.MaxAbsDiff > 0 {
		agg.TrialsWithDiff++
	}
	if !outRes.AllClose || !presentRes.AllClose {
		agg.Failures++
		klog.Warningf("case %s drifted: output max abs diff %.3g (%d/%d over tol), present %.3g (%d/%d over tol)",
			c.Name, outRes.MaxAbsDiff, outRes.NumDiffs, outRes.Count,
			presentRes.MaxAbsDiff, presentRes.NumDiffs, presentRes.Count)
	}
	return nil
}

// writeGraph drops the exported graph next to its siblings for inspection.
// The no-past variant gets a suffix so both signatures can coexist.
func writeGraph(cfg Config, proto *onnx.ModelProto, withPast bool) error {
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return errors.Wrap(err, "output dir")
	}
	name := GraphFileName(cfg.DType, cfg.Fused)
	if !withPast {
		name = "no_past_" + name
	}
	path := filepath.Join(cfg.OutputDir, name)
	if err := onnx.WriteFile(path, proto); err != nil {
		return errors.Wrap(err, "write graph")
	}
	klog.V(2).Infof("wrote %s", path)
	return nil
}
