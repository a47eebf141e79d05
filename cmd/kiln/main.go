// Command kiln verifies the exported GPT attention graphs against the
// in-memory reference implementation.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/kiln-ml/kiln/internal/parity"
	"github.com/kiln-ml/kiln/internal/tensor"
)

const version = "v0.1.0-dev"

func main() {
	var (
		showVersion = flag.Bool("version", false, "print version and exit")
		trials      = flag.Int("trials", 100, "random trials per case")
		batch       = flag.Int("batch", 2, "batch size")
		hidden      = flag.Int("hidden", 768, "hidden size")
		heads       = flag.Int("heads", 12, "attention heads")
		seed        = flag.Int64("seed", 1, "RNG seed")
		fp16        = flag.Bool("fp16", false, "verify the float16 graph")
		fused       = flag.Bool("fused", false, "verify the fused single-node rewrite")
		outDir      = flag.String("out", "", "directory to write exported graphs to")
		keepGoing   = flag.Bool("keep-going", false, "report drift instead of failing on it")
		quiet       = flag.Bool("quiet", false, "disable the progress bar")
	)
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	if *showVersion {
		fmt.Printf("kiln %s\n", version)
		return
	}

	cfg := parity.DefaultConfig()
	cfg.Trials = *trials
	cfg.Batch = *batch
	cfg.HiddenSize = *hidden
	cfg.NumHeads = *heads
	cfg.Seed = *seed
	cfg.Fused = *fused
	cfg.OutputDir = *outDir
	cfg.FailOnDrift = !*keepGoing
	if *fp16 {
		cfg.DType = tensor.Float16
	}

	if !*quiet {
		bar := progressbar.Default(int64(cfg.Trials*len(parity.CanonicalCases())), "verifying")
		cfg.Progress = func(done, total int) {
			_ = bar.Add(1)
		}
	}

	report, err := parity.Verify(cfg)
	if report != nil {
		printReport(report)
	}
	if err != nil {
		klog.Errorf("verification failed: %v", err)
		os.Exit(1)
	}
}

func printReport(r *parity.Report) {
	fmt.Printf("\ntolerance rtol=%g atol=%g\n", r.Tolerance.Rel, r.Tolerance.Abs)
	for _, c := range r.Cases {
		status := "ok"
		if c.Failures > 0 {
			status = fmt.Sprintf("%d FAILED", c.Failures)
		}
		fmt.Printf("  %-18s trials=%d  diffs=%d  max|diff| output=%.3g present=%.3g  %s\n",
			c.Case.Name, c.Trials, c.TrialsWithDiff, c.MaxAbsDiffOutput, c.MaxAbsDiffPresent, status)
	}
}
