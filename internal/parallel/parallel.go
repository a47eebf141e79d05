// Package parallel spreads data-parallel loops over worker goroutines.
package parallel

import (
	"runtime"
	"sync"
)

// Config bounds how a loop may be spread over goroutines.
type Config struct {
	Enabled      bool
	NumWorkers   int
	MinChunkSize int // below this many items the loop runs inline
}

// DefaultConfig sizes the worker pool to the machine.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 64,
	}
}

// For runs f(i) for every i in [0, n). Small loops, and any loop when
// parallelism is disabled, run inline on the calling goroutine. Iterations
// must not depend on each other.
func For(n int, f func(i int), cfg Config) {
	if !cfg.Enabled || n < cfg.MinChunkSize || cfg.NumWorkers < 2 {
		for i := 0; i < n; i++ {
			f(i)
		}
		return
	}

	chunk := (n + cfg.NumWorkers - 1) / cfg.NumWorkers
	if chunk < cfg.MinChunkSize {
		chunk = cfg.MinChunkSize
	}

	var wg sync.WaitGroup
	for lo := 0; lo < n; lo += chunk {
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			for i := lo; i < hi; i++ {
				f(i)
			}
		}(lo, hi)
	}
	wg.Wait()
}

// ForBatch runs f over a batch x heads iteration space, the shape of
// per-head attention work.
func ForBatch(batch, heads int, f func(b, h int), cfg Config) {
	For(batch*heads, func(k int) {
		f(k/heads, k%heads)
	}, cfg)
}
