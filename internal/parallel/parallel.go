// Package parallel splits index ranges across goroutines.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled      bool // Whether parallel execution is enabled.
	NumWorkers   int  // Maximum number of goroutines.
	MinChunkSize int  // Minimum items per goroutine.
}

// DefaultConfig uses one worker per CPU.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 1 << 16,
	}
}

// Ranges calls f on disjoint [start, end) ranges covering [0, n) and returns
// once all calls are done. It runs f once on [0, n) when parallelism is
// disabled or n is below two chunks.
func Ranges(n int, f func(start, end int), cfg Config) {
	if n <= 0 {
		return
	}
	workers := max(cfg.NumWorkers, 1)
	chunk := max((n+workers-1)/workers, cfg.MinChunkSize, 1)
	if !cfg.Enabled || chunk >= n {
		f(0, n)
		return
	}

	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			f(s, e)
		}(start, end)
	}
	wg.Wait()
}

// Map sets dst[i] = conv(src[i]) for every i, in parallel per cfg.
// dst must be at least as long as src.
func Map[S, D any](dst []D, src []S, conv func(S) D, cfg Config) {
	Ranges(len(src), func(start, end int) {
		for i := start; i < end; i++ {
			dst[i] = conv(src[i])
		}
	}, cfg)
}
