// Package pool provides the process-wide executor used by every
// data-parallel stage of the pipeline. Work is fanned out over chunked
// index ranges and joined with a WaitGroup; output slots are indexed by
// input position so reductions preserve input order.
package pool

import (
	"runtime"
	"sync"
)

var (
	defaultWorkersOnce sync.Once
	defaultWorkers     int
)

// Workers returns the process-wide worker count, initialised lazily to
// the hardware concurrency.
func Workers() int {
	defaultWorkersOnce.Do(func() {
		defaultWorkers = runtime.NumCPU()
	})
	return defaultWorkers
}

// SetWorkers overrides the worker count. Intended for tests and the
// CLI; a value below 1 resets to hardware concurrency.
func SetWorkers(n int) {
	Workers() // force init so the override is not clobbered later
	if n < 1 {
		n = runtime.NumCPU()
	}
	defaultWorkers = n
}

// ParallelFor splits [0, n) into contiguous chunks and runs fn on each
// chunk from its own goroutine, blocking until all chunks finish. Each
// invocation receives the chunk bounds and a stable task id below
// Workers(), which callers use to pick per-task result slots. With one
// worker, or when n is 1, the body runs on the calling goroutine.
func ParallelFor(n int, fn func(start, end, taskID int)) {
	if n <= 0 {
		return
	}
	workers := Workers()
	if workers <= 1 || n == 1 {
		fn(0, n, 0)
		return
	}
	if workers > n {
		workers = n
	}
	chunk := (n + workers - 1) / workers

	var wg sync.WaitGroup
	task := 0
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(start, end, taskID int) {
			defer wg.Done()
			fn(start, end, taskID)
		}(start, end, task)
		task++
	}
	wg.Wait()
}

// Gather runs fn for every index of [0, n) in parallel and collects
// the results into a slice indexed by input position.
func Gather[T any](n int, fn func(i int) T) []T {
	out := make([]T, n)
	ParallelFor(n, func(start, end, _ int) {
		for i := start; i < end; i++ {
			out[i] = fn(i)
		}
	})
	return out
}
