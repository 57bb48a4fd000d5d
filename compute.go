package main

import (
	"runtime"
	"sync"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Row-parallel execution for the convolution layers. A Conv1d forward over a
// (batch, channels, frames) input is independent per (batch, output channel)
// row, so rows are split into contiguous blocks, one block per goroutine.
//
// INTENTION:
// Keep parallelism a configurable option. Single-threaded execution is
// deterministic and easier to debug; parallel execution is faster on large
// hidden sizes. Both produce identical results because every row is written
// by exactly one goroutine and no reduction crosses block boundaries.
//
// ===========================================================================

// ComputeConfig controls parallelization behavior for tensor operations.
type ComputeConfig struct {
	// Parallel enables multi-threaded execution of tensor operations.
	Parallel bool

	// NumWorkers specifies the number of worker goroutines to use.
	// If 0, defaults to runtime.NumCPU().
	// Only used when Parallel is true.
	NumWorkers int

	// MinRowsForParallel is the smallest row count worth splitting.
	// Small problems don't benefit due to goroutine overhead.
	MinRowsForParallel int
}

// DefaultComputeConfig returns a sensible default configuration.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           true,
		NumWorkers:         0,
		MinRowsForParallel: 8,
	}
}

// SingleThreadedConfig returns a configuration for single-threaded execution.
func SingleThreadedConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:   false,
		NumWorkers: 1,
	}
}

// numWorkers returns the actual number of workers to use.
func (c ComputeConfig) numWorkers() int {
	if !c.Parallel {
		return 1
	}
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	return runtime.NumCPU()
}

// shouldParallelize determines if an operation should use parallelization
// based on the problem size.
func (c ComputeConfig) shouldParallelize(rows int) bool {
	return c.Parallel && rows >= c.MinRowsForParallel && c.numWorkers() > 1
}

// ParallelRows calls body(start, end) over [0, rows) split into contiguous
// blocks. Each block runs on its own goroutine when parallelization is
// worthwhile; otherwise body(0, rows) runs inline.
func (c ComputeConfig) ParallelRows(rows int, body func(start, end int)) {
	if rows <= 0 {
		return
	}
	if !c.shouldParallelize(rows) {
		body(0, rows)
		return
	}

	workers := c.numWorkers()
	if workers > rows {
		workers = rows
	}
	blockSize := (rows + workers - 1) / workers

	var wg sync.WaitGroup
	for start := 0; start < rows; start += blockSize {
		end := start + blockSize
		if end > rows {
			end = rows
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			body(start, end)
		}(start, end)
	}
	wg.Wait()
}
