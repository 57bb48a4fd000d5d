package main

import (
	"sync"
	"sync/atomic"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Buffer pooling for the training step. Every forward/backward pass of the
// DVAE allocates the same activations and input gradients (conv1d.go's
// stepArena); those buffers have a handful of sizes for the whole run, so
// they are recycled through size-keyed sync.Pools instead of reallocated.
//
// RELEASE:
//
// Release drops every pool. Cached buffers become garbage and the next Get
// allocates fresh. The trainer calls it through Device.ReleaseCache according
// to the configured release policy (every step, every epoch, or never), which
// is the Go counterpart of emptying an accelerator's allocator cache.
//
// ===========================================================================

// BufferPool wraps sync.Pool for float64 scratch slices.
// It maintains separate pools for different sizes to maximize reuse.
type BufferPool struct {
	mu    sync.RWMutex
	pools map[int]*sync.Pool

	gets     atomic.Int64
	misses   atomic.Int64
	releases atomic.Int64
}

// PoolStats is a point-in-time snapshot of pool counters.
type PoolStats struct {
	Gets     int64
	Misses   int64
	Releases int64
	Sizes    int
}

// NewBufferPool creates an empty pool.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		pools: make(map[int]*sync.Pool),
	}
}

// getPoolForSize returns the sync.Pool for buffers of the given size.
// Creates a new pool if one doesn't exist.
//
//   - Fast path: RLock for reading (common case)
//   - Slow path: Lock for writing (pool creation, rare)
func (bp *BufferPool) getPoolForSize(size int) *sync.Pool {
	bp.mu.RLock()
	pool, exists := bp.pools[size]
	bp.mu.RUnlock()

	if exists {
		return pool
	}

	bp.mu.Lock()
	defer bp.mu.Unlock()

	// Another goroutine may have created it
	if pool, exists := bp.pools[size]; exists {
		return pool
	}

	pool = &sync.Pool{
		New: func() interface{} {
			bp.misses.Add(1)
			buf := make([]float64, size)
			return &buf
		},
	}
	bp.pools[size] = pool
	return pool
}

// Get returns a zeroed buffer of exactly size elements.
func (bp *BufferPool) Get(size int) []float64 {
	bp.gets.Add(1)
	buf := *(bp.getPoolForSize(size).Get().(*[]float64))
	for i := range buf {
		buf[i] = 0
	}
	return buf
}

// Put returns a buffer obtained from Get. Buffers of unknown size are dropped.
func (bp *BufferPool) Put(buf []float64) {
	if len(buf) == 0 {
		return
	}
	bp.mu.RLock()
	pool, exists := bp.pools[len(buf)]
	bp.mu.RUnlock()
	if !exists {
		return
	}
	pool.Put(&buf)
}

// Release drops all cached buffers.
func (bp *BufferPool) Release() {
	bp.mu.Lock()
	bp.pools = make(map[int]*sync.Pool)
	bp.mu.Unlock()
	bp.releases.Add(1)
}

// Stats returns the current counters.
func (bp *BufferPool) Stats() PoolStats {
	bp.mu.RLock()
	sizes := len(bp.pools)
	bp.mu.RUnlock()

	return PoolStats{
		Gets:     bp.gets.Load(),
		Misses:   bp.misses.Load(),
		Releases: bp.releases.Load(),
		Sizes:    sizes,
	}
}
