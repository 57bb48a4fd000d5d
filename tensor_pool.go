package main

import (
	"runtime"
	"sync"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// A reusable worker pool. The data loader submits one task per batch
// (read WAV files, resample, crop, collate) and the workers run them while
// the training goroutine is busy with the forward/backward pass of the
// previous batch.
//
// DESIGN:
//
//   - Workers: long-lived goroutines that process tasks
//   - Tasks: closures (e.g. "load and collate batch 17")
//   - Queue: buffered channel for work distribution
//
// Lifecycle:
//   - pool.Start(): spawns worker goroutines
//   - pool.Submit(task): adds task to queue
//   - pool.Wait(): blocks until all submitted tasks complete
//   - pool.Stop(): waits for in-flight tasks, then shuts workers down
//
// Results are not returned through the pool. Callers hand each task its own
// result channel, which is how the loader keeps batches in order.
//
// ===========================================================================

// Task is a unit of work executed by a pool worker.
type Task func()

// WorkerPool manages a fixed set of worker goroutines.
type WorkerPool struct {
	numWorkers int
	tasks      chan Task
	wg         sync.WaitGroup // Tracks in-flight tasks
	stopOnce   sync.Once
	stopChan   chan struct{}
}

// NewWorkerPool creates a pool with numWorkers workers.
// If numWorkers <= 0, defaults to runtime.NumCPU().
//
// The queue holds 10x workers tasks so Submit rarely blocks.
func NewWorkerPool(numWorkers int) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}

	return &WorkerPool{
		numWorkers: numWorkers,
		tasks:      make(chan Task, numWorkers*10),
		stopChan:   make(chan struct{}),
	}
}

// Workers returns the number of worker goroutines.
func (p *WorkerPool) Workers() int {
	return p.numWorkers
}

// Start spawns worker goroutines that process tasks from the queue.
// Workers run until Stop() is called.
func (p *WorkerPool) Start() {
	for i := 0; i < p.numWorkers; i++ {
		go p.worker()
	}
}

// worker pulls tasks from the queue until the pool stops.
// Panics are NOT caught (fail-fast).
func (p *WorkerPool) worker() {
	for {
		select {
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			task()
			p.wg.Done()

		case <-p.stopChan:
			return
		}
	}
}

// Submit adds a task to the queue. Blocks if the queue is full.
func (p *WorkerPool) Submit(task Task) {
	p.wg.Add(1) // Increment counter BEFORE submitting
	p.tasks <- task
}

// Wait blocks until all submitted tasks have completed.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Stop waits for in-flight tasks, then exits all workers.
// Idempotent. A stopped pool cannot be restarted.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		p.wg.Wait()
		close(p.stopChan)
		close(p.tasks)
	})
}
