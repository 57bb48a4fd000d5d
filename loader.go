package main

import (
	"context"
	"iter"
	"math/rand"

	"github.com/pkg/errors"
)

// BatchSource is what the loader batches over.
type BatchSource interface {
	Len() int
	Get(i int) (DVAEItem, error)
	Collate(items []DVAEItem) Batch
}

// LoaderConfig mirrors the usual data-loader knobs.
type LoaderConfig struct {
	BatchSize  int   `yaml:"batch_size"`
	Shuffle    bool  `yaml:"shuffle"`
	DropLast   bool  `yaml:"drop_last"`
	NumWorkers int   `yaml:"num_workers"`
	Seed       int64 `yaml:"seed"`
}

// DataLoader yields collated batches in a fixed order.
//
// NumWorkers == 0 loads each batch inline when the consumer asks for it.
// NumWorkers > 0 loads up to 2*NumWorkers batches ahead on a WorkerPool and
// still delivers them in order, so both modes produce identical sequences.
type DataLoader struct {
	src   BatchSource
	cfg   LoaderConfig
	epoch int
}

// NewDataLoader validates cfg and wraps src.
func NewDataLoader(src BatchSource, cfg LoaderConfig) (*DataLoader, error) {
	if cfg.BatchSize <= 0 {
		return nil, errors.Errorf("loader: batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.NumWorkers < 0 {
		return nil, errors.Errorf("loader: num workers must be >= 0, got %d", cfg.NumWorkers)
	}
	return &DataLoader{src: src, cfg: cfg}, nil
}

// SetEpoch changes the shuffle order for the next pass.
func (l *DataLoader) SetEpoch(epoch int) {
	l.epoch = epoch
}

// NumBatches returns how many batches one pass yields.
func (l *DataLoader) NumBatches() int {
	n := l.src.Len()
	if l.cfg.DropLast {
		return n / l.cfg.BatchSize
	}
	return (n + l.cfg.BatchSize - 1) / l.cfg.BatchSize
}

// plan returns the sample indices of every batch of this pass.
func (l *DataLoader) plan() [][]int {
	n := l.src.Len()
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if l.cfg.Shuffle {
		rng := rand.New(rand.NewSource(l.cfg.Seed + int64(l.epoch)))
		rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	batches := make([][]int, 0, l.NumBatches())
	for start := 0; start < n; start += l.cfg.BatchSize {
		end := start + l.cfg.BatchSize
		if end > n {
			if l.cfg.DropLast {
				break
			}
			end = n
		}
		batches = append(batches, order[start:end])
	}
	return batches
}

func (l *DataLoader) load(indices []int) (Batch, error) {
	items := make([]DVAEItem, len(indices))
	for i, idx := range indices {
		item, err := l.src.Get(idx)
		if err != nil {
			return nil, err
		}
		items[i] = item
	}
	return l.src.Collate(items), nil
}

// All yields every batch of one pass. Iteration stops after the first
// error, which is yielded with a nil batch. Breaking out early stops the
// workers.
func (l *DataLoader) All(ctx context.Context) iter.Seq2[Batch, error] {
	plan := l.plan()
	if l.cfg.NumWorkers == 0 {
		return func(yield func(Batch, error) bool) {
			for _, indices := range plan {
				if err := ctx.Err(); err != nil {
					yield(nil, err)
					return
				}
				b, err := l.load(indices)
				if !yield(b, err) || err != nil {
					return
				}
			}
		}
	}
	return func(yield func(Batch, error) bool) {
		l.prefetch(ctx, plan, yield)
	}
}

type loadResult struct {
	batch Batch
	err   error
}

func (l *DataLoader) prefetch(ctx context.Context, plan [][]int, yield func(Batch, error) bool) {
	pool := NewWorkerPool(l.cfg.NumWorkers)
	pool.Start()
	defer pool.Stop()

	results := make([]chan loadResult, len(plan))
	submit := func(i int) {
		ch := make(chan loadResult, 1)
		results[i] = ch
		indices := plan[i]
		pool.Submit(func() {
			b, err := l.load(indices)
			ch <- loadResult{batch: b, err: err}
		})
	}

	depth := 2 * l.cfg.NumWorkers
	next := 0
	for ; next < len(plan) && next < depth; next++ {
		submit(next)
	}

	for i := range plan {
		if err := ctx.Err(); err != nil {
			yield(nil, err)
			return
		}
		var r loadResult
		select {
		case r = <-results[i]:
		case <-ctx.Done():
			yield(nil, ctx.Err())
			return
		}
		results[i] = nil
		if next < len(plan) {
			submit(next)
			next++
		}
		if !yield(r.batch, r.err) || r.err != nil {
			return
		}
	}
}
