package main

import (
	"context"
	"math"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Experiment tracking. A run is initialized once with a project name and a
// generated run ID, the model's parameters are registered once with Watch,
// and every training step logs a StepRecord. Every WatchFreq steps the
// trainer also logs a per-parameter gradient summary (GradStat).
//
// Implementations:
//
//   ConsoleTracker  key/value log lines through charmbracelet/log
//   SQLiteTracker   runs, metrics, watched_params, param_stats tables
//   MultiTracker    fan-out to several trackers
//
// ===========================================================================

// StepRecord is the per-step training log entry.
type StepRecord struct {
	Epoch      int
	CurStep    int
	Loss       float64
	ReconLoss  float64
	CommitLoss float64
}

// Map returns the record in the tracker's key space.
func (r StepRecord) Map() map[string]any {
	return map[string]any{
		"epoch":       r.Epoch,
		"cur_step":    r.CurStep,
		"loss":        r.Loss,
		"recon_loss":  r.ReconLoss,
		"commit_loss": r.CommitLoss,
	}
}

// EvalRecord summarizes one pass over the eval split.
type EvalRecord struct {
	Epoch      int
	Batches    int
	Loss       float64
	ReconLoss  float64
	CommitLoss float64
	CodesUsed  int
}

// GradStat is the gradient summary of one watched parameter.
type GradStat struct {
	Name      string
	GradNorm  float64
	ParamNorm float64
}

// RunInfo identifies a tracked run.
type RunInfo struct {
	ID      string
	Project string
	Started time.Time
	Config  any // serialized as JSON by trackers that store it
}

// NewRunInfo creates run metadata with a fresh random ID.
func NewRunInfo(project string, config any) RunInfo {
	return RunInfo{
		ID:      uuid.NewString(),
		Project: project,
		Started: time.Now().UTC(),
		Config:  config,
	}
}

// Tracker receives run metadata and metrics.
type Tracker interface {
	Init(ctx context.Context, run RunInfo) error
	Watch(ctx context.Context, params []NamedTensor) error
	Log(ctx context.Context, rec StepRecord) error
	LogGrads(ctx context.Context, step int, stats []GradStat) error
	LogEval(ctx context.Context, rec EvalRecord) error
	Close() error
}

// SummarizeGrads computes the gradient and parameter L2 norm of each tensor.
func SummarizeGrads(params []NamedTensor) []GradStat {
	stats := make([]GradStat, len(params))
	for i, p := range params {
		var g, w float64
		for _, v := range p.Tensor.grad {
			g += v * v
		}
		for _, v := range p.Tensor.data {
			w += v * v
		}
		stats[i] = GradStat{Name: p.Name, GradNorm: math.Sqrt(g), ParamNorm: math.Sqrt(w)}
	}
	return stats
}

// ConsoleTracker writes everything to a logger.
type ConsoleTracker struct {
	logger *log.Logger
	run    RunInfo
}

// NewConsoleTracker creates a tracker logging through logger.
func NewConsoleTracker(logger *log.Logger) *ConsoleTracker {
	return &ConsoleTracker{logger: logger}
}

func (c *ConsoleTracker) Init(_ context.Context, run RunInfo) error {
	c.run = run
	c.logger.Info("run started", "project", run.Project, "run_id", run.ID)
	return nil
}

func (c *ConsoleTracker) Watch(_ context.Context, params []NamedTensor) error {
	total := 0
	for _, p := range params {
		total += p.Tensor.Size()
	}
	c.logger.Info("watching parameters", "tensors", len(params), "elements", total)
	return nil
}

func (c *ConsoleTracker) Log(_ context.Context, rec StepRecord) error {
	c.logger.Info("step",
		"epoch", rec.Epoch,
		"cur_step", rec.CurStep,
		"loss", rec.Loss,
		"recon_loss", rec.ReconLoss,
		"commit_loss", rec.CommitLoss,
	)
	return nil
}

func (c *ConsoleTracker) LogGrads(_ context.Context, step int, stats []GradStat) error {
	if len(stats) == 0 {
		return nil
	}
	largest := stats[0]
	total := 0.0
	for _, s := range stats {
		total += s.GradNorm * s.GradNorm
		if s.GradNorm > largest.GradNorm {
			largest = s
		}
	}
	c.logger.Debug("gradients",
		"step", step,
		"global_norm", math.Sqrt(total),
		"largest", largest.Name,
		"largest_norm", largest.GradNorm,
	)
	return nil
}

func (c *ConsoleTracker) LogEval(_ context.Context, rec EvalRecord) error {
	c.logger.Info("eval",
		"epoch", rec.Epoch,
		"batches", rec.Batches,
		"loss", rec.Loss,
		"recon_loss", rec.ReconLoss,
		"commit_loss", rec.CommitLoss,
		"codes_used", rec.CodesUsed,
	)
	return nil
}

func (c *ConsoleTracker) Close() error {
	c.logger.Info("run finished", "run_id", c.run.ID, "elapsed", time.Since(c.run.Started).Round(time.Second))
	return nil
}

// MultiTracker forwards every call to each tracker in order and stops at
// the first error.
type MultiTracker []Tracker

func (m MultiTracker) Init(ctx context.Context, run RunInfo) error {
	for _, t := range m {
		if err := t.Init(ctx, run); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiTracker) Watch(ctx context.Context, params []NamedTensor) error {
	for _, t := range m {
		if err := t.Watch(ctx, params); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiTracker) Log(ctx context.Context, rec StepRecord) error {
	for _, t := range m {
		if err := t.Log(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiTracker) LogGrads(ctx context.Context, step int, stats []GradStat) error {
	for _, t := range m {
		if err := t.LogGrads(ctx, step, stats); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiTracker) LogEval(ctx context.Context, rec EvalRecord) error {
	for _, t := range m {
		if err := t.LogEval(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every tracker and returns the first error.
func (m MultiTracker) Close() error {
	var first error
	for _, t := range m {
		if err := t.Close(); err != nil && first == nil {
			first = errors.Wrap(err, "close tracker")
		}
	}
	return first
}
