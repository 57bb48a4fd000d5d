package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The fine-tuning loop. Everything a run needs is gathered into one Trainer
// built from TrainerDeps; there is no package-level state.
//
// ONE STEP:
//
//   zero grads → format batch (wav → mel, trimmed to 4k frames)
//     → forward (recon, commit) → total = recon + commit → backward
//     → clip global grad norm → optimizer step → log record
//     → release cached memory (per ReleasePolicy)
//
// Epochs count from 0 and cur_step restarts at 0 every epoch, so a record is
// addressed by (epoch, cur_step).
//
// FAILURES:
//
// Nothing is retried or skipped here. Loader, model, optimizer and tracker
// errors end the run and come back from Run. A batch without "mel" (the
// formatter skipped an unsupported waveform) ends the run with ErrMissingMel.
//
// ===========================================================================

import (
	"context"
	"fmt"
	"iter"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
)

// ErrMissingMel reports a batch that reached the model without a mel field.
var ErrMissingMel = errors.New("batch has no mel")

// ReleasePolicy controls how often the device cache is released.
type ReleasePolicy string

const (
	ReleaseEveryStep  ReleasePolicy = "step"
	ReleaseEveryEpoch ReleasePolicy = "epoch"
	ReleaseNever      ReleasePolicy = "never"
)

// ParseReleasePolicy accepts "step", "epoch" or "never"; "" means "step".
func ParseReleasePolicy(s string) (ReleasePolicy, error) {
	switch p := ReleasePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return ReleaseEveryStep, nil
	case ReleaseEveryStep, ReleaseEveryEpoch, ReleaseNever:
		return p, nil
	default:
		return "", errors.Errorf("unknown release policy %q (want step, epoch or never)", s)
	}
}

// Model is what the trainer optimizes.
type Model interface {
	Forward(mel *Tensor) (*Pass, error)
	Parameters() []*Tensor
	NamedTensors() []NamedTensor
	SetTraining(training bool)
}

// Loader yields the batches of one epoch.
type Loader interface {
	All(ctx context.Context) iter.Seq2[Batch, error]
	SetEpoch(epoch int)
	NumBatches() int
}

// TrainerConfig holds the loop settings.
type TrainerConfig struct {
	Project        string
	Epochs         int
	MaxSteps       int // 0 = no limit
	GradClipNorm   float64
	ReleasePolicy  ReleasePolicy
	EvalEveryEpoch bool
	CheckpointDir  string
	WatchFreq      int // gradient summary interval in global steps; 0 = never
	RunConfig      any // stored with the run by the tracker
}

// TrainerDeps are the collaborators of a Trainer. EvalLoader, Scheduler and
// SaveCheckpoint are optional.
type TrainerDeps struct {
	Model          Model
	Optimizer      Optimizer
	Scheduler      *LRScheduler
	LearningRate   float64 // used when Scheduler is nil
	Formatter      *BatchFormatter
	TrainLoader    Loader
	EvalLoader     Loader
	Tracker        Tracker
	Device         Device
	Logger         *log.Logger
	SaveCheckpoint func(path string, info CheckpointInfo) error
	Config         TrainerConfig
}

// Trainer runs fine-tuning. Not safe for concurrent use.
type Trainer struct {
	TrainerDeps
	params     []*Tensor
	globalStep int
}

// RunSummary describes a finished run.
type RunSummary struct {
	RunID    string
	Epochs   int
	Steps    int
	Skipped  int64
	LastStep StepRecord
	LastEval *EvalRecord
}

// NewTrainer checks deps and builds a trainer.
func NewTrainer(deps TrainerDeps) (*Trainer, error) {
	switch {
	case deps.Model == nil:
		return nil, errors.New("trainer: model is required")
	case deps.Optimizer == nil:
		return nil, errors.New("trainer: optimizer is required")
	case deps.Formatter == nil:
		return nil, errors.New("trainer: formatter is required")
	case deps.TrainLoader == nil:
		return nil, errors.New("trainer: train loader is required")
	case deps.Tracker == nil:
		return nil, errors.New("trainer: tracker is required")
	case deps.Device == nil:
		return nil, errors.New("trainer: device is required")
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if deps.Config.ReleasePolicy == "" {
		deps.Config.ReleasePolicy = ReleaseEveryStep
	}
	if deps.Scheduler == nil && deps.LearningRate <= 0 {
		return nil, errors.New("trainer: learning rate must be positive")
	}

	return &Trainer{
		TrainerDeps: deps,
		params:      deps.Model.Parameters(),
	}, nil
}

// GlobalStep returns the number of completed optimizer steps.
func (t *Trainer) GlobalStep() int {
	return t.globalStep
}

// Run trains for the configured epochs. It returns ctx.Err() when the
// context is cancelled between steps.
func (t *Trainer) Run(ctx context.Context) (RunSummary, error) {
	run := NewRunInfo(t.Config.Project, t.Config.RunConfig)
	summary := RunSummary{RunID: run.ID}

	if err := t.Tracker.Init(ctx, run); err != nil {
		return summary, errors.Wrap(err, "tracker init")
	}
	if err := t.Tracker.Watch(ctx, t.Model.NamedTensors()); err != nil {
		return summary, errors.Wrap(err, "tracker watch")
	}

	t.Model.SetTraining(true)
	t.Logger.Info("training",
		"run_id", run.ID,
		"epochs", t.Config.Epochs,
		"batches_per_epoch", t.TrainLoader.NumBatches(),
		"device", t.Device.Name(),
		"release", string(t.Config.ReleasePolicy),
	)

	for epoch := 0; epoch < t.Config.Epochs; epoch++ {
		done, err := t.runEpoch(ctx, epoch, &summary)
		if err != nil {
			return summary, err
		}
		summary.Epochs = epoch + 1

		if t.Config.ReleasePolicy == ReleaseEveryEpoch {
			t.Device.ReleaseCache()
		}

		if t.Config.EvalEveryEpoch && t.EvalLoader != nil {
			ev, err := t.Evaluate(ctx, epoch)
			if err != nil {
				return summary, err
			}
			summary.LastEval = &ev
			if err := t.Tracker.LogEval(ctx, ev); err != nil {
				return summary, errors.Wrap(err, "tracker log eval")
			}
		}

		if t.Config.CheckpointDir != "" && t.SaveCheckpoint != nil {
			path := filepath.Join(t.Config.CheckpointDir, fmt.Sprintf("dvae_epoch_%03d.ckpt", epoch))
			if err := t.SaveCheckpoint(path, CheckpointInfo{Epoch: epoch, Step: t.globalStep}); err != nil {
				return summary, errors.Wrapf(err, "save checkpoint for epoch %d", epoch)
			}
			t.Logger.Info("checkpoint saved", "epoch", epoch, "path", path)
		}

		if done {
			break
		}
	}

	summary.Steps = t.globalStep
	summary.Skipped = t.Formatter.Skipped()
	return summary, nil
}

// runEpoch trains one epoch. done reports that MaxSteps was reached.
func (t *Trainer) runEpoch(ctx context.Context, epoch int, summary *RunSummary) (done bool, err error) {
	t.TrainLoader.SetEpoch(epoch)
	curStep := 0
	for batch, err := range t.TrainLoader.All(ctx) {
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, errors.Wrapf(err, "load batch (epoch %d, step %d)", epoch, curStep)
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}

		rec, err := t.Step(ctx, batch, epoch, curStep)
		if err != nil {
			return false, errors.Wrapf(err, "epoch %d step %d", epoch, curStep)
		}
		summary.LastStep = rec
		curStep++

		if t.Config.MaxSteps > 0 && t.globalStep >= t.Config.MaxSteps {
			t.Logger.Info("max steps reached", "steps", t.globalStep)
			return true, nil
		}
	}
	return false, nil
}

// Step runs one optimization step on batch and logs its record.
func (t *Trainer) Step(ctx context.Context, batch Batch, epoch, curStep int) (StepRecord, error) {
	t.Optimizer.ZeroGrad(t.params)

	batch, err := t.Formatter.Format(batch)
	if err != nil {
		return StepRecord{}, err
	}
	mel := batch[FieldMel]
	if mel == nil {
		return StepRecord{}, ErrMissingMel
	}

	pass, err := t.Model.Forward(mel)
	if err != nil {
		return StepRecord{}, errors.Wrap(err, "forward")
	}
	total := pass.ReconLoss + pass.CommitLoss
	pass.Backward()

	gradNorm := ClipGradNorm(t.params, t.Config.GradClipNorm)

	lr := t.LearningRate
	if t.Scheduler != nil {
		lr = t.Scheduler.GetLR()
	}
	if err := t.Optimizer.Step(t.params, lr); err != nil {
		return StepRecord{}, errors.Wrap(err, "optimizer step")
	}
	t.globalStep++

	rec := StepRecord{
		Epoch:      epoch,
		CurStep:    curStep,
		Loss:       total,
		ReconLoss:  pass.ReconLoss,
		CommitLoss: pass.CommitLoss,
	}
	t.Logger.Debug("step detail", "grad_norm", gradNorm, "lr", lr, "global_step", t.globalStep)
	if err := t.Tracker.Log(ctx, rec); err != nil {
		return rec, errors.Wrap(err, "tracker log")
	}

	if t.Config.WatchFreq > 0 && t.globalStep%t.Config.WatchFreq == 0 {
		if err := t.Tracker.LogGrads(ctx, t.globalStep, SummarizeGrads(t.Model.NamedTensors())); err != nil {
			return rec, errors.Wrap(err, "tracker log grads")
		}
	}

	if t.Config.ReleasePolicy == ReleaseEveryStep {
		t.Device.ReleaseCache()
	}
	return rec, nil
}

// Evaluate runs the eval loader through the model in evaluation mode and
// returns the mean losses. Training mode is restored afterwards.
func (t *Trainer) Evaluate(ctx context.Context, epoch int) (EvalRecord, error) {
	if t.EvalLoader == nil {
		return EvalRecord{}, errors.New("evaluate: no eval loader")
	}

	t.Model.SetTraining(false)
	defer t.Model.SetTraining(true)

	ev := EvalRecord{Epoch: epoch}
	codes := make(map[int]struct{})
	t.EvalLoader.SetEpoch(epoch)
	for batch, err := range t.EvalLoader.All(ctx) {
		if err != nil {
			if ctx.Err() != nil {
				return ev, ctx.Err()
			}
			return ev, errors.Wrap(err, "load eval batch")
		}
		batch, err = t.Formatter.Format(batch)
		if err != nil {
			return ev, err
		}
		mel := batch[FieldMel]
		if mel == nil {
			return ev, ErrMissingMel
		}

		pass, err := t.Model.Forward(mel)
		if err != nil {
			return ev, errors.Wrap(err, "eval forward")
		}
		ev.ReconLoss += pass.ReconLoss
		ev.CommitLoss += pass.CommitLoss
		for _, c := range pass.Codes {
			codes[c] = struct{}{}
		}
		pass.Release()
		ev.Batches++
	}

	if ev.Batches > 0 {
		ev.ReconLoss /= float64(ev.Batches)
		ev.CommitLoss /= float64(ev.Batches)
	}
	ev.Loss = ev.ReconLoss + ev.CommitLoss
	ev.CodesUsed = len(codes)
	return ev, nil
}
