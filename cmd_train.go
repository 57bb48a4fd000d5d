package main

import (
	"context"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// ===========================================================================
// TRAIN COMMAND
// ===========================================================================
//
// Wires the pipeline together and runs it:
//
//   config → logger → device → mel transform (+ norms) → samples / split
//     → datasets → loaders → DVAE (+ pretrained checkpoint) → optimizer
//     → trackers → trainer.Run
//
// SIGINT/SIGTERM cancel the run between steps; the per-epoch checkpoints
// already written are kept.
//
// ===========================================================================

type trainFlags struct {
	data dataFlags

	epochs         int
	maxSteps       int
	lr             float64
	batchSize      int
	clip           float64
	checkpoint     string
	strict         bool
	melNorms       string
	device         string
	checkpointDir  string
	trackerDB      string
	releasePolicy  string
	evalEveryEpoch bool
	seed           int64
}

func newTrainCmd(root *rootOptions) *cobra.Command {
	f := &trainFlags{}
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fine-tune the DVAE on a dataset",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			f.apply(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := NewLogger(cfg.Log, os.Stderr)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runTrain(ctx, cfg, logger)
		},
	}

	def := DefaultConfig()
	fs := cmd.Flags()
	f.data.register(fs)
	fs.IntVarP(&f.epochs, "epochs", "e", def.Epochs, "number of epochs")
	fs.IntVar(&f.maxSteps, "max-steps", def.MaxSteps, "stop after this many steps (0 = no limit)")
	fs.Float64Var(&f.lr, "lr", def.Optimizer.LearningRate, "learning rate")
	fs.IntVarP(&f.batchSize, "batch-size", "b", def.TrainLoader.BatchSize, "batch size")
	fs.Float64Var(&f.clip, "grad-clip", def.GradClipNorm, "max global gradient norm (0 = off)")
	fs.StringVar(&f.checkpoint, "checkpoint", def.Checkpoint, "pretrained DVAE checkpoint")
	fs.BoolVar(&f.strict, "strict", def.StrictLoad, "fail on missing or unexpected checkpoint tensors")
	fs.StringVar(&f.melNorms, "mel-norms", def.MelNormFile, "mel normalization file")
	fs.StringVar(&f.device, "device", def.Device, "compute device (auto, cpu, cuda)")
	fs.StringVar(&f.checkpointDir, "checkpoint-dir", def.CheckpointDir, "directory for per-epoch checkpoints")
	fs.StringVar(&f.trackerDB, "tracker-db", def.TrackerDB, "SQLite file for run metrics")
	fs.StringVar(&f.releasePolicy, "release-policy", def.ReleasePolicy, "release cached memory every step, epoch or never")
	fs.BoolVar(&f.evalEveryEpoch, "eval", def.EvalEveryEpoch, "evaluate on the eval split after every epoch")
	fs.Int64Var(&f.seed, "seed", def.Seed, "random seed")
	return cmd
}

// apply copies the flags the user set over cfg.
func (f *trainFlags) apply(cmd *cobra.Command, cfg *Config) {
	fs := cmd.Flags()
	f.data.apply(fs, cfg)
	if fs.Changed("epochs") {
		cfg.Epochs = f.epochs
	}
	if fs.Changed("max-steps") {
		cfg.MaxSteps = f.maxSteps
	}
	if fs.Changed("lr") {
		cfg.Optimizer.LearningRate = f.lr
	}
	if fs.Changed("batch-size") {
		cfg.TrainLoader.BatchSize = f.batchSize
		cfg.EvalLoader.BatchSize = f.batchSize
	}
	if fs.Changed("grad-clip") {
		cfg.GradClipNorm = f.clip
	}
	if fs.Changed("checkpoint") {
		cfg.Checkpoint = f.checkpoint
	}
	if fs.Changed("strict") {
		cfg.StrictLoad = f.strict
	}
	if fs.Changed("mel-norms") {
		cfg.MelNormFile = f.melNorms
	}
	if fs.Changed("device") {
		cfg.Device = f.device
	}
	if fs.Changed("checkpoint-dir") {
		cfg.CheckpointDir = f.checkpointDir
	}
	if fs.Changed("tracker-db") {
		cfg.TrackerDB = f.trackerDB
	}
	if fs.Changed("release-policy") {
		cfg.ReleasePolicy = f.releasePolicy
	}
	if fs.Changed("eval") {
		cfg.EvalEveryEpoch = f.evalEveryEpoch
	}
	if fs.Changed("seed") {
		cfg.Seed = f.seed
	}
}

// runTrain builds every component from cfg and runs the trainer.
func runTrain(ctx context.Context, cfg Config, logger *log.Logger) (err error) {
	compute := cfg.Compute()
	pool := NewBufferPool()
	device, err := SelectDevice(cfg.Device, pool, logger)
	if err != nil {
		return err
	}

	mel, err := newMelFromConfig(cfg, compute)
	if err != nil {
		return err
	}

	trainSamples, evalSamples, err := LoadSamples(cfg.Datasets, cfg.Split)
	if err != nil {
		return errors.Wrap(err, "load samples")
	}
	logger.Info("dataset", "train", len(trainSamples), "eval", len(evalSamples))

	trainDS := NewDVAEDataset(trainSamples, cfg.Mel.SampleRate, false, cfg.MaxWavLength, cfg.Seed)
	trainLoader, err := NewDataLoader(trainDS, cfg.TrainLoader)
	if err != nil {
		return err
	}
	var evalLoader Loader
	if len(evalSamples) > 0 {
		evalDS := NewDVAEDataset(evalSamples, cfg.Mel.SampleRate, true, cfg.MaxWavLength, cfg.Seed)
		el, err := NewDataLoader(evalDS, cfg.EvalLoader)
		if err != nil {
			return err
		}
		evalLoader = el
	}

	model, err := loadModel(cfg, compute, pool, logger)
	if err != nil {
		return err
	}

	opt, err := NewOptimizer(cfg.Optimizer, model.Parameters())
	if err != nil {
		return err
	}
	var sched *LRScheduler
	if cfg.Optimizer.WarmupSteps > 0 || cfg.Optimizer.DecaySteps > 0 {
		sched = NewLRScheduler(cfg.Optimizer.LearningRate, cfg.Optimizer.MinLR, cfg.Optimizer.WarmupSteps, cfg.Optimizer.DecaySteps)
	}

	tracker, err := newTracker(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := tracker.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	policy, err := ParseReleasePolicy(cfg.ReleasePolicy)
	if err != nil {
		return err
	}

	trainer, err := NewTrainer(TrainerDeps{
		Model:        model,
		Optimizer:    opt,
		Scheduler:    sched,
		LearningRate: cfg.Optimizer.LearningRate,
		Formatter:    NewBatchFormatter(device, mel, logger),
		TrainLoader:  trainLoader,
		EvalLoader:   evalLoader,
		Tracker:      tracker,
		Device:       device,
		Logger:       logger,
		SaveCheckpoint: func(path string, info CheckpointInfo) error {
			return SaveCheckpoint(path, model, info)
		},
		Config: TrainerConfig{
			Project:        cfg.Project,
			Epochs:         cfg.Epochs,
			MaxSteps:       cfg.MaxSteps,
			GradClipNorm:   cfg.GradClipNorm,
			ReleasePolicy:  policy,
			EvalEveryEpoch: cfg.EvalEveryEpoch,
			CheckpointDir:  cfg.CheckpointDir,
			WatchFreq:      cfg.WatchFreq,
			RunConfig:      cfg,
		},
	})
	if err != nil {
		return err
	}

	summary, err := trainer.Run(ctx)
	if err != nil {
		return err
	}

	stats := pool.Stats()
	logger.Info("done",
		"run_id", summary.RunID,
		"epochs", summary.Epochs,
		"steps", summary.Steps,
		"skipped_batches", summary.Skipped,
		"final_loss", summary.LastStep.Loss,
		"pool_gets", stats.Gets,
		"pool_misses", stats.Misses,
	)
	return nil
}

// newMelFromConfig builds the mel transform, dividing by the norm file when
// one is configured.
func newMelFromConfig(cfg Config, compute ComputeConfig) (*MelTransform, error) {
	var norms []float64
	if cfg.MelNormFile != "" {
		n, err := loadMelNormsAny(cfg.MelNormFile)
		if err != nil {
			return nil, err
		}
		norms = n
	}
	mel, err := NewMelTransform(cfg.Mel, norms, compute)
	return mel, errors.Wrap(err, "mel transform")
}

// loadModel builds the DVAE from cfg.Model and, when configured, copies the
// pretrained checkpoint into it by name.
func loadModel(cfg Config, compute ComputeConfig, pool *BufferPool, logger *log.Logger) (*DVAE, error) {
	model, err := NewDVAE(cfg.Model, compute, pool, rand.New(rand.NewSource(cfg.Seed)))
	if err != nil {
		return nil, err
	}
	if cfg.Checkpoint == "" {
		logger.Warn("no checkpoint configured, training from random initialization")
		return model, nil
	}

	ckpt, err := OpenCheckpoint(cfg.Checkpoint)
	if err != nil {
		return nil, err
	}
	report, err := model.LoadState(ckpt, cfg.StrictLoad)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", cfg.Checkpoint)
	}
	logger.Info("checkpoint loaded",
		"path", cfg.Checkpoint,
		"epoch", ckpt.Info.Epoch,
		"missing", len(report.Missing),
		"unexpected", len(report.Unexpected),
	)
	for _, name := range report.Missing {
		logger.Debug("missing tensor kept at initialization", "name", name)
	}
	for _, name := range report.Unexpected {
		logger.Debug("unexpected tensor ignored", "name", name)
	}
	return model, nil
}

// newTracker returns the console tracker, fanned out to SQLite when a
// tracker database is configured.
func newTracker(cfg Config, logger *log.Logger) (Tracker, error) {
	console := NewConsoleTracker(logger)
	if cfg.TrackerDB == "" {
		return console, nil
	}
	db, err := OpenSQLiteTracker(cfg.TrackerDB)
	if err != nil {
		return nil, err
	}
	return MultiTracker{console, db}, nil
}
