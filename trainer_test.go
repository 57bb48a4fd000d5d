package main

import (
	"context"
	"fmt"
	"iter"
	"math"
	"sort"
	"strings"
	"testing"

	"github.com/pkg/errors"
)

// stubModel returns fixed losses and adds 1 to every gradient element.
type stubModel struct {
	w          *Tensor
	recon      float64
	commit     float64
	mels       []*Tensor
	modes      []bool
	forwardErr error
}

func newStubModel() *stubModel {
	return &stubModel{w: NewTensorFrom([]float64{1, 2}, 2), recon: 0.375, commit: 0.125}
}

func (m *stubModel) Forward(mel *Tensor) (*Pass, error) {
	if m.forwardErr != nil {
		return nil, m.forwardErr
	}
	m.mels = append(m.mels, mel)
	return &Pass{
		ReconLoss:  m.recon,
		CommitLoss: m.commit,
		Codes:      []int{len(m.mels) % 3, 7},
		backward: func() {
			for i := range m.w.Grad() {
				m.w.grad[i]++
			}
		},
	}, nil
}

func (m *stubModel) Parameters() []*Tensor       { return []*Tensor{m.w} }
func (m *stubModel) NamedTensors() []NamedTensor { return []NamedTensor{{"w", m.w}} }
func (m *stubModel) SetTraining(training bool)   { m.modes = append(m.modes, training) }

// recordingOptimizer counts calls and remembers the learning rates.
type recordingOptimizer struct {
	zeroed int
	lrs    []float64
	grads  [][]float64
}

func (o *recordingOptimizer) Step(params []*Tensor, lr float64) error {
	o.lrs = append(o.lrs, lr)
	o.grads = append(o.grads, append([]float64(nil), params[0].grad...))
	return nil
}

func (o *recordingOptimizer) ZeroGrad(params []*Tensor) {
	o.zeroed++
	for _, p := range params {
		p.ZeroGrad()
	}
}

// countingLoader yields n fresh waveform batches per epoch.
type countingLoader struct {
	n       int
	epochs  []int
	onYield func(i int)
	failAt  int // 1-based; 0 = never
}

func (l *countingLoader) SetEpoch(epoch int) { l.epochs = append(l.epochs, epoch) }
func (l *countingLoader) NumBatches() int    { return l.n }

func (l *countingLoader) All(ctx context.Context) iter.Seq2[Batch, error] {
	return func(yield func(Batch, error) bool) {
		for i := 0; i < l.n; i++ {
			if l.onYield != nil {
				l.onYield(i)
			}
			if l.failAt == i+1 {
				yield(nil, errors.New("corrupt wav"))
				return
			}
			if !yield(Batch{FieldWav: NewTensor(2, 1, 1024), FieldWavLengths: nil}, nil) {
				return
			}
		}
	}
}

type trainerFixture struct {
	model   *stubModel
	opt     *recordingOptimizer
	spec    *stubSpec
	device  *taggingDevice
	tracker *recordingTracker
	loader  *countingLoader
	deps    TrainerDeps
}

func newTrainerFixture(batches, epochs int) *trainerFixture {
	f := &trainerFixture{
		model:   newStubModel(),
		opt:     &recordingOptimizer{},
		spec:    &stubSpec{frames: 173},
		device:  &taggingDevice{},
		tracker: &recordingTracker{},
		loader:  &countingLoader{n: batches},
	}
	f.deps = TrainerDeps{
		Model:        f.model,
		Optimizer:    f.opt,
		LearningRate: 5e-5,
		Formatter:    NewBatchFormatter(f.device, f.spec, quietLogger()),
		TrainLoader:  f.loader,
		Tracker:      f.tracker,
		Device:       f.device,
		Logger:       quietLogger(),
		Config: TrainerConfig{
			Project:      "train_dvae",
			Epochs:       epochs,
			GradClipNorm: 0.5,
		},
	}
	return f
}

func (f *trainerFixture) trainer(t *testing.T) *Trainer {
	t.Helper()
	tr, err := NewTrainer(f.deps)
	if err != nil {
		t.Fatalf("NewTrainer: %v", err)
	}
	return tr
}

// TestTrainerStepRecord runs one step on the reference batch and checks the
// logged record.
func TestTrainerStepRecord(t *testing.T) {
	f := newTrainerFixture(1, 1)
	tr := f.trainer(t)

	rec, err := tr.Step(context.Background(), Batch{FieldWav: NewTensor(3, 1, 44100)}, 0, 0)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}

	var keys []string
	for k := range rec.Map() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if got := strings.Join(keys, " "); got != "commit_loss cur_step epoch loss recon_loss" {
		t.Errorf("unexpected record keys: %s", got)
	}
	if rec.Loss != rec.ReconLoss+rec.CommitLoss {
		t.Errorf("loss %f != recon %f + commit %f", rec.Loss, rec.ReconLoss, rec.CommitLoss)
	}
	if rec.Loss != 0.5 {
		t.Errorf("expected loss 0.5, got %f", rec.Loss)
	}

	if len(f.model.mels) != 1 {
		t.Fatalf("expected one forward, got %d", len(f.model.mels))
	}
	if s := f.model.mels[0].Shape(); s[0] != 3 || s[1] != 80 || s[2] != 172 {
		t.Errorf("model saw mel %v, want [3 80 172]", s)
	}
	if f.model.mels[0].Device() != "fake" {
		t.Error("mel was not produced on the device")
	}

	if len(f.tracker.steps) != 1 || f.tracker.steps[0] != rec {
		t.Errorf("tracker got %v, want [%v]", f.tracker.steps, rec)
	}
	if f.opt.zeroed != 1 || len(f.opt.lrs) != 1 || f.opt.lrs[0] != 5e-5 {
		t.Errorf("optimizer: zeroed %d, lrs %v", f.opt.zeroed, f.opt.lrs)
	}
	if f.device.releases != 1 {
		t.Errorf("expected 1 cache release, got %d", f.device.releases)
	}
}

// TestTrainerStepClipsGradients checks the optimizer sees the clipped
// gradient: the stub gradient [1 1] has norm √2 > 0.5.
func TestTrainerStepClipsGradients(t *testing.T) {
	f := newTrainerFixture(1, 1)
	tr := f.trainer(t)

	if _, err := tr.Step(context.Background(), Batch{FieldWav: NewTensor(1, 1, 64)}, 0, 0); err != nil {
		t.Fatal(err)
	}
	g := f.opt.grads[0]
	if norm := math.Hypot(g[0], g[1]); norm > 0.5 {
		t.Errorf("optimizer saw gradient norm %f, above 0.5", norm)
	}
}

func TestTrainerRunCounters(t *testing.T) {
	f := newTrainerFixture(3, 2)
	tr := f.trainer(t)

	summary, err := tr.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var got []string
	for _, rec := range f.tracker.steps {
		got = append(got, fmt.Sprintf("%d/%d", rec.Epoch, rec.CurStep))
	}
	if want := "0/0 0/1 0/2 1/0 1/1 1/2"; strings.Join(got, " ") != want {
		t.Errorf("expected records %s, got %s", want, strings.Join(got, " "))
	}

	if summary.Epochs != 2 || summary.Steps != 6 || tr.GlobalStep() != 6 {
		t.Errorf("unexpected summary %+v", summary)
	}
	if summary.RunID == "" || summary.RunID != f.tracker.run.ID {
		t.Errorf("summary run %q, tracker run %q", summary.RunID, f.tracker.run.ID)
	}
	if f.tracker.run.Project != "train_dvae" {
		t.Errorf("expected project train_dvae, got %q", f.tracker.run.Project)
	}
	if len(f.tracker.watched) != 1 || f.tracker.watched[0].Name != "w" {
		t.Errorf("expected one Watch of [w], got %v", f.tracker.watched)
	}
	if fmt.Sprint(f.loader.epochs) != "[0 1]" {
		t.Errorf("loader epochs %v", f.loader.epochs)
	}
	if len(f.model.modes) == 0 || !f.model.modes[0] {
		t.Error("model should be put in training mode")
	}
}

func TestTrainerReleasePolicy(t *testing.T) {
	tests := []struct {
		policy ReleasePolicy
		want   int
	}{
		{ReleaseEveryStep, 6},
		{ReleaseEveryEpoch, 2},
		{ReleaseNever, 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			f := newTrainerFixture(3, 2)
			f.deps.Config.ReleasePolicy = tt.policy
			if _, err := f.trainer(t).Run(context.Background()); err != nil {
				t.Fatal(err)
			}
			if f.device.releases != tt.want {
				t.Errorf("expected %d releases, got %d", tt.want, f.device.releases)
			}
		})
	}
}

func TestParseReleasePolicy(t *testing.T) {
	for in, want := range map[string]ReleasePolicy{
		"":        ReleaseEveryStep,
		"step":    ReleaseEveryStep,
		" Epoch ": ReleaseEveryEpoch,
		"never":   ReleaseNever,
	} {
		got, err := ParseReleasePolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseReleasePolicy(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseReleasePolicy("sometimes"); err == nil {
		t.Error("expected error for an unknown policy")
	}
}

// TestTrainerMissingMel checks a skipped spectrogram ends the run.
func TestTrainerMissingMel(t *testing.T) {
	f := newTrainerFixture(3, 1)
	f.spec.err = ErrSpectrogramUnsupported
	tr := f.trainer(t)

	_, err := tr.Run(context.Background())
	if !errors.Is(err, ErrMissingMel) {
		t.Fatalf("expected ErrMissingMel, got %v", err)
	}
	if f.deps.Formatter.Skipped() != 1 {
		t.Errorf("expected 1 skipped batch, got %d", f.deps.Formatter.Skipped())
	}
	if len(f.model.mels) != 0 || len(f.opt.lrs) != 0 {
		t.Error("model or optimizer ran on a batch without mel")
	}
}

func TestTrainerPropagatesErrors(t *testing.T) {
	t.Run("loader", func(t *testing.T) {
		f := newTrainerFixture(3, 1)
		f.loader.failAt = 2
		_, err := f.trainer(t).Run(context.Background())
		if err == nil || !strings.Contains(err.Error(), "corrupt wav") {
			t.Errorf("expected loader error, got %v", err)
		}
		if len(f.tracker.steps) != 1 {
			t.Errorf("expected 1 step before the failure, got %d", len(f.tracker.steps))
		}
	})

	t.Run("model", func(t *testing.T) {
		f := newTrainerFixture(3, 1)
		boom := errors.New("nan in activations")
		f.model.forwardErr = boom
		if _, err := f.trainer(t).Run(context.Background()); !errors.Is(err, boom) {
			t.Errorf("expected model error, got %v", err)
		}
	})

	t.Run("tracker", func(t *testing.T) {
		f := newTrainerFixture(3, 1)
		full := errors.New("disk full")
		f.tracker.failLog = full
		if _, err := f.trainer(t).Run(context.Background()); !errors.Is(err, full) {
			t.Errorf("expected tracker error, got %v", err)
		}
	})
}

func TestTrainerMaxSteps(t *testing.T) {
	f := newTrainerFixture(3, 5)
	f.deps.Config.MaxSteps = 4

	summary, err := f.trainer(t).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(f.tracker.steps) != 4 || summary.Steps != 4 {
		t.Errorf("expected 4 steps, got %d records and summary %d", len(f.tracker.steps), summary.Steps)
	}
	if summary.Epochs != 2 {
		t.Errorf("expected to stop in epoch 2, got %d epochs", summary.Epochs)
	}
}

func TestTrainerContextCancel(t *testing.T) {
	f := newTrainerFixture(5, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.loader.onYield = func(i int) {
		if i == 2 {
			cancel()
		}
	}

	_, err := f.trainer(t).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(f.tracker.steps) != 2 {
		t.Errorf("expected 2 steps before cancellation, got %d", len(f.tracker.steps))
	}
}

// A loader error seen after cancellation surfaces as the context error.
func TestTrainerEvaluateContextCancel(t *testing.T) {
	f := newTrainerFixture(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eval := &countingLoader{n: 3, failAt: 2}
	eval.onYield = func(i int) {
		if i == 1 {
			cancel()
		}
	}
	f.deps.EvalLoader = eval

	_, err := f.trainer(t).Evaluate(ctx, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// without cancellation the loader error is wrapped
	eval = &countingLoader{n: 3, failAt: 2}
	f.deps.EvalLoader = eval
	_, err = f.trainer(t).Evaluate(context.Background(), 0)
	if err == nil || errors.Is(err, context.Canceled) || !strings.Contains(err.Error(), "load eval batch") {
		t.Errorf("expected a wrapped loader error, got %v", err)
	}
}

func TestTrainerWatchFreq(t *testing.T) {
	f := newTrainerFixture(3, 2)
	f.deps.Config.WatchFreq = 2

	if _, err := f.trainer(t).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	var steps []int
	for s := range f.tracker.grads {
		steps = append(steps, s)
	}
	sort.Ints(steps)
	if fmt.Sprint(steps) != "[2 4 6]" {
		t.Errorf("expected grad summaries at [2 4 6], got %v", steps)
	}
	if st := f.tracker.grads[2]; len(st) != 1 || st[0].Name != "w" || st[0].GradNorm == 0 {
		t.Errorf("unexpected grad summary %+v", st)
	}
}

func TestTrainerCheckpointsAndEval(t *testing.T) {
	f := newTrainerFixture(2, 2)
	var saved []string
	var infos []CheckpointInfo
	f.deps.SaveCheckpoint = func(path string, info CheckpointInfo) error {
		saved = append(saved, path)
		infos = append(infos, info)
		return nil
	}
	f.deps.Config.CheckpointDir = "ckpt"
	f.deps.Config.EvalEveryEpoch = true
	f.deps.EvalLoader = &countingLoader{n: 3}

	summary, err := f.trainer(t).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if fmt.Sprint(saved) != "[ckpt/dvae_epoch_000.ckpt ckpt/dvae_epoch_001.ckpt]" {
		t.Errorf("unexpected checkpoint paths %v", saved)
	}
	if infos[1].Epoch != 1 || infos[1].Step != 4 {
		t.Errorf("unexpected checkpoint info %+v", infos[1])
	}

	if len(f.tracker.evals) != 2 {
		t.Fatalf("expected 2 eval records, got %d", len(f.tracker.evals))
	}
	ev := f.tracker.evals[0]
	if ev.Batches != 3 || ev.Loss != 0.5 || ev.ReconLoss != 0.375 {
		t.Errorf("unexpected eval record %+v", ev)
	}
	if ev.CodesUsed < 2 {
		t.Errorf("expected at least 2 distinct codes, got %d", ev.CodesUsed)
	}
	if summary.LastEval == nil || summary.LastEval.Epoch != 1 {
		t.Errorf("summary missing last eval: %+v", summary.LastEval)
	}

	// eval switches to evaluation mode and back
	modes := fmt.Sprint(f.model.modes)
	if !strings.Contains(modes, "false true") {
		t.Errorf("expected eval to toggle training mode, got %s", modes)
	}
	// optimizer only ran on train batches
	if len(f.opt.lrs) != 4 {
		t.Errorf("expected 4 optimizer steps, got %d", len(f.opt.lrs))
	}
}

func TestTrainerScheduler(t *testing.T) {
	f := newTrainerFixture(4, 1)
	f.deps.LearningRate = 0
	f.deps.Scheduler = NewLRScheduler(1, 0, 4, 0)

	if _, err := f.trainer(t).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(f.opt.lrs) != "[0.25 0.5 0.75 1]" {
		t.Errorf("unexpected learning rates %v", f.opt.lrs)
	}
}

func TestNewTrainerValidates(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TrainerDeps)
	}{
		{"no model", func(d *TrainerDeps) { d.Model = nil }},
		{"no optimizer", func(d *TrainerDeps) { d.Optimizer = nil }},
		{"no formatter", func(d *TrainerDeps) { d.Formatter = nil }},
		{"no loader", func(d *TrainerDeps) { d.TrainLoader = nil }},
		{"no tracker", func(d *TrainerDeps) { d.Tracker = nil }},
		{"no device", func(d *TrainerDeps) { d.Device = nil }},
		{"no learning rate", func(d *TrainerDeps) { d.LearningRate = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTrainerFixture(1, 1)
			tt.mutate(&f.deps)
			if _, err := NewTrainer(f.deps); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

// TestTrainerWithDVAE runs a few real steps on the tiny model end to end.
func TestTrainerWithDVAE(t *testing.T) {
	model := newTinyDVAE(t, NewBufferPool())
	params := model.Parameters()
	before := params[0].Clone()

	opt, err := NewOptimizer(DefaultOptimizerConfig(), params)
	if err != nil {
		t.Fatal(err)
	}
	tracker := &recordingTracker{}
	device := &taggingDevice{}

	tr, err := NewTrainer(TrainerDeps{
		Model:        model,
		Optimizer:    opt,
		LearningRate: 1e-3,
		Formatter:    NewBatchFormatter(device, &stubSpec{frames: 18, channels: 4}, quietLogger()),
		TrainLoader:  &countingLoader{n: 3},
		Tracker:      tracker,
		Device:       device,
		Logger:       quietLogger(),
		Config:       TrainerConfig{Epochs: 2, GradClipNorm: 0.5},
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := tr.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(tracker.steps) != 6 {
		t.Fatalf("expected 6 records, got %d", len(tracker.steps))
	}
	for i, rec := range tracker.steps {
		if math.IsNaN(rec.Loss) || math.IsInf(rec.Loss, 0) || rec.Loss <= 0 {
			t.Errorf("record %d: bad loss %f", i, rec.Loss)
		}
		if math.Abs(rec.Loss-(rec.ReconLoss+rec.CommitLoss)) > 1e-12 {
			t.Errorf("record %d: loss is not recon + commit", i)
		}
	}
	if tensorsEqual(before, params[0], 0) {
		t.Error("parameters did not move")
	}
}
