package main

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds everything a fine-tuning run needs.
//
// Values come from DefaultConfig, then an optional YAML file, then DVAE_*
// environment variables, then command-line flags.
type Config struct {
	Project string `yaml:"project"`
	Device  string `yaml:"device"` // auto, cpu, cuda
	Seed    int64  `yaml:"seed"`

	// Model
	Checkpoint  string     `yaml:"checkpoint"` // pretrained DVAE; "" = random init
	StrictLoad  bool       `yaml:"strict_load"`
	Model       DVAEConfig `yaml:"model"`
	Mel         MelConfig  `yaml:"mel"`
	MelNormFile string     `yaml:"mel_norm_file"` // "" = no normalization

	// Data
	Datasets     []DatasetConfig `yaml:"datasets"`
	Split        SplitConfig     `yaml:"split"`
	MaxWavLength int             `yaml:"max_wav_length"` // samples; 0 = no crop
	TrainLoader  LoaderConfig    `yaml:"train_loader"`
	EvalLoader   LoaderConfig    `yaml:"eval_loader"`

	// Optimization
	Optimizer    OptimizerConfig `yaml:"optimizer"`
	GradClipNorm float64         `yaml:"grad_clip_norm"`
	Epochs       int             `yaml:"epochs"`
	MaxSteps     int             `yaml:"max_steps"`

	// Run
	ReleasePolicy  string `yaml:"release_policy"` // step, epoch, never
	EvalEveryEpoch bool   `yaml:"eval_every_epoch"`
	CheckpointDir  string `yaml:"checkpoint_dir"` // "" = no per-epoch checkpoints
	TrackerDB      string `yaml:"tracker_db"`     // SQLite file; "" = console only
	WatchFreq      int    `yaml:"watch_freq"`

	// Hardware
	Parallel bool `yaml:"parallel"`
	Threads  int  `yaml:"threads"` // 0 = all CPUs

	Log LogConfig `yaml:"log"`
}

// DefaultConfig returns the settings the pretrained XTTS DVAE was
// fine-tuned with.
func DefaultConfig() Config {
	return Config{
		Project: "train_dvae",
		Device:  "auto",
		Seed:    1,

		Model:      DefaultDVAEConfig(),
		Mel:        DefaultMelConfig(),
		StrictLoad: false,

		Datasets: []DatasetConfig{{
			Formatter:     "ljspeech",
			Name:          "ljspeech",
			Path:          "data/ljspeech",
			MetaFileTrain: "metadata_norm.txt",
			Language:      "en",
		}},
		Split: SplitConfig{
			EvalSplit:        true,
			EvalSplitMaxSize: 256,
			EvalSplitSize:    0.01,
			Seed:             1,
		},
		MaxWavLength: 255995,
		TrainLoader: LoaderConfig{
			BatchSize:  3,
			NumWorkers: 4,
		},
		EvalLoader: LoaderConfig{
			BatchSize:  3,
			NumWorkers: 0,
		},

		Optimizer:    DefaultOptimizerConfig(),
		GradClipNorm: 0.5,
		Epochs:       20,

		ReleasePolicy: string(ReleaseEveryStep),
		WatchFreq:     1000,

		Parallel: true,

		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig returns DefaultConfig overlaid with the YAML file at path (if
// path is non-empty) and the DVAE_* environment.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parse config %s", path)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides fields from DVAE_* variables. Unparseable values are
// ignored.
func (c *Config) applyEnv() {
	c.Project = envStr("DVAE_PROJECT", c.Project)
	c.Device = envStr("DVAE_DEVICE", c.Device)
	c.Seed = int64(envInt("DVAE_SEED", int(c.Seed)))
	c.Checkpoint = envStr("DVAE_CHECKPOINT", c.Checkpoint)
	c.MelNormFile = envStr("DVAE_MEL_NORM_FILE", c.MelNormFile)
	c.CheckpointDir = envStr("DVAE_CHECKPOINT_DIR", c.CheckpointDir)
	c.TrackerDB = envStr("DVAE_TRACKER_DB", c.TrackerDB)
	c.ReleasePolicy = envStr("DVAE_RELEASE_POLICY", c.ReleasePolicy)

	c.Optimizer.LearningRate = envFloat("DVAE_LR", c.Optimizer.LearningRate)
	c.GradClipNorm = envFloat("DVAE_GRAD_CLIP_NORM", c.GradClipNorm)
	c.Epochs = envInt("DVAE_EPOCHS", c.Epochs)
	c.MaxSteps = envInt("DVAE_MAX_STEPS", c.MaxSteps)
	c.TrainLoader.BatchSize = envInt("DVAE_BATCH_SIZE", c.TrainLoader.BatchSize)
	c.EvalLoader.BatchSize = envInt("DVAE_EVAL_BATCH_SIZE", c.EvalLoader.BatchSize)
	c.TrainLoader.NumWorkers = envInt("DVAE_NUM_WORKERS", c.TrainLoader.NumWorkers)
	c.Threads = envInt("DVAE_THREADS", c.Threads)

	if len(c.Datasets) > 0 {
		c.Datasets[0].Path = envStr("DVAE_DATASET_PATH", c.Datasets[0].Path)
		c.Datasets[0].MetaFileTrain = envStr("DVAE_META_FILE", c.Datasets[0].MetaFileTrain)
	}

	c.Log.Level = envStr("DVAE_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envStr("DVAE_LOG_FORMAT", c.Log.Format)
}

// Validate reports the first setting a run cannot start with.
func (c Config) Validate() error {
	if err := c.Model.Validate(); err != nil {
		return err
	}
	if c.Mel.NumMels != c.Model.Channels {
		return errors.Errorf("config: mel.n_mels (%d) must equal model.channels (%d)", c.Mel.NumMels, c.Model.Channels)
	}
	if c.Model.FrameMultiple() != melFrameMultiple {
		return errors.Errorf("config: model.num_layers must downsample by %d, got %d", melFrameMultiple, c.Model.FrameMultiple())
	}
	if len(c.Datasets) == 0 {
		return errors.New("config: at least one dataset is required")
	}
	for i, ds := range c.Datasets {
		if ds.Path == "" {
			return errors.Errorf("config: datasets[%d].path is empty", i)
		}
	}
	if c.Split.EvalSplit && c.Split.EvalSplitSize <= 0 {
		return errors.New("config: split.eval_split_size must be positive")
	}
	if c.TrainLoader.BatchSize <= 0 || c.EvalLoader.BatchSize <= 0 {
		return errors.New("config: loader batch sizes must be positive")
	}
	if c.TrainLoader.NumWorkers < 0 || c.EvalLoader.NumWorkers < 0 {
		return errors.New("config: loader workers must be >= 0")
	}
	if c.Optimizer.LearningRate <= 0 {
		return errors.Errorf("config: optimizer.lr must be positive, got %g", c.Optimizer.LearningRate)
	}
	if c.GradClipNorm < 0 {
		return errors.New("config: grad_clip_norm must be >= 0")
	}
	if c.Epochs <= 0 {
		return errors.Errorf("config: epochs must be positive, got %d", c.Epochs)
	}
	if c.MaxSteps < 0 || c.WatchFreq < 0 || c.MaxWavLength < 0 {
		return errors.New("config: max_steps, watch_freq and max_wav_length must be >= 0")
	}
	if _, err := ParseReleasePolicy(c.ReleasePolicy); err != nil {
		return errors.Wrap(err, "config")
	}
	if _, err := parseLogFormat(c.Log.Format); err != nil {
		return errors.Wrap(err, "config")
	}
	return nil
}

// Compute returns the parallelism settings for the numeric kernels.
func (c Config) Compute() ComputeConfig {
	if !c.Parallel {
		return SingleThreadedConfig()
	}
	cc := DefaultComputeConfig()
	cc.NumWorkers = c.Threads
	return cc
}

func envStr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return fallback
}
