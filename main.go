package main

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error("dvaetune failed", "err", err)
		os.Exit(1)
	}
}

// rootOptions are the flags shared by every command.
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "dvaetune",
		Short: "Fine-tune the XTTS DVAE mel tokenizer",
		Long: `
dvaetune fine-tunes the discrete VAE that turns mel-spectrograms into audio
tokens for the XTTS text-to-speech model.

Settings come from built-in defaults, an optional YAML file (--config),
DVAE_* environment variables, and flags, in that order.
	`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format (text, json, logfmt)")

	cmd.AddCommand(newTrainCmd(opts))
	cmd.AddCommand(newStatsCmd(opts))
	cmd.AddCommand(newInfoCmd(opts))
	cmd.AddCommand(newHistoryCmd(opts))
	cmd.AddCommand(newTokenizeCmd(opts))
	return cmd
}

// load resolves the config file and environment, then the shared flags.
func (o *rootOptions) load() (Config, error) {
	cfg, err := LoadConfig(o.configPath)
	if err != nil {
		return cfg, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	return cfg, nil
}

// dataFlags are the dataset flags of the train, stats and info commands.
type dataFlags struct {
	dataset  string
	metaFile string
	workers  int
}

func (d *dataFlags) register(fs *pflag.FlagSet) {
	def := DefaultConfig()
	fs.StringVar(&d.dataset, "dataset", def.Datasets[0].Path, "LJSpeech-style dataset root")
	fs.StringVar(&d.metaFile, "meta-file", def.Datasets[0].MetaFileTrain, "metadata file, relative to the dataset root")
	fs.IntVar(&d.workers, "workers", def.TrainLoader.NumWorkers, "data loader workers (0 = load inline)")
}

func (d *dataFlags) apply(fs *pflag.FlagSet, cfg *Config) {
	if len(cfg.Datasets) == 0 {
		cfg.Datasets = DefaultConfig().Datasets
	}
	if fs.Changed("dataset") {
		cfg.Datasets[0].Path = d.dataset
	}
	if fs.Changed("meta-file") {
		cfg.Datasets[0].MetaFileTrain = d.metaFile
	}
	if fs.Changed("workers") {
		cfg.TrainLoader.NumWorkers = d.workers
	}
}
