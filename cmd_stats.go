package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// newStatsCmd computes the per-channel mel norms the mel transform divides
// by, over every sample of the configured datasets.
func newStatsCmd(root *rootOptions) *cobra.Command {
	var (
		data  dataFlags
		out   string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Compute the mel normalization file from a dataset",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			data.apply(cmd.Flags(), &cfg)

			logger, err := NewLogger(cfg.Log, os.Stderr)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			norms, frames, err := computeMelNorms(ctx, cfg, limit)
			if err != nil {
				return err
			}
			if err := SaveMelNorms(out, norms, frames); err != nil {
				return err
			}
			logger.Info("mel norms written", "path", out, "frames", frames, "channels", len(norms))
			return nil
		},
	}

	fs := cmd.Flags()
	data.register(fs)
	fs.StringVarP(&out, "out", "o", "mel_stats.json", "output file")
	fs.IntVar(&limit, "limit", 0, "use at most this many samples (0 = all)")
	return cmd
}

// computeMelNorms runs un-normalized mels of every sample through MelStats.
// Samples are loaded one per batch so no padding enters the statistics.
func computeMelNorms(ctx context.Context, cfg Config, limit int) ([]float64, int64, error) {
	split := cfg.Split
	split.EvalSplit = false
	samples, _, err := LoadSamples(cfg.Datasets, split)
	if err != nil {
		return nil, 0, errors.Wrap(err, "load samples")
	}
	if limit > 0 && limit < len(samples) {
		samples = samples[:limit]
	}

	mel, err := NewMelTransform(cfg.Mel, nil, cfg.Compute())
	if err != nil {
		return nil, 0, errors.Wrap(err, "mel transform")
	}

	ds := NewDVAEDataset(samples, cfg.Mel.SampleRate, true, 0, cfg.Seed)
	loader, err := NewDataLoader(ds, LoaderConfig{BatchSize: 1, NumWorkers: cfg.TrainLoader.NumWorkers})
	if err != nil {
		return nil, 0, err
	}

	p := mpb.New(mpb.WithWidth(64), mpb.WithOutput(os.Stderr))
	bar := p.AddBar(int64(len(samples)),
		mpb.PrependDecorators(
			decor.Name("mel stats: "),
			decor.CountersNoUnit("%d / %d"),
		),
		mpb.AppendDecorators(
			decor.Percentage(),
			decor.EwmaETA(decor.ET_STYLE_GO, 60),
		),
	)

	stats := NewMelStats(cfg.Mel.NumMels)
	for batch, err := range loader.All(ctx) {
		if err == nil {
			var m *Tensor
			if m, err = mel.Spectrogram(batch[FieldWav]); err == nil {
				err = stats.Add(m)
			}
		}
		if err != nil {
			bar.Abort(false)
			p.Wait()
			return nil, 0, err
		}
		bar.Increment()
	}
	p.Wait()

	norms, err := stats.Norms()
	return norms, stats.Frames(), err
}
