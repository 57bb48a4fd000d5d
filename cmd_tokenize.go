package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// newTokenizeCmd runs WAV files through the DVAE encoder and codebook and
// prints one JSON line of codes per file.
func newTokenizeCmd(root *rootOptions) *cobra.Command {
	var (
		checkpoint string
		melNorms   string
		out        string
	)
	cmd := &cobra.Command{
		Use:   "tokenize [flags] file.wav...",
		Short: "Turn WAV files into DVAE code sequences",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			fs := cmd.Flags()
			if fs.Changed("checkpoint") {
				cfg.Checkpoint = checkpoint
			}
			if fs.Changed("mel-norms") {
				cfg.MelNormFile = melNorms
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger, err := NewLogger(cfg.Log, os.Stderr)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return errors.Wrap(err, "create output")
				}
				defer f.Close()
				w = f
			}
			return tokenizeFiles(w, cfg, args, logger)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&checkpoint, "checkpoint", "", "DVAE checkpoint (default: checkpoint from the config)")
	fs.StringVar(&melNorms, "mel-norms", "", "mel normalization file (default: mel_norm_file from the config)")
	fs.StringVarP(&out, "out", "o", "", "write JSON lines here instead of stdout")
	return cmd
}

// tokenizedFile is one output line.
type tokenizedFile struct {
	File    string  `json:"file"`
	Seconds float64 `json:"seconds"`
	Frames  int     `json:"mel_frames"`
	Codes   []int   `json:"codes"`
}

func tokenizeFiles(w io.Writer, cfg Config, paths []string, logger *log.Logger) error {
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
	model, err := loadModel(cfg, compute, pool, logger)
	if err != nil {
		return err
	}
	formatter := NewBatchFormatter(device, mel, logger)

	enc := json.NewEncoder(w)
	for _, path := range paths {
		wav, err := LoadWAV(path, cfg.Mel.SampleRate)
		if err != nil {
			return errors.Wrap(err, path)
		}

		batch, err := formatter.Format(Batch{
			FieldWav: NewTensorFrom(wav.Samples, 1, 1, len(wav.Samples)),
		})
		if err != nil {
			return errors.Wrap(err, path)
		}
		m := batch[FieldMel]
		if m == nil {
			return errors.Wrap(ErrMissingMel, path)
		}

		codes, err := model.Tokenize(m)
		if err != nil {
			return errors.Wrap(err, path)
		}
		if err := enc.Encode(tokenizedFile{
			File:    path,
			Seconds: wav.Duration(),
			Frames:  m.shape[2],
			Codes:   codes[0],
		}); err != nil {
			return errors.Wrap(err, "write codes")
		}
		logger.Debug("tokenized", "file", path, "codes", len(codes[0]))
	}
	return nil
}
