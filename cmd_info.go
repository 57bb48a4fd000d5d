package main

import (
	"fmt"
	"io"
	"math/rand"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

// newInfoCmd reports the compute environment, the model size and the
// dataset split the current configuration would train on.
func newInfoCmd(root *rootOptions) *cobra.Command {
	var data dataFlags
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show device, CPU features, model size and dataset split",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			data.apply(cmd.Flags(), &cfg)
			return printInfo(cmd.OutOrStdout(), cfg)
		},
	}
	data.register(cmd.Flags())
	return cmd
}

var infoLabel = lipgloss.NewStyle().Bold(true).Width(9)

func infoLine(w io.Writer, label, format string, args ...any) {
	fmt.Fprintln(w, infoLabel.Render(label+":")+fmt.Sprintf(format, args...))
}

func printInfo(w io.Writer, cfg Config) error {
	logger, err := NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}

	infoLine(w, "host", "%s", DetectHost())

	gpus, err := DetectCUDA()
	switch {
	case err != nil:
		infoLine(w, "cuda", "%v", err)
	case len(gpus) == 0:
		infoLine(w, "cuda", "no devices")
	default:
		for _, g := range gpus {
			infoLine(w, "cuda", "[%d] %s, %d MiB, compute %s",
				g.Index, g.Name, g.TotalMem>>20, g.ComputeCapability)
		}
	}

	device, err := SelectDevice(cfg.Device, NewBufferPool(), logger)
	if err != nil {
		return err
	}
	infoLine(w, "device", "%s (accelerator=%t)", device.Name(), device.IsAccelerator())

	model, err := NewDVAE(cfg.Model, cfg.Compute(), nil, rand.New(rand.NewSource(cfg.Seed)))
	if err != nil {
		return err
	}
	params := 0
	for _, p := range model.Parameters() {
		params += p.Size()
	}
	infoLine(w, "model", "%d parameters, %d codes of dim %d",
		params, model.codebook.NumTokens(), cfg.Model.CodebookDim)

	train, eval, err := LoadSamples(cfg.Datasets, cfg.Split)
	if err != nil {
		infoLine(w, "dataset", "unavailable (%v)", err)
		return nil
	}
	infoLine(w, "dataset", "%d train / %d eval samples", len(train), len(eval))
	return nil
}
