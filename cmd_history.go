package main

import (
	"context"
	"io"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// newHistoryCmd lists the runs recorded in a tracker database, or reports
// one run and optionally renders its loss curves to HTML.
func newHistoryCmd(root *rootOptions) *cobra.Command {
	var (
		dbPath string
		runID  string
		html   string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List tracked runs or report one run's losses",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if dbPath != "" {
				cfg.TrackerDB = dbPath
			}
			if cfg.TrackerDB == "" {
				return errors.New("history: no tracker database (set --tracker-db or tracker_db)")
			}
			if _, err := os.Stat(cfg.TrackerDB); err != nil {
				return errors.Wrap(err, "history")
			}

			db, err := OpenSQLiteTracker(cfg.TrackerDB)
			if err != nil {
				return err
			}
			defer db.Close()

			w := cmd.OutOrStdout()
			if runID == "" && html == "" {
				return printRuns(cmd.Context(), w, db)
			}
			return reportRun(cmd.Context(), w, db, runID, html)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&dbPath, "tracker-db", "", "SQLite tracker file (default: tracker_db from the config)")
	fs.StringVar(&runID, "run", "", "run ID to report (default: the newest run)")
	fs.StringVar(&html, "html", "", "write the loss report of the run to this HTML file")
	return cmd
}

var (
	historyHeader = lipgloss.NewStyle().Bold(true)
	historyOpen   = lipgloss.NewStyle().Faint(true)
)

func printRuns(ctx context.Context, w io.Writer, db *SQLiteTracker) error {
	runs, err := db.Runs(ctx)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		_, err := io.WriteString(w, "no runs recorded\n")
		return err
	}

	col := func(s string, width int) string {
		return lipgloss.NewStyle().Width(width).Render(s)
	}
	rows := []string{historyHeader.Render(lipgloss.JoinHorizontal(lipgloss.Top,
		col("RUN", 38), col("PROJECT", 16), col("STARTED", 32), col("STEPS", 8)))}
	for _, r := range runs {
		line := lipgloss.JoinHorizontal(lipgloss.Top,
			col(r.ID, 38), col(r.Project, 16), col(r.Started, 32), col(strconv.Itoa(r.Steps), 8))
		if r.Finished == "" {
			line = historyOpen.Render(line)
		}
		rows = append(rows, line)
	}
	_, err = io.WriteString(w, lipgloss.JoinVertical(lipgloss.Left, rows...)+"\n")
	return err
}

func reportRun(ctx context.Context, w io.Writer, db *SQLiteTracker, runID, htmlPath string) error {
	if runID == "" {
		runs, err := db.Runs(ctx)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			return errors.New("history: database has no runs")
		}
		runID = runs[0].ID
	}

	recs, err := db.StepRecords(ctx, runID)
	if err != nil {
		return err
	}
	params, err := db.WatchedParams(ctx, runID)
	if err != nil {
		return err
	}

	hist := NewLossHistory(runID, recs)
	s := hist.Summary()
	infoLine(w, "run", "%s", runID)
	infoLine(w, "steps", "%d over %d epochs", s.Steps, s.Epochs)
	if s.Steps > 0 {
		infoLine(w, "loss", "final %.4f, min %.4f at %d, mean %.4f", s.FinalLoss, s.MinLoss, s.MinStep, s.MeanLoss)
	}
	infoLine(w, "watched", "%d parameters", len(params))

	if htmlPath == "" {
		return nil
	}
	f, err := os.Create(htmlPath)
	if err != nil {
		return errors.Wrap(err, "create report")
	}
	if err := hist.WriteHTML(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close report")
	}
	infoLine(w, "report", "%s", htmlPath)
	return nil
}
