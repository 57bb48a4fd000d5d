package main

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func historyRecords() []StepRecord {
	return []StepRecord{
		{Epoch: 0, CurStep: 0, Loss: 2, ReconLoss: 1.5, CommitLoss: 0.5},
		{Epoch: 0, CurStep: 1, Loss: 1, ReconLoss: 0.75, CommitLoss: 0.25},
		{Epoch: 1, CurStep: 0, Loss: math.NaN(), ReconLoss: 0, CommitLoss: 0},
		{Epoch: 1, CurStep: 1, Loss: 1.5, ReconLoss: 1, CommitLoss: 0.5},
	}
}

func TestLossHistorySummary(t *testing.T) {
	h := NewLossHistory("run-1", historyRecords())

	if len(h.Steps) != 4 || h.Steps[0] != 1 || h.Steps[3] != 4 {
		t.Errorf("steps should number records from 1, got %v", h.Steps)
	}

	s := h.Summary()
	if s.Steps != 4 || s.Epochs != 2 {
		t.Errorf("expected 4 steps over 2 epochs, got %+v", s)
	}
	if s.FinalLoss != 1.5 || s.MinLoss != 1 || s.MinStep != 2 {
		t.Errorf("unexpected final/min: %+v", s)
	}
	if s.MeanLoss != 1.5 {
		t.Errorf("mean should skip NaN: expected 1.5, got %f", s.MeanLoss)
	}

	if empty := NewLossHistory("x", nil).Summary(); empty.Steps != 0 {
		t.Errorf("empty history: %+v", empty)
	}
}

func TestLossHistoryWriteHTML(t *testing.T) {
	var buf bytes.Buffer
	if err := NewLossHistory("run-1", historyRecords()).WriteHTML(&buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{
		"<title>dvaetune run run-1</title>",
		"const steps = [1,2,3,4];",
		"loss: [2,1,null,1.5]",
		"commit: [0.5,0.25,0,0.5]",
		"100% !important",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q", want)
		}
	}
	if strings.Contains(out, "%!") {
		t.Error("report has a formatting error")
	}

	if err := NewLossHistory("empty", nil).WriteHTML(&buf); err == nil {
		t.Error("expected error for a run without records")
	}
}

func TestLossHistoryWriteHTMLEscapesRunID(t *testing.T) {
	var buf bytes.Buffer
	id := `<script>alert("x")</script>`
	if err := NewLossHistory(id, historyRecords()).WriteHTML(&buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if strings.Contains(out, "<script>alert") {
		t.Error("run ID written unescaped")
	}
	escaped := "&lt;script&gt;alert(&#34;x&#34;)&lt;/script&gt;"
	if n := strings.Count(out, escaped); n != 2 {
		t.Errorf("expected the escaped run ID in title and subtitle, found %d", n)
	}
}

func TestFormatJSArrayFloat(t *testing.T) {
	got := formatJSArrayFloat([]float64{0.125, math.Inf(1), math.Inf(-1), math.NaN()})
	if want := "[0.125,1e308,-1e308,null]"; got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
	if got := formatJSArray(nil); got != "[]" {
		t.Errorf("expected [], got %s", got)
	}
}

// seedTrackerDB writes two runs: an older finished one with three steps and
// a newer one with one step that never closed.
func seedTrackerDB(t *testing.T) (path, older, newer string) {
	t.Helper()
	ctx := context.Background()
	path = filepath.Join(t.TempDir(), "runs.db")

	tr, err := OpenSQLiteTracker(path)
	if err != nil {
		t.Fatal(err)
	}
	run := NewRunInfo("train_dvae", nil)
	run.Started = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := tr.Init(ctx, run); err != nil {
		t.Fatal(err)
	}
	if err := tr.Watch(ctx, []NamedTensor{{"codebook.embed", NewTensor(4, 2)}}); err != nil {
		t.Fatal(err)
	}
	for i, rec := range historyRecords()[:3] {
		rec.Loss = float64(3 - i)
		if err := tr.Log(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}

	tr2, err := OpenSQLiteTracker(path)
	if err != nil {
		t.Fatal(err)
	}
	run2 := NewRunInfo("other", nil)
	run2.Started = time.Date(2026, 1, 2, 3, 4, 5, 500, time.UTC)
	if err := tr2.Init(ctx, run2); err != nil {
		t.Fatal(err)
	}
	if err := tr2.Log(ctx, StepRecord{Loss: 9}); err != nil {
		t.Fatal(err)
	}
	// leave run2 open: close the handle without finishing the run
	if err := tr2.db.Close(); err != nil {
		t.Fatal(err)
	}
	return path, run.ID, run2.ID
}

func TestSQLiteTrackerRuns(t *testing.T) {
	path, older, newer := seedTrackerDB(t)
	db, err := OpenSQLiteTracker(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.db.Close()

	var runs []RunRow
	runs, err = db.Runs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != newer || runs[1].ID != older {
		t.Errorf("runs not newest first: %+v", runs)
	}
	if runs[0].Steps != 1 || runs[1].Steps != 3 {
		t.Errorf("unexpected step counts %d, %d", runs[0].Steps, runs[1].Steps)
	}
	if runs[0].Finished != "" || runs[1].Finished == "" {
		t.Errorf("finished stamps wrong: %+v", runs)
	}
}

func runHistory(t *testing.T, args ...string) string {
	t.Helper()
	clearDVAEEnv(t)
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs(append([]string{"history"}, args...))
	if err := cmd.Execute(); err != nil {
		t.Fatalf("history %v: %v", args, err)
	}
	return out.String()
}

func TestHistoryCommand(t *testing.T) {
	path, older, newer := seedTrackerDB(t)

	list := runHistory(t, "--tracker-db", path)
	if !strings.Contains(list, older) || !strings.Contains(list, newer) || !strings.Contains(list, "PROJECT") {
		t.Errorf("run list incomplete:\n%s", list)
	}

	report := filepath.Join(t.TempDir(), "run.html")
	out := runHistory(t, "--tracker-db", path, "--run", older, "--html", report)
	for _, want := range []string{older, "3 over 2 epochs", "final 1.0000", "1 parameters"} {
		if !strings.Contains(out, want) {
			t.Errorf("report output missing %q:\n%s", want, out)
		}
	}
	data, err := os.ReadFile(report)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "const steps = [1,2,3];") {
		t.Error("html report does not hold the run's steps")
	}

	// no --run picks the newest
	if out := runHistory(t, "--tracker-db", path, "--html", filepath.Join(t.TempDir(), "n.html")); !strings.Contains(out, newer) {
		t.Errorf("expected newest run %s:\n%s", newer, out)
	}
}

func TestHistoryCommandMissingDB(t *testing.T) {
	clearDVAEEnv(t)
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"history"})
	if err := cmd.Execute(); err == nil {
		t.Error("expected error without a tracker database")
	}

	cmd = newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"history", "--tracker-db", filepath.Join(t.TempDir(), "absent.db")})
	if err := cmd.Execute(); err == nil {
		t.Error("expected error for a missing database file")
	}
}
