package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
)

const tinyModelYAML = `
model:
  num_tokens: 16
  codebook_dim: 8
  hidden_dim: 8
  num_resnet_blocks: 1
log:
  level: error
`

func TestTokenizeCommand(t *testing.T) {
	clearDVAEEnv(t)
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "tiny.yaml")
	if err := os.WriteFile(cfgPath, []byte(tinyModelYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	// 0.5 s of 440 Hz at 22.05 kHz: 11025 samples, 44 mel frames, 11 codes
	data := make([]int, 11025)
	for i := range data {
		data[i] = int(12000 * math.Sin(2*math.Pi*440*float64(i)/22050))
	}
	a := filepath.Join(dir, "a.wav")
	b := filepath.Join(dir, "b.wav")
	writeTestWAV(t, a, data, 22050, 1)
	writeTestWAV(t, b, data[:4096], 22050, 1)

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"tokenize", "--config", cfgPath, a, b})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("tokenize: %v", err)
	}

	var lines []tokenizedFile
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var tf tokenizedFile
		if err := json.Unmarshal(sc.Bytes(), &tf); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		lines = append(lines, tf)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	first := lines[0]
	if first.File != a || first.Frames != 44 || len(first.Codes) != 11 {
		t.Errorf("unexpected first line: file %s, %d frames, %d codes", first.File, first.Frames, len(first.Codes))
	}
	if math.Abs(first.Seconds-0.5) > 1e-9 {
		t.Errorf("expected 0.5 s, got %f", first.Seconds)
	}
	for _, c := range first.Codes {
		if c < 0 || c >= 16 {
			t.Errorf("code %d outside the codebook", c)
		}
	}

	// 4096 samples: 17 frames, trimmed to 16, 4 codes
	if lines[1].Frames != 16 || len(lines[1].Codes) != 4 {
		t.Errorf("unexpected second line: %d frames, %d codes", lines[1].Frames, len(lines[1].Codes))
	}
}

func TestTokenizeCommandErrors(t *testing.T) {
	clearDVAEEnv(t)
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "tiny.yaml")
	if err := os.WriteFile(cfgPath, []byte(tinyModelYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		args []string
	}{
		{"no files", []string{"tokenize", "--config", cfgPath}},
		{"missing file", []string{"tokenize", "--config", cfgPath, filepath.Join(dir, "nope.wav")}},
		{"missing checkpoint", []string{"tokenize", "--config", cfgPath, "--checkpoint", filepath.Join(dir, "nope.ckpt"), filepath.Join(dir, "nope.wav")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newRootCmd()
			cmd.SetOut(&bytes.Buffer{})
			cmd.SetErr(&bytes.Buffer{})
			cmd.SetArgs(tt.args)
			if err := cmd.Execute(); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
