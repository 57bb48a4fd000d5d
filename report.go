package main

/*
WHAT'S GOING ON HERE?

Training history reports, built from the step records a SQLiteTracker
stored. A report is one self-contained HTML file: summary cards plus line
charts of the total, reconstruction and commitment losses, drawn on a
canvas by a few lines of inline JavaScript. Open it in any browser, no
server needed.

The x axis is the position of the record in the run (records are stored
in logging order), since cur_step restarts every epoch.
*/

import (
	"fmt"
	"html"
	"io"
	"math"
	"strings"

	"github.com/pkg/errors"
)

// LossHistory is the loss series of one run.
type LossHistory struct {
	RunID  string
	Steps  []int
	Epochs []int
	Loss   []float64
	Recon  []float64
	Commit []float64
}

// NewLossHistory flattens step records into parallel series.
func NewLossHistory(runID string, recs []StepRecord) *LossHistory {
	h := &LossHistory{RunID: runID}
	for i, r := range recs {
		h.Steps = append(h.Steps, i+1)
		h.Epochs = append(h.Epochs, r.Epoch)
		h.Loss = append(h.Loss, r.Loss)
		h.Recon = append(h.Recon, r.ReconLoss)
		h.Commit = append(h.Commit, r.CommitLoss)
	}
	return h
}

// HistorySummary holds the figures shown on the report cards.
type HistorySummary struct {
	Steps     int
	Epochs    int
	FinalLoss float64
	MinLoss   float64
	MinStep   int
	MeanLoss  float64
}

// Summary reduces the loss series. NaN losses are skipped for min and mean.
func (h *LossHistory) Summary() HistorySummary {
	s := HistorySummary{Steps: len(h.Steps), MinLoss: math.Inf(1)}
	if s.Steps == 0 {
		return s
	}
	s.FinalLoss = h.Loss[len(h.Loss)-1]
	s.Epochs = h.Epochs[len(h.Epochs)-1] + 1

	finite := 0
	for i, l := range h.Loss {
		if math.IsNaN(l) || math.IsInf(l, 0) {
			continue
		}
		finite++
		s.MeanLoss += l
		if l < s.MinLoss {
			s.MinLoss, s.MinStep = l, h.Steps[i]
		}
	}
	if finite > 0 {
		s.MeanLoss /= float64(finite)
	}
	return s
}

// WriteHTML renders the report to w.
func (h *LossHistory) WriteHTML(w io.Writer) error {
	if len(h.Steps) == 0 {
		return errors.Errorf("run %s: no train records", h.RunID)
	}
	s := h.Summary()

	_, err := fmt.Fprintf(w, reportTemplate,
		html.EscapeString(h.RunID), html.EscapeString(h.RunID),
		s.Steps, s.Epochs, s.FinalLoss, s.MinLoss, s.MinStep, s.MeanLoss,
		formatJSArray(h.Steps),
		formatJSArrayFloat(h.Loss),
		formatJSArrayFloat(h.Recon),
		formatJSArrayFloat(h.Commit))
	return errors.Wrap(err, "write report")
}

// formatJSArray formats an int slice as a JavaScript array literal.
func formatJSArray(arr []int) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range arr {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%d", v)
	}
	sb.WriteByte(']')
	return sb.String()
}

// formatJSArrayFloat formats a float64 slice as a JavaScript array literal.
// NaN becomes null so the chart leaves a gap; infinities are clamped.
func formatJSArrayFloat(arr []float64) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range arr {
		if i > 0 {
			sb.WriteByte(',')
		}
		switch {
		case math.IsNaN(v):
			sb.WriteString("null")
		case math.IsInf(v, 1):
			sb.WriteString("1e308")
		case math.IsInf(v, -1):
			sb.WriteString("-1e308")
		default:
			fmt.Fprintf(&sb, "%.6g", v)
		}
	}
	sb.WriteByte(']')
	return sb.String()
}

const reportTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<title>dvaetune run %s</title>
<style>
body { font-family: -apple-system, 'Segoe UI', sans-serif; background: #0d1117; color: #c9d1d9; padding: 20px; }
.container { max-width: 1200px; margin: 0 auto; }
h1 { font-size: 24px; color: #58a6ff; }
.subtitle { color: #8b949e; font-size: 13px; margin-bottom: 24px; }
.stats { display: grid; grid-template-columns: repeat(auto-fit, minmax(170px, 1fr)); gap: 12px; margin-bottom: 24px; }
.card { background: #161b22; border: 1px solid #30363d; border-radius: 6px; padding: 12px; }
.label { font-size: 11px; color: #8b949e; text-transform: uppercase; }
.value { font-size: 22px; font-weight: 600; color: #58a6ff; }
.chart { background: #161b22; border: 1px solid #30363d; border-radius: 6px; padding: 16px; margin-bottom: 16px; }
canvas { width: 100%% !important; height: 280px !important; }
</style>
</head>
<body>
<div class="container">
<h1>DVAE fine-tuning</h1>
<div class="subtitle">run %s</div>
<div class="stats">
<div class="card"><div class="label">Steps</div><div class="value">%d</div></div>
<div class="card"><div class="label">Epochs</div><div class="value">%d</div></div>
<div class="card"><div class="label">Final loss</div><div class="value">%.4f</div></div>
<div class="card"><div class="label">Min loss</div><div class="value">%.4f @ %d</div></div>
<div class="card"><div class="label">Mean loss</div><div class="value">%.4f</div></div>
</div>
<div class="chart"><div>Loss</div><canvas id="loss"></canvas></div>
<div class="chart"><div>Reconstruction loss</div><canvas id="recon"></canvas></div>
<div class="chart"><div>Commitment loss</div><canvas id="commit"></canvas></div>
</div>
<script>
const steps = %s;
const series = {loss: %s, recon: %s, commit: %s};
const colors = {loss: '#58a6ff', recon: '#56d364', commit: '#d29922'};

function draw(id) {
  const data = series[id];
  const canvas = document.getElementById(id);
  const ctx = canvas.getContext('2d');
  const dpr = window.devicePixelRatio || 1;
  const rect = canvas.getBoundingClientRect();
  canvas.width = rect.width * dpr;
  canvas.height = rect.height * dpr;
  ctx.scale(dpr, dpr);

  const pad = 50, w = rect.width, h = rect.height;
  const vals = data.filter(v => v !== null);
  const lo = Math.min(...vals), hi = Math.max(...vals);
  const range = (hi - lo) || 1;
  const s0 = steps[0], sRange = (steps[steps.length - 1] - s0) || 1;

  ctx.strokeStyle = '#30363d';
  ctx.beginPath();
  ctx.moveTo(pad, pad); ctx.lineTo(pad, h - pad); ctx.lineTo(w - pad, h - pad);
  ctx.stroke();

  ctx.fillStyle = '#8b949e';
  ctx.font = '11px monospace';
  ctx.textAlign = 'right';
  for (let i = 0; i <= 4; i++) {
    const y = pad + (h - 2 * pad) * i / 4;
    ctx.fillText((hi - range * i / 4).toFixed(4), pad - 6, y + 4);
  }

  ctx.strokeStyle = colors[id];
  ctx.lineWidth = 2;
  ctx.beginPath();
  let pen = false;
  for (let i = 0; i < data.length; i++) {
    if (data[i] === null) { pen = false; continue; }
    const x = pad + (w - 2 * pad) * (steps[i] - s0) / sRange;
    const y = h - pad - (h - 2 * pad) * (data[i] - lo) / range;
    if (pen) { ctx.lineTo(x, y); } else { ctx.moveTo(x, y); pen = true; }
  }
  ctx.stroke();
}

function drawAll() { Object.keys(series).forEach(draw); }
window.onload = drawAll;
window.onresize = drawAll;
</script>
</body>
</html>
`
