package main

import (
	"math"
	"os"

	"github.com/go-audio/wav"
	"github.com/pkg/errors"
)

// Waveform is mono PCM audio in [-1, 1].
type Waveform struct {
	Samples    []float64
	SampleRate int
}

// Duration returns the length in seconds.
func (w Waveform) Duration() float64 {
	if w.SampleRate == 0 {
		return 0
	}
	return float64(len(w.Samples)) / float64(w.SampleRate)
}

// LoadWAV decodes a PCM WAV file, down-mixes it to mono, resamples it to
// sampleRate and clips it to [-1, 1]. sampleRate <= 0 keeps the file's rate.
func LoadWAV(path string, sampleRate int) (Waveform, error) {
	f, err := os.Open(path)
	if err != nil {
		return Waveform{}, errors.Wrap(err, "open wav")
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return Waveform{}, errors.Errorf("%s: not a valid WAV file", path)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Waveform{}, errors.Wrapf(err, "decode %s", path)
	}
	if buf.Format == nil || buf.Format.NumChannels <= 0 {
		return Waveform{}, errors.Errorf("%s: missing PCM format", path)
	}

	bitDepth := buf.SourceBitDepth
	if bitDepth <= 0 {
		bitDepth = int(dec.BitDepth)
	}
	if bitDepth <= 0 {
		bitDepth = 16
	}
	// 8-bit WAV is unsigned, everything else signed.
	offset := 0.0
	scale := math.Pow(2, float64(bitDepth-1))
	if bitDepth == 8 {
		offset = 128
		scale = 128
	}

	channels := buf.Format.NumChannels
	frames := len(buf.Data) / channels
	mono := make([]float64, frames)
	for i := 0; i < frames; i++ {
		sum := 0.0
		for c := 0; c < channels; c++ {
			sum += (float64(buf.Data[i*channels+c]) - offset) / scale
		}
		mono[i] = sum / float64(channels)
	}

	w := Waveform{Samples: mono, SampleRate: buf.Format.SampleRate}
	if sampleRate > 0 && sampleRate != w.SampleRate {
		w = Resample(w, sampleRate)
	}
	clip(w.Samples)

	return w, nil
}

// Resample converts w to the target rate with linear interpolation.
func Resample(w Waveform, target int) Waveform {
	if target <= 0 || w.SampleRate <= 0 || target == w.SampleRate || len(w.Samples) == 0 {
		return Waveform{Samples: w.Samples, SampleRate: w.SampleRate}
	}

	ratio := float64(w.SampleRate) / float64(target)
	n := int(math.Floor(float64(len(w.Samples)) / ratio))
	if n < 1 {
		n = 1
	}

	out := make([]float64, n)
	last := len(w.Samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= last {
			out[i] = w.Samples[last]
			continue
		}
		frac := pos - float64(j)
		out[i] = w.Samples[j]*(1-frac) + w.Samples[j+1]*frac
	}

	return Waveform{Samples: out, SampleRate: target}
}

func clip(samples []float64) {
	for i, s := range samples {
		if s > 1 {
			samples[i] = 1
		} else if s < -1 {
			samples[i] = -1
		}
	}
}
