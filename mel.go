package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Log-mel spectrogram extraction for the DVAE input.
//
// PIPELINE (per utterance):
//
//   waveform (T samples)
//     → reflect-pad n_fft/2 on both sides ("centered" frames)
//     → frames of n_fft samples every hop samples, periodic Hann window
//     → real FFT (gonum dsp/fourier) → power spectrum |X|², n_fft/2+1 bins
//     → triangular mel filterbank (HTK mel scale, Slaney area normalization)
//     → log(max(mel, 1e-5))
//     → optional division by per-channel mel norms (mel_stats.go)
//
// FRAME COUNT:
//
// With centering, frames = 1 + T/hop (integer division). 44100 samples at
// hop 256 gives 173 frames. The DVAE downsamples time by 4, which is why the
// batch formatter trims this to a multiple of 4 afterwards.
//
// INPUT CONTRACT:
//
// Accepts (B, T) or (B, 1, T). Anything else (multi-channel audio, other
// ranks, fewer than two samples) yields ErrSpectrogramUnsupported so the
// caller can decide to skip instead of guessing.
//
// ===========================================================================

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/dsp/fourier"
)

// ErrSpectrogramUnsupported reports an input the transform does not handle.
var ErrSpectrogramUnsupported = errors.New("mel: unsupported input")

// Spectrogrammer computes a mel-spectrogram batch from a waveform batch.
type Spectrogrammer interface {
	Spectrogram(wav *Tensor) (*Tensor, error)
}

// MelConfig holds the STFT and filterbank parameters.
type MelConfig struct {
	SampleRate int     `yaml:"sample_rate"`
	NFFT       int     `yaml:"n_fft"`
	HopLength  int     `yaml:"hop_length"`
	WinLength  int     `yaml:"win_length"`
	NumMels    int     `yaml:"n_mels"`
	FMin       float64 `yaml:"f_min"`
	FMax       float64 `yaml:"f_max"`
}

// DefaultMelConfig returns the settings the pretrained DVAE was trained with.
func DefaultMelConfig() MelConfig {
	return MelConfig{
		SampleRate: 22050,
		NFFT:       1024,
		HopLength:  256,
		WinLength:  1024,
		NumMels:    80,
		FMin:       0,
		FMax:       8000,
	}
}

// FrameCount returns the number of centered frames for n samples.
func (c MelConfig) FrameCount(n int) int {
	return 1 + n/c.HopLength
}

// MelTransform is a Spectrogrammer over a fixed filterbank.
// Safe for concurrent use after construction.
type MelTransform struct {
	cfg     MelConfig
	window  []float64   // length NFFT, zero-padded when WinLength < NFFT
	fbank   [][]float64 // NumMels x (NFFT/2+1)
	norms   []float64   // nil = no normalization
	compute ComputeConfig
}

// NewMelTransform builds the window and filterbank. norms may be nil.
func NewMelTransform(cfg MelConfig, norms []float64, compute ComputeConfig) (*MelTransform, error) {
	if cfg.NFFT <= 0 || cfg.HopLength <= 0 || cfg.NumMels <= 0 || cfg.SampleRate <= 0 {
		return nil, errors.New("mel: n_fft, hop_length, n_mels and sample_rate must be positive")
	}
	if cfg.WinLength <= 0 || cfg.WinLength > cfg.NFFT {
		cfg.WinLength = cfg.NFFT
	}
	if cfg.FMax <= 0 || cfg.FMax > float64(cfg.SampleRate)/2 {
		cfg.FMax = float64(cfg.SampleRate) / 2
	}
	if norms != nil && len(norms) != cfg.NumMels {
		return nil, errors.New("mel: norms length does not match n_mels")
	}

	return &MelTransform{
		cfg:     cfg,
		window:  hannWindow(cfg.WinLength, cfg.NFFT),
		fbank:   melFilterbank(cfg.NFFT/2+1, cfg.FMin, cfg.FMax, cfg.NumMels, cfg.SampleRate),
		norms:   norms,
		compute: compute,
	}, nil
}

// Config returns the effective configuration.
func (m *MelTransform) Config() MelConfig {
	return m.cfg
}

// Spectrogram maps (B, T) or (B, 1, T) audio to (B, NumMels, frames).
func (m *MelTransform) Spectrogram(wav *Tensor) (*Tensor, error) {
	if wav == nil {
		return nil, ErrSpectrogramUnsupported
	}
	var batch, samples int
	switch wav.Dims() {
	case 2:
		batch, samples = wav.shape[0], wav.shape[1]
	case 3:
		if wav.shape[1] != 1 {
			return nil, ErrSpectrogramUnsupported
		}
		batch, samples = wav.shape[0], wav.shape[2]
	default:
		return nil, ErrSpectrogramUnsupported
	}
	if samples < 2 {
		return nil, ErrSpectrogramUnsupported
	}

	frames := m.cfg.FrameCount(samples)
	out := NewTensor(batch, m.cfg.NumMels, frames)
	out.device = wav.device

	m.compute.ParallelRows(batch, func(start, end int) {
		fft := fourier.NewFFT(m.cfg.NFFT)
		for b := start; b < end; b++ {
			m.utterance(fft, wav.data[b*samples:(b+1)*samples], out.data[b*m.cfg.NumMels*frames:(b+1)*m.cfg.NumMels*frames], frames)
		}
	})

	return out, nil
}

// utterance fills dst (NumMels x frames, row-major) for one waveform.
func (m *MelTransform) utterance(fft *fourier.FFT, x []float64, dst []float64, frames int) {
	nfft := m.cfg.NFFT
	pad := nfft / 2
	buf := make([]float64, nfft)
	power := make([]float64, nfft/2+1)
	var coeffs []complex128

	for f := 0; f < frames; f++ {
		start := f*m.cfg.HopLength - pad
		for k := 0; k < nfft; k++ {
			buf[k] = x[reflectIndex(start+k, len(x))] * m.window[k]
		}
		coeffs = fft.Coefficients(coeffs, buf)
		for k := range power {
			re, im := real(coeffs[k]), imag(coeffs[k])
			power[k] = re*re + im*im
		}

		for mel, filter := range m.fbank {
			sum := 0.0
			for k, w := range filter {
				if w != 0 {
					sum += w * power[k]
				}
			}
			v := math.Log(math.Max(sum, 1e-5))
			if m.norms != nil {
				v /= m.norms[mel]
			}
			dst[mel*frames+f] = v
		}
	}
}

// reflectIndex maps i into [0, n) by mirror reflection without repeating the
// edge sample, matching numpy/torch "reflect" padding.
func reflectIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return i
}

// hannWindow returns a periodic Hann window of winLength, centered in nfft.
func hannWindow(winLength, nfft int) []float64 {
	w := make([]float64, nfft)
	offset := (nfft - winLength) / 2
	for i := 0; i < winLength; i++ {
		w[offset+i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(winLength))
	}
	return w
}

func hzToMel(f float64) float64 {
	return 2595 * math.Log10(1+f/700)
}

func melToHz(m float64) float64 {
	return 700 * (math.Pow(10, m/2595) - 1)
}

// melFilterbank builds nMels triangular filters over nFreqs linear bins,
// HTK mel scale with Slaney-style area normalization.
func melFilterbank(nFreqs int, fMin, fMax float64, nMels, sampleRate int) [][]float64 {
	allFreqs := make([]float64, nFreqs)
	nyquist := float64(sampleRate / 2)
	for i := range allFreqs {
		if nFreqs > 1 {
			allFreqs[i] = nyquist * float64(i) / float64(nFreqs-1)
		}
	}

	mMin, mMax := hzToMel(fMin), hzToMel(fMax)
	fPts := make([]float64, nMels+2)
	for i := range fPts {
		fPts[i] = melToHz(mMin + (mMax-mMin)*float64(i)/float64(nMels+1))
	}

	fb := make([][]float64, nMels)
	for m := 0; m < nMels; m++ {
		left, center, right := fPts[m], fPts[m+1], fPts[m+2]
		enorm := 2 / (right - left)
		row := make([]float64, nFreqs)
		for k, f := range allFreqs {
			down := (f - left) / (center - left)
			up := (right - f) / (right - center)
			v := math.Min(down, up)
			if v > 0 {
				row[k] = v * enorm
			}
		}
		fb[m] = row
	}

	return fb
}
