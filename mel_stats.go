package main

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// MelStats accumulates per-channel means of log-mel frames. The result is
// the norm vector MelTransform divides by.
type MelStats struct {
	sums   []float64
	frames int64
}

// NewMelStats creates an accumulator for nMels channels.
func NewMelStats(nMels int) *MelStats {
	return &MelStats{sums: make([]float64, nMels)}
}

// Add folds a (B, nMels, F) or (nMels, F) un-normalized mel tensor in.
func (s *MelStats) Add(mel *Tensor) error {
	nMels := len(s.sums)
	var batch, frames int
	switch mel.Dims() {
	case 2:
		batch, frames = 1, mel.shape[1]
		if mel.shape[0] != nMels {
			return errors.Wrapf(ErrShapeMismatch, "mel stats: got %d channels, want %d", mel.shape[0], nMels)
		}
	case 3:
		batch, frames = mel.shape[0], mel.shape[2]
		if mel.shape[1] != nMels {
			return errors.Wrapf(ErrShapeMismatch, "mel stats: got %d channels, want %d", mel.shape[1], nMels)
		}
	default:
		return errors.Wrapf(ErrInvalidShape, "mel stats: rank %d", mel.Dims())
	}

	for b := 0; b < batch; b++ {
		for c := 0; c < nMels; c++ {
			row := mel.data[(b*nMels+c)*frames : (b*nMels+c+1)*frames]
			for _, v := range row {
				s.sums[c] += v
			}
		}
	}
	s.frames += int64(batch * frames)
	return nil
}

// Frames returns the number of frames accumulated so far.
func (s *MelStats) Frames() int64 {
	return s.frames
}

// Norms returns the per-channel mean.
func (s *MelStats) Norms() ([]float64, error) {
	if s.frames == 0 {
		return nil, errors.Wrap(ErrEmptyDataset, "mel stats: no frames accumulated")
	}
	out := make([]float64, len(s.sums))
	for i, v := range s.sums {
		out[i] = v / float64(s.frames)
	}
	return out, nil
}

// melNormFile is the on-disk layout of the mel normalization file.
type melNormFile struct {
	NumMels  int       `json:"n_mels"`
	Frames   int64     `json:"frames,omitempty"`
	MelNorms []float64 `json:"mel_norms"`
}

// SaveMelNorms writes norms as JSON.
func SaveMelNorms(path string, norms []float64, frames int64) error {
	data, err := json.MarshalIndent(melNormFile{
		NumMels:  len(norms),
		Frames:   frames,
		MelNorms: norms,
	}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal mel norms")
	}
	return errors.Wrap(os.WriteFile(path, data, 0o644), "write mel norms")
}

// LoadMelNorms reads a file written by SaveMelNorms. A bare JSON array of
// numbers is accepted as well.
func LoadMelNorms(path string) ([]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read mel norms")
	}

	var file melNormFile
	if err := json.Unmarshal(data, &file); err == nil && len(file.MelNorms) > 0 {
		return file.MelNorms, nil
	}

	var bare []float64
	if err := json.Unmarshal(data, &bare); err != nil {
		return nil, errors.Wrapf(err, "parse mel norms %s", path)
	}
	if len(bare) == 0 {
		return nil, errors.Errorf("mel norms %s: empty", path)
	}
	return bare, nil
}
