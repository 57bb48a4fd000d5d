package main

import (
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
)

// Batch maps field names to tensors. A nil value is a field with no data.
type Batch map[string]*Tensor

// Keys of the fields the pipeline reads and writes.
const (
	FieldWav        = "wav"
	FieldWavLengths = "wav_lengths"
	FieldMel        = "mel"
)

// melFrameMultiple is the time-axis alignment the DVAE needs: two stride-2
// encoder layers downsample frames by 4.
const melFrameMultiple = 4

// BatchFormatter moves batches to the compute device and derives the mel
// input from the raw waveform.
type BatchFormatter struct {
	device  Device
	spec    Spectrogrammer
	logger  *log.Logger
	skipped atomic.Int64
}

// NewBatchFormatter creates a formatter. spec may be nil, in which case
// batches are only transferred.
func NewBatchFormatter(device Device, spec Spectrogrammer, logger *log.Logger) *BatchFormatter {
	return &BatchFormatter{
		device: device,
		spec:   spec,
		logger: logger,
	}
}

// Format transfers every field to the device in place, then, when the batch
// has a wav field, stores its mel-spectrogram under "mel" with the time axis
// trimmed to a multiple of 4.
//
// A spectrogram result of ErrSpectrogramUnsupported leaves the batch without
// "mel" and is not an error; the skip is counted (Skipped). Any other
// spectrogram failure is returned alongside the transferred batch. A mel of
// 1 to 3 frames cannot be trimmed to a non-empty multiple of 4 and returns
// ErrInvalidShape instead of a 0-frame mel.
func (f *BatchFormatter) Format(batch Batch) (Batch, error) {
	for k, v := range batch {
		if v == nil {
			continue
		}
		batch[k] = f.device.Transfer(v)
	}

	wav, ok := batch[FieldWav]
	if !ok || f.spec == nil {
		return batch, nil
	}

	mel, err := f.spec.Spectrogram(wav)
	switch {
	case errors.Is(err, ErrSpectrogramUnsupported):
		f.skipped.Add(1)
		if f.logger != nil {
			f.logger.Debug("mel skipped: unsupported waveform", "wav", wav)
		}
		return batch, nil
	case err != nil:
		return batch, errors.Wrap(err, "compute mel")
	}

	mel, err = TruncateFrames(mel, melFrameMultiple)
	if err != nil {
		return batch, err
	}
	batch[FieldMel] = mel
	return batch, nil
}

// FormatSeq transfers each element and returns a new slice of equal length.
// nil elements stay nil.
func (f *BatchFormatter) FormatSeq(seq []*Tensor) []*Tensor {
	out := make([]*Tensor, len(seq))
	for i, v := range seq {
		if v == nil {
			continue
		}
		out[i] = f.device.Transfer(v)
	}
	return out
}

// Skipped returns how many batches went through without a mel because the
// spectrogram reported an unsupported input.
func (f *BatchFormatter) Skipped() int64 {
	return f.skipped.Load()
}

// TruncateFrames drops the trailing len%multiple entries of the last axis.
// An axis shorter than multiple would truncate to nothing and is rejected.
func TruncateFrames(t *Tensor, multiple int) (*Tensor, error) {
	frames := t.shape[len(t.shape)-1]
	keep := frames - frames%multiple
	if keep == 0 {
		return nil, errors.Wrapf(ErrInvalidShape, "mel has %d frames, need at least %d", frames, multiple)
	}
	return t.TruncateLast(keep), nil
}
