package main

import (
	"fmt"
	"io"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
)

// taggingDevice copies tensors and tags them with its name, so tests can see
// which fields went through Transfer.
type taggingDevice struct {
	transfers int
	releases  int
}

func (d *taggingDevice) Name() string        { return "fake" }
func (d *taggingDevice) IsAccelerator() bool { return true }
func (d *taggingDevice) ReleaseCache()       { d.releases++ }

func (d *taggingDevice) Transfer(t *Tensor) *Tensor {
	if t == nil || t.device == "fake" {
		return t
	}
	d.transfers++
	out := t.Clone()
	out.device = "fake"
	return out
}

// stubSpec returns a fixed-size mel for any waveform batch. channels
// defaults to 80.
type stubSpec struct {
	frames   int
	channels int
	err      error
	calls    int
}

func (s *stubSpec) Spectrogram(wav *Tensor) (*Tensor, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	channels := s.channels
	if channels == 0 {
		channels = 80
	}
	mel := NewTensorRand(newTestRand(int64(s.calls)), 1, wav.shape[0], channels, s.frames)
	mel.device = wav.device
	return mel, nil
}

func quietLogger() *log.Logger {
	return log.New(io.Discard)
}

// TestFormatTruncatesToMultipleOfFour checks that every mel length L comes
// out as L - L%4.
func TestFormatTruncatesToMultipleOfFour(t *testing.T) {
	for frames := 4; frames <= 40; frames++ {
		t.Run(fmt.Sprintf("frames=%d", frames), func(t *testing.T) {
			f := NewBatchFormatter(&taggingDevice{}, &stubSpec{frames: frames}, quietLogger())
			batch, err := f.Format(Batch{FieldWav: NewTensor(2, 1, 100)})
			if err != nil {
				t.Fatalf("Format: %v", err)
			}
			got := batch[FieldMel].Shape()[2]
			if want := frames - frames%4; got != want {
				t.Errorf("expected %d frames, got %d", want, got)
			}
			if got%4 != 0 {
				t.Errorf("%d frames is not a multiple of 4", got)
			}
		})
	}
}

func TestFormatTooShortMel(t *testing.T) {
	f := NewBatchFormatter(&taggingDevice{}, &stubSpec{frames: 3}, quietLogger())
	_, err := f.Format(Batch{FieldWav: NewTensor(1, 1, 10)})
	if !errors.Is(err, ErrInvalidShape) {
		t.Errorf("expected ErrInvalidShape for a 3-frame mel, got %v", err)
	}
}

// TestFormatNilFieldPassesThrough checks that nil values stay nil without error.
func TestFormatNilFieldPassesThrough(t *testing.T) {
	dev := &taggingDevice{}
	f := NewBatchFormatter(dev, &stubSpec{frames: 8}, quietLogger())

	batch, err := f.Format(Batch{
		FieldWav:        NewTensor(1, 1, 64),
		FieldWavLengths: nil,
	})
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	v, ok := batch[FieldWavLengths]
	if !ok {
		t.Fatal("nil field was dropped from the batch")
	}
	if v != nil {
		t.Errorf("expected nil, got %v", v)
	}
	if dev.transfers != 1 {
		t.Errorf("expected 1 transfer, got %d", dev.transfers)
	}
}

func TestFormatTransfersEveryField(t *testing.T) {
	f := NewBatchFormatter(&taggingDevice{}, &stubSpec{frames: 12}, quietLogger())
	batch, err := f.Format(Batch{
		FieldWav:        NewTensor(3, 1, 64),
		FieldWavLengths: NewTensor(3),
		"speaker":       NewTensor(3, 4),
	})
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	for _, k := range []string{FieldWav, FieldWavLengths, "speaker"} {
		if got := batch[k].Device(); got != "fake" {
			t.Errorf("%s: expected device fake, got %q", k, got)
		}
	}
}

// TestFormatSeq checks a sequence batch keeps its length and every element
// is transferred.
func TestFormatSeq(t *testing.T) {
	dev := &taggingDevice{}
	f := NewBatchFormatter(dev, nil, quietLogger())

	in := []*Tensor{NewTensor(2), nil, NewTensor(3, 3)}
	out := f.FormatSeq(in)

	if len(out) != len(in) {
		t.Fatalf("expected length %d, got %d", len(in), len(out))
	}
	if out[1] != nil {
		t.Error("nil element should stay nil")
	}
	for _, i := range []int{0, 2} {
		if out[i].Device() != "fake" {
			t.Errorf("element %d not transferred", i)
		}
		if in[i].Device() != "" {
			t.Errorf("input element %d was modified", i)
		}
	}
	if dev.transfers != 2 {
		t.Errorf("expected 2 transfers, got %d", dev.transfers)
	}
}

// TestFormatUnsupportedSkips checks the unsupported spectrogram result leaves
// the batch without mel and is not an error.
func TestFormatUnsupportedSkips(t *testing.T) {
	spec := &stubSpec{err: errors.Wrap(ErrSpectrogramUnsupported, "stereo")}
	f := NewBatchFormatter(&taggingDevice{}, spec, quietLogger())

	batch, err := f.Format(Batch{FieldWav: NewTensor(1, 2, 64)})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, ok := batch[FieldMel]; ok {
		t.Error("expected no mel key")
	}
	if f.Skipped() != 1 {
		t.Errorf("expected 1 skipped batch, got %d", f.Skipped())
	}
}

func TestFormatOtherSpectrogramErrorPropagates(t *testing.T) {
	boom := errors.New("fft exploded")
	f := NewBatchFormatter(&taggingDevice{}, &stubSpec{err: boom}, quietLogger())

	_, err := f.Format(Batch{FieldWav: NewTensor(1, 1, 64)})
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped fft error, got %v", err)
	}
	if f.Skipped() != 0 {
		t.Errorf("expected no skips, got %d", f.Skipped())
	}
}

// TestFormatXTTSBatch is the reference case: three 2 s clips at 22.05 kHz
// give 173 frames, trimmed to 172.
func TestFormatXTTSBatch(t *testing.T) {
	f := NewBatchFormatter(&taggingDevice{}, &stubSpec{frames: 173}, quietLogger())

	batch, err := f.Format(Batch{FieldWav: NewTensor(3, 1, 44100)})
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	s := batch[FieldMel].Shape()
	if len(s) != 3 || s[0] != 3 || s[1] != 80 || s[2] != 172 {
		t.Errorf("expected mel shape [3 80 172], got %v", s)
	}
}

func TestFormatWithoutWav(t *testing.T) {
	spec := &stubSpec{frames: 8}
	f := NewBatchFormatter(&taggingDevice{}, spec, quietLogger())

	batch, err := f.Format(Batch{FieldWavLengths: NewTensor(2)})
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if _, ok := batch[FieldMel]; ok {
		t.Error("mel computed without a wav field")
	}
	if spec.calls != 0 {
		t.Errorf("spectrogram called %d times", spec.calls)
	}
}

// TestFormatRealMel runs the real mel transform through the formatter.
func TestFormatRealMel(t *testing.T) {
	mel, err := NewMelTransform(DefaultMelConfig(), nil, SingleThreadedConfig())
	if err != nil {
		t.Fatal(err)
	}
	f := NewBatchFormatter(NewHostDevice(nil), mel, quietLogger())

	batch, err := f.Format(Batch{FieldWav: NewTensor(1, 1, 44100)})
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if got := batch[FieldMel].Shape()[2]; got != 172 {
		t.Errorf("expected 172 frames, got %d", got)
	}
}
