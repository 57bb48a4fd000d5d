package main

import (
	"bufio"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ErrEmptyDataset is returned when a split or a stats pass has no samples.
var ErrEmptyDataset = errors.New("dataset: no samples")

// DatasetConfig describes one dataset on disk.
type DatasetConfig struct {
	Formatter     string `yaml:"formatter"`
	Name          string `yaml:"dataset_name"`
	Path          string `yaml:"path"`
	MetaFileTrain string `yaml:"meta_file_train"`
	Language      string `yaml:"language"`
}

// Sample is one utterance/transcript pair.
type Sample struct {
	Text        string
	AudioFile   string
	SpeakerName string
	Language    string
	RootPath    string
}

// FormatLJSpeech reads LJSpeech-style metadata: one "id|text|normalized_text"
// line per utterance, audio under <root>/wavs/<id>.wav. The normalized text
// column is used when present.
func FormatLJSpeech(root, metaFile string) ([]Sample, error) {
	if !filepath.IsAbs(metaFile) {
		metaFile = filepath.Join(root, metaFile)
	}
	f, err := os.Open(metaFile)
	if err != nil {
		return nil, errors.Wrap(err, "open metadata")
	}
	defer f.Close()

	var samples []Sample
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		cols := strings.Split(line, "|")
		if len(cols) < 2 {
			return nil, errors.Errorf("%s:%d: want id|text[|normalized_text], got %q", metaFile, lineNo, line)
		}
		text := cols[1]
		if len(cols) > 2 && cols[2] != "" {
			text = cols[2]
		}
		samples = append(samples, Sample{
			Text:        text,
			AudioFile:   filepath.Join(root, "wavs", cols[0]+".wav"),
			SpeakerName: "ljspeech",
			RootPath:    root,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read metadata")
	}

	return samples, nil
}

// SplitConfig controls the eval split.
type SplitConfig struct {
	EvalSplit        bool    `yaml:"eval_split"`
	EvalSplitMaxSize int     `yaml:"eval_split_max_size"`
	EvalSplitSize    float64 `yaml:"eval_split_size"` // fraction if < 1, else count
	Seed             int64   `yaml:"seed"`
}

// LoadSamples formats every dataset and splits the union into train and eval.
func LoadSamples(datasets []DatasetConfig, split SplitConfig) (train, eval []Sample, err error) {
	var all []Sample
	for _, ds := range datasets {
		var samples []Sample
		switch strings.ToLower(ds.Formatter) {
		case "ljspeech", "":
			samples, err = FormatLJSpeech(ds.Path, ds.MetaFileTrain)
		default:
			return nil, nil, errors.Errorf("dataset %q: unknown formatter %q", ds.Name, ds.Formatter)
		}
		if err != nil {
			return nil, nil, errors.Wrapf(err, "dataset %q", ds.Name)
		}
		for i := range samples {
			samples[i].Language = ds.Language
		}
		all = append(all, samples...)
	}
	if len(all) == 0 {
		return nil, nil, ErrEmptyDataset
	}

	if !split.EvalSplit {
		return all, nil, nil
	}
	return SplitSamples(all, split)
}

// SplitSamples shuffles samples with the split seed and takes the eval set
// off the front.
func SplitSamples(samples []Sample, split SplitConfig) (train, eval []Sample, err error) {
	n := int(split.EvalSplitSize)
	if split.EvalSplitSize < 1 {
		n = int(float64(len(samples)) * split.EvalSplitSize)
	}
	if split.EvalSplitMaxSize > 0 && n > split.EvalSplitMaxSize {
		n = split.EvalSplitMaxSize
	}
	if n <= 0 {
		return nil, nil, errors.Errorf("eval split of %d samples is empty (%d samples, split size %g); lower eval_split_size or add data",
			n, len(samples), split.EvalSplitSize)
	}
	if n >= len(samples) {
		return nil, nil, errors.Errorf("eval split of %d samples leaves no training data (%d samples)", n, len(samples))
	}

	shuffled := make([]Sample, len(samples))
	copy(shuffled, samples)
	rng := rand.New(rand.NewSource(split.Seed))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	return shuffled[n:], shuffled[:n], nil
}

// DVAEItem is one loaded utterance.
type DVAEItem struct {
	Wav       []float64
	AudioFile string
}

// DVAEDataset loads waveforms for DVAE training.
type DVAEDataset struct {
	samples    []Sample
	sampleRate int
	isEval     bool
	maxWavLen  int
	seed       int64
	load       func(path string, sampleRate int) (Waveform, error)
}

// NewDVAEDataset wraps samples. Waveforms longer than maxWavLen samples are
// cropped: eval items keep the head, train items a window chosen by a
// per-index seed so crops do not depend on which loader worker runs them.
func NewDVAEDataset(samples []Sample, sampleRate int, isEval bool, maxWavLen int, seed int64) *DVAEDataset {
	return &DVAEDataset{
		samples:    samples,
		sampleRate: sampleRate,
		isEval:     isEval,
		maxWavLen:  maxWavLen,
		seed:       seed,
		load:       LoadWAV,
	}
}

// Len returns the number of samples.
func (d *DVAEDataset) Len() int {
	return len(d.samples)
}

// Get loads item i.
func (d *DVAEDataset) Get(i int) (DVAEItem, error) {
	s := d.samples[i]
	w, err := d.load(s.AudioFile, d.sampleRate)
	if err != nil {
		return DVAEItem{}, errors.Wrapf(err, "load sample %d", i)
	}
	if len(w.Samples) == 0 {
		return DVAEItem{}, errors.Errorf("sample %d (%s): empty audio", i, s.AudioFile)
	}

	wav := w.Samples
	if d.maxWavLen > 0 && len(wav) > d.maxWavLen {
		start := 0
		if !d.isEval {
			rng := rand.New(rand.NewSource(d.seed + int64(i)))
			start = rng.Intn(len(wav) - d.maxWavLen + 1)
		}
		wav = wav[start : start+d.maxWavLen]
	}

	return DVAEItem{Wav: wav, AudioFile: s.AudioFile}, nil
}

// Collate zero-pads items to the longest waveform:
//   wav:         (B, 1, T)
//   wav_lengths: (B)
func (d *DVAEDataset) Collate(items []DVAEItem) Batch {
	maxLen := 0
	for _, it := range items {
		if len(it.Wav) > maxLen {
			maxLen = len(it.Wav)
		}
	}

	wav := NewTensor(len(items), 1, maxLen)
	lengths := NewTensor(len(items))
	for b, it := range items {
		copy(wav.data[b*maxLen:], it.Wav)
		lengths.data[b] = float64(len(it.Wav))
	}

	return Batch{
		FieldWav:        wav,
		FieldWavLengths: lengths,
	}
}
