package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/pkg/errors"
)

// Pretrained XTTS weights ship as PyTorch pickles: dvae.pth is a state dict
// (name -> tensor) and mel_stats.pth a single 1-D tensor of channel norms.
// Both are read here and converted into the in-memory forms the rest of the
// package uses.

// ErrTorchFormat reports a PyTorch file whose contents are not a state dict
// or tensor of a supported element type.
var ErrTorchFormat = errors.New("torch: unsupported contents")

// torchCodebookBuffers are stored (dim, numTokens) by PyTorch and
// (numTokens, dim) here.
var torchCodebookBuffers = []string{"codebook.embed", "codebook.embed_avg"}

var zipMagic = []byte("PK\x03\x04")

// isTorchFile reports whether path holds a PyTorch pickle rather than a
// native checkpoint: a .pth/.pt/.bin extension or a zip archive.
func isTorchFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pth", ".pt", ".bin":
		return true
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	head := make([]byte, len(zipMagic))
	n, _ := f.Read(head)
	return n == len(zipMagic) && bytes.Equal(head, zipMagic)
}

// OpenCheckpoint reads either a native checkpoint or a PyTorch state dict.
func OpenCheckpoint(path string) (*Checkpoint, error) {
	if isTorchFile(path) {
		return ImportTorchState(path)
	}
	return ReadCheckpoint(path)
}

// ImportTorchState reads a PyTorch state dict. The returned checkpoint has
// no config or training position; tensors keep the file's key order.
func ImportTorchState(path string) (*Checkpoint, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "load torch file %s", path)
	}
	entries, err := torchStateEntries(obj)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}

	ckpt := &Checkpoint{Tensors: make(map[string]*Tensor, len(entries))}
	for _, e := range entries {
		t, err := torchTensorToTensor(e.value)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: tensor %s", path, e.name)
		}
		if isTorchCodebookBuffer(e.name) {
			if t, err = transpose2D(t); err != nil {
				return nil, errors.Wrapf(err, "%s: tensor %s", path, e.name)
			}
		}
		ckpt.Tensors[e.name] = t
		ckpt.order = append(ckpt.order, e.name)
	}
	return ckpt, nil
}

// LoadTorchMelNorms reads a mel_stats.pth tensor as a flat list of norms.
func LoadTorchMelNorms(path string) ([]float64, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "load torch file %s", path)
	}
	pt, ok := obj.(*pytorch.Tensor)
	if !ok {
		return nil, errors.Wrapf(ErrTorchFormat, "%s: expected a tensor, got %T", path, obj)
	}
	t, err := torchTensorToTensor(pt)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	if t.Size() == 0 {
		return nil, errors.Errorf("mel norms %s: empty", path)
	}
	return t.data, nil
}

// loadMelNormsAny picks the reader for a norm file by its format.
func loadMelNormsAny(path string) ([]float64, error) {
	if isTorchFile(path) {
		return LoadTorchMelNorms(path)
	}
	return LoadMelNorms(path)
}

type torchEntry struct {
	name  string
	value interface{}
}

// torchStateEntries flattens the top-level object of a state dict file.
// Dicts that wrap the weights under "state_dict" or "model" are unwrapped.
func torchStateEntries(obj interface{}) ([]torchEntry, error) {
	var entries []torchEntry
	switch d := obj.(type) {
	case *types.OrderedDict:
		for el := d.List.Front(); el != nil; el = el.Next() {
			e := el.Value.(*types.OrderedDictEntry)
			name, ok := e.Key.(string)
			if !ok {
				return nil, errors.Wrapf(ErrTorchFormat, "key %v is not a string", e.Key)
			}
			entries = append(entries, torchEntry{name: name, value: e.Value})
		}
	case *types.Dict:
		for _, key := range []string{"state_dict", "model"} {
			if inner, ok := d.Get(key); ok {
				return torchStateEntries(inner)
			}
		}
		for _, e := range *d {
			name, ok := e.Key.(string)
			if !ok {
				return nil, errors.Wrapf(ErrTorchFormat, "key %v is not a string", e.Key)
			}
			entries = append(entries, torchEntry{name: name, value: e.Value})
		}
	default:
		return nil, errors.Wrapf(ErrTorchFormat, "expected a state dict, got %T", obj)
	}
	return entries, nil
}

// torchTensorToTensor copies a possibly strided PyTorch tensor into a
// contiguous float64 tensor.
func torchTensorToTensor(v interface{}) (*Tensor, error) {
	pt, ok := v.(*pytorch.Tensor)
	if !ok {
		return nil, errors.Wrapf(ErrTorchFormat, "expected a tensor, got %T", v)
	}

	var at func(i int) float64
	var n int
	switch s := pt.Source.(type) {
	case *pytorch.FloatStorage:
		at, n = func(i int) float64 { return float64(s.Data[i]) }, len(s.Data)
	case *pytorch.HalfStorage:
		at, n = func(i int) float64 { return float64(s.Data[i]) }, len(s.Data)
	case *pytorch.BFloat16Storage:
		at, n = func(i int) float64 { return float64(s.Data[i]) }, len(s.Data)
	case *pytorch.DoubleStorage:
		at, n = func(i int) float64 { return s.Data[i] }, len(s.Data)
	default:
		return nil, errors.Wrapf(ErrTorchFormat, "storage %T", pt.Source)
	}

	shape := append([]int(nil), pt.Size...)
	if len(shape) == 0 {
		shape = []int{1}
	}
	for _, d := range shape {
		if d <= 0 {
			return nil, errors.Wrapf(ErrTorchFormat, "shape %v", pt.Size)
		}
	}
	if len(pt.Stride) != len(pt.Size) {
		return nil, errors.Wrapf(ErrTorchFormat, "stride %v for shape %v", pt.Stride, pt.Size)
	}

	out := NewTensor(shape...)
	idx := make([]int, len(pt.Size))
	for i := range out.data {
		off := pt.StorageOffset
		for d, k := range idx {
			off += k * pt.Stride[d]
		}
		if off < 0 || off >= n {
			return nil, errors.Wrapf(ErrTorchFormat, "element %d outside storage of %d", off, n)
		}
		out.data[i] = at(off)
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < pt.Size[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out, nil
}

func isTorchCodebookBuffer(name string) bool {
	for _, b := range torchCodebookBuffers {
		if name == b {
			return true
		}
	}
	return false
}

func transpose2D(t *Tensor) (*Tensor, error) {
	if len(t.shape) != 2 {
		return nil, errors.Wrapf(ErrShapeMismatch, "transpose of shape %v", t.shape)
	}
	rows, cols := t.shape[0], t.shape[1]
	out := NewTensor(cols, rows)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out.data[c*rows+r] = t.data[r*cols+c]
		}
	}
	return out, nil
}
