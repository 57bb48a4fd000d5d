package main

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// ===========================================================================
// Checkpoint Serialization
// ===========================================================================
//
// Format:
//   1. Header length (uint32, little endian)
//   2. JSON header: model config, training position, and the name and shape
//      of every tensor in file order
//   3. Tensor data in header order (float64, little endian)
//
// Tensors are matched by name on load, so a checkpoint written by a model
// with extra or missing layers can still be loaded non-strictly: unknown
// names are skipped, missing names keep their current values, and both are
// reported.
// ===========================================================================

// ErrCheckpointFormat reports a file that is not a readable checkpoint.
var ErrCheckpointFormat = errors.New("checkpoint: bad format")

const checkpointMagic = "dvaetune-checkpoint/v1"

// maxCheckpointHeader bounds the header allocation for corrupt files.
const maxCheckpointHeader = 64 << 20

type checkpointTensor struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
}

type checkpointHeader struct {
	Magic   string             `json:"magic"`
	Config  DVAEConfig         `json:"config"`
	Epoch   int                `json:"epoch"`
	Step    int                `json:"global_step"`
	Tensors []checkpointTensor `json:"tensors"`
}

// CheckpointInfo is the training position stored with a checkpoint.
type CheckpointInfo struct {
	Epoch int
	Step  int
}

// Checkpoint is a decoded checkpoint file.
type Checkpoint struct {
	Config  DVAEConfig
	Info    CheckpointInfo
	Tensors map[string]*Tensor
	order   []string
}

// LoadReport lists names that did not line up between a checkpoint and the
// model it was loaded into.
type LoadReport struct {
	Missing    []string // in the model, not in the checkpoint
	Unexpected []string // in the checkpoint, not in the model
}

// Clean reports whether every name matched.
func (r LoadReport) Clean() bool {
	return len(r.Missing) == 0 && len(r.Unexpected) == 0
}

// SaveCheckpoint writes the model's named tensors to path.
func SaveCheckpoint(path string, m *DVAE, info CheckpointInfo) error {
	named := m.NamedTensors()
	header := checkpointHeader{
		Magic:   checkpointMagic,
		Config:  m.Config(),
		Epoch:   info.Epoch,
		Step:    info.Step,
		Tensors: make([]checkpointTensor, len(named)),
	}
	for i, nt := range named {
		header.Tensors[i] = checkpointTensor{Name: nt.Name, Shape: nt.Tensor.Shape()}
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "marshal checkpoint header")
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "create checkpoint dir")
		}
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "create checkpoint")
	}
	defer os.Remove(tmp)

	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, uint32(len(headerJSON))); err != nil {
		f.Close()
		return errors.Wrap(err, "write header length")
	}
	if _, err := w.Write(headerJSON); err != nil {
		f.Close()
		return errors.Wrap(err, "write header")
	}
	for _, nt := range named {
		if err := binary.Write(w, binary.LittleEndian, nt.Tensor.data); err != nil {
			f.Close()
			return errors.Wrapf(err, "write tensor %s", nt.Name)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Wrap(err, "flush checkpoint")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close checkpoint")
	}

	return errors.Wrap(os.Rename(tmp, path), "rename checkpoint")
}

// ReadCheckpoint decodes the checkpoint at path.
func ReadCheckpoint(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open checkpoint")
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var headerLen uint32
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, errors.Wrapf(ErrCheckpointFormat, "read header length: %v", err)
	}
	if headerLen == 0 || headerLen > maxCheckpointHeader {
		return nil, errors.Wrapf(ErrCheckpointFormat, "header length %d", headerLen)
	}

	headerJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return nil, errors.Wrapf(ErrCheckpointFormat, "read header: %v", err)
	}

	var header checkpointHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, errors.Wrapf(ErrCheckpointFormat, "parse header: %v", err)
	}
	if header.Magic != checkpointMagic {
		return nil, errors.Wrapf(ErrCheckpointFormat, "magic %q", header.Magic)
	}

	ckpt := &Checkpoint{
		Config:  header.Config,
		Info:    CheckpointInfo{Epoch: header.Epoch, Step: header.Step},
		Tensors: make(map[string]*Tensor, len(header.Tensors)),
	}
	for _, ht := range header.Tensors {
		if len(ht.Shape) == 0 {
			return nil, errors.Wrapf(ErrCheckpointFormat, "tensor %s has no shape", ht.Name)
		}
		for _, d := range ht.Shape {
			if d <= 0 {
				return nil, errors.Wrapf(ErrCheckpointFormat, "tensor %s has shape %v", ht.Name, ht.Shape)
			}
		}
		t := NewTensor(ht.Shape...)
		if err := binary.Read(r, binary.LittleEndian, t.data); err != nil {
			return nil, errors.Wrapf(ErrCheckpointFormat, "read tensor %s: %v", ht.Name, err)
		}
		ckpt.Tensors[ht.Name] = t
		ckpt.order = append(ckpt.order, ht.Name)
	}

	return ckpt, nil
}

// LoadState copies checkpoint tensors into the model by name. In strict mode
// any missing or unexpected name is an error; otherwise they are reported
// and skipped. A name present in both with different shapes is always an
// error.
func (m *DVAE) LoadState(ckpt *Checkpoint, strict bool) (LoadReport, error) {
	var report LoadReport
	seen := make(map[string]bool, len(ckpt.Tensors))

	for _, nt := range m.NamedTensors() {
		src, ok := ckpt.Tensors[nt.Name]
		if !ok {
			report.Missing = append(report.Missing, nt.Name)
			continue
		}
		seen[nt.Name] = true
		if !shapeEqual(src.shape, nt.Tensor.shape) {
			return report, errors.Wrapf(ErrShapeMismatch, "checkpoint tensor %s has shape %v, model wants %v",
				nt.Name, src.shape, nt.Tensor.shape)
		}
		copy(nt.Tensor.data, src.data)
	}

	for _, name := range ckpt.order {
		if !seen[name] {
			report.Unexpected = append(report.Unexpected, name)
		}
	}
	sort.Strings(report.Missing)
	sort.Strings(report.Unexpected)

	if strict && !report.Clean() {
		return report, errors.Errorf("checkpoint: %d missing and %d unexpected tensors",
			len(report.Missing), len(report.Unexpected))
	}
	return report, nil
}
