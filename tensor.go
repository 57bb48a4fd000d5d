package main

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// RECOMMENDED READING:
//
// Deep Learning Foundations:
// - "Deep Learning" by Goodfellow, Bengio, Courville (2016)
//   Chapter 2: Linear Algebra - tensor operations
//   Chapter 6: Deep Feedforward Networks - backpropagation
//
// Audio tensors:
// - torchaudio docs, "Audio Feature Extractions" - the (batch, channel, time)
//   layout used for waveforms and (batch, mels, frames) for spectrograms

var (
	// ErrShapeMismatch indicates incompatible tensor shapes for an operation.
	ErrShapeMismatch = errors.New("tensor: shape mismatch")

	// ErrInvalidShape indicates an invalid tensor shape.
	ErrInvalidShape = errors.New("tensor: invalid shape")
)

// Tensor represents a multi-dimensional array of float64 values.
// It stores data in row-major (C-contiguous) order.
//
// Tensor is not safe for concurrent use. Synchronization must be
// handled by the caller if needed.
type Tensor struct {
	data   []float64 // Flat array storing all elements
	shape  []int     // Dimensions [batch, channels, time, etc.]
	grad   []float64 // Gradient for backpropagation, allocated lazily
	device string    // Name of the device holding data ("" = host, untagged)
}

// NewTensor creates a tensor with the given shape, initialized to zero.
// Panics if shape is invalid (empty or contains non-positive dimensions).
//
// Shape errors are programmer bugs, not runtime conditions that should be
// handled gracefully.
func NewTensor(shape ...int) *Tensor {
	size := shapeSize(shape)

	return &Tensor{
		data:  make([]float64, size),
		shape: copyShape(shape),
	}
}

// NewTensorFrom wraps data in a tensor of the given shape without copying.
// Panics if len(data) does not match the shape.
func NewTensorFrom(data []float64, shape ...int) *Tensor {
	size := shapeSize(shape)
	if len(data) != size {
		panic(fmt.Sprintf("tensor: data length %d does not match shape %v (size %d)", len(data), shape, size))
	}

	return &Tensor{
		data:  data,
		shape: copyShape(shape),
	}
}

// NewTensorRand creates a tensor with values drawn from N(0, std²).
// Uses Box-Muller transform for sampling, driven by rng so runs are
// reproducible from a seed.
func NewTensorRand(rng *rand.Rand, std float64, shape ...int) *Tensor {
	t := NewTensor(shape...)

	for i := 0; i < len(t.data); i += 2 {
		u1, u2 := rng.Float64(), rng.Float64()
		if u1 < 1e-300 {
			u1 = 1e-300
		}
		mag := std * math.Sqrt(-2*math.Log(u1))
		t.data[i] = mag * math.Cos(2*math.Pi*u2)
		if i+1 < len(t.data) {
			t.data[i+1] = mag * math.Sin(2*math.Pi*u2)
		}
	}

	return t
}

func shapeSize(shape []int) int {
	if len(shape) == 0 {
		panic("tensor: shape cannot be empty")
	}
	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			panic(fmt.Sprintf("tensor: shape[%d] must be positive, got %d", i, dim))
		}
		size *= dim
	}
	return size
}

func copyShape(shape []int) []int {
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}

// Shape returns a copy of the tensor's shape.
// The returned slice can be safely modified without affecting the tensor.
func (t *Tensor) Shape() []int {
	return copyShape(t.shape)
}

// Dims returns the number of dimensions (rank) of the tensor.
func (t *Tensor) Dims() int {
	return len(t.shape)
}

// Size returns the total number of elements in the tensor.
func (t *Tensor) Size() int {
	return len(t.data)
}

// Data exposes the flat row-major backing slice.
func (t *Tensor) Data() []float64 {
	return t.data
}

// Grad returns the gradient buffer, allocating it on first use.
func (t *Tensor) Grad() []float64 {
	if t.grad == nil {
		t.grad = make([]float64, len(t.data))
	}
	return t.grad
}

// Device returns the name of the device the tensor was transferred to.
// Untagged tensors report an empty string.
func (t *Tensor) Device() string {
	return t.device
}

// At returns the element at the given indices.
// Panics if indices are invalid - this is a programmer error.
func (t *Tensor) At(indices ...int) float64 {
	return t.data[t.flatIndex(indices)]
}

// Set sets the element at the given indices.
// Panics if indices are invalid.
func (t *Tensor) Set(value float64, indices ...int) {
	t.data[t.flatIndex(indices)] = value
}

// flatIndex converts multi-dimensional indices to a flat index.
func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("tensor: expected %d indices, got %d", len(t.shape), len(indices)))
	}

	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index[%d]=%d out of bounds [0,%d)", i, indices[i], t.shape[i]))
		}
		idx += indices[i] * stride
		stride *= t.shape[i]
	}

	return idx
}

// ZeroGrad clears the gradient buffer. Call before the backward pass.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// Clone creates a deep copy of the tensor, including gradient and device tag.
func (t *Tensor) Clone() *Tensor {
	clone := NewTensor(t.shape...)
	copy(clone.data, t.data)
	if t.grad != nil {
		clone.grad = make([]float64, len(t.grad))
		copy(clone.grad, t.grad)
	}
	clone.device = t.device
	return clone
}

// Reshape returns a new view of the tensor with a different shape.
// The total number of elements must remain the same.
// The returned tensor shares the underlying data.
func (t *Tensor) Reshape(newShape ...int) *Tensor {
	if shapeSize(newShape) != len(t.data) {
		panic(fmt.Sprintf("tensor: cannot reshape size %d to %v", len(t.data), newShape))
	}

	return &Tensor{
		data:   t.data,
		shape:  copyShape(newShape),
		grad:   t.grad,
		device: t.device,
	}
}

// TruncateLast returns a copy of t keeping only the first n entries of the
// last axis. t itself is returned when n already equals the axis length.
func (t *Tensor) TruncateLast(n int) *Tensor {
	last := t.shape[len(t.shape)-1]
	if n <= 0 || n > last {
		panic(fmt.Sprintf("tensor: cannot truncate last axis of %v to %d", t.shape, n))
	}
	if n == last {
		return t
	}

	outShape := copyShape(t.shape)
	outShape[len(outShape)-1] = n
	out := NewTensor(outShape...)
	out.device = t.device

	rows := len(t.data) / last
	for r := 0; r < rows; r++ {
		copy(out.data[r*n:(r+1)*n], t.data[r*last:r*last+n])
	}

	return out
}

// String returns a string representation of the tensor for debugging.
func (t *Tensor) String() string {
	if t.device != "" {
		return fmt.Sprintf("Tensor(shape=%v, size=%d, device=%s)", t.shape, len(t.data), t.device)
	}
	return fmt.Sprintf("Tensor(shape=%v, size=%d)", t.shape, len(t.data))
}

// ===========================================================================
// OPERATIONS
// ===========================================================================

// addInto performs element-wise addition: out = a + b.
// Panics if shapes don't match.
func addInto(out, a, b *Tensor) {
	if !shapeEqual(a.shape, b.shape) || !shapeEqual(a.shape, out.shape) {
		panic(fmt.Sprintf("tensor: cannot add shapes %v and %v into %v", a.shape, b.shape, out.shape))
	}
	for i := range out.data {
		out.data[i] = a.data[i] + b.data[i]
	}
}

// reluInto applies Rectified Linear Unit: f(x) = max(0, x).
func reluInto(out, x *Tensor) {
	for i := range x.data {
		out.data[i] = math.Max(0, x.data[i])
	}
}

// ===========================================================================
// HELPERS
// ===========================================================================

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
