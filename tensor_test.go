package main

import (
	"math"
	"math/rand"
	"testing"
)

// TestTensorBasics tests basic tensor creation and access.
func TestTensorBasics(t *testing.T) {
	tensor := NewTensor(2, 3)

	if s := tensor.Shape(); len(s) != 2 || s[0] != 2 || s[1] != 3 {
		t.Errorf("expected shape [2 3], got %v", s)
	}
	if tensor.Size() != 6 {
		t.Errorf("expected size 6, got %d", tensor.Size())
	}

	tensor.Set(1.5, 0, 0)
	tensor.Set(2.5, 1, 2)

	if v := tensor.At(0, 0); v != 1.5 {
		t.Errorf("expected 1.5, got %f", v)
	}
	if v := tensor.At(1, 2); v != 2.5 {
		t.Errorf("expected 2.5, got %f", v)
	}
}

// TestTensorShapeIsCopy verifies callers cannot mutate the shape through Shape().
func TestTensorShapeIsCopy(t *testing.T) {
	tensor := NewTensor(4, 5)
	s := tensor.Shape()
	s[0] = 99

	if tensor.Shape()[0] != 4 {
		t.Errorf("expected shape to stay [4 5], got %v", tensor.Shape())
	}
}

func TestNewTensorFromPanicsOnLength(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for mismatched data length")
		}
	}()
	NewTensorFrom(make([]float64, 5), 2, 3)
}

func TestNewTensorRandIsSeeded(t *testing.T) {
	a := NewTensorRand(rand.New(rand.NewSource(7)), 0.5, 3, 4)
	b := NewTensorRand(rand.New(rand.NewSource(7)), 0.5, 3, 4)
	for i := range a.data {
		if a.data[i] != b.data[i] {
			t.Fatalf("same seed produced different values at %d: %f vs %f", i, a.data[i], b.data[i])
		}
	}
}

// TestTruncateLast covers the time-axis trim the batch formatter relies on.
func TestTruncateLast(t *testing.T) {
	x := NewTensor(2, 3, 5)
	for i := range x.data {
		x.data[i] = float64(i)
	}
	x.device = "cpu"

	y := x.TruncateLast(3)
	if s := y.Shape(); s[0] != 2 || s[1] != 3 || s[2] != 3 {
		t.Fatalf("expected shape [2 3 3], got %v", s)
	}
	if y.Device() != "cpu" {
		t.Errorf("expected device tag to survive, got %q", y.Device())
	}
	for b := 0; b < 2; b++ {
		for c := 0; c < 3; c++ {
			for f := 0; f < 3; f++ {
				if got, want := y.At(b, c, f), x.At(b, c, f); got != want {
					t.Errorf("y[%d,%d,%d] = %f, want %f", b, c, f, got, want)
				}
			}
		}
	}

	if same := x.TruncateLast(5); same != x {
		t.Error("truncating to the full length should return the tensor itself")
	}
}

func TestTruncateLastPanicsOnZero(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic when truncating to 0")
		}
	}()
	NewTensor(1, 3).TruncateLast(0)
}

func TestReshapeSharesData(t *testing.T) {
	x := NewTensor(2, 6)
	y := x.Reshape(3, 4)
	y.data[5] = 42

	if x.data[5] != 42 {
		t.Error("reshape should share the backing data")
	}
}

func TestCloneIsDeep(t *testing.T) {
	x := NewTensor(3)
	x.Grad()[1] = 2
	c := x.Clone()
	c.data[0] = 1
	c.grad[1] = 5

	if x.data[0] != 0 || x.grad[1] != 2 {
		t.Error("clone should not alias the original")
	}
}

// TestElementOps checks the in-place add and ReLU kernels on small inputs.
func TestElementOps(t *testing.T) {
	a := NewTensorFrom([]float64{1, -2, 3}, 3)
	b := NewTensorFrom([]float64{0.5, 0.5, -4}, 3)

	sum, relu := NewTensor(3), NewTensor(3)
	addInto(sum, a, b)
	reluInto(relu, a)

	tests := []struct {
		name string
		got  *Tensor
		want []float64
	}{
		{"add", sum, []float64{1.5, -1.5, -1}},
		{"relu", relu, []float64{1, 0, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i, w := range tt.want {
				if tt.got.data[i] != w {
					t.Errorf("[%d]: expected %f, got %f", i, w, tt.got.data[i])
				}
			}
		})
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic adding mismatched shapes")
		}
	}()
	addInto(NewTensor(3), a, NewTensor(2))
}

// TestMSEBackward compares the analytic MSE gradient to finite differences.
func TestMSEBackward(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	pred := NewTensorRand(rng, 1, 2, 5)
	target := NewTensorRand(rng, 1, 2, 5)

	grad := MSEBackward(pred, target, 1)

	const eps = 1e-6
	for i := range pred.data {
		orig := pred.data[i]
		pred.data[i] = orig + eps
		up := MSELoss(pred, target)
		pred.data[i] = orig - eps
		down := MSELoss(pred, target)
		pred.data[i] = orig

		numeric := (up - down) / (2 * eps)
		if math.Abs(numeric-grad.data[i]) > 1e-6 {
			t.Errorf("grad[%d]: analytic %f, numeric %f", i, grad.data[i], numeric)
		}
	}
}

func TestReLUBackward(t *testing.T) {
	x := NewTensorFrom([]float64{-1, 0, 2}, 3)
	gy := NewTensorFrom([]float64{5, 5, 5}, 3)
	gx := NewTensor(3)
	reluBackwardInto(gx, x, gy)

	want := []float64{0, 0, 5}
	for i := range want {
		if gx.data[i] != want[i] {
			t.Errorf("[%d]: expected %f, got %f", i, want[i], gx.data[i])
		}
	}
}

func newTestRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}
