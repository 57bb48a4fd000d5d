package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Backward rules for the element-wise pieces of the DVAE: activations and
// the mean-squared-error loss. The convolution and codebook layers carry
// their own backward passes (conv1d.go, quantize.go).
//
// THE CHAIN RULE:
//
// Given: y = f(x) and L = g(y)
// Backward: given ∂L/∂y, compute ∂L/∂x = ∂L/∂y · ∂y/∂x
//
// Each rule below takes the upstream gradient and returns the gradient with
// respect to its input. Nothing is accumulated into Tensor.grad here; the
// layers decide where gradients land.
//
// ===========================================================================

import (
	"fmt"
)

// reluBackwardInto computes the ReLU gradient into a zeroed gradX.
//
//   ∂L/∂X[i] = ∂L/∂Y[i] * indicator(X[i] > 0)
func reluBackwardInto(gradX, x, gradY *Tensor) {
	for i := range x.data {
		if x.data[i] > 0 {
			gradX.data[i] = gradY.data[i]
		}
	}
}

// MSELoss computes mean((pred - target)²) over all elements.
func MSELoss(pred, target *Tensor) float64 {
	if !shapeEqual(pred.shape, target.shape) {
		panic(fmt.Sprintf("MSELoss: shapes %v and %v differ", pred.shape, target.shape))
	}

	sum := 0.0
	for i := range pred.data {
		d := pred.data[i] - target.data[i]
		sum += d * d
	}
	return sum / float64(len(pred.data))
}

// MSEBackward returns ∂L/∂pred for L = scale * mean((pred - target)²):
//   grad[i] = scale * 2 * (pred[i] - target[i]) / n
func MSEBackward(pred, target *Tensor, scale float64) *Tensor {
	grad := NewTensor(pred.shape...)
	n := float64(len(pred.data))

	for i := range pred.data {
		grad.data[i] = scale * 2 * (pred.data[i] - target.data[i]) / n
	}

	return grad
}
