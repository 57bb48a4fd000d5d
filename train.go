package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Optimizers, learning-rate schedule and gradient clipping for fine-tuning
// the DVAE.
//
// THE UPDATE:
//
//   1. Gradients accumulate into Tensor.grad during the backward pass.
//   2. Clip: if the global L2 norm over every parameter exceeds max_norm,
//      scale all gradients by max_norm / norm.
//   3. Step: Adam (default) or SGD moves each parameter against its gradient.
//   4. ZeroGrad before the next batch.
//
// Fine-tuning a pretrained tokenizer wants small, steady steps: the default
// is Adam at 5e-5 with the gradient norm clipped to 0.5.
//
// Memory:
//   - Optimizer: Adam keeps two moments per parameter (2x parameter memory)
//
// ===========================================================================

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// OptimizerConfig selects and tunes the optimizer.
type OptimizerConfig struct {
	Name         string  `yaml:"name"` // "adam" or "sgd"
	LearningRate float64 `yaml:"lr"`
	WeightDecay  float64 `yaml:"weight_decay"`
	Beta1        float64 `yaml:"beta1"`
	Beta2        float64 `yaml:"beta2"`
	Epsilon      float64 `yaml:"epsilon"`

	// Learning rate schedule. WarmupSteps == 0 and DecaySteps == 0 keep the
	// rate constant.
	WarmupSteps int     `yaml:"warmup_steps"`
	DecaySteps  int     `yaml:"decay_steps"`
	MinLR       float64 `yaml:"min_lr"`
}

// DefaultOptimizerConfig returns Adam with PyTorch's default moments.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		Name:         "adam",
		LearningRate: 5e-5,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	}
}

// Optimizer interface for different optimization algorithms.
type Optimizer interface {
	// Step performs a single optimization step.
	// Updates parameters using their gradients.
	Step(params []*Tensor, lr float64) error

	// ZeroGrad clears all gradients.
	ZeroGrad(params []*Tensor)
}

// NewOptimizer builds the optimizer named in cfg for params.
func NewOptimizer(cfg OptimizerConfig, params []*Tensor) (Optimizer, error) {
	switch strings.ToLower(cfg.Name) {
	case "", "adam":
		return NewAdamOptimizer(params, cfg.Beta1, cfg.Beta2, cfg.Epsilon, cfg.WeightDecay), nil
	case "sgd":
		return NewSGDOptimizer(cfg.WeightDecay), nil
	default:
		return nil, errors.Errorf("unknown optimizer %q (want adam or sgd)", cfg.Name)
	}
}

// SGDOptimizer implements Stochastic Gradient Descent.
type SGDOptimizer struct {
	weightDecay float64
}

// NewSGDOptimizer creates an SGD optimizer.
func NewSGDOptimizer(weightDecay float64) *SGDOptimizer {
	return &SGDOptimizer{
		weightDecay: weightDecay,
	}
}

// Step updates parameters using SGD: param -= lr * (grad + weightDecay * param).
func (opt *SGDOptimizer) Step(params []*Tensor, lr float64) error {
	for _, p := range params {
		if p.grad == nil {
			continue
		}
		for i := range p.data {
			// L2 regularization: add weight decay
			grad := p.grad[i] + opt.weightDecay*p.data[i]

			p.data[i] -= lr * grad
		}
	}
	return nil
}

// ZeroGrad clears gradients.
func (opt *SGDOptimizer) ZeroGrad(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// AdamOptimizer implements Adam optimization algorithm.
//
// Update rule:
//   m_t = beta1 * m_{t-1} + (1 - beta1) * grad
//   v_t = beta2 * v_{t-1} + (1 - beta2) * grad²
//   m_hat = m_t / (1 - beta1^t)  // Bias correction
//   v_hat = v_t / (1 - beta2^t)
//   param -= lr * m_hat / (sqrt(v_hat) + epsilon)
type AdamOptimizer struct {
	beta1       float64
	beta2       float64
	epsilon     float64
	weightDecay float64

	// State (one per parameter)
	m []*Tensor // First moment (momentum)
	v []*Tensor // Second moment (variance)
	t int       // Time step (for bias correction)
}

// NewAdamOptimizer creates an Adam optimizer.
func NewAdamOptimizer(params []*Tensor, beta1, beta2, epsilon, weightDecay float64) *AdamOptimizer {
	m := make([]*Tensor, len(params))
	v := make([]*Tensor, len(params))

	for i, p := range params {
		m[i] = NewTensor(p.shape...)
		v[i] = NewTensor(p.shape...)
	}

	return &AdamOptimizer{
		beta1:       beta1,
		beta2:       beta2,
		epsilon:     epsilon,
		weightDecay: weightDecay,
		m:           m,
		v:           v,
	}
}

// Steps returns the number of updates applied so far.
func (opt *AdamOptimizer) Steps() int {
	return opt.t
}

// Step performs Adam update. params must be the slice the optimizer was
// built for, in the same order.
func (opt *AdamOptimizer) Step(params []*Tensor, lr float64) error {
	if len(params) != len(opt.m) {
		return errors.Errorf("adam: built for %d parameters, stepped with %d", len(opt.m), len(params))
	}
	for i, p := range params {
		if len(p.data) != len(opt.m[i].data) {
			return errors.Wrapf(ErrShapeMismatch, "adam: parameter %d has %d elements, state has %d",
				i, len(p.data), len(opt.m[i].data))
		}
	}

	opt.t++

	bias1 := 1.0 - math.Pow(opt.beta1, float64(opt.t))
	bias2 := 1.0 - math.Pow(opt.beta2, float64(opt.t))

	for i, p := range params {
		if p.grad == nil {
			continue
		}
		m, v := opt.m[i].data, opt.v[i].data
		for j := range p.data {
			grad := p.grad[j] + opt.weightDecay*p.data[j]

			m[j] = opt.beta1*m[j] + (1.0-opt.beta1)*grad
			v[j] = opt.beta2*v[j] + (1.0-opt.beta2)*grad*grad

			mHat := m[j] / bias1
			vHat := v[j] / bias2

			p.data[j] -= lr * mHat / (math.Sqrt(vHat) + opt.epsilon)
		}
	}
	return nil
}

// ZeroGrad clears gradients.
func (opt *AdamOptimizer) ZeroGrad(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// LRScheduler implements learning rate scheduling.
type LRScheduler struct {
	baseLR      float64
	minLR       float64
	warmupSteps int
	decaySteps  int
	step        int
}

// NewLRScheduler creates a learning rate scheduler.
func NewLRScheduler(baseLR, minLR float64, warmupSteps, decaySteps int) *LRScheduler {
	return &LRScheduler{
		baseLR:      baseLR,
		minLR:       minLR,
		warmupSteps: warmupSteps,
		decaySteps:  decaySteps,
	}
}

// GetLR advances the schedule by one step and returns its learning rate.
// Linear warmup, then cosine decay to minLR when decaySteps > warmupSteps,
// otherwise constant baseLR.
func (sched *LRScheduler) GetLR() float64 {
	sched.step++

	// Phase 1: Linear warmup
	if sched.step < sched.warmupSteps {
		return sched.baseLR * float64(sched.step) / float64(sched.warmupSteps)
	}

	if sched.decaySteps <= sched.warmupSteps {
		return sched.baseLR
	}

	// Phase 2: Cosine decay
	if sched.step < sched.decaySteps {
		progress := float64(sched.step-sched.warmupSteps) / float64(sched.decaySteps-sched.warmupSteps)
		cosine := 0.5 * (1.0 + math.Cos(math.Pi*progress))
		return sched.minLR + (sched.baseLR-sched.minLR)*cosine
	}

	// Phase 3: Constant minimum
	return sched.minLR
}

// GradNorm returns the global L2 norm of all gradients.
func GradNorm(params []*Tensor) float64 {
	total := 0.0
	for _, p := range params {
		for _, g := range p.grad {
			total += g * g
		}
	}
	return math.Sqrt(total)
}

// ClipGradNorm scales all gradients so their global L2 norm is at most
// maxNorm, and returns the norm before clipping. maxNorm <= 0 disables it.
func ClipGradNorm(params []*Tensor, maxNorm float64) float64 {
	norm := GradNorm(params)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}

	scale := maxNorm / (norm + 1e-6)
	for _, p := range params {
		for i := range p.grad {
			p.grad[i] *= scale
		}
	}
	return norm
}
