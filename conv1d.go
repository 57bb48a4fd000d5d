package main

import (
	"fmt"
	"math"
	"math/rand"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The layers the DVAE is built from, all over (batch, channels, frames):
//
//   Conv1d     y[b,o,t] = bias[o] + Σ_i Σ_k W[o,i,k] · x[b,i, t·stride - pad + k]
//   reluLayer  y = max(0, x)
//   upsample   nearest-neighbour ×2 along frames
//   resBlock   y = x + conv1x1(relu(conv3(relu(conv3(x)))))
//
// Each layer has a forward that returns the tensors its backward needs
// ("saved"), and a backward that turns ∂L/∂y into ∂L/∂x while accumulating
// ∂L/∂W into the parameters' gradient buffers.
//
// BACKWARD FOR CONV1D:
//
//   ∂L/∂x[b,i,p] = Σ_o Σ_k W[o,i,k] · ∂L/∂y[b,o,t]   where p = t·stride - pad + k
//   ∂L/∂W[o,i,k] = Σ_b Σ_t ∂L/∂y[b,o,t] · x[b,i,p]
//   ∂L/∂bias[o]  = Σ_b Σ_t ∂L/∂y[b,o,t]
//
// Every output row of each of the three sums is owned by one goroutine, so
// the row-parallel split needs no locks.
//
// MEMORY:
//
// Activations and input gradients come from a stepArena backed by the
// device's BufferPool and go back to the pool when the pass is released.
//
// ===========================================================================

// NamedTensor pairs a tensor with its checkpoint name.
type NamedTensor struct {
	Name   string
	Tensor *Tensor
}

// stepArena hands out pooled tensors for one forward/backward pass and
// returns them all at once. Only the control goroutine allocates from it.
type stepArena struct {
	pool    *BufferPool
	tensors []*Tensor
}

func newStepArena(pool *BufferPool) *stepArena {
	return &stepArena{pool: pool}
}

// tensor returns a zeroed tensor owned by the arena.
func (a *stepArena) tensor(shape ...int) *Tensor {
	if a == nil || a.pool == nil {
		return NewTensor(shape...)
	}
	t := NewTensorFrom(a.pool.Get(shapeSize(shape)), shape...)
	a.tensors = append(a.tensors, t)
	return t
}

// free returns every arena tensor to the pool. The tensors must not be
// used afterwards.
func (a *stepArena) free() {
	if a == nil || a.pool == nil {
		return
	}
	for _, t := range a.tensors {
		a.pool.Put(t.data)
		t.data = nil
	}
	a.tensors = a.tensors[:0]
}

// layerRuntime carries execution settings shared by every layer call.
type layerRuntime struct {
	compute ComputeConfig
	arena   *stepArena
}

// layer is one differentiable stage of the network.
type layer interface {
	forward(rt *layerRuntime, x *Tensor) (y *Tensor, saved []*Tensor)
	backward(rt *layerRuntime, saved []*Tensor, gradY *Tensor) *Tensor
	namedParams() []NamedTensor
}

// Conv1d is a 1-D convolution with zero padding.
type Conv1d struct {
	name   string
	inCh   int
	outCh  int
	kernel int
	stride int
	pad    int

	Weight *Tensor // (outCh, inCh, kernel)
	Bias   *Tensor // (outCh)
}

// NewConv1d creates a convolution initialized uniformly in ±1/sqrt(fan_in).
func NewConv1d(name string, inCh, outCh, kernel, stride, pad int, rng *rand.Rand) *Conv1d {
	c := &Conv1d{
		name:   name,
		inCh:   inCh,
		outCh:  outCh,
		kernel: kernel,
		stride: stride,
		pad:    pad,
		Weight: NewTensor(outCh, inCh, kernel),
		Bias:   NewTensor(outCh),
	}

	bound := 1 / math.Sqrt(float64(inCh*kernel))
	for i := range c.Weight.data {
		c.Weight.data[i] = (rng.Float64()*2 - 1) * bound
	}
	for i := range c.Bias.data {
		c.Bias.data[i] = (rng.Float64()*2 - 1) * bound
	}

	return c
}

// OutLen returns the output frame count for an input of t frames.
func (c *Conv1d) OutLen(t int) int {
	return (t+2*c.pad-c.kernel)/c.stride + 1
}

func (c *Conv1d) namedParams() []NamedTensor {
	return []NamedTensor{
		{Name: c.name + ".weight", Tensor: c.Weight},
		{Name: c.name + ".bias", Tensor: c.Bias},
	}
}

func (c *Conv1d) forward(rt *layerRuntime, x *Tensor) (*Tensor, []*Tensor) {
	if x.Dims() != 3 || x.shape[1] != c.inCh {
		panic(fmt.Sprintf("%s: want (B, %d, T) input, got %v", c.name, c.inCh, x.shape))
	}
	batch, frames := x.shape[0], x.shape[2]
	outLen := c.OutLen(frames)
	if outLen <= 0 {
		panic(fmt.Sprintf("%s: input of %d frames is too short", c.name, frames))
	}

	y := rt.arena.tensor(batch, c.outCh, outLen)
	w, bias := c.Weight.data, c.Bias.data

	rt.compute.ParallelRows(batch*c.outCh, func(start, end int) {
		for row := start; row < end; row++ {
			b, o := row/c.outCh, row%c.outCh
			dst := y.data[row*outLen : (row+1)*outLen]
			for t := range dst {
				dst[t] = bias[o]
			}
			for i := 0; i < c.inCh; i++ {
				src := x.data[(b*c.inCh+i)*frames : (b*c.inCh+i+1)*frames]
				wk := w[(o*c.inCh+i)*c.kernel : (o*c.inCh+i+1)*c.kernel]
				for k, wv := range wk {
					if wv == 0 {
						continue
					}
					for t := 0; t < outLen; t++ {
						p := t*c.stride - c.pad + k
						if p < 0 || p >= frames {
							continue
						}
						dst[t] += wv * src[p]
					}
				}
			}
		}
	})

	return y, []*Tensor{x}
}

func (c *Conv1d) backward(rt *layerRuntime, saved []*Tensor, gradY *Tensor) *Tensor {
	x := saved[0]
	batch, frames := x.shape[0], x.shape[2]
	outLen := gradY.shape[2]

	gradX := rt.arena.tensor(x.shape...)
	w := c.Weight.data
	gw := c.Weight.Grad()
	gb := c.Bias.Grad()

	// ∂L/∂x, one (b, i) row per iteration
	rt.compute.ParallelRows(batch*c.inCh, func(start, end int) {
		for row := start; row < end; row++ {
			b, i := row/c.inCh, row%c.inCh
			dst := gradX.data[row*frames : (row+1)*frames]
			for o := 0; o < c.outCh; o++ {
				gy := gradY.data[(b*c.outCh+o)*outLen : (b*c.outCh+o+1)*outLen]
				wk := w[(o*c.inCh+i)*c.kernel : (o*c.inCh+i+1)*c.kernel]
				for k, wv := range wk {
					if wv == 0 {
						continue
					}
					for t, g := range gy {
						p := t*c.stride - c.pad + k
						if p < 0 || p >= frames {
							continue
						}
						dst[p] += wv * g
					}
				}
			}
		}
	})

	// ∂L/∂W and ∂L/∂bias, one output channel per iteration
	rt.compute.ParallelRows(c.outCh, func(start, end int) {
		for o := start; o < end; o++ {
			for b := 0; b < batch; b++ {
				gy := gradY.data[(b*c.outCh+o)*outLen : (b*c.outCh+o+1)*outLen]
				for _, g := range gy {
					gb[o] += g
				}
				for i := 0; i < c.inCh; i++ {
					src := x.data[(b*c.inCh+i)*frames : (b*c.inCh+i+1)*frames]
					gwk := gw[(o*c.inCh+i)*c.kernel : (o*c.inCh+i+1)*c.kernel]
					for k := range gwk {
						sum := 0.0
						for t, g := range gy {
							p := t*c.stride - c.pad + k
							if p < 0 || p >= frames {
								continue
							}
							sum += g * src[p]
						}
						gwk[k] += sum
					}
				}
			}
		}
	})

	return gradX
}

// reluLayer applies max(0, x).
type reluLayer struct{}

func (reluLayer) namedParams() []NamedTensor { return nil }

func (reluLayer) forward(rt *layerRuntime, x *Tensor) (*Tensor, []*Tensor) {
	y := rt.arena.tensor(x.shape...)
	reluInto(y, x)
	return y, []*Tensor{x}
}

func (reluLayer) backward(rt *layerRuntime, saved []*Tensor, gradY *Tensor) *Tensor {
	x := saved[0]
	gradX := rt.arena.tensor(x.shape...)
	reluBackwardInto(gradX, x, gradY)
	return gradX
}

// upsample repeats every frame twice.
type upsample struct{}

func (upsample) namedParams() []NamedTensor { return nil }

func (upsample) forward(rt *layerRuntime, x *Tensor) (*Tensor, []*Tensor) {
	rows, frames := x.shape[0]*x.shape[1], x.shape[2]
	y := rt.arena.tensor(x.shape[0], x.shape[1], frames*2)
	for r := 0; r < rows; r++ {
		src := x.data[r*frames : (r+1)*frames]
		dst := y.data[r*frames*2 : (r+1)*frames*2]
		for t, v := range src {
			dst[2*t] = v
			dst[2*t+1] = v
		}
	}
	return y, []*Tensor{x}
}

func (upsample) backward(rt *layerRuntime, saved []*Tensor, gradY *Tensor) *Tensor {
	x := saved[0]
	rows, frames := x.shape[0]*x.shape[1], x.shape[2]
	gradX := rt.arena.tensor(x.shape...)
	for r := 0; r < rows; r++ {
		gy := gradY.data[r*frames*2 : (r+1)*frames*2]
		dst := gradX.data[r*frames : (r+1)*frames]
		for t := range dst {
			dst[t] = gy[2*t] + gy[2*t+1]
		}
	}
	return gradX
}

// resBlock is x + conv1x1(relu(conv(relu(conv(x))))).
type resBlock struct {
	body []layer
}

func newResBlock(name string, channels, kernel int, rng *rand.Rand) *resBlock {
	pad := (kernel - 1) / 2
	return &resBlock{body: []layer{
		NewConv1d(name+".net.0", channels, channels, kernel, 1, pad, rng),
		reluLayer{},
		NewConv1d(name+".net.2", channels, channels, kernel, 1, pad, rng),
		reluLayer{},
		NewConv1d(name+".net.4", channels, channels, 1, 1, 0, rng),
	}}
}

func (r *resBlock) namedParams() []NamedTensor {
	var out []NamedTensor
	for _, l := range r.body {
		out = append(out, l.namedParams()...)
	}
	return out
}

func (r *resBlock) forward(rt *layerRuntime, x *Tensor) (*Tensor, []*Tensor) {
	h, saves := runLayers(rt, r.body, x)
	y := rt.arena.tensor(x.shape...)
	addInto(y, x, h)
	return y, flattenSaves(saves)
}

func (r *resBlock) backward(rt *layerRuntime, saved []*Tensor, gradY *Tensor) *Tensor {
	saves := unflattenSaves(saved, len(r.body))
	gradInner := backLayers(rt, r.body, saves, gradY)
	gradX := rt.arena.tensor(gradY.shape...)
	addInto(gradX, gradY, gradInner)
	return gradX
}

// runLayers applies layers in order, collecting each layer's saves.
func runLayers(rt *layerRuntime, layers []layer, x *Tensor) (*Tensor, [][]*Tensor) {
	saves := make([][]*Tensor, len(layers))
	for i, l := range layers {
		x, saves[i] = l.forward(rt, x)
	}
	return x, saves
}

// backLayers runs the backward passes of layers in reverse order.
func backLayers(rt *layerRuntime, layers []layer, saves [][]*Tensor, grad *Tensor) *Tensor {
	for i := len(layers) - 1; i >= 0; i-- {
		grad = layers[i].backward(rt, saves[i], grad)
	}
	return grad
}

// flattenSaves packs per-layer saves into one slice. Each group is preceded
// by a nil separator followed by its tensors; unflattenSaves reverses it.
func flattenSaves(saves [][]*Tensor) []*Tensor {
	var out []*Tensor
	for _, s := range saves {
		out = append(out, nil)
		out = append(out, s...)
	}
	return out
}

func unflattenSaves(flat []*Tensor, groups int) [][]*Tensor {
	saves := make([][]*Tensor, 0, groups)
	for _, t := range flat {
		if t == nil {
			saves = append(saves, nil)
			continue
		}
		last := len(saves) - 1
		saves[last] = append(saves[last], t)
	}
	return saves
}
