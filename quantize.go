package main

import (
	"math"
	"math/rand"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Vector quantization with an exponential-moving-average codebook.
//
// Every encoder frame z (a codebook_dim vector) is replaced by its nearest
// codebook entry e_j:
//
//   j* = argmin_j ||z - e_j||² = argmin_j (||e_j||² - 2 z·e_j)
//
// The codebook is not trained by gradient descent. In training mode it is
// pulled towards the frames assigned to each entry:
//
//   cluster_size = decay·cluster_size + (1-decay)·count_j
//   embed_avg    = decay·embed_avg    + (1-decay)·Σ z assigned to j
//   cluster_size = (cluster_size + eps) / (n + K·eps) · n     (Laplace smoothing)
//   e_j          = embed_avg_j / cluster_size_j
//
// GRADIENTS:
//
// Quantization is not differentiable. The straight-through estimator copies
// ∂L/∂q to ∂L/∂z unchanged. The commitment loss mean((z - sg(q))²) adds
// 2(z - q)/n, pulling the encoder towards the codes it picked.
//
// ===========================================================================

// Quantizer is an EMA vector-quantization codebook.
type Quantizer struct {
	dim       int
	numTokens int
	decay     float64
	eps       float64

	Embed       *Tensor // (numTokens, dim)
	ClusterSize *Tensor // (numTokens)
	EmbedAvg    *Tensor // (numTokens, dim)
}

// NewQuantizer creates a codebook with entries drawn from N(0, 1).
func NewQuantizer(dim, numTokens int, decay float64, rng *rand.Rand) *Quantizer {
	q := &Quantizer{
		dim:         dim,
		numTokens:   numTokens,
		decay:       decay,
		eps:         1e-5,
		Embed:       NewTensorRand(rng, 1, numTokens, dim),
		ClusterSize: NewTensor(numTokens),
		EmbedAvg:    NewTensor(numTokens, dim),
	}
	copy(q.EmbedAvg.data, q.Embed.data)
	return q
}

// NumTokens returns the codebook size.
func (q *Quantizer) NumTokens() int { return q.numTokens }

// namedBuffers lists the codebook state saved with checkpoints.
func (q *Quantizer) namedBuffers(prefix string) []NamedTensor {
	return []NamedTensor{
		{Name: prefix + ".embed", Tensor: q.Embed},
		{Name: prefix + ".cluster_size", Tensor: q.ClusterSize},
		{Name: prefix + ".embed_avg", Tensor: q.EmbedAvg},
	}
}

// quantizeResult is what the backward pass needs from quantize.
type quantizeResult struct {
	quantized *Tensor // (B, dim, T) codebook vectors
	codes     []int   // B*T code indices, batch-major
	commit    float64
}

// quantize maps z (B, dim, T) to its nearest codebook vectors. With update
// set, the codebook EMA statistics move towards the assignment afterwards;
// the returned vectors always come from the codebook as it was before.
func (q *Quantizer) quantize(rt *layerRuntime, z *Tensor, update bool) quantizeResult {
	batch, frames := z.shape[0], z.shape[2]
	dim := q.dim

	norms := make([]float64, q.numTokens)
	for j := range norms {
		e := q.Embed.data[j*dim : (j+1)*dim]
		s := 0.0
		for _, v := range e {
			s += v * v
		}
		norms[j] = s
	}

	codes := make([]int, batch*frames)
	rt.compute.ParallelRows(batch*frames, func(start, end int) {
		vec := make([]float64, dim)
		for row := start; row < end; row++ {
			b, t := row/frames, row%frames
			for d := 0; d < dim; d++ {
				vec[d] = z.data[(b*dim+d)*frames+t]
			}
			best, bestDist := 0, math.Inf(1)
			for j := 0; j < q.numTokens; j++ {
				e := q.Embed.data[j*dim : (j+1)*dim]
				dot := 0.0
				for d, v := range vec {
					dot += v * e[d]
				}
				if dist := norms[j] - 2*dot; dist < bestDist {
					best, bestDist = j, dist
				}
			}
			codes[row] = best
		}
	})

	quantized := rt.arena.tensor(z.shape...)
	commit := 0.0
	for row, j := range codes {
		b, t := row/frames, row%frames
		e := q.Embed.data[j*dim : (j+1)*dim]
		for d, v := range e {
			idx := (b*dim+d)*frames + t
			quantized.data[idx] = v
			diff := v - z.data[idx]
			commit += diff * diff
		}
	}
	commit /= float64(len(z.data))

	if update {
		q.updateEMA(z, codes)
	}

	return quantizeResult{quantized: quantized, codes: codes, commit: commit}
}

func (q *Quantizer) updateEMA(z *Tensor, codes []int) {
	frames := z.shape[2]
	dim := q.dim

	counts := make([]float64, q.numTokens)
	sums := make([]float64, q.numTokens*dim)
	for row, j := range codes {
		b, t := row/frames, row%frames
		counts[j]++
		for d := 0; d < dim; d++ {
			sums[j*dim+d] += z.data[(b*dim+d)*frames+t]
		}
	}

	keep := q.decay
	for j := range counts {
		q.ClusterSize.data[j] = keep*q.ClusterSize.data[j] + (1-keep)*counts[j]
	}
	for i := range sums {
		q.EmbedAvg.data[i] = keep*q.EmbedAvg.data[i] + (1-keep)*sums[i]
	}

	n := 0.0
	for _, c := range q.ClusterSize.data {
		n += c
	}
	k := float64(q.numTokens)
	for j := range q.ClusterSize.data {
		smoothed := (q.ClusterSize.data[j] + q.eps) / (n + k*q.eps) * n
		for d := 0; d < dim; d++ {
			q.Embed.data[j*dim+d] = q.EmbedAvg.data[j*dim+d] / smoothed
		}
	}
}

// backward returns ∂L/∂z given ∂L/∂q and the weight of the commitment loss.
func (q *Quantizer) backward(rt *layerRuntime, z *Tensor, res quantizeResult, gradQ *Tensor, commitScale float64) *Tensor {
	gradZ := rt.arena.tensor(z.shape...)
	coef := commitScale * 2 / float64(len(z.data))
	for i := range gradZ.data {
		gradZ.data[i] = gradQ.data[i] + coef*(z.data[i]-res.quantized.data[i])
	}
	return gradZ
}
