package main

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The discrete VAE that turns an 80-channel mel-spectrogram into a sequence
// of codebook tokens and back.
//
// ARCHITECTURE (num_layers = 2, num_resnet_blocks = 3):
//
//   mel (B, 80, T)
//     encoder.0  conv k3 stride 2 → relu          (B, hidden,   T/2)
//     encoder.1  conv k3 stride 2 → relu          (B, hidden·2, T/4)
//     encoder.2-4  resblock × 3
//     encoder.5  conv 1x1 → codebook_dim          (B, codebook_dim, T/4)
//   quantizer    nearest codebook entry per frame
//     decoder.0  conv 1x1 codebook_dim → hidden·2
//     decoder.1-3  resblock × 3
//     decoder.4  upsample ×2 → conv k3 → relu    (B, hidden·2, T/2)
//     decoder.5  upsample ×2 → conv k3 → relu    (B, hidden,   T)
//     decoder.6  conv 1x1 → 80                   (B, 80, T)
//
// The encoder halves time num_layers times and the decoder doubles it back,
// so T must be a multiple of 2^num_layers for the output to line up with
// the input. The batch formatter guarantees this for num_layers = 2.
//
// LOSSES:
//
//   recon  = mean((out - mel)²)
//   commit = mean((z - sg(q))²)
//   total  = recon + commit
//
// ===========================================================================

// DVAEConfig describes the network shape.
type DVAEConfig struct {
	Channels        int     `yaml:"channels" json:"channels"`
	NumTokens       int     `yaml:"num_tokens" json:"num_tokens"`
	CodebookDim     int     `yaml:"codebook_dim" json:"codebook_dim"`
	HiddenDim       int     `yaml:"hidden_dim" json:"hidden_dim"`
	NumResnetBlocks int     `yaml:"num_resnet_blocks" json:"num_resnet_blocks"`
	KernelSize      int     `yaml:"kernel_size" json:"kernel_size"`
	NumLayers       int     `yaml:"num_layers" json:"num_layers"`
	Decay           float64 `yaml:"codebook_decay" json:"codebook_decay"`
}

// DefaultDVAEConfig returns the layout of the pretrained XTTS DVAE.
func DefaultDVAEConfig() DVAEConfig {
	return DVAEConfig{
		Channels:        80,
		NumTokens:       1024,
		CodebookDim:     512,
		HiddenDim:       512,
		NumResnetBlocks: 3,
		KernelSize:      3,
		NumLayers:       2,
		Decay:           0.99,
	}
}

// Validate reports a configuration the network cannot be built from.
func (c DVAEConfig) Validate() error {
	switch {
	case c.Channels <= 0, c.NumTokens <= 0, c.CodebookDim <= 0, c.HiddenDim <= 0:
		return errors.New("dvae: channels, num_tokens, codebook_dim and hidden_dim must be positive")
	case c.NumLayers <= 0:
		return errors.New("dvae: num_layers must be positive")
	case c.NumResnetBlocks < 0:
		return errors.New("dvae: num_resnet_blocks must be >= 0")
	case c.KernelSize <= 0 || c.KernelSize%2 == 0:
		return errors.Errorf("dvae: kernel_size must be odd and positive, got %d", c.KernelSize)
	case c.Decay <= 0 || c.Decay >= 1:
		return errors.Errorf("dvae: codebook_decay must be in (0, 1), got %g", c.Decay)
	}
	return nil
}

// FrameMultiple is the frame count granularity the model accepts.
func (c DVAEConfig) FrameMultiple() int {
	return 1 << c.NumLayers
}

// DVAE is the discrete VAE.
type DVAE struct {
	cfg      DVAEConfig
	encoder  []layer
	decoder  []layer
	codebook *Quantizer
	compute  ComputeConfig
	pool     *BufferPool
	training bool
}

// NewDVAE builds a randomly initialized model. pool may be nil.
func NewDVAE(cfg DVAEConfig, compute ComputeConfig, pool *BufferPool, rng *rand.Rand) (*DVAE, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	encChans := []int{cfg.Channels}
	for i := 0; i < cfg.NumLayers; i++ {
		encChans = append(encChans, cfg.HiddenDim<<i)
	}
	innermost := encChans[len(encChans)-1]
	decChans := []int{innermost}
	for i := len(encChans) - 1; i >= 1; i-- {
		decChans = append(decChans, encChans[i])
	}
	if cfg.NumResnetBlocks == 0 {
		decChans[0] = cfg.CodebookDim
	}

	pad := (cfg.KernelSize - 1) / 2
	m := &DVAE{
		cfg:      cfg,
		compute:  compute,
		pool:     pool,
		training: true,
	}

	for i := 0; i < cfg.NumLayers; i++ {
		name := fmt.Sprintf("encoder.%d", len(m.encoder)/2)
		m.encoder = append(m.encoder,
			NewConv1d(name+".0", encChans[i], encChans[i+1], cfg.KernelSize, 2, pad, rng),
			reluLayer{},
		)
	}
	encIdx := cfg.NumLayers
	for i := 0; i < cfg.NumResnetBlocks; i++ {
		m.encoder = append(m.encoder, newResBlock(fmt.Sprintf("encoder.%d", encIdx), innermost, cfg.KernelSize, rng))
		encIdx++
	}
	m.encoder = append(m.encoder, NewConv1d(fmt.Sprintf("encoder.%d", encIdx), innermost, cfg.CodebookDim, 1, 1, 0, rng))

	decIdx := 0
	if cfg.NumResnetBlocks > 0 {
		m.decoder = append(m.decoder, NewConv1d("decoder.0", cfg.CodebookDim, innermost, 1, 1, 0, rng))
		decIdx++
		for i := 0; i < cfg.NumResnetBlocks; i++ {
			m.decoder = append(m.decoder, newResBlock(fmt.Sprintf("decoder.%d", decIdx), innermost, cfg.KernelSize, rng))
			decIdx++
		}
	}
	for i := 0; i < cfg.NumLayers; i++ {
		name := fmt.Sprintf("decoder.%d", decIdx)
		m.decoder = append(m.decoder,
			upsample{},
			NewConv1d(name+".0.conv", decChans[i], decChans[i+1], cfg.KernelSize, 1, pad, rng),
			reluLayer{},
		)
		decIdx++
	}
	m.decoder = append(m.decoder, NewConv1d(fmt.Sprintf("decoder.%d", decIdx), decChans[len(decChans)-1], cfg.Channels, 1, 1, 0, rng))

	m.codebook = NewQuantizer(cfg.CodebookDim, cfg.NumTokens, cfg.Decay, rng)
	return m, nil
}

// Config returns the network configuration.
func (m *DVAE) Config() DVAEConfig { return m.cfg }

// SetTraining switches between training mode (codebook EMA updates on every
// forward) and evaluation mode.
func (m *DVAE) SetTraining(training bool) { m.training = training }

// Training reports the current mode.
func (m *DVAE) Training() bool { return m.training }

// Parameters returns the trainable tensors.
func (m *DVAE) Parameters() []*Tensor {
	named := m.namedParams()
	out := make([]*Tensor, len(named))
	for i, p := range named {
		out[i] = p.Tensor
	}
	return out
}

func (m *DVAE) namedParams() []NamedTensor {
	var out []NamedTensor
	for _, l := range m.encoder {
		out = append(out, l.namedParams()...)
	}
	for _, l := range m.decoder {
		out = append(out, l.namedParams()...)
	}
	return out
}

// NamedTensors returns parameters followed by codebook buffers, in the order
// they are written to checkpoints.
func (m *DVAE) NamedTensors() []NamedTensor {
	return append(m.namedParams(), m.codebook.namedBuffers("codebook")...)
}

// Pass is the result of one forward pass. Its activations stay alive until
// Backward or Release is called.
type Pass struct {
	ReconLoss  float64
	CommitLoss float64
	Out        *Tensor // reconstruction (B, channels, T), owned by the caller
	Codes      []int   // code per latent frame, batch-major

	backward func()
	release  func()
}

// Loss returns ReconLoss + CommitLoss.
func (p *Pass) Loss() float64 {
	return p.ReconLoss + p.CommitLoss
}

// Backward accumulates ∂(recon + commit)/∂θ into the parameter gradients and
// releases the pass.
func (p *Pass) Backward() {
	if p.backward != nil {
		p.backward()
		p.backward = nil
	}
	p.Release()
}

// Release frees the pass's activations without computing gradients.
func (p *Pass) Release() {
	if p.release != nil {
		p.release()
		p.release = nil
	}
	p.backward = nil
}

// Forward runs mel (B, channels, T) through the model.
func (m *DVAE) Forward(mel *Tensor) (*Pass, error) {
	if mel == nil {
		return nil, ErrMissingMel
	}
	if mel.Dims() != 3 || mel.shape[1] != m.cfg.Channels {
		return nil, errors.Wrapf(ErrShapeMismatch, "dvae: want (B, %d, T) mel, got %v", m.cfg.Channels, mel.shape)
	}
	if frames := mel.shape[2]; frames%m.cfg.FrameMultiple() != 0 {
		return nil, errors.Wrapf(ErrShapeMismatch, "dvae: %d frames is not a multiple of %d", frames, m.cfg.FrameMultiple())
	}

	rt := &layerRuntime{compute: m.compute, arena: newStepArena(m.pool)}

	z, encSaves := runLayers(rt, m.encoder, mel)
	qr := m.codebook.quantize(rt, z, m.training)
	y, decSaves := runLayers(rt, m.decoder, qr.quantized)

	out := y.Clone()
	recon := MSELoss(out, mel)

	pass := &Pass{
		ReconLoss:  recon,
		CommitLoss: qr.commit,
		Out:        out,
		Codes:      qr.codes,
		release:    rt.arena.free,
	}
	pass.backward = func() {
		gradY := MSEBackward(out, mel, 1)
		gradQ := backLayers(rt, m.decoder, decSaves, gradY)
		gradZ := m.codebook.backward(rt, z, qr, gradQ, 1)
		backLayers(rt, m.encoder, encSaves, gradZ)
	}
	return pass, nil
}

// Tokenize returns the code sequence of every utterance in mel without
// touching the codebook statistics.
func (m *DVAE) Tokenize(mel *Tensor) ([][]int, error) {
	training := m.training
	m.training = false
	defer func() { m.training = training }()

	pass, err := m.Forward(mel)
	if err != nil {
		return nil, err
	}
	defer pass.Release()

	batch := mel.shape[0]
	frames := len(pass.Codes) / batch
	out := make([][]int, batch)
	for b := range out {
		out[b] = append([]int(nil), pass.Codes[b*frames:(b+1)*frames]...)
	}
	return out, nil
}
