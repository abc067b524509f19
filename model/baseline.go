package model

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/tsawler/go-speechtrain/collate"
	"github.com/tsawler/go-speechtrain/tensor"
)

// BaselineConfig sizes the baseline model.
type BaselineConfig struct {
	VocabSize    int
	EmbeddingDim int
	Channels     int
	NumSpeakers  int
	NumEmotions  int
	LatentDim    int // 0 disables the variational latent
	Seed         uint64
}

// Baseline conditions every output frame on the mean text embedding and the
// speaker and emotion one-hots. It is small enough to run anywhere and
// exercises every part of the training contract, including the optional
// KL-regularized latent.
type Baseline struct {
	cfg      BaselineConfig
	condDim  int
	training bool

	embedding *Parameter // VocabSize x EmbeddingDim
	melW      *Parameter // Channels x condDim
	melB      *Parameter // Channels
	stopW     *Parameter // condDim
	stopPos   *Parameter // 1
	stopB     *Parameter // 1
	muW       *Parameter // LatentDim x condDim
	logVarW   *Parameter // LatentDim x condDim

	params []*Parameter
}

// NewBaseline initializes weights with Xavier uniform draws from a PCG
// stream seeded by cfg.Seed.
func NewBaseline(cfg BaselineConfig) (*Baseline, error) {
	if cfg.VocabSize <= 0 || cfg.EmbeddingDim <= 0 || cfg.Channels <= 0 {
		return nil, fmt.Errorf("baseline: vocab size, embedding dim and channels must be positive")
	}
	if cfg.NumSpeakers <= 0 || cfg.NumEmotions <= 0 {
		return nil, fmt.Errorf("baseline: speaker and emotion counts must be positive")
	}
	if cfg.LatentDim < 0 {
		return nil, fmt.Errorf("baseline: latent dim must be non-negative")
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, 0x2545f4914f6cdd1d))
	condDim := cfg.EmbeddingDim + cfg.NumSpeakers + cfg.NumEmotions
	m := &Baseline{cfg: cfg, condDim: condDim, training: true}

	var err error
	if m.embedding, err = xavier(rng, "embedding.weight", cfg.VocabSize, cfg.EmbeddingDim); err != nil {
		return nil, err
	}
	if m.melW, err = xavier(rng, "mel_proj.weight", cfg.Channels, condDim); err != nil {
		return nil, err
	}
	if m.melB, err = NewParameter("mel_proj.bias", []int{cfg.Channels}, nil); err != nil {
		return nil, err
	}
	if m.stopW, err = xavier(rng, "stop_proj.weight", 1, condDim); err != nil {
		return nil, err
	}
	if m.stopPos, err = NewParameter("stop_proj.position", []int{1}, []float32{1}); err != nil {
		return nil, err
	}
	if m.stopB, err = NewParameter("stop_proj.bias", []int{1}, nil); err != nil {
		return nil, err
	}
	m.params = []*Parameter{m.embedding, m.melW, m.melB, m.stopW, m.stopPos, m.stopB}

	if cfg.LatentDim > 0 {
		if m.muW, err = xavier(rng, "latent.mu.weight", cfg.LatentDim, condDim); err != nil {
			return nil, err
		}
		if m.logVarW, err = xavier(rng, "latent.logvar.weight", cfg.LatentDim, condDim); err != nil {
			return nil, err
		}
		m.params = append(m.params, m.muW, m.logVarW)
	}
	return m, nil
}

func xavier(rng *rand.Rand, name string, rows, cols int) (*Parameter, error) {
	bound := math.Sqrt(6.0 / float64(rows+cols))
	data := make([]float32, rows*cols)
	for i := range data {
		data[i] = float32((rng.Float64()*2.0 - 1.0) * bound)
	}
	shape := []int{rows, cols}
	if rows == 1 {
		shape = []int{cols}
	}
	return NewParameter(name, shape, data)
}

func (m *Baseline) Parameters() []*Parameter { return m.params }
func (m *Baseline) Train()                   { m.training = true }
func (m *Baseline) Eval()                    { m.training = false }
func (m *Baseline) IsTraining() bool         { return m.training }

func (m *Baseline) ZeroGrad() {
	for _, p := range m.params {
		p.ZeroGrad()
	}
}

func vec(data []float32) blas32.Vector {
	return blas32.Vector{N: len(data), Inc: 1, Data: data}
}

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// position is the stop-token time feature for frame t of T.
func position(t, frames int) float32 {
	if frames == 0 {
		return 0
	}
	return float32(t) / float32(frames)
}

func (m *Baseline) Forward(batch *collate.Batch) (*Output, error) {
	if batch == nil || batch.Size() == 0 {
		return nil, fmt.Errorf("baseline: empty batch")
	}
	if got := batch.FeaturePadded.Size(1); got != m.cfg.Channels {
		return nil, fmt.Errorf("baseline: batch has %d channels, model expects %d", got, m.cfg.Channels)
	}
	if got := batch.Speakers.Size(1); got != m.cfg.NumSpeakers {
		return nil, fmt.Errorf("baseline: batch has %d speakers, model expects %d", got, m.cfg.NumSpeakers)
	}
	if got := batch.Emotions.Size(1); got != m.cfg.NumEmotions {
		return nil, fmt.Errorf("baseline: batch has %d emotions, model expects %d", got, m.cfg.NumEmotions)
	}

	n, frames, channels := batch.Size(), batch.MaxFrames(), m.cfg.Channels
	cond, err := m.condition(batch)
	if err != nil {
		return nil, err
	}

	mel, err := tensor.Zeros([]int{n, channels, frames}, tensor.Float32)
	if err != nil {
		return nil, err
	}
	stop, err := tensor.Zeros([]int{n, frames}, tensor.Float32)
	if err != nil {
		return nil, err
	}
	melData := mel.Data.([]float32)
	stopData := stop.Data.([]float32)

	w := general(channels, m.condDim, m.melW.compute())
	bias := m.melB.compute()
	sw := m.stopW.compute()
	sp := m.stopPos.compute()[0]
	sb := m.stopB.compute()[0]

	proj := make([]float32, channels)
	for b := 0; b < n; b++ {
		copy(proj, bias)
		blas32.Gemv(blas.NoTrans, 1, w, vec(cond[b]), 1, vec(proj))
		for c := 0; c < channels; c++ {
			row := melData[(b*channels+c)*frames : (b*channels+c+1)*frames]
			for t := range row {
				row[t] = proj[c]
			}
		}
		base := blas32.Dot(vec(sw), vec(cond[b])) + sb
		for t := 0; t < frames; t++ {
			stopData[b*frames+t] = base + sp*position(t, frames)
		}
	}

	out := &Output{Mel: mel, StopLogits: stop, batch: batch, cond: cond}
	if m.cfg.LatentDim > 0 {
		muW := general(m.cfg.LatentDim, m.condDim, m.muW.compute())
		lvW := general(m.cfg.LatentDim, m.condDim, m.logVarW.compute())
		out.Mu = make([][]float32, n)
		out.LogVar = make([][]float32, n)
		for b := 0; b < n; b++ {
			out.Mu[b] = make([]float32, m.cfg.LatentDim)
			out.LogVar[b] = make([]float32, m.cfg.LatentDim)
			blas32.Gemv(blas.NoTrans, 1, muW, vec(cond[b]), 0, vec(out.Mu[b]))
			blas32.Gemv(blas.NoTrans, 1, lvW, vec(cond[b]), 0, vec(out.LogVar[b]))
		}
	}
	return out, nil
}

// condition builds [mean text embedding | speaker | emotion] per row.
func (m *Baseline) condition(batch *collate.Batch) ([][]float32, error) {
	n := batch.Size()
	dim := m.cfg.EmbeddingDim
	emb := m.embedding.compute()
	text := batch.TextPadded.Data.([]int32)
	width := batch.TextPadded.Size(1)
	spk := batch.Speakers.Data.([]float32)
	emo := batch.Emotions.Data.([]float32)

	cond := make([][]float32, n)
	for b := 0; b < n; b++ {
		c := make([]float32, m.condDim)
		length := batch.TextLengths[b]
		if length > 0 {
			inv := 1 / float32(length)
			for j := 0; j < length; j++ {
				id := int(text[b*width+j])
				if id < 0 || id >= m.cfg.VocabSize {
					return nil, fmt.Errorf("baseline: symbol id %d outside vocabulary of %d", id, m.cfg.VocabSize)
				}
				blas32.Axpy(inv, vec(emb[id*dim:(id+1)*dim]), vec(c[:dim]))
			}
		}
		copy(c[dim:], spk[b*m.cfg.NumSpeakers:(b+1)*m.cfg.NumSpeakers])
		copy(c[dim+m.cfg.NumSpeakers:], emo[b*m.cfg.NumEmotions:(b+1)*m.cfg.NumEmotions])
		cond[b] = c
	}
	return cond, nil
}

func (m *Baseline) Backward(out *Output, grad *Gradient, scale float32) error {
	if out == nil || out.batch == nil || grad == nil {
		return fmt.Errorf("baseline: backward needs the forward output and its gradient")
	}
	batch := out.batch
	n, frames, channels := batch.Size(), batch.MaxFrames(), m.cfg.Channels
	if len(grad.Mel) != n*channels*frames || len(grad.StopLogits) != n*frames {
		return fmt.Errorf("baseline: gradient shape does not match output")
	}

	dim := m.cfg.EmbeddingDim
	w := m.melW.compute()
	sw := m.stopW.compute()
	dW, dB := m.melW.Grads(), m.melB.Grads()
	dSW, dSP, dSB := m.stopW.Grads(), m.stopPos.Grads(), m.stopB.Grads()
	dE := m.embedding.Grads()
	text := batch.TextPadded.Data.([]int32)
	width := batch.TextPadded.Size(1)

	var muW, lvW, dMuW, dLvW []float32
	if m.cfg.LatentDim > 0 {
		muW, lvW = m.muW.compute(), m.logVarW.compute()
		dMuW, dLvW = m.muW.Grads(), m.logVarW.Grads()
	}

	dcond := make([]float32, m.condDim)
	for b := 0; b < n; b++ {
		clear(dcond)
		cond := vec(out.cond[b])

		for c := 0; c < channels; c++ {
			var g float32
			for _, v := range grad.Mel[(b*channels+c)*frames : (b*channels+c+1)*frames] {
				g += v
			}
			g *= scale
			dB[c] += g
			blas32.Axpy(g, cond, vec(dW[c*m.condDim:(c+1)*m.condDim]))
			blas32.Axpy(g, vec(w[c*m.condDim:(c+1)*m.condDim]), vec(dcond))
		}

		var gStop float32
		for t := 0; t < frames; t++ {
			g := scale * grad.StopLogits[b*frames+t]
			gStop += g
			dSP[0] += g * position(t, frames)
		}
		dSB[0] += gStop
		blas32.Axpy(gStop, cond, vec(dSW))
		blas32.Axpy(gStop, vec(sw), vec(dcond))

		if m.cfg.LatentDim > 0 && grad.Mu != nil {
			for z := 0; z < m.cfg.LatentDim; z++ {
				row := z * m.condDim
				gm := scale * grad.Mu[b][z]
				gl := scale * grad.LogVar[b][z]
				blas32.Axpy(gm, cond, vec(dMuW[row:row+m.condDim]))
				blas32.Axpy(gl, cond, vec(dLvW[row:row+m.condDim]))
				blas32.Axpy(gm, vec(muW[row:row+m.condDim]), vec(dcond))
				blas32.Axpy(gl, vec(lvW[row:row+m.condDim]), vec(dcond))
			}
		}

		length := batch.TextLengths[b]
		if length == 0 {
			continue
		}
		inv := 1 / float32(length)
		for j := 0; j < length; j++ {
			id := int(text[b*width+j])
			blas32.Axpy(inv, vec(dcond[:dim]), vec(dE[id*dim:(id+1)*dim]))
		}
	}
	return nil
}

var _ Model = (*Baseline)(nil)
