package model

import (
	"fmt"
	"math"

	"github.com/tsawler/go-speechtrain/collate"
)

// WeightSchedule yields the regularization weight at an iteration.
type WeightSchedule interface {
	Weight(step int) float64
}

// SpectrogramLoss is mean squared error on the padded features plus binary
// cross-entropy on the stop logits. When Schedule is set and the output
// carries a latent, the KL divergence to a unit Gaussian is added with the
// scheduled weight.
type SpectrogramLoss struct {
	Schedule WeightSchedule
}

func (l *SpectrogramLoss) Compute(out *Output, batch *collate.Batch, iteration int) (*Loss, error) {
	pred := out.Mel.Data.([]float32)
	target := batch.FeaturePadded.Data.([]float32)
	if len(pred) != len(target) {
		return nil, fmt.Errorf("loss: prediction has %d elements, target %d", len(pred), len(target))
	}
	logits := out.StopLogits.Data.([]float32)
	stops := batch.StopFlags.Data.([]float32)
	if len(logits) != len(stops) {
		return nil, fmt.Errorf("loss: stop prediction has %d elements, target %d", len(logits), len(stops))
	}

	grad := &Gradient{
		Mel:        make([]float32, len(pred)),
		StopLogits: make([]float32, len(logits)),
	}

	var mse float64
	invMel := 1 / float64(len(pred))
	for i := range pred {
		d := float64(pred[i]) - float64(target[i])
		mse += d * d
		grad.Mel[i] = float32(2 * d * invMel)
	}
	mse *= invMel

	var bce float64
	invStop := 1 / float64(len(logits))
	for i := range logits {
		x, y := float64(logits[i]), float64(stops[i])
		// log(1 + exp(-|x|)) keeps the loss finite for large logits.
		bce += math.Max(x, 0) - x*y + math.Log1p(math.Exp(-math.Abs(x)))
		grad.StopLogits[i] = float32((sigmoid(x) - y) * invStop)
	}
	bce *= invStop

	loss := &Loss{Recon: mse + bce, Grad: grad}
	loss.Total = loss.Recon

	if l.Schedule != nil && out.Mu != nil {
		weight := l.Schedule.Weight(iteration)
		kl, dMu, dLogVar := klDivergence(out.Mu, out.LogVar, weight)
		loss.Reg = kl
		loss.RegWeight = weight
		loss.HasReg = true
		loss.Total += weight * kl
		grad.Mu = dMu
		grad.LogVar = dLogVar
	}
	return loss, nil
}

// klDivergence is -0.5 * mean over rows of sum(1 + lv - mu^2 - exp(lv)).
// The returned gradients already include weight.
func klDivergence(mu, logVar [][]float32, weight float64) (float64, [][]float32, [][]float32) {
	n := float64(len(mu))
	var kl float64
	dMu := make([][]float32, len(mu))
	dLv := make([][]float32, len(mu))
	for b := range mu {
		dMu[b] = make([]float32, len(mu[b]))
		dLv[b] = make([]float32, len(mu[b]))
		for z := range mu[b] {
			m, lv := float64(mu[b][z]), float64(logVar[b][z])
			kl += -0.5 * (1 + lv - m*m - math.Exp(lv))
			dMu[b][z] = float32(weight * m / n)
			dLv[b][z] = float32(weight * 0.5 * (math.Exp(lv) - 1) / n)
		}
	}
	return kl / n, dMu, dLv
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}
