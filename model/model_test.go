package model

import (
	"math"
	"testing"

	"github.com/tsawler/go-speechtrain/collate"
	"github.com/tsawler/go-speechtrain/features"
	"github.com/tsawler/go-speechtrain/tensor"
)

type constWeight float64

func (c constWeight) Weight(int) float64 { return float64(c) }

func testBatch(t *testing.T) *collate.Batch {
	t.Helper()
	mk := func(ids []int32, frames int, spk, emo int, seed float32) *features.Sample {
		data := make([]float32, 3*frames)
		for i := range data {
			data[i] = seed * float32(i%5-2) / 4
		}
		f, _ := tensor.NewTensor([]int{3, frames}, tensor.Float32, data)
		s, _ := features.OneHot(spk, 2)
		e, _ := features.OneHot(emo, 2)
		return &features.Sample{TextIDs: ids, Features: f, Speaker: s, Emotion: e}
	}
	b, err := collate.NewCollator(2).Collate([]*features.Sample{
		mk([]int32{1, 2, 3}, 5, 0, 1, 1),
		mk([]int32{4, 4}, 3, 1, 0, -0.5),
	})
	if err != nil {
		t.Fatalf("Collate failed: %v", err)
	}
	return b
}

func newTestModel(t *testing.T, latent int) *Baseline {
	t.Helper()
	m, err := NewBaseline(BaselineConfig{
		VocabSize: 6, EmbeddingDim: 4, Channels: 3, NumSpeakers: 2, NumEmotions: 2,
		LatentDim: latent, Seed: 42,
	})
	if err != nil {
		t.Fatalf("NewBaseline failed: %v", err)
	}
	return m
}

func lossAt(t *testing.T, m *Baseline, crit Criterion, b *collate.Batch) float64 {
	t.Helper()
	out, err := m.Forward(b)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	l, err := crit.Compute(out, b, 10)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	return l.Total
}

func TestBaselineGradientsMatchFiniteDifferences(t *testing.T) {
	for _, latent := range []int{0, 2} {
		m := newTestModel(t, latent)
		b := testBatch(t)
		crit := &SpectrogramLoss{Schedule: constWeight(0.5)}

		out, err := m.Forward(b)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		loss, err := crit.Compute(out, b, 10)
		if err != nil {
			t.Fatalf("Compute failed: %v", err)
		}
		if loss.HasReg != (latent > 0) {
			t.Errorf("latent %d: unexpected HasReg %v", latent, loss.HasReg)
		}
		m.ZeroGrad()
		if err := m.Backward(out, loss.Grad, 1); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}

		const eps = 1e-3
		for _, p := range m.Parameters() {
			vals := p.Values()
			grads := append([]float32(nil), p.Grads()...)
			for i := range vals {
				orig := vals[i]
				vals[i] = orig + eps
				up := lossAt(t, m, crit, b)
				vals[i] = orig - eps
				down := lossAt(t, m, crit, b)
				vals[i] = orig

				numeric := (up - down) / (2 * eps)
				if diff := math.Abs(numeric - float64(grads[i])); diff > 1e-2*math.Max(1, math.Abs(numeric)) {
					t.Errorf("latent %d: %s[%d]: analytic %v, numeric %v", latent, p.Name, i, grads[i], numeric)
				}
			}
		}
	}
}

func TestBackwardScalesGradients(t *testing.T) {
	m := newTestModel(t, 0)
	b := testBatch(t)
	crit := &SpectrogramLoss{}
	out, _ := m.Forward(b)
	loss, _ := crit.Compute(out, b, 0)

	m.ZeroGrad()
	m.Backward(out, loss.Grad, 1)
	plain := append([]float32(nil), m.melB.Grads()...)

	m.ZeroGrad()
	m.Backward(out, loss.Grad, 8)
	for i, g := range m.melB.Grads() {
		if math.Abs(float64(g-8*plain[i])) > 1e-5 {
			t.Errorf("Expected scaled gradient %v, got %v", 8*plain[i], g)
		}
	}
}

func TestModeFlags(t *testing.T) {
	m := newTestModel(t, 0)
	if !m.IsTraining() {
		t.Error("Expected new model in training mode")
	}
	m.Eval()
	if m.IsTraining() {
		t.Error("Expected eval mode")
	}
	m.Train()
	if !m.IsTraining() {
		t.Error("Expected training mode")
	}
}

func TestForwardRejectsBadBatches(t *testing.T) {
	m := newTestModel(t, 0)
	if _, err := m.Forward(nil); err == nil {
		t.Error("Expected error for nil batch")
	}

	small, _ := NewBaseline(BaselineConfig{VocabSize: 2, EmbeddingDim: 2, Channels: 3, NumSpeakers: 2, NumEmotions: 2})
	if _, err := small.Forward(testBatch(t)); err == nil {
		t.Error("Expected error for symbol outside vocabulary")
	}

	wide, _ := NewBaseline(BaselineConfig{VocabSize: 6, EmbeddingDim: 2, Channels: 80, NumSpeakers: 2, NumEmotions: 2})
	if _, err := wide.Forward(testBatch(t)); err == nil {
		t.Error("Expected error for channel mismatch")
	}
}

func TestParameterConvertTo(t *testing.T) {
	p, err := NewParameter("w", []int{2}, []float32{1.0001, 3})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.ConvertTo(tensor.Float16); err != nil {
		t.Fatalf("ConvertTo failed: %v", err)
	}
	c := p.compute()
	if c[0] != 1 {
		t.Errorf("Expected half rounding to 1, got %v", c[0])
	}
	if p.Values()[0] != 1.0001 {
		t.Error("Master copy must keep full precision")
	}
	if err := p.ConvertTo(tensor.Int32); err == nil {
		t.Error("Expected error for Int32 compute type")
	}
}

func TestParameterIsFinite(t *testing.T) {
	p, _ := NewParameter("w", []int{2}, nil)
	if !p.IsFinite() {
		t.Error("Expected zero gradient to be finite")
	}
	p.Grads()[1] = float32(math.Inf(1))
	if p.IsFinite() {
		t.Error("Expected Inf gradient to be reported")
	}
}

func TestParameterMap(t *testing.T) {
	m := newTestModel(t, 2)
	pm := ParameterMap(m)
	if len(pm) != 8 {
		t.Errorf("Expected 8 parameters, got %d", len(pm))
	}
	if _, ok := pm["latent.mu.weight"]; !ok {
		t.Error("Expected latent parameters to be registered")
	}
}
