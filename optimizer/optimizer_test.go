package optimizer

import (
	"math"
	"testing"

	"github.com/tsawler/go-speechtrain/checkpoints"
	"github.com/tsawler/go-speechtrain/model"
)

func newParam(t *testing.T, name string, values, grads []float32) *model.Parameter {
	t.Helper()
	p, err := model.NewParameter(name, []int{len(values)}, values)
	if err != nil {
		t.Fatal(err)
	}
	copy(p.Grads(), grads)
	return p
}

func approx(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-5
}

func TestAdamConfig(t *testing.T) {
	config := DefaultAdamConfig()
	if config.LearningRate != 0.001 {
		t.Errorf("Expected learning rate 0.001, got %f", config.LearningRate)
	}
	if config.Beta1 != 0.9 || config.Beta2 != 0.999 {
		t.Errorf("Expected betas 0.9/0.999, got %f/%f", config.Beta1, config.Beta2)
	}
	if config.Epsilon != 1e-8 {
		t.Errorf("Expected epsilon 1e-8, got %g", config.Epsilon)
	}

	if _, err := NewAdam(AdamConfig{LearningRate: -1}); err == nil {
		t.Error("Expected error for negative learning rate")
	}
	if _, err := NewAdam(AdamConfig{Beta1: 1}); err == nil {
		t.Error("Expected error for beta1 = 1")
	}
}

func TestAdamFirstStepIsSignOfGradient(t *testing.T) {
	adam, err := NewAdam(AdamConfig{LearningRate: 0.1})
	if err != nil {
		t.Fatal(err)
	}
	p := newParam(t, "w", []float32{1, 1, 1}, []float32{0.5, -2, 0})
	if err := adam.Step([]*model.Parameter{p}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	want := []float32{0.9, 1.1, 1}
	for i, w := range p.Values() {
		if !approx(w, want[i]) {
			t.Errorf("w[%d]: expected %v, got %v", i, want[i], w)
		}
	}
	if adam.GetStepCount() != 1 {
		t.Errorf("Expected step count 1, got %d", adam.GetStepCount())
	}
}

func TestAdamStateRoundTrip(t *testing.T) {
	a1, _ := NewAdam(AdamConfig{LearningRate: 0.01, WeightDecay: 0.1})
	p1 := newParam(t, "w", []float32{1, -2}, []float32{0.3, 0.7})
	for i := 0; i < 3; i++ {
		a1.Step([]*model.Parameter{p1})
	}

	state, err := a1.GetState()
	if err != nil {
		t.Fatal(err)
	}
	if len(state.StateData) != 2 {
		t.Fatalf("Expected m and v tensors, got %d", len(state.StateData))
	}

	a2, _ := NewAdam(DefaultAdamConfig())
	if err := a2.LoadState(state); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if a2.LearningRate() != 0.01 || a2.GetStepCount() != 3 {
		t.Errorf("Expected lr 0.01 and 3 steps, got %v and %d", a2.LearningRate(), a2.GetStepCount())
	}

	p2 := newParam(t, "w", p1.Values(), p1.Grads())
	a1.Step([]*model.Parameter{p1})
	a2.Step([]*model.Parameter{p2})
	for i := range p1.Values() {
		if p1.Values()[i] != p2.Values()[i] {
			t.Errorf("w[%d]: restored optimizer diverged: %v vs %v", i, p1.Values()[i], p2.Values()[i])
		}
	}
}

func TestAdamRejectsMismatchedState(t *testing.T) {
	adam, _ := NewAdam(DefaultAdamConfig())
	if err := adam.LoadState(&checkpoints.OptimizerState{Type: "SGD"}); err == nil {
		t.Error("Expected type mismatch error")
	}
	err := adam.LoadState(&checkpoints.OptimizerState{
		Type: "Adam",
		StateData: []checkpoints.OptimizerTensor{
			{Name: "w", Shape: []int{2}, Data: []float32{1, 2}, StateType: "m"},
		},
	})
	if err == nil {
		t.Error("Expected error for missing second moment")
	}

	adam.LoadState(&checkpoints.OptimizerState{
		Type: "Adam",
		StateData: []checkpoints.OptimizerTensor{
			{Name: "w", Shape: []int{2}, Data: []float32{1, 2}, StateType: "m"},
			{Name: "w", Shape: []int{2}, Data: []float32{1, 2}, StateType: "v"},
		},
	})
	p := newParam(t, "w", []float32{1, 2, 3}, nil)
	if err := adam.Step([]*model.Parameter{p}); err == nil {
		t.Error("Expected size mismatch error on step")
	}
	if adam.GetStepCount() != 0 {
		t.Errorf("Failed step must not count, got %d", adam.GetStepCount())
	}
}

func TestSGDMomentum(t *testing.T) {
	tests := []struct {
		name     string
		config   SGDConfig
		expected []float32 // weight after each of two steps
	}{
		{"vanilla", SGDConfig{LearningRate: 0.1}, []float32{-0.1, -0.2}},
		{"momentum", SGDConfig{LearningRate: 0.1, Momentum: 0.9}, []float32{-0.1, -0.29}},
		{"nesterov", SGDConfig{LearningRate: 0.1, Momentum: 0.9, Nesterov: true}, []float32{-0.19, -0.461}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sgd, err := NewSGD(tt.config)
			if err != nil {
				t.Fatal(err)
			}
			p := newParam(t, "w", []float32{0}, []float32{1})
			for step, want := range tt.expected {
				if err := sgd.Step([]*model.Parameter{p}); err != nil {
					t.Fatal(err)
				}
				if !approx(p.Values()[0], want) {
					t.Errorf("step %d: expected %v, got %v", step+1, want, p.Values()[0])
				}
			}
		})
	}
}

func TestSGDWeightDecay(t *testing.T) {
	sgd, _ := NewSGD(SGDConfig{LearningRate: 0.5, WeightDecay: 0.1})
	p := newParam(t, "w", []float32{2}, []float32{0})
	sgd.Step([]*model.Parameter{p})
	if !approx(p.Values()[0], 1.9) {
		t.Errorf("Expected 1.9, got %v", p.Values()[0])
	}
	if p.Grads()[0] != 0 {
		t.Error("Step must not modify the gradient buffer")
	}
}

func TestSGDConfigValidation(t *testing.T) {
	if _, err := NewSGD(SGDConfig{LearningRate: 0.1, Nesterov: true}); err == nil {
		t.Error("Expected error for nesterov without momentum")
	}
	if _, err := NewSGD(SGDConfig{LearningRate: 0.1, Momentum: -1}); err == nil {
		t.Error("Expected error for negative momentum")
	}
}

func TestSGDStateRoundTrip(t *testing.T) {
	s1, _ := NewSGD(SGDConfig{LearningRate: 0.1, Momentum: 0.9, Nesterov: true})
	p := newParam(t, "w", []float32{0}, []float32{1})
	s1.Step([]*model.Parameter{p})

	state, _ := s1.GetState()
	s2, _ := NewSGD(DefaultSGDConfig())
	if err := s2.LoadState(state); err != nil {
		t.Fatal(err)
	}
	if !s2.nesterov || s2.momentum != 0.9 || s2.GetStepCount() != 1 {
		t.Errorf("Expected restored nesterov momentum state, got %+v", s2)
	}
	if len(s2.velocity["w"]) != 1 || s2.velocity["w"][0] != 1 {
		t.Errorf("Expected restored velocity [1], got %v", s2.velocity["w"])
	}
}

func TestNew(t *testing.T) {
	for typ, want := range map[string]string{"adam": "Adam", "": "Adam", "SGD": "SGD"} {
		opt, err := New(Config{Type: typ, LearningRate: 0.01})
		if err != nil {
			t.Fatalf("New(%q) failed: %v", typ, err)
		}
		state, _ := opt.GetState()
		if state.Type != want {
			t.Errorf("New(%q): expected %s, got %s", typ, want, state.Type)
		}
	}
	if _, err := New(Config{Type: "lbfgs"}); err == nil {
		t.Error("Expected error for unknown optimizer")
	}
}

func TestExtractParams(t *testing.T) {
	params := map[string]float64{"lr": 0.5, "flag": 1, "count": 7}
	if extractFloat64Param(params, "lr", 1) != 0.5 || extractFloat64Param(params, "missing", 1) != 1 {
		t.Error("extractFloat64Param returned wrong value")
	}
	if !extractBoolParam(params, "flag", false) || extractBoolParam(params, "missing", false) {
		t.Error("extractBoolParam returned wrong value")
	}
	if extractUint64Param(params, "count", 0) != 7 {
		t.Error("extractUint64Param returned wrong value")
	}
}
