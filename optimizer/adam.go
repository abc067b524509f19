package optimizer

import (
	"fmt"
	"math"
	"sync"

	"github.com/tsawler/go-speechtrain/checkpoints"
	"github.com/tsawler/go-speechtrain/model"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// Adam implements Adam with bias correction and L2 weight decay folded
// into the gradient.
type Adam struct {
	mu sync.Mutex

	lr          float64
	beta1       float64
	beta2       float64
	epsilon     float64
	weightDecay float64

	momentum map[string][]float32 // first moment
	variance map[string][]float32 // second moment
	shapes   map[string][]int

	stepCount uint64
}

// NewAdam creates an Adam optimizer. Zero fields take their defaults.
func NewAdam(config AdamConfig) (*Adam, error) {
	def := DefaultAdamConfig()
	if config.LearningRate == 0 {
		config.LearningRate = def.LearningRate
	}
	if config.Beta1 == 0 {
		config.Beta1 = def.Beta1
	}
	if config.Beta2 == 0 {
		config.Beta2 = def.Beta2
	}
	if config.Epsilon == 0 {
		config.Epsilon = def.Epsilon
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0, 1): got %f, %f", config.Beta1, config.Beta2)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	return &Adam{
		lr:          config.LearningRate,
		beta1:       config.Beta1,
		beta2:       config.Beta2,
		epsilon:     config.Epsilon,
		weightDecay: config.WeightDecay,
		momentum:    make(map[string][]float32),
		variance:    make(map[string][]float32),
		shapes:      make(map[string][]int),
	}, nil
}

// buffers returns the moment buffers for p, allocating them on first use.
func (a *Adam) buffers(p *model.Parameter) ([]float32, []float32, error) {
	n := len(p.Values())
	m, ok := a.momentum[p.Name]
	if !ok {
		m = make([]float32, n)
		a.momentum[p.Name] = m
		a.variance[p.Name] = make([]float32, n)
		a.shapes[p.Name] = append([]int(nil), p.Value.Shape...)
	}
	v := a.variance[p.Name]
	if len(m) != n || len(v) != n {
		return nil, nil, fmt.Errorf("adam state for %s has %d elements, parameter has %d", p.Name, len(m), n)
	}
	return m, v, nil
}

// Step performs a single Adam optimization step
func (a *Adam) Step(params []*model.Parameter) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, p := range params {
		if _, _, err := a.buffers(p); err != nil {
			return err
		}
	}

	a.stepCount++
	t := float64(a.stepCount)
	correction1 := 1 - math.Pow(a.beta1, t)
	correction2 := 1 - math.Pow(a.beta2, t)
	stepSize := a.lr / correction1

	for _, p := range params {
		m, v := a.momentum[p.Name], a.variance[p.Name]
		w, g := p.Values(), p.Grads()
		for i := range w {
			grad := float64(g[i]) + a.weightDecay*float64(w[i])
			mi := a.beta1*float64(m[i]) + (1-a.beta1)*grad
			vi := a.beta2*float64(v[i]) + (1-a.beta2)*grad*grad
			m[i], v[i] = float32(mi), float32(vi)
			denom := math.Sqrt(vi/correction2) + a.epsilon
			w[i] -= float32(stepSize * mi / denom)
		}
	}
	return nil
}

// GetState extracts optimizer state for checkpointing
func (a *Adam) GetState() (*checkpoints.OptimizerState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	state := &checkpoints.OptimizerState{
		Type: "Adam",
		Parameters: map[string]float64{
			"learning_rate": a.lr,
			"beta1":         a.beta1,
			"beta2":         a.beta2,
			"epsilon":       a.epsilon,
			"weight_decay":  a.weightDecay,
			"step_count":    float64(a.stepCount),
		},
	}
	state.StateData = append(exportBuffers(a.momentum, a.shapes, "m"), exportBuffers(a.variance, a.shapes, "v")...)
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (a *Adam) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}
	m, mShapes, err := importBuffers(state.StateData, "m")
	if err != nil {
		return err
	}
	v, _, err := importBuffers(state.StateData, "v")
	if err != nil {
		return err
	}
	for name, buf := range m {
		if len(v[name]) != len(buf) {
			return fmt.Errorf("adam state for %s has mismatched moments", name)
		}
	}
	if len(v) != len(m) {
		return fmt.Errorf("adam state has %d first moments and %d second moments", len(m), len(v))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.lr = extractFloat64Param(state.Parameters, "learning_rate", a.lr)
	a.beta1 = extractFloat64Param(state.Parameters, "beta1", a.beta1)
	a.beta2 = extractFloat64Param(state.Parameters, "beta2", a.beta2)
	a.epsilon = extractFloat64Param(state.Parameters, "epsilon", a.epsilon)
	a.weightDecay = extractFloat64Param(state.Parameters, "weight_decay", a.weightDecay)
	a.stepCount = extractUint64Param(state.Parameters, "step_count", 0)
	a.momentum, a.variance, a.shapes = m, v, mShapes
	return nil
}

// GetStepCount returns the current step count
func (a *Adam) GetStepCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stepCount
}

// UpdateLearningRate updates the learning rate (useful for learning rate scheduling)
func (a *Adam) UpdateLearningRate(lr float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lr = lr
}

func (a *Adam) LearningRate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lr
}

var _ Optimizer = (*Adam)(nil)
