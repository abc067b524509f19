package optimizer

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/tsawler/go-speechtrain/checkpoints"
	"github.com/tsawler/go-speechtrain/model"
)

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// SGD is stochastic gradient descent with optional (Nesterov) momentum.
type SGD struct {
	mu sync.Mutex

	lr          float64
	momentum    float64
	weightDecay float64
	nesterov    bool

	velocity map[string][]float32 // only used when momentum > 0
	shapes   map[string][]int

	stepCount uint64
}

// NewSGD creates an SGD optimizer.
func NewSGD(config SGDConfig) (*SGD, error) {
	if config.LearningRate == 0 {
		config.LearningRate = DefaultSGDConfig().LearningRate
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires a momentum value greater than 0")
	}
	return &SGD{
		lr:          config.LearningRate,
		momentum:    config.Momentum,
		weightDecay: config.WeightDecay,
		nesterov:    config.Nesterov,
		velocity:    make(map[string][]float32),
		shapes:      make(map[string][]int),
	}, nil
}

func vec(data []float32) blas32.Vector {
	return blas32.Vector{N: len(data), Inc: 1, Data: data}
}

// Step performs a single SGD optimization step
func (s *SGD) Step(params []*model.Parameter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lr := float32(s.lr)
	for _, p := range params {
		w := p.Values()
		d := append([]float32(nil), p.Grads()...)
		if s.weightDecay != 0 {
			blas32.Axpy(float32(s.weightDecay), vec(w), vec(d))
		}

		if s.momentum > 0 {
			buf, ok := s.velocity[p.Name]
			if !ok {
				// The first step seeds the velocity with the gradient.
				buf = append([]float32(nil), d...)
				s.velocity[p.Name] = buf
				s.shapes[p.Name] = append([]int(nil), p.Value.Shape...)
			} else {
				if len(buf) != len(w) {
					return fmt.Errorf("sgd state for %s has %d elements, parameter has %d", p.Name, len(buf), len(w))
				}
				blas32.Scal(float32(s.momentum), vec(buf))
				blas32.Axpy(1, vec(d), vec(buf))
			}
			if s.nesterov {
				blas32.Axpy(float32(s.momentum), vec(buf), vec(d))
			} else {
				d = buf
			}
		}
		blas32.Axpy(-lr, vec(d), vec(w))
	}
	s.stepCount++
	return nil
}

// GetState extracts optimizer state for checkpointing
func (s *SGD) GetState() (*checkpoints.OptimizerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &checkpoints.OptimizerState{
		Type: "SGD",
		Parameters: map[string]float64{
			"learning_rate": s.lr,
			"momentum":      s.momentum,
			"weight_decay":  s.weightDecay,
			"nesterov":      boolParam(s.nesterov),
			"step_count":    float64(s.stepCount),
		},
		StateData: exportBuffers(s.velocity, s.shapes, "velocity"),
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (s *SGD) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}
	velocity, shapes, err := importBuffers(state.StateData, "velocity")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lr = extractFloat64Param(state.Parameters, "learning_rate", s.lr)
	s.momentum = extractFloat64Param(state.Parameters, "momentum", s.momentum)
	s.weightDecay = extractFloat64Param(state.Parameters, "weight_decay", s.weightDecay)
	s.nesterov = extractBoolParam(state.Parameters, "nesterov", s.nesterov)
	s.stepCount = extractUint64Param(state.Parameters, "step_count", 0)
	s.velocity, s.shapes = velocity, shapes
	return nil
}

// GetStepCount returns the current step count
func (s *SGD) GetStepCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stepCount
}

func (s *SGD) UpdateLearningRate(lr float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lr = lr
}

func (s *SGD) LearningRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lr
}

var _ Optimizer = (*SGD)(nil)
