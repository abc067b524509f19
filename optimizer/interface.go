// Package optimizer updates model parameters from their gradients and
// exports its internal state for checkpoints.
package optimizer

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-speechtrain/checkpoints"
	"github.com/tsawler/go-speechtrain/model"
)

// Optimizer defines the common interface for all optimizers.
// State is keyed by parameter name, so it survives a reordering of the
// parameter list between runs.
type Optimizer interface {
	// Step applies one update from the current gradients.
	Step(params []*model.Parameter) error

	// GetState extracts optimizer state for checkpointing.
	GetState() (*checkpoints.OptimizerState, error)

	// LoadState restores optimizer state from a checkpoint.
	LoadState(state *checkpoints.OptimizerState) error

	// GetStepCount returns the number of applied steps.
	GetStepCount() uint64

	UpdateLearningRate(lr float64)
	LearningRate() float64
}

// Config selects and parameterizes an optimizer.
type Config struct {
	Type         string  `yaml:"type"` // "adam" or "sgd"
	LearningRate float64 `yaml:"learning_rate"`
	Beta1        float64 `yaml:"beta1"`
	Beta2        float64 `yaml:"beta2"`
	Epsilon      float64 `yaml:"epsilon"`
	WeightDecay  float64 `yaml:"weight_decay"`
	Momentum     float64 `yaml:"momentum"`
	Nesterov     bool    `yaml:"nesterov"`
}

// New builds the optimizer named by cfg.Type.
func New(cfg Config) (Optimizer, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "adam":
		return NewAdam(AdamConfig{
			LearningRate: cfg.LearningRate,
			Beta1:        cfg.Beta1,
			Beta2:        cfg.Beta2,
			Epsilon:      cfg.Epsilon,
			WeightDecay:  cfg.WeightDecay,
		})
	case "sgd":
		return NewSGD(SGDConfig{
			LearningRate: cfg.LearningRate,
			Momentum:     cfg.Momentum,
			WeightDecay:  cfg.WeightDecay,
			Nesterov:     cfg.Nesterov,
		})
	default:
		return nil, fmt.Errorf("unknown optimizer type %q", cfg.Type)
	}
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
