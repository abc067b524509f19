package training

import (
	"fmt"
	"math"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// Schedulers are pure functions of the iteration so a resumed run picks up
// the same curve.
type LRScheduler interface {
	// LR returns the learning rate for iteration.
	LR(iteration int, baseLR float64) float64

	// Name returns the scheduler name for logging
	Name() string
}

// StepLRScheduler reduces learning rate by a factor every StepSize iterations
type StepLRScheduler struct {
	StepSize int     // Iterations between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 10000
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) LR(iteration int, baseLR float64) float64 {
	times := iteration / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) Name() string {
	return "StepLR"
}

// ExponentialLRScheduler decays the learning rate by Gamma every iteration
type ExponentialLRScheduler struct {
	Gamma float64
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.9999
	}
	return &ExponentialLRScheduler{
		Gamma: gamma,
	}
}

func (s *ExponentialLRScheduler) LR(iteration int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(iteration))
}

func (s *ExponentialLRScheduler) Name() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Iterations until EtaMin is reached
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100000
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) LR(iteration int, baseLR float64) float64 {
	if iteration >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(iteration)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) Name() string {
	return "CosineAnnealingLR"
}

// NoOpScheduler maintains constant learning rate (default behavior)
type NoOpScheduler struct{}

func (s *NoOpScheduler) LR(_ int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) Name() string {
	return "ConstantLR"
}

// NewScheduler builds a scheduler by type name.
func NewScheduler(kind string, stepSize int, gamma float64, tMax int, etaMin float64) (LRScheduler, error) {
	switch kind {
	case "", "constant":
		return &NoOpScheduler{}, nil
	case "step":
		return NewStepLRScheduler(stepSize, gamma), nil
	case "exponential":
		return NewExponentialLRScheduler(gamma), nil
	case "cosine":
		return NewCosineAnnealingLRScheduler(tMax, etaMin), nil
	default:
		return nil, fmt.Errorf("unknown scheduler %q", kind)
	}
}
