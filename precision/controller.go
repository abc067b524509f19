package precision

import (
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/tsawler/go-speechtrain/model"
	"github.com/tsawler/go-speechtrain/tensor"
)

// Controller drives backward and the gradient post-processing that
// precedes an optimizer step. Step never returns an error: overflow is an
// Outcome.
type Controller interface {
	// Backward accumulates the gradient of loss into the model parameters,
	// multiplied by the current loss scale.
	Backward(m model.Model, out *model.Output, loss *model.Loss) error

	// Step un-scales the (already synchronized) gradients, checks them and
	// clips their global L2 norm to threshold.
	Step(params []*model.Parameter, threshold float64) Outcome

	// LossScale is the current multiplier, 1 in full precision.
	LossScale() float64
}

// Full is the full precision controller.
type Full struct{}

func (Full) LossScale() float64 { return 1 }

func (Full) Backward(m model.Model, out *model.Output, loss *model.Loss) error {
	if loss == nil || loss.Grad == nil {
		return fmt.Errorf("precision: loss has no gradient")
	}
	return m.Backward(out, loss.Grad, 1)
}

func (Full) Step(params []*model.Parameter, threshold float64) Outcome {
	norm, finite := GlobalNorm(params)
	if !finite {
		return Skipped{Reason: ReasonNonFinite, GradNorm: norm}
	}
	Clip(params, norm, threshold)
	return Applied{GradNorm: norm}
}

// DynamicConfig parameterizes a Dynamic controller.
type DynamicConfig struct {
	InitialScale   float64
	MinScale       float64
	GrowthFactor   float64
	GrowthInterval int
	Logger         *slog.Logger
}

// DefaultDynamicConfig matches the usual dynamic loss scaler settings.
func DefaultDynamicConfig() DynamicConfig {
	return DynamicConfig{
		InitialScale:   65536,
		MinScale:       1,
		GrowthFactor:   2,
		GrowthInterval: 1000,
	}
}

// Dynamic emulates mixed precision: the loss is scaled before backward,
// gradients are stored at half precision, and the scale adapts to
// overflow.
type Dynamic struct {
	cfg        DynamicConfig
	scale      float64
	cleanSteps int
	logger     *slog.Logger
}

// NewDynamic creates a dynamic loss scaler. Zero config fields take the
// defaults.
func NewDynamic(cfg DynamicConfig) *Dynamic {
	def := DefaultDynamicConfig()
	if cfg.InitialScale <= 0 {
		cfg.InitialScale = def.InitialScale
	}
	if cfg.MinScale <= 0 {
		cfg.MinScale = def.MinScale
	}
	if cfg.GrowthFactor <= 1 {
		cfg.GrowthFactor = def.GrowthFactor
	}
	if cfg.GrowthInterval <= 0 {
		cfg.GrowthInterval = def.GrowthInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dynamic{cfg: cfg, scale: cfg.InitialScale, logger: logger}
}

func (d *Dynamic) LossScale() float64 { return d.scale }

// SetLossScale restores a scale, e.g. from a checkpoint.
func (d *Dynamic) SetLossScale(scale float64) {
	d.scale = math.Max(scale, d.cfg.MinScale)
	d.cleanSteps = 0
}

func (d *Dynamic) Backward(m model.Model, out *model.Output, loss *model.Loss) error {
	if loss == nil || loss.Grad == nil {
		return fmt.Errorf("precision: loss has no gradient")
	}
	if err := m.Backward(out, loss.Grad, float32(d.scale)); err != nil {
		return err
	}
	for _, p := range m.Parameters() {
		if err := roundToHalf(p); err != nil {
			return err
		}
	}
	return nil
}

// roundToHalf stores the gradient at half precision and back. Values
// beyond the half range become infinite, which is how overflow surfaces.
func roundToHalf(p *model.Parameter) error {
	half, err := p.Grad.Cast(tensor.Float16)
	if err != nil {
		return fmt.Errorf("precision: %s: %w", p.Name, err)
	}
	back, err := half.Cast(tensor.Float32)
	if err != nil {
		return fmt.Errorf("precision: %s: %w", p.Name, err)
	}
	data, err := back.Float32Data()
	if err != nil {
		return err
	}
	copy(p.Grads(), data)
	return nil
}

func (d *Dynamic) Step(params []*model.Parameter, threshold float64) Outcome {
	inv := float32(1 / d.scale)
	for _, p := range params {
		blas32.Scal(inv, vec(p.Grads()))
	}

	norm, finite := GlobalNorm(params)
	if !finite {
		prev := d.scale
		d.scale = math.Max(d.scale/2, d.cfg.MinScale)
		d.cleanSteps = 0
		d.logger.Debug("Gradient overflow, reducing loss scale", "from", prev, "to", d.scale)
		return Skipped{Reason: ReasonOverflow, GradNorm: norm}
	}

	Clip(params, norm, threshold)
	d.cleanSteps++
	if d.cleanSteps >= d.cfg.GrowthInterval {
		d.scale *= d.cfg.GrowthFactor
		d.cleanSteps = 0
	}
	return Applied{GradNorm: norm}
}

func vec(data []float32) blas32.Vector {
	return blas32.Vector{N: len(data), Inc: 1, Data: data}
}

// GlobalNorm is the L2 norm over every gradient element. finite is false
// when any element is NaN or infinite.
func GlobalNorm(params []*model.Parameter) (norm float64, finite bool) {
	var sum float64
	for _, p := range params {
		if !p.IsFinite() {
			return math.Inf(1), false
		}
		n := float64(blas32.Nrm2(vec(p.Grads())))
		sum += n * n
	}
	norm = math.Sqrt(sum)
	return norm, !math.IsInf(norm, 0) && !math.IsNaN(norm)
}

// Clip rescales gradients so their global norm is at most threshold. A
// non-positive threshold disables clipping.
func Clip(params []*model.Parameter, norm, threshold float64) {
	if threshold <= 0 || norm <= threshold {
		return
	}
	coef := float32(threshold / (norm + 1e-6))
	for _, p := range params {
		blas32.Scal(coef, vec(p.Grads()))
	}
}

var (
	_ Controller = Full{}
	_ Controller = (*Dynamic)(nil)
)
