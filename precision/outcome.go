// Package precision implements loss scaling, gradient clipping and
// overflow detection for full and mixed precision training.
package precision

import "fmt"

// SkipReason says why an optimizer step was skipped.
type SkipReason string

const (
	ReasonOverflow  SkipReason = "overflow"
	ReasonNonFinite SkipReason = "non-finite"
)

// Outcome is the result of Controller.Step: either Applied or Skipped.
type Outcome interface {
	Norm() float64
	isOutcome()
}

// Applied means the gradients are finite and clipped; the optimizer should
// step. GradNorm is the global norm before clipping.
type Applied struct {
	GradNorm float64
}

// Skipped means the optimizer must not step this iteration.
type Skipped struct {
	Reason   SkipReason
	GradNorm float64
}

func (a Applied) Norm() float64 { return a.GradNorm }
func (s Skipped) Norm() float64 { return s.GradNorm }
func (Applied) isOutcome()      {}
func (Skipped) isOutcome()      {}

func (a Applied) String() string { return fmt.Sprintf("applied (grad norm %.4g)", a.GradNorm) }
func (s Skipped) String() string { return fmt.Sprintf("skipped: %s", s.Reason) }

// IsOverflow reports whether o is a skip caused by loss-scale overflow.
func IsOverflow(o Outcome) bool {
	s, ok := o.(Skipped)
	return ok && s.Reason == ReasonOverflow
}
