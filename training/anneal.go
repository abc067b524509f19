package training

import (
	"fmt"
	"math"
)

// Anneal shapes the weight of the regularization term over iterations.
//
//	logistic: Upper / (1 + exp(-K (step - X0)))
//	linear:   0 for the first Lag steps, then min(Upper, Upper (step - Lag) / X0)
//	constant: Constant
type Anneal struct {
	Function string
	K        float64
	X0       int
	Upper    float64
	Lag      int
	Constant float64
}

// Validate rejects unknown functions and a linear ramp of zero length.
func (a Anneal) Validate() error {
	switch a.Function {
	case "logistic", "constant":
		return nil
	case "linear":
		if a.X0 <= 0 {
			return fmt.Errorf("anneal: linear schedule needs a positive x0, got %d", a.X0)
		}
		return nil
	default:
		return fmt.Errorf("anneal: unknown function %q", a.Function)
	}
}

// Weight implements model.WeightSchedule. Unknown functions weigh 0.
func (a Anneal) Weight(step int) float64 {
	switch a.Function {
	case "logistic":
		return a.Upper / (1 + math.Exp(-a.K*float64(step-a.X0)))
	case "linear":
		if step < a.Lag || a.X0 <= 0 {
			return 0
		}
		return math.Min(a.Upper, a.Upper*float64(step-a.Lag)/float64(a.X0))
	case "constant":
		return a.Constant
	}
	return 0
}
