package model

import (
	"github.com/tsawler/go-speechtrain/collate"
	"github.com/tsawler/go-speechtrain/tensor"
)

// Output is the result of a forward pass. Mu and LogVar are set only by
// models with a variational latent.
type Output struct {
	Mel        *tensor.Tensor // B x C x T
	StopLogits *tensor.Tensor // B x T
	Mu         [][]float32
	LogVar     [][]float32

	// state kept for the backward pass
	batch *collate.Batch
	cond  [][]float32
}

// Gradient is the loss gradient with respect to an Output.
type Gradient struct {
	Mel        []float32
	StopLogits []float32
	Mu         [][]float32
	LogVar     [][]float32
}

// Loss is what a Criterion reports for one batch.
type Loss struct {
	Total     float64
	Recon     float64
	Reg       float64
	RegWeight float64
	HasReg    bool
	Grad      *Gradient
}

// Model is the trainable network. Backward accumulates scale times the
// parameter gradient of the loss whose output gradient is grad.
type Model interface {
	Forward(batch *collate.Batch) (*Output, error)
	Backward(out *Output, grad *Gradient, scale float32) error
	Parameters() []*Parameter
	ZeroGrad()
	Train()
	Eval()
	IsTraining() bool
}

// Criterion scores an Output against the batch targets. iteration feeds
// annealed regularization weights.
type Criterion interface {
	Compute(out *Output, batch *collate.Batch, iteration int) (*Loss, error)
}

// ParameterMap indexes parameters by name.
func ParameterMap(m Model) map[string]*Parameter {
	params := m.Parameters()
	out := make(map[string]*Parameter, len(params))
	for _, p := range params {
		out[p.Name] = p
	}
	return out
}
