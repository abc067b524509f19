// Package model defines the contract between the training loop and the
// acoustic model it trains, plus a small baseline model that satisfies it.
package model

import (
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/tsawler/go-speechtrain/tensor"
)

// Parameter is a named trainable tensor with its gradient buffer. Value is
// the float32 master copy; ComputeType selects the precision the forward
// pass sees.
type Parameter struct {
	Name        string
	Value       *tensor.Tensor
	Grad        *tensor.Tensor
	ComputeType tensor.DType
}

// NewParameter wraps data (copied) as a Float32 parameter with a zero
// gradient.
func NewParameter(name string, shape []int, data []float32) (*Parameter, error) {
	var init interface{}
	if data != nil {
		init = append([]float32(nil), data...)
	}
	v, err := tensor.NewTensor(shape, tensor.Float32, init)
	if err != nil {
		return nil, fmt.Errorf("parameter %s: %w", name, err)
	}
	g, err := tensor.Zeros(shape, tensor.Float32)
	if err != nil {
		return nil, fmt.Errorf("parameter %s gradient: %w", name, err)
	}
	return &Parameter{Name: name, Value: v, Grad: g, ComputeType: tensor.Float32}, nil
}

// Values returns the master data.
func (p *Parameter) Values() []float32 {
	return p.Value.Data.([]float32)
}

// Grads returns the gradient buffer.
func (p *Parameter) Grads() []float32 {
	return p.Grad.Data.([]float32)
}

// ZeroGrad clears the gradient buffer.
func (p *Parameter) ZeroGrad() {
	p.Grad.Zero()
}

// ConvertTo switches the precision used by the forward pass. Only Float32
// and Float16 are meaningful.
func (p *Parameter) ConvertTo(dtype tensor.DType) error {
	switch dtype {
	case tensor.Float32, tensor.Float16:
		p.ComputeType = dtype
		return nil
	default:
		return fmt.Errorf("parameter %s: unsupported compute type %s", p.Name, dtype)
	}
}

// compute returns the weights as the forward pass should see them. Under
// Float16 every weight is rounded to the nearest half value.
func (p *Parameter) compute() []float32 {
	data := p.Values()
	if p.ComputeType != tensor.Float16 {
		return data
	}
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = float16.Fromfloat32(v).Float32()
	}
	return out
}

// IsFinite reports whether every gradient element is a finite number.
func (p *Parameter) IsFinite() bool {
	for _, g := range p.Grads() {
		if math.IsNaN(float64(g)) || math.IsInf(float64(g), 0) {
			return false
		}
	}
	return true
}
