package precision

import (
	"errors"
	"fmt"

	"github.com/tsawler/go-speechtrain/model"
	"github.com/tsawler/go-speechtrain/tensor"
)

// Mode is the compute precision of a training run.
type Mode int

const (
	ModeFull Mode = iota
	ModeHalf
)

func (m Mode) String() string {
	if m == ModeHalf {
		return "half"
	}
	return "full"
}

// DType is the tensor type components compute in under m.
func (m Mode) DType() tensor.DType {
	if m == ModeHalf {
		return tensor.Float16
	}
	return tensor.Float32
}

// Convertible is anything whose compute precision can be switched.
type Convertible interface {
	ConvertTo(dtype tensor.DType) error
}

// Registry is a flat list of components to convert together. Components
// register themselves once; conversion visits each in order.
type Registry struct {
	items []Convertible
}

// Register adds components.
func (r *Registry) Register(items ...Convertible) {
	r.items = append(r.items, items...)
}

// RegisterModel adds every parameter of m.
func (r *Registry) RegisterModel(m model.Model) {
	for _, p := range m.Parameters() {
		r.Register(p)
	}
}

// Len is the number of registered components.
func (r *Registry) Len() int { return len(r.items) }

// Convert switches every component to mode, reporting all failures.
func (r *Registry) Convert(mode Mode) error {
	var errs []error
	for i, item := range r.items {
		if err := item.ConvertTo(mode.DType()); err != nil {
			errs = append(errs, fmt.Errorf("component %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// New returns the controller for a run: Dynamic when mode is half,
// Full otherwise.
func New(mode Mode, cfg DynamicConfig) Controller {
	if mode == ModeHalf {
		return NewDynamic(cfg)
	}
	return Full{}
}
