package training

import (
	"context"
	"fmt"

	"github.com/tsawler/go-speechtrain/collate"
	"github.com/tsawler/go-speechtrain/dataset"
	"github.com/tsawler/go-speechtrain/features"
)

// Phase is a state of the training loop.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseEpochStart
	PhaseIteration
	PhaseValidate
	PhaseCheckpoint
	PhaseEpochEnd
	PhaseTerminate
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseEpochStart:
		return "epoch-start"
	case PhaseIteration:
		return "iteration"
	case PhaseValidate:
		return "validate"
	case PhaseCheckpoint:
		return "checkpoint"
	case PhaseEpochEnd:
		return "epoch-end"
	case PhaseTerminate:
		return "terminate"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// State is the mutable position of a run. Parameters and optimizer state
// live with the model and optimizer.
type State struct {
	Iteration    int
	Epoch        int
	EpochOffset  int
	LearningRate float64
}

// Hooks observe phase transitions. A nil hook is skipped.
type Hooks struct {
	OnPhase func(p Phase, s State)
}

func (h Hooks) fire(p Phase, s State) {
	if h.OnPhase != nil {
		h.OnPhase(p, s)
	}
}

// Batcher turns one group of records into a collated batch.
type Batcher interface {
	Build(ctx context.Context, recs []dataset.Record) (*collate.Batch, error)
}

// Pipeline resolves records into samples and collates them.
type Pipeline struct {
	Resolver *features.Resolver
	Collator *collate.Collator
}

func (p *Pipeline) Build(ctx context.Context, recs []dataset.Record) (*collate.Batch, error) {
	samples, err := p.Resolver.ResolveAll(ctx, recs)
	if err != nil {
		return nil, err
	}
	return p.Collator.Collate(samples)
}
