package training

import (
	"context"
	"time"

	"github.com/tsawler/go-speechtrain/collate"
)

// Event is reported once per applied training iteration.
type Event struct {
	Iteration    int
	Epoch        int
	Step         int // batch index within the epoch
	Loss         float64
	GradNorm     float64
	LearningRate float64
	Duration     time.Duration
	LossScale    float64

	// Regularization terms, set when HasReg is true.
	HasReg    bool
	RecLoss   float64
	RegLoss   float64
	RegWeight float64

	Padding collate.PaddingStats
}

// ValidationEvent is reported after every validation pass.
type ValidationEvent struct {
	Iteration int
	Loss      float64
	Batches   int
	Duration  time.Duration
}

// MetricsSink receives training and validation events. Only the primary
// rank reports.
type MetricsSink interface {
	LogTraining(ctx context.Context, ev Event)
	LogValidation(ctx context.Context, ev ValidationEvent)
}

// MultiSink fans events out to several sinks in order.
type MultiSink []MetricsSink

func (m MultiSink) LogTraining(ctx context.Context, ev Event) {
	for _, s := range m {
		s.LogTraining(ctx, ev)
	}
}

func (m MultiSink) LogValidation(ctx context.Context, ev ValidationEvent) {
	for _, s := range m {
		s.LogValidation(ctx, ev)
	}
}

type discardSink struct{}

func (discardSink) LogTraining(context.Context, Event)             {}
func (discardSink) LogValidation(context.Context, ValidationEvent) {}
