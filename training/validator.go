package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/tsawler/go-speechtrain/dataset"
	"github.com/tsawler/go-speechtrain/distributed"
	"github.com/tsawler/go-speechtrain/model"
)

// Validator scores the model on held-out batches.
type Validator struct {
	Criterion   model.Criterion
	Coordinator distributed.Coordinator
	Batcher     Batcher
	Logger      *slog.Logger
}

// Evaluate runs a full pass in eval mode and returns the mean per-batch
// loss averaged across ranks. The model's previous mode is restored on
// return, whether or not the pass succeeded. A non-finite result is logged,
// not returned as an error.
func (v *Validator) Evaluate(ctx context.Context, m model.Model, batches [][]dataset.Record, iteration int) (float64, error) {
	if len(batches) == 0 {
		return 0, errors.New("validation: no batches")
	}

	wasTraining := m.IsTraining()
	m.Eval()
	defer func() {
		if wasTraining {
			m.Train()
		}
	}()

	var sum float64
	for i, recs := range batches {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		batch, err := v.Batcher.Build(ctx, recs)
		if err != nil {
			return 0, fmt.Errorf("validation batch %d: %w", i, err)
		}
		out, err := m.Forward(batch)
		if err != nil {
			return 0, fmt.Errorf("validation batch %d: forward: %w", i, err)
		}
		loss, err := v.Criterion.Compute(out, batch, iteration)
		if err != nil {
			return 0, fmt.Errorf("validation batch %d: loss: %w", i, err)
		}
		sum += loss.Total
	}

	coord := v.Coordinator
	if coord == nil {
		coord = distributed.Local{}
	}
	mean, err := coord.AllReduceMean(ctx, sum/float64(len(batches)))
	if err != nil {
		return 0, fmt.Errorf("validation: reduce loss: %w", err)
	}

	if math.IsNaN(mean) || math.IsInf(mean, 0) {
		logger := v.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("non-finite validation loss", "iteration", iteration, "loss", mean)
	}
	return mean, nil
}
