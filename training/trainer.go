// Package training drives the epoch and iteration loop: learning rate,
// forward and backward passes, precision control, gradient synchronization,
// periodic validation and checkpoints.
package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/tsawler/go-speechtrain/async"
	"github.com/tsawler/go-speechtrain/checkpoints"
	"github.com/tsawler/go-speechtrain/collate"
	"github.com/tsawler/go-speechtrain/dataset"
	"github.com/tsawler/go-speechtrain/distributed"
	"github.com/tsawler/go-speechtrain/ledger"
	"github.com/tsawler/go-speechtrain/model"
	"github.com/tsawler/go-speechtrain/optimizer"
	"github.com/tsawler/go-speechtrain/precision"
)

// TrainingConfig holds configuration for training
type TrainingConfig struct {
	Epochs                  int
	IterationsPerCheckpoint int
	GradClipThresh          float64
	LearningRate            float64
	UseSavedLearningRate    bool
	Loader                  async.LoaderConfig
}

// TrackRecorder stores per-batch padding statistics. *ledger.Ledger
// satisfies it.
type TrackRecorder interface {
	RecordTrack(ctx context.Context, entries ...ledger.TrackEntry) error
}

// Components are the collaborators of an Orchestrator. Model, Criterion,
// Optimizer, Train, Validation and Batcher are required.
type Components struct {
	Model       model.Model
	Criterion   model.Criterion
	Optimizer   optimizer.Optimizer
	Precision   precision.Controller   // default: full precision
	Coordinator distributed.Coordinator // default: single process
	Train       *dataset.Source
	Validation  [][]dataset.Record
	Batcher     Batcher
	Scheduler   LRScheduler        // default: constant
	Checkpoints *CheckpointManager // nil disables saving
	Track       TrackRecorder
	Progress    *Progression
	Sink        MetricsSink
	Hooks       Hooks
	Logger      *slog.Logger
}

// Orchestrator runs training. It is not safe for concurrent use.
type Orchestrator struct {
	config    TrainingConfig
	c         Components
	validator *Validator
	state     State
	baseLR    float64
	logger    *slog.Logger
}

// NewOrchestrator validates the configuration and fills in defaults.
func NewOrchestrator(config TrainingConfig, c Components) (*Orchestrator, error) {
	var errs []error
	if c.Model == nil {
		errs = append(errs, errors.New("model is required"))
	}
	if c.Criterion == nil {
		errs = append(errs, errors.New("criterion is required"))
	}
	if c.Optimizer == nil {
		errs = append(errs, errors.New("optimizer is required"))
	}
	if c.Train == nil {
		errs = append(errs, errors.New("training source is required"))
	}
	if len(c.Validation) == 0 {
		errs = append(errs, errors.New("validation batches are required"))
	}
	if c.Batcher == nil {
		errs = append(errs, errors.New("batcher is required"))
	}
	if config.Epochs <= 0 {
		errs = append(errs, fmt.Errorf("epochs must be positive, got %d", config.Epochs))
	}
	if config.IterationsPerCheckpoint <= 0 {
		errs = append(errs, fmt.Errorf("iterations per checkpoint must be positive, got %d", config.IterationsPerCheckpoint))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("training: %w", err)
	}

	if c.Precision == nil {
		c.Precision = precision.Full{}
	}
	if c.Coordinator == nil {
		c.Coordinator = distributed.Local{}
	}
	if c.Scheduler == nil {
		c.Scheduler = &NoOpScheduler{}
	}
	if c.Sink == nil {
		c.Sink = discardSink{}
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("rank", c.Coordinator.Rank())

	return &Orchestrator{
		config: config,
		c:      c,
		validator: &Validator{
			Criterion:   c.Criterion,
			Coordinator: c.Coordinator,
			Batcher:     c.Batcher,
			Logger:      logger,
		},
		state:  State{LearningRate: config.LearningRate},
		baseLR: config.LearningRate,
		logger: logger,
	}, nil
}

// State returns the current training position.
func (o *Orchestrator) State() State {
	return o.state
}

// Resume restores model, optimizer and position from the checkpoint at p.
// Training continues at the iteration after the saved one, in the epoch
// that iteration falls in.
func (o *Orchestrator) Resume(ctx context.Context, p string) error {
	if o.c.Checkpoints == nil {
		return errors.New("training: resume needs a checkpoint manager")
	}
	cp, err := o.c.Checkpoints.Resume(ctx, p, o.c.Model, o.c.Optimizer)
	if err != nil {
		return err
	}
	if o.config.UseSavedLearningRate {
		o.baseLR = cp.LearningRate
		o.state.LearningRate = cp.LearningRate
	}
	o.state.Iteration = cp.Iteration + 1
	o.state.EpochOffset = checkpoints.EpochOffset(o.state.Iteration, o.c.Train.BatchesPerEpoch())
	if o.c.Progress != nil {
		o.c.Progress.resumeAt(o.state.Iteration)
	}
	o.logger.Info("Resumed from checkpoint", "path", p, "iteration", o.state.Iteration,
		"epoch_offset", o.state.EpochOffset, "learning_rate", o.baseLR)
	return nil
}

// WarmStart loads parameter values from p, skipping layers that match
// ignore. Iteration and optimizer state start fresh.
func (o *Orchestrator) WarmStart(ctx context.Context, p string, ignore []string) error {
	if o.c.Checkpoints == nil {
		return errors.New("training: warm start needs a checkpoint manager")
	}
	report, err := o.c.Checkpoints.WarmStart(ctx, p, o.c.Model, ignore)
	if err != nil {
		return err
	}
	o.logger.Info("Warm started from checkpoint", "path", p,
		"loaded", len(report.Loaded), "ignored", len(report.Ignored), "missing", len(report.Missing))
	return nil
}

// Run trains until the configured number of epochs is reached. Cancelling
// ctx stops the run between iterations.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.c.Hooks.fire(PhaseInit, o.state)

	perEpoch := o.c.Train.BatchesPerEpoch()
	if perEpoch == 0 {
		return errors.New("training: the training set yields no batches")
	}
	o.state.EpochOffset = checkpoints.EpochOffset(o.state.Iteration, perEpoch)
	o.logger.Info("Starting training", "first_epoch", o.state.EpochOffset, "epochs", o.config.Epochs,
		"batches_per_epoch", perEpoch, "iteration", o.state.Iteration)

	o.c.Model.Train()
	for epoch := o.state.EpochOffset; epoch < o.config.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		o.state.Epoch = epoch
		o.c.Hooks.fire(PhaseEpochStart, o.state)
		if err := o.runEpoch(ctx, epoch); err != nil {
			return err
		}
		o.c.Hooks.fire(PhaseEpochEnd, o.state)
	}

	o.c.Hooks.fire(PhaseTerminate, o.state)
	o.logger.Info("Training finished", "iteration", o.state.Iteration, "epoch", o.state.Epoch)
	return nil
}

func (o *Orchestrator) runEpoch(ctx context.Context, epoch int) error {
	groups, err := o.c.Train.Epoch(epoch)
	if err != nil {
		return fmt.Errorf("epoch %d: %w", epoch, err)
	}
	loader, err := async.NewLoader(len(groups), func(ctx context.Context, i int) (*collate.Batch, error) {
		return o.c.Batcher.Build(ctx, groups[i])
	}, o.config.Loader)
	if err != nil {
		return err
	}
	if err := loader.Start(ctx); err != nil {
		return err
	}
	defer loader.Stop()

	o.logger.Info("Epoch", "epoch", epoch, "batches", len(groups))
	for step := 0; ; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := loader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}
		if err := o.iterate(ctx, step, batch); err != nil {
			return err
		}
	}
}

// iterate runs one training step. The iteration counter advances whether
// or not the optimizer step was applied.
func (o *Orchestrator) iterate(ctx context.Context, step int, batch *collate.Batch) error {
	start := time.Now()
	it := o.state.Iteration
	o.c.Hooks.fire(PhaseIteration, o.state)

	lr := o.c.Scheduler.LR(it, o.baseLR)
	o.state.LearningRate = lr
	o.c.Optimizer.UpdateLearningRate(lr)

	m := o.c.Model
	m.ZeroGrad()
	out, err := m.Forward(batch)
	if err != nil {
		return fmt.Errorf("iteration %d: forward: %w", it, err)
	}
	loss, err := o.c.Criterion.Compute(out, batch, it)
	if err != nil {
		return fmt.Errorf("iteration %d: loss: %w", it, err)
	}
	reduced, err := o.c.Coordinator.AllReduceMean(ctx, loss.Total)
	if err != nil {
		return fmt.Errorf("iteration %d: reduce loss: %w", it, err)
	}
	// Scaled gradients are synchronized before the precision step so that
	// every rank sees the same overflow decision.
	if err := o.c.Precision.Backward(m, out, loss); err != nil {
		return fmt.Errorf("iteration %d: backward: %w", it, err)
	}
	params := m.Parameters()
	if err := o.c.Coordinator.AllReduceGradients(ctx, params); err != nil {
		return fmt.Errorf("iteration %d: reduce gradients: %w", it, err)
	}

	outcome := o.c.Precision.Step(params, o.config.GradClipThresh)
	switch oc := outcome.(type) {
	case precision.Applied:
		if err := o.c.Optimizer.Step(params); err != nil {
			return fmt.Errorf("iteration %d: optimizer: %w", it, err)
		}
	case precision.Skipped:
		if oc.Reason == precision.ReasonOverflow {
			o.logger.Info("Gradient overflow, skipping step", "iteration", it, "loss_scale", o.c.Precision.LossScale())
		} else {
			o.logger.Warn("Non-finite gradient norm, skipping step", "iteration", it, "grad_norm", oc.GradNorm)
		}
	}

	overflow := precision.IsOverflow(outcome)
	if !overflow && (math.IsNaN(reduced) || math.IsInf(reduced, 0)) {
		o.logger.Warn("Non-finite training loss", "iteration", it, "loss", reduced)
	}

	primary := distributed.IsPrimary(o.c.Coordinator)
	if !overflow {
		ev := Event{
			Iteration:    it,
			Epoch:        o.state.Epoch,
			Step:         step,
			Loss:         reduced,
			GradNorm:     outcome.Norm(),
			LearningRate: lr,
			Duration:     time.Since(start),
			LossScale:    o.c.Precision.LossScale(),
			HasReg:       loss.HasReg,
			RecLoss:      loss.Recon,
			RegLoss:      loss.Reg,
			RegWeight:    loss.RegWeight,
			Padding:      collate.Stats(batch),
		}
		if primary {
			o.report(ctx, ev)
		} else {
			o.logger.Debug("Train loss", "iteration", it, "loss", reduced)
		}
	}

	if it%o.config.IterationsPerCheckpoint == 0 {
		if err := o.validateAndSave(ctx, primary); err != nil {
			return err
		}
	}

	o.state.Iteration++
	return nil
}

func (o *Orchestrator) report(ctx context.Context, ev Event) {
	o.logger.Info("Train loss", "iteration", ev.Iteration, "loss", ev.Loss, "grad_norm", ev.GradNorm,
		"duration", ev.Duration.Round(time.Millisecond))
	o.c.Sink.LogTraining(ctx, ev)
	if o.c.Track != nil {
		err := o.c.Track.RecordTrack(ctx, ledger.TrackEntry{
			Iteration: ev.Iteration,
			Epoch:     ev.Epoch,
			Duration:  ev.Duration,
			Padding:   ev.Padding,
		})
		if err != nil {
			o.logger.Warn("Failed to record padding statistics", "iteration", ev.Iteration, "error", err)
		}
	}
	if o.c.Progress != nil {
		if err := o.c.Progress.Update(ctx, ev); err != nil {
			o.logger.Warn("Failed to update progression file", "error", err)
		}
	}
}

// validateAndSave runs on every rank because validation reduces across
// workers; only the primary reports and writes.
func (o *Orchestrator) validateAndSave(ctx context.Context, primary bool) error {
	it := o.state.Iteration
	o.c.Hooks.fire(PhaseValidate, o.state)

	start := time.Now()
	valLoss, err := o.validator.Evaluate(ctx, o.c.Model, o.c.Validation, it)
	if err != nil {
		return fmt.Errorf("iteration %d: %w", it, err)
	}
	if primary {
		ev := ValidationEvent{Iteration: it, Loss: valLoss, Batches: len(o.c.Validation), Duration: time.Since(start)}
		o.logger.Info("Validation loss", "iteration", it, "loss", valLoss)
		o.c.Sink.LogValidation(ctx, ev)
		if o.c.Progress != nil {
			if err := o.c.Progress.UpdateValidation(ctx, ev); err != nil {
				o.logger.Warn("Failed to update progression file", "error", err)
			}
		}
	}

	o.c.Hooks.fire(PhaseCheckpoint, o.state)
	if primary && o.c.Checkpoints != nil {
		if _, err := o.c.Checkpoints.Save(ctx, o.state, o.c.Model, o.c.Optimizer, valLoss); err != nil {
			return fmt.Errorf("iteration %d: save checkpoint: %w", it, err)
		}
	}
	return nil
}
