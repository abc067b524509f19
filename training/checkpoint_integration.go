package training

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/tsawler/go-speechtrain/checkpoints"
	"github.com/tsawler/go-speechtrain/ledger"
	"github.com/tsawler/go-speechtrain/model"
	"github.com/tsawler/go-speechtrain/optimizer"
)

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	SaveDirectory   string // Directory within the store; "" is the store root
	FilenamePattern string // Formatted with the iteration and the validation loss
	RunID           string
	WorldSize       int
}

// DefaultCheckpointConfig returns the naming used by earlier runs.
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		FilenamePattern: "checkpoint_%d_%.4f",
		WorldSize:       1,
	}
}

// CheckpointRecorder indexes saved checkpoints. *ledger.Ledger satisfies it.
type CheckpointRecorder interface {
	RecordCheckpoint(ctx context.Context, e ledger.CheckpointEntry) error
}

// CheckpointManager snapshots the training state through a checkpoint store.
type CheckpointManager struct {
	config   CheckpointConfig
	store    *checkpoints.Store
	recorder CheckpointRecorder
	logger   *slog.Logger
}

// NewCheckpointManager creates a new checkpoint manager. recorder may be nil.
func NewCheckpointManager(store *checkpoints.Store, config CheckpointConfig, recorder CheckpointRecorder) *CheckpointManager {
	if config.FilenamePattern == "" {
		config.FilenamePattern = DefaultCheckpointConfig().FilenamePattern
	}
	logger := store.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckpointManager{config: config, store: store, recorder: recorder, logger: logger}
}

// Filename is the store path for a checkpoint, without extension.
func (cm *CheckpointManager) Filename(iteration int, valLoss float64) string {
	return path.Join(cm.config.SaveDirectory, fmt.Sprintf(cm.config.FilenamePattern, iteration, valLoss))
}

// Save writes the model and optimizer state at s and records it in the
// ledger. It must only be called on the primary rank.
func (cm *CheckpointManager) Save(ctx context.Context, s State, m model.Model, opt optimizer.Optimizer, valLoss float64) (string, error) {
	cp := &checkpoints.Checkpoint{
		FormatVersion: checkpoints.FormatVersion,
		Iteration:     s.Iteration,
		LearningRate:  s.LearningRate,
		StateDict:     checkpoints.FromParameters(m.Parameters()),
		Metadata: checkpoints.CheckpointMetadata{
			Framework:      "speechtrain",
			RunID:          cm.config.RunID,
			CreatedAt:      time.Now().UTC(),
			Epoch:          s.Epoch,
			ValidationLoss: valLoss,
			WorldSize:      cm.config.WorldSize,
		},
	}
	if opt != nil {
		st, err := opt.GetState()
		if err != nil {
			return "", fmt.Errorf("failed to export optimizer state: %w", err)
		}
		cp.Optimizer = st
	}

	p, err := cm.store.Save(ctx, cp, cm.Filename(s.Iteration, valLoss))
	if err != nil {
		return "", err
	}

	if cm.recorder != nil {
		err := cm.recorder.RecordCheckpoint(ctx, ledger.CheckpointEntry{
			Iteration:      s.Iteration,
			Epoch:          s.Epoch,
			Path:           p,
			ValidationLoss: valLoss,
			CreatedAt:      cp.Metadata.CreatedAt,
		})
		if err != nil {
			// The checkpoint itself is on disk; a missing index entry is not fatal.
			cm.logger.Warn("failed to record checkpoint in ledger", "path", p, "error", err)
		}
	}
	return p, nil
}

// Resume loads the checkpoint at p into m and opt and returns it. Parameter
// names and shapes must match exactly.
func (cm *CheckpointManager) Resume(ctx context.Context, p string, m model.Model, opt optimizer.Optimizer) (*checkpoints.Checkpoint, error) {
	cp, err := cm.store.Load(ctx, p)
	if err != nil {
		return nil, err
	}
	if err := checkpoints.Restore(cp, m.Parameters()); err != nil {
		return nil, fmt.Errorf("failed to restore model from %s: %w", p, err)
	}
	if opt != nil && cp.Optimizer != nil {
		if err := opt.LoadState(cp.Optimizer); err != nil {
			return nil, fmt.Errorf("failed to restore optimizer from %s: %w", p, err)
		}
	}
	return cp, nil
}

// WarmStart loads parameter values only, leaving ignored layers at their
// initial values.
func (cm *CheckpointManager) WarmStart(ctx context.Context, p string, m model.Model, ignore []string) (*checkpoints.WarmStartReport, error) {
	return cm.store.WarmStart(ctx, p, m, ignore)
}
