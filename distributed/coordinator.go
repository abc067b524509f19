// Package distributed forms the process group of a multi-worker run and
// implements the collectives the training loop needs: a scalar mean and a
// gradient mean.
package distributed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/tsawler/go-speechtrain/model"
)

// Coordinator is a process group. Every collective blocks until all ranks
// have called it with the same name, in the same order.
type Coordinator interface {
	Rank() int
	WorldSize() int
	AllReduceMean(ctx context.Context, x float64) (float64, error)
	AllReduceGradients(ctx context.Context, params []*model.Parameter) error
	Barrier(ctx context.Context) error
	Close() error
}

// IsPrimary reports whether c is rank 0.
func IsPrimary(c Coordinator) bool {
	return c.Rank() == 0
}

// Local is the single-process group; every collective is the identity.
type Local struct{}

func (Local) Rank() int      { return 0 }
func (Local) WorldSize() int { return 1 }
func (Local) AllReduceMean(_ context.Context, x float64) (float64, error) {
	return x, nil
}
func (Local) AllReduceGradients(context.Context, []*model.Parameter) error { return nil }
func (Local) Barrier(context.Context) error                               { return nil }
func (Local) Close() error                                                { return nil }

// Options describes the process group to join.
type Options struct {
	WorldSize int
	Rank      int
	Address   string // host:port of rank 0
	GroupName string
	Probe     Probe

	// Listener, when set, is used by rank 0 instead of listening on Address.
	Listener    net.Listener
	JoinTimeout time.Duration
	Logger      *slog.Logger
}

// InitError reports a process group that could not be formed.
type InitError struct {
	Stage string
	Err   error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("distributed init failed (%s): %v", e.Stage, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// ErrMismatch is wrapped by collective errors caused by ranks calling
// different collectives.
var ErrMismatch = errors.New("collective mismatch across ranks")

// Init probes the device and joins the group. A world size of one returns
// Local without touching the network.
func Init(ctx context.Context, opts Options) (Coordinator, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Probe != nil {
		dev, err := opts.Probe.Probe()
		if err != nil {
			return nil, &InitError{Stage: "probe", Err: err}
		}
		logger.Info("Device", "rank", opts.Rank, "kind", dev.Kind, "name", dev.Name, "cores", dev.Cores)
	}

	if opts.WorldSize <= 1 {
		return Local{}, nil
	}
	if opts.Rank < 0 || opts.Rank >= opts.WorldSize {
		return nil, &InitError{Stage: "config", Err: fmt.Errorf("rank %d outside world of %d", opts.Rank, opts.WorldSize)}
	}
	if opts.Address == "" && opts.Listener == nil {
		return nil, &InitError{Stage: "config", Err: errors.New("no rendezvous address")}
	}
	if opts.GroupName == "" {
		opts.GroupName = "default"
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 5 * time.Minute
	}

	joinCtx, cancel := context.WithTimeout(ctx, opts.JoinTimeout)
	defer cancel()

	var (
		c   Coordinator
		err error
	)
	if opts.Rank == 0 {
		c, err = startHub(joinCtx, opts, logger)
	} else {
		c, err = dialHub(joinCtx, opts, logger)
	}
	if err != nil {
		return nil, &InitError{Stage: "rendezvous", Err: err}
	}
	logger.Info("Joined process group", "group", opts.GroupName, "rank", opts.Rank, "world_size", opts.WorldSize)
	return c, nil
}

var _ Coordinator = Local{}
