// Package async prefetches training batches in the background while the
// training loop consumes them in order.
package async

import (
	"context"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"
)

// BatchFunc prepares batch index i of the current epoch.
type BatchFunc[T any] func(ctx context.Context, i int) (T, error)

type result[T any] struct {
	value T
	err   error
}

// LoaderConfig holds configuration for the data loader
type LoaderConfig struct {
	PrefetchDepth int // Number of batches prepared ahead of the consumer (default: 2)
	Workers       int // Number of concurrent batch preparations (default: 2)
}

// Loader runs a BatchFunc for indices 0..n-1 on a bounded worker pool and
// hands results back in index order.
type Loader[T any] struct {
	fn            BatchFunc[T]
	n             int
	prefetchDepth int
	workers       int

	slots  chan chan result[T]
	cancel context.CancelFunc
	done   chan struct{}

	delivered int
	isRunning bool
	mutex     sync.Mutex
}

// NewLoader creates a loader over n batches.
func NewLoader[T any](n int, fn BatchFunc[T], config LoaderConfig) (*Loader[T], error) {
	if fn == nil {
		return nil, fmt.Errorf("batch function cannot be nil")
	}
	if n < 0 {
		return nil, fmt.Errorf("batch count must be non-negative, got %d", n)
	}
	if config.PrefetchDepth <= 0 {
		config.PrefetchDepth = 2
	}
	if config.Workers <= 0 {
		config.Workers = 2
	}
	return &Loader[T]{
		fn:            fn,
		n:             n,
		prefetchDepth: config.PrefetchDepth,
		workers:       config.Workers,
	}, nil
}

// Start begins preparing batches. Cancelling ctx stops the pipeline.
func (l *Loader[T]) Start(ctx context.Context) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.isRunning {
		return fmt.Errorf("data loader is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.slots = make(chan chan result[T], l.prefetchDepth)
	l.done = make(chan struct{})
	l.delivered = 0
	l.isRunning = true

	go l.produce(ctx)
	return nil
}

func (l *Loader[T]) produce(ctx context.Context) {
	defer close(l.done)
	defer close(l.slots)

	// Failures travel through the slots so the consumer sees them in index
	// order; a failed batch does not cancel its neighbours.
	var g errgroup.Group
	g.SetLimit(l.workers)
	for i := 0; i < l.n; i++ {
		slot := make(chan result[T], 1)
		select {
		case l.slots <- slot:
		case <-ctx.Done():
			_ = g.Wait()
			return
		}
		g.Go(func() error {
			v, err := l.fn(ctx, i)
			if err != nil {
				err = fmt.Errorf("batch %d: %w", i, err)
			}
			slot <- result[T]{value: v, err: err}
			return nil
		})
	}
	_ = g.Wait()
}

// Next blocks until the next batch in order is ready. It returns io.EOF
// after the last batch.
func (l *Loader[T]) Next() (T, error) {
	var zero T
	l.mutex.Lock()
	slots := l.slots
	running := l.isRunning
	l.mutex.Unlock()
	if !running {
		return zero, fmt.Errorf("data loader is not running")
	}

	slot, ok := <-slots
	if !ok {
		return zero, io.EOF
	}
	r := <-slot
	if r.err != nil {
		return zero, r.err
	}

	l.mutex.Lock()
	l.delivered++
	l.mutex.Unlock()
	return r.value, nil
}

// Stop cancels outstanding work and waits for the workers to exit.
func (l *Loader[T]) Stop() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if !l.isRunning {
		return nil
	}
	l.cancel()
	for range l.slots {
	}
	<-l.done
	l.isRunning = false
	return nil
}

// Stats returns statistics about the data loader
func (l *Loader[T]) Stats() LoaderStats {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	queued := 0
	if l.slots != nil {
		queued = len(l.slots)
	}
	return LoaderStats{
		IsRunning:     l.isRunning,
		Total:         l.n,
		Delivered:     l.delivered,
		QueuedBatches: queued,
		QueueCapacity: l.prefetchDepth,
		Workers:       l.workers,
	}
}

// LoaderStats provides statistics about the data loader
type LoaderStats struct {
	IsRunning     bool
	Total         int
	Delivered     int
	QueuedBatches int
	QueueCapacity int
	Workers       int
}
