package async

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewLoaderValidation(t *testing.T) {
	if _, err := NewLoader[int](3, nil, LoaderConfig{}); err == nil {
		t.Error("Expected error for nil batch function")
	}
	if _, err := NewLoader(-1, func(context.Context, int) (int, error) { return 0, nil }, LoaderConfig{}); err == nil {
		t.Error("Expected error for negative batch count")
	}

	l, err := NewLoader(3, func(context.Context, int) (int, error) { return 0, nil }, LoaderConfig{})
	if err != nil {
		t.Fatalf("NewLoader failed: %v", err)
	}
	stats := l.Stats()
	if stats.Workers != 2 || stats.QueueCapacity != 2 {
		t.Errorf("Expected default workers and depth of 2, got %d and %d", stats.Workers, stats.QueueCapacity)
	}
}

func TestLoaderPreservesOrder(t *testing.T) {
	fn := func(_ context.Context, i int) (int, error) {
		// Later batches finish first.
		time.Sleep(time.Duration(10-i) * time.Millisecond)
		return i * i, nil
	}
	l, err := NewLoader(10, fn, LoaderConfig{PrefetchDepth: 4, Workers: 4})
	if err != nil {
		t.Fatalf("NewLoader failed: %v", err)
	}
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer l.Stop()

	for i := 0; i < 10; i++ {
		v, err := l.Next()
		if err != nil {
			t.Fatalf("Next failed at %d: %v", i, err)
		}
		if v != i*i {
			t.Errorf("Expected %d, got %d", i*i, v)
		}
	}
	if _, err := l.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF, got %v", err)
	}
	if got := l.Stats().Delivered; got != 10 {
		t.Errorf("Expected 10 delivered, got %d", got)
	}
}

func TestLoaderBoundsConcurrency(t *testing.T) {
	var active, peak int32
	fn := func(_ context.Context, i int) (int, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return i, nil
	}
	l, _ := NewLoader(20, fn, LoaderConfig{PrefetchDepth: 8, Workers: 3})
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()
	for {
		if _, err := l.Next(); err != nil {
			break
		}
	}
	if peak > 3 {
		t.Errorf("Expected at most 3 concurrent workers, saw %d", peak)
	}
}

func TestLoaderPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	fn := func(_ context.Context, i int) (int, error) {
		if i == 2 {
			return 0, boom
		}
		return i, nil
	}
	l, _ := NewLoader(5, fn, LoaderConfig{Workers: 1})
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	for i := 0; i < 2; i++ {
		if _, err := l.Next(); err != nil {
			t.Fatalf("Unexpected error at %d: %v", i, err)
		}
	}
	if _, err := l.Next(); !errors.Is(err, boom) {
		t.Errorf("Expected boom, got %v", err)
	}
}

func TestLoaderStartStop(t *testing.T) {
	fn := func(ctx context.Context, i int) (int, error) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(time.Millisecond):
			return i, nil
		}
	}
	l, _ := NewLoader(100, fn, LoaderConfig{})
	if _, err := l.Next(); err == nil {
		t.Error("Expected error from Next before Start")
	}
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := l.Start(context.Background()); err == nil {
		t.Error("Expected error when starting twice")
	}
	if _, err := l.Next(); err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if err := l.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if l.Stats().IsRunning {
		t.Error("Expected loader to be stopped")
	}
	if err := l.Stop(); err != nil {
		t.Errorf("Second Stop should be a no-op, got %v", err)
	}
}
