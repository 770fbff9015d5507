// Package batch coalesces individually arriving items into bulk writes.
//
// An Accumulator flushes when it holds Size items or when the oldest
// unflushed item has waited Timeout, whichever comes first. Buffers are
// swapped out under a lock before the write runs, so an item is handed to
// the FlushFunc exactly once no matter how size-triggered, timer-triggered
// and shutdown flushes interleave.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"basegraph.app/courier/common/logger"
)

var ErrStopped = errors.New("accumulator stopped")

// FlushFunc writes one batch. Items arrive in the order they were added.
type FlushFunc[T any] func(ctx context.Context, items []T) error

type Config struct {
	Name    string // used in logs and span names
	Size    int
	Timeout time.Duration
}

type Accumulator[T any] struct {
	cfg      Config
	flushFn  FlushFunc[T]
	timerCtx context.Context

	mu      sync.Mutex
	buf     []T
	timer   *time.Timer
	stopped bool

	// writeMu makes take-then-write a single step, so batches reach the
	// FlushFunc in the order they were cut.
	writeMu sync.Mutex
	seq     uint64 // guarded by writeMu

	// pending counts armed timers and running timer callbacks.
	pending sync.WaitGroup
}

// New builds an accumulator. ctx supplies values (log fields, trace) for
// timer-driven flushes; its cancellation is ignored so a flush already
// under way is never cut short.
func New[T any](ctx context.Context, cfg Config, fn FlushFunc[T]) (*Accumulator[T], error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("batch %q: size must be positive", cfg.Name)
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("batch %q: timeout must be positive", cfg.Name)
	}
	if fn == nil {
		return nil, fmt.Errorf("batch %q: flush func is required", cfg.Name)
	}
	return &Accumulator[T]{
		cfg:      cfg,
		flushFn:  fn,
		timerCtx: context.WithoutCancel(ctx),
		buf:      make([]T, 0, cfg.Size),
	}, nil
}

// Add appends item. When the buffer reaches Size the batch is flushed before
// Add returns and the flush error, if any, is returned. Otherwise a timer is
// armed if none is running.
func (a *Accumulator[T]) Add(ctx context.Context, item T) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return ErrStopped
	}

	a.buf = append(a.buf, item)
	full := len(a.buf) >= a.cfg.Size
	if !full && a.timer == nil {
		a.pending.Add(1)
		a.timer = time.AfterFunc(a.cfg.Timeout, a.onTimer)
	}
	a.mu.Unlock()

	if full {
		return a.Flush(ctx)
	}
	return nil
}

// Flush writes whatever is buffered. Safe to call concurrently with Add and
// with other Flush calls. Each write runs with a batch_id log field of the
// form <name>-<n>, counting from 1.
func (a *Accumulator[T]) Flush(ctx context.Context) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	items := a.take()
	if len(items) == 0 {
		return nil
	}

	a.seq++
	batchID := fmt.Sprintf("%s-%d", a.cfg.Name, a.seq)
	ctx = logger.WithLogFields(ctx, logger.LogFields{BatchID: &batchID})

	sc := logger.StartSpan(ctx, "batch.flush."+a.cfg.Name, trace.WithAttributes(
		attribute.String("batch.id", batchID),
		attribute.Int("batch.size", len(items)),
	))
	defer sc.End()
	ctx = sc.Context()

	start := time.Now()
	if err := a.flushFn(ctx, items); err != nil {
		sc.RecordError(err)
		slog.ErrorContext(ctx, "batch flush failed",
			"batch", a.cfg.Name,
			"size", len(items),
			"error", err)
		return fmt.Errorf("flushing %s batch of %d: %w", a.cfg.Name, len(items), err)
	}

	slog.DebugContext(ctx, "batch flushed",
		"batch", a.cfg.Name,
		"size", len(items),
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Stop rejects further Adds, flushes the remaining items synchronously and
// waits for any timer flush that was already running.
func (a *Accumulator[T]) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	a.mu.Unlock()

	err := a.Flush(ctx)
	a.pending.Wait()
	return err
}

// Len reports the number of buffered, unflushed items.
func (a *Accumulator[T]) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

// take swaps the buffer out and disarms the timer.
func (a *Accumulator[T]) take() []T {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.timer != nil {
		// A timer that already fired releases pending from its callback.
		if a.timer.Stop() {
			a.pending.Done()
		}
		a.timer = nil
	}

	if len(a.buf) == 0 {
		return nil
	}
	items := a.buf
	a.buf = make([]T, 0, a.cfg.Size)
	return items
}

func (a *Accumulator[T]) onTimer() {
	defer a.pending.Done()
	_ = a.Flush(a.timerCtx)
}
