// Package supervisor brings a process's components up in dependency order
// and takes them down in the reverse order.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Stage is one component of the process. Start must leave nothing running
// when it fails. Stop is only called for stages whose Start succeeded.
type Stage struct {
	Name  string
	Start func(ctx context.Context) error
	Stop  func(ctx context.Context) error
}

type Supervisor struct {
	stages []Stage

	mu      sync.Mutex
	started int
}

func New(stages ...Stage) *Supervisor {
	return &Supervisor{stages: stages}
}

// Start runs every stage's Start in order. If one fails, the stages already
// started are stopped in reverse order and the startup error is returned.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started > 0 {
		return errors.New("supervisor already started")
	}

	for i, st := range s.stages {
		start := time.Now()
		if st.Start != nil {
			if err := st.Start(ctx); err != nil {
				slog.ErrorContext(ctx, "stage failed to start", "stage", st.Name, "error", err)
				s.started = i
				stopErr := s.stopLocked(context.WithoutCancel(ctx))
				return errors.Join(fmt.Errorf("starting %s: %w", st.Name, err), stopErr)
			}
		}
		slog.InfoContext(ctx, "stage started",
			"stage", st.Name,
			"duration_ms", time.Since(start).Milliseconds())
	}
	s.started = len(s.stages)
	return nil
}

// Stop stops started stages in reverse order. A failing stage does not
// prevent the ones after it from stopping; all errors are returned joined.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(ctx)
}

func (s *Supervisor) stopLocked(ctx context.Context) error {
	var errs []error
	for i := s.started - 1; i >= 0; i-- {
		st := s.stages[i]
		if st.Stop == nil {
			continue
		}
		start := time.Now()
		if err := st.Stop(ctx); err != nil {
			slog.ErrorContext(ctx, "stage failed to stop", "stage", st.Name, "error", err)
			errs = append(errs, fmt.Errorf("stopping %s: %w", st.Name, err))
			continue
		}
		slog.InfoContext(ctx, "stage stopped",
			"stage", st.Name,
			"duration_ms", time.Since(start).Milliseconds())
	}
	s.started = 0
	return errors.Join(errs...)
}

// Run starts every stage, waits until ctx is done or a component reports a
// fatal error on fatal, then stops everything within shutdownTimeout. The
// returned error is the startup error, the fatal error, or any stop error.
func (s *Supervisor) Run(ctx context.Context, fatal <-chan error, shutdownTimeout time.Duration) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	slog.InfoContext(ctx, "all stages started", "stages", len(s.stages))

	var runErr error
	select {
	case <-ctx.Done():
		slog.InfoContext(ctx, "shutting down...")
	case err := <-fatal:
		slog.ErrorContext(ctx, "component failed, shutting down", "error", err)
		runErr = err
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	return errors.Join(runErr, s.Stop(stopCtx))
}
