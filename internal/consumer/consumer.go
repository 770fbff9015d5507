// Package consumer turns queue deliveries into store writes and vendor calls.
//
// Every consumer follows the same lifecycle: Start opens a receive loop on its
// queue, Stop cancels the loop, lets in-flight work finish, settles every
// delivery it received, and only then reports Stopped.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"basegraph.app/courier/internal/broker"
	"basegraph.app/courier/internal/model"
)

// Source is the part of a broker channel consumers read from.
type Source interface {
	Consume(ctx context.Context, queue string, opts broker.ConsumeOptions) (<-chan *broker.Delivery, error)
}

// Consumer is a startable, drainable queue consumer.
type Consumer interface {
	Name() string
	Start(ctx context.Context) error
	// Stop stops receiving, finishes buffered and in-flight work, and settles
	// every delivery. It is a no-op unless the consumer is running.
	Stop(ctx context.Context) error
	State() State
}

type State int32

const (
	StateStopped State = iota
	StateRunning
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// lifecycle tracks Stopped -> Running -> Draining -> Stopped.
type lifecycle struct {
	mu     sync.Mutex
	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}
}

func (l *lifecycle) State() State {
	return State(l.state.Load())
}

// begin moves to Running and returns the context the receive loop runs under.
// The loop must close l.done when it exits.
func (l *lifecycle) begin(ctx context.Context, name string) (context.Context, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s := l.State(); s != StateStopped {
		return nil, fmt.Errorf("consumer %s already %s", name, s)
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.state.Store(int32(StateRunning))
	return runCtx, nil
}

// abort undoes begin when startup fails before the loop runs.
func (l *lifecycle) abort() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cancel()
	l.state.Store(int32(StateStopped))
}

// drain moves to Draining, stops the receive loop and waits for it to exit.
// It reports false when the consumer was not running.
func (l *lifecycle) drain() bool {
	l.mu.Lock()
	if l.State() != StateRunning {
		l.mu.Unlock()
		return false
	}
	l.state.Store(int32(StateDraining))
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	cancel()
	<-done
	return true
}

func (l *lifecycle) finish() {
	l.state.Store(int32(StateStopped))
}

// decodeJSON unmarshals body into T, marking syntax and type errors malformed.
func decodeJSON[T any](body []byte) (T, error) {
	var v T
	if len(body) == 0 {
		return v, fmt.Errorf("%w: empty body", model.ErrMalformed)
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return v, fmt.Errorf("%w: %v", model.ErrMalformed, err)
	}
	return v, nil
}

func isMalformed(err error) bool {
	return errors.Is(err, model.ErrMalformed)
}
