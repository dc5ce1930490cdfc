// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package eventloop provides the single goroutine that owns application
// state. Workers never touch coordinator state; they Post closures here.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ErrClosed is returned when work is offered to a loop that has stopped.
var ErrClosed = errors.New("event loop closed")

// DefaultQueueSize is the buffered capacity of the work queue.
const DefaultQueueSize = 1024

// Loop runs posted functions one at a time, in FIFO order.
type Loop struct {
	queue  chan func()
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once

	running atomic.Bool

	logger zerolog.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger used for recovered panics.
func WithLogger(l zerolog.Logger) Option {
	return func(lp *Loop) {
		lp.logger = l.With().Str("component", "eventloop").Logger()
	}
}

// WithQueueSize sets the work queue capacity.
func WithQueueSize(n int) Option {
	return func(lp *Loop) {
		if n > 0 {
			lp.queue = make(chan func(), n)
		}
	}
}

// New creates a loop. It does nothing until Run is called.
func New(opts ...Option) *Loop {
	l := &Loop{
		queue:  make(chan func(), DefaultQueueSize),
		done:   make(chan struct{}),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run executes posted functions until ctx ends or Close is called. Functions
// still queued at that point are dropped. Run must be called at most once.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("eventloop: already running")
	}
	defer l.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return nil
		case fn := <-l.queue:
			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("recovered panic in event loop")
		}
	}()
	fn()
}

// Post enqueues fn. It is safe from any goroutine. It returns false if the
// loop has been closed; it blocks only while the queue is full.
func (l *Loop) Post(fn func()) bool {
	if l.closed.Load() {
		return false
	}
	select {
	case l.queue <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Call runs fn on the loop and waits for it to finish. Calling it from a
// function already running on the loop deadlocks until ctx ends.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	var panicked any
	ok := l.Post(func() {
		defer close(finished)
		defer func() {
			if r := recover(); r != nil {
				panicked = r
			}
		}()
		fn()
	})
	if !ok {
		return ErrClosed
	}

	select {
	case <-finished:
		if panicked != nil {
			return fmt.Errorf("eventloop: call panicked: %v", panicked)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrClosed
	}
}

// Close stops the loop. Safe to call more than once and from any goroutine.
func (l *Loop) Close() {
	l.once.Do(func() {
		l.closed.Store(true)
		close(l.done)
	})
}

// Done is closed when the loop stops.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
