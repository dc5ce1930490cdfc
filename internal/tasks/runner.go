// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tasks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrRunnerStopped is returned by Go after Stop.
var ErrRunnerStopped = errors.New("runner stopped")

// DefaultMaxConcurrent is the worker limit when none is configured.
const DefaultMaxConcurrent = 4

// =============================================================================
// TASK RUNNER
// =============================================================================

// Runner executes work for handles on background goroutines. A semaphore
// bounds how many run at once; the rest wait in StatusQueued.
type Runner struct {
	// mu orders Go against Stop so no worker is added once Stop waits
	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup

	active    atomic.Int32
	semaphore chan struct{}
	timeouts  map[Kind]time.Duration

	// base is cancelled by Stop and is the parent of every work context
	base       context.Context
	cancelBase context.CancelFunc

	logger zerolog.Logger
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	// MaxConcurrent bounds concurrent workers (0 = DefaultMaxConcurrent)
	MaxConcurrent int

	// Timeouts is an optional deadline per kind (0 or missing = none)
	Timeouts map[Kind]time.Duration

	Logger zerolog.Logger
}

// NewRunner creates a runner.
func NewRunner(opts RunnerOptions) *Runner {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	timeouts := make(map[Kind]time.Duration, len(opts.Timeouts))
	for k, v := range opts.Timeouts {
		timeouts[k] = v
	}
	base, cancel := context.WithCancel(context.Background())
	return &Runner{
		semaphore:  make(chan struct{}, opts.MaxConcurrent),
		timeouts:   timeouts,
		base:       base,
		cancelBase: cancel,
		logger:     opts.Logger.With().Str("component", "runner").Logger(),
	}
}

// Go runs work for h on a new goroutine and then calls done with its error,
// on that same goroutine. done typically posts the result to the event
// loop. Work never starts if h is cancelled while waiting for a slot; done
// then receives context.Canceled.
func (r *Runner) Go(h *Handle, work func(ctx context.Context) error, done func(error)) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return ErrRunnerStopped
	}
	r.wg.Add(1)
	r.mu.Unlock()

	var ctx context.Context
	var cancel context.CancelFunc
	if timeout := r.timeouts[h.Kind]; timeout > 0 {
		ctx, cancel = context.WithTimeout(r.base, timeout)
	} else {
		ctx, cancel = context.WithCancel(r.base)
	}
	h.setCancelFunc(cancel)

	r.active.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.active.Add(-1)
		defer cancel()

		err := r.execute(ctx, h, work)
		if done != nil {
			done(err)
		}
	}()
	return nil
}

// execute waits for a slot and runs work.
func (r *Runner) execute(ctx context.Context, h *Handle, work func(ctx context.Context) error) error {
	select {
	case r.semaphore <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-r.semaphore }()

	if err := ctx.Err(); err != nil {
		return err
	}

	h.markRunning()
	start := time.Now()
	r.logger.Debug().Str("id", h.ID).Str("kind", h.Kind.String()).Str("target", h.Target).Msg("operation started")

	err := work(ctx)

	evt := r.logger.Debug()
	if err != nil && !h.CancelRequested() {
		evt = r.logger.Warn().Err(err)
	}
	evt.Str("id", h.ID).
		Str("kind", h.Kind.String()).
		Str("target", h.Target).
		Dur("elapsed", time.Since(start)).
		Bool("cancel_requested", h.CancelRequested()).
		Msg("operation finished")
	return err
}

// Stop cancels all work and waits for every worker to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	r.cancelBase()
	r.wg.Wait()
}

// Active returns the number of workers that have not yet returned from
// their done callback.
func (r *Runner) Active() int {
	return int(r.active.Load())
}

// Stopped reports whether Stop was called.
func (r *Runner) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}
