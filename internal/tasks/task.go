// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tasks tracks in-flight background operations and runs their work.
package tasks

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// KIND
// =============================================================================

// Kind is the type of operation a handle stands for.
type Kind string

const (
	// KindGenerate is a chat generation; its target is a session ID.
	KindGenerate Kind = "generate"

	// KindPull downloads a model; its target is a model name.
	KindPull Kind = "pull"

	// KindDelete removes a model; its target is a model name.
	KindDelete Kind = "delete"
)

// String returns the kind name.
func (k Kind) String() string {
	return string(k)
}

// =============================================================================
// STATUS
// =============================================================================

// Status represents the current state of an operation.
type Status string

const (
	// StatusQueued: started but waiting for a worker slot
	StatusQueued Status = "Queued"

	// StatusRunning: the worker is executing
	StatusRunning Status = "Running"

	// StatusComplete: finished successfully
	StatusComplete Status = "Complete"

	// StatusFailed: finished with an error
	StatusFailed Status = "Failed"

	// StatusCanceled: stopped by the user
	StatusCanceled Status = "Canceled"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCanceled
}

// =============================================================================
// HANDLE
// =============================================================================

// Handle identifies one in-flight operation. Coordinators compare handles by
// pointer to decide whether a late result still belongs to the current
// operation.
type Handle struct {
	// ID is a unique identifier for this operation
	ID string

	// Kind and Target name what the operation works on
	Kind   Kind
	Target string

	cancelRequested atomic.Bool

	mu        sync.RWMutex
	status    Status
	startTime time.Time
	endTime   time.Time
	err       error
	cancel    context.CancelFunc
}

// NewHandle creates a queued handle. Handles are normally created by
// Tracker.Start.
func NewHandle(kind Kind, target string) *Handle {
	return &Handle{
		ID:        uuid.NewString(),
		Kind:      kind,
		Target:    target,
		status:    StatusQueued,
		startTime: time.Now(),
	}
}

// Status returns the current status (thread-safe).
func (h *Handle) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// Err returns the error the operation failed with, if any.
func (h *Handle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

// CancelRequested reports whether Cancel was called.
func (h *Handle) CancelRequested() bool {
	return h.cancelRequested.Load()
}

// Cancel requests cancellation and interrupts the worker's context. It
// returns false if the operation had already finished.
func (h *Handle) Cancel() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.status.Terminal() {
		return false
	}
	h.cancelRequested.Store(true)
	if h.cancel != nil {
		h.cancel()
	}
	return true
}

// setCancelFunc stores the worker's cancel func. A cancellation requested
// before the worker started is applied immediately.
func (h *Handle) setCancelFunc(cancel context.CancelFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancel = cancel
	if h.cancelRequested.Load() {
		cancel()
	}
}

// markRunning moves a queued handle to running.
func (h *Handle) markRunning() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == StatusQueued {
		h.status = StatusRunning
	}
}

// finish moves the handle to a terminal status. Valid transitions are
// Queued|Running -> Complete|Failed|Canceled.
func (h *Handle) finish(status Status, err error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !status.Terminal() {
		return fmt.Errorf("invalid final status %s", status)
	}
	if h.status.Terminal() {
		return fmt.Errorf("invalid status transition from %s to %s", h.status, status)
	}
	h.status = status
	h.err = err
	h.endTime = time.Now()
	if h.cancel != nil {
		h.cancel()
	}
	return nil
}

// Duration returns how long the operation has been running or took.
func (h *Handle) Duration() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.endTime.IsZero() {
		return time.Since(h.startTime)
	}
	return h.endTime.Sub(h.startTime)
}

// Done returns true once the handle reached a terminal status.
func (h *Handle) Done() bool {
	return h.Status().Terminal()
}

// Summary returns a one-line summary of the operation.
func (h *Handle) Summary() string {
	status := h.Status()
	summary := fmt.Sprintf("[%s] %s %s - %s", h.ID[:8], h.Kind, h.Target, status)
	if d := h.Duration(); d > 0 && status.Terminal() {
		summary += fmt.Sprintf(" (%.1fs)", d.Seconds())
	}
	return summary
}
