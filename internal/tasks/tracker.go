// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tasks

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// DefaultMaxHistory is the number of finished handles kept for display.
const DefaultMaxHistory = 50

// ErrNotTracked is returned by Finish for a handle the tracker does not own.
var ErrNotTracked = errors.New("handle is not tracked")

// ConflictError is returned by Start when the target already has an
// operation in flight.
type ConflictError struct {
	Existing *Handle
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s already in progress for %q", e.Existing.Kind, e.Existing.Target)
}

// =============================================================================
// TRACKER
// =============================================================================

// Tracker enforces the in-flight limits: at most one generate handle per
// session, and at most one pull or delete handle per model name. Operations
// on different targets are independent.
type Tracker struct {
	mu sync.RWMutex

	// active maps a slot key to the handle occupying it
	active map[slotKey]*Handle

	// history holds finished handles, oldest first
	history    []*Handle
	maxHistory int
}

// slotKey groups pull and delete into one slot per model.
type slotKey struct {
	model  bool
	target string
}

func slotFor(kind Kind, target string) slotKey {
	return slotKey{model: kind != KindGenerate, target: target}
}

// NewTracker creates a tracker. maxHistory bounds the finished-handle
// history (0 = DefaultMaxHistory).
func NewTracker(maxHistory int) *Tracker {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Tracker{
		active:     make(map[slotKey]*Handle),
		maxHistory: maxHistory,
	}
}

// =============================================================================
// HANDLE MANAGEMENT
// =============================================================================

// Start registers a new operation. It returns *ConflictError when the slot
// for kind and target is taken.
func (t *Tracker) Start(kind Kind, target string) (*Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := slotFor(kind, target)
	if existing, ok := t.active[key]; ok {
		return nil, &ConflictError{Existing: existing}
	}

	h := NewHandle(kind, target)
	t.active[key] = h
	return h, nil
}

// Finish moves h to a terminal status and frees its slot. Finishing a
// handle twice is an error.
func (t *Tracker) Finish(h *Handle, status Status, err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := slotFor(h.Kind, h.Target)
	if t.active[key] != h {
		return fmt.Errorf("%w: %s", ErrNotTracked, h.ID)
	}
	if ferr := h.finish(status, err); ferr != nil {
		return ferr
	}

	delete(t.active, key)
	t.history = append(t.history, h)
	t.cleanupLocked()
	return nil
}

// Active returns the in-flight handle of exactly this kind for target.
func (t *Tracker) Active(kind Kind, target string) *Handle {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if h, ok := t.active[slotFor(kind, target)]; ok && h.Kind == kind {
		return h
	}
	return nil
}

// ModelBusy returns the pull or delete handle in flight for name, if any.
func (t *Tracker) ModelBusy(name string) *Handle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active[slotKey{model: true, target: name}]
}

// IsCurrent reports whether h still occupies its slot.
func (t *Tracker) IsCurrent(h *Handle) bool {
	if h == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active[slotFor(h.Kind, h.Target)] == h
}

// =============================================================================
// QUERIES
// =============================================================================

// Running returns the in-flight handles ordered by kind then target.
func (t *Tracker) Running() []*Handle {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*Handle, 0, len(t.active))
	for _, h := range t.active {
		result = append(result, h)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Kind != result[j].Kind {
			return result[i].Kind < result[j].Kind
		}
		return result[i].Target < result[j].Target
	})
	return result
}

// History returns the finished handles, oldest first.
func (t *Tracker) History() []*Handle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*Handle(nil), t.history...)
}

// RunningCount returns the number of in-flight handles.
func (t *Tracker) RunningCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.active)
}

// cleanupLocked drops the oldest finished handles beyond maxHistory.
// Must be called with lock held.
func (t *Tracker) cleanupLocked() {
	if over := len(t.history) - t.maxHistory; over > 0 {
		t.history = append([]*Handle(nil), t.history[over:]...)
	}
}

// =============================================================================
// FORMATTING
// =============================================================================

// Summary returns a formatted summary of the tracker.
func (t *Tracker) Summary() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	completed, failed, canceled := 0, 0, 0
	for _, h := range t.history {
		switch h.Status() {
		case StatusComplete:
			completed++
		case StatusFailed:
			failed++
		case StatusCanceled:
			canceled++
		}
	}

	return fmt.Sprintf("Running: %d | Completed: %d | Failed: %d | Canceled: %d",
		len(t.active), completed, failed, canceled)
}
