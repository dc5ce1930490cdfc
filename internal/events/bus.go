// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package events

import (
	"sync"
	"sync/atomic"
)

// Handler receives published events.
type Handler func(Event)

type subscription struct {
	handler Handler
	removed atomic.Bool
}

// Bus delivers events synchronously, in subscription order, on the
// publishing goroutine. Coordinators publish only from the event loop, so
// handlers never race with coordinator state.
//
// Subscribe and the returned unsubscribe func may be called from any
// goroutine, including from inside a handler.
type Bus struct {
	mu   sync.Mutex
	subs []*subscription
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers h and returns a func that removes it. Calling the
// returned func more than once is harmless.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	sub := &subscription{handler: h}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() {
		if sub.removed.Swap(true) {
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				break
			}
		}
	}
}

// Publish calls every current handler with e. A handler removed while the
// publish is running is not called afterwards.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.removed.Load() {
			continue
		}
		sub.handler(e)
	}
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
