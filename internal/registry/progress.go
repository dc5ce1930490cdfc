// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

import (
	"golang.org/x/time/rate"

	"github.com/jeranaias/ollama-chat/internal/ollama"
)

// layer is the progress of one blob of a pull.
type layer struct {
	completed int64
	total     int64
}

// progress aggregates the per-layer lines of one pull into totals that
// never go backwards. The server reports each blob separately and may
// repeat or reorder lines; per-layer values only grow.
type progress struct {
	status string
	layers map[string]*layer
	order  []string

	completed int64
	total     int64

	// published is the completed value of the last progress event.
	published int64
	limiter   *rate.Limiter
}

func newProgress(limit rate.Limit) *progress {
	return &progress{
		layers:  make(map[string]*layer),
		limiter: rate.NewLimiter(limit, 1),
	}
}

// apply folds one server line into the totals.
func (p *progress) apply(line ollama.PullProgress) {
	if line.Status != "" {
		p.status = line.Status
	}
	if line.Digest == "" || line.Total <= 0 {
		return
	}

	l, ok := p.layers[line.Digest]
	if !ok {
		l = &layer{}
		p.layers[line.Digest] = l
		p.order = append(p.order, line.Digest)
	}
	if line.Total > l.total {
		p.total += line.Total - l.total
		l.total = line.Total
	}
	completed := line.Completed
	if completed > l.total {
		completed = l.total
	}
	if completed > l.completed {
		p.completed += completed - l.completed
		l.completed = completed
	}
}

// due reports whether a progress event should be published now: the
// completed count grew since the last event and the limiter allows it.
// final bypasses the limiter.
func (p *progress) due(final bool) bool {
	if p.completed <= p.published {
		return false
	}
	if !final && !p.limiter.Allow() {
		return false
	}
	p.published = p.completed
	return true
}

// fraction returns completed/total in [0,1].
func (p *progress) fraction() float64 {
	if p.total <= 0 {
		return 0
	}
	f := float64(p.completed) / float64(p.total)
	if f > 1 {
		f = 1
	}
	return f
}
