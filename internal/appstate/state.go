// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package appstate holds the process-wide collaborators shared by the
// coordinators. A State is built once at startup and passed to each
// coordinator's constructor.
package appstate

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/ollama-chat/internal/eventloop"
	"github.com/jeranaias/ollama-chat/internal/events"
	"github.com/jeranaias/ollama-chat/internal/tasks"
)

// State is the shared application context.
//
// Loop, Bus, Tracker and Runner are safe to use from any goroutine. The host
// record is owned by the loop: read and write it only from loop functions.
type State struct {
	Loop    *eventloop.Loop
	Bus     *events.Bus
	Tracker *tasks.Tracker
	Runner  *tasks.Runner
	Logger  zerolog.Logger

	host string
}

// Options configures New.
type Options struct {
	Host          string
	MaxConcurrent int
	MaxHistory    int
	Timeouts      map[tasks.Kind]time.Duration
	Logger        zerolog.Logger
}

// New creates the shared state. The loop is not started.
func New(opts Options) *State {
	return &State{
		Loop:    eventloop.New(eventloop.WithLogger(opts.Logger)),
		Bus:     events.NewBus(),
		Tracker: tasks.NewTracker(opts.MaxHistory),
		Runner: tasks.NewRunner(tasks.RunnerOptions{
			MaxConcurrent: opts.MaxConcurrent,
			Timeouts:      opts.Timeouts,
			Logger:        opts.Logger,
		}),
		Logger: opts.Logger,
		host:   opts.Host,
	}
}

// Host returns the configured server endpoint. Loop only.
func (s *State) Host() string {
	return s.host
}

// SetHost records a new server endpoint. Loop only.
func (s *State) SetHost(host string) {
	s.host = host
}

// Publish sends e to every subscriber. Loop only.
func (s *State) Publish(e events.Event) {
	s.Logger.Trace().Str("event", e.EventName()).Msg("publish")
	s.Bus.Publish(e)
}

// Close stops background work and the loop. Safe to call twice.
func (s *State) Close() {
	s.Runner.Stop()
	s.Loop.Close()
}
