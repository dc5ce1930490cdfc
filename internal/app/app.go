// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package app wires the transport, the shared state and both coordinators
// into one running application.
package app

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/ollama-chat/internal/appstate"
	"github.com/jeranaias/ollama-chat/internal/chat"
	"github.com/jeranaias/ollama-chat/internal/config"
	"github.com/jeranaias/ollama-chat/internal/docs"
	"github.com/jeranaias/ollama-chat/internal/events"
	"github.com/jeranaias/ollama-chat/internal/logging"
	"github.com/jeranaias/ollama-chat/internal/model"
	"github.com/jeranaias/ollama-chat/internal/ollama"
	"github.com/jeranaias/ollama-chat/internal/registry"
	"github.com/jeranaias/ollama-chat/internal/tasks"
)

// Options configures New.
type Options struct {
	// ConfigPath is watched for changes while Run is active. Empty disables
	// the watch.
	ConfigPath string

	// ChatTransport and ModelTransport replace the HTTP client. Tests use
	// them; nil means the Ollama client built from the configuration.
	ChatTransport  chat.Transport
	ModelTransport registry.Transport

	// Documents is the document store used for prompt context. The caller
	// owns it and closes it after Run returns. Nil disables documents.
	Documents *docs.Store
}

// App owns the application: one session, one endpoint, one model set.
//
// Chat and Registry must only be used on the event loop. Views running on
// other goroutines use the facade methods, which marshal onto the loop.
type App struct {
	Chat     *chat.Coordinator
	Registry *registry.Coordinator

	state      *appstate.State
	client     *ollama.Client
	logger     zerolog.Logger
	cfg        *config.Config
	configPath string
	docs       *docs.Store
	docWatcher *docs.Watcher
}

// New builds the application from cfg. Nothing runs until Run.
func New(cfg *config.Config, logger zerolog.Logger, opts Options) (*App, error) {
	host, err := ollama.NormalizeHost(cfg.Server.Host)
	if err != nil {
		return nil, err
	}

	client := ollama.NewClientWithConfig(&ollama.ClientConfig{
		BaseURL:               host,
		Timeout:               cfg.Server.RequestTimeout(),
		ConnectTimeout:        cfg.Server.ConnectTimeout(),
		ResponseHeaderTimeout: cfg.Server.ResponseHeaderTimeout(),
		StreamIdleTimeout:     cfg.Server.StreamIdleTimeout(),
		DefaultModel:          cfg.Chat.DefaultModel,
	})

	timeouts := map[tasks.Kind]time.Duration{}
	if d := cfg.Models.PullTimeout(); d > 0 {
		timeouts[tasks.KindPull] = d
	}
	if d := cfg.Server.RequestTimeout(); d > 0 {
		timeouts[tasks.KindDelete] = d
	}

	state := appstate.New(appstate.Options{
		Host:          host,
		MaxConcurrent: cfg.Models.MaxConcurrentOps,
		Timeouts:      timeouts,
		Logger:        logger,
	})

	chatTransport := opts.ChatTransport
	if chatTransport == nil {
		chatTransport = chat.ClientTransport{Client: client}
	}
	modelTransport := opts.ModelTransport
	if modelTransport == nil {
		modelTransport = registry.ClientTransport{Client: client}
	}

	a := &App{
		state:      state,
		client:     client,
		logger:     logging.Component(logger, "app"),
		cfg:        cfg.Clone(),
		configPath: opts.ConfigPath,
		docs:       opts.Documents,
	}
	chatOpts := chat.Options{
		Model:        cfg.Chat.DefaultModel,
		SystemPrompt: cfg.Chat.SystemPrompt,
	}
	if opts.Documents != nil {
		chatOpts.Documents = opts.Documents
		chatOpts.DocumentContext = cfg.Docs.Enabled
		if cfg.Docs.Watch {
			a.docWatcher = docs.NewWatcher(opts.Documents, 0, logger)
		}
	}
	a.Chat = chat.New(state, chatTransport, chatOpts)
	a.Registry = registry.New(state, modelTransport, registry.Options{
		ProgressPerSecond: cfg.Models.ProgressUpdatesPerSec,
		InUse:             a.Chat.ModelInUse,
	})
	state.Bus.Subscribe(a.onEvent)

	return a, nil
}

// Run starts the event loop, lists models, and watches the config file.
// It returns when ctx ends or Close is called.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		err := a.state.Loop.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if a.configPath != "" {
		w := config.NewWatcher(a.configPath, 0, a.logger)
		g.Go(func() error {
			return w.Run(ctx, func(cfg *config.Config) {
				a.state.Loop.Post(func() { a.applyConfig(cfg) })
			})
		})
	}

	if a.docWatcher != nil {
		g.Go(func() error {
			if err := a.docWatcher.Run(ctx); err != nil {
				a.logger.Warn().Err(err).Msg("document watcher stopped")
			}
			return nil
		})
	}

	a.logger.Info().Str("host", a.client.Host()).Msg("starting")
	a.state.Loop.Post(a.Registry.Refresh)
	return g.Wait()
}

// Close cancels outstanding work and stops the loop.
func (a *App) Close() {
	a.state.Close()
	a.Registry.Close()
}

// Done is closed when the event loop stops.
func (a *App) Done() <-chan struct{} {
	return a.state.Loop.Done()
}

// Subscribe registers h for every event. h runs on the event loop and must
// not block.
func (a *App) Subscribe(h events.Handler) func() {
	return a.state.Bus.Subscribe(h)
}

// Tracker exposes in-flight and recent operations.
func (a *App) Tracker() *tasks.Tracker {
	return a.state.Tracker
}

// =============================================================================
// LOOP-SIDE LOGIC
// =============================================================================

// SetHost points the client at a new server. Loop only. Requests already
// running keep their host; the model list is refreshed from the new one.
func (a *App) SetHost(raw string) error {
	if err := a.client.SetHost(raw); err != nil {
		return err
	}
	host := a.client.Host()
	if host == a.state.Host() {
		return nil
	}
	a.state.SetHost(host)
	a.logger.Info().Str("host", host).Msg("host changed")
	a.state.Publish(events.HostChanged{Host: host})
	a.Registry.Invalidate()
	return nil
}

// Host returns the current server endpoint. Loop only.
func (a *App) Host() string {
	return a.state.Host()
}

// onEvent runs on the loop for every published event.
func (a *App) onEvent(e events.Event) {
	if ev, ok := e.(events.ModelListUpdated); ok {
		a.autoSelect(ev.Models)
	}
}

// autoSelect picks a model when none is selected: the configured default
// when the server has it, otherwise the first local model.
func (a *App) autoSelect(models []model.Model) {
	if a.Chat.SelectedModel() != "" {
		return
	}
	var first string
	for _, m := range models {
		if !m.Local || m.Status != model.ModelReady {
			continue
		}
		if m.Name == a.cfg.Chat.DefaultModel {
			a.Chat.SelectModel(m.Name)
			return
		}
		if first == "" {
			first = m.Name
		}
	}
	if first != "" {
		a.Chat.SelectModel(first)
	}
}

// applyConfig applies a reloaded configuration. Loop only. Settings that
// size shared resources take effect on the next start.
func (a *App) applyConfig(cfg *config.Config) {
	old := a.cfg
	a.cfg = cfg.Clone()

	if cfg.Server.Host != old.Server.Host {
		if err := a.SetHost(cfg.Server.Host); err != nil {
			a.logger.Warn().Err(err).Msg("ignoring reloaded host")
		}
	}
	if cfg.Chat.SystemPrompt != old.Chat.SystemPrompt {
		a.Chat.SetSystemPrompt(cfg.Chat.SystemPrompt)
	}
	if cfg.Chat.DefaultModel != old.Chat.DefaultModel && cfg.Chat.DefaultModel != "" {
		if _, ok := a.Registry.Get(cfg.Chat.DefaultModel); ok {
			a.Chat.SelectModel(cfg.Chat.DefaultModel)
		}
	}
}
