// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package app

import (
	"context"

	"github.com/jeranaias/ollama-chat/internal/chat"
	"github.com/jeranaias/ollama-chat/internal/docs"
	"github.com/jeranaias/ollama-chat/internal/model"
)

// =============================================================================
// FACADE
// =============================================================================

// The methods below are safe from any goroutine. Each runs the matching
// coordinator call on the event loop and waits for it.

// Do runs fn on the event loop and waits for it.
func (a *App) Do(ctx context.Context, fn func()) error {
	return a.state.Loop.Call(ctx, fn)
}

func (a *App) call(ctx context.Context, fn func() error) error {
	var err error
	if cerr := a.Do(ctx, func() { err = fn() }); cerr != nil {
		return cerr
	}
	return err
}

// Submit sends text as the next user message.
func (a *App) Submit(ctx context.Context, text string) error {
	return a.call(ctx, func() error { return a.Chat.Submit(text) })
}

// Stop cancels the running generation.
func (a *App) Stop(ctx context.Context) error {
	return a.call(ctx, a.Chat.Stop)
}

// EditAndResend replaces the user message at index and resubmits.
func (a *App) EditAndResend(ctx context.Context, index int, text string) error {
	return a.call(ctx, func() error { return a.Chat.EditAndResend(index, text) })
}

// Regenerate resubmits the last user message.
func (a *App) Regenerate(ctx context.Context) error {
	return a.call(ctx, a.Chat.Regenerate)
}

// NewSession starts an empty session.
func (a *App) NewSession(ctx context.Context) error {
	return a.Do(ctx, a.Chat.NewSession)
}

// Clear empties the current session.
func (a *App) Clear(ctx context.Context) error {
	return a.Do(ctx, a.Chat.Clear)
}

// SelectModel sets the model for the next generation.
func (a *App) SelectModel(ctx context.Context, name string) error {
	return a.Do(ctx, func() { a.Chat.SelectModel(name) })
}

// SetSystemPrompt sets the system prompt.
func (a *App) SetSystemPrompt(ctx context.Context, prompt string) error {
	return a.Do(ctx, func() { a.Chat.SetSystemPrompt(prompt) })
}

// Refresh re-lists models.
func (a *App) Refresh(ctx context.Context) error {
	return a.Do(ctx, a.Registry.Refresh)
}

// Pull starts downloading a model.
func (a *App) Pull(ctx context.Context, name string, insecure bool) error {
	return a.call(ctx, func() error { return a.Registry.Pull(name, insecure) })
}

// CancelPull stops a running pull.
func (a *App) CancelPull(ctx context.Context, name string) error {
	return a.call(ctx, func() error { return a.Registry.CancelPull(name) })
}

// Delete removes a model from the server.
func (a *App) Delete(ctx context.Context, name string) error {
	return a.call(ctx, func() error { return a.Registry.Delete(name) })
}

// ChangeHost points the application at another server.
func (a *App) ChangeHost(ctx context.Context, host string) error {
	return a.call(ctx, func() error { return a.SetHost(host) })
}

// Snapshot is a consistent view of the application state.
type Snapshot struct {
	Host     string
	Model    string
	State    chat.State
	Session  []model.MessageView
	Models   []model.Model
	Pulling  []string
	Activity string

	// DocumentContext reports whether prompts get document context.
	DocumentContext bool
}

// Snapshot returns the current state in one loop turn.
func (a *App) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := a.Do(ctx, func() {
		s = Snapshot{
			Host:     a.state.Host(),
			Model:    a.Chat.SelectedModel(),
			State:    a.Chat.State(),
			Session:  a.Chat.Session(),
			Models:   a.Registry.Models(),
			Pulling:  a.Registry.Pulling(),
			Activity: a.state.Tracker.Summary(),

			DocumentContext: a.Chat.DocumentContext(),
		}
	})
	return s, err
}

// History returns a detached copy of the session.
func (a *App) History(ctx context.Context) (model.Transcript, error) {
	var t model.Transcript
	err := a.Do(ctx, func() { t = a.Chat.History() })
	return t, err
}

// Ping checks that the current host answers and returns the host it asked.
// It runs off the loop and may block for up to the request timeout.
func (a *App) Ping(ctx context.Context) (string, error) {
	host := a.client.Host()
	return host, a.client.CheckRunning(ctx)
}

// =============================================================================
// DOCUMENTS
// =============================================================================

// The document methods below run on the calling goroutine. The store is safe
// for concurrent use; only the context toggle goes through the loop.

// HasDocuments reports whether a document store is attached.
func (a *App) HasDocuments() bool {
	return a.docs != nil
}

// AddDocument stores the file at path and starts watching it.
func (a *App) AddDocument(ctx context.Context, path string) (docs.Document, error) {
	if a.docs == nil {
		return docs.Document{}, chat.ErrNoDocuments
	}
	doc, err := a.docs.Add(ctx, path)
	if err != nil {
		return docs.Document{}, err
	}
	if a.docWatcher != nil {
		a.docWatcher.Track(doc.Path)
	}
	return doc, nil
}

// RemoveDocument deletes the document matching ref: an ID, an ID prefix,
// a path or a name.
func (a *App) RemoveDocument(ctx context.Context, ref string) (docs.Document, error) {
	if a.docs == nil {
		return docs.Document{}, chat.ErrNoDocuments
	}
	return a.docs.Remove(ctx, ref)
}

// Documents lists the stored documents, newest first.
func (a *App) Documents(ctx context.Context) ([]docs.Document, error) {
	if a.docs == nil {
		return nil, chat.ErrNoDocuments
	}
	return a.docs.List(ctx)
}

// SearchDocuments returns the passages matching query. limit <= 0 uses the
// configured maximum.
func (a *App) SearchDocuments(ctx context.Context, query string, limit int) ([]docs.Result, error) {
	if a.docs == nil {
		return nil, chat.ErrNoDocuments
	}
	return a.docs.Search(ctx, query, limit)
}

// SetDocumentContext turns document context on or off for later prompts.
func (a *App) SetDocumentContext(ctx context.Context, on bool) error {
	return a.call(ctx, func() error { return a.Chat.SetDocumentContext(on) })
}
