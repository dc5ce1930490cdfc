// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

import (
	"context"

	"github.com/jeranaias/ollama-chat/internal/ollama"
)

// PullStream is a finite sequence of pull progress updates. Next returns
// io.EOF when the download finished.
type PullStream interface {
	Next() (ollama.PullProgress, error)
	Close() error
}

// Transport is the part of the server API the registry uses.
type Transport interface {
	ListModels(ctx context.Context) ([]ollama.ModelInfo, error)
	Pull(ctx context.Context, name string, insecure bool) (PullStream, error)
	DeleteModel(ctx context.Context, name string) error
}

// ClientTransport adapts *ollama.Client to Transport.
type ClientTransport struct {
	Client *ollama.Client
}

// ListModels implements Transport.
func (t ClientTransport) ListModels(ctx context.Context) ([]ollama.ModelInfo, error) {
	return t.Client.ListModels(ctx)
}

// Pull implements Transport.
func (t ClientTransport) Pull(ctx context.Context, name string, insecure bool) (PullStream, error) {
	stream, err := t.Client.Pull(ctx, name, insecure)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// DeleteModel implements Transport.
func (t ClientTransport) DeleteModel(ctx context.Context, name string) error {
	return t.Client.DeleteModel(ctx, name)
}
