// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"

	"github.com/jeranaias/ollama-chat/internal/docs"
	"github.com/jeranaias/ollama-chat/internal/ollama"
)

// Stream is a finite sequence of chat chunks. Next returns io.EOF at the
// natural end. Close drops the connection without draining it.
type Stream interface {
	Next() (ollama.StreamChunk, error)
	Close() error
}

// Transport opens streamed chat completions.
type Transport interface {
	ChatStream(ctx context.Context, model string, messages []ollama.Message) (Stream, error)
}

// ClientTransport adapts *ollama.Client to Transport.
type ClientTransport struct {
	Client *ollama.Client
}

// ChatStream implements Transport.
func (t ClientTransport) ChatStream(ctx context.Context, model string, messages []ollama.Message) (Stream, error) {
	stream, err := t.Client.ChatStream(ctx, model, messages)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// ContextSource finds stored document passages relevant to a prompt. It is
// called on a worker goroutine.
type ContextSource interface {
	ContextFor(ctx context.Context, query string) (docs.Context, error)
}
