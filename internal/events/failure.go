// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package events

import (
	"github.com/jeranaias/ollama-chat/internal/ollama"
)

// Kind classifies a failed operation for display.
type Kind int

const (
	KindUnknown Kind = iota
	// KindNetwork: unreachable or timed out. The user may retry.
	KindNetwork
	// KindHostUnreachable: the configured host is wrong. The view should
	// offer to change it.
	KindHostUnreachable
	// KindModelNotFound: the model vanished server-side. Re-list models.
	KindModelNotFound
	// KindServer: the server answered with an error.
	KindServer
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindHostUnreachable:
		return "host_unreachable"
	case KindModelNotFound:
		return "model_not_found"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

// Failure is a classified operation error carried by failure events.
type Failure struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements error.
func (f Failure) Error() string {
	return f.Message
}

// Unwrap returns the underlying error.
func (f Failure) Unwrap() error {
	return f.Err
}

// Retryable reports whether resubmitting the same request may succeed.
func (f Failure) Retryable() bool {
	return f.Kind == KindNetwork || f.Kind == KindServer
}

// Classify maps a transport error to a Failure.
func Classify(err error) Failure {
	if err == nil {
		return Failure{Kind: KindUnknown, Message: "unknown error"}
	}

	f := Failure{Message: err.Error(), Err: err}
	switch ollama.TypeOf(err) {
	case ollama.ErrTypeNetwork, ollama.ErrTypeTimeout:
		f.Kind = KindNetwork
	case ollama.ErrTypeHostUnreachable:
		f.Kind = KindHostUnreachable
	case ollama.ErrTypeModelNotFound:
		f.Kind = KindModelNotFound
	case ollama.ErrTypeServer, ollama.ErrTypeInvalidResponse:
		f.Kind = KindServer
	default:
		f.Kind = KindUnknown
	}
	return f
}
