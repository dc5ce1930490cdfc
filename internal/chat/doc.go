// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat implements the chat coordinator.
//
// The coordinator moves through Idle -> Sending -> Streaming and back to
// Idle when a generation completes, is stopped, or fails. It never returns
// transport errors from its methods; those arrive as GenerationFailed
// events carrying a classified events.Failure. Method errors are caller
// mistakes: ErrEmptyMessage, ErrNoModel, ErrBusy and friends.
//
// Stopping keeps whatever text already arrived. Fragments that a worker
// had buffered when Stop ran are discarded by the handle check, not by
// timing.
package chat
