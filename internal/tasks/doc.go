// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tasks tracks in-flight background operations and runs their work.
//
// # Key Types
//
//   - Handle: one in-flight generate, pull or delete, with a cancel request flag
//   - Tracker: enforces one generate per session and one pull-or-delete per model
//   - Runner: executes work on bounded worker goroutines with per-kind timeouts
//   - Status: Queued, Running, Complete, Failed, Canceled
//
// # Usage
//
//	h, err := tracker.Start(tasks.KindPull, "llama3.2")
//	if err != nil {
//	    var conflict *tasks.ConflictError
//	    if errors.As(err, &conflict) { ... }
//	}
//	runner.Go(h, func(ctx context.Context) error {
//	    return pull(ctx, "llama3.2")
//	}, func(err error) {
//	    loop.Post(func() { tracker.Finish(h, tasks.StatusComplete, nil) })
//	})
//
// Handle.Cancel sets the cancel request flag and cancels the worker context.
package tasks
