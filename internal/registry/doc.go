// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package registry keeps the set of models the server knows about and
// drives list, pull and delete against it.
//
// A model name is either Idle or Busy with exactly one pull or delete.
// Distinct names run in parallel. Pull progress is aggregated per layer so
// the published completed count only grows, and a failed or cancelled pull
// puts the entry back the way it was.
//
// The Coordinator is not safe for concurrent use: every method runs on the
// application event loop.
package registry
