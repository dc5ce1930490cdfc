// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package docs keeps local documents that can be quoted into chat prompts.
//
// Documents are split into overlapping word chunks and stored in a SQLite
// database with an FTS5 index over the chunk text. A prompt is answered
// with the best matching chunks, which the chat coordinator places in
// front of the user's question.
//
// # Key Types
//
//   - Store: SQLite-backed document store, safe for concurrent use
//   - Document: one stored file with its word and chunk counts
//   - Result: one matching chunk with its relevance
//   - Context: the results for one prompt, rendered with Prompt
//   - Watcher: re-reads stored files when they change on disk
//
// # Usage
//
//	store, err := docs.Open(docs.DefaultConfig(dbPath), logger)
//	doc, err := store.Add(ctx, "notes/design.md")
//
//	dc, err := store.ContextFor(ctx, "how are retries scheduled?")
//	if !dc.Empty() {
//	    prompt = dc.Prompt(question)
//	}
package docs
