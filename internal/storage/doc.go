// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage saves and exports session transcripts.
//
// # Usage
//
//	store, err := storage.NewTranscriptStore()
//	path, err := store.Save(coordinator.History())
//
//	metas, err := store.List()
//	t, err := store.Load(metas[0].ID)
//
// Export writes a transcript as Markdown or JSON:
//
//	err := storage.ExportFile("chat.md", t)
//
// # Storage Location
//
// Transcripts are stored in ~/.ollama-chat/transcripts/ as JSON files named
// by session ID.
package storage
