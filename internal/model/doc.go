// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
//
// This package defines the conversation store used by the chat coordinator
// and the model entries kept by the model registry.
//
// # Key Types
//
//   - Conversation: ordered transcript with at most one open assistant stream
//   - Message: single message with role, content and timestamp
//   - StreamHandle: token for the open assistant stream; stale after EndStream or Clear
//   - Model: one registry entry (name, size, digest, local presence, status)
//
// # Usage
//
// Streaming an assistant reply into a conversation:
//
//	conv := model.NewConversation()
//	conv.AddUserMessage("Hello!")
//	h, _ := conv.BeginAssistantStream()
//	conv.AppendToStream(h, "Hi")
//	conv.AppendToStream(h, " there")
//	conv.EndStream(h)
package model
