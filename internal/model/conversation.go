// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/ollama-chat/internal/ollama"
	"github.com/jeranaias/ollama-chat/internal/util"
)

// ErrInvalidState is returned when the store is asked to do something its
// current state does not allow: appending to a message that is not
// streaming, using a stale stream handle, or truncating at a bad index.
var ErrInvalidState = errors.New("invalid conversation state")

// titleMaxLen bounds the auto-generated title.
const titleMaxLen = 50

// =============================================================================
// STREAM HANDLE
// =============================================================================

// StreamHandle identifies one assistant stream in one generation of the
// conversation. A handle goes stale when its stream ends or the conversation
// is cleared.
type StreamHandle struct {
	msgID string
	gen   uint64
}

// IsZero reports whether h was never issued.
func (h StreamHandle) IsZero() bool {
	return h.msgID == ""
}

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation is the ordered transcript of a chat session.
//
// It is not safe for concurrent use. The chat coordinator owns it and only
// touches it from the event loop.
type Conversation struct {
	// Identity
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Configuration
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Messages
	Messages []*Message `json:"messages"`

	// streaming is the message currently receiving fragments, if any.
	streaming *Message
	// gen is bumped by Clear so handles from before the clear never match.
	gen uint64
}

// NewConversation creates a new, empty conversation.
func NewConversation() *Conversation {
	now := time.Now()
	return &Conversation{
		ID:        uuid.NewString(),
		Title:     "New Conversation",
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  make([]*Message, 0),
	}
}

// WithModel sets the model for the conversation.
func (c *Conversation) WithModel(model string) *Conversation {
	c.Model = model
	return c
}

// WithSystemPrompt sets the system prompt for the conversation.
func (c *Conversation) WithSystemPrompt(prompt string) *Conversation {
	c.SystemPrompt = prompt
	return c
}

// =============================================================================
// APPEND
// =============================================================================

// Append adds a finished message to the end of the transcript. It fails while
// an assistant stream is open, since the streaming message must stay last.
func (c *Conversation) Append(msg *Message) error {
	if msg == nil || !msg.Role.Valid() {
		return fmt.Errorf("%w: invalid message", ErrInvalidState)
	}
	if c.streaming != nil {
		return fmt.Errorf("%w: assistant stream in progress", ErrInvalidState)
	}
	if msg.IsStreaming {
		return fmt.Errorf("%w: use BeginAssistantStream for streaming messages", ErrInvalidState)
	}

	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = time.Now()

	if msg.Role == RoleUser && c.countRole(RoleUser) == 1 {
		c.updateTitle(msg.Content)
	}
	return nil
}

// AddUserMessage appends a user message and returns it.
func (c *Conversation) AddUserMessage(content string) (*Message, error) {
	msg := NewUserMessage(content)
	if err := c.Append(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// =============================================================================
// STREAMING
// =============================================================================

// BeginAssistantStream appends an empty assistant message and marks the
// conversation as streaming.
func (c *Conversation) BeginAssistantStream() (StreamHandle, error) {
	if c.streaming != nil {
		return StreamHandle{}, fmt.Errorf("%w: assistant stream already open", ErrInvalidState)
	}

	msg := NewAssistantMessage()
	c.Messages = append(c.Messages, msg)
	c.streaming = msg
	c.UpdatedAt = time.Now()

	return StreamHandle{msgID: msg.ID, gen: c.gen}, nil
}

// AppendToStream adds a fragment to the streaming assistant message.
func (c *Conversation) AppendToStream(h StreamHandle, fragment string) error {
	msg, err := c.current(h)
	if err != nil {
		return err
	}
	msg.AppendToken(fragment)
	c.UpdatedAt = time.Now()
	return nil
}

// EndStream freezes the streaming message. The handle is stale afterwards.
func (c *Conversation) EndStream(h StreamHandle) error {
	msg, err := c.current(h)
	if err != nil {
		return err
	}
	msg.FinalizeStream()
	c.streaming = nil
	c.UpdatedAt = time.Now()
	return nil
}

// IsStreaming reports whether an assistant stream is open.
func (c *Conversation) IsStreaming() bool {
	return c.streaming != nil
}

func (c *Conversation) current(h StreamHandle) (*Message, error) {
	if c.streaming == nil {
		return nil, fmt.Errorf("%w: not streaming", ErrInvalidState)
	}
	if h.gen != c.gen || h.msgID != c.streaming.ID {
		return nil, fmt.Errorf("%w: stale stream handle", ErrInvalidState)
	}
	return c.streaming, nil
}

// =============================================================================
// TRUNCATE / CLEAR
// =============================================================================

// TruncateFrom removes the messages at and after index. An index equal to the
// length is a no-op.
func (c *Conversation) TruncateFrom(index int) error {
	if c.streaming != nil {
		return fmt.Errorf("%w: cannot truncate while streaming", ErrInvalidState)
	}
	if index < 0 || index > len(c.Messages) {
		return fmt.Errorf("%w: index %d out of range [0,%d]", ErrInvalidState, index, len(c.Messages))
	}
	if index == len(c.Messages) {
		return nil
	}

	kept := make([]*Message, index)
	copy(kept, c.Messages[:index])
	c.Messages = kept
	c.UpdatedAt = time.Now()

	if c.countRole(RoleUser) == 0 {
		c.Title = "New Conversation"
	}
	return nil
}

// Clear removes every message and invalidates outstanding stream handles.
func (c *Conversation) Clear() {
	c.Messages = make([]*Message, 0)
	c.streaming = nil
	c.gen++
	c.Title = "New Conversation"
	c.UpdatedAt = time.Now()
}

// =============================================================================
// QUERIES
// =============================================================================

// Len returns the number of messages.
func (c *Conversation) Len() int {
	return len(c.Messages)
}

// At returns the message at index, or nil when out of range.
func (c *Conversation) At(index int) *Message {
	if index < 0 || index >= len(c.Messages) {
		return nil
	}
	return c.Messages[index]
}

// LastIndexOf returns the index of the last message with role, or -1.
func (c *Conversation) LastIndexOf(role Role) int {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == role {
			return i
		}
	}
	return -1
}

// Snapshot returns value copies of every message, safe to hand to a view.
func (c *Conversation) Snapshot() []MessageView {
	views := make([]MessageView, len(c.Messages))
	for i, msg := range c.Messages {
		views[i] = msg.View()
	}
	return views
}

// ToOllamaMessages converts the transcript to the API message format. The
// system prompt goes first; empty messages are skipped.
func (c *Conversation) ToOllamaMessages() []ollama.Message {
	messages := make([]ollama.Message, 0, len(c.Messages)+1)

	if c.SystemPrompt != "" {
		messages = append(messages, ollama.NewSystemMessage(c.SystemPrompt))
	}

	for _, msg := range c.Messages {
		content := msg.GetDisplayContent()
		if content == "" {
			continue
		}
		messages = append(messages, ollama.Message{
			Role:    msg.Role.String(),
			Content: content,
		})
	}
	return messages
}

func (c *Conversation) countRole(role Role) int {
	n := 0
	for _, msg := range c.Messages {
		if msg.Role == role {
			n++
		}
	}
	return n
}

// updateTitle sets the title from the first user message.
func (c *Conversation) updateTitle(content string) {
	if title := util.TruncateRunes(strings.TrimSpace(content), titleMaxLen); title != "" {
		c.Title = title
	}
}

// =============================================================================
// TRANSCRIPT
// =============================================================================

// Transcript is a detached copy of a conversation for export.
type Transcript struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	Model        string        `json:"model"`
	SystemPrompt string        `json:"system_prompt,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Messages     []MessageView `json:"messages"`
}

// Transcript returns a copy of the conversation that shares no state with it.
func (c *Conversation) Transcript() Transcript {
	return Transcript{
		ID:           c.ID,
		Title:        c.Title,
		Model:        c.Model,
		SystemPrompt: c.SystemPrompt,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
		Messages:     c.Snapshot(),
	}
}
