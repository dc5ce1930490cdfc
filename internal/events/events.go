// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package events

import "github.com/jeranaias/ollama-chat/internal/model"

// Event is a state change published by a coordinator. The set of
// implementations is closed; views switch on the concrete type.
type Event interface {
	// EventName returns a stable identifier for logging.
	EventName() string
	isEvent()
}

// =============================================================================
// CHAT EVENTS
// =============================================================================

// SessionUpdated carries a fresh snapshot of the transcript. It fires after
// every change, including each streamed fragment.
type SessionUpdated struct {
	SessionID string
	Messages  []model.MessageView
	Streaming bool
}

// GenerationStarted fires once a submitted prompt has been handed to a worker.
type GenerationStarted struct {
	SessionID string
	Model     string
}

// GenerationCompleted fires when the stream ends naturally.
type GenerationCompleted struct {
	SessionID string
	Content   string
}

// GenerationCancelled fires exactly once per stopped generation. Content is
// the partial reply that was kept.
type GenerationCancelled struct {
	SessionID string
	Content   string
}

// GenerationFailed fires when the transport fails mid-generation.
type GenerationFailed struct {
	SessionID string
	Failure   Failure
}

// DocumentContextAttached fires before a prompt is sent while document
// context is on. Sources is empty when no stored passage matched.
type DocumentContextAttached struct {
	SessionID string
	Sources   []string
	Passages  int
	Documents int
}

// ModelSelected fires when the chat model changes.
type ModelSelected struct {
	Name string
}

// =============================================================================
// REGISTRY EVENTS
// =============================================================================

// ModelListUpdated carries the full, sorted model set.
type ModelListUpdated struct {
	Models []model.Model
}

// ModelListFailed fires when a refresh cannot reach the server.
type ModelListFailed struct {
	Failure Failure
}

// ModelPullProgress reports aggregate download progress for one model.
// Completed strictly increases between two events for the same pull.
type ModelPullProgress struct {
	Name      string
	Status    string
	Completed int64
	Total     int64
	Fraction  float64
}

// ModelPullDone fires when a pull finishes and the model is local.
type ModelPullDone struct {
	Name string
}

// ModelPullCancelled fires when the user stops a pull.
type ModelPullCancelled struct {
	Name string
}

// ModelDeleted fires after the server confirmed a delete.
type ModelDeleted struct {
	Name string
}

// Operation names a model management operation.
type Operation string

const (
	OpPull   Operation = "pull"
	OpDelete Operation = "delete"
)

// ModelOperationFailed fires when a pull or delete fails.
type ModelOperationFailed struct {
	Name    string
	Op      Operation
	Failure Failure
}

// =============================================================================
// APPLICATION EVENTS
// =============================================================================

// HostChanged fires after the server endpoint was switched.
type HostChanged struct {
	Host string
}

func (SessionUpdated) EventName() string          { return "session_updated" }
func (GenerationStarted) EventName() string       { return "generation_started" }
func (GenerationCompleted) EventName() string     { return "generation_completed" }
func (GenerationCancelled) EventName() string     { return "generation_cancelled" }
func (GenerationFailed) EventName() string        { return "generation_failed" }
func (DocumentContextAttached) EventName() string { return "document_context_attached" }
func (ModelSelected) EventName() string           { return "model_selected" }
func (ModelListUpdated) EventName() string        { return "model_list_updated" }
func (ModelListFailed) EventName() string         { return "model_list_failed" }
func (ModelPullProgress) EventName() string       { return "model_pull_progress" }
func (ModelPullDone) EventName() string           { return "model_pull_done" }
func (ModelPullCancelled) EventName() string      { return "model_pull_cancelled" }
func (ModelDeleted) EventName() string            { return "model_deleted" }
func (ModelOperationFailed) EventName() string    { return "model_operation_failed" }
func (HostChanged) EventName() string             { return "host_changed" }

func (SessionUpdated) isEvent()          {}
func (GenerationStarted) isEvent()       {}
func (GenerationCompleted) isEvent()     {}
func (GenerationCancelled) isEvent()     {}
func (GenerationFailed) isEvent()        {}
func (DocumentContextAttached) isEvent() {}
func (ModelSelected) isEvent()           {}
func (ModelListUpdated) isEvent()        {}
func (ModelListFailed) isEvent()         {}
func (ModelPullProgress) isEvent()       {}
func (ModelPullDone) isEvent()           {}
func (ModelPullCancelled) isEvent()      {}
func (ModelDeleted) isEvent()            {}
func (ModelOperationFailed) isEvent()    {}
func (HostChanged) isEvent()             {}
