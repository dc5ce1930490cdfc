// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/text/unicode/norm"

	"github.com/jeranaias/ollama-chat/internal/appstate"
	"github.com/jeranaias/ollama-chat/internal/eventloop"
	"github.com/jeranaias/ollama-chat/internal/events"
	"github.com/jeranaias/ollama-chat/internal/model"
	"github.com/jeranaias/ollama-chat/internal/ollama"
	"github.com/jeranaias/ollama-chat/internal/tasks"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrEmptyMessage is returned when the submitted text is blank.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrNoModel is returned when no chat model is selected.
	ErrNoModel = errors.New("no model selected")

	// ErrBusy is returned when a generation is already running for the session.
	ErrBusy = errors.New("a response is already being generated")

	// ErrNotGenerating is returned by Stop when nothing is running.
	ErrNotGenerating = errors.New("no generation in progress")

	// ErrNotUserMessage is returned when editing anything but a user message.
	ErrNotUserMessage = errors.New("only user messages can be edited")

	// ErrNothingToRegenerate is returned when the session has no user message.
	ErrNothingToRegenerate = errors.New("nothing to regenerate")

	// ErrNoDocuments is returned when document context is turned on without
	// a document store.
	ErrNoDocuments = errors.New("document store is not available")
)

// =============================================================================
// STATE
// =============================================================================

// State is the generation state of the coordinator.
type State int

const (
	// StateIdle: no generation; Submit is accepted.
	StateIdle State = iota
	// StateSending: request sent, no fragment received yet.
	StateSending
	// StateStreaming: fragments are arriving.
	StateStreaming
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// generation is the bookkeeping for the one in-flight request.
type generation struct {
	handle    *tasks.Handle
	model     string
	stream    model.StreamHandle
	streaming bool
	fragments int
}

// =============================================================================
// COORDINATOR
// =============================================================================

// Coordinator drives one chat session: it validates input, runs the
// streamed request on a worker, and applies fragments to the conversation.
//
// Every method must be called on the event loop. Workers only post
// closures back to the loop; each closure checks that its handle is still
// current before touching the conversation.
type Coordinator struct {
	app       *appstate.State
	transport Transport
	logger    zerolog.Logger

	session      *model.Conversation
	model        string
	systemPrompt string

	docs    ContextSource
	useDocs bool

	state State
	gen   *generation
}

// Options configures a Coordinator.
type Options struct {
	Model        string
	SystemPrompt string

	// Documents supplies passages for prompts while document context is on.
	Documents ContextSource
	// DocumentContext turns document context on at start.
	DocumentContext bool
}

// New creates a coordinator with an empty session.
func New(app *appstate.State, transport Transport, opts Options) *Coordinator {
	c := &Coordinator{
		app:          app,
		transport:    transport,
		logger:       app.Logger.With().Str("component", "chat").Logger(),
		model:        strings.TrimSpace(opts.Model),
		systemPrompt: opts.SystemPrompt,
		docs:         opts.Documents,
		useDocs:      opts.DocumentContext && opts.Documents != nil,
	}
	c.session = c.newConversation()
	return c
}

func (c *Coordinator) newConversation() *model.Conversation {
	return model.NewConversation().
		WithModel(c.model).
		WithSystemPrompt(c.systemPrompt)
}

// =============================================================================
// SUBMIT
// =============================================================================

// Submit appends text as a user message and starts a generation.
func (c *Coordinator) Submit(text string) error {
	text, err := c.validate(text)
	if err != nil {
		return err
	}
	return c.start(text)
}

// validate normalises text and checks the preconditions of Submit without
// changing anything.
func (c *Coordinator) validate(text string) (string, error) {
	text = strings.TrimSpace(norm.NFC.String(text))
	if text == "" {
		return "", ErrEmptyMessage
	}
	if c.model == "" {
		return "", ErrNoModel
	}
	if c.state != StateIdle {
		return "", ErrBusy
	}
	return text, nil
}

func (c *Coordinator) start(text string) error {
	h, err := c.app.Tracker.Start(tasks.KindGenerate, c.session.ID)
	if err != nil {
		var conflict *tasks.ConflictError
		if errors.As(err, &conflict) {
			return ErrBusy
		}
		return err
	}

	if _, err := c.session.AddUserMessage(text); err != nil {
		_ = c.app.Tracker.Finish(h, tasks.StatusFailed, err)
		return err
	}

	gen := &generation{handle: h, model: c.model}
	c.gen = gen
	c.state = StateSending
	messages := c.session.ToOllamaMessages()
	sessionID := c.session.ID
	useDocs := c.useDocs

	c.publishSession()
	c.app.Publish(events.GenerationStarted{SessionID: c.session.ID, Model: gen.model})
	c.logger.Info().
		Str("session", c.session.ID).
		Str("model", gen.model).
		Int("messages", len(messages)).
		Msg("generation started")

	err = c.app.Runner.Go(h,
		func(ctx context.Context) error {
			request := messages
			if useDocs {
				request = c.attachDocuments(ctx, h, sessionID, text, messages)
			}
			return c.consume(ctx, h, gen.model, request)
		},
		func(err error) {
			c.app.Loop.Post(func() { c.finish(h, err) })
		})
	if err != nil {
		// Runner stopped: report it like any other failed generation.
		c.finish(h, err)
	}
	return nil
}

// attachDocuments runs on a worker. It replaces the final user message of
// the request with one that quotes the matching passages. The session keeps
// the text the user typed. A failed lookup sends the prompt unchanged.
func (c *Coordinator) attachDocuments(ctx context.Context, h *tasks.Handle, sessionID, question string, messages []ollama.Message) []ollama.Message {
	dc, err := c.docs.ContextFor(ctx, question)
	if err != nil {
		c.logger.Warn().Err(err).Msg("document context lookup failed")
		return messages
	}
	if dc.Documents == 0 {
		return messages
	}

	attached := events.DocumentContextAttached{
		SessionID: sessionID,
		Sources:   dc.Sources(),
		Passages:  len(dc.Results),
		Documents: dc.Documents,
	}
	c.app.Loop.Post(func() {
		if c.current(h) {
			c.app.Publish(attached)
		}
	})
	if dc.Empty() || len(messages) == 0 {
		return messages
	}

	out := make([]ollama.Message, len(messages))
	copy(out, messages)
	out[len(out)-1].Content = dc.Prompt(question)
	c.logger.Debug().
		Str("session", sessionID).
		Int("passages", len(dc.Results)).
		Strs("sources", attached.Sources).
		Msg("document context attached")
	return out
}

// consume runs on a worker. It reads the stream and posts every non-empty
// fragment to the loop, in order.
func (c *Coordinator) consume(ctx context.Context, h *tasks.Handle, modelName string, messages []ollama.Message) error {
	stream, err := c.transport.ChatStream(ctx, modelName, messages)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if chunk.Content != "" {
			fragment := chunk.Content
			if !c.app.Loop.Post(func() { c.applyFragment(h, fragment) }) {
				return eventloop.ErrClosed
			}
		}
		if chunk.Done {
			return nil
		}
	}
}

// current reports whether h is the handle of the in-flight generation.
func (c *Coordinator) current(h *tasks.Handle) bool {
	return c.gen != nil && c.gen.handle == h && !h.CancelRequested()
}

// applyFragment appends one fragment. Fragments of a stopped or replaced
// generation are dropped.
func (c *Coordinator) applyFragment(h *tasks.Handle, fragment string) {
	if !c.current(h) {
		c.logger.Debug().Str("handle", h.ID).Msg("dropping stale fragment")
		return
	}

	if !c.gen.streaming {
		sh, err := c.session.BeginAssistantStream()
		if err != nil {
			c.logger.Error().Err(err).Msg("begin assistant stream")
			return
		}
		c.gen.stream = sh
		c.gen.streaming = true
		c.state = StateStreaming
	}

	if err := c.session.AppendToStream(c.gen.stream, fragment); err != nil {
		c.logger.Error().Err(err).Msg("append fragment")
		return
	}
	c.gen.fragments++
	c.publishSession()
}

// finish handles the worker's result.
func (c *Coordinator) finish(h *tasks.Handle, err error) {
	if !c.current(h) {
		return
	}

	if err == nil {
		// A reply without any text still gets an (empty) assistant message.
		if !c.gen.streaming {
			if sh, berr := c.session.BeginAssistantStream(); berr == nil {
				c.gen.stream = sh
				c.gen.streaming = true
			}
		}
		content := c.end(tasks.StatusComplete, nil)
		c.logger.Info().Str("session", c.session.ID).Int("chars", len(content)).Msg("generation completed")
		c.app.Publish(events.GenerationCompleted{SessionID: c.session.ID, Content: content})
		return
	}

	failure := events.Classify(err)
	c.end(tasks.StatusFailed, err)
	c.logger.Warn().Err(err).Str("kind", failure.Kind.String()).Msg("generation failed")
	c.app.Publish(events.GenerationFailed{SessionID: c.session.ID, Failure: failure})
}

// end freezes any partial reply, releases the handle and returns to Idle.
// It publishes the final SessionUpdated and returns the reply content.
func (c *Coordinator) end(status tasks.Status, err error) string {
	gen := c.gen
	content := ""
	if gen.streaming {
		if msg := c.session.At(c.session.Len() - 1); msg != nil {
			content = msg.GetDisplayContent()
		}
		if eerr := c.session.EndStream(gen.stream); eerr != nil {
			c.logger.Error().Err(eerr).Msg("end stream")
		}
	}
	if ferr := c.app.Tracker.Finish(gen.handle, status, err); ferr != nil {
		c.logger.Error().Err(ferr).Msg("finish generate handle")
	}

	c.gen = nil
	c.state = StateIdle
	c.publishSession()
	return content
}

// =============================================================================
// STOP
// =============================================================================

// Stop cancels the running generation. Content received so far is kept as
// the assistant reply. GenerationCancelled is published once.
func (c *Coordinator) Stop() error {
	if c.gen == nil {
		return ErrNotGenerating
	}
	h := c.gen.handle
	h.Cancel()

	fragments := c.gen.fragments
	content := c.end(tasks.StatusCanceled, nil)
	c.logger.Info().Str("session", c.session.ID).Int("fragments", fragments).Msg("generation cancelled")
	c.app.Publish(events.GenerationCancelled{SessionID: c.session.ID, Content: content})
	return nil
}

// =============================================================================
// EDIT / REGENERATE
// =============================================================================

// EditAndResend replaces the user message at index and everything after it
// with text, then submits it.
func (c *Coordinator) EditAndResend(index int, text string) error {
	text, err := c.validate(text)
	if err != nil {
		return err
	}
	msg := c.session.At(index)
	if msg == nil {
		return model.ErrInvalidState
	}
	if msg.Role != model.RoleUser {
		return ErrNotUserMessage
	}
	if err := c.session.TruncateFrom(index); err != nil {
		return err
	}
	return c.start(text)
}

// Regenerate drops the last reply and resubmits the last user message.
func (c *Coordinator) Regenerate() error {
	if c.state != StateIdle {
		return ErrBusy
	}
	index := c.session.LastIndexOf(model.RoleUser)
	if index < 0 {
		return ErrNothingToRegenerate
	}
	return c.EditAndResend(index, c.session.At(index).Content)
}

// =============================================================================
// SESSION
// =============================================================================

// NewSession cancels any generation and replaces the session.
func (c *Coordinator) NewSession() {
	if c.gen != nil {
		_ = c.Stop()
	}
	c.session = c.newConversation()
	c.publishSession()
}

// Clear cancels any generation and empties the session, keeping its ID.
func (c *Coordinator) Clear() {
	if c.gen != nil {
		_ = c.Stop()
	}
	c.session.Clear()
	c.publishSession()
}

// SelectModel sets the model for subsequent generations. A running
// generation keeps the model it started with.
func (c *Coordinator) SelectModel(name string) {
	name = strings.TrimSpace(name)
	if name == c.model {
		return
	}
	c.model = name
	c.session.Model = name
	c.logger.Info().Str("model", name).Msg("model selected")
	c.app.Publish(events.ModelSelected{Name: name})
}

// SetDocumentContext turns document context on or off for later prompts.
func (c *Coordinator) SetDocumentContext(on bool) error {
	if on && c.docs == nil {
		return ErrNoDocuments
	}
	if c.useDocs != on {
		c.useDocs = on
		c.logger.Info().Bool("enabled", on).Msg("document context toggled")
	}
	return nil
}

// DocumentContext reports whether prompts get document context.
func (c *Coordinator) DocumentContext() bool {
	return c.useDocs
}

// SetSystemPrompt sets the system prompt for this and future sessions.
func (c *Coordinator) SetSystemPrompt(prompt string) {
	c.systemPrompt = prompt
	c.session.SystemPrompt = prompt
}

// =============================================================================
// QUERIES
// =============================================================================

// SelectedModel returns the model used for the next Submit.
func (c *Coordinator) SelectedModel() string {
	return c.model
}

// State returns the generation state.
func (c *Coordinator) State() State {
	return c.state
}

// SessionID returns the ID of the current session.
func (c *Coordinator) SessionID() string {
	return c.session.ID
}

// Session returns a snapshot of the transcript.
func (c *Coordinator) Session() []model.MessageView {
	return c.session.Snapshot()
}

// History returns a detached copy of the session for export.
func (c *Coordinator) History() model.Transcript {
	return c.session.Transcript()
}

// ModelInUse reports whether a generation using name is in flight.
func (c *Coordinator) ModelInUse(name string) bool {
	return c.gen != nil && c.gen.model == name
}

func (c *Coordinator) publishSession() {
	c.app.Publish(events.SessionUpdated{
		SessionID: c.session.ID,
		Messages:  c.session.Snapshot(),
		Streaming: c.session.IsStreaming(),
	})
}
