// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

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
	// ErrEmptyName is returned for a blank model name.
	ErrEmptyName = errors.New("model name is empty")

	// ErrAlreadyInProgress is returned when the same operation is already
	// running for the model.
	ErrAlreadyInProgress = errors.New("operation already in progress")

	// ErrModelInUse is returned when deleting a model that is being pulled
	// or is used by the running generation.
	ErrModelInUse = errors.New("model is in use")

	// ErrNotPulling is returned by CancelPull when no pull is running.
	ErrNotPulling = errors.New("model is not being pulled")
)

// pullPrefixes are commands users paste from the model library.
var pullPrefixes = []string{"ollama run", "ollama pull"}

// NormalizeName trims a model name and strips a pasted "ollama run" or
// "ollama pull" command. The command must be a whole word: "ollama runner"
// is left alone.
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	for _, prefix := range pullPrefixes {
		rest, ok := strings.CutPrefix(name, prefix)
		if !ok {
			continue
		}
		if rest == "" || rest[0] == ' ' || rest[0] == '\t' {
			return strings.TrimSpace(rest)
		}
	}
	return name
}

// =============================================================================
// COORDINATOR
// =============================================================================

// pull is the loop-owned state of one in-flight pull.
type pull struct {
	handle   *tasks.Handle
	existed  bool
	previous model.Model
	progress *progress
}

// Coordinator owns the model set and drives list, pull and delete.
//
// Every method must be called on the event loop. Pulls and deletes run on
// the shared runner; one pull-or-delete per model name at a time, distinct
// names in parallel.
type Coordinator struct {
	app       *appstate.State
	transport Transport
	logger    zerolog.Logger
	inUse     func(name string) bool

	models map[string]*model.Model
	pulls  map[string]*pull

	progressLimit rate.Limit

	// refresh bookkeeping
	group      singleflight.Group
	refreshSeq uint64
	appliedSeq uint64
	// floorSeq is the oldest refresh whose result may still be applied.
	// Lists requested before a host change or a completed pull or delete
	// describe a set that no longer exists.
	floorSeq uint64

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards closed so no refresh goroutine is added once Close waits.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Options configures a Coordinator.
type Options struct {
	// ProgressPerSecond caps progress events per pull (0 = unlimited).
	ProgressPerSecond float64

	// InUse reports whether the running generation uses a model.
	InUse func(name string) bool
}

// New creates a coordinator with an empty model set.
func New(app *appstate.State, transport Transport, opts Options) *Coordinator {
	limit := rate.Inf
	if opts.ProgressPerSecond > 0 {
		limit = rate.Limit(opts.ProgressPerSecond)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		app:           app,
		transport:     transport,
		logger:        app.Logger.With().Str("component", "registry").Logger(),
		inUse:         opts.InUse,
		models:        make(map[string]*model.Model),
		pulls:         make(map[string]*pull),
		progressLimit: limit,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// SetInUse installs the in-use check. Loop only.
func (c *Coordinator) SetInUse(fn func(name string) bool) {
	c.inUse = fn
}

// Close stops outstanding refreshes and waits for them. Refreshes requested
// afterwards are ignored. Safe from any goroutine.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

// =============================================================================
// REFRESH
// =============================================================================

// Refresh re-lists models from the server. Overlapping refreshes share one
// request; a result older than one already applied is discarded.
func (c *Coordinator) Refresh() {
	c.refresh(false)
}

// Invalidate discards every list already in flight and fetches a new one.
// Used after the server endpoint changed.
func (c *Coordinator) Invalidate() {
	c.refresh(true)
}

// refresh starts a list. fresh forces a new request instead of joining
// one already in flight and drops the results of older requests, for use
// after the set changed server-side.
func (c *Coordinator) refresh(fresh bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	c.refreshSeq++
	seq := c.refreshSeq
	if fresh {
		c.group.Forget("list")
		c.floorSeq = seq
	}

	go func() {
		defer c.wg.Done()
		v, err, shared := c.group.Do("list", func() (any, error) {
			return c.transport.ListModels(c.ctx)
		})
		infos, _ := v.([]ollama.ModelInfo)
		c.logger.Debug().Uint64("seq", seq).Bool("shared", shared).Int("models", len(infos)).Msg("model list fetched")
		c.app.Loop.Post(func() { c.applyList(seq, infos, err) })
	}()
}

func (c *Coordinator) applyList(seq uint64, infos []ollama.ModelInfo, err error) {
	if seq < c.appliedSeq || seq < c.floorSeq {
		c.logger.Debug().Uint64("seq", seq).Uint64("applied", c.appliedSeq).Uint64("floor", c.floorSeq).Msg("dropping stale model list")
		return
	}
	c.appliedSeq = seq

	if err != nil {
		failure := events.Classify(err)
		c.logger.Warn().Err(err).Str("kind", failure.Kind.String()).Msg("list models failed")
		c.app.Publish(events.ModelListFailed{Failure: failure})
		return
	}

	next := make(map[string]*model.Model, len(infos))
	for _, info := range infos {
		m := model.FromInfo(info)
		next[m.Name] = &m
	}

	// In-flight operations keep their status; a model still downloading
	// stays as a placeholder.
	for name, p := range c.pulls {
		if m, ok := next[name]; ok {
			m.Status = model.ModelPulling
			continue
		}
		if old, ok := c.models[name]; ok {
			placeholder := *old
			placeholder.Local = false
			placeholder.Status = model.ModelPulling
			next[name] = &placeholder
		} else {
			next[name] = &model.Model{Name: name, Status: model.ModelPulling, Size: p.progress.total}
		}
	}
	for _, h := range c.app.Tracker.Running() {
		if h.Kind != tasks.KindDelete {
			continue
		}
		if m, ok := next[h.Target]; ok {
			m.Status = model.ModelDeleting
		}
	}

	c.models = next
	c.logger.Info().Int("models", len(next)).Msg("model list updated")
	c.publishModels()
}

// =============================================================================
// PULL
// =============================================================================

// Pull starts downloading name. insecure allows registries without TLS.
func (c *Coordinator) Pull(name string, insecure bool) error {
	name = NormalizeName(name)
	if name == "" {
		return ErrEmptyName
	}

	h, err := c.app.Tracker.Start(tasks.KindPull, name)
	if err != nil {
		var conflict *tasks.ConflictError
		if errors.As(err, &conflict) {
			return fmt.Errorf("%w: %s %s", ErrAlreadyInProgress, conflict.Existing.Kind, name)
		}
		return err
	}

	p := &pull{handle: h, progress: newProgress(c.progressLimit)}
	if m, ok := c.models[name]; ok {
		p.existed = m.Local
		p.previous = *m
		m.Status = model.ModelPulling
	} else {
		c.models[name] = &model.Model{Name: name, Status: model.ModelPulling}
	}
	c.pulls[name] = p
	c.publishModels()
	c.logger.Info().Str("model", name).Bool("insecure", insecure).Msg("pull started")

	err = c.app.Runner.Go(h,
		func(ctx context.Context) error {
			return c.consumePull(ctx, h, name, insecure)
		},
		func(err error) {
			c.app.Loop.Post(func() { c.finishPull(h, err) })
		})
	if err != nil {
		c.finishPull(h, err)
	}
	return nil
}

// consumePull runs on a worker and posts each progress line to the loop.
func (c *Coordinator) consumePull(ctx context.Context, h *tasks.Handle, name string, insecure bool) error {
	stream, err := c.transport.Pull(ctx, name, insecure)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if !c.app.Loop.Post(func() { c.applyProgress(h, line) }) {
			return eventloop.ErrClosed
		}
	}
}

// currentPull returns the pull state when h is still its handle.
func (c *Coordinator) currentPull(h *tasks.Handle) *pull {
	p, ok := c.pulls[h.Target]
	if !ok || p.handle != h || h.CancelRequested() {
		return nil
	}
	return p
}

func (c *Coordinator) applyProgress(h *tasks.Handle, line ollama.PullProgress) {
	p := c.currentPull(h)
	if p == nil {
		return
	}
	c.logger.Debug().Str("model", h.Target).Msg(line.String())

	p.progress.apply(line)
	if m, ok := c.models[h.Target]; ok && p.progress.total > 0 && !p.existed {
		m.Size = p.progress.total
	}
	if p.progress.due(false) {
		c.publishProgress(h.Target, p)
	}
}

func (c *Coordinator) finishPull(h *tasks.Handle, err error) {
	p := c.currentPull(h)
	if p == nil {
		return
	}
	name := h.Target
	delete(c.pulls, name)

	if err == nil {
		if p.progress.due(true) {
			c.publishProgress(name, p)
		}
		m, ok := c.models[name]
		if !ok {
			m = &model.Model{Name: name}
			c.models[name] = m
		}
		m.Local = true
		m.Status = model.ModelReady
		c.finishHandle(h, tasks.StatusComplete, nil)
		c.logger.Info().Str("model", name).Dur("elapsed", h.Duration()).Msg("pull completed")
		c.publishModels()
		c.app.Publish(events.ModelPullDone{Name: name})
		c.refresh(true)
		return
	}

	c.rollbackPull(name, p)
	c.finishHandle(h, tasks.StatusFailed, err)
	failure := events.Classify(err)
	c.logger.Warn().Err(err).Str("model", name).Str("kind", failure.Kind.String()).Msg("pull failed")
	c.publishModels()
	c.app.Publish(events.ModelOperationFailed{Name: name, Op: events.OpPull, Failure: failure})
}

// rollbackPull restores the model entry as it was before the pull.
func (c *Coordinator) rollbackPull(name string, p *pull) {
	if p.previous.Name == "" {
		delete(c.models, name)
		return
	}
	prev := p.previous
	prev.Status = model.ModelReady
	c.models[name] = &prev
}

// CancelPull stops the pull of name.
func (c *Coordinator) CancelPull(name string) error {
	name = NormalizeName(name)
	p, ok := c.pulls[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotPulling, name)
	}
	p.handle.Cancel()
	delete(c.pulls, name)

	c.rollbackPull(name, p)
	c.finishHandle(p.handle, tasks.StatusCanceled, nil)
	c.logger.Info().Str("model", name).Msg("pull cancelled")
	c.publishModels()
	c.app.Publish(events.ModelPullCancelled{Name: name})
	return nil
}

// =============================================================================
// DELETE
// =============================================================================

// Delete removes name from the server.
func (c *Coordinator) Delete(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	if c.inUse != nil && c.inUse(name) {
		return fmt.Errorf("%w: %s is used by the running generation", ErrModelInUse, name)
	}

	h, err := c.app.Tracker.Start(tasks.KindDelete, name)
	if err != nil {
		var conflict *tasks.ConflictError
		if errors.As(err, &conflict) {
			if conflict.Existing.Kind == tasks.KindPull {
				return fmt.Errorf("%w: %s is being pulled", ErrModelInUse, name)
			}
			return fmt.Errorf("%w: delete %s", ErrAlreadyInProgress, name)
		}
		return err
	}

	if m, ok := c.models[name]; ok {
		m.Status = model.ModelDeleting
		c.publishModels()
	}
	c.logger.Info().Str("model", name).Msg("delete started")

	err = c.app.Runner.Go(h,
		func(ctx context.Context) error {
			return c.transport.DeleteModel(ctx, name)
		},
		func(err error) {
			c.app.Loop.Post(func() { c.finishDelete(h, err) })
		})
	if err != nil {
		c.finishDelete(h, err)
	}
	return nil
}

func (c *Coordinator) finishDelete(h *tasks.Handle, err error) {
	if !c.app.Tracker.IsCurrent(h) {
		return
	}
	name := h.Target

	if err == nil {
		delete(c.models, name)
		c.finishHandle(h, tasks.StatusComplete, nil)
		c.logger.Info().Str("model", name).Msg("model deleted")
		c.publishModels()
		c.app.Publish(events.ModelDeleted{Name: name})
		c.refresh(true)
		return
	}

	if m, ok := c.models[name]; ok {
		m.Status = model.ModelReady
	}
	c.finishHandle(h, tasks.StatusFailed, err)
	failure := events.Classify(err)
	c.logger.Warn().Err(err).Str("model", name).Str("kind", failure.Kind.String()).Msg("delete failed")
	c.publishModels()
	c.app.Publish(events.ModelOperationFailed{Name: name, Op: events.OpDelete, Failure: failure})
}

// =============================================================================
// QUERIES
// =============================================================================

// Models returns the model set sorted by name.
func (c *Coordinator) Models() []model.Model {
	out := make([]model.Model, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the model called name.
func (c *Coordinator) Get(name string) (model.Model, bool) {
	m, ok := c.models[name]
	if !ok {
		return model.Model{}, false
	}
	return *m, true
}

// Pulling returns the names of models being pulled, sorted.
func (c *Coordinator) Pulling() []string {
	names := make([]string, 0, len(c.pulls))
	for name := range c.pulls {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Coordinator) finishHandle(h *tasks.Handle, status tasks.Status, err error) {
	if ferr := c.app.Tracker.Finish(h, status, err); ferr != nil {
		c.logger.Error().Err(ferr).Str("handle", h.ID).Msg("finish handle")
	}
}

func (c *Coordinator) publishModels() {
	c.app.Publish(events.ModelListUpdated{Models: c.Models()})
}

func (c *Coordinator) publishProgress(name string, p *pull) {
	c.app.Publish(events.ModelPullProgress{
		Name:      name,
		Status:    p.progress.status,
		Completed: p.progress.completed,
		Total:     p.progress.total,
		Fraction:  p.progress.fraction(),
	})
}
