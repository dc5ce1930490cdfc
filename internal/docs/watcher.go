// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package docs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultWatchDebounce collapses the burst of events an editor save produces.
const DefaultWatchDebounce = 500 * time.Millisecond

// Watcher keeps stored documents in step with their files. A changed file
// is re-chunked; a deleted file is removed from the store.
type Watcher struct {
	store    *Store
	debounce time.Duration
	logger   zerolog.Logger
	track    chan string
}

// NewWatcher creates a watcher for the documents in store.
func NewWatcher(store *Store, debounce time.Duration, logger zerolog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	return &Watcher{
		store:    store,
		debounce: debounce,
		logger:   logger.With().Str("component", "docs").Logger(),
		track:    make(chan string, 64),
	}
}

// Track starts watching a document added after Run began.
func (w *Watcher) Track(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	select {
	case w.track <- abs:
	default:
		w.logger.Warn().Str("path", abs).Msg("document watch queue full")
	}
}

// Run watches until ctx is done. Parent directories are watched so atomic
// renames are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	paths, err := w.store.Paths(ctx)
	if err != nil {
		return err
	}
	dirs := make(map[string]bool)
	tracked := make(map[string]bool)
	add := func(path string) {
		path = filepath.Clean(path)
		tracked[path] = true
		dir := filepath.Dir(path)
		if dirs[dir] {
			return
		}
		if err := fw.Add(dir); err != nil {
			w.logger.Warn().Err(err).Str("dir", dir).Msg("cannot watch document directory")
			return
		}
		dirs[dir] = true
	}
	for _, p := range paths {
		add(p)
	}

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	pending := make(map[string]bool)

	for {
		select {
		case <-ctx.Done():
			return nil

		case p := <-w.track:
			add(p)

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			name := filepath.Clean(event.Name)
			if !tracked[name] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			pending[name] = true
			timer.Reset(w.debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("document watcher error")

		case <-timer.C:
			for p := range pending {
				if !w.sync(ctx, p) {
					delete(tracked, p)
				}
			}
			clear(pending)
		}
	}
}

// sync brings the stored copy of path up to date. It returns false once
// the document is no longer stored.
func (w *Watcher) sync(ctx context.Context, path string) bool {
	stored, err := w.store.Stored(ctx, path)
	if err != nil {
		w.logger.Warn().Err(err).Str("path", path).Msg("look up document")
		return true
	}
	if !stored {
		return false
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if _, err := w.store.RemovePath(ctx, path); err != nil {
			w.logger.Warn().Err(err).Str("path", path).Msg("remove deleted document")
			return true
		}
		return false
	}

	doc, changed, err := w.store.Reindex(ctx, path)
	if err != nil {
		w.logger.Warn().Err(err).Str("path", path).Msg("reindex document")
		return true
	}
	if changed {
		w.logger.Info().Str("document", doc.Name).Int("chunks", doc.Chunks).Msg("document updated")
	}
	return true
}
