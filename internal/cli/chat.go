// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/charmbracelet/glamour"
	"github.com/peterh/liner"

	"github.com/jeranaias/ollama-chat/internal/app"
	"github.com/jeranaias/ollama-chat/internal/config"
	"github.com/jeranaias/ollama-chat/internal/storage"
)

// historyFile stores line editor history inside the config directory.
const historyFile = "history"

// Session is one interactive chat in line mode.
type Session struct {
	ctx      context.Context
	app      *app.App
	view     *View
	store    *storage.TranscriptStore
	renderer *glamour.TermRenderer

	generating atomic.Bool
}

// NewSession creates a session printing to out. store may be nil.
func NewSession(ctx context.Context, a *app.App, store *storage.TranscriptStore, out io.Writer) *Session {
	return &Session{
		ctx:      ctx,
		app:      a,
		view:     NewView(out),
		store:    store,
		renderer: newMarkdownRenderer(GetTerminalWidth() - 4),
	}
}

// Run reads input until EOF, /quit, or ctx ends.
func (s *Session) Run() error {
	unsubscribe := s.app.Subscribe(s.view.Handle)
	defer unsubscribe()

	// Ctrl+C outside the prompt stops the reply being streamed.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		for {
			select {
			case <-sigCh:
				if s.generating.Load() {
					_ = s.app.Stop(s.ctx)
				}
			case <-s.ctx.Done():
				return
			}
		}
	}()

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(in string) []string {
		if !strings.HasPrefix(in, "/") {
			return nil
		}
		var out []string
		for _, name := range commandNames() {
			if strings.HasPrefix(name, in) {
				out = append(out, name)
			}
		}
		return out
	})
	if dir, err := config.Dir(); err == nil {
		histPath := filepath.Join(dir, historyFile)
		if f, err := os.Open(histPath); err == nil {
			_, _ = line.ReadHistory(f)
			f.Close()
		}
		defer saveHistory(line, histPath)
	}

	if IsTTY() {
		s.printBanner()
	}

	for {
		if s.ctx.Err() != nil {
			return nil
		}
		input, err := line.Prompt("> ")
		if errors.Is(err, liner.ErrPromptAborted) {
			continue
		}
		if errors.Is(err, io.EOF) {
			s.view.Println("")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if input == "exit" || input == "quit" {
			return nil
		}
		if err := s.Execute(input); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			if errors.Is(err, context.Canceled) || s.ctx.Err() != nil {
				return nil
			}
			s.view.Println(ErrorStyle.Render("[Error] ") + err.Error())
		}
	}
}

// Execute runs one line of input. Plain text is sent as a message;
// commands that start a generation wait until it ends.
func (s *Session) Execute(input string) error {
	cmd, isSlash := ParseSlash(input)
	if !isSlash {
		return s.generate(func() error { return s.app.Submit(s.ctx, input) })
	}
	sc, ok := lookupCommand(cmd.Name)
	if !ok {
		return fmt.Errorf("unknown command /%s (try /help)", cmd.Name)
	}
	if sc.generates {
		return s.generate(func() error { return sc.run(s, cmd) })
	}
	return sc.run(s, cmd)
}

// generate starts a generation with start and blocks until it completes,
// fails, or is cancelled.
func (s *Session) generate(start func() error) error {
	s.view.drainIdle()
	s.generating.Store(true)
	defer s.generating.Store(false)

	if err := start(); err != nil {
		return err
	}
	select {
	case <-s.view.Idle():
		return nil
	case <-s.app.Done():
		return errors.New("application stopped")
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *Session) printBanner() {
	snap, err := s.app.Snapshot(s.ctx)
	if err != nil {
		return
	}
	s.view.Println(TitleStyle.Render("ollama-chat") + DimStyle.Render(" "+snap.Host))
	if snap.Model != "" {
		s.view.Println(DimStyle.Render("Model: " + snap.Model))
	}
	s.view.Println(DimStyle.Render("Type /help for commands."))
	s.view.Println(RenderSeparator(min(GetTerminalWidth(), 70)))
}

func saveHistory(line *liner.State, path string) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = line.WriteHistory(f)
}
