// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/ollama-chat/internal/docs"
	"github.com/jeranaias/ollama-chat/internal/events"
	"github.com/jeranaias/ollama-chat/internal/model"
)

// =============================================================================
// SLASH COMMANDS
// =============================================================================

func TestParseSlash(t *testing.T) {
	tests := []struct {
		input string
		ok    bool
		name  string
		args  []string
		rest  string
	}{
		{input: "hello", ok: false},
		{input: "/", ok: false},
		{input: "/help", ok: true, name: "help"},
		{input: "  /PULL llama3:8b --insecure ", ok: true, name: "pull", args: []string{"llama3:8b", "--insecure"}, rest: "llama3:8b --insecure"},
		{input: "/edit 3 what about   spaces", ok: true, name: "edit", args: []string{"3", "what", "about", "spaces"}, rest: "3 what about   spaces"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			cmd, ok := ParseSlash(tt.input)
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.name, cmd.Name)
			assert.Equal(t, tt.rest, cmd.Rest)
			if tt.args == nil {
				assert.Empty(t, cmd.Args)
			} else {
				assert.Equal(t, tt.args, cmd.Args)
			}
		})
	}
}

func TestLookupCommand(t *testing.T) {
	c, ok := lookupCommand("q")
	require.True(t, ok)
	assert.Equal(t, "quit", c.name)

	c, ok = lookupCommand("rm")
	require.True(t, ok)
	assert.Equal(t, "delete", c.name)

	c, ok = lookupCommand("edit")
	require.True(t, ok)
	assert.True(t, c.generates)

	c, ok = lookupCommand("d")
	require.True(t, ok)
	assert.Equal(t, "docs", c.name)

	_, ok = lookupCommand("nope")
	assert.False(t, ok)
}

func TestCommandNamesSortedAndUnique(t *testing.T) {
	names := commandNames()
	seen := make(map[string]bool)
	for i, n := range names {
		assert.True(t, strings.HasPrefix(n, "/"))
		assert.False(t, seen[n], "duplicate %s", n)
		seen[n] = true
		if i > 0 {
			assert.LessOrEqual(t, names[i-1], n)
		}
	}
	assert.True(t, seen["/pull"])
	assert.True(t, seen["/exit"])
}

func TestFormatHistory(t *testing.T) {
	out := FormatHistory([]model.MessageView{
		{Role: model.RoleUser, Content: "first line\nsecond line"},
		{Role: model.RoleAssistant, Content: "reply"},
	})
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "1. You: first line")
	assert.NotContains(t, lines[0], "second line")
	assert.Contains(t, lines[1], "2. Assistant: reply")
}

// =============================================================================
// RENDERING
// =============================================================================

func TestFormatModels(t *testing.T) {
	assert.Contains(t, FormatModels(nil, ""), "No models")

	out := FormatModels([]model.Model{
		{Name: "llama3:8b", Size: 4 << 30, Digest: "sha256:0123456789abcdef0123", ParameterSize: "8B", Local: true},
		{Name: "mistral:7b", Local: false, Status: model.ModelPulling},
	}, "llama3:8b")

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "NAME")
	assert.True(t, strings.HasPrefix(lines[1], "* llama3:8b"))
	assert.Contains(t, lines[1], "4.0 GB")
	assert.True(t, strings.HasPrefix(lines[2], "  mistral:7b"))
	assert.Contains(t, lines[2], " - ")
}

func TestFormatFailureHints(t *testing.T) {
	out := FormatFailure("listing models", events.Failure{Kind: events.KindHostUnreachable, Message: "connection refused"})
	assert.Contains(t, out, "listing models: connection refused")
	assert.Contains(t, out, "/host")

	out = FormatFailure("pull x", events.Failure{Kind: events.KindModelNotFound, Message: "not found"})
	assert.Contains(t, out, "/pull")

	out = FormatFailure("x", events.Failure{Kind: events.KindUnknown, Message: "boom"})
	assert.NotContains(t, out, "\n")
}

func TestFormatProgress(t *testing.T) {
	out := FormatProgress(events.ModelPullProgress{
		Name: "llama3", Status: "pulling", Completed: 512 << 20, Total: 1 << 30, Fraction: 0.5,
	})
	assert.Contains(t, out, "llama3")
	assert.Contains(t, out, " 50%")
	assert.Contains(t, out, "512.0 MB/1.0 GB")
	assert.Equal(t, progressBarWidth/2, strings.Count(out, "█"))
}

func TestColorDecision(t *testing.T) {
	assert.False(t, colorDecision("1", "1", true))
	assert.True(t, colorDecision("", "1", false))
	assert.True(t, colorDecision("", "", true))
	assert.False(t, colorDecision("", "", false))
}

func TestRenderStatus(t *testing.T) {
	assert.Contains(t, RenderStatus("ok"), "[OK]")
	assert.Contains(t, RenderStatus("cancelled"), "[CANCELLED]")
	assert.Contains(t, RenderStatus("other"), "[OTHER]")
}

// =============================================================================
// VIEW
// =============================================================================

func streaming(content string) []model.MessageView {
	return []model.MessageView{
		{ID: "u1", Role: model.RoleUser, Content: "hi"},
		{ID: "a1", Role: model.RoleAssistant, Content: content, Streaming: true},
	}
}

func TestViewStreamsReplyIncrementally(t *testing.T) {
	var buf bytes.Buffer
	v := NewView(&buf)

	v.Handle(events.GenerationStarted{Model: "m"})
	v.Handle(events.SessionUpdated{Messages: streaming("Hel"), Streaming: true})
	v.Handle(events.SessionUpdated{Messages: streaming("Hello"), Streaming: true})
	v.Handle(events.SessionUpdated{Messages: streaming("Hello, world")})
	v.Handle(events.GenerationCompleted{Content: "Hello, world"})

	assert.Equal(t, 1, strings.Count(buf.String(), "Assistant:"))
	assert.Contains(t, buf.String(), "Hello, world\n")
	assert.Equal(t, 1, strings.Count(buf.String(), "Hel"))

	select {
	case <-v.Idle():
	default:
		t.Fatal("expected idle signal")
	}
}

func TestViewIgnoresFinishedReplies(t *testing.T) {
	var buf bytes.Buffer
	v := NewView(&buf)

	done := []model.MessageView{
		{ID: "u1", Role: model.RoleUser, Content: "hi"},
		{ID: "a1", Role: model.RoleAssistant, Content: "old reply"},
	}
	v.Handle(events.SessionUpdated{Messages: done})
	assert.Empty(t, buf.String())
}

func TestViewTerminalEventsSignalIdle(t *testing.T) {
	for _, e := range []events.Event{
		events.GenerationCompleted{},
		events.GenerationCancelled{Content: "part"},
		events.GenerationFailed{Failure: events.Failure{Message: "boom"}},
	} {
		var buf bytes.Buffer
		v := NewView(&buf)
		v.Handle(e)
		select {
		case <-v.Idle():
		default:
			t.Fatalf("no idle signal for %s", e.EventName())
		}
	}
}

func TestViewIdleDoesNotBlockAndDrains(t *testing.T) {
	v := NewView(&bytes.Buffer{})
	v.Handle(events.GenerationCompleted{})
	v.Handle(events.GenerationCompleted{})

	v.drainIdle()
	select {
	case <-v.Idle():
		t.Fatal("idle signal should have been drained")
	default:
	}
}

func TestViewEmptyReply(t *testing.T) {
	var buf bytes.Buffer
	v := NewView(&buf)
	v.Handle(events.GenerationCompleted{})
	assert.Contains(t, buf.String(), "(empty reply)")
}

func TestViewPullProgressDeciles(t *testing.T) {
	var buf bytes.Buffer
	v := NewView(&buf)

	for _, f := range []float64{0.01, 0.05, 0.12, 0.15, 0.19, 0.55, 1.0} {
		v.Handle(events.ModelPullProgress{Name: "m", Fraction: f, Total: 100, Completed: int64(f * 100)})
	}
	v.Handle(events.ModelPullDone{Name: "m"})

	out := buf.String()
	// deciles 0, 1, 5 and 10, then the done line
	assert.Equal(t, 5, strings.Count(out, "\n"))
	assert.Contains(t, out, "[DONE] pulled m")

	buf.Reset()
	v.Handle(events.ModelPullProgress{Name: "m", Fraction: 0.01, Total: 100, Completed: 1})
	assert.NotEmpty(t, buf.String(), "a new pull starts from scratch")
}

func TestViewModelOperationFailed(t *testing.T) {
	var buf bytes.Buffer
	v := NewView(&buf)
	v.Handle(events.ModelOperationFailed{
		Name: "llama3", Op: events.OpDelete,
		Failure: events.Failure{Kind: events.KindServer, Message: "busy", Err: errors.New("busy")},
	})
	assert.Contains(t, buf.String(), "delete llama3: busy")
}

// =============================================================================
// DOCUMENTS
// =============================================================================

func TestFormatDocuments(t *testing.T) {
	assert.Contains(t, FormatDocuments(nil), "/docs add")

	out := FormatDocuments([]docs.Document{{
		ID:      "0123456789abcdef0123",
		Name:    "guide.md",
		Size:    2048,
		Words:   350,
		Chunks:  2,
		AddedAt: time.Now(),
	}})
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "CHUNKS")
	assert.True(t, strings.HasPrefix(lines[1], "0123456789ab guide.md"))
	assert.Contains(t, lines[1], "2.0 KB")
	assert.Contains(t, lines[1], "350")
}

func TestFormatSearchResults(t *testing.T) {
	assert.Equal(t, `No passages match "crank".`, FormatSearchResults("crank", nil))

	long := strings.Repeat("word ", 100)
	out := FormatSearchResults("word", []docs.Result{
		{Name: "a.md", ChunkIndex: 0, Text: "turn the\n\ncrank", Relevance: 2.5},
		{Name: "b.md", ChunkIndex: 3, Text: long, Relevance: 1},
	})
	assert.Contains(t, out, "a.md")
	assert.Contains(t, out, "chunk 1, relevance 2.50")
	assert.Contains(t, out, "   turn the crank\n")
	assert.Contains(t, out, "chunk 4")
	assert.Contains(t, out, "...")
}

func TestViewDocumentContext(t *testing.T) {
	var buf bytes.Buffer
	v := NewView(&buf)

	v.Handle(events.DocumentContextAttached{Sources: []string{"a.md", "b.md"}, Passages: 3, Documents: 4})
	assert.Contains(t, buf.String(), "[Docs] 3 passages from a.md, b.md")

	buf.Reset()
	v.Handle(events.DocumentContextAttached{Documents: 4})
	assert.Contains(t, buf.String(), "no matching passages in 4 documents")
}

func runRoot(args ...string) (string, error) {
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestDocsCommand(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	cfgPath := filepath.Join(home, "config.toml")
	file := filepath.Join(home, "guide.md")
	require.NoError(t, os.WriteFile(file, []byte("Install the widget by turning the crank twice."), 0o600))

	out, err := runRoot("--config", cfgPath, "docs", "add", file)
	require.NoError(t, err)
	assert.Contains(t, out, "added guide.md (1 chunks)")
	assert.FileExists(t, filepath.Join(home, ".ollama-chat", "documents.db"))

	out, err = runRoot("--config", cfgPath, "docs", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "guide.md")

	out, err = runRoot("--config", cfgPath, "docs", "search", "widget", "crank")
	require.NoError(t, err)
	assert.Contains(t, out, "1. ")
	assert.Contains(t, out, "turning the crank")

	out, err = runRoot("--config", cfgPath, "docs", "add", file)
	require.Error(t, err)
	assert.Contains(t, out, "[ERROR]")

	out, err = runRoot("--config", cfgPath, "docs", "rm", "guide.md")
	require.NoError(t, err)
	assert.Contains(t, out, "guide.md")

	out, err = runRoot("--config", cfgPath, "docs", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No documents")
}
