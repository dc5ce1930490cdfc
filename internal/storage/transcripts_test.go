// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/ollama-chat/internal/model"
)

func sampleTranscript(t *testing.T, userText, reply string) model.Transcript {
	t.Helper()
	conv := model.NewConversation().WithModel("llama3.2").WithSystemPrompt("Be brief.")
	_, err := conv.AddUserMessage(userText)
	require.NoError(t, err)

	h, err := conv.BeginAssistantStream()
	require.NoError(t, err)
	require.NoError(t, conv.AppendToStream(h, reply))
	require.NoError(t, conv.EndStream(h))
	return conv.Transcript()
}

func newStore(t *testing.T) *TranscriptStore {
	t.Helper()
	store, err := NewTranscriptStoreWithDir(filepath.Join(t.TempDir(), "transcripts"))
	require.NoError(t, err)
	return store
}

func TestTranscriptStore_SaveAndLoad(t *testing.T) {
	store := newStore(t)
	tr := sampleTranscript(t, "What is Go?", "A programming language.")

	path, err := store.Save(tr)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(store.BaseDir, tr.ID+".json"), path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := store.Load(tr.ID)
	require.NoError(t, err)
	assert.Equal(t, tr.ID, loaded.ID)
	assert.Equal(t, "What is Go?", loaded.Title)
	assert.Equal(t, "llama3.2", loaded.Model)
	assert.Equal(t, "Be brief.", loaded.SystemPrompt)
	assert.True(t, tr.CreatedAt.Equal(loaded.CreatedAt))
	require.Len(t, loaded.Messages, 2)
	assert.Equal(t, model.RoleUser, loaded.Messages[0].Role)
	assert.Equal(t, "A programming language.", loaded.Messages[1].Content)
}

func TestTranscriptStore_SaveRejects(t *testing.T) {
	store := newStore(t)

	_, err := store.Save(model.Transcript{ID: "../../etc/passwd"})
	assert.ErrorIs(t, err, ErrInvalidID)

	_, err = store.Save(model.NewConversation().Transcript())
	assert.ErrorIs(t, err, ErrEmptyTranscript)
}

func TestTranscriptStore_LoadErrors(t *testing.T) {
	store := newStore(t)

	_, err := store.Load("00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrTranscriptNotFound)

	_, err = store.Load("not-a-uuid")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestTranscriptStore_ListMostRecentFirst(t *testing.T) {
	store := newStore(t)

	older := sampleTranscript(t, "first question", "a")
	older.UpdatedAt = time.Now().Add(-time.Hour)
	newer := sampleTranscript(t, "second question", "b")

	_, err := store.Save(older)
	require.NoError(t, err)
	_, err = store.Save(newer)
	require.NoError(t, err)

	// Junk files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(store.BaseDir, "notes.txt"), []byte("x"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(store.BaseDir, "broken.json"), []byte("{"), 0600))

	metas, err := store.List()
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.Equal(t, newer.ID, metas[0].ID)
	assert.Equal(t, older.ID, metas[1].ID)
	assert.Equal(t, 2, metas[0].MessageCount)
	assert.Equal(t, "second question", metas[0].Preview)
}

func TestTranscriptStore_EnforceLimit(t *testing.T) {
	store := newStore(t)
	store.MaxTranscripts = 2

	var ids []string
	for i := 0; i < 3; i++ {
		tr := sampleTranscript(t, "question", "answer")
		tr.UpdatedAt = time.Now().Add(time.Duration(i) * time.Minute)
		_, err := store.Save(tr)
		require.NoError(t, err)
		ids = append(ids, tr.ID)
	}

	metas, err := store.List()
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.Equal(t, ids[2], metas[0].ID)
	assert.Equal(t, ids[1], metas[1].ID)
}

func TestTranscriptStore_Delete(t *testing.T) {
	store := newStore(t)
	tr := sampleTranscript(t, "q", "a")
	_, err := store.Save(tr)
	require.NoError(t, err)

	require.NoError(t, store.Delete(tr.ID))
	assert.ErrorIs(t, store.Delete(tr.ID), ErrTranscriptNotFound)
	_, err = store.Load(tr.ID)
	assert.ErrorIs(t, err, ErrTranscriptNotFound)
}

func TestExport_Markdown(t *testing.T) {
	tr := sampleTranscript(t, "Hello there", "General Kenobi")

	var buf bytes.Buffer
	require.NoError(t, Export(&buf, tr, FormatMarkdown))
	out := buf.String()

	assert.True(t, strings.HasPrefix(out, "# Hello there\n"))
	assert.Contains(t, out, "Model: llama3.2")
	assert.Contains(t, out, "> Be brief.")
	assert.Contains(t, out, "**You**")
	assert.Contains(t, out, "**Assistant**")
	assert.Contains(t, out, "General Kenobi")
	assert.Less(t, strings.Index(out, "Hello there\n\n---"), strings.Index(out, "General Kenobi"))
}

func TestExport_JSON(t *testing.T) {
	tr := sampleTranscript(t, "Hello", "Hi")

	var buf bytes.Buffer
	require.NoError(t, Export(&buf, tr, FormatJSON))

	var decoded model.Transcript
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, tr.ID, decoded.ID)
	assert.Len(t, decoded.Messages, 2)

	assert.Error(t, Export(&buf, tr, Format("pdf")))
}

func TestExportFile(t *testing.T) {
	tr := sampleTranscript(t, "Hello", "Hi")
	dir := t.TempDir()

	mdPath := filepath.Join(dir, "out", "chat.md")
	require.NoError(t, ExportFile(mdPath, tr))
	md, err := os.ReadFile(mdPath)
	require.NoError(t, err)
	assert.Contains(t, string(md), "**Assistant**")

	jsonPath := filepath.Join(dir, "chat.JSON")
	require.NoError(t, ExportFile(jsonPath, tr))
	data, err := os.ReadFile(jsonPath)
	require.NoError(t, err)
	assert.True(t, json.Valid(data))
}

func TestFormatList(t *testing.T) {
	assert.Equal(t, "No transcripts found.", FormatList(nil))

	out := FormatList([]TranscriptMeta{{
		ID:           "3f2b8c1e-5d4a-4e6b-9c7d-0a1b2c3d4e5f",
		Title:        "日本語のタイトルがとても長い場合はどうなりますか本当に長いです",
		UpdatedAt:    time.Date(2025, 3, 1, 14, 30, 0, 0, time.UTC),
		MessageCount: 4,
	}})
	assert.Contains(t, out, "3f2b8c1e-5d4a-4e6b-9c7d-0a1b2c3d4e5f")
	assert.Contains(t, out, "2025-03-01 14:30")
	assert.Contains(t, out, "...")
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		assert.LessOrEqual(t, len([]rune(line)), 90)
	}
}
