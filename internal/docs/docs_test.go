// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package docs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func openTestStore(t *testing.T, mutate func(*Config)) *Store {
	t.Helper()
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "db", "documents.db"))
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func bg() context.Context {
	return context.Background()
}

// =============================================================================
// PARSER TESTS
// =============================================================================

func TestChunkText(t *testing.T) {
	text := "w0 w1 w2 w3 w4 w5 w6 w7 w8 w9"

	chunks := ChunkText(text, 4, 1)
	require.Len(t, chunks, 3)
	assert.Equal(t, Chunk{Index: 0, Text: "w0 w1 w2 w3", Words: 4}, chunks[0])
	assert.Equal(t, Chunk{Index: 1, Text: "w3 w4 w5 w6", Words: 4}, chunks[1])
	assert.Equal(t, Chunk{Index: 2, Text: "w6 w7 w8 w9", Words: 4}, chunks[2])

	// The last window stops at the last word.
	chunks = ChunkText(text, 4, 2)
	require.Len(t, chunks, 4)
	assert.Equal(t, "w6 w7 w8 w9", chunks[3].Text)

	assert.Len(t, ChunkText(text, 20, 5), 1)
	assert.Nil(t, ChunkText("  \n\t ", 4, 1))

	// An overlap that would never advance is ignored.
	assert.Len(t, ChunkText(text, 5, 5), 2)
}

func TestExtractText(t *testing.T) {
	text, err := ExtractText("a.md", []byte("\xEF\xBB\xBF# Title"))
	require.NoError(t, err)
	assert.Equal(t, "# Title", text)

	text, err = ExtractText("a.txt", []byte{0xFF, 0xFE, 'h', 0, 0xE9, 0})
	require.NoError(t, err)
	assert.Equal(t, "hé", text)

	text, err = ExtractText("a.TXT", []byte("caf\xE9"))
	require.NoError(t, err)
	assert.Equal(t, "café", text)

	_, err = ExtractText("a.pdf", []byte("%PDF-1.7"))
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = ExtractText("a.txt", []byte("ab\x00cd"))
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestSupportedFormats(t *testing.T) {
	formats := SupportedFormats()
	assert.Contains(t, formats, ".md")
	assert.Contains(t, formats, ".py")
	assert.IsIncreasing(t, formats)
	assert.True(t, IsSupported("/tmp/NOTES.MD"))
	assert.False(t, IsSupported("/tmp/report.docx"))
}

func TestBuildMatchQuery(t *testing.T) {
	tests := []struct {
		query string
		want  string
	}{
		{"How do retries work?", `"retries" OR "work"`},
		{`foo" OR bar*`, `"foo" OR "bar"`},
		{"the the Cache cache", `"cache"`},
		{"a ? !", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, buildMatchQuery(tt.query), tt.query)
	}
}

// =============================================================================
// STORE TESTS
// =============================================================================

func TestStore_AddListSearch(t *testing.T) {
	s := openTestStore(t, nil)
	dir := t.TempDir()
	a := writeFile(t, dir, "cluster.md", "Our cluster runs on Kubernetes. Kubernetes upgrades happen monthly.")
	b := writeFile(t, dir, "lunch.txt", "The cafeteria serves soup on Fridays.")

	docA, err := s.Add(bg(), a)
	require.NoError(t, err)
	assert.Equal(t, "cluster.md", docA.Name)
	assert.Equal(t, ".md", docA.Format)
	assert.Equal(t, 9, docA.Words)
	assert.Equal(t, 1, docA.Chunks)
	assert.Len(t, docA.ID, 64)
	assert.Len(t, docA.ShortID(), 12)

	_, err = s.Add(bg(), b)
	require.NoError(t, err)

	list, err := s.List(bg())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "lunch.txt", list[0].Name, "newest first")

	results, err := s.Search(bg(), "When are the kubernetes upgrades?", 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "cluster.md", results[0].Name)
	assert.Equal(t, docA.ID, results[0].DocumentID)
	assert.Contains(t, results[0].Text, "Kubernetes upgrades")

	results, err = s.Search(bg(), "what", 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestStore_SearchLimit(t *testing.T) {
	s := openTestStore(t, func(c *Config) {
		c.ChunkSize = 3
		c.ChunkOverlap = 0
	})
	path := writeFile(t, t.TempDir(), "log.txt", "disk full again disk full again disk full again disk full again")
	doc, err := s.Add(bg(), path)
	require.NoError(t, err)
	assert.Equal(t, 4, doc.Chunks)

	results, err := s.Search(bg(), "disk", 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	results, err = s.Search(bg(), "disk", 0)
	require.NoError(t, err)
	assert.Len(t, results, DefaultMaxResults)
}

func TestStore_DuplicateContent(t *testing.T) {
	s := openTestStore(t, nil)
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", "same words here")
	b := writeFile(t, dir, "b.txt", "same words here")

	_, err := s.Add(bg(), a)
	require.NoError(t, err)
	_, err = s.Add(bg(), b)
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Contains(t, err.Error(), "a.txt")

	_, err = s.Add(bg(), a)
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestStore_AddReplacesChangedFile(t *testing.T) {
	s := openTestStore(t, nil)
	dir := t.TempDir()
	path := writeFile(t, dir, "notes.md", "first draft mentions pelicans")
	first, err := s.Add(bg(), path)
	require.NoError(t, err)

	writeFile(t, dir, "notes.md", "second draft mentions flamingos")
	second, err := s.Add(bg(), path)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	n, err := s.Count(bg())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	results, err := s.Search(bg(), "pelicans", 0)
	require.NoError(t, err)
	assert.Empty(t, results, "chunks of the old version are gone")

	results, err = s.Search(bg(), "flamingos", 0)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestStore_Reindex(t *testing.T) {
	s := openTestStore(t, nil)
	path := writeFile(t, t.TempDir(), "notes.md", "alpha beta gamma")
	added, err := s.Add(bg(), path)
	require.NoError(t, err)

	doc, changed, err := s.Reindex(bg(), path)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, added.ID, doc.ID)

	writeFile(t, filepath.Dir(path), "notes.md", "alpha beta delta")
	doc, changed, err = s.Reindex(bg(), path)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.NotEqual(t, added.ID, doc.ID)
}

func TestStore_AddRejects(t *testing.T) {
	s := openTestStore(t, func(c *Config) { c.MaxFileSize = 16 })
	dir := t.TempDir()

	_, err := s.Add(bg(), writeFile(t, dir, "big.txt", strings.Repeat("word ", 10)))
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = s.Add(bg(), writeFile(t, dir, "blank.txt", " \n "))
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = s.Add(bg(), writeFile(t, dir, "paper.pdf", "%PDF"))
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = s.Add(bg(), dir)
	assert.Error(t, err)

	_, err = s.Add(bg(), filepath.Join(dir, "missing.txt"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestStore_Remove(t *testing.T) {
	s := openTestStore(t, nil)
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0700))

	one, err := s.Add(bg(), writeFile(t, dir, "readme.md", "top level readme about ferries"))
	require.NoError(t, err)
	two, err := s.Add(bg(), writeFile(t, sub, "readme.md", "nested readme about trains"))
	require.NoError(t, err)
	three, err := s.Add(bg(), writeFile(t, dir, "other.txt", "unrelated text about bicycles"))
	require.NoError(t, err)

	_, err = s.Remove(bg(), "readme.md")
	assert.ErrorIs(t, err, ErrAmbiguous)

	_, err = s.Remove(bg(), "nothing.md")
	assert.ErrorIs(t, err, ErrNotFound)

	removed, err := s.Remove(bg(), one.ID[:8])
	require.NoError(t, err)
	assert.Equal(t, one.Path, removed.Path)

	removed, err = s.Remove(bg(), "README.md")
	require.NoError(t, err)
	assert.Equal(t, two.ID, removed.ID)

	removed, err = s.Remove(bg(), three.Path)
	require.NoError(t, err)
	assert.Equal(t, three.ID, removed.ID)

	n, err := s.Count(bg())
	require.NoError(t, err)
	assert.Zero(t, n)

	results, err := s.Search(bg(), "ferries trains bicycles", 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestStore_ReopenKeepsDocuments(t *testing.T) {
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "documents.db"))
	s, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	_, err = s.Add(bg(), writeFile(t, t.TempDir(), "kept.md", "persistent content about lighthouses"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	results, err := s.Search(bg(), "lighthouses", 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "kept.md", results[0].Name)
}

// =============================================================================
// CONTEXT TESTS
// =============================================================================

func TestContextFor(t *testing.T) {
	s := openTestStore(t, nil)

	dc, err := s.ContextFor(bg(), "anything about volcanoes")
	require.NoError(t, err)
	assert.Zero(t, dc.Documents)
	assert.True(t, dc.Empty())
	assert.Equal(t, "plain question", dc.Prompt("plain question"))

	dir := t.TempDir()
	_, err = s.Add(bg(), writeFile(t, dir, "geo.md", "Volcanoes form where tectonic plates meet."))
	require.NoError(t, err)
	_, err = s.Add(bg(), writeFile(t, dir, "more.md", "Some volcanoes are dormant for centuries."))
	require.NoError(t, err)
	_, err = s.Add(bg(), writeFile(t, dir, "pets.md", "Cats sleep most of the day."))
	require.NoError(t, err)

	dc, err = s.ContextFor(bg(), "Tell me about volcanoes")
	require.NoError(t, err)
	assert.Equal(t, 3, dc.Documents)
	require.Len(t, dc.Results, 2)
	assert.ElementsMatch(t, []string{"geo.md", "more.md"}, dc.Sources())

	prompt := dc.Prompt("Tell me about volcanoes")
	assert.True(t, strings.HasPrefix(prompt, "[SYSTEM:"))
	assert.Contains(t, prompt, "[Source 1: ")
	assert.Contains(t, prompt, "[Source 2: ")
	assert.Contains(t, prompt, "tectonic plates")
	assert.Contains(t, prompt, "USER QUESTION: Tell me about volcanoes")
	assert.NotContains(t, prompt, "Cats")

	dc, err = s.ContextFor(bg(), "quantum chromodynamics")
	require.NoError(t, err)
	assert.Equal(t, 3, dc.Documents)
	assert.True(t, dc.Empty())
}

func TestContext_SourcesDeduplicated(t *testing.T) {
	dc := Context{Results: []Result{
		{Name: "b.md"}, {Name: "a.md"}, {Name: "b.md"},
	}}
	assert.Equal(t, []string{"b.md", "a.md"}, dc.Sources())
}

// =============================================================================
// WATCHER TESTS
// =============================================================================

func runWatcher(t *testing.T, s *Store) *Watcher {
	t.Helper()
	w := NewWatcher(s, 20*time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("watcher did not stop")
		}
	})
	return w
}

func searchCount(s *Store, query string) int {
	results, err := s.Search(bg(), query, 0)
	if err != nil {
		return -1
	}
	return len(results)
}

func TestWatcher_ReindexesChangedFile(t *testing.T) {
	s := openTestStore(t, nil)
	dir := t.TempDir()
	path := writeFile(t, dir, "notes.md", "original text about otters")
	_, err := s.Add(bg(), path)
	require.NoError(t, err)

	runWatcher(t, s)

	assert.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("edited text about beavers"), 0600)
		return searchCount(s, "beavers") == 1
	}, 3*time.Second, 50*time.Millisecond)
	assert.Zero(t, searchCount(s, "otters"))
}

func TestWatcher_RemovesDeletedFile(t *testing.T) {
	s := openTestStore(t, nil)
	dir := t.TempDir()
	path := writeFile(t, dir, "gone.md", "short lived document")
	_, err := s.Add(bg(), path)
	require.NoError(t, err)
	keep := writeFile(t, dir, "keep.md", "long lived document")
	_, err = s.Add(bg(), keep)
	require.NoError(t, err)

	runWatcher(t, s)
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.Remove(path))

	assert.Eventually(t, func() bool {
		stored, err := s.Stored(bg(), path)
		return err == nil && !stored
	}, 3*time.Second, 20*time.Millisecond)

	stored, err := s.Stored(bg(), keep)
	require.NoError(t, err)
	assert.True(t, stored)
}

func TestWatcher_TrackedAfterStart(t *testing.T) {
	s := openTestStore(t, nil)
	w := runWatcher(t, s)

	dir := t.TempDir()
	path := writeFile(t, dir, "late.md", "added while running about herons")
	_, err := s.Add(bg(), path)
	require.NoError(t, err)
	w.Track(path)

	assert.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("changed while running about egrets"), 0600)
		return searchCount(s, "egrets") == 1
	}, 3*time.Second, 50*time.Millisecond)
}

func TestWatcher_IgnoresRemovedDocument(t *testing.T) {
	s := openTestStore(t, nil)
	dir := t.TempDir()
	path := writeFile(t, dir, "dropped.md", "first words about walruses")
	_, err := s.Add(bg(), path)
	require.NoError(t, err)

	runWatcher(t, s)
	_, err = s.RemovePath(bg(), path)
	require.NoError(t, err)

	writeFile(t, dir, "dropped.md", "second words about narwhals")
	time.Sleep(200 * time.Millisecond)

	stored, err := s.Stored(bg(), path)
	require.NoError(t, err)
	assert.False(t, stored, "a removed document is not re-added by a later write")
}
