// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/ollama-chat/internal/model"
	"github.com/jeranaias/ollama-chat/internal/util"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrTranscriptNotFound is returned when a transcript doesn't exist.
	ErrTranscriptNotFound = errors.New("transcript not found")

	// ErrInvalidID is returned for an ID that is not a session UUID.
	ErrInvalidID = errors.New("invalid transcript id")

	// ErrEmptyTranscript is returned when saving a transcript without messages.
	ErrEmptyTranscript = errors.New("transcript has no messages")
)

// =============================================================================
// TRANSCRIPT META
// =============================================================================

// TranscriptMeta is the listing view of a saved transcript.
type TranscriptMeta struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Model        string    `json:"model"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	Preview      string    `json:"preview"`
}

func metaOf(t model.Transcript) TranscriptMeta {
	return TranscriptMeta{
		ID:           t.ID,
		Title:        t.Title,
		Model:        t.Model,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		MessageCount: len(t.Messages),
		Preview:      preview(t),
	}
}

// preview returns the first user message, truncated.
func preview(t model.Transcript) string {
	for _, msg := range t.Messages {
		if msg.Role == model.RoleUser && msg.Content != "" {
			return util.TruncateRunes(util.FirstLine(msg.Content), 80)
		}
	}
	return ""
}

// =============================================================================
// TRANSCRIPT STORE
// =============================================================================

// DefaultMaxTranscripts is how many transcripts a store keeps.
const DefaultMaxTranscripts = 100

// TranscriptStore saves session transcripts as JSON files, one per session.
type TranscriptStore struct {
	// BaseDir is the directory for transcripts.
	// Default: ~/.ollama-chat/transcripts/
	BaseDir string

	// MaxTranscripts limits stored transcripts (0 = unlimited). The oldest
	// are removed first.
	MaxTranscripts int
}

// NewTranscriptStore creates a store in the default directory.
func NewTranscriptStore() (*TranscriptStore, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return NewTranscriptStoreWithDir(filepath.Join(home, ".ollama-chat", "transcripts"))
}

// NewTranscriptStoreWithDir creates a store with a custom directory.
func NewTranscriptStoreWithDir(baseDir string) (*TranscriptStore, error) {
	if err := os.MkdirAll(baseDir, util.PrivateDirMode); err != nil {
		return nil, err
	}
	return &TranscriptStore{
		BaseDir:        baseDir,
		MaxTranscripts: DefaultMaxTranscripts,
	}, nil
}

// Save writes t and returns the file path. Saving the same session again
// replaces the earlier file.
func (s *TranscriptStore) Save(t model.Transcript) (string, error) {
	if _, err := uuid.Parse(t.ID); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, t.ID)
	}
	if len(t.Messages) == 0 {
		return "", ErrEmptyTranscript
	}

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode transcript: %w", err)
	}
	path := s.filePath(t.ID)
	if err := util.AtomicWriteFile(path, data, util.PrivateFileMode); err != nil {
		return "", err
	}

	s.enforceLimit()
	return path, nil
}

// enforceLimit removes the oldest transcripts beyond MaxTranscripts.
func (s *TranscriptStore) enforceLimit() {
	if s.MaxTranscripts <= 0 {
		return
	}
	metas, err := s.List()
	if err != nil || len(metas) <= s.MaxTranscripts {
		return
	}
	for _, meta := range metas[s.MaxTranscripts:] {
		_ = os.Remove(s.filePath(meta.ID))
	}
}

// Load reads the transcript with the given session ID.
func (s *TranscriptStore) Load(id string) (model.Transcript, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Transcript{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	data, err := os.ReadFile(s.filePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return model.Transcript{}, ErrTranscriptNotFound
		}
		return model.Transcript{}, err
	}

	var t model.Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return model.Transcript{}, fmt.Errorf("decode transcript %s: %w", id, err)
	}
	return t, nil
}

// List returns all saved transcripts, most recently updated first.
// Unreadable files are skipped.
func (s *TranscriptStore) List() ([]TranscriptMeta, error) {
	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []TranscriptMeta{}, nil
		}
		return nil, err
	}

	metas := make([]TranscriptMeta, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		t, err := s.Load(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
		metas = append(metas, metaOf(t))
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].UpdatedAt.After(metas[j].UpdatedAt)
	})
	return metas, nil
}

// Delete removes a transcript.
func (s *TranscriptStore) Delete(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if err := os.Remove(s.filePath(id)); err != nil {
		if os.IsNotExist(err) {
			return ErrTranscriptNotFound
		}
		return err
	}
	return nil
}

func (s *TranscriptStore) filePath(id string) string {
	return filepath.Join(s.BaseDir, id+".json")
}

// =============================================================================
// EXPORT
// =============================================================================

// Format is a transcript export format.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatJSON     Format = "json"
)

// FormatFromPath picks an export format from a file extension.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	default:
		return FormatMarkdown
	}
}

// Export writes t to w in the given format.
func Export(w io.Writer, t model.Transcript, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(t)
	case FormatMarkdown, "":
		_, err := io.WriteString(w, Markdown(t))
		return err
	default:
		return fmt.Errorf("unknown export format %q", format)
	}
}

// ExportFile writes t to path atomically, choosing the format by extension.
func ExportFile(path string, t model.Transcript) error {
	var sb strings.Builder
	if err := Export(&sb, t, FormatFromPath(path)); err != nil {
		return err
	}
	return util.AtomicWriteFileWithDir(path, []byte(sb.String()), 0644, 0755)
}

// Markdown renders t as a Markdown document with role labels.
func Markdown(t model.Transcript) string {
	var sb strings.Builder
	title := t.Title
	if title == "" {
		title = "Session " + t.ID
	}
	sb.WriteString("# " + title + "\n\n")
	if t.Model != "" {
		sb.WriteString("Model: " + t.Model + "\n\n")
	}
	sb.WriteString("Created: " + t.CreatedAt.Format(time.RFC3339) + "\n\n")
	if t.SystemPrompt != "" {
		sb.WriteString("> " + strings.ReplaceAll(t.SystemPrompt, "\n", "\n> ") + "\n\n")
	}
	sb.WriteString("---\n\n")

	for _, msg := range t.Messages {
		sb.WriteString("**" + msg.Role.DisplayName() + "** (" + msg.Timestamp.Format("15:04") + "):\n\n")
		sb.WriteString(msg.Content)
		sb.WriteString("\n\n---\n\n")
	}
	return sb.String()
}

// =============================================================================
// LIST FORMATTING
// =============================================================================

// FormatList renders transcript metadata as a table for the terminal.
func FormatList(metas []TranscriptMeta) string {
	if len(metas) == 0 {
		return "No transcripts found."
	}

	var sb strings.Builder
	rule := strings.Repeat("-", 90) + "\n"
	sb.WriteString(rule)
	sb.WriteString(util.PadRight("ID", 36) + " " + util.PadRight("Updated", 17) + " " +
		util.PadRight("Msgs", 5) + " Title\n")
	sb.WriteString(rule)

	for _, m := range metas {
		title := m.Title
		if title == "" {
			title = m.Preview
		}
		sb.WriteString(util.PadRight(m.ID, 36) + " " +
			util.PadRight(m.UpdatedAt.Format("2006-01-02 15:04"), 17) + " " +
			util.PadRight(strconv.Itoa(m.MessageCount), 5) + " " +
			util.TruncateWidth(title, 28) + "\n")
	}
	return sb.String()
}
