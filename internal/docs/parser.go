// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package docs

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// =============================================================================
// FORMATS
// =============================================================================

// textFormats are the extensions read as plain text.
var textFormats = map[string]bool{
	".txt": true, ".md": true, ".markdown": true, ".rst": true, ".log": true,
	".csv": true, ".json": true, ".yaml": true, ".yml": true, ".toml": true,
	".html": true, ".htm": true, ".css": true, ".xml": true,
	".go": true, ".py": true, ".js": true, ".ts": true, ".java": true,
	".c": true, ".h": true, ".rs": true, ".sh": true, ".sql": true,
}

// SupportedFormats returns the accepted file extensions, sorted.
func SupportedFormats() []string {
	formats := make([]string, 0, len(textFormats))
	for ext := range textFormats {
		formats = append(formats, ext)
	}
	sort.Strings(formats)
	return formats
}

// IsSupported reports whether path has an accepted extension.
func IsSupported(path string) bool {
	return textFormats[strings.ToLower(filepath.Ext(path))]
}

// =============================================================================
// EXTRACTION
// =============================================================================

var (
	utf8BOM    = []byte{0xEF, 0xBB, 0xBF}
	utf16LEBOM = []byte{0xFF, 0xFE}
	utf16BEBOM = []byte{0xFE, 0xFF}
)

// ExtractText decodes the contents of a text document. UTF-8 and UTF-16
// with a byte order mark are recognised; anything else that is not valid
// UTF-8 is read as Windows-1252.
func ExtractText(path string, data []byte) (string, error) {
	if !IsSupported(path) {
		return "", fmt.Errorf("%w: %q", ErrUnsupported, filepath.Ext(path))
	}

	var text string
	switch {
	case bytes.HasPrefix(data, utf16LEBOM), bytes.HasPrefix(data, utf16BEBOM):
		dec := unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder()
		out, _, err := transform.Bytes(dec, data)
		if err != nil {
			return "", fmt.Errorf("decode %s: %w", filepath.Base(path), err)
		}
		text = string(out)
	case utf8.Valid(data):
		text = string(bytes.TrimPrefix(data, utf8BOM))
	default:
		out, err := charmap.Windows1252.NewDecoder().Bytes(data)
		if err != nil {
			return "", fmt.Errorf("decode %s: %w", filepath.Base(path), err)
		}
		text = string(out)
	}

	if strings.ContainsRune(text, 0) {
		return "", fmt.Errorf("%w: %s looks binary", ErrUnsupported, filepath.Base(path))
	}
	return text, nil
}

// =============================================================================
// CHUNKING
// =============================================================================

// Chunk is one window of a document's words.
type Chunk struct {
	Index int
	Text  string
	Words int
}

// ChunkText splits text into windows of size words. Consecutive windows
// share overlap words. The last window ends at the last word; no window is
// contained in the one before it.
func ChunkText(text string, size, overlap int) []Chunk {
	words := strings.Fields(text)
	if len(words) == 0 || size <= 0 {
		return nil
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	step := size - overlap

	var chunks []Chunk
	for start := 0; start < len(words); start += step {
		end := min(start+size, len(words))
		chunks = append(chunks, Chunk{
			Index: len(chunks),
			Text:  strings.Join(words[start:end], " "),
			Words: end - start,
		})
		if end == len(words) {
			break
		}
	}
	return chunks
}
