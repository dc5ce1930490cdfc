// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"

	"github.com/jeranaias/ollama-chat/internal/docs"
	"github.com/jeranaias/ollama-chat/internal/events"
	"github.com/jeranaias/ollama-chat/internal/model"
	"github.com/jeranaias/ollama-chat/internal/util"
)

// =============================================================================
// MARKDOWN RENDERING
// =============================================================================

// newMarkdownRenderer returns a glamour renderer for the terminal, or nil
// when output is not a terminal or the renderer cannot be built.
func newMarkdownRenderer(width int) *glamour.TermRenderer {
	if !IsStdoutTTY() {
		return nil
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil
	}
	return r
}

// renderMarkdown renders content with r. It returns content unchanged when
// r is nil or rendering fails.
func renderMarkdown(r *glamour.TermRenderer, content string) string {
	if r == nil {
		return content
	}
	out, err := r.Render(content)
	if err != nil {
		return content
	}
	return out
}

// =============================================================================
// MODEL TABLE
// =============================================================================

// FormatModels renders the model set as a table. The selected model is
// marked with an asterisk.
func FormatModels(models []model.Model, selected string) string {
	if len(models) == 0 {
		return "No models. Pull one with /pull NAME."
	}

	var sb strings.Builder
	sb.WriteString("  " + util.PadRight("NAME", 32) + " " + util.PadRight("SIZE", 9) + " " +
		util.PadRight("PARAMS", 8) + " " + util.PadRight("DIGEST", 12) + " STATUS\n")
	for _, m := range models {
		marker := "  "
		if m.Name == selected {
			marker = "* "
		}
		size := m.FormatSize()
		if !m.Local && m.Size == 0 {
			size = "-"
		}
		status := m.Status.String()
		if !m.Local && m.Status == model.ModelReady {
			status = "remote"
		}
		sb.WriteString(marker + util.PadRight(m.Name, 32) + " " + util.PadRight(size, 9) + " " +
			util.PadRight(m.ParameterSize, 8) + " " + util.PadRight(m.ShortDigest(), 12) + " " + status + "\n")
	}
	return sb.String()
}

// =============================================================================
// FAILURES AND PROGRESS
// =============================================================================

// FormatFailure renders a classified failure with a hint for the user.
func FormatFailure(prefix string, f events.Failure) string {
	msg := fmt.Sprintf("%s %s: %s", ErrorStyle.Render("[Error]"), prefix, f.Message)
	switch f.Kind {
	case events.KindHostUnreachable:
		msg += "\n" + DimStyle.Render("Is Ollama running? Change the server with /host URL.")
	case events.KindModelNotFound:
		msg += "\n" + DimStyle.Render("The model is not available. See /models or /pull NAME.")
	case events.KindNetwork, events.KindServer:
		msg += "\n" + DimStyle.Render("You can retry with /regen.")
	}
	return msg
}

// progressBarWidth is the number of cells in a pull progress bar.
const progressBarWidth = 24

// FormatProgress renders one pull progress line.
func FormatProgress(p events.ModelPullProgress) string {
	filled := int(p.Fraction * progressBarWidth)
	if filled > progressBarWidth {
		filled = progressBarWidth
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("░", progressBarWidth-filled)
	return fmt.Sprintf("%s %s %3.0f%% %s/%s %s",
		util.PadRight(p.Name, 20), bar, p.Fraction*100,
		model.FormatBytes(p.Completed), model.FormatBytes(p.Total),
		DimStyle.Render(p.Status))
}

// =============================================================================
// DOCUMENTS
// =============================================================================

// FormatDocuments renders the stored documents as a table, newest first.
func FormatDocuments(list []docs.Document) string {
	if len(list) == 0 {
		return "No documents. Add one with /docs add FILE."
	}

	var sb strings.Builder
	sb.WriteString(util.PadRight("ID", 12) + " " + util.PadRight("NAME", 28) + " " +
		util.PadRight("SIZE", 9) + " " + util.PadRight("WORDS", 7) + " CHUNKS\n")
	for _, d := range list {
		sb.WriteString(d.ShortID() + " " + util.PadRight(d.Name, 28) + " " +
			util.PadRight(model.FormatBytes(d.Size), 9) + " " +
			util.PadRight(fmt.Sprint(d.Words), 7) + " " + fmt.Sprint(d.Chunks) + "\n")
	}
	return sb.String()
}

// searchPreviewRunes bounds the passage text shown per search result.
const searchPreviewRunes = 160

// FormatSearchResults renders matching passages, best first.
func FormatSearchResults(query string, results []docs.Result) string {
	if len(results) == 0 {
		return fmt.Sprintf("No passages match %q.", query)
	}

	var sb strings.Builder
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s %s\n", i+1, TitleStyle.Render(r.Name),
			DimStyle.Render(fmt.Sprintf("(chunk %d, relevance %.2f)", r.ChunkIndex+1, r.Relevance)))
		sb.WriteString("   " + util.TruncateRunes(strings.Join(strings.Fields(r.Text), " "), searchPreviewRunes) + "\n")
	}
	return sb.String()
}

// FormatDocumentContext describes the context attached to a prompt.
func FormatDocumentContext(ev events.DocumentContextAttached) string {
	if ev.Passages == 0 {
		return DimStyle.Render(fmt.Sprintf("[Docs] no matching passages in %d documents", ev.Documents))
	}
	return DimStyle.Render(fmt.Sprintf("[Docs] %d passages from %s", ev.Passages, strings.Join(ev.Sources, ", ")))
}
