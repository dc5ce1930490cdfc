// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package docs

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// =============================================================================
// SEARCH RESULT
// =============================================================================

// Result is one matching chunk.
type Result struct {
	DocumentID string
	Name       string
	ChunkIndex int
	Text       string
	// Relevance is the BM25 score; higher is better.
	Relevance float64
}

// =============================================================================
// SEARCH
// =============================================================================

// Search returns up to limit chunks matching any word of query, best first.
// limit <= 0 uses the configured MaxResults.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	match := buildMatchQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = s.cfg.MaxResults
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.document_id, d.name, c.idx, c.text, chunks_fts.rank
		FROM chunks_fts
		JOIN chunks c ON c.id = chunks_fts.rowid
		JOIN documents d ON d.id = c.document_id
		WHERE chunks_fts MATCH ?
		ORDER BY chunks_fts.rank
		LIMIT ?
	`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var rank float64
		if err := rows.Scan(&r.DocumentID, &r.Name, &r.ChunkIndex, &r.Text, &rank); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}
		r.Relevance = -rank
		results = append(results, r)
	}
	return results, rows.Err()
}

// stopWords never make a chunk relevant on their own.
var stopWords = map[string]bool{
	"a": true, "about": true, "all": true, "an": true, "and": true, "any": true,
	"are": true, "as": true, "at": true, "be": true, "but": true, "by": true,
	"can": true, "could": true, "did": true, "do": true, "does": true, "for": true,
	"from": true, "had": true, "has": true, "have": true, "how": true, "i": true,
	"in": true, "into": true, "is": true, "it": true, "its": true, "me": true,
	"my": true, "of": true, "on": true, "or": true, "our": true, "please": true,
	"should": true, "tell": true, "than": true, "that": true, "the": true,
	"their": true, "them": true, "then": true, "there": true, "they": true,
	"this": true, "to": true, "was": true, "we": true, "what": true, "when": true,
	"where": true, "which": true, "who": true, "why": true, "will": true,
	"with": true, "would": true, "you": true, "your": true,
}

// buildMatchQuery turns free text into an FTS5 query that matches any of
// its words. Words are quoted, so FTS5 operators in the input are inert.
func buildMatchQuery(query string) string {
	words := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]bool, len(words))
	terms := make([]string, 0, len(words))
	for _, w := range words {
		if utf8.RuneCountInString(w) < 2 || stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, `"`+w+`"`)
	}
	return strings.Join(terms, " OR ")
}

// =============================================================================
// PROMPT CONTEXT
// =============================================================================

// Context is the document context found for one prompt.
type Context struct {
	Query   string
	Results []Result
	// Documents is the number of stored documents that were searched.
	Documents int
}

// Empty reports whether nothing matched.
func (c Context) Empty() bool {
	return len(c.Results) == 0
}

// Sources returns the names of the matching documents in result order,
// without repeats.
func (c Context) Sources() []string {
	seen := make(map[string]bool)
	var names []string
	for _, r := range c.Results {
		if !seen[r.Name] {
			seen[r.Name] = true
			names = append(names, r.Name)
		}
	}
	return names
}

// Prompt wraps question with the matching chunks, each labelled with its
// source and relevance.
func (c Context) Prompt(question string) string {
	if c.Empty() {
		return question
	}

	var b strings.Builder
	b.WriteString("[SYSTEM: You are provided with relevant context from the user's documents. ")
	b.WriteString("Use this information to answer their question accurately. ")
	b.WriteString("If the context does not contain relevant information, say so clearly.]\n\n")
	b.WriteString("CONTEXT FROM DOCUMENTS:\n")
	for i, r := range c.Results {
		fmt.Fprintf(&b, "[Source %d: %s - Relevance: %.2f]\n%s\n\n", i+1, r.Name, r.Relevance, r.Text)
	}
	fmt.Fprintf(&b, "USER QUESTION: %s\n\n", question)
	b.WriteString("Answer the question using the provided context when relevant. ")
	b.WriteString("If you use information from the context, mention which sources you are referencing.")
	return b.String()
}

// ContextFor searches the store for chunks relevant to query.
func (s *Store) ContextFor(ctx context.Context, query string) (Context, error) {
	n, err := s.Count(ctx)
	if err != nil {
		return Context{}, err
	}
	dc := Context{Query: query, Documents: n}
	if n == 0 {
		return dc, nil
	}
	dc.Results, err = s.Search(ctx, query, s.cfg.MaxResults)
	if err != nil {
		return Context{}, err
	}
	return dc, nil
}
