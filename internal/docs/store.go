// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package docs

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrUnsupported   = errors.New("unsupported document format")
	ErrDuplicate     = errors.New("document already stored")
	ErrNotFound      = errors.New("document not found")
	ErrAmbiguous     = errors.New("document reference matches more than one document")
	ErrTooLarge      = errors.New("document too large")
	ErrEmpty         = errors.New("document has no text")
	ErrDatabaseError = errors.New("database error")
)

// =============================================================================
// CONFIG
// =============================================================================

const (
	DefaultChunkSize    = 1000 // words
	DefaultChunkOverlap = 200  // words
	DefaultMaxResults   = 3
	DefaultMaxFileSize  = 10 * 1024 * 1024
)

// Config holds store configuration
type Config struct {
	// Path is the SQLite database file
	Path string

	// ChunkSize and ChunkOverlap are measured in words
	ChunkSize    int
	ChunkOverlap int

	// MaxResults is the number of chunks ContextFor returns
	MaxResults int

	// MaxFileSize is the largest file Add accepts (bytes)
	MaxFileSize int64
}

// DefaultConfig returns the default configuration for a database at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:         path,
		ChunkSize:    DefaultChunkSize,
		ChunkOverlap: DefaultChunkOverlap,
		MaxResults:   DefaultMaxResults,
		MaxFileSize:  DefaultMaxFileSize,
	}
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		c.ChunkOverlap = 0
	}
	if c.MaxResults <= 0 {
		c.MaxResults = DefaultMaxResults
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = DefaultMaxFileSize
	}
	return c
}

// =============================================================================
// DOCUMENT
// =============================================================================

// Document is one stored file.
type Document struct {
	// ID is the hex SHA-256 of the extracted text.
	ID      string
	Name    string
	Path    string
	Format  string
	Size    int64
	Words   int
	Chunks  int
	AddedAt time.Time
}

// ShortID returns the first 12 characters of the ID.
func (d Document) ShortID() string {
	if len(d.ID) > 12 {
		return d.ID[:12]
	}
	return d.ID
}

// =============================================================================
// STORE
// =============================================================================

// Store is a SQLite-backed document store. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	cfg    Config
	logger zerolog.Logger
}

// Open opens or creates the store at cfg.Path.
func Open(cfg Config, logger zerolog.Logger) (*Store, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("document database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := db.Exec(InitMetadata); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{
		db:     db,
		cfg:    cfg,
		logger: logger.With().Str("component", "docs").Logger(),
	}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Config returns the effective configuration.
func (s *Store) Config() Config {
	return s.cfg
}

// =============================================================================
// ADD / REINDEX
// =============================================================================

// Add reads, chunks and stores the file at path. A file whose text is
// already stored is rejected with ErrDuplicate; an older version of the
// same path is replaced.
func (s *Store) Add(ctx context.Context, path string) (Document, error) {
	doc, _, err := s.put(ctx, path, false)
	return doc, err
}

// Reindex re-reads a stored file. changed is false when its text did not
// change since it was stored.
func (s *Store) Reindex(ctx context.Context, path string) (doc Document, changed bool, err error) {
	return s.put(ctx, path, true)
}

func (s *Store) put(ctx context.Context, path string, reindex bool) (Document, bool, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Document{}, false, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Document{}, false, err
	}
	if info.IsDir() {
		return Document{}, false, fmt.Errorf("%s is a directory", abs)
	}
	if info.Size() > s.cfg.MaxFileSize {
		return Document{}, false, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, filepath.Base(abs), info.Size())
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return Document{}, false, err
	}
	text, err := ExtractText(abs, data)
	if err != nil {
		return Document{}, false, err
	}
	chunks := ChunkText(text, s.cfg.ChunkSize, s.cfg.ChunkOverlap)
	if len(chunks) == 0 {
		return Document{}, false, fmt.Errorf("%w: %s", ErrEmpty, filepath.Base(abs))
	}

	sum := sha256.Sum256([]byte(text))
	doc := Document{
		ID:      hex.EncodeToString(sum[:]),
		Name:    filepath.Base(abs),
		Path:    abs,
		Format:  strings.ToLower(filepath.Ext(abs)),
		Size:    info.Size(),
		Words:   len(strings.Fields(text)),
		Chunks:  len(chunks),
		AddedAt: time.Now(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Document{}, false, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer tx.Rollback()

	existing, err := scanDocument(tx.QueryRowContext(ctx, selectDocument+" WHERE id = ?", doc.ID))
	switch {
	case err == nil:
		if reindex && existing.Path == abs {
			return existing, false, nil
		}
		return Document{}, false, fmt.Errorf("%w: %s", ErrDuplicate, existing.Name)
	case !errors.Is(err, sql.ErrNoRows):
		return Document{}, false, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}

	if err := deletePath(ctx, tx, abs); err != nil {
		return Document{}, false, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (id, name, path, format, size, word_count, chunk_count, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, doc.ID, doc.Name, doc.Path, doc.Format, doc.Size, doc.Words, doc.Chunks, doc.AddedAt.UnixNano()); err != nil {
		return Document{}, false, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO chunks (document_id, idx, text, word_count) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return Document{}, false, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer stmt.Close()
	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, doc.ID, c.Index, c.Text, c.Words); err != nil {
			return Document{}, false, fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Document{}, false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Info().
		Str("document", doc.Name).
		Str("id", doc.ShortID()).
		Int("chunks", doc.Chunks).
		Bool("reindex", reindex).
		Msg("document stored")
	return doc, true, nil
}

// deletePath removes the document stored for path, if any, with its chunks.
func deletePath(ctx context.Context, tx *sql.Tx, path string) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks WHERE document_id IN (SELECT id FROM documents WHERE path = ?)`, path); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE path = ?`, path); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return nil
}

// =============================================================================
// REMOVE
// =============================================================================

// Remove deletes the document ref names. ref is an ID prefix of at least
// four characters, a file name, or a path.
func (s *Store) Remove(ctx context.Context, ref string) (Document, error) {
	docs, err := s.List(ctx)
	if err != nil {
		return Document{}, err
	}
	doc, err := resolve(docs, ref)
	if err != nil {
		return Document{}, err
	}
	if _, err := s.RemovePath(ctx, doc.Path); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// RemovePath deletes the document stored for path. removed is false when
// nothing was stored for it.
func (s *Store) RemovePath(ctx context.Context, path string) (removed bool, err error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE path = ?`, abs).Scan(&n); err != nil {
		return false, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	if n == 0 {
		return false, nil
	}
	if err := deletePath(ctx, tx, abs); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.logger.Info().Str("path", abs).Msg("document removed")
	return true, nil
}

// resolve finds the single document ref names.
func resolve(docs []Document, ref string) (Document, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Document{}, ErrNotFound
	}
	abs, _ := filepath.Abs(ref)

	var matches []Document
	for _, d := range docs {
		switch {
		case d.ID == ref, d.Path == ref, d.Path == abs:
			return d, nil
		case strings.EqualFold(d.Name, ref):
			matches = append(matches, d)
		case len(ref) >= 4 && strings.HasPrefix(d.ID, strings.ToLower(ref)):
			matches = append(matches, d)
		}
	}
	switch len(matches) {
	case 0:
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	case 1:
		return matches[0], nil
	default:
		return Document{}, fmt.Errorf("%w: %s", ErrAmbiguous, ref)
	}
}

// =============================================================================
// QUERIES
// =============================================================================

const selectDocument = `SELECT id, name, path, format, size, word_count, chunk_count, added_at FROM documents`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var d Document
	var added int64
	if err := row.Scan(&d.ID, &d.Name, &d.Path, &d.Format, &d.Size, &d.Words, &d.Chunks, &added); err != nil {
		return Document{}, err
	}
	d.AddedAt = time.Unix(0, added)
	return d, nil
}

// List returns every stored document, newest first.
func (s *Store) List(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, selectDocument+` ORDER BY added_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// Count returns the number of stored documents.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return n, nil
}

// Stored reports whether a document is stored for path.
func (s *Store) Stored(ctx context.Context, path string) (bool, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE path = ?`, abs).Scan(&n); err != nil {
		return false, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return n > 0, nil
}

// Paths returns the file paths of every stored document.
func (s *Store) Paths(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM documents`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}
