// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides the HTTP client for communicating with Ollama API.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// maxLineSize bounds a single NDJSON line.
const maxLineSize = 1024 * 1024

// =============================================================================
// LINE STREAM
// =============================================================================

// lineStream reads newline-delimited JSON from a response body. It owns the
// request context: Close cancels it, which tears the connection down instead
// of draining whatever the server still has buffered.
type lineStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	body   io.ReadCloser
	reader *bufio.Reader

	idleTimeout time.Duration
	idleTimer   *time.Timer
	idleExpired *atomic.Bool

	closeOnce *sync.Once
}

func newLineStream(ctx context.Context, cancel context.CancelFunc, body io.ReadCloser, idle time.Duration) lineStream {
	s := lineStream{
		ctx:         ctx,
		cancel:      cancel,
		body:        body,
		reader:      bufio.NewReaderSize(body, 64*1024),
		idleTimeout: idle,
		idleExpired: &atomic.Bool{},
		closeOnce:   &sync.Once{},
	}
	if idle > 0 {
		expired := s.idleExpired
		s.idleTimer = time.AfterFunc(idle, func() {
			expired.Store(true)
			cancel()
		})
	}
	return s
}

// readLine returns the next non-empty line, io.EOF at the end of the body, or
// a classified ClientError.
func (s *lineStream) readLine() ([]byte, error) {
	for {
		if err := s.ctx.Err(); err != nil {
			return nil, classifyTransportError(s.ctx, err, s.idleExpired.Load())
		}

		line, err := s.reader.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			// Long line: keep reading until the delimiter.
			buf := append([]byte(nil), line...)
			for errors.Is(err, bufio.ErrBufferFull) && len(buf) < maxLineSize {
				line, err = s.reader.ReadSlice('\n')
				buf = append(buf, line...)
			}
			line = buf
		}
		if s.idleTimer != nil && len(line) > 0 {
			s.idleTimer.Reset(s.idleTimeout)
		}

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			// A final line without a trailing newline is still delivered;
			// the next call reports EOF.
			if err == nil || errors.Is(err, io.EOF) {
				return append([]byte(nil), trimmed...), nil
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, classifyTransportError(s.ctx, err, s.idleExpired.Load())
		}
	}
}

// Close stops the stream and releases the connection. Safe to call twice.
func (s *lineStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.idleTimer != nil {
			s.idleTimer.Stop()
		}
		s.cancel()
		err = s.body.Close()
	})
	return err
}

// =============================================================================
// CHAT STREAM
// =============================================================================

// ChatStream is a finite, non-restartable sequence of chat chunks.
type ChatStream struct {
	lineStream
	model string
	done  bool
}

// chatLine is one NDJSON object from /api/chat.
type chatLine struct {
	Model   string `json:"model"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason,omitempty"`
	TotalDuration   int64  `json:"total_duration,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
	EvalDuration    int64  `json:"eval_duration,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Next returns the next chunk. It returns io.EOF after the chunk flagged Done.
// A body that ends before a Done chunk is reported as a network error.
func (s *ChatStream) Next() (StreamChunk, error) {
	for {
		if s.done {
			return StreamChunk{}, io.EOF
		}

		line, err := s.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return StreamChunk{}, &ClientError{Type: ErrTypeNetwork, Message: "stream closed before completion", Cause: io.ErrUnexpectedEOF}
			}
			return StreamChunk{}, err
		}

		var resp chatLine
		if err := json.Unmarshal(line, &resp); err != nil {
			// Skip malformed lines
			continue
		}
		if resp.Error != "" {
			return StreamChunk{}, serverError(resp.Error)
		}

		if resp.Model != "" {
			s.model = resp.Model
		}

		chunk := StreamChunk{
			Content:    resp.Message.Content,
			Done:       resp.Done,
			DoneReason: resp.DoneReason,
			Model:      s.model,
		}
		if resp.Done {
			s.done = true
			chunk.TotalDuration = time.Duration(resp.TotalDuration)
			chunk.EvalDuration = time.Duration(resp.EvalDuration)
			chunk.PromptTokens = resp.PromptEvalCount
			chunk.CompletionTokens = resp.EvalCount
		}
		return chunk, nil
	}
}

// =============================================================================
// PULL STREAM
// =============================================================================

// PullStream is a finite sequence of pull progress updates.
type PullStream struct {
	lineStream
}

// Next returns the next progress update, or io.EOF once the server finishes.
// An update carrying an error field ends the stream with that error.
func (s *PullStream) Next() (PullProgress, error) {
	for {
		line, err := s.readLine()
		if err != nil {
			return PullProgress{}, err
		}

		var prog PullProgress
		if err := json.Unmarshal(line, &prog); err != nil {
			continue
		}
		if prog.Error != "" {
			return PullProgress{}, serverError(prog.Error)
		}
		return prog, nil
	}
}

// serverError wraps an error message reported inside a stream. Ollama reports
// unknown models on pull as a manifest "file does not exist" error.
func serverError(msg string) error {
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "not found") || strings.Contains(lower, "does not exist") {
		return &ClientError{Type: ErrTypeModelNotFound, Message: msg}
	}
	return &ClientError{Type: ErrTypeServer, Message: msg}
}
