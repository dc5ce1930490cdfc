// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClientWithConfig(&ClientConfig{BaseURL: srv.URL, Timeout: 2 * time.Second})
}

func writeLines(w http.ResponseWriter, lines ...string) {
	flusher, _ := w.(http.Flusher)
	for _, line := range lines {
		fmt.Fprintln(w, line)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// =============================================================================
// MESSAGE TESTS
// =============================================================================

func TestMessageConstructors(t *testing.T) {
	assert.Equal(t, Message{Role: "user", Content: "Hello"}, NewUserMessage("Hello"))
	assert.Equal(t, Message{Role: "assistant", Content: "Hi"}, NewAssistantMessage("Hi"))
	assert.Equal(t, Message{Role: "system", Content: "Be brief"}, NewSystemMessage("Be brief"))
}

func TestPullProgress_String(t *testing.T) {
	tests := []struct {
		name string
		prog PullProgress
		want string
	}{
		{"status only", PullProgress{Status: "pulling manifest"}, "pulling manifest"},
		{"with totals", PullProgress{Status: "pulling abc", Completed: 5, Total: 10}, "pulling abc [5/10]"},
		{"empty", PullProgress{}, "No response"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.prog.String())
		})
	}
}

// =============================================================================
// HOST TESTS
// =============================================================================

func TestNormalizeHost(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"http://127.0.0.1:11434/", "http://127.0.0.1:11434", false},
		{"localhost:11434", "http://localhost:11434", false},
		{"https://ollama.example.com", "https://ollama.example.com", false},
		{"", "", true},
		{"ftp://host", "", true},
		{"http://", "", true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := NormalizeHost(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, IsHostUnreachable(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSetHost_AppliesToNewRequestsOnly(t *testing.T) {
	release := make(chan struct{})
	var oldHits, newHits atomic.Int32

	oldSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		oldHits.Add(1)
		writeLines(w, `{"message":{"content":"a"}}`)
		<-release
		writeLines(w, `{"message":{"content":"b"},"done":true}`)
	}))
	defer oldSrv.Close()
	newSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		newHits.Add(1)
		json.NewEncoder(w).Encode(ListModelsResponse{})
	}))
	defer newSrv.Close()

	c := NewClientWithConfig(&ClientConfig{BaseURL: oldSrv.URL})
	stream, err := c.ChatStream(context.Background(), "m", nil)
	require.NoError(t, err)
	defer stream.Close()

	first, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "a", first.Content)

	require.NoError(t, c.SetHost(newSrv.URL))
	_, err = c.ListModels(context.Background())
	require.NoError(t, err)

	close(release)
	second, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "b", second.Content)
	assert.True(t, second.Done)

	assert.Equal(t, int32(1), oldHits.Load())
	assert.Equal(t, int32(1), newHits.Load())
}

// =============================================================================
// MODEL OPERATION TESTS
// =============================================================================

func TestCheckRunning(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/", r.URL.Path)
		w.WriteHeader(int(status.Load()))
		io.WriteString(w, "Ollama is running")
	}))

	require.NoError(t, c.CheckRunning(context.Background()))

	status.Store(http.StatusServiceUnavailable)
	err := c.CheckRunning(context.Background())
	require.Error(t, err)
	assert.Equal(t, ErrTypeInvalidResponse, TypeOf(err))
	assert.Contains(t, err.Error(), "503")
}

func TestListModels(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		assert.Equal(t, http.MethodGet, r.Method)
		fmt.Fprint(w, `{"models":[{"name":"llama3.2:3b","size":2019393189,"digest":"a80c4f17"},{"name":"qwen2.5:7b","size":4683087332,"digest":"845dbda0"}]}`)
	}))

	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "llama3.2:3b", models[0].Name)
	assert.Equal(t, int64(2019393189), models[0].Size)
	assert.Equal(t, "845dbda0", models[1].Digest)
}

func TestListModels_BadBody(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `not json`)
	}))

	_, err := c.ListModels(context.Background())
	require.Error(t, err)
	assert.Equal(t, ErrTypeInvalidResponse, TypeOf(err))
}

func TestDeleteModel(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/delete", r.URL.Path)
		var req DeleteRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Name != "llama3.2:3b" {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":"model not found"}`)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	require.NoError(t, c.DeleteModel(context.Background(), "llama3.2:3b"))

	err := c.DeleteModel(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsModelNotFound(err))
}

func TestServerErrorMessage(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"out of memory"}`)
	}))

	_, err := c.ChatStream(context.Background(), "m", nil)
	require.Error(t, err)
	assert.Equal(t, ErrTypeServer, TypeOf(err))
	assert.Contains(t, err.Error(), "out of memory")
}

// =============================================================================
// CHAT STREAM TESTS
// =============================================================================

func TestChatStream_DeliversFragmentsInOrder(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		assert.Equal(t, "x", req.Model)
		if assert.Len(t, req.Messages, 1) {
			assert.Equal(t, "Hello", req.Messages[0].Content)
		}

		writeLines(w,
			`{"model":"x","message":{"role":"assistant","content":"Hi"},"done":false}`,
			``,
			`garbage line`,
			`{"model":"x","message":{"role":"assistant","content":" there"},"done":false}`,
			`{"model":"x","message":{"role":"assistant","content":"!"},"done":false}`,
			`{"model":"x","message":{"role":"assistant","content":""},"done":true,"eval_count":3,"eval_duration":1000000000}`,
		)
	}))

	stream, err := c.ChatStream(context.Background(), "x", []Message{NewUserMessage("Hello")})
	require.NoError(t, err)
	defer stream.Close()

	var sb strings.Builder
	var last StreamChunk
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		sb.WriteString(chunk.Content)
		last = chunk
	}
	assert.Equal(t, "Hi there!", sb.String())
	assert.True(t, last.Done)
	assert.Equal(t, 3, last.CompletionTokens)
	assert.Equal(t, "x", last.Model)
}

func TestChatStream_ModelNotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"model \"nope\" not found, try pulling it first"}`)
	}))

	_, err := c.ChatStream(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.True(t, IsModelNotFound(err))
}

func TestChatStream_TruncatedBodyIsNetworkError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeLines(w, `{"message":{"content":"Par"}}`)
	}))

	stream, err := c.ChatStream(context.Background(), "m", nil)
	require.NoError(t, err)
	defer stream.Close()

	chunk, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "Par", chunk.Content)

	_, err = stream.Next()
	require.Error(t, err)
	assert.True(t, IsNetwork(err))
}

func TestChatStream_CloseStopsPromptly(t *testing.T) {
	serverDone := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(serverDone)
		writeLines(w, `{"message":{"content":"Par"}}`)
		// Keep the connection open until the client goes away.
		<-r.Context().Done()
	}))

	stream, err := c.ChatStream(context.Background(), "m", nil)
	require.NoError(t, err)

	_, err = stream.Next()
	require.NoError(t, err)

	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())

	select {
	case <-serverDone:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not observe the client disconnect")
	}
}

func TestChatStream_ContextCancel(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeLines(w, `{"message":{"content":"Par"}}`)
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := c.ChatStream(ctx, "m", nil)
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next()
	require.NoError(t, err)

	cancel()
	_, err = stream.Next()
	require.Error(t, err)
	assert.True(t, IsCanceled(err))
}

func TestChatStream_IdleTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeLines(w, `{"message":{"content":"a"}}`)
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewClientWithConfig(&ClientConfig{BaseURL: srv.URL, StreamIdleTimeout: 50 * time.Millisecond})
	stream, err := c.ChatStream(context.Background(), "m", nil)
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next()
	require.NoError(t, err)

	_, err = stream.Next()
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.True(t, IsNetwork(err))
}

func TestChatStream_StalledHeadersTimeOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Accept the request but never send headers.
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClientWithConfig(&ClientConfig{
		BaseURL:               srv.URL,
		ConnectTimeout:        200 * time.Millisecond,
		ResponseHeaderTimeout: 200 * time.Millisecond,
		StreamIdleTimeout:     200 * time.Millisecond,
	})

	start := time.Now()
	stream, err := c.ChatStream(context.Background(), "m", nil)
	if err == nil {
		_, err = stream.Next()
		stream.Close()
	}
	require.Error(t, err)
	assert.True(t, IsTimeout(err), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestNewClient_DefaultResponseHeaderTimeout(t *testing.T) {
	c := NewClientWithConfig(&ClientConfig{BaseURL: "http://127.0.0.1:1"})
	assert.Equal(t, DefaultResponseHeaderTimeout, c.config.ResponseHeaderTimeout)

	transport, ok := c.httpClient.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, DefaultResponseHeaderTimeout, transport.ResponseHeaderTimeout)
}

func TestChat_NonStreaming(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		fmt.Fprint(w, `{"model":"m","message":{"role":"assistant","content":"whole answer"},"done":true,"eval_count":100,"eval_duration":1000000000}`)
	}))

	resp, err := c.Chat(context.Background(), "m", []Message{NewUserMessage("q")})
	require.NoError(t, err)
	assert.Equal(t, "whole answer", resp.Message.Content)
	assert.InDelta(t, 100.0, resp.TokensPerSecond(), 0.01)
}

// =============================================================================
// PULL STREAM TESTS
// =============================================================================

func TestPull_Progress(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/pull", r.URL.Path)
		var req PullRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3.2:3b", req.Name)
		assert.True(t, req.Insecure)
		writeLines(w,
			`{"status":"pulling manifest"}`,
			`{"status":"pulling a80c","digest":"sha256:a80c","total":100,"completed":40}`,
			`{"status":"pulling a80c","digest":"sha256:a80c","total":100,"completed":100}`,
			`{"status":"success"}`,
		)
	}))

	stream, err := c.Pull(context.Background(), "llama3.2:3b", true)
	require.NoError(t, err)
	defer stream.Close()

	var got []PullProgress
	for {
		p, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, p)
	}
	require.Len(t, got, 4)
	assert.Equal(t, int64(40), got[1].Completed)
	assert.Equal(t, "success", got[3].Status)
}

func TestPull_ErrorLine(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeLines(w,
			`{"status":"pulling manifest"}`,
			`{"error":"pull model manifest: file does not exist"}`,
		)
	}))

	stream, err := c.Pull(context.Background(), "nope", false)
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next()
	require.NoError(t, err)
	_, err = stream.Next()
	require.Error(t, err)
	assert.True(t, IsModelNotFound(err))
}

// =============================================================================
// ERROR CLASSIFICATION TESTS
// =============================================================================

func TestConnectionRefusedIsHostUnreachable(t *testing.T) {
	// Grab a free port and close it so nothing is listening there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c := NewClientWithConfig(&ClientConfig{BaseURL: "http://" + addr, ConnectTimeout: time.Second})
	_, err = c.ListModels(context.Background())
	require.Error(t, err)
	assert.True(t, IsHostUnreachable(err), "got %v", err)
}

func TestClientError_IsMatchesByType(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &ClientError{Type: ErrTypeModelNotFound, Message: "model \"x\" not found"})
	assert.True(t, errors.Is(err, ErrModelNotFound))
	assert.False(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, ErrTypeModelNotFound, TypeOf(err))
	assert.Equal(t, "model_not_found", TypeOf(err).String())
}
