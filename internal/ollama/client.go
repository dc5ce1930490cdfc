// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides the HTTP client for communicating with Ollama API.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"time"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ClientError represents an error from the Ollama client.
type ClientError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a ClientError of the same type, so that
// errors.Is(err, ErrModelNotFound) matches any model-not-found error.
func (e *ClientError) Is(target error) bool {
	t, ok := target.(*ClientError)
	return ok && t.Type == e.Type
}

// ErrorType categorizes client errors for handling.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	ErrTypeNetwork
	ErrTypeTimeout
	ErrTypeHostUnreachable
	ErrTypeModelNotFound
	ErrTypeInvalidResponse
	ErrTypeServer
	ErrTypeCanceled
)

// String returns the error type name for logging.
func (t ErrorType) String() string {
	switch t {
	case ErrTypeNetwork:
		return "network"
	case ErrTypeTimeout:
		return "timeout"
	case ErrTypeHostUnreachable:
		return "host_unreachable"
	case ErrTypeModelNotFound:
		return "model_not_found"
	case ErrTypeInvalidResponse:
		return "invalid_response"
	case ErrTypeServer:
		return "server"
	case ErrTypeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Sentinel errors for easy checking.
var (
	ErrNetwork         = &ClientError{Type: ErrTypeNetwork, Message: "network error"}
	ErrTimeout         = &ClientError{Type: ErrTypeTimeout, Message: "request timed out"}
	ErrHostUnreachable = &ClientError{Type: ErrTypeHostUnreachable, Message: "Ollama host unreachable"}
	ErrModelNotFound   = &ClientError{Type: ErrTypeModelNotFound, Message: "model not found"}
	ErrCanceled        = &ClientError{Type: ErrTypeCanceled, Message: "request canceled"}
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// DefaultBaseURL is the address a stock Ollama install listens on.
// Uses explicit IPv4 address instead of localhost to avoid IPv6 resolution issues on Windows.
const DefaultBaseURL = "http://127.0.0.1:11434"

// DefaultResponseHeaderTimeout is used when ClientConfig.ResponseHeaderTimeout is zero.
const DefaultResponseHeaderTimeout = 2 * time.Minute

// ClientConfig holds configuration options for the Ollama client.
type ClientConfig struct {
	// BaseURL is the Ollama API base URL (default: http://127.0.0.1:11434)
	BaseURL string

	// Timeout for non-streaming metadata requests such as list and delete (default: 30s)
	Timeout time.Duration

	// ConnectTimeout bounds dialing and the TLS handshake (default: 5s)
	ConnectTimeout time.Duration

	// ResponseHeaderTimeout bounds the wait for response headers once the
	// request is written (default: 2m). Ollama loads the model before it
	// answers a chat request, so this is longer than ConnectTimeout.
	ResponseHeaderTimeout time.Duration

	// StreamIdleTimeout is the longest gap allowed between two streamed lines.
	// Zero disables the check.
	StreamIdleTimeout time.Duration

	// DefaultModel to use if none specified
	DefaultModel string
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:               DefaultBaseURL,
		Timeout:               30 * time.Second,
		ConnectTimeout:        5 * time.Second,
		ResponseHeaderTimeout: DefaultResponseHeaderTimeout,
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client handles communication with the Ollama API.
//
// The Client is thread-safe for concurrent use. The base URL may be changed at
// any time with SetHost; requests already built keep the host they started with.
//
// Example:
//
//	client := ollama.NewClient()
//	stream, err := client.ChatStream(ctx, "llama3.2", messages)
//	if err != nil {
//	    return err
//	}
//	defer stream.Close()
type Client struct {
	config     ClientConfig
	httpClient *http.Client

	mu      sync.RWMutex
	baseURL string
}

// NewClient creates a new Ollama client with default configuration.
func NewClient() *Client {
	return NewClientWithConfig(DefaultConfig())
}

// NewClientWithConfig creates a new Ollama client with custom configuration.
func NewClientWithConfig(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config

	// Fill in defaults for any zero values
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.ResponseHeaderTimeout == 0 {
		cfg.ResponseHeaderTimeout = DefaultResponseHeaderTimeout
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}

	// No client-level timeout: streams can legitimately run for minutes.
	// Whole-body requests get a per-request deadline instead.
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Transport: transport},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
	}
}

// =============================================================================
// HOST
// =============================================================================

// Host returns the base URL used for new requests.
func (c *Client) Host() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

// SetHost changes the base URL for subsequent requests.
func (c *Client) SetHost(raw string) error {
	normalized, err := NormalizeHost(raw)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.baseURL = normalized
	c.mu.Unlock()
	return nil
}

// NormalizeHost validates a host string and returns it without a trailing slash.
// A bare "host:port" is accepted and gets an http scheme.
func NormalizeHost(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &ClientError{Type: ErrTypeHostUnreachable, Message: "host is empty"}
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", &ClientError{Type: ErrTypeHostUnreachable, Message: "invalid host URL", Cause: err}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", &ClientError{Type: ErrTypeHostUnreachable, Message: "unsupported scheme " + u.Scheme}
	}
	if u.Host == "" {
		return "", &ClientError{Type: ErrTypeHostUnreachable, Message: "host URL has no host"}
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// =============================================================================
// HEALTH CHECK
// =============================================================================

// CheckRunning verifies that Ollama is reachable and running.
func (c *Client) CheckRunning(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, "/", nil)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &ClientError{Type: ErrTypeInvalidResponse, Message: "unexpected status from Ollama: " + resp.Status}
	}
	return nil
}

// =============================================================================
// MODEL OPERATIONS
// =============================================================================

// ListModels retrieves all locally available models from Ollama.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, "failed to list models", false); err != nil {
		return nil, err
	}

	var result ListModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode response", Cause: err}
	}
	return result.Models, nil
}

// DeleteModel removes a model from the Ollama server.
func (c *Client) DeleteModel(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodDelete, "/api/delete", DeleteRequest{Name: name})
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return checkStatus(resp, "failed to delete model", true)
}

// Pull starts downloading a model and returns a stream of progress updates.
// The caller must Close the stream.
func (c *Client) Pull(ctx context.Context, name string, insecure bool) (*PullStream, error) {
	base, err := c.openStream(ctx, "/api/pull", PullRequest{Name: name, Insecure: insecure, Stream: true})
	if err != nil {
		return nil, err
	}
	return &PullStream{lineStream: base}, nil
}

// =============================================================================
// CHAT OPERATIONS
// =============================================================================

// Chat sends a chat request and returns the complete response (non-streaming).
func (c *Client) Chat(ctx context.Context, model string, messages []Message) (*ChatResponse, error) {
	if model == "" {
		model = c.config.DefaultModel
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/chat", ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   false,
	})
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, "chat request failed", true); err != nil {
		return nil, err
	}

	var result ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode response", Cause: err}
	}
	return &result, nil
}

// ChatStream sends a streaming chat request and returns a lazy sequence of chunks.
// The caller must Close the stream; closing it drops the connection immediately.
func (c *Client) ChatStream(ctx context.Context, model string, messages []Message) (*ChatStream, error) {
	if model == "" {
		model = c.config.DefaultModel
	}

	base, err := c.openStream(ctx, "/api/chat", ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, err
	}
	return &ChatStream{lineStream: base}, nil
}

// =============================================================================
// REQUEST PLUMBING
// =============================================================================

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to marshal request", Cause: err}
		}
		reader = bytes.NewReader(data)
	}

	// The base URL is read once here; a later SetHost does not affect this request.
	req, err := http.NewRequestWithContext(ctx, method, c.Host()+path, reader)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeHostUnreachable, Message: "failed to create request", Cause: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err, false)
	}
	return resp, nil
}

// openStream issues a POST whose response body is NDJSON.
func (c *Client) openStream(ctx context.Context, path string, body any) (lineStream, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	req, err := c.newRequest(streamCtx, http.MethodPost, path, body)
	if err != nil {
		cancel()
		return lineStream{}, err
	}
	resp, err := c.do(streamCtx, req)
	if err != nil {
		cancel()
		return lineStream{}, err
	}
	if err := checkStatus(resp, "stream request failed", true); err != nil {
		resp.Body.Close()
		cancel()
		return lineStream{}, err
	}

	return newLineStream(streamCtx, cancel, resp.Body, c.config.StreamIdleTimeout), nil
}

// checkStatus converts a non-200 response into a ClientError.
func checkStatus(resp *http.Response, message string, notFoundIsModel bool) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	if resp.StatusCode == http.StatusNotFound && notFoundIsModel {
		return ErrModelNotFound
	}

	var apiErr APIError
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error != "" {
		return &ClientError{Type: ErrTypeServer, Message: apiErr.Error}
	}
	return &ClientError{Type: ErrTypeInvalidResponse, Message: message + ": " + resp.Status}
}

// classifyTransportError maps a failed round trip or body read onto the
// client's error taxonomy.
func classifyTransportError(ctx context.Context, err error, idleExpired bool) error {
	if idleExpired {
		return &ClientError{Type: ErrTypeTimeout, Message: "stream idle timeout", Cause: err}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return &ClientError{Type: ErrTypeTimeout, Message: "request timed out", Cause: err}
		}
		return &ClientError{Type: ErrTypeCanceled, Message: "request canceled", Cause: err}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &ClientError{Type: ErrTypeHostUnreachable, Message: "cannot resolve Ollama host", Cause: err}
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return &ClientError{Type: ErrTypeHostUnreachable, Message: "Ollama is not running", Cause: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ClientError{Type: ErrTypeTimeout, Message: "request timed out", Cause: err}
	}
	return &ClientError{Type: ErrTypeNetwork, Message: "network error", Cause: err}
}

// =============================================================================
// UTILITY METHODS
// =============================================================================

// DefaultModel returns the configured default model.
func (c *Client) DefaultModel() string {
	return c.config.DefaultModel
}

// IsModelNotFound checks if an error is a model not found error.
func IsModelNotFound(err error) bool {
	return errors.Is(err, ErrModelNotFound)
}

// IsHostUnreachable checks if an error indicates the configured host cannot be reached.
func IsHostUnreachable(err error) bool {
	return errors.Is(err, ErrHostUnreachable)
}

// IsTimeout checks if an error is a timeout error.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsNetwork checks if an error is a recoverable network failure, timeouts included.
func IsNetwork(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrTimeout)
}

// IsCanceled checks if an error was caused by the caller cancelling.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled)
}

// TypeOf returns the ErrorType of err, or ErrTypeUnknown.
func TypeOf(err error) ErrorType {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Type
	}
	return ErrTypeUnknown
}
