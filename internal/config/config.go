// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"github.com/jeranaias/ollama-chat/internal/docs"
	"github.com/jeranaias/ollama-chat/internal/ollama"
	"github.com/jeranaias/ollama-chat/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete ollama-chat configuration.
type Config struct {
	Server ServerConfig `toml:"server" json:"server"`
	Chat   ChatConfig   `toml:"chat" json:"chat"`
	Models ModelsConfig `toml:"models" json:"models"`
	Docs   DocsConfig   `toml:"docs" json:"docs"`
	Log    LogConfig    `toml:"log" json:"log"`
}

// ServerConfig describes the Ollama endpoint.
type ServerConfig struct {
	// Host is the server base URL. A bare host:port gets an http scheme.
	Host string `toml:"host" json:"host"`
	// ConnectTimeoutSecs bounds dialing and the TLS handshake.
	ConnectTimeoutSecs int `toml:"connect_timeout_secs" json:"connect_timeout_secs"`
	// RequestTimeoutSecs bounds whole-body requests such as list and delete.
	RequestTimeoutSecs int `toml:"request_timeout_secs" json:"request_timeout_secs"`
	// ResponseHeaderTimeoutSecs bounds the wait for response headers, which
	// includes the time Ollama spends loading a model.
	ResponseHeaderTimeoutSecs int `toml:"response_header_timeout_secs" json:"response_header_timeout_secs"`
	// StreamIdleTimeoutSecs is the longest gap between two streamed lines (0 = none).
	StreamIdleTimeoutSecs int `toml:"stream_idle_timeout_secs" json:"stream_idle_timeout_secs"`
}

// ChatConfig holds conversation defaults.
type ChatConfig struct {
	DefaultModel string `toml:"default_model" json:"default_model"`
	SystemPrompt string `toml:"system_prompt" json:"system_prompt"`
}

// ModelsConfig tunes model management.
type ModelsConfig struct {
	// MaxConcurrentOps caps generations, pulls and deletes running at once.
	MaxConcurrentOps int `toml:"max_concurrent_ops" json:"max_concurrent_ops"`
	// ProgressUpdatesPerSec caps pull progress events per model (0 = unlimited).
	ProgressUpdatesPerSec float64 `toml:"progress_updates_per_sec" json:"progress_updates_per_sec"`
	// PullTimeoutMins bounds a whole pull (0 = none).
	PullTimeoutMins int `toml:"pull_timeout_mins" json:"pull_timeout_mins"`
}

// DocsConfig controls document context for prompts.
type DocsConfig struct {
	// Enabled prefixes each prompt with the best matching document passages.
	Enabled bool `toml:"enabled" json:"enabled"`
	// Path is the document database. Empty means documents.db in Dir().
	Path string `toml:"path" json:"path"`
	// ChunkSize and ChunkOverlap are measured in words.
	ChunkSize    int `toml:"chunk_size" json:"chunk_size"`
	ChunkOverlap int `toml:"chunk_overlap" json:"chunk_overlap"`
	// MaxResults is the number of passages added to a prompt.
	MaxResults int `toml:"max_results" json:"max_results"`
	// Watch re-reads stored documents when their files change.
	Watch bool `toml:"watch" json:"watch"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	// Level is a zerolog level name: trace, debug, info, warn, error, disabled.
	Level string `toml:"level" json:"level"`
	// Format is "auto", "console" or "json". Auto picks console on a terminal.
	Format string `toml:"format" json:"format"`
	// File redirects logs to a file instead of stderr.
	File string `toml:"file" json:"file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                      ollama.DefaultBaseURL,
			ConnectTimeoutSecs:        5,
			RequestTimeoutSecs:        30,
			ResponseHeaderTimeoutSecs: 120,
			StreamIdleTimeoutSecs:     120,
		},
		Models: ModelsConfig{
			MaxConcurrentOps:      4,
			ProgressUpdatesPerSec: 10,
		},
		Docs: DocsConfig{
			Enabled:      true,
			ChunkSize:    docs.DefaultChunkSize,
			ChunkOverlap: docs.DefaultChunkOverlap,
			MaxResults:   docs.DefaultMaxResults,
			Watch:        true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// ConnectTimeout returns the connect timeout as a duration.
func (s ServerConfig) ConnectTimeout() time.Duration {
	return time.Duration(s.ConnectTimeoutSecs) * time.Second
}

// RequestTimeout returns the request timeout as a duration.
func (s ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSecs) * time.Second
}

// ResponseHeaderTimeout returns the response header timeout as a duration.
func (s ServerConfig) ResponseHeaderTimeout() time.Duration {
	return time.Duration(s.ResponseHeaderTimeoutSecs) * time.Second
}

// StreamIdleTimeout returns the stream idle timeout as a duration.
func (s ServerConfig) StreamIdleTimeout() time.Duration {
	return time.Duration(s.StreamIdleTimeoutSecs) * time.Second
}

// DatabasePath returns the document database location.
func (d DocsConfig) DatabasePath() (string, error) {
	if d.Path != "" {
		return d.Path, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "documents.db"), nil
}

// StoreConfig converts the section into a document store configuration.
func (d DocsConfig) StoreConfig() (docs.Config, error) {
	path, err := d.DatabasePath()
	if err != nil {
		return docs.Config{}, err
	}
	cfg := docs.DefaultConfig(path)
	cfg.ChunkSize = d.ChunkSize
	cfg.ChunkOverlap = d.ChunkOverlap
	cfg.MaxResults = d.MaxResults
	return cfg, nil
}

// PullTimeout returns the pull timeout as a duration.
func (m ModelsConfig) PullTimeout() time.Duration {
	return time.Duration(m.PullTimeoutMins) * time.Minute
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// Dir returns the configuration directory.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".ollama-chat"), nil
}

// PathTOML returns the path to the TOML config file.
func PathTOML() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// PathJSON returns the path to the JSON config file.
func PathJSON() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// DefaultPath returns the file Load reads when no path is given: the TOML
// file, or the JSON file when only that one exists.
func DefaultPath() (string, error) {
	tomlPath, err := PathTOML()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(tomlPath); err == nil {
		return tomlPath, nil
	}
	jsonPath, err := PathJSON()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(jsonPath); err == nil {
		return jsonPath, nil
	}
	return tomlPath, nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads the configuration at path, or the default location when path
// is empty. A missing file yields the defaults. Environment overrides are
// applied before validation.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg := Default()
	if _, err := os.Stat(path); err == nil {
		if err := decodeFile(cfg, path); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat config file: %w", err)
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func decodeFile(cfg *Config, path string) error {
	if strings.HasSuffix(path, ".json") {
		return LoadJSON(cfg, path)
	}
	return LoadTOML(cfg, path)
}

// LoadTOML decodes a TOML file over cfg.
func LoadTOML(cfg *Config, path string) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file %s: %w", path, err)
	}
	return nil
}

// LoadJSON decodes a JSON file over cfg.
func LoadJSON(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file %s: %w", path, err)
	}
	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes cfg to path (TOML unless the name ends in .json), or to the
// default TOML file when path is empty.
func Save(cfg *Config, path string) error {
	if path == "" {
		p, err := PathTOML()
		if err != nil {
			return err
		}
		path = p
	}
	if strings.HasSuffix(path, ".json") {
		return SaveJSON(cfg, path)
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes cfg as TOML with owner-only permissions.
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# ollama-chat configuration file\n")
	buf.WriteString("# Generated by ollama-chat - edit with care\n\n")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, buf.Bytes(), util.PrivateFileMode); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SaveJSON writes cfg as indented JSON with owner-only permissions.
func SaveJSON(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, data, util.PrivateFileMode); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError is one invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks every setting and returns all problems at once.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if _, err := ollama.NormalizeHost(c.Server.Host); err != nil {
		errs = append(errs, ValidationError{
			Field:   "server.host",
			Message: fmt.Sprintf("invalid host '%s': %v", c.Server.Host, err),
		})
	}
	if c.Server.ConnectTimeoutSecs < 0 {
		errs = append(errs, ValidationError{Field: "server.connect_timeout_secs", Message: "must be non-negative"})
	}
	if c.Server.RequestTimeoutSecs < 0 {
		errs = append(errs, ValidationError{Field: "server.request_timeout_secs", Message: "must be non-negative"})
	}
	if c.Server.ResponseHeaderTimeoutSecs < 0 {
		errs = append(errs, ValidationError{Field: "server.response_header_timeout_secs", Message: "must be non-negative"})
	}
	if c.Server.StreamIdleTimeoutSecs < 0 {
		errs = append(errs, ValidationError{Field: "server.stream_idle_timeout_secs", Message: "must be non-negative"})
	}

	if c.Models.MaxConcurrentOps < 1 || c.Models.MaxConcurrentOps > 64 {
		errs = append(errs, ValidationError{
			Field:   "models.max_concurrent_ops",
			Message: fmt.Sprintf("must be 1-64, got %d", c.Models.MaxConcurrentOps),
		})
	}
	if c.Models.ProgressUpdatesPerSec < 0 {
		errs = append(errs, ValidationError{Field: "models.progress_updates_per_sec", Message: "must be non-negative"})
	}
	if c.Models.PullTimeoutMins < 0 {
		errs = append(errs, ValidationError{Field: "models.pull_timeout_mins", Message: "must be non-negative"})
	}

	if c.Docs.ChunkSize < 10 || c.Docs.ChunkSize > 10000 {
		errs = append(errs, ValidationError{
			Field:   "docs.chunk_size",
			Message: fmt.Sprintf("must be 10-10000, got %d", c.Docs.ChunkSize),
		})
	}
	if c.Docs.ChunkOverlap < 0 || c.Docs.ChunkOverlap >= c.Docs.ChunkSize {
		errs = append(errs, ValidationError{Field: "docs.chunk_overlap", Message: "must be non-negative and less than docs.chunk_size"})
	}
	if c.Docs.MaxResults < 1 || c.Docs.MaxResults > 20 {
		errs = append(errs, ValidationError{
			Field:   "docs.max_results",
			Message: fmt.Sprintf("must be 1-20, got %d", c.Docs.MaxResults),
		})
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		errs = append(errs, ValidationError{
			Field:   "log.level",
			Message: fmt.Sprintf("invalid level '%s'", c.Log.Level),
		})
	}
	validFormats := map[string]bool{"auto": true, "console": true, "json": true}
	if !validFormats[strings.ToLower(c.Log.Format)] {
		errs = append(errs, ValidationError{
			Field:   "log.format",
			Message: fmt.Sprintf("invalid format '%s', must be one of: auto, console, json", c.Log.Format),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SetDefaults fills zero-valued settings from Default.
func (c *Config) SetDefaults() {
	defaults := Default()

	if c.Server.Host == "" {
		c.Server.Host = defaults.Server.Host
	}
	if c.Server.ConnectTimeoutSecs == 0 {
		c.Server.ConnectTimeoutSecs = defaults.Server.ConnectTimeoutSecs
	}
	if c.Server.RequestTimeoutSecs == 0 {
		c.Server.RequestTimeoutSecs = defaults.Server.RequestTimeoutSecs
	}
	if c.Server.ResponseHeaderTimeoutSecs == 0 {
		c.Server.ResponseHeaderTimeoutSecs = defaults.Server.ResponseHeaderTimeoutSecs
	}
	if c.Models.MaxConcurrentOps == 0 {
		c.Models.MaxConcurrentOps = defaults.Models.MaxConcurrentOps
	}
	if c.Docs.ChunkSize == 0 {
		c.Docs.ChunkSize = defaults.Docs.ChunkSize
	}
	if c.Docs.MaxResults == 0 {
		c.Docs.MaxResults = defaults.Docs.MaxResults
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// Environment variables read by ApplyEnvOverrides.
const (
	EnvHost     = "OLLAMA_HOST"
	EnvModel    = "OLLAMA_CHAT_MODEL"
	EnvLogLevel = "OLLAMA_CHAT_LOG_LEVEL"
)

// ApplyEnvOverrides applies environment variable overrides:
//   - OLLAMA_HOST: overrides server.host
//   - OLLAMA_CHAT_MODEL: overrides chat.default_model
//   - OLLAMA_CHAT_LOG_LEVEL: overrides log.level
func (c *Config) ApplyEnvOverrides() {
	if host := os.Getenv(EnvHost); host != "" {
		c.Server.Host = host
	}
	if model := os.Getenv(EnvModel); model != "" {
		c.Chat.DefaultModel = model
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		c.Log.Level = level
	}
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a configuration value using dot notation (e.g. "server.host").
func (c *Config) Get(key string) (interface{}, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set sets a configuration value using dot notation. String values are
// converted to the field's type.
func (c *Config) Set(key string, value interface{}) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(field, value)
}

func (c *Config) lookup(key string) (reflect.Value, error) {
	if strings.TrimSpace(key) == "" {
		return reflect.Value{}, errors.New("empty key")
	}
	parts := strings.Split(key, ".")

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		fieldName := normalizeFieldName(part)
		field := v.FieldByNameFunc(func(name string) bool {
			return strings.EqualFold(name, fieldName)
		})
		if !field.IsValid() {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			if field.Kind() == reflect.Struct {
				return reflect.Value{}, fmt.Errorf("field '%s' is a section", key)
			}
			return field, nil
		}
		if field.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a struct", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, fmt.Errorf("invalid key: %s", key)
}

// normalizeFieldName converts a snake_case or kebab-case name to its Go field name.
func normalizeFieldName(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-'
	})

	var result strings.Builder
	for _, part := range parts {
		if len(part) > 0 {
			result.WriteString(strings.ToUpper(string(part[0])))
			result.WriteString(strings.ToLower(part[1:]))
		}
	}
	return result.String()
}

// setFieldValue sets a reflect.Value from an interface{} value with type conversion.
func setFieldValue(field reflect.Value, value interface{}) error {
	if strVal, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(strVal)
			return nil
		case reflect.Int, reflect.Int64:
			intVal, err := strconv.ParseInt(strVal, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(intVal)
			return nil
		case reflect.Float64:
			floatVal, err := strconv.ParseFloat(strVal, 64)
			if err != nil {
				return fmt.Errorf("invalid float value: %v", err)
			}
			field.SetFloat(floatVal)
			return nil
		case reflect.Bool:
			lower := strings.ToLower(strVal)
			field.SetBool(lower == "1" || lower == "true" || lower == "yes")
			return nil
		}
	}

	val := reflect.ValueOf(value)
	if !val.IsValid() {
		return fmt.Errorf("cannot assign nil to %s", field.Type())
	}
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// Keys returns every configuration key in dot notation, sorted.
func Keys() []string {
	var keys []string
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		section := t.Field(i)
		prefix := section.Tag.Get("toml")
		for j := 0; j < section.Type.NumField(); j++ {
			keys = append(keys, prefix+"."+section.Type.Field(j).Tag.Get("toml"))
		}
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// String renders the configuration as indented JSON for debugging.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
