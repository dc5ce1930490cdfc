// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv(EnvHost, "")
	t.Setenv(EnvModel, "")
	t.Setenv(EnvLogLevel, "")
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "http://127.0.0.1:11434", cfg.Server.Host)
	assert.Equal(t, 5*time.Second, cfg.Server.ConnectTimeout())
	assert.Equal(t, 30*time.Second, cfg.Server.RequestTimeout())
	assert.Equal(t, 2*time.Minute, cfg.Server.ResponseHeaderTimeout())
	assert.Equal(t, 4, cfg.Models.MaxConcurrentOps)
	assert.Zero(t, cfg.Models.PullTimeout())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_TOML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[server]
host = "http://gpu-box:11434"
request_timeout_secs = 10

[chat]
default_model = "llama3.2"
system_prompt = "Be brief."

[models]
progress_updates_per_sec = 2.5

[log]
level = "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://gpu-box:11434", cfg.Server.Host)
	assert.Equal(t, 10, cfg.Server.RequestTimeoutSecs)
	assert.Equal(t, 5, cfg.Server.ConnectTimeoutSecs)
	assert.Equal(t, "llama3.2", cfg.Chat.DefaultModel)
	assert.Equal(t, "Be brief.", cfg.Chat.SystemPrompt)
	assert.Equal(t, 2.5, cfg.Models.ProgressUpdatesPerSec)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "auto", cfg.Log.Format)
}

func TestLoad_JSON(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"chat":{"default_model":"mistral"}}`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mistral", cfg.Chat.DefaultModel)
	assert.Equal(t, Default().Server.Host, cfg.Server.Host)
}

func TestLoad_MalformedFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\nhost ="), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_InvalidValues(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[server]
host = "ftp://example.com"
response_header_timeout_secs = -1

[models]
max_concurrent_ops = 500

[log]
format = "xml"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))

	_, err := Load(path)
	require.Error(t, err)

	var verrs ValidateErrors
	require.ErrorAs(t, err, &verrs)
	fields := make([]string, 0, len(verrs))
	for _, v := range verrs {
		fields = append(fields, v.Field)
	}
	assert.ElementsMatch(t, []string{"server.host", "server.response_header_timeout_secs", "models.max_concurrent_ops", "log.format"}, fields)
}

func TestLoad_DocsSection(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[docs]
enabled = false
path = "/var/lib/ollama-chat/docs.db"
chunk_size = 300
chunk_overlap = 50
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Docs.Enabled)
	assert.True(t, cfg.Docs.Watch, "unset keys keep their defaults")
	assert.Equal(t, 3, cfg.Docs.MaxResults)

	store, err := cfg.Docs.StoreConfig()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/ollama-chat/docs.db", store.Path)
	assert.Equal(t, 300, store.ChunkSize)
	assert.Equal(t, 50, store.ChunkOverlap)
	assert.Equal(t, 3, store.MaxResults)
}

func TestValidate_DocsSection(t *testing.T) {
	cfg := Default()
	cfg.Docs.ChunkSize = 100
	cfg.Docs.ChunkOverlap = 100
	cfg.Docs.MaxResults = 50

	err := cfg.Validate()
	var verrs ValidateErrors
	require.ErrorAs(t, err, &verrs)
	fields := make([]string, 0, len(verrs))
	for _, v := range verrs {
		fields = append(fields, v.Field)
	}
	assert.ElementsMatch(t, []string{"docs.chunk_overlap", "docs.max_results"}, fields)
}

func TestDocsConfig_DefaultDatabasePath(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path, err := Default().Docs.DatabasePath()
	require.NoError(t, err)
	assert.Equal(t, "documents.db", filepath.Base(path))
	assert.Equal(t, ".ollama-chat", filepath.Base(filepath.Dir(path)))
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvHost, "http://10.0.0.2:11434")
	t.Setenv(EnvModel, "qwen2.5")
	t.Setenv(EnvLogLevel, "warn")

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[chat]\ndefault_model = \"llama3.2\"\n"), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.2:11434", cfg.Server.Host)
	assert.Equal(t, "qwen2.5", cfg.Chat.DefaultModel)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestSave_RoundTrip(t *testing.T) {
	clearEnv(t)
	for _, name := range []string{"config.toml", "config.json"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			cfg := Default()
			cfg.Chat.DefaultModel = "llama3.2"
			cfg.Chat.SystemPrompt = "You are terse."
			cfg.Models.PullTimeoutMins = 30

			require.NoError(t, Save(cfg, path))

			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

			loaded, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, cfg, loaded)
		})
	}
}

func TestGetSet(t *testing.T) {
	cfg := Default()

	v, err := cfg.Get("server.host")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:11434", v)

	require.NoError(t, cfg.Set("chat.default_model", "mistral"))
	assert.Equal(t, "mistral", cfg.Chat.DefaultModel)

	require.NoError(t, cfg.Set("server.request_timeout_secs", "45"))
	assert.Equal(t, 45, cfg.Server.RequestTimeoutSecs)

	require.NoError(t, cfg.Set("models.progress_updates_per_sec", "0.5"))
	assert.Equal(t, 0.5, cfg.Models.ProgressUpdatesPerSec)

	assert.Error(t, cfg.Set("server.request_timeout_secs", "soon"))
	assert.Error(t, cfg.Set("server.nope", "x"))
	assert.Error(t, cfg.Set("server", "x"))
	_, err = cfg.Get("")
	assert.Error(t, err)
}

func TestKeys(t *testing.T) {
	keys := Keys()
	assert.Contains(t, keys, "server.host")
	assert.Contains(t, keys, "chat.system_prompt")
	assert.Contains(t, keys, "models.max_concurrent_ops")
	assert.Contains(t, keys, "log.file")
	assert.Contains(t, keys, "docs.chunk_size")
	assert.Contains(t, keys, "server.response_header_timeout_secs")
	assert.IsIncreasing(t, keys)

	cfg := Default()
	for _, k := range keys {
		_, err := cfg.Get(k)
		assert.NoError(t, err, k)
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, Save(Default(), path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	w := NewWatcher(path, 20*time.Millisecond, zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, func(c *Config) { reloaded <- c }) }()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	cfg := Default()
	cfg.Server.Host = "http://other:11434"
	require.NoError(t, Save(cfg, path))

	select {
	case got := <-reloaded:
		assert.Equal(t, "http://other:11434", got.Server.Host)
	case <-time.After(3 * time.Second):
		t.Fatal("config was not reloaded")
	}

	cancel()
	assert.NoError(t, <-done)
}
