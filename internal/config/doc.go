// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and saves the ollama-chat configuration.
//
// Supports both TOML and JSON configuration formats, with defaults,
// environment variable overrides, and validation.
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (OLLAMA_HOST, OLLAMA_CHAT_MODEL, OLLAMA_CHAT_LOG_LEVEL)
//   - ~/.ollama-chat/config.toml
//   - ~/.ollama-chat/config.json
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    return err
//	}
//	host := cfg.Server.Host
//
// A Watcher reloads the file when it changes and hands the new
// configuration to a callback.
package config
