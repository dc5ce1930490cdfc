// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides the HTTP client for communicating with Ollama API.
//
// This package is the only place that talks to the network. It covers model
// listing, whole and streamed chat completions, streamed model pulls and model
// deletion. It never retries; retry policy belongs to the caller.
//
// # Key Types
//
//   - Client: HTTP client for Ollama API communication
//   - ChatStream: lazy, finite sequence of chat chunks
//   - PullStream: lazy, finite sequence of pull progress updates
//   - ClientError: typed error (network, timeout, host unreachable, model not found, ...)
//
// # Usage
//
// Streaming a chat response:
//
//	stream, err := client.ChatStream(ctx, "llama3.2", messages)
//	if err != nil {
//	    return err
//	}
//	defer stream.Close()
//	for {
//	    chunk, err := stream.Next()
//	    if err == io.EOF {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Print(chunk.Content)
//	}
//
// Closing a stream, or cancelling its context, drops the connection right
// away rather than reading the rest of the body.
package ollama
