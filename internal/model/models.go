// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"fmt"
	"time"

	"github.com/jeranaias/ollama-chat/internal/ollama"
)

// =============================================================================
// MODEL STATUS
// =============================================================================

// ModelStatus describes what the registry is currently doing with a model.
type ModelStatus int

const (
	ModelReady ModelStatus = iota
	ModelPulling
	ModelDeleting
)

// String returns the status name.
func (s ModelStatus) String() string {
	switch s {
	case ModelReady:
		return "ready"
	case ModelPulling:
		return "pulling"
	case ModelDeleting:
		return "deleting"
	default:
		return "unknown"
	}
}

// =============================================================================
// MODEL TYPE
// =============================================================================

// Model is one entry in the model registry. Name is unique.
type Model struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest"`
	ModifiedAt time.Time `json:"modified_at"`

	// Details reported by the server, when known
	Family        string `json:"family,omitempty"`
	ParameterSize string `json:"parameter_size,omitempty"`
	Quantization  string `json:"quantization,omitempty"`

	// Local is true once the model is fully present on the server.
	Local  bool        `json:"local"`
	Status ModelStatus `json:"-"`
}

// FromInfo converts a server model listing entry.
func FromInfo(info ollama.ModelInfo) Model {
	return Model{
		Name:          info.Name,
		Size:          info.Size,
		Digest:        info.Digest,
		ModifiedAt:    info.ModifiedAt,
		Family:        info.Details.Family,
		ParameterSize: info.Details.ParameterSize,
		Quantization:  info.Details.QuantizationLevel,
		Local:         true,
		Status:        ModelReady,
	}
}

// FormatSize returns the model size in human-readable units.
func (m Model) FormatSize() string {
	return FormatBytes(m.Size)
}

// ShortDigest returns the first 12 characters of the digest.
func (m Model) ShortDigest() string {
	if len(m.Digest) > 12 {
		return m.Digest[:12]
	}
	return m.Digest
}

// FormatBytes formats a byte count as B, KB, MB or GB.
func FormatBytes(n int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case n >= gb:
		return fmt.Sprintf("%.1f GB", float64(n)/gb)
	case n >= mb:
		return fmt.Sprintf("%.1f MB", float64(n)/mb)
	case n >= kb:
		return fmt.Sprintf("%.1f KB", float64(n)/kb)
	default:
		return fmt.Sprintf("%d B", n)
	}
}
