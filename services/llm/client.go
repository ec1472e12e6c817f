// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the outbound reasoning call used by the recovery
// adjudicator. Each backend turns one prompt into one text response.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("aleutian.recovery.llm")

var (
	// ErrMissingAPIKey is returned when a hosted backend has no credentials.
	ErrMissingAPIKey = errors.New("api key not configured")

	// ErrEmptyResponse is returned when a backend answers with no text.
	ErrEmptyResponse = errors.New("empty response from model")

	// ErrUnknownBackend is returned by New for an unsupported backend name.
	ErrUnknownBackend = errors.New("unknown llm backend")
)

// Backend names accepted by New.
const (
	BackendOpenAI = "openai"
	BackendOllama = "ollama"
	BackendGemini = "gemini"
)

// GenerationParams tunes one call. Nil fields use the backend default.
type GenerationParams struct {
	// Model overrides the client's default model for this call.
	Model       string   `json:"model,omitempty"`
	Temperature *float32 `json:"temperature"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Client is a single-prompt, single-response reasoning backend.
type Client interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}

// Config selects and configures a backend.
type Config struct {
	Backend string `yaml:"backend" json:"backend" validate:"omitempty,oneof=openai ollama gemini"`
	Model   string `yaml:"model" json:"model"`
	BaseURL string `yaml:"base_url" json:"base_url"`

	// APIKey is never logged. When empty, APIKeyFile is read instead.
	APIKey     string `yaml:"-" json:"-"`
	APIKeyFile string `yaml:"api_key_file" json:"api_key_file"`

	SystemPrompt string `yaml:"system_prompt" json:"system_prompt"`
}

// New builds the backend named by cfg.Backend.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Client, error) {
	switch strings.ToLower(cfg.Backend) {
	case BackendOpenAI, "":
		return NewOpenAIClient(cfg, logger)
	case BackendOllama:
		return NewOllamaClient(cfg, logger)
	case BackendGemini:
		return NewGeminiClient(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

// resolveAPIKey returns cfg.APIKey, falling back to the secret file.
func resolveAPIKey(cfg Config, logger *slog.Logger) (string, error) {
	if cfg.APIKey != "" {
		return cfg.APIKey, nil
	}
	if cfg.APIKeyFile == "" {
		return "", ErrMissingAPIKey
	}
	data, err := os.ReadFile(cfg.APIKeyFile)
	if err != nil {
		return "", fmt.Errorf("%w: reading %s: %v", ErrMissingAPIKey, cfg.APIKeyFile, err)
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return "", ErrMissingAPIKey
	}
	logger.Info("read api key from secret file", slog.String("path", cfg.APIKeyFile))
	return key, nil
}

func componentLogger(logger *slog.Logger, backend string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("component", "llm"), slog.String("backend", backend))
}

func modelFor(params GenerationParams, fallback string) string {
	if params.Model != "" {
		return params.Model
	}
	return fallback
}
