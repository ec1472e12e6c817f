// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultOllamaModel   = "gpt-oss"
	defaultOllamaBaseURL = "http://localhost:11434"
)

// OllamaClient talks to a local Ollama server through langchaingo. One
// langchaingo model handle is kept per model name so cheap and strong tiers
// can share the client.
type OllamaClient struct {
	baseURL      string
	model        string
	systemPrompt string
	logger       *slog.Logger

	mu     sync.Mutex
	models map[string]*ollama.LLM
}

// NewOllamaClient creates an Ollama backend. No API key is needed.
func NewOllamaClient(cfg Config, logger *slog.Logger) (*OllamaClient, error) {
	logger = componentLogger(logger, BackendOllama)
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	model := cfg.Model
	if model == "" {
		logger.Warn("model not set, using default", slog.String("model", defaultOllamaModel))
		model = defaultOllamaModel
	}
	c := &OllamaClient{
		baseURL:      baseURL,
		model:        model,
		systemPrompt: cfg.SystemPrompt,
		logger:       logger,
		models:       make(map[string]*ollama.LLM),
	}
	if _, err := c.handle(model); err != nil {
		return nil, err
	}
	logger.Info("initializing Ollama client", slog.String("base_url", baseURL), slog.String("model", model))
	return c, nil
}

func (c *OllamaClient) handle(model string) (*ollama.LLM, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if llm, ok := c.models[model]; ok {
		return llm, nil
	}
	opts := []ollama.Option{ollama.WithModel(model), ollama.WithServerURL(c.baseURL)}
	if c.systemPrompt != "" {
		opts = append(opts, ollama.WithSystemPrompt(c.systemPrompt))
	}
	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("ollama model %s: %w", model, err)
	}
	c.models[model] = llm
	return llm, nil
}

// Generate implements Client.
func (c *OllamaClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	model := modelFor(params, c.model)
	ctx, span := tracer.Start(ctx, "OllamaClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", model))

	llm, err := c.handle(model)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "model init failed")
		return "", err
	}

	var opts []llms.CallOption
	if params.Temperature != nil {
		opts = append(opts, llms.WithTemperature(float64(*params.Temperature)))
	} else {
		opts = append(opts, llms.WithTemperature(0.2))
	}
	if params.MaxTokens != nil {
		opts = append(opts, llms.WithMaxTokens(*params.MaxTokens))
	}
	if len(params.Stop) > 0 {
		opts = append(opts, llms.WithStopWords(params.Stop))
	}

	text, err := llms.GenerateFromSinglePrompt(ctx, llm, prompt, opts...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generate failed")
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		span.SetStatus(codes.Error, "empty response")
		return "", fmt.Errorf("ollama: %w", ErrEmptyResponse)
	}
	c.logger.Debug("received response", slog.String("model", model), slog.Int("chars", len(text)))
	return text, nil
}
