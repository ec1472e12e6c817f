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
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiClient calls Google's Gemini API.
type GeminiClient struct {
	client       *genai.Client
	model        string
	systemPrompt string
	logger       *slog.Logger
}

// NewGeminiClient creates a Gemini backend.
func NewGeminiClient(ctx context.Context, cfg Config, logger *slog.Logger) (*GeminiClient, error) {
	logger = componentLogger(logger, BackendGemini)
	apiKey, err := resolveAPIKey(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}

	cc := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	logger.Info("initializing Gemini client", slog.String("model", model))
	return &GeminiClient{client: client, model: model, systemPrompt: cfg.SystemPrompt, logger: logger}, nil
}

// Generate implements Client.
func (g *GeminiClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	model := modelFor(params, g.model)
	ctx, span := tracer.Start(ctx, "GeminiClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", model))

	config := &genai.GenerateContentConfig{}
	if g.systemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(g.systemPrompt, genai.RoleUser)
	}
	if params.Temperature != nil {
		t := *params.Temperature
		config.Temperature = &t
	}
	if params.MaxTokens != nil {
		config.MaxOutputTokens = int32(*params.MaxTokens)
	}
	if len(params.Stop) > 0 {
		config.StopSequences = params.Stop
	}

	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}
	resp, err := g.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generate content failed")
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		span.SetStatus(codes.Error, "empty response")
		return "", fmt.Errorf("gemini: %w", ErrEmptyResponse)
	}
	if resp.UsageMetadata != nil {
		span.SetAttributes(
			attribute.Int("llm.prompt_tokens", int(resp.UsageMetadata.PromptTokenCount)),
			attribute.Int("llm.completion_tokens", int(resp.UsageMetadata.CandidatesTokenCount)),
		)
	}
	g.logger.Debug("received response", slog.String("model", model), slog.Int("chars", len(text)))
	return text, nil
}
