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

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const defaultOpenAIModel = "gpt-4o-mini"

type OpenAIClient struct {
	client       *openai.Client
	model        string
	systemPrompt string
	logger       *slog.Logger
}

// NewOpenAIClient creates an OpenAI chat completion backend. BaseURL, when
// set, points at any OpenAI-compatible endpoint.
func NewOpenAIClient(cfg Config, logger *slog.Logger) (*OpenAIClient, error) {
	logger = componentLogger(logger, BackendOpenAI)
	apiKey, err := resolveAPIKey(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
		logger.Warn("model not set, using default", slog.String("model", model))
	}

	oc := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	logger.Info("initializing OpenAI client", slog.String("model", model))
	return &OpenAIClient{
		client:       openai.NewClientWithConfig(oc),
		model:        model,
		systemPrompt: cfg.SystemPrompt,
		logger:       logger,
	}, nil
}

// Generate implements Client.
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	model := modelFor(params, o.model)
	ctx, span := tracer.Start(ctx, "OpenAIClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", model))

	var messages []openai.ChatCompletionMessage
	if o.systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: o.systemPrompt})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	req := openai.ChatCompletionRequest{Model: model, Messages: messages}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat completion failed")
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		span.SetStatus(codes.Error, "empty response")
		return "", fmt.Errorf("openai: %w", ErrEmptyResponse)
	}
	span.SetAttributes(
		attribute.Int("llm.prompt_tokens", resp.Usage.PromptTokens),
		attribute.Int("llm.completion_tokens", resp.Usage.CompletionTokens),
	)
	o.logger.Debug("received response",
		slog.String("model", model),
		slog.String("finish_reason", string(resp.Choices[0].FinishReason)))
	return resp.Choices[0].Message.Content, nil
}
