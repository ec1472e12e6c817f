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
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openAIServer(t *testing.T, content string, seen *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if seen != nil {
			_ = json.NewDecoder(r.Body).Decode(seen)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIClient_Generate(t *testing.T) {
	var body map[string]any
	srv := openAIServer(t, `{"action":"replan"}`, &body)

	c, err := NewOpenAIClient(Config{APIKey: "test", BaseURL: srv.URL + "/v1", Model: "cheap", SystemPrompt: "be terse"}, nil)
	require.NoError(t, err)

	temp := float32(0.1)
	out, err := c.Generate(context.Background(), "diagnose", GenerationParams{Model: "strong", Temperature: &temp})
	require.NoError(t, err)
	assert.Equal(t, `{"action":"replan"}`, out)
	assert.Equal(t, "strong", body["model"])

	msgs, ok := body["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 2)
}

func TestOpenAIClient_EmptyResponse(t *testing.T) {
	srv := openAIServer(t, "", nil)
	c, err := NewOpenAIClient(Config{APIKey: "test", BaseURL: srv.URL + "/v1"}, nil)
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), "diagnose", GenerationParams{})
	assert.True(t, errors.Is(err, ErrEmptyResponse))
}

func TestOpenAIClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}))
	defer srv.Close()

	c, err := NewOpenAIClient(Config{APIKey: "test", BaseURL: srv.URL + "/v1"}, nil)
	require.NoError(t, err)
	_, err = c.Generate(context.Background(), "diagnose", GenerationParams{})
	assert.Error(t, err)
}

func TestResolveAPIKey(t *testing.T) {
	logger := componentLogger(nil, "test")

	_, err := resolveAPIKey(Config{}, logger)
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(path, []byte("  secret\n"), 0o600))
	key, err := resolveAPIKey(Config{APIKeyFile: path}, logger)
	require.NoError(t, err)
	assert.Equal(t, "secret", key)

	_, err = resolveAPIKey(Config{APIKeyFile: filepath.Join(t.TempDir(), "missing")}, logger)
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestNew_Backends(t *testing.T) {
	_, err := New(context.Background(), Config{Backend: "bogus"}, nil)
	assert.ErrorIs(t, err, ErrUnknownBackend)

	_, err = New(context.Background(), Config{Backend: BackendOpenAI}, nil)
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	c, err := New(context.Background(), Config{Backend: BackendOllama, BaseURL: "http://127.0.0.1:1/"}, nil)
	require.NoError(t, err)
	oc, ok := c.(*OllamaClient)
	require.True(t, ok)
	assert.Equal(t, "http://127.0.0.1:1", oc.baseURL)
	assert.Equal(t, defaultOllamaModel, oc.model)
}

func TestModelFor(t *testing.T) {
	assert.Equal(t, "base", modelFor(GenerationParams{}, "base"))
	assert.Equal(t, "override", modelFor(GenerationParams{Model: "override"}, "base"))
}
