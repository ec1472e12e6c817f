// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// NewWeaviateClient builds a client from a URL such as
// "http://localhost:8080". A bare host defaults to http.
func NewWeaviateClient(url string) (*weaviate.Client, error) {
	if url == "" {
		return nil, errors.New("weaviate url must not be empty")
	}
	cfg := weaviate.Config{Host: url, Scheme: "http"}
	switch {
	case strings.HasPrefix(url, "https://"):
		cfg.Scheme = "https"
		cfg.Host = strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		cfg.Host = strings.TrimPrefix(url, "http://")
	}
	client, err := weaviate.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	return client, nil
}

// WeaviateStore persists recovery insights in Weaviate and serves
// similar-error lookups by nearText search.
//
// Thread Safety: Safe for concurrent use.
type WeaviateStore struct {
	client       *weaviate.Client
	dataSpace    string
	minCertainty float64
	logger       *slog.Logger
}

// NewWeaviateStore creates a store scoped to dataSpace.
//
// Inputs:
//   - client: Weaviate client. Must not be nil.
//   - dataSpace: Project isolation key. Must not be empty.
//   - minCertainty: Matches below this certainty are dropped.
//   - logger: Nil uses slog.Default().
func NewWeaviateStore(client *weaviate.Client, dataSpace string, minCertainty float64, logger *slog.Logger) (*WeaviateStore, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	if dataSpace == "" {
		return nil, errors.New("dataSpace must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WeaviateStore{
		client:       client,
		dataSpace:    dataSpace,
		minCertainty: minCertainty,
		logger:       logger.With(slog.String("component", "weaviate_store")),
	}, nil
}

// WriteInsight stores one insight.
func (s *WeaviateStore) WriteInsight(ctx context.Context, insight Insight) error {
	if err := insight.Validate(); err != nil {
		return err
	}
	if insight.CreatedAt.IsZero() {
		insight.CreatedAt = time.Now().UTC()
	}

	_, err := s.client.Data().Creator().
		WithClassName(RecoveryInsightClassName).
		WithProperties(s.toProperties(insight)).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("storing insight in weaviate: %w", err)
	}

	s.logger.Debug("stored insight",
		slog.String("insight_id", insight.ID),
		slog.String("type", string(insight.Type)),
		slog.String("run_id", insight.RunID))
	return nil
}

// SearchSimilar runs a nearText query over insight content.
func (s *WeaviateStore) SearchSimilar(ctx context.Context, query string, limit int) ([]Match, error) {
	if limit <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}

	where := filters.Where().
		WithPath([]string{"dataSpace"}).
		WithOperator(filters.Equal).
		WithValueString(s.dataSpace)

	nearText := s.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{query})
	if s.minCertainty > 0 {
		nearText = nearText.WithCertainty(float32(s.minCertainty))
	}

	result, err := s.client.GraphQL().Get().
		WithClassName(RecoveryInsightClassName).
		WithFields(queryFields()...).
		WithWhere(where).
		WithNearText(nearText).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("search error: %s", result.Errors[0].Message)
	}
	return parseMatches(result), nil
}

func (s *WeaviateStore) toProperties(i Insight) map[string]interface{} {
	return map[string]interface{}{
		"insightId":   i.ID,
		"insightType": string(i.Type),
		"runId":       i.RunID,
		"phaseId":     i.PhaseID,
		"severity":    string(i.Severity),
		"dataSpace":   s.dataSpace,
		"content":     i.Content,
		"confidence":  i.Confidence,
		"createdAt":   i.CreatedAt.Format(time.RFC3339),
	}
}

func queryFields() []graphql.Field {
	return []graphql.Field{
		{Name: "insightId"},
		{Name: "insightType"},
		{Name: "runId"},
		{Name: "phaseId"},
		{Name: "severity"},
		{Name: "content"},
		{Name: "confidence"},
		{Name: "createdAt"},
		{Name: "_additional { certainty distance }"},
	}
}

// parseMatches converts a GraphQL Get response into matches, skipping
// malformed objects.
func parseMatches(result *models.GraphQLResponse) []Match {
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	objects, ok := data[RecoveryInsightClassName].([]interface{})
	if !ok {
		return nil
	}

	matches := make([]Match, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		insight := Insight{
			ID:         getString(m, "insightId"),
			Type:       InsightType(getString(m, "insightType")),
			RunID:      getString(m, "runId"),
			PhaseID:    getString(m, "phaseId"),
			Severity:   Severity(getString(m, "severity")),
			Content:    getString(m, "content"),
			Confidence: getFloat64(m, "confidence"),
		}
		if t, err := time.Parse(time.RFC3339, getString(m, "createdAt")); err == nil {
			insight.CreatedAt = t
		}

		score := 0.0
		if additional, ok := m["_additional"].(map[string]interface{}); ok {
			score = getFloat64(additional, "certainty")
			if score == 0 {
				if d := getFloat64(additional, "distance"); d > 0 {
					score = 1 - d/2
				}
			}
		}
		matches = append(matches, Match{Insight: insight, Score: score})
	}
	return matches
}

func getString(m map[string]interface{}, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func getFloat64(m map[string]interface{}, key string) float64 {
	switch n := m[key].(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}
