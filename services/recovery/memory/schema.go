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
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// RecoveryInsightClassName is the Weaviate class for recovery insights.
const RecoveryInsightClassName = "RecoveryInsight"

const vectorizer = "text2vec-transformers"

// skipVector excludes a property from vectorization.
func skipVector() map[string]interface{} {
	return map[string]interface{}{
		vectorizer: map[string]interface{}{"skip": true},
	}
}

// RecoveryInsightSchema returns the Weaviate class definition. Only content
// is vectorized; everything else is a filterable keyword field.
func RecoveryInsightSchema() *models.Class {
	filterable := true
	searchable := true

	keyword := func(name, description string) *models.Property {
		return &models.Property{
			Name:            name,
			DataType:        []string{"text"},
			Description:     description,
			IndexFilterable: &filterable,
			Tokenization:    "field",
			ModuleConfig:    skipVector(),
		}
	}

	return &models.Class{
		Class:       RecoveryInsightClassName,
		Description: "Failure diagnoses and circuit breaker trips from build runs",
		Vectorizer:  vectorizer,
		ModuleConfig: map[string]interface{}{
			vectorizer: map[string]interface{}{"vectorizeClassName": false},
		},
		InvertedIndexConfig: &models.InvertedIndexConfig{IndexTimestamps: true},
		Properties: []*models.Property{
			keyword("insightId", "Unique identifier (UUID)"),
			keyword("insightType", "circuit_breaker_trip, error, pattern"),
			keyword("runId", "Run that produced the insight"),
			keyword("phaseId", "Phase that produced the insight, if any"),
			keyword("severity", "info, warning, critical"),
			keyword("dataSpace", "Project isolation key"),
			{
				Name:            "content",
				DataType:        []string{"text"},
				Description:     "Human-readable summary of the failure",
				IndexSearchable: &searchable,
				Tokenization:    "word",
			},
			{
				Name:         "confidence",
				DataType:     []string{"number"},
				Description:  "Confidence from 0.0 to 1.0",
				ModuleConfig: skipVector(),
			},
			{
				Name:         "createdAt",
				DataType:     []string{"date"},
				Description:  "When the insight was recorded",
				ModuleConfig: skipVector(),
			},
		},
	}
}

// EnsureSchema creates the RecoveryInsight class if it does not exist.
// Idempotent.
func EnsureSchema(ctx context.Context, client *weaviate.Client, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := client.Schema().ClassGetter().WithClassName(RecoveryInsightClassName).Do(ctx); err == nil {
		return nil
	}

	logger.Info("creating weaviate class", slog.String("class", RecoveryInsightClassName))
	if err := client.Schema().ClassCreator().WithClass(RecoveryInsightSchema()).Do(ctx); err != nil {
		return fmt.Errorf("creating %s schema: %w", RecoveryInsightClassName, err)
	}
	return nil
}
