// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memory is the recovery engine's link to long-term memory.
//
// Writes (circuit-breaker trips) go through an EventQueue so they survive the
// memory collaborator being absent: events are queued in-process, optionally
// journaled to Badger, and flushed oldest-first once a Store accepts them.
// Reads (similar-error lookups) go straight to the Store.
package memory

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors.
var (
	// ErrQueueFull is returned by Enqueue when the pending queue is at capacity.
	ErrQueueFull = errors.New("pending event queue is full")

	// ErrStoreUnavailable is returned by Flush when no store is attached.
	ErrStoreUnavailable = errors.New("memory store unavailable")

	// ErrInvalidInsight is returned when an insight fails validation.
	ErrInvalidInsight = errors.New("invalid insight")
)

// InsightType classifies a stored insight.
type InsightType string

const (
	// InsightCircuitBreakerTrip records a run's breaker opening.
	InsightCircuitBreakerTrip InsightType = "circuit_breaker_trip"

	// InsightError records a concrete failure and how it was resolved.
	InsightError InsightType = "error"

	// InsightPattern records a recurring pattern learned across runs.
	InsightPattern InsightType = "pattern"
)

// IsErrorType reports whether insights of this type describe a concrete
// failure, as opposed to a general pattern.
func (t InsightType) IsErrorType() bool {
	return t == InsightError || t == InsightCircuitBreakerTrip
}

// Severity of an insight.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Insight is one structured long-term memory write.
type Insight struct {
	ID         string      `json:"id"`
	Type       InsightType `json:"type"`
	RunID      string      `json:"run_id"`
	PhaseID    string      `json:"phase_id,omitempty"`
	Severity   Severity    `json:"severity"`
	Confidence float64     `json:"confidence"`
	Content    string      `json:"content"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Validate checks required fields.
func (i Insight) Validate() error {
	switch {
	case i.ID == "":
		return errors.Join(ErrInvalidInsight, errors.New("id is required"))
	case i.RunID == "":
		return errors.Join(ErrInvalidInsight, errors.New("run_id is required"))
	case i.Content == "":
		return errors.Join(ErrInvalidInsight, errors.New("content is required"))
	case i.Confidence < 0 || i.Confidence > 1:
		return errors.Join(ErrInvalidInsight, errors.New("confidence must be in [0,1]"))
	}
	return nil
}

// Match is one similarity search hit.
type Match struct {
	Insight Insight `json:"insight"`

	// Score is the store's relevance in [0,1], higher is closer.
	Score float64 `json:"score"`
}

// Store is the long-term memory collaborator.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// WriteInsight persists one insight. A nil error confirms the write.
	WriteInsight(ctx context.Context, insight Insight) error

	// SearchSimilar returns up to limit insights semantically close to query,
	// best first.
	SearchSimilar(ctx context.Context, query string, limit int) ([]Match, error)
}
