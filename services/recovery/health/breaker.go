// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianRecovery/services/recovery/memory"
)

// CircuitState represents the breaker state.
type CircuitState int

const (
	// CircuitClosed is normal operation; phase attempts are dispatched.
	CircuitClosed CircuitState = iota

	// CircuitOpen halts dispatch until Reset.
	CircuitOpen
)

// String returns "closed", "open", or "unknown".
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// TripSink receives the durable event emitted when a breaker opens.
// memory.EventQueue satisfies it.
type TripSink interface {
	Enqueue(ctx context.Context, insight memory.Insight) error
}

// CircuitBreakerStats is a point-in-time view of a breaker.
type CircuitBreakerStats struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	FailureThreshold    int       `json:"failure_threshold"`
	TotalFailures       int64     `json:"total_failures"`
	Trips               int64     `json:"trips"`
	LastFailureReason   string    `json:"last_failure_reason,omitempty"`
	LastStateChange     time.Time `json:"last_state_change"`
}

// CircuitBreaker counts consecutive phase failures for one run and opens
// once the count reaches the threshold.
//
// # Description
//
// Unlike a request-level breaker there is no half-open probing: once open,
// the breaker stays open until Reset is called by an operator or a
// higher-level policy. The transition to open emits exactly one critical
// insight to the TripSink; repeated IsOpen or RecordFailure calls while open
// emit nothing further.
//
// Thread Safety: Safe for concurrent use.
type CircuitBreaker struct {
	runID     string
	threshold int
	sink      TripSink
	logger    *slog.Logger

	mu              sync.RWMutex
	state           CircuitState
	consecutive     int
	totalFailures   int64
	trips           int64
	lastReason      string
	lastStateChange time.Time
}

// NewCircuitBreaker creates a closed breaker for one run.
//
// Inputs:
//   - runID: Run the breaker guards; tagged on the trip event.
//   - threshold: Consecutive failures that open the breaker. Values < 1 use 1.
//   - sink: Receives trip events. May be nil.
//   - logger: Nil uses slog.Default().
func NewCircuitBreaker(runID string, threshold int, sink TripSink, logger *slog.Logger) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreaker{
		runID:           runID,
		threshold:       threshold,
		sink:            sink,
		logger:          logger,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
	}
}

// RecordFailure counts one failed phase attempt.
//
// Outputs:
//   - bool: True only on the call that transitioned the breaker to open.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context, reason string) bool {
	cb.mu.Lock()
	cb.totalFailures++
	cb.lastReason = reason
	if cb.state == CircuitOpen {
		cb.mu.Unlock()
		return false
	}
	cb.consecutive++
	if cb.consecutive < cb.threshold {
		cb.mu.Unlock()
		return false
	}

	cb.state = CircuitOpen
	cb.lastStateChange = time.Now()
	cb.trips++
	insight := cb.tripInsight()
	cb.mu.Unlock()

	breakerTrips.Inc()
	cb.logger.Error("circuit breaker opened",
		slog.String("run_id", cb.runID),
		slog.Int("consecutive_failures", cb.threshold),
		slog.String("last_failure", reason))
	cb.emit(ctx, insight)
	return true
}

// tripInsight builds the trip event. Must be called with lock held.
func (cb *CircuitBreaker) tripInsight() memory.Insight {
	return memory.Insight{
		ID:         uuid.NewString(),
		Type:       memory.InsightCircuitBreakerTrip,
		RunID:      cb.runID,
		Severity:   memory.SeverityCritical,
		Confidence: 1.0,
		Content: fmt.Sprintf("Circuit breaker opened after %d consecutive failures; last failure: %s",
			cb.consecutive, cb.lastReason),
		CreatedAt: time.Now().UTC(),
	}
}

// emit hands the trip event to the sink. The sink queues in-process, so this
// never waits on the memory collaborator.
func (cb *CircuitBreaker) emit(ctx context.Context, insight memory.Insight) {
	if cb.sink == nil {
		cb.logger.Warn("no trip sink configured, breaker event not recorded", slog.String("run_id", cb.runID))
		return
	}
	if err := cb.sink.Enqueue(context.WithoutCancel(ctx), insight); err != nil {
		cb.logger.Error("failed to queue breaker event",
			slog.String("run_id", cb.runID),
			slog.String("error", err.Error()))
	}
}

// RecordSuccess resets the consecutive count while closed. It does not
// close an open breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitClosed {
		cb.consecutive = 0
	}
}

// IsOpen reports whether dispatch must stop.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state == CircuitOpen
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset closes the breaker and clears the consecutive count. The next trip
// emits a new event.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen {
		cb.lastStateChange = time.Now()
	}
	cb.state = CircuitClosed
	cb.consecutive = 0
}

// Stats returns breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return CircuitBreakerStats{
		State:               cb.state.String(),
		ConsecutiveFailures: cb.consecutive,
		FailureThreshold:    cb.threshold,
		TotalFailures:       cb.totalFailures,
		Trips:               cb.trips,
		LastFailureReason:   cb.lastReason,
		LastStateChange:     cb.lastStateChange,
	}
}
