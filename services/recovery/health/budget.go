// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package health tracks per-run failure health: the HealthBudget counters
// that bias adjudication toward rollback, and the CircuitBreaker that halts
// dispatch after consecutive failures.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/AleutianRecovery/services/recovery/datatypes"
)

// ErrCircuitOpen is the run-level signal that no further phase attempts may
// be dispatched. It is the only error the engine surfaces to the executor
// for a failure it was able to diagnose.
var ErrCircuitOpen = errors.New("circuit breaker open: run halted")

// DefaultRollbackThreshold is the health ratio at which rollback should be
// considered.
const DefaultRollbackThreshold = 0.8

// Config configures per-run health tracking.
type Config struct {
	// FailureThreshold is the consecutive failures that open the breaker.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold" validate:"gte=1"`

	// TotalCap is the failure budget fixed at run start.
	TotalCap int `yaml:"total_cap" json:"total_cap" validate:"gte=1"`

	// RollbackThreshold is the health ratio passed to ShouldConsiderRollback.
	RollbackThreshold float64 `yaml:"rollback_threshold" json:"rollback_threshold" validate:"gt=0,lte=1"`
}

// DefaultConfig returns the default health settings.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		TotalCap:          25,
		RollbackThreshold: DefaultRollbackThreshold,
	}
}

// HealthBudget holds one run's failure counters.
//
// total_failures only increases and total_cap never changes after
// construction.
//
// Thread Safety: Safe for concurrent use.
type HealthBudget struct {
	mu            sync.RWMutex
	http500       int
	patchFailures int
	total         int
	totalCap      int
}

// NewHealthBudget creates a budget with a fixed cap.
func NewHealthBudget(totalCap int) *HealthBudget {
	return &HealthBudget{totalCap: totalCap}
}

// RecordFailure increments the total and the counter for kind. Unknown
// kinds count toward the total only.
func (b *HealthBudget) RecordFailure(kind datatypes.FailureKind) {
	kind = kind.Normalize()

	b.mu.Lock()
	b.total++
	switch kind {
	case datatypes.FailureKindHTTP500:
		b.http500++
	case datatypes.FailureKindPatch:
		b.patchFailures++
	}
	b.mu.Unlock()

	failuresByKind.WithLabelValues(string(kind)).Inc()
}

// HealthRatio returns total_failures / max(total_cap, 1).
func (b *HealthBudget) HealthRatio() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ratioLocked()
}

func (b *HealthBudget) ratioLocked() float64 {
	denom := b.totalCap
	if denom < 1 {
		denom = 1
	}
	return float64(b.total) / float64(denom)
}

// ShouldConsiderRollback reports whether the health ratio meets or exceeds
// threshold. It is an input to adjudication, never a trigger on its own.
func (b *HealthBudget) ShouldConsiderRollback(threshold float64) bool {
	return b.HealthRatio() >= threshold
}

// Snapshot returns an immutable copy of the counters.
func (b *HealthBudget) Snapshot() datatypes.HealthSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return datatypes.HealthSnapshot{
		HTTP500:       b.http500,
		PatchFailures: b.patchFailures,
		TotalFailures: b.total,
		TotalCap:      b.totalCap,
		HealthRatio:   b.ratioLocked(),
	}
}

// Monitor pairs one run's HealthBudget with its CircuitBreaker.
//
// Thread Safety: Safe for concurrent use.
type Monitor struct {
	config  Config
	budget  *HealthBudget
	breaker *CircuitBreaker
}

// NewMonitor creates health tracking for runID.
//
// Inputs:
//   - runID: Run identifier.
//   - config: Thresholds. Invalid values fall back to defaults.
//   - sink: Receives the breaker trip event. May be nil.
//   - logger: Nil uses slog.Default().
func NewMonitor(runID string, config Config, sink TripSink, logger *slog.Logger) *Monitor {
	def := DefaultConfig()
	if config.TotalCap < 1 {
		config.TotalCap = def.TotalCap
	}
	if config.RollbackThreshold <= 0 {
		config.RollbackThreshold = def.RollbackThreshold
	}
	if config.FailureThreshold < 1 {
		config.FailureThreshold = def.FailureThreshold
	}
	return &Monitor{
		config:  config,
		budget:  NewHealthBudget(config.TotalCap),
		breaker: NewCircuitBreaker(runID, config.FailureThreshold, sink, logger),
	}
}

// RecordFailure updates both the budget and the breaker.
//
// Outputs:
//   - error: ErrCircuitOpen (wrapped with the run's failure count) if the
//     breaker is open after this failure.
func (m *Monitor) RecordFailure(ctx context.Context, kind datatypes.FailureKind, reason string) error {
	m.budget.RecordFailure(kind)
	m.breaker.RecordFailure(ctx, reason)
	if m.breaker.IsOpen() {
		return fmt.Errorf("%w after %d failures", ErrCircuitOpen, m.budget.Snapshot().TotalFailures)
	}
	return nil
}

// RecordSuccess resets the breaker's consecutive count.
func (m *Monitor) RecordSuccess() {
	m.breaker.RecordSuccess()
}

// ShouldConsiderRollback applies the configured rollback threshold.
func (m *Monitor) ShouldConsiderRollback() bool {
	return m.budget.ShouldConsiderRollback(m.config.RollbackThreshold)
}

// RollbackThreshold returns the configured threshold.
func (m *Monitor) RollbackThreshold() float64 {
	return m.config.RollbackThreshold
}

// Budget returns the run's HealthBudget.
func (m *Monitor) Budget() *HealthBudget {
	return m.budget
}

// Breaker returns the run's CircuitBreaker.
func (m *Monitor) Breaker() *CircuitBreaker {
	return m.breaker
}
