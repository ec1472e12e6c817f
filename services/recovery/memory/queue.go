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
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"
)

// QueueConfig configures the pending event queue.
type QueueConfig struct {
	// Capacity bounds the number of pending events.
	Capacity int `yaml:"capacity" json:"capacity" validate:"gte=1"`

	// FlushInterval is the minimum spacing between opportunistic flushes.
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval" validate:"gte=0"`

	// FlushTimeout bounds one Flush call when the caller has no deadline.
	FlushTimeout time.Duration `yaml:"flush_timeout" json:"flush_timeout" validate:"gt=0"`
}

// DefaultQueueConfig returns the default queue settings.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Capacity:      256,
		FlushInterval: 5 * time.Second,
		FlushTimeout:  10 * time.Second,
	}
}

// Journal durably mirrors the pending queue so events survive a restart.
type Journal interface {
	// Append persists insight under key.
	Append(ctx context.Context, key string, insight Insight) error

	// Remove deletes key after a confirmed store write.
	Remove(ctx context.Context, key string) error

	// Load returns every persisted event in key order.
	Load(ctx context.Context) ([]PendingEvent, error)
}

// PendingEvent is one queued insight and its journal key.
type PendingEvent struct {
	Key     string  `json:"key"`
	Insight Insight `json:"insight"`
}

// EventQueue is a bounded FIFO of insights awaiting a confirmed store write.
//
// # Description
//
// Enqueue never touches the store. Flush writes oldest-first and removes an
// entry only after the store confirms it, stopping at the first failure, so
// delivery is at-least-once and order is preserved. Only one flush runs at a
// time.
//
// Thread Safety: Safe for concurrent use.
type EventQueue struct {
	config  QueueConfig
	journal Journal
	logger  *slog.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	pending []PendingEvent
	store   Store

	flushMu sync.Mutex
}

// NewEventQueue creates a queue and reloads any journaled events.
//
// Inputs:
//   - ctx: Bounds the journal load.
//   - config: Queue settings.
//   - store: Memory collaborator. May be nil (events stay queued).
//   - journal: Durable mirror. May be nil (in-process only).
//   - logger: Nil uses slog.Default().
//
// Outputs:
//   - *EventQueue: Ready to use.
//   - error: Non-nil if the journal cannot be loaded.
func NewEventQueue(ctx context.Context, config QueueConfig, store Store, journal Journal, logger *slog.Logger) (*EventQueue, error) {
	if config.Capacity <= 0 {
		config.Capacity = DefaultQueueConfig().Capacity
	}
	if config.FlushTimeout <= 0 {
		config.FlushTimeout = DefaultQueueConfig().FlushTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if config.FlushInterval > 0 {
		limit = rate.Every(config.FlushInterval)
	}

	q := &EventQueue{
		config:  config,
		journal: journal,
		logger:  logger.With(slog.String("component", "event_queue")),
		limiter: rate.NewLimiter(limit, 1),
		store:   store,
	}

	if journal != nil {
		events, err := journal.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading event journal: %w", err)
		}
		if len(events) > config.Capacity {
			q.logger.Error("journal holds more events than queue capacity, keeping oldest",
				slog.Int("journaled", len(events)),
				slog.Int("capacity", config.Capacity))
			events = events[:config.Capacity]
		}
		q.pending = events
		if len(events) > 0 {
			q.logger.Info("reloaded pending events", slog.Int("count", len(events)))
		}
	}
	queueDepth.Set(float64(len(q.pending)))
	return q, nil
}

// SetStore attaches or replaces the memory collaborator. Pending events are
// written on the next flush.
func (q *EventQueue) SetStore(store Store) {
	q.mu.Lock()
	q.store = store
	q.mu.Unlock()
}

// Enqueue appends insight to the queue and journal.
//
// Outputs:
//   - error: ErrQueueFull when at capacity (the new event is dropped and the
//     oldest pending events are kept), or a journal write error.
func (q *EventQueue) Enqueue(ctx context.Context, insight Insight) error {
	if err := insight.Validate(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) >= q.config.Capacity {
		queueRejected.Inc()
		q.logger.Error("pending event queue full, dropping event",
			slog.String("insight_id", insight.ID),
			slog.String("run_id", insight.RunID),
			slog.Int("capacity", q.config.Capacity))
		return ErrQueueFull
	}

	event := PendingEvent{Key: ulid.Make().String(), Insight: insight}
	if q.journal != nil {
		if err := q.journal.Append(ctx, event.Key, insight); err != nil {
			return fmt.Errorf("journaling event: %w", err)
		}
	}
	q.pending = append(q.pending, event)
	queueDepth.Set(float64(len(q.pending)))
	return nil
}

// Flush writes pending events oldest-first until the queue drains or a write
// fails.
//
// Outputs:
//   - int: Number of events confirmed and removed.
//   - error: ErrStoreUnavailable if no store is attached, else the first
//     write error. Already-flushed events stay removed.
func (q *EventQueue) Flush(ctx context.Context) (int, error) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.config.FlushTimeout)
		defer cancel()
	}

	flushed := 0
	for {
		q.mu.Lock()
		store := q.store
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return flushed, nil
		}
		head := q.pending[0]
		q.mu.Unlock()

		if store == nil {
			return flushed, ErrStoreUnavailable
		}
		if err := ctx.Err(); err != nil {
			return flushed, err
		}

		if err := store.WriteInsight(ctx, head.Insight); err != nil {
			flushFailures.Inc()
			q.logger.Warn("pending event write failed",
				slog.String("insight_id", head.Insight.ID),
				slog.String("error", err.Error()))
			return flushed, fmt.Errorf("writing insight %s: %w", head.Insight.ID, err)
		}

		// Only the flusher removes entries, so the head is unchanged.
		q.mu.Lock()
		q.pending = q.pending[1:]
		queueDepth.Set(float64(len(q.pending)))
		q.mu.Unlock()

		if q.journal != nil {
			if err := q.journal.Remove(ctx, head.Key); err != nil {
				q.logger.Warn("journal remove failed, event may be redelivered after restart",
					slog.String("key", head.Key),
					slog.String("error", err.Error()))
			}
		}
		flushed++
		eventsFlushed.Inc()
	}
}

// FlushOpportunistic flushes at most once per FlushInterval. Missing stores
// and write failures are logged, never returned; the events stay queued.
func (q *EventQueue) FlushOpportunistic(ctx context.Context) int {
	if q.Len() == 0 || !q.limiter.Allow() {
		return 0
	}
	return q.flushLogged(ctx, "opportunistic")
}

// FlushPending flushes immediately, ignoring FlushInterval. Callers use it
// right after an enqueue so a fresh event reaches an available store without
// waiting for the next diagnosis. Errors are logged like FlushOpportunistic.
func (q *EventQueue) FlushPending(ctx context.Context) int {
	if q.Len() == 0 {
		return 0
	}
	return q.flushLogged(ctx, "immediate")
}

func (q *EventQueue) flushLogged(ctx context.Context, trigger string) int {
	n, err := q.Flush(ctx)
	if err != nil && !errors.Is(err, ErrStoreUnavailable) {
		q.logger.Debug("flush stopped",
			slog.String("trigger", trigger),
			slog.Int("flushed", n),
			slog.String("error", err.Error()))
	}
	return n
}

// Len returns the number of pending events.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Pending returns a copy of the pending events, oldest first.
func (q *EventQueue) Pending() []PendingEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingEvent, len(q.pending))
	copy(out, q.pending)
	return out
}
