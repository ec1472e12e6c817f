// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/AleutianAI/AleutianRecovery/services/recovery/storage/badger"
)

// FallbackRecord captures one recovered fallback for later analysis.
type FallbackRecord struct {
	ID             string    `json:"id"`
	Time           time.Time `json:"time"`
	RunID          string    `json:"run_id"`
	PhaseID        string    `json:"phase_id"`
	Attempt        int       `json:"attempt"`
	Model          string    `json:"model,omitempty"`
	Stage          string    `json:"stage"`
	ErrorType      string    `json:"error_type"`
	Detail         string    `json:"detail,omitempty"`
	ResponsePrefix string    `json:"response_prefix,omitempty"`
}

// Fallback error types.
const (
	FallbackTimeout     = "timeout"
	FallbackCallFailed  = "call_failed"
	FallbackParseStage  = "parse_fallback"
	FallbackUnparseable = "unparseable"
	FallbackDowngrade   = "unsafe_execute_fix"
	FallbackPromptError = "prompt_error"
)

// FallbackRecorder receives fallback records. Record must never block.
type FallbackRecorder interface {
	Record(rec FallbackRecord)
}

type nopRecorder struct{}

func (nopRecorder) Record(FallbackRecord) {}

// BufferedRecorder keeps the most recent records in memory and drops new
// ones once full.
//
// Thread Safety: Safe for concurrent use.
type BufferedRecorder struct {
	mu       sync.Mutex
	capacity int
	records  []FallbackRecord
	dropped  int
}

// NewBufferedRecorder creates a recorder holding up to capacity records.
func NewBufferedRecorder(capacity int) *BufferedRecorder {
	if capacity <= 0 {
		capacity = 256
	}
	return &BufferedRecorder{capacity: capacity}
}

// Record implements FallbackRecorder.
func (b *BufferedRecorder) Record(rec FallbackRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) >= b.capacity {
		b.dropped++
		fallbacksDropped.Inc()
		return
	}
	b.records = append(b.records, rec)
}

// Drain returns and clears the buffered records.
func (b *BufferedRecorder) Drain() []FallbackRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.records
	b.records = nil
	return out
}

// Dropped returns how many records were discarded because the buffer was full.
func (b *BufferedRecorder) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

const fallbackPrefix = "recovery/fallback/"

// BadgerRecorder persists records asynchronously under ULID keys.
//
// # Description
//
// Record hands the record to a background writer through a bounded channel
// and returns immediately. When the channel is full the record is dropped
// and counted. Close drains what is queued and stops the writer.
//
// Thread Safety: Safe for concurrent use.
type BadgerRecorder struct {
	db     *badger.DB
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	ch     chan FallbackRecord
	done   chan struct{}
}

// NewBadgerRecorder starts the background writer. The caller owns db and
// must call Close before closing it.
func NewBadgerRecorder(db *badger.DB, capacity int, logger *slog.Logger) (*BadgerRecorder, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &BadgerRecorder{
		db:     db,
		logger: logger.With(slog.String("component", "fallback_recorder")),
		ch:     make(chan FallbackRecord, capacity),
		done:   make(chan struct{}),
	}
	go r.run()
	return r, nil
}

// Record implements FallbackRecorder.
func (r *BadgerRecorder) Record(rec FallbackRecord) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		fallbacksDropped.Inc()
		return
	}
	select {
	case r.ch <- rec:
	default:
		fallbacksDropped.Inc()
		r.logger.Warn("fallback record dropped, writer backlog full",
			slog.String("run_id", rec.RunID),
			slog.String("error_type", rec.ErrorType))
	}
}

func (r *BadgerRecorder) run() {
	defer close(r.done)
	for rec := range r.ch {
		if rec.ID == "" {
			rec.ID = ulid.Make().String()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.db.PutJSON(ctx, []byte(fallbackPrefix+rec.ID), rec); err != nil {
			r.logger.Warn("failed to persist fallback record",
				slog.String("id", rec.ID),
				slog.String("error", err.Error()))
		}
		cancel()
	}
}

// Close flushes queued records and stops the writer. Safe to call twice.
func (r *BadgerRecorder) Close() error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()
	<-r.done
	return nil
}

// List returns persisted records in write order.
func (r *BadgerRecorder) List(ctx context.Context) ([]FallbackRecord, error) {
	var out []FallbackRecord
	err := r.db.ScanPrefix(ctx, []byte(fallbackPrefix), func(key, value []byte) error {
		var rec FallbackRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decoding fallback record %s: %w", key, err)
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
