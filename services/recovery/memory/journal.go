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
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianRecovery/services/recovery/storage/badger"
)

const journalPrefix = "recovery/pending/"

// BadgerJournal persists pending events under ULID keys so a scan returns
// them in enqueue order.
//
// Thread Safety: Safe for concurrent use.
type BadgerJournal struct {
	db *badger.DB
}

// NewBadgerJournal wraps an open database. The caller owns db.
func NewBadgerJournal(db *badger.DB) (*BadgerJournal, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	return &BadgerJournal{db: db}, nil
}

// Append implements Journal.
func (j *BadgerJournal) Append(ctx context.Context, key string, insight Insight) error {
	return j.db.PutJSON(ctx, []byte(journalPrefix+key), insight)
}

// Remove implements Journal.
func (j *BadgerJournal) Remove(ctx context.Context, key string) error {
	return j.db.Delete(ctx, []byte(journalPrefix+key))
}

// Load implements Journal.
func (j *BadgerJournal) Load(ctx context.Context) ([]PendingEvent, error) {
	var events []PendingEvent
	err := j.db.ScanPrefix(ctx, []byte(journalPrefix), func(key, value []byte) error {
		var insight Insight
		if err := json.Unmarshal(value, &insight); err != nil {
			return fmt.Errorf("decoding journal entry %s: %w", key, err)
		}
		events = append(events, PendingEvent{
			Key:     strings.TrimPrefix(string(key), journalPrefix),
			Insight: insight,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}
