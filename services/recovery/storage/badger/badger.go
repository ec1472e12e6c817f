// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger opens the embedded BadgerDB store used by the recovery
// engine for durable local state:
//
//   - the pending circuit-breaker event journal (memory.BadgerJournal)
//   - the adjudicator fallback audit log (doctor.BadgerRecorder)
//
// Both keep keys under a fixed prefix and values as JSON, so this package
// exposes small prefix-oriented helpers on top of the raw transaction API.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrPathRequired is returned when a persistent store has no path.
var ErrPathRequired = errors.New("path is required for persistent database")

// Config holds configuration for a BadgerDB instance.
type Config struct {
	// Path is the directory for database files. Ignored when InMemory is true.
	Path string `yaml:"path" json:"path"`

	// InMemory disables disk persistence. Used by tests.
	InMemory bool `yaml:"in_memory" json:"in_memory"`

	// SyncWrites fsyncs every commit.
	SyncWrites bool `yaml:"sync_writes" json:"sync_writes"`

	// Logger receives BadgerDB's internal logs. Nil disables them.
	Logger *slog.Logger `yaml:"-" json:"-"`

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration `yaml:"gc_interval" json:"gc_interval"`

	// GCDiscardRatio is the minimum garbage ratio before GC rewrites a file.
	GCDiscardRatio float64 `yaml:"gc_discard_ratio" json:"gc_discard_ratio" validate:"gte=0,lte=1"`
}

// DefaultConfig returns durable production settings. Path must be set.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns settings for tests: no disk, no fsync, no GC.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// DB wraps a BadgerDB instance with lifecycle management.
//
// Thread Safety: Safe for concurrent use.
type DB struct {
	db       *badger.DB
	inMemory bool

	stopGC    chan struct{}
	gcDone    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Open opens a BadgerDB with the given configuration and starts value log
// GC if configured.
//
// Inputs:
//   - cfg: Database configuration. Path is required unless InMemory is true.
//
// Outputs:
//   - *DB: The opened database. Caller must call Close.
//   - error: ErrPathRequired, or a wrapped badger open error.
func Open(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, ErrPathRequired
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	raw, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	d := &DB{db: raw, inMemory: cfg.InMemory}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		d.stopGC = make(chan struct{})
		d.gcDone = make(chan struct{})
		go d.runGC(cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
	}
	return d, nil
}

// OpenInMemory opens an in-memory database for tests.
func OpenInMemory() (*DB, error) {
	return Open(InMemoryConfig())
}

func (d *DB) runGC(interval time.Duration, ratio float64, logger *slog.Logger) {
	defer close(d.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite means nothing needed collecting.
			if err := d.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) && logger != nil {
				logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// Close stops GC and closes the database. Safe to call more than once.
func (d *DB) Close() error {
	d.closeOnce.Do(func() {
		if d.stopGC != nil {
			close(d.stopGC)
			<-d.gcDone
		}
		d.closeErr = d.db.Close()
	})
	return d.closeErr
}

// Sync flushes pending writes to disk. No-op in memory.
func (d *DB) Sync() error {
	if d.inMemory {
		return nil
	}
	return d.db.Sync()
}

// WithTxn runs fn in a read-write transaction and commits if fn returns nil.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	txn := d.db.NewTransaction(true)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// WithReadTxn runs fn in a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	txn := d.db.NewTransaction(false)
	defer txn.Discard()

	return fn(txn)
}

// PutJSON stores v as JSON under key.
func (d *DB) PutJSON(ctx context.Context, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return d.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// Delete removes key. Deleting a missing key is not an error.
func (d *DB) Delete(ctx context.Context, key []byte) error {
	return d.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// ScanPrefix calls fn for every key under prefix in ascending key order.
// Iteration stops at the first error returned by fn.
func (d *DB) ScanPrefix(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	return d.WithReadTxn(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 64})
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			value, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read %s: %w", key, err)
			}
			if err := fn(key, value); err != nil {
				return err
			}
		}
		return nil
	})
}

// CountPrefix returns the number of keys under prefix.
func (d *DB) CountPrefix(ctx context.Context, prefix []byte) (int, error) {
	n := 0
	err := d.WithReadTxn(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}
