// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/AleutianAI/AleutianRecovery/pkg/logging"
	"github.com/AleutianAI/AleutianRecovery/services/llm"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/config"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/decision"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/doctor"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/escalation"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/evidence"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/gate"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/memory"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/storage/badger"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// BuildOptions supply collaborators that configuration cannot describe.
// Zero values are built from the configuration.
type BuildOptions struct {
	// Client replaces the configured LLM backend.
	Client llm.Client

	// Store replaces the configured Weaviate store.
	Store memory.Store

	// Diagnostics runs probes for the investigator. Nil skips probes.
	Diagnostics evidence.Diagnostics

	// TracerProvider receives engine, investigator and adjudicator spans
	// when tracing is enabled. Nil uses the global provider.
	TracerProvider trace.TracerProvider

	// Logger replaces the logger built from the observability settings.
	Logger *slog.Logger
}

// Runtime is a fully wired engine plus the resources it owns.
type Runtime struct {
	Engine *Engine
	Queue  *memory.EventQueue
	Logger *slog.Logger

	// DB is nil when storage is disabled.
	DB *badger.DB

	closers []func() error
}

// Close flushes what it can and releases owned resources in reverse order
// of acquisition.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	if r.Queue != nil {
		if _, err := r.Queue.Flush(ctx); err != nil && !errors.Is(err, memory.ErrStoreUnavailable) {
			errs = append(errs, fmt.Errorf("final queue flush: %w", err))
		}
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// Build wires an Engine from configuration.
//
// # Description
//
// Builds the process logger from the observability settings unless one is
// supplied, and installs a no-op tracer provider when tracing is disabled.
// Opens Badger when storage is enabled and uses it for the pending-event
// journal and the fallback recorder; otherwise both stay in memory.
// Connects Weaviate when a URL is configured. A Weaviate schema failure is
// logged and the store kept, since trip events queue until it recovers.
//
// Outputs:
//   - *Runtime: Call Close when done.
//   - error: Policy, storage, backend or component construction errors.
//     Resources acquired before the failure are released.
func Build(ctx context.Context, cfg config.RecoveryConfig, opts BuildOptions) (_ *Runtime, err error) {
	rt := &Runtime{}
	defer func() {
		if err != nil {
			_ = rt.Close(context.WithoutCancel(ctx))
		}
	}()

	logger := opts.Logger
	if logger == nil {
		owned := logging.New(cfg.Observability.Logging())
		rt.closers = append(rt.closers, owned.Close)
		logger = owned.Slog()
	}
	rt.Logger = logger

	tp := opts.TracerProvider
	if !cfg.Observability.TracingEnabled {
		tp = noop.NewTracerProvider()
	}

	policy, err := loadEscalationPolicy(cfg.Policies.Escalation)
	if err != nil {
		return nil, err
	}
	trigger, err := escalation.NewTrigger(policy, logger)
	if err != nil {
		return nil, err
	}

	var categorizer *decision.Categorizer
	if cfg.Policies.Categories != "" {
		data, readErr := os.ReadFile(cfg.Policies.Categories)
		if readErr != nil {
			return nil, fmt.Errorf("reading category rules: %w", readErr)
		}
		if categorizer, err = decision.ParseCategorizer(data); err != nil {
			return nil, err
		}
	}

	var safety *doctor.SafetyPolicy
	if cfg.Policies.Safety != "" {
		data, readErr := os.ReadFile(cfg.Policies.Safety)
		if readErr != nil {
			return nil, fmt.Errorf("reading safety policy: %w", readErr)
		}
		if safety, err = doctor.ParseSafetyPolicy(data); err != nil {
			return nil, err
		}
	}

	var journal memory.Journal
	var recorder doctor.FallbackRecorder = doctor.NewBufferedRecorder(cfg.Memory.RecorderCapacity)
	if cfg.StorageEnabled() {
		storageCfg := cfg.Storage
		storageCfg.Logger = logging.Component(logger, "badger")
		if rt.DB, err = badger.Open(storageCfg); err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, rt.DB.Close)

		bj, jerr := memory.NewBadgerJournal(rt.DB)
		if jerr != nil {
			return nil, jerr
		}
		journal = bj

		br, rerr := doctor.NewBadgerRecorder(rt.DB, cfg.Memory.RecorderCapacity, logger)
		if rerr != nil {
			return nil, rerr
		}
		rt.closers = append(rt.closers, br.Close)
		recorder = br
	}

	store := opts.Store
	if store == nil && cfg.Memory.WeaviateURL != "" {
		if store, err = connectWeaviate(ctx, cfg.Memory, logger); err != nil {
			return nil, err
		}
	}

	if rt.Queue, err = memory.NewEventQueue(ctx, cfg.Memory.Queue, store, journal, logger); err != nil {
		return nil, err
	}

	sources := evidence.Sources{}
	if cfg.Investigator.ArtifactRoot != "" {
		sources.Artifacts = evidence.NewArtifactSource(cfg.Investigator.ArtifactRoot, cfg.Investigator.MaxEntryChars)
	}
	if cfg.Investigator.SOTRoot != "" && len(cfg.Investigator.SOTPatterns) > 0 {
		sources.SourceOfTruth = evidence.NewSourceOfTruthSource(cfg.Investigator.SOTRoot, cfg.Investigator.SOTPatterns, cfg.Investigator.MaxEntryChars)
	}
	if store != nil {
		sources.Memory = evidence.NewMemorySource(store, cfg.Investigator.MaxEntryChars)
	}

	g, err := gate.New(cfg.Gate, logger)
	if err != nil {
		return nil, err
	}
	maker, err := decision.NewMaker(cfg.Decision, categorizer, logger)
	if err != nil {
		return nil, err
	}

	client := opts.Client
	if client == nil {
		if client, err = llm.New(ctx, cfg.LLM, logger); err != nil {
			return nil, err
		}
	}
	doc, err := doctor.New(cfg.Doctor, client, doctor.Options{
		Policy:         safety,
		Recorder:       recorder,
		Logger:         logger,
		TracerProvider: tp,
	})
	if err != nil {
		return nil, err
	}

	rt.Engine, err = New(Config{Health: cfg.Health}, Deps{
		Trigger:        trigger,
		Gate:           g,
		Investigator:   evidence.NewInvestigator(cfg.Investigator, opts.Diagnostics, sources, logger, evidence.WithTracerProvider(tp)),
		Maker:          maker,
		Doctor:         doc,
		Queue:          rt.Queue,
		TracerProvider: tp,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("recovery engine ready",
		slog.Bool("storage", rt.DB != nil),
		slog.Bool("memory", store != nil),
		slog.String("llm_backend", cfg.LLM.Backend),
		slog.Bool("tracing", cfg.Observability.TracingEnabled),
		slog.Int("pending_events", rt.Queue.Len()))
	return rt, nil
}

func loadEscalationPolicy(path string) (escalation.Policy, error) {
	if path == "" {
		return escalation.DefaultPolicy()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return escalation.Policy{}, fmt.Errorf("reading escalation policy: %w", err)
	}
	return escalation.ParsePolicy(data)
}

func connectWeaviate(ctx context.Context, cfg config.MemoryConfig, logger *slog.Logger) (memory.Store, error) {
	client, err := memory.NewWeaviateClient(cfg.WeaviateURL)
	if err != nil {
		return nil, err
	}
	if err := memory.EnsureSchema(ctx, client, logger); err != nil {
		logger.Warn("weaviate schema unavailable, insights will queue until it recovers",
			slog.String("url", cfg.WeaviateURL),
			slog.String("error", err.Error()))
	}
	return memory.NewWeaviateStore(client, cfg.DataSpace, cfg.MinCertainty, logger)
}
