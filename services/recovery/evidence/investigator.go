// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evidence

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianRecovery/services/recovery/datatypes"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/gate"
)

const tracerName = "aleutian.recovery.evidence"

// Option customizes an Investigator.
type Option func(*Investigator)

// WithTracerProvider sets the provider for investigation spans. The default
// is the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(inv *Investigator) {
		if tp != nil {
			inv.tracer = tp.Tracer(tracerName)
		}
	}
}

// Config configures the investigator.
type Config struct {
	// Timeout bounds probes and, separately, deep retrieval.
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`

	// MaxEntryChars caps each retrieved entry.
	MaxEntryChars int `yaml:"max_entry_chars" json:"max_entry_chars" validate:"gte=1"`

	// ArtifactRoot holds per-run artifact directories. Empty disables them.
	ArtifactRoot string `yaml:"artifact_root" json:"artifact_root"`

	// SOTRoot and SOTPatterns select source-of-truth files. Empty disables them.
	SOTRoot     string   `yaml:"sot_root" json:"sot_root"`
	SOTPatterns []string `yaml:"sot_patterns" json:"sot_patterns"`

	// CacheSize bounds the per-attempt evidence cache.
	CacheSize int `yaml:"cache_size" json:"cache_size" validate:"gte=0"`
}

// DefaultConfig returns default investigator settings.
func DefaultConfig() Config {
	return Config{
		Timeout:       30 * time.Second,
		MaxEntryChars: 4000,
		SOTPatterns:   []string{"docs/**/*.md", "*.md"},
		CacheSize:     128,
	}
}

// Request is the input to one investigation.
type Request struct {
	Failure   datatypes.FailureContext
	Phase     datatypes.PhaseSpec
	Escalated bool
	Gate      gate.Decision
}

// Sources groups the retrieval sources. Any may be nil.
type Sources struct {
	Artifacts     Source
	SourceOfTruth Source
	Memory        Source
}

// Investigator gathers and merges evidence for one diagnosis.
//
// # Description
//
// Probes always run. Deep retrieval runs only when the request is escalated
// and the gate allowed it, with each source capped at the gate's max entries
// and all sources queried concurrently under one timeout. A failing source
// is logged and contributes nothing.
//
// Results are cached by a fingerprint of the attempt, so investigating the
// same attempt twice returns identical evidence.
//
// Thread Safety: Safe for concurrent use.
type Investigator struct {
	config      Config
	diagnostics Diagnostics
	sources     Sources
	logger      *slog.Logger
	tracer      trace.Tracer

	mu    sync.Mutex
	cache map[string]cacheEntry
	order []string
}

type cacheEntry struct {
	runID    string
	evidence *Evidence
}

// NewInvestigator creates an investigator.
//
// Inputs:
//   - config: Settings; zero Timeout and MaxEntryChars fall back to defaults.
//   - diagnostics: Probe runner. May be nil.
//   - sources: Retrieval sources. Nil members are skipped.
//   - logger: Nil uses slog.Default().
//   - opts: Optional settings such as WithTracerProvider.
func NewInvestigator(config Config, diagnostics Diagnostics, sources Sources, logger *slog.Logger, opts ...Option) *Investigator {
	def := DefaultConfig()
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.MaxEntryChars <= 0 {
		config.MaxEntryChars = def.MaxEntryChars
	}
	if logger == nil {
		logger = slog.Default()
	}
	inv := &Investigator{
		config:      config,
		diagnostics: diagnostics,
		sources:     sources,
		logger:      logger.With(slog.String("component", "investigator")),
		tracer:      otel.Tracer(tracerName),
		cache:       make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Fingerprint identifies one investigation attempt.
func Fingerprint(req Request) string {
	h := blake3.New()
	for _, part := range []string{
		req.Failure.RunID,
		req.Failure.PhaseID,
		strconv.Itoa(req.Failure.AttemptNumber()),
		req.Failure.ErrorText,
		req.Failure.StackTrace,
		strconv.FormatBool(req.Escalated),
		string(req.Gate.Mode),
		strconv.Itoa(req.Gate.MaxEntries),
	} {
		_, _ = h.WriteString(part)
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Investigate gathers evidence for req.
//
// Outputs:
//   - *Evidence: Merged evidence. The caller owns the returned value.
//   - error: Only ctx's error if the caller cancelled. Probe and source
//     failures are recovered locally.
func (inv *Investigator) Investigate(ctx context.Context, req Request) (*Evidence, error) {
	ctx, span := inv.tracer.Start(ctx, "Investigator.Investigate")
	defer span.End()

	span.SetAttributes(
		attribute.String("run_id", req.Failure.RunID),
		attribute.String("phase_id", req.Failure.PhaseID),
		attribute.Bool("escalated", req.Escalated),
		attribute.String("retrieval_mode", string(req.Gate.Mode)),
	)

	key := Fingerprint(req)
	if cached := inv.cached(key); cached != nil {
		span.SetAttributes(attribute.Bool("cache_hit", true))
		return cached, nil
	}

	ev := &Evidence{
		Shallow:       req.Failure.Bundle(),
		Escalated:     req.Escalated,
		RetrievalMode: gate.ModeNone,
	}
	ev.Probes = inv.runProbes(ctx, req)

	if req.Escalated {
		ev.RetrievalMode = req.Gate.Mode
		if ev.RetrievalMode == "" {
			ev.RetrievalMode = gate.ModeNone
		}
		ev.DeepRetrieval = inv.deepRetrieve(ctx, req)
		merge(ev)
	}

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "cancelled")
		return nil, err
	}

	inv.store(key, req.Failure.RunID, ev)
	return ev.Clone(), nil
}

func (inv *Investigator) runProbes(ctx context.Context, req Request) *ProbeOutcome {
	if inv.diagnostics == nil {
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, inv.config.Timeout)
	defer cancel()

	outcome, err := inv.diagnostics.RunProbes(pctx, req.Failure, req.Phase)
	if err != nil {
		inv.logger.Warn("diagnostic probes failed",
			slog.String("run_id", req.Failure.RunID),
			slog.String("phase_id", req.Failure.PhaseID),
			slog.String("error", err.Error()))
		return nil
	}
	return &outcome
}

// deepRetrieve queries every configured source. With a disallowed gate it
// returns an empty result recording mode none.
func (inv *Investigator) deepRetrieve(ctx context.Context, req Request) *DeepRetrievalResult {
	result := &DeepRetrievalResult{
		Stats: RetrievalStats{Mode: req.Gate.Mode, MaxEntries: req.Gate.MaxEntries},
	}
	if result.Stats.Mode == "" {
		result.Stats.Mode = gate.ModeNone
	}
	if !req.Gate.Allowed || req.Gate.MaxEntries <= 0 {
		return result
	}

	q := Query{
		RunID:     req.Failure.RunID,
		PhaseID:   req.Failure.PhaseID,
		ErrorText: req.Failure.ErrorText,
		Mode:      req.Gate.Mode,
	}
	limit := req.Gate.MaxEntries

	rctx, cancel := context.WithTimeout(ctx, inv.config.Timeout)
	defer cancel()

	slots := []struct {
		source Source
		out    *[]Entry
	}{
		{inv.sources.Artifacts, &result.RunArtifacts},
		{inv.sources.SourceOfTruth, &result.SOTFiles},
		{inv.sources.Memory, &result.MemoryEntries},
	}

	var mu sync.Mutex
	var g errgroup.Group
	for _, slot := range slots {
		if slot.source == nil {
			continue
		}
		slot := slot
		g.Go(func() error {
			start := time.Now()
			entries, err := slot.source.Retrieve(rctx, q, limit)
			sourceLatency.WithLabelValues(slot.source.Name()).Observe(time.Since(start).Seconds())
			if err != nil {
				inv.logger.Warn("evidence source failed",
					slog.String("source", slot.source.Name()),
					slog.String("run_id", q.RunID),
					slog.String("error", err.Error()))
				mu.Lock()
				result.Stats.FailedSources = append(result.Stats.FailedSources, slot.source.Name())
				mu.Unlock()
				return nil
			}
			if len(entries) > limit {
				entries = entries[:limit]
			}
			sourceEntries.WithLabelValues(slot.source.Name()).Add(float64(len(entries)))
			*slot.out = entries
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(result.Stats.FailedSources)
	result.Stats.ArtifactCount = len(result.RunArtifacts)
	result.Stats.SOTCount = len(result.SOTFiles)
	result.Stats.MemoryCount = len(result.MemoryEntries)
	for _, group := range [][]Entry{result.RunArtifacts, result.SOTFiles, result.MemoryEntries} {
		for _, e := range group {
			result.Stats.TotalChars += e.Size
		}
	}
	return result
}

// merge projects memory entries and error-sourced similar errors out of the
// deep retrieval result. Both stay nil when there is nothing to project.
func merge(ev *Evidence) {
	if ev.DeepRetrieval == nil || len(ev.DeepRetrieval.MemoryEntries) == 0 {
		return
	}
	ev.MemoryEntries = cloneEntries(ev.DeepRetrieval.MemoryEntries)

	var similar []Entry
	for _, e := range ev.MemoryEntries {
		if e.Source == SourceMemoryError {
			similar = append(similar, e)
		}
	}
	if len(similar) > 0 {
		ev.SimilarErrors = similar
	}
}

func (inv *Investigator) cached(key string) *Evidence {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if c, ok := inv.cache[key]; ok {
		return c.evidence.Clone()
	}
	return nil
}

func (inv *Investigator) store(key, runID string, ev *Evidence) {
	if inv.config.CacheSize <= 0 {
		return
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if _, ok := inv.cache[key]; ok {
		return
	}
	for len(inv.order) >= inv.config.CacheSize {
		oldest := inv.order[0]
		inv.order = inv.order[1:]
		delete(inv.cache, oldest)
	}
	inv.cache[key] = cacheEntry{runID: runID, evidence: ev.Clone()}
	inv.order = append(inv.order, key)
}

// Forget drops cached evidence for a run. Returns the number dropped.
func (inv *Investigator) Forget(runID string) int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	kept := make([]string, 0, len(inv.order))
	dropped := 0
	for _, key := range inv.order {
		if inv.cache[key].runID == runID {
			delete(inv.cache, key)
			dropped++
			continue
		}
		kept = append(kept, key)
	}
	inv.order = kept
	return dropped
}
