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
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianRecovery/services/llm"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/datatypes"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/decision"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/doctor"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/escalation"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/evidence"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/gate"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/health"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreCurrent(),
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

const skipVerdict = `{"action":"skip_phase","confidence":0.6,"rationale":"phase is optional"}`

type fakeClient struct {
	mu       sync.Mutex
	response string
	calls    int
	models   []string
	block    bool
	entered  chan struct{}

	// hold, when set, parks each call until it is closed.
	hold      chan struct{}
	active    int
	maxActive int
}

func (f *fakeClient) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
	f.mu.Lock()
	f.calls++
	f.models = append(f.models, params.Model)
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.hold != nil {
		select {
		case <-f.hold:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.response, nil
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	engine   *Engine
	client   *fakeClient
	queue    *memory.EventQueue
	recorder *tracetest.SpanRecorder
}

func newHarness(t *testing.T, client *fakeClient, healthCfg health.Config) *harness {
	t.Helper()

	trigger, err := escalation.NewDefaultTrigger(nil)
	require.NoError(t, err)
	g, err := gate.New(gate.DefaultConfig(), nil)
	require.NoError(t, err)
	maker, err := decision.NewMaker(decision.DefaultConfig(), nil, nil)
	require.NoError(t, err)

	docCfg := doctor.DefaultConfig()
	docCfg.CheapModel = "cheap-model"
	docCfg.StrongModel = "strong-model"
	docCfg.Timeout = 5 * time.Second
	doc, err := doctor.New(docCfg, client, doctor.Options{Recorder: doctor.NewBufferedRecorder(16)})
	require.NoError(t, err)

	queue, err := memory.NewEventQueue(context.Background(), memory.DefaultQueueConfig(), nil, nil, nil)
	require.NoError(t, err)

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	e, err := New(Config{Health: healthCfg}, Deps{
		Trigger:        trigger,
		Gate:           g,
		Investigator:   evidence.NewInvestigator(evidence.DefaultConfig(), nil, evidence.Sources{}, nil),
		Maker:          maker,
		Doctor:         doc,
		Queue:          queue,
		TracerProvider: tp,
	})
	require.NoError(t, err)
	return &harness{engine: e, client: client, queue: queue, recorder: recorder}
}

// clearImportFailure is mechanically fixable and not escalated.
func clearImportFailure(runID, phaseID string) (datatypes.FailureContext, datatypes.PhaseSpec) {
	return datatypes.FailureContext{
			RunID:               runID,
			PhaseID:             phaseID,
			ErrorText:           "ModuleNotFoundError: No module named 'requests'",
			RootCause:           "requests is not installed in the venv",
			RootCauseConfidence: datatypes.Float64(0.9),
		}, datatypes.PhaseSpec{
			PhaseID: phaseID,
		}
}

// ambiguousFailure has no category and is not escalated.
func ambiguousFailure(runID, phaseID string) (datatypes.FailureContext, datatypes.PhaseSpec) {
	return datatypes.FailureContext{
			RunID:               runID,
			PhaseID:             phaseID,
			ErrorText:           "build step produced an unexpected artifact layout",
			RootCause:           "artifact layout differs from the plan",
			RootCauseConfidence: datatypes.Float64(0.9),
		}, datatypes.PhaseSpec{
			PhaseID: phaseID,
		}
}

func spanAttr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.ErrorIs(t, err, ErrMissingDependency)
}

func TestHandleFailure_ClearFixSkipsAdjudicator(t *testing.T) {
	h := newHarness(t, &fakeClient{response: skipVerdict}, health.DefaultConfig())
	f, p := clearImportFailure("run-1", "phase-1")

	d, err := h.engine.HandleFailure(context.Background(), f, p)
	require.NoError(t, err)

	assert.Equal(t, decision.TypeClearFix, d.DecisionType)
	assert.Equal(t, decision.CategoryImport, d.Category)
	assert.Equal(t, datatypes.ActionRetryWithFix, d.Action.Action)
	assert.LessOrEqual(t, d.Action.Confidence, 0.85)
	assert.Equal(t, StageClassifier, d.Stage)
	assert.Empty(t, d.Model)
	assert.False(t, d.Escalated)
	assert.Nil(t, d.Gate)
	assert.NotEmpty(t, d.ID)
	assert.Zero(t, h.client.callCount(), "decisive classification must not call the model")

	dc, ok := h.engine.DiagnosisContext("run-1", "phase-1")
	require.True(t, ok)
	assert.Equal(t, []decision.ErrorCategory{decision.CategoryImport}, dc.ErrorCategories)
	assert.Equal(t, 1, dc.Diagnoses)
	assert.Equal(t, string(datatypes.ActionRetryWithFix), dc.LastAction)
}

func TestHandleFailure_AmbiguousCallsAdjudicator(t *testing.T) {
	h := newHarness(t, &fakeClient{response: skipVerdict}, health.DefaultConfig())
	f, p := ambiguousFailure("run-1", "phase-1")

	d, err := h.engine.HandleFailure(context.Background(), f, p)
	require.NoError(t, err)

	assert.Equal(t, decision.TypeAmbiguous, d.DecisionType)
	assert.Equal(t, datatypes.ActionSkipPhase, d.Action.Action)
	assert.Equal(t, "cheap-model", d.Model)
	assert.Equal(t, doctor.TierCheap, d.Tier)
	assert.Equal(t, 1, h.client.callCount())

	dc, ok := h.engine.DiagnosisContext("run-1", "phase-1")
	require.True(t, ok)
	assert.Equal(t, "cheap-model", dc.LastModel)
}

func TestHandleFailure_TracebackEscalatesWithFullRetrieval(t *testing.T) {
	h := newHarness(t, &fakeClient{response: skipVerdict}, health.DefaultConfig())
	f := datatypes.FailureContext{
		RunID:                  "run-1",
		PhaseID:                "phase-1",
		ErrorText:              "Traceback (most recent call last):\n  File \"app/main.py\", line 3\nKeyError: 'x'",
		ContextBudgetRemaining: 80000,
		ContextBudgetTotal:     100000,
	}
	p := datatypes.PhaseSpec{PhaseID: "phase-1"}

	d, err := h.engine.HandleFailure(context.Background(), f, p)
	require.NoError(t, err)

	assert.True(t, d.Escalated)
	assert.Equal(t, escalation.RuleKeyword, d.EscalationRule)
	require.NotNil(t, d.Gate)
	assert.Equal(t, gate.ModeFull, d.Gate.Mode)
	require.NotNil(t, d.Evidence)
	assert.True(t, d.Evidence.Escalated)
	assert.Equal(t, gate.ModeFull, d.Evidence.RetrievalMode)
	assert.Equal(t, decision.TypeAmbiguous, d.DecisionType)
	assert.Equal(t, 1, h.client.callCount())

	dc, _ := h.engine.DiagnosisContext("run-1", "phase-1")
	assert.Equal(t, 1, dc.EscalationCount)

	spans := h.recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "Engine.HandleFailure", spans[0].Name())
	v, ok := spanAttr(spans[0], "escalated")
	require.True(t, ok)
	assert.True(t, v.AsBool())
	v, ok = spanAttr(spans[0], "gate.mode")
	require.True(t, ok)
	assert.Equal(t, string(gate.ModeFull), v.AsString())
}

func TestHandleFailure_EscalatedWithoutBudgetRetrievesNothing(t *testing.T) {
	h := newHarness(t, &fakeClient{response: skipVerdict}, health.DefaultConfig())
	f := datatypes.FailureContext{
		RunID:     "run-1",
		PhaseID:   "phase-1",
		ErrorText: "Traceback (most recent call last): KeyError: 'x'",
	}
	p := datatypes.PhaseSpec{PhaseID: "phase-1"}

	d, err := h.engine.HandleFailure(context.Background(), f, p)
	require.NoError(t, err)

	assert.True(t, d.Escalated)
	require.NotNil(t, d.Gate)
	assert.False(t, d.Gate.Allowed)
	assert.Equal(t, gate.ModeNone, d.Evidence.RetrievalMode)
}

func TestHandleFailure_CircuitOpens(t *testing.T) {
	cfg := health.DefaultConfig()
	cfg.FailureThreshold = 3
	h := newHarness(t, &fakeClient{response: skipVerdict}, cfg)

	for i := 0; i < 2; i++ {
		f, p := ambiguousFailure("run-1", fmt.Sprintf("phase-%d", i))
		_, err := h.engine.HandleFailure(context.Background(), f, p)
		require.NoError(t, err)
	}

	f, p := ambiguousFailure("run-1", "phase-2")
	d, err := h.engine.HandleFailure(context.Background(), f, p)
	assert.Nil(t, d)
	require.ErrorIs(t, err, health.ErrCircuitOpen)
	assert.Equal(t, 2, h.client.callCount(), "halted diagnosis must not reach the model")
	assert.Equal(t, 1, h.queue.Len(), "trip event queued once")

	snap, open, ok := h.engine.Health("run-1")
	require.True(t, ok)
	assert.True(t, open)
	assert.Equal(t, 3, snap.TotalFailures)

	// Further failures stay halted and do not re-emit the trip.
	_, err = h.engine.HandleFailure(context.Background(), f, p)
	require.ErrorIs(t, err, health.ErrCircuitOpen)
	assert.Equal(t, 1, h.queue.Len())

	require.True(t, h.engine.ResetBreaker("run-1"))
	_, err = h.engine.HandleFailure(context.Background(), f, p)
	assert.NoError(t, err)
}

type fakeStore struct {
	mu     sync.Mutex
	writes []memory.Insight
	err    error
}

func (s *fakeStore) WriteInsight(_ context.Context, insight memory.Insight) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.writes = append(s.writes, insight)
	return nil
}

func (s *fakeStore) SearchSimilar(context.Context, string, int) ([]memory.Match, error) {
	return nil, nil
}

func (s *fakeStore) written() []memory.Insight {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]memory.Insight(nil), s.writes...)
}

func TestHandleFailure_TripReachesAvailableStore(t *testing.T) {
	cfg := health.DefaultConfig()
	cfg.FailureThreshold = 2
	h := newHarness(t, &fakeClient{response: skipVerdict}, cfg)
	store := &fakeStore{}
	h.queue.SetStore(store)

	f, p := ambiguousFailure("run-1", "phase-1")
	_, err := h.engine.HandleFailure(context.Background(), f, p)
	require.NoError(t, err)
	assert.Empty(t, store.written())

	f, p = ambiguousFailure("run-1", "phase-2")
	_, err = h.engine.HandleFailure(context.Background(), f, p)
	require.ErrorIs(t, err, health.ErrCircuitOpen)

	writes := store.written()
	require.Len(t, writes, 1, "trip written on the halting call itself")
	assert.Equal(t, memory.InsightCircuitBreakerTrip, writes[0].Type)
	assert.Equal(t, "run-1", writes[0].RunID)
	assert.Zero(t, h.queue.Len())
}

func TestHandleFailure_TripStaysQueuedWhenStoreFails(t *testing.T) {
	cfg := health.DefaultConfig()
	cfg.FailureThreshold = 1
	h := newHarness(t, &fakeClient{response: skipVerdict}, cfg)
	store := &fakeStore{err: errors.New("weaviate unavailable")}
	h.queue.SetStore(store)

	f, p := ambiguousFailure("run-1", "phase-1")
	_, err := h.engine.HandleFailure(context.Background(), f, p)
	require.ErrorIs(t, err, health.ErrCircuitOpen)
	assert.Equal(t, 1, h.queue.Len())

	store.mu.Lock()
	store.err = nil
	store.mu.Unlock()
	n, err := h.queue.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, store.written(), 1)
}

func TestHandleFailure_SuccessResetsConsecutiveCount(t *testing.T) {
	cfg := health.DefaultConfig()
	cfg.FailureThreshold = 2
	h := newHarness(t, &fakeClient{response: skipVerdict}, cfg)

	f, p := ambiguousFailure("run-1", "phase-1")
	_, err := h.engine.HandleFailure(context.Background(), f, p)
	require.NoError(t, err)

	require.NoError(t, h.engine.RecordOutcome(context.Background(), "run-1", "phase-1", true, ""))

	f, p = ambiguousFailure("run-1", "phase-2")
	_, err = h.engine.HandleFailure(context.Background(), f, p)
	require.NoError(t, err)

	snap, open, _ := h.engine.Health("run-1")
	assert.False(t, open)
	assert.Equal(t, 2, snap.TotalFailures, "success never lowers the total")
}

func TestRecordOutcome_FailureCountsTowardHealth(t *testing.T) {
	cfg := health.DefaultConfig()
	cfg.FailureThreshold = 2
	h := newHarness(t, &fakeClient{response: skipVerdict}, cfg)

	require.NoError(t, h.engine.RecordOutcome(context.Background(), "run-1", "phase-1", false, datatypes.FailureKindPatch))
	err := h.engine.RecordOutcome(context.Background(), "run-1", "phase-1", false, datatypes.FailureKindPatch)
	require.ErrorIs(t, err, health.ErrCircuitOpen)

	snap, open, _ := h.engine.Health("run-1")
	assert.True(t, open)
	assert.Equal(t, 2, snap.PatchFailures)
}

func TestHandleFailure_CancellationKeepsCountersDiscardsResult(t *testing.T) {
	client := &fakeClient{block: true, entered: make(chan struct{}, 1)}
	h := newHarness(t, client, health.DefaultConfig())
	f, p := ambiguousFailure("run-1", "phase-1")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-client.entered
		cancel()
	}()

	d, err := h.engine.HandleFailure(ctx, f, p)
	assert.Nil(t, d)
	require.ErrorIs(t, err, context.Canceled)

	snap, _, ok := h.engine.Health("run-1")
	require.True(t, ok)
	assert.Equal(t, 1, snap.TotalFailures, "failure recorded before diagnosis stays recorded")

	dc, ok := h.engine.DiagnosisContext("run-1", "phase-1")
	require.True(t, ok)
	assert.Zero(t, dc.Diagnoses)
	assert.Empty(t, dc.ErrorCategories)
	assert.Empty(t, dc.LastModel)
}

func TestHandleFailure_InvalidInput(t *testing.T) {
	h := newHarness(t, &fakeClient{response: skipVerdict}, health.DefaultConfig())
	f, _ := ambiguousFailure("run-1", "phase-1")

	_, err := h.engine.HandleFailure(context.Background(), f, datatypes.PhaseSpec{PhaseID: "other"})
	require.ErrorIs(t, err, datatypes.ErrPhaseMismatch)

	_, _, ok := h.engine.Health("run-1")
	assert.False(t, ok, "invalid input creates no run state")
}

func TestDiagnosisContext_Lifecycle(t *testing.T) {
	h := newHarness(t, &fakeClient{response: skipVerdict}, health.DefaultConfig())
	ctx := context.Background()

	f, p := clearImportFailure("run-1", "phase-1")
	d1, err := h.engine.HandleFailure(ctx, f, p)
	require.NoError(t, err)
	assert.False(t, d1.RepeatedError)

	// Same error again: category already seen, so the classifier defers.
	f.AttemptCount = 1
	d2, err := h.engine.HandleFailure(ctx, f, p)
	require.NoError(t, err)
	assert.True(t, d2.RepeatedError)
	assert.Equal(t, decision.TypeAmbiguous, d2.DecisionType)
	assert.Equal(t, "strong-model", d2.Model, "second attempt routes to the strong tier")

	f.ErrorText = "SyntaxError: invalid syntax"
	f.AttemptCount = 2
	_, err = h.engine.HandleFailure(ctx, f, p)
	require.NoError(t, err)

	dc, ok := h.engine.DiagnosisContext("run-1", "phase-1")
	require.True(t, ok)
	assert.Equal(t, []decision.ErrorCategory{decision.CategoryImport, decision.CategorySyntax}, dc.ErrorCategories)
	assert.Len(t, dc.Signatures, 2)
	assert.Equal(t, 3, dc.Diagnoses)

	h.engine.PhaseSkipped("run-1", "phase-1")
	_, ok = h.engine.DiagnosisContext("run-1", "phase-1")
	assert.False(t, ok)

	_, err = h.engine.HandleFailure(ctx, f, p)
	require.NoError(t, err)
	h.engine.PhaseSucceeded("run-1", "phase-1")
	_, ok = h.engine.DiagnosisContext("run-1", "phase-1")
	assert.False(t, ok)

	h.engine.EndRun("run-1")
	_, _, ok = h.engine.Health("run-1")
	assert.False(t, ok)
}

func TestHandleFailure_DropDuringDiagnosisKeepsPhaseSerialized(t *testing.T) {
	client := &fakeClient{response: skipVerdict, entered: make(chan struct{}, 1), hold: make(chan struct{})}
	h := newHarness(t, client, health.DefaultConfig())

	type result struct {
		d   *Diagnosis
		err error
	}
	first := make(chan result, 1)
	f, p := ambiguousFailure("run-1", "phase-1")
	go func() {
		d, err := h.engine.HandleFailure(context.Background(), f, p)
		first <- result{d, err}
	}()
	<-client.entered

	h.engine.PhaseSucceeded("run-1", "phase-1")
	_, ok := h.engine.DiagnosisContext("run-1", "phase-1")
	assert.False(t, ok, "history dropped immediately")

	second := make(chan result, 1)
	f2, p2 := ambiguousFailure("run-1", "phase-1")
	f2.AttemptCount = 1
	go func() {
		d, err := h.engine.HandleFailure(context.Background(), f2, p2)
		second <- result{d, err}
	}()

	select {
	case <-client.entered:
		t.Fatal("second diagnosis of the phase reached the model while the first was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(client.hold)
	r1, r2 := <-first, <-second
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)

	client.mu.Lock()
	maxActive := client.maxActive
	client.mu.Unlock()
	assert.Equal(t, 1, maxActive)

	dc, ok := h.engine.DiagnosisContext("run-1", "phase-1")
	require.True(t, ok)
	assert.Equal(t, 1, dc.Diagnoses, "only the diagnosis started after the drop is recorded")
}

func TestHandleFailure_ConcurrentPhases(t *testing.T) {
	h := newHarness(t, &fakeClient{response: skipVerdict}, health.Config{FailureThreshold: 100, TotalCap: 100, RollbackThreshold: 0.8})

	const phases = 8
	var wg sync.WaitGroup
	errs := make(chan error, phases)
	for i := 0; i < phases; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f, p := ambiguousFailure("run-1", fmt.Sprintf("phase-%d", i))
			if _, err := h.engine.HandleFailure(context.Background(), f, p); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("HandleFailure: %v", err)
	}

	snap, _, _ := h.engine.Health("run-1")
	assert.Equal(t, phases, snap.TotalFailures)
	assert.Equal(t, phases, h.client.callCount())
}

func TestHandleFailure_UnsafeFixDowngraded(t *testing.T) {
	client := &fakeClient{response: `{"action":"execute_fix","confidence":0.9,"rationale":"clean up","fix_type":"file","fix_commands":["rm -rf / ; echo done"],"verify_command":"pytest -q"}`}
	h := newHarness(t, client, health.DefaultConfig())
	f, p := ambiguousFailure("run-1", "phase-1")

	d, err := h.engine.HandleFailure(context.Background(), f, p)
	require.NoError(t, err)

	assert.Equal(t, datatypes.ActionRetryWithFix, d.Action.Action)
	assert.Empty(t, d.Action.FixCommands)
	assert.NotEmpty(t, d.Violations)
}

func TestErrorSignature(t *testing.T) {
	a := ErrorSignature("KeyError:   'x'\n")
	b := ErrorSignature("keyerror: 'x'")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, ErrorSignature("KeyError: 'y'"))
	assert.Len(t, a, 32)
}

func TestEndRun_UnknownRunIsNoop(t *testing.T) {
	h := newHarness(t, &fakeClient{response: skipVerdict}, health.DefaultConfig())
	h.engine.EndRun("missing")
	h.engine.PhaseSucceeded("missing", "p")
	h.engine.PhaseSkipped("missing", "p")
	assert.False(t, h.engine.ResetBreaker("missing"))
}
