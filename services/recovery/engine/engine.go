// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine runs the diagnosis pipeline for failed phase attempts.
//
// For each failure it records run health, decides whether to escalate,
// gates deep evidence retrieval on the remaining budget, gathers evidence,
// classifies the failure against the phase's goals and, when the
// classification is not decisive, asks the adjudicator. The result is one
// validated DecisionAction for the executor.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRecovery/pkg/logging"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/datatypes"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/decision"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/doctor"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/escalation"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/evidence"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/gate"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/health"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/memory"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrMissingDependency is returned by New when a required collaborator is nil.
var ErrMissingDependency = errors.New("engine dependency missing")

// StageClassifier marks actions produced by the decision maker without a
// reasoning call.
const StageClassifier = "classifier"

// reasonChars bounds the failure reason handed to the breaker.
const reasonChars = 200

// Config configures the engine.
type Config struct {
	Health health.Config `yaml:"health" json:"health"`
}

// DefaultConfig returns the default engine settings.
func DefaultConfig() Config {
	return Config{Health: health.DefaultConfig()}
}

// Deps are the engine's collaborators. Trigger, Gate, Investigator, Maker
// and Doctor are required.
type Deps struct {
	Trigger      *escalation.Trigger
	Gate         *gate.Gate
	Investigator *evidence.Investigator
	Maker        *decision.Maker
	Doctor       *doctor.Doctor

	// Queue receives breaker trip events and is flushed opportunistically.
	// Nil disables trip persistence.
	Queue *memory.EventQueue

	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider

	Logger *slog.Logger
}

// Diagnosis is the engine's answer for one failure.
type Diagnosis struct {
	ID      string `json:"id"`
	RunID   string `json:"run_id"`
	PhaseID string `json:"phase_id"`
	Attempt int    `json:"attempt"`

	Action datatypes.DecisionAction `json:"action"`

	Escalated      bool            `json:"escalated"`
	EscalationRule escalation.Rule `json:"escalation_rule"`

	// Gate is nil when the failure was not escalated.
	Gate *gate.Decision `json:"gate,omitempty"`

	Evidence     *evidence.Evidence     `json:"evidence"`
	DecisionType decision.Type          `json:"decision_type"`
	Category     decision.ErrorCategory `json:"category"`

	// Model and Tier are empty when the classifier decided alone.
	Model string `json:"model,omitempty"`
	Tier  string `json:"tier,omitempty"`
	Stage string `json:"stage"`

	Violations      []string                 `json:"violations,omitempty"`
	Health          datatypes.HealthSnapshot `json:"health"`
	RollbackAdvised bool                     `json:"rollback_advised"`

	// RepeatedError is set when this phase already failed with the same
	// error signature.
	RepeatedError bool `json:"repeated_error"`

	Duration time.Duration `json:"duration"`
}

type runState struct {
	monitor *health.Monitor

	mu     sync.Mutex
	phases map[string]*phaseState
}

type phaseState struct {
	// mu serializes diagnoses of one phase.
	mu sync.Mutex

	// users counts diagnoses holding or waiting for mu. Guarded by the
	// owning runState's mu. The map entry outlives a drop while users > 0,
	// so a new diagnosis of the phase still queues behind the in-flight one.
	users int

	// stateMu guards ctx and epoch so readers never wait on an in-flight
	// diagnosis. ctx is nil once the phase has been dropped.
	stateMu sync.Mutex
	ctx     *DiagnosisContext
	epoch   uint64
}

// snapshot returns a copy of the history and the epoch it belongs to. The
// copy is nil after a drop.
func (ps *phaseState) snapshot() (*DiagnosisContext, uint64) {
	ps.stateMu.Lock()
	defer ps.stateMu.Unlock()
	if ps.ctx == nil {
		return nil, ps.epoch
	}
	return ps.ctx.clone(), ps.epoch
}

// commit stores next unless the phase was dropped since epoch.
func (ps *phaseState) commit(next *DiagnosisContext, epoch uint64) bool {
	ps.stateMu.Lock()
	defer ps.stateMu.Unlock()
	if ps.epoch != epoch {
		return false
	}
	ps.ctx = next
	return true
}

// reset discards the history and reports whether there was any.
func (ps *phaseState) reset() bool {
	ps.stateMu.Lock()
	defer ps.stateMu.Unlock()
	had := ps.ctx != nil
	ps.ctx = nil
	ps.epoch++
	return had
}

// Engine diagnoses failed phase attempts.
//
// # Description
//
// Engine owns per-run health state and per-phase diagnosis history. Runs
// are created on their first failure. Diagnoses of the same phase are
// strictly sequential; different phases and runs proceed concurrently.
//
// Thread Safety: Safe for concurrent use.
type Engine struct {
	config       Config
	trigger      *escalation.Trigger
	gate         *gate.Gate
	investigator *evidence.Investigator
	maker        *decision.Maker
	doctor       *doctor.Doctor
	queue        *memory.EventQueue
	tracer       trace.Tracer
	logger       *slog.Logger

	mu   sync.Mutex
	runs map[string]*runState
}

// New creates an engine.
//
// Outputs:
//   - *Engine: Ready engine.
//   - error: ErrMissingDependency if a required collaborator is nil.
func New(config Config, deps Deps) (*Engine, error) {
	switch {
	case deps.Trigger == nil:
		return nil, fmt.Errorf("%w: trigger", ErrMissingDependency)
	case deps.Gate == nil:
		return nil, fmt.Errorf("%w: gate", ErrMissingDependency)
	case deps.Investigator == nil:
		return nil, fmt.Errorf("%w: investigator", ErrMissingDependency)
	case deps.Maker == nil:
		return nil, fmt.Errorf("%w: decision maker", ErrMissingDependency)
	case deps.Doctor == nil:
		return nil, fmt.Errorf("%w: doctor", ErrMissingDependency)
	}
	tp := deps.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Engine{
		config:       config,
		trigger:      deps.Trigger,
		gate:         deps.Gate,
		investigator: deps.Investigator,
		maker:        deps.Maker,
		doctor:       deps.Doctor,
		queue:        deps.Queue,
		tracer:       tp.Tracer("aleutian.recovery.engine"),
		logger:       logging.Component(deps.Logger, "engine"),
		runs:         make(map[string]*runState),
	}, nil
}

func (e *Engine) run(runID string) *runState {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, ok := e.runs[runID]
	if !ok {
		var sink health.TripSink
		if e.queue != nil {
			sink = e.queue
		}
		rs = &runState{
			monitor: health.NewMonitor(runID, e.config.Health, sink, e.logger),
			phases:  make(map[string]*phaseState),
		}
		e.runs[runID] = rs
		activeRuns.Set(float64(len(e.runs)))
	}
	return rs
}

func (e *Engine) lookup(runID string) (*runState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, ok := e.runs[runID]
	return rs, ok
}

// acquire returns the phase's state with its diagnosis lock held, creating
// the history if the phase has none. The epoch identifies that history for
// a later commit.
func (rs *runState) acquire(runID, phaseID string) (*phaseState, uint64) {
	rs.mu.Lock()
	ps, ok := rs.phases[phaseID]
	if !ok {
		ps = &phaseState{}
		rs.phases[phaseID] = ps
	}
	ps.users++
	rs.mu.Unlock()

	ps.mu.Lock()
	ps.stateMu.Lock()
	if ps.ctx == nil {
		ps.ctx = newDiagnosisContext(runID, phaseID)
	}
	epoch := ps.epoch
	ps.stateMu.Unlock()
	return ps, epoch
}

// release unlocks ps and removes it once it is dropped and unused.
func (rs *runState) release(phaseID string, ps *phaseState) {
	ps.mu.Unlock()

	rs.mu.Lock()
	defer rs.mu.Unlock()
	ps.users--
	if ps.users > 0 || rs.phases[phaseID] != ps {
		return
	}
	ps.stateMu.Lock()
	dropped := ps.ctx == nil
	ps.stateMu.Unlock()
	if dropped {
		delete(rs.phases, phaseID)
	}
}

// dropPhase discards the phase's history. An in-flight diagnosis keeps
// running but its result is not recorded.
func (rs *runState) dropPhase(phaseID string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	ps, ok := rs.phases[phaseID]
	if !ok {
		return false
	}
	had := ps.reset()
	if ps.users == 0 {
		delete(rs.phases, phaseID)
	}
	return had
}

// HandleFailure diagnoses one failed attempt.
//
// # Description
//
// The failure is recorded against the run's health before anything else,
// so a cancelled diagnosis still counts. If the run's breaker is open the
// diagnosis stops there. Otherwise the pipeline runs trigger, gate,
// investigator, decision maker and, for ambiguous failures, the
// adjudicator. Every returned action has passed the adjudicator's safety
// validation.
//
// Inputs:
//   - ctx: Cancellation for the whole diagnosis.
//   - f: The failure. Not mutated.
//   - p: The phase specification. Not mutated.
//
// Outputs:
//   - *Diagnosis: The validated action and the evidence behind it.
//   - error: Validation errors from datatypes, health.ErrCircuitOpen when
//     the run is halted, or ctx's error if the caller cancelled. Internal
//     component failures never surface; they degrade to fallback actions.
//
// Thread Safety: Safe for concurrent use. Calls for the same phase are
// serialized.
func (e *Engine) HandleFailure(ctx context.Context, f datatypes.FailureContext, p datatypes.PhaseSpec) (*Diagnosis, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "Engine.HandleFailure", trace.WithAttributes(
		attribute.String("run_id", f.RunID),
		attribute.String("phase_id", f.PhaseID),
		attribute.Int("attempt", f.AttemptNumber()),
	))
	defer span.End()

	if err := datatypes.ValidatePair(f, p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid input")
		diagnoses.WithLabelValues(outcomeInvalid).Inc()
		return nil, err
	}

	logger := e.logger.With(
		slog.String("run_id", f.RunID),
		slog.String("phase_id", f.PhaseID),
		slog.Int("attempt", f.AttemptNumber()),
	)

	rs := e.run(f.RunID)
	ps, epoch := rs.acquire(f.RunID, f.PhaseID)
	defer rs.release(f.PhaseID, ps)

	category := e.maker.Categorize(f.ErrorText)
	kind := f.Kind
	if kind == "" {
		kind = category.FailureKind()
	}
	tripsBefore := rs.monitor.Breaker().Stats().Trips
	recordErr := rs.monitor.RecordFailure(ctx, kind, logging.Truncate(f.ErrorText, reasonChars))
	if e.queue != nil {
		if rs.monitor.Breaker().Stats().Trips != tripsBefore {
			// The trip event was just queued; write it now rather than on
			// the next diagnosis, which a halted run may never make.
			e.queue.FlushPending(ctx)
		} else {
			e.queue.FlushOpportunistic(ctx)
		}
	}
	if err := recordErr; err != nil {
		logger.Error("run halted by circuit breaker",
			slog.String("category", string(category)),
			slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "circuit open")
		diagnoses.WithLabelValues(outcomeHalted).Inc()
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, e.cancelled(span, logger, err)
	}

	trig := e.trigger.Evaluate(f.Bundle(), f.PhaseID, f.AttemptNumber())
	var gd gate.Decision
	var gatePtr *gate.Decision
	if trig.Escalate {
		if f.ContextBudgetTotal > 0 {
			gd = e.gate.EvaluateWithTotal(f.ContextBudgetRemaining, f.ContextBudgetTotal)
		} else {
			gd = e.gate.Evaluate(f.ContextBudgetRemaining)
		}
		gatePtr = &gd
		span.SetAttributes(attribute.String("gate.mode", string(gd.Mode)))
	}
	span.SetAttributes(
		attribute.Bool("escalated", trig.Escalate),
		attribute.String("escalation.rule", string(trig.Rule)),
	)

	ev, err := e.investigator.Investigate(ctx, evidence.Request{
		Failure:   f,
		Phase:     p,
		Escalated: trig.Escalate,
		Gate:      gd,
	})
	if err != nil {
		return nil, e.cancelled(span, logger, err)
	}

	// History changes are staged on a copy and committed only when the
	// diagnosis completes.
	next, _ := ps.snapshot()
	if next == nil {
		// Dropped while this diagnosis was running; commit will refuse it.
		next = newDiagnosisContext(f.RunID, f.PhaseID)
	}
	prior := append([]decision.ErrorCategory(nil), next.ErrorCategories...)
	next.addCategory(category)
	repeated := next.addSignature(ErrorSignature(f.ErrorText))
	if trig.Escalate {
		next.EscalationCount++
	}

	result := e.maker.Classify(decision.Input{
		Failure:         f,
		Phase:           p,
		Evidence:        ev,
		PriorCategories: prior,
	})

	snapshot := rs.monitor.Budget().Snapshot()
	diag := &Diagnosis{
		ID:              uuid.NewString(),
		RunID:           f.RunID,
		PhaseID:         f.PhaseID,
		Attempt:         f.AttemptNumber(),
		Escalated:       trig.Escalate,
		EscalationRule:  trig.Rule,
		Gate:            gatePtr,
		Evidence:        ev,
		DecisionType:    result.Type,
		Category:        category,
		Health:          snapshot,
		RollbackAdvised: rs.monitor.ShouldConsiderRollback(),
		RepeatedError:   repeated,
	}

	if result.Decisive() {
		action, violations := e.doctor.ValidateAction(*result.Action)
		diag.Action = action
		diag.Stage = StageClassifier
		diag.Violations = violationStrings(violations)
	} else {
		verdict, err := e.doctor.Adjudicate(ctx, doctor.Request{
			Failure:            f,
			Phase:              p,
			Category:           category,
			Health:             snapshot,
			Evidence:           ev,
			EscalationCount:    next.EscalationCount,
			DistinctCategories: len(next.ErrorCategories),
		})
		if err != nil {
			return nil, e.cancelled(span, logger, err)
		}
		diag.Action = verdict.Action
		diag.Model = verdict.Model
		diag.Tier = verdict.Tier
		diag.Stage = verdict.Stage
		diag.Violations = verdict.Violations
		next.LastModel = verdict.Model
	}

	if err := ctx.Err(); err != nil {
		return nil, e.cancelled(span, logger, err)
	}

	next.Diagnoses++
	next.LastAction = string(diag.Action.Action)
	next.UpdatedAt = time.Now()
	if !ps.commit(next, epoch) {
		logger.Debug("phase history dropped during diagnosis, result not recorded")
	}

	diag.Duration = time.Since(start)
	diagnosisLatency.Observe(diag.Duration.Seconds())
	diagnoses.WithLabelValues(outcomeDiagnosed).Inc()
	actions.WithLabelValues(string(diag.Action.Action), string(diag.DecisionType)).Inc()

	span.SetAttributes(
		attribute.String("decision.type", string(diag.DecisionType)),
		attribute.String("action", string(diag.Action.Action)),
		attribute.Float64("confidence", diag.Action.Confidence),
		attribute.String("model", diag.Model),
	)
	span.SetStatus(codes.Ok, "")

	logger.Info("diagnosis complete",
		slog.String("diagnosis_id", diag.ID),
		slog.String("action", string(diag.Action.Action)),
		slog.Float64("confidence", diag.Action.Confidence),
		slog.String("decision_type", string(diag.DecisionType)),
		slog.String("category", string(category)),
		slog.Bool("escalated", diag.Escalated),
		slog.String("stage", diag.Stage),
		slog.String("model", diag.Model),
		slog.Duration("duration", diag.Duration))

	return diag, nil
}

func (e *Engine) cancelled(span trace.Span, logger *slog.Logger, err error) error {
	logger.Warn("diagnosis cancelled, result discarded", slog.Any("error", err))
	span.RecordError(err)
	span.SetStatus(codes.Error, "cancelled")
	diagnoses.WithLabelValues(outcomeCancelled).Inc()
	return err
}

// RecordOutcome feeds an execution outcome back into run health.
//
// A success resets the breaker's consecutive count and drops the phase's
// diagnosis history. A failure that will not be passed to HandleFailure,
// such as a failed verify command, counts toward health here.
//
// Outputs:
//   - error: health.ErrCircuitOpen if the failure opened the breaker.
func (e *Engine) RecordOutcome(ctx context.Context, runID, phaseID string, success bool, kind datatypes.FailureKind) error {
	if success {
		e.PhaseSucceeded(runID, phaseID)
		return nil
	}
	rs := e.run(runID)
	err := rs.monitor.RecordFailure(ctx, kind.Normalize(), "execution outcome failed for phase "+phaseID)
	if err != nil {
		e.logger.Error("run halted by circuit breaker",
			slog.String("run_id", runID),
			slog.String("phase_id", phaseID),
			slog.Any("error", err))
	}
	return err
}

// PhaseSucceeded resets the breaker's consecutive count and drops the
// phase's diagnosis history.
func (e *Engine) PhaseSucceeded(runID, phaseID string) {
	rs, ok := e.lookup(runID)
	if !ok {
		return
	}
	rs.monitor.RecordSuccess()
	if rs.dropPhase(phaseID) {
		e.logger.Debug("diagnosis context dropped",
			slog.String("run_id", runID),
			slog.String("phase_id", phaseID),
			slog.String("reason", "succeeded"))
	}
}

// PhaseSkipped drops the phase's diagnosis history without touching health.
func (e *Engine) PhaseSkipped(runID, phaseID string) {
	rs, ok := e.lookup(runID)
	if !ok {
		return
	}
	if rs.dropPhase(phaseID) {
		e.logger.Debug("diagnosis context dropped",
			slog.String("run_id", runID),
			slog.String("phase_id", phaseID),
			slog.String("reason", "skipped"))
	}
}

// EndRun drops all state for runID, including cached evidence.
func (e *Engine) EndRun(runID string) {
	e.mu.Lock()
	_, ok := e.runs[runID]
	delete(e.runs, runID)
	activeRuns.Set(float64(len(e.runs)))
	e.mu.Unlock()

	forgotten := e.investigator.Forget(runID)
	if ok {
		e.logger.Info("run ended",
			slog.String("run_id", runID),
			slog.Int("evidence_forgotten", forgotten))
	}
}

// ResetBreaker closes runID's breaker after an operator or policy decision.
// It reports whether the run exists.
func (e *Engine) ResetBreaker(runID string) bool {
	rs, ok := e.lookup(runID)
	if !ok {
		return false
	}
	rs.monitor.Breaker().Reset()
	e.logger.Info("circuit breaker reset", slog.String("run_id", runID))
	return true
}

// DiagnosisContext returns a copy of the phase's diagnosis history.
func (e *Engine) DiagnosisContext(runID, phaseID string) (DiagnosisContext, bool) {
	rs, ok := e.lookup(runID)
	if !ok {
		return DiagnosisContext{}, false
	}
	rs.mu.Lock()
	ps, ok := rs.phases[phaseID]
	rs.mu.Unlock()
	if !ok {
		return DiagnosisContext{}, false
	}
	dc, _ := ps.snapshot()
	if dc == nil {
		return DiagnosisContext{}, false
	}
	return *dc, true
}

// Health returns runID's health snapshot and whether its breaker is open.
func (e *Engine) Health(runID string) (datatypes.HealthSnapshot, bool, bool) {
	rs, ok := e.lookup(runID)
	if !ok {
		return datatypes.HealthSnapshot{}, false, false
	}
	return rs.monitor.Budget().Snapshot(), rs.monitor.Breaker().IsOpen(), true
}

func violationStrings(vs []doctor.Violation) []string {
	if len(vs) == 0 {
		return nil
	}
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.String()
	}
	return out
}
