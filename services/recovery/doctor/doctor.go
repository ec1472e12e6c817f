// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package doctor is the recovery adjudicator. It renders the failure and its
// evidence into one prompt, sends it to a reasoning backend, recovers a
// verdict from whatever comes back, and refuses to surface an unsafe
// execute_fix.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianRecovery/pkg/logging"
	"github.com/AleutianAI/AleutianRecovery/services/llm"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/datatypes"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/decision"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/evidence"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/redact"
)

const tracerName = "aleutian.recovery.doctor"

var (
	// ErrNoClient is returned by New without a reasoning backend.
	ErrNoClient = errors.New("doctor requires an llm client")

	// ErrInvalidConfig is returned by New for bad settings.
	ErrInvalidConfig = errors.New("invalid doctor config")
)

// Model tiers.
const (
	TierCheap  = "cheap"
	TierStrong = "strong"
)

// Config configures the adjudicator.
type Config struct {
	CheapModel  string `yaml:"cheap_model" json:"cheap_model"`
	StrongModel string `yaml:"strong_model" json:"strong_model"`

	// StrongAfterAttempts routes attempts numbered at or above it to the
	// strong model.
	StrongAfterAttempts int `yaml:"strong_after_attempts" json:"strong_after_attempts" validate:"gte=1"`

	// Timeout bounds one reasoning call.
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`

	// RollbackThreshold is the health ratio at which rollback is advised and
	// the strong model is used.
	RollbackThreshold float64 `yaml:"rollback_threshold" json:"rollback_threshold" validate:"gt=0,lte=1"`

	Temperature float32 `yaml:"temperature" json:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int     `yaml:"max_tokens" json:"max_tokens" validate:"gte=0"`

	// ResponseLogChars bounds raw response prefixes in logs and records.
	ResponseLogChars int `yaml:"response_log_chars" json:"response_log_chars" validate:"gte=0"`

	// PromptTemplate overrides DefaultPromptTemplate.
	PromptTemplate string `yaml:"prompt_template" json:"prompt_template"`
}

// DefaultConfig returns the default adjudicator settings.
func DefaultConfig() Config {
	return Config{
		StrongAfterAttempts: 2,
		Timeout:             30 * time.Second,
		RollbackThreshold:   0.8,
		Temperature:         0.1,
		MaxTokens:           1024,
		ResponseLogChars:    200,
	}
}

// Validate checks ranges.
func (c Config) Validate() error {
	switch {
	case c.StrongAfterAttempts < 1:
		return fmt.Errorf("%w: strong_after_attempts must be >= 1", ErrInvalidConfig)
	case c.Timeout <= 0:
		return fmt.Errorf("%w: timeout must be > 0", ErrInvalidConfig)
	case c.RollbackThreshold <= 0 || c.RollbackThreshold > 1:
		return fmt.Errorf("%w: rollback_threshold must be in (0,1]", ErrInvalidConfig)
	}
	return nil
}

// Options carries optional collaborators. Zero values use defaults.
type Options struct {
	Policy     *SafetyPolicy
	Recorder   FallbackRecorder
	Strategies []Strategy
	Logger     *slog.Logger

	// Redactor scrubs prompts and recorded response prefixes. Nil uses
	// the embedded policy.
	Redactor *redact.Redactor

	// TracerProvider for adjudication spans. Nil uses the global provider.
	TracerProvider trace.TracerProvider
}

// Request is one adjudication.
type Request struct {
	Failure  datatypes.FailureContext
	Phase    datatypes.PhaseSpec
	Category decision.ErrorCategory
	Health   datatypes.HealthSnapshot
	Evidence *evidence.Evidence

	// EscalationCount and DistinctCategories come from the phase's
	// diagnosis history and feed model routing.
	EscalationCount    int
	DistinctCategories int
}

// Verdict is the adjudicator's validated answer.
type Verdict struct {
	Action datatypes.DecisionAction `json:"action"`
	Model  string                   `json:"model"`
	Tier   string                   `json:"tier"`

	// Stage names the parse stage that produced the action.
	Stage string `json:"stage"`

	// CallFailed is set when the backend errored or timed out.
	CallFailed bool `json:"call_failed,omitempty"`

	// Violations lists safety rules broken by a downgraded execute_fix.
	Violations []string `json:"violations,omitempty"`
}

// Doctor adjudicates failures.
//
// Thread Safety: Safe for concurrent use.
type Doctor struct {
	config     Config
	client     llm.Client
	prompts    *PromptBuilder
	policy     *SafetyPolicy
	recorder   FallbackRecorder
	strategies []Strategy
	redactor   *redact.Redactor
	tracer     trace.Tracer
	logger     *slog.Logger
}

// New creates an adjudicator.
//
// Inputs:
//   - config: Settings, validated here.
//   - client: Reasoning backend. Required.
//   - opts: Optional policy, recorder, parse strategies and logger.
func New(config Config, client llm.Client, opts Options) (*Doctor, error) {
	if client == nil {
		return nil, ErrNoClient
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	prompts, err := NewPromptBuilder(config.PromptTemplate)
	if err != nil {
		return nil, err
	}
	if opts.Policy == nil {
		opts.Policy = DefaultSafetyPolicy()
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if len(opts.Strategies) == 0 {
		opts.Strategies = DefaultStrategies()
	}
	if opts.Redactor == nil {
		opts.Redactor = redact.Default()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}
	return &Doctor{
		config:     config,
		client:     client,
		prompts:    prompts,
		policy:     opts.Policy,
		recorder:   opts.Recorder,
		strategies: append([]Strategy(nil), opts.Strategies...),
		redactor:   opts.Redactor,
		tracer:     opts.TracerProvider.Tracer(tracerName),
		logger:     logging.Component(opts.Logger, "doctor"),
	}, nil
}

// SelectModel picks the model tier for req. The strong tier applies when the
// run is near its failure budget, the attempt number reaches
// StrongAfterAttempts, an escalated phase has failed in two or more
// distinct ways, or the phase is declared high complexity.
func (d *Doctor) SelectModel(req Request) (tier, model string) {
	strong := req.Health.HealthRatio >= d.config.RollbackThreshold ||
		req.Failure.AttemptNumber() >= d.config.StrongAfterAttempts ||
		(req.EscalationCount >= 1 && req.DistinctCategories >= 2) ||
		req.Phase.Complexity == datatypes.ComplexityHigh

	if strong && d.config.StrongModel != "" {
		return TierStrong, d.config.StrongModel
	}
	if strong {
		return TierStrong, d.config.CheapModel
	}
	return TierCheap, d.config.CheapModel
}

// ValidateAction checks any proposed action before it leaves the engine:
// unknown kinds become the conservative default, confidence is clamped, and
// unsafe execute_fix requests are downgraded.
func (d *Doctor) ValidateAction(a datatypes.DecisionAction) (datatypes.DecisionAction, []Violation) {
	if !a.Action.Valid() {
		return DefaultAction(DefaultUnparseableConfidence, fmt.Sprintf("Invalid action %q", a.Action)), nil
	}
	a.ClampConfidence()
	return d.policy.Enforce(a)
}

// Adjudicate asks the reasoning backend for a recovery action.
//
// # Description
//
// The call runs under Config.Timeout. A backend error or timeout resolves
// to replan at 0.2 and is never retried. The response goes through the
// parse chain; a response nothing can parse resolves to replan at 0.4. The
// final action always passes ValidateAction.
//
// Outputs:
//   - Verdict: The validated verdict.
//   - error: Only ctx's error when the caller cancelled.
func (d *Doctor) Adjudicate(ctx context.Context, req Request) (Verdict, error) {
	ctx, span := d.tracer.Start(ctx, "Doctor.Adjudicate")
	defer span.End()

	tier, model := d.SelectModel(req)
	attempt := req.Failure.AttemptNumber()
	span.SetAttributes(
		attribute.String("run_id", req.Failure.RunID),
		attribute.String("phase_id", req.Failure.PhaseID),
		attribute.Int("attempt", attempt),
		attribute.String("tier", tier),
		attribute.String("model", model),
	)
	logger := d.logger.With(
		slog.String("run_id", req.Failure.RunID),
		slog.String("phase_id", req.Failure.PhaseID),
		slog.Int("attempt", attempt),
	)
	record := FallbackRecord{
		Time:    time.Now().UTC(),
		RunID:   req.Failure.RunID,
		PhaseID: req.Failure.PhaseID,
		Attempt: attempt,
		Model:   model,
	}

	prompt, err := d.prompts.Build(NewPromptData(req, d.config.RollbackThreshold))
	if err != nil {
		logger.Warn("prompt rendering failed", slog.String("error", err.Error()))
		record.Stage, record.ErrorType, record.Detail = StageDefault, FallbackPromptError, err.Error()
		d.recorder.Record(record)
		adjudications.WithLabelValues(tier, "prompt_error").Inc()
		return d.finish(span, logger, Verdict{
			Action:     DefaultAction(DefaultCallFailedConfidence, "Adjudicator prompt could not be rendered: "+err.Error()),
			Model:      model,
			Tier:       tier,
			Stage:      StageDefault,
			CallFailed: true,
		}), nil
	}

	temperature := d.config.Temperature
	params := llm.GenerationParams{Model: model, Temperature: &temperature}
	if d.config.MaxTokens > 0 {
		maxTokens := d.config.MaxTokens
		params.MaxTokens = &maxTokens
	}

	prompt, scrubbed := d.redactor.Redact(prompt)
	if scrubbed > 0 {
		span.SetAttributes(attribute.Int("prompt.redactions", scrubbed))
		logger.Debug("redacted sensitive values from prompt", slog.Int("count", scrubbed))
	}

	callCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	start := time.Now()
	text, err := d.client.Generate(callCtx, prompt, params)
	callLatency.WithLabelValues(tier).Observe(time.Since(start).Seconds())
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err == nil && timedOut {
		err = context.DeadlineExceeded
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			span.SetStatus(codes.Error, "cancelled")
			adjudications.WithLabelValues(tier, "cancelled").Inc()
			return Verdict{}, ctxErr
		}
		status, errType := "error", FallbackCallFailed
		rationale := "Adjudicator call failed: " + err.Error()
		if timedOut {
			status, errType = "timeout", FallbackTimeout
			rationale = fmt.Sprintf("Adjudicator call timed out after %s", d.config.Timeout)
		}
		span.RecordError(err)
		logger.Warn("adjudicator call failed, using conservative default",
			slog.String("status", status),
			slog.String("model", model),
			slog.String("error", err.Error()))
		record.Stage, record.ErrorType, record.Detail = StageDefault, errType, err.Error()
		d.recorder.Record(record)
		adjudications.WithLabelValues(tier, status).Inc()
		return d.finish(span, logger, Verdict{
			Action:     DefaultAction(DefaultCallFailedConfidence, rationale),
			Model:      model,
			Tier:       tier,
			Stage:      StageDefault,
			CallFailed: true,
		}), nil
	}
	adjudications.WithLabelValues(tier, "ok").Inc()

	parsed := ParseVerdict(text, d.strategies)
	parseStages.WithLabelValues(parsed.Stage).Inc()
	if parsed.Fallback() {
		prefix, _ := d.redactor.Redact(logging.Truncate(text, d.config.ResponseLogChars))
		errType := FallbackParseStage
		if parsed.Stage == StageDefault {
			errType = FallbackUnparseable
		}
		detail := ""
		if n := len(parsed.Errors); n > 0 {
			detail = parsed.Errors[n-1].Error()
		}
		logger.Warn("adjudicator response needed fallback parsing",
			slog.String("stage", parsed.Stage),
			slog.String("response_prefix", prefix),
			slog.String("last_error", detail))
		record.Stage, record.ErrorType, record.Detail, record.ResponsePrefix = parsed.Stage, errType, detail, prefix
		d.recorder.Record(record)
	}

	verdict := Verdict{Model: model, Tier: tier, Stage: parsed.Stage}
	action, violations := d.ValidateAction(parsed.Action)
	verdict.Action = action
	if len(violations) > 0 {
		downgrades.Inc()
		for _, v := range violations {
			verdict.Violations = append(verdict.Violations, v.String())
		}
		logger.Warn("unsafe execute_fix downgraded",
			slog.Int("violations", len(violations)),
			slog.String("first", verdict.Violations[0]))
		downgraded := record
		downgraded.Stage, downgraded.ErrorType = parsed.Stage, FallbackDowngrade
		downgraded.Detail = verdict.Violations[0]
		d.recorder.Record(downgraded)
	}
	return d.finish(span, logger, verdict), nil
}

func (d *Doctor) finish(span trace.Span, logger *slog.Logger, v Verdict) Verdict {
	span.SetAttributes(
		attribute.String("action", string(v.Action.Action)),
		attribute.Float64("confidence", v.Action.Confidence),
		attribute.String("stage", v.Stage),
	)
	logger.Info("adjudicated",
		slog.String("action", string(v.Action.Action)),
		slog.Float64("confidence", v.Action.Confidence),
		slog.String("stage", v.Stage),
		slog.String("tier", v.Tier))
	return v
}
