// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the data exchanged between the recovery engine,
// the phase executor that calls it, and its collaborators.
//
// Inbound values (FailureContext, PhaseSpec) are never mutated by the engine.
// The outbound DecisionAction is owned by the executor once returned.
package datatypes

import (
	"strings"
)

// =============================================================================
// Recovery Actions
// =============================================================================

// ActionKind is the closed set of recovery actions the adjudicator may return.
type ActionKind string

const (
	// ActionRetryWithFix retries the phase, optionally with a builder hint or patch.
	ActionRetryWithFix ActionKind = "retry_with_fix"

	// ActionReplan asks the planner to rewrite the phase.
	ActionReplan ActionKind = "replan"

	// ActionRollbackRun rolls the run back to its last good checkpoint.
	ActionRollbackRun ActionKind = "rollback_run"

	// ActionSkipPhase marks the phase skipped and continues the run.
	ActionSkipPhase ActionKind = "skip_phase"

	// ActionMarkFatal halts the run.
	ActionMarkFatal ActionKind = "mark_fatal"

	// ActionExecuteFix runs allowlisted fix commands before retrying.
	ActionExecuteFix ActionKind = "execute_fix"
)

// actionKinds is the canonical ordering used in prompts and schemas.
var actionKinds = []ActionKind{
	ActionRetryWithFix,
	ActionReplan,
	ActionRollbackRun,
	ActionSkipPhase,
	ActionMarkFatal,
	ActionExecuteFix,
}

// ActionKinds returns all valid action kinds in canonical order.
func ActionKinds() []ActionKind {
	out := make([]ActionKind, len(actionKinds))
	copy(out, actionKinds)
	return out
}

// Valid reports whether a is one of the six recovery actions.
func (a ActionKind) Valid() bool {
	for _, k := range actionKinds {
		if a == k {
			return true
		}
	}
	return false
}

// ParseActionKind normalizes s (case, surrounding whitespace and quotes) and
// returns the matching action kind.
func ParseActionKind(s string) (ActionKind, bool) {
	k := ActionKind(strings.ToLower(strings.Trim(strings.TrimSpace(s), `"'`)))
	return k, k.Valid()
}

// FixType scopes the allowlist applied to execute_fix commands.
type FixType string

const (
	FixTypeGit    FixType = "git"
	FixTypeFile   FixType = "file"
	FixTypePython FixType = "python"
)

// Valid reports whether f is a known fix type.
func (f FixType) Valid() bool {
	switch f {
	case FixTypeGit, FixTypeFile, FixTypePython:
		return true
	default:
		return false
	}
}

// DecisionAction is the terminal, safety-validated output of one diagnosis.
type DecisionAction struct {
	Action           ActionKind `json:"action"`
	Confidence       float64    `json:"confidence"`
	Rationale        string     `json:"rationale"`
	BuilderHint      string     `json:"builder_hint,omitempty"`
	SuggestedPatch   string     `json:"suggested_patch,omitempty"`
	FixCommands      []string   `json:"fix_commands,omitempty"`
	FixType          FixType    `json:"fix_type,omitempty"`
	VerifyCommand    string     `json:"verify_command,omitempty"`
	DisableProviders []string   `json:"disable_providers,omitempty"`
}

// ClampConfidence forces Confidence into [0,1].
func (d *DecisionAction) ClampConfidence() {
	switch {
	case d.Confidence < 0:
		d.Confidence = 0
	case d.Confidence > 1:
		d.Confidence = 1
	}
}

// =============================================================================
// Inbound Failure Data
// =============================================================================

// FailureKind selects which HealthBudget counter a failure increments.
type FailureKind string

const (
	FailureKindHTTP500 FailureKind = "http_500"
	FailureKindPatch   FailureKind = "patch_failure"
	FailureKindOther   FailureKind = "other"
)

// Normalize maps unknown or empty kinds to FailureKindOther.
func (k FailureKind) Normalize() FailureKind {
	switch k {
	case FailureKindHTTP500, FailureKindPatch:
		return k
	default:
		return FailureKindOther
	}
}

// FailureContext describes one failed phase attempt as reported by the
// executor.
type FailureContext struct {
	RunID   string `json:"run_id" yaml:"run_id" validate:"required,max=256"`
	PhaseID string `json:"phase_id" yaml:"phase_id" validate:"required,max=256"`

	// ErrorText is the primary error message.
	ErrorText  string `json:"error_text" yaml:"error_text" validate:"maxbytes"`
	StackTrace string `json:"stack_trace,omitempty" yaml:"stack_trace" validate:"maxbytes"`

	// AttemptCount is the number of attempts made before this one.
	AttemptCount int `json:"attempt_count" yaml:"attempt_count" validate:"gte=0"`

	RecentChanges []string `json:"recent_changes,omitempty" yaml:"recent_changes" validate:"max=200"`

	// RootCause and RootCauseConfidence come from shallow analysis, if any.
	RootCause           string   `json:"root_cause,omitempty" yaml:"root_cause"`
	RootCauseConfidence *float64 `json:"root_cause_confidence,omitempty" yaml:"root_cause_confidence" validate:"omitempty,gte=0,lte=1"`

	Kind FailureKind `json:"kind,omitempty" yaml:"kind" validate:"omitempty,oneof=http_500 patch_failure other"`

	// LastPatch is the unified diff the failed attempt tried to apply.
	LastPatch  string `json:"last_patch,omitempty" yaml:"last_patch" validate:"maxbytes"`
	LogExcerpt string `json:"log_excerpt,omitempty" yaml:"log_excerpt" validate:"maxbytes"`

	PatchValidationErrors []string `json:"patch_validation_errors,omitempty" yaml:"patch_validation_errors"`

	// Intention is optional project intention context for the adjudicator.
	Intention string `json:"intention,omitempty" yaml:"intention" validate:"maxbytes"`

	// ContextBudgetRemaining is the run's remaining evidence budget in chars.
	ContextBudgetRemaining int `json:"context_budget_remaining" yaml:"context_budget_remaining"`

	// ContextBudgetTotal is the run's total evidence budget in chars. Zero
	// means the gate falls back to its minimum-required baseline.
	ContextBudgetTotal int `json:"context_budget_total,omitempty" yaml:"context_budget_total" validate:"gte=0"`
}

// AttemptNumber is the 1-based number of the attempt that just failed.
func (f FailureContext) AttemptNumber() int {
	return f.AttemptCount + 1
}

// Bundle projects the shallow evidence bundle out of the failure context.
func (f FailureContext) Bundle() EvidenceBundle {
	changes := make([]string, len(f.RecentChanges))
	copy(changes, f.RecentChanges)
	var conf *float64
	if f.RootCauseConfidence != nil {
		c := *f.RootCauseConfidence
		conf = &c
	}
	return EvidenceBundle{
		ErrorMessage:        f.ErrorText,
		StackTrace:          f.StackTrace,
		RecentChanges:       changes,
		RootCause:           f.RootCause,
		RootCauseConfidence: conf,
	}
}

// Complexity is the planner's declared phase complexity.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// PhaseSpec is the declared contract of the failing phase.
type PhaseSpec struct {
	PhaseID            string     `json:"phase_id" yaml:"phase_id" validate:"required,max=256"`
	Deliverables       []string   `json:"deliverables,omitempty" yaml:"deliverables"`
	AcceptanceCriteria []string   `json:"acceptance_criteria,omitempty" yaml:"acceptance_criteria"`
	AllowedPaths       []string   `json:"allowed_paths,omitempty" yaml:"allowed_paths"`
	ProtectedPaths     []string   `json:"protected_paths,omitempty" yaml:"protected_paths"`
	Complexity         Complexity `json:"complexity,omitempty" yaml:"complexity" validate:"omitempty,oneof=low medium high"`
	Category           string     `json:"category,omitempty" yaml:"category"`
}

// =============================================================================
// Evidence
// =============================================================================

// DefaultRootCauseConfidence applies when shallow analysis reports none.
const DefaultRootCauseConfidence = 1.0

// EvidenceBundle is the shallow failure signal available before any deep
// investigation. It is read-only to the escalation trigger.
type EvidenceBundle struct {
	ErrorMessage        string   `json:"error_message"`
	StackTrace          string   `json:"stack_trace,omitempty"`
	RecentChanges       []string `json:"recent_changes,omitempty"`
	RootCause           string   `json:"root_cause,omitempty"`
	RootCauseConfidence *float64 `json:"root_cause_confidence,omitempty"`
}

// Confidence returns RootCauseConfidence, or 1.0 when absent.
func (b EvidenceBundle) Confidence() float64 {
	if b.RootCauseConfidence == nil {
		return DefaultRootCauseConfidence
	}
	return *b.RootCauseConfidence
}

// HasUsableContext reports whether the bundle carries a non-blank stack
// trace or at least one non-blank recent change.
func (b EvidenceBundle) HasUsableContext() bool {
	if strings.TrimSpace(b.StackTrace) != "" {
		return true
	}
	for _, c := range b.RecentChanges {
		if strings.TrimSpace(c) != "" {
			return true
		}
	}
	return false
}

// =============================================================================
// Health
// =============================================================================

// HealthSnapshot is an immutable copy of a run's HealthBudget.
type HealthSnapshot struct {
	HTTP500       int     `json:"http_500"`
	PatchFailures int     `json:"patch_failures"`
	TotalFailures int     `json:"total_failures"`
	TotalCap      int     `json:"total_cap"`
	HealthRatio   float64 `json:"health_ratio"`
}

// Float64 returns a pointer to v, for optional confidence fields.
func Float64(v float64) *float64 {
	return &v
}
