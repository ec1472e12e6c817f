// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package decision is the goal-aware pre-filter that runs before the
// adjudicator. It classifies a failure against the phase's declared
// deliverables and paths and, when the answer is obvious, proposes a cheap
// action so the adjudicator call can be skipped.
package decision

import (
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/AleutianAI/AleutianRecovery/services/recovery/datatypes"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/evidence"
)

// Type is the coarse decision type.
type Type string

const (
	// TypeClearFix is a mechanically fixable error with a confident root cause.
	TypeClearFix Type = "clear_fix"

	// TypeScopeViolation means the attempt touched files outside its contract.
	TypeScopeViolation Type = "scope_violation"

	// TypeDeliverableGap means a declared deliverable is reported missing.
	TypeDeliverableGap Type = "deliverable_gap"

	// TypeAmbiguous forwards full evidence to the adjudicator.
	TypeAmbiguous Type = "ambiguous"
)

// ErrInvalidConfig is returned by NewMaker for bad settings.
var ErrInvalidConfig = errors.New("invalid decision config")

// Config tunes the classifier.
type Config struct {
	// ClearFixMinConfidence is the root-cause confidence needed for clear_fix.
	ClearFixMinConfidence float64 `yaml:"clear_fix_min_confidence" json:"clear_fix_min_confidence" validate:"gte=0,lte=1"`

	// MaxConfidence caps the confidence of any short-circuit action.
	MaxConfidence float64 `yaml:"max_confidence" json:"max_confidence" validate:"gt=0,lte=1"`

	// ClearFixCategories are the categories eligible for clear_fix.
	ClearFixCategories []ErrorCategory `yaml:"clear_fix_categories" json:"clear_fix_categories"`
}

// DefaultConfig returns the default classifier settings.
func DefaultConfig() Config {
	return Config{
		ClearFixMinConfidence: 0.7,
		MaxConfidence:         0.85,
		ClearFixCategories:    []ErrorCategory{CategoryImport, CategorySyntax, CategoryDependency, CategoryPatchApply},
	}
}

// Validate checks ranges and category names.
func (c Config) Validate() error {
	if c.ClearFixMinConfidence < 0 || c.ClearFixMinConfidence > 1 {
		return fmt.Errorf("%w: clear_fix_min_confidence %v out of [0,1]", ErrInvalidConfig, c.ClearFixMinConfidence)
	}
	if c.MaxConfidence <= 0 || c.MaxConfidence > 1 {
		return fmt.Errorf("%w: max_confidence %v out of (0,1]", ErrInvalidConfig, c.MaxConfidence)
	}
	for _, cat := range c.ClearFixCategories {
		if !knownCategories[cat] {
			return fmt.Errorf("%w: unknown category %q", ErrInvalidConfig, cat)
		}
	}
	return nil
}

// Input is what the classifier sees for one failure.
type Input struct {
	Failure  datatypes.FailureContext
	Phase    datatypes.PhaseSpec
	Evidence *evidence.Evidence

	// PriorCategories are the categories already seen on this phase before
	// the current attempt.
	PriorCategories []ErrorCategory
}

// Result is one classification.
//
// Action is non-nil only for decisive types; the caller may return it
// without consulting the adjudicator.
type Result struct {
	Type       Type                      `json:"type"`
	Category   ErrorCategory             `json:"category"`
	Action     *datatypes.DecisionAction `json:"action,omitempty"`
	Reason     string                    `json:"reason"`
	Violations []string                  `json:"violations,omitempty"`
}

// Decisive reports whether the result carries a short-circuit action.
func (r Result) Decisive() bool { return r.Action != nil }

// Maker classifies failures.
//
// Thread Safety: Immutable after construction; safe for concurrent use.
type Maker struct {
	config      Config
	categorizer *Categorizer
	clearFix    map[ErrorCategory]bool
	logger      *slog.Logger
}

// NewMaker creates a classifier. A nil categorizer uses the embedded rules.
func NewMaker(config Config, categorizer *Categorizer, logger *slog.Logger) (*Maker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if categorizer == nil {
		categorizer = DefaultCategorizer()
	}
	if logger == nil {
		logger = slog.Default()
	}
	fixable := make(map[ErrorCategory]bool, len(config.ClearFixCategories))
	for _, c := range config.ClearFixCategories {
		fixable[c] = true
	}
	return &Maker{
		config:      config,
		categorizer: categorizer,
		clearFix:    fixable,
		logger:      logger.With(slog.String("component", "decision_maker")),
	}, nil
}

// Categorize classifies error text with this maker's rules.
func (m *Maker) Categorize(errorText string) ErrorCategory {
	return m.categorizer.Categorize(errorText)
}

// Classify assigns a decision type. Checks run in order: scope violation,
// deliverable gap, clear fix; anything else is ambiguous.
func (m *Maker) Classify(in Input) Result {
	category := m.categorizer.Categorize(in.Failure.ErrorText)
	result := m.classify(in, category)
	classifications.WithLabelValues(string(result.Type), string(category)).Inc()
	m.logger.Info("classified failure",
		slog.String("run_id", in.Failure.RunID),
		slog.String("phase_id", in.Failure.PhaseID),
		slog.String("type", string(result.Type)),
		slog.String("category", string(category)))
	return result
}

func (m *Maker) classify(in Input, category ErrorCategory) Result {
	if violations := m.scopeViolations(in); len(violations) > 0 {
		return Result{
			Type:       TypeScopeViolation,
			Category:   category,
			Violations: violations,
			Reason:     "attempt touched files outside the phase contract",
			Action: &datatypes.DecisionAction{
				Action:     datatypes.ActionReplan,
				Confidence: m.cap(0.8),
				Rationale:  "Scope violation: " + strings.Join(violations, "; "),
			},
		}
	}

	if missing := missingDeliverables(in.Phase.Deliverables, in.Failure.ErrorText); len(missing) > 0 {
		return Result{
			Type:     TypeDeliverableGap,
			Category: category,
			Reason:   "declared deliverables reported missing",
			Action: &datatypes.DecisionAction{
				Action:      datatypes.ActionRetryWithFix,
				Confidence:  m.cap(0.75),
				Rationale:   "Deliverable gap: " + strings.Join(missing, ", "),
				BuilderHint: "Create the missing deliverables: " + strings.Join(missing, ", "),
			},
		}
	}

	bundle := in.Failure.Bundle()
	if in.Evidence != nil {
		bundle = in.Evidence.Shallow
	}
	confidence := bundle.Confidence()
	repeated := containsCategory(in.PriorCategories, category)
	if m.clearFix[category] && confidence >= m.config.ClearFixMinConfidence && !repeated {
		return Result{
			Type:     TypeClearFix,
			Category: category,
			Reason:   fmt.Sprintf("%s with root-cause confidence %.2f", category, confidence),
			Action: &datatypes.DecisionAction{
				Action:      datatypes.ActionRetryWithFix,
				Confidence:  m.cap(confidence),
				Rationale:   fmt.Sprintf("Mechanically fixable %s", category),
				BuilderHint: builderHint(category, bundle, in.Evidence),
			},
		}
	}

	reason := "no decisive signal"
	switch {
	case repeated:
		reason = fmt.Sprintf("%s repeated on this phase", category)
	case m.clearFix[category]:
		reason = fmt.Sprintf("root-cause confidence %.2f below %.2f", confidence, m.config.ClearFixMinConfidence)
	}
	return Result{Type: TypeAmbiguous, Category: category, Reason: reason}
}

func (m *Maker) cap(v float64) float64 {
	if v > m.config.MaxConfidence {
		return m.config.MaxConfidence
	}
	return v
}

// scopeViolations checks patched files against allowed and protected paths,
// and stack-trace files against protected paths.
func (m *Maker) scopeViolations(in Input) []string {
	var out []string
	for _, f := range PatchFiles(in.Failure.LastPatch) {
		if matchAny(in.Phase.ProtectedPaths, f) {
			out = append(out, "protected path modified: "+f)
			continue
		}
		if len(in.Phase.AllowedPaths) > 0 && !matchAny(in.Phase.AllowedPaths, f) {
			out = append(out, "outside allowed paths: "+f)
		}
	}
	if len(in.Phase.ProtectedPaths) > 0 {
		for _, f := range TraceFiles(in.Failure.StackTrace) {
			if matchAny(in.Phase.ProtectedPaths, f) {
				out = append(out, "failure in protected path: "+f)
			}
		}
	}
	return out
}

var missingMarkers = []string{
	"missing", "not found", "no such file", "does not exist", "not created", "filenotfounderror",
}

// missingDeliverables returns deliverables the error text names alongside a
// missing-file marker. Order follows the phase declaration.
func missingDeliverables(deliverables []string, errorText string) []string {
	if len(deliverables) == 0 || errorText == "" {
		return nil
	}
	text := strings.ToLower(errorText)
	marked := false
	for _, mk := range missingMarkers {
		if strings.Contains(text, mk) {
			marked = true
			break
		}
	}
	if !marked {
		return nil
	}
	var out []string
	for _, d := range deliverables {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		lower := strings.ToLower(d)
		base := strings.ToLower(path.Base(d))
		if strings.Contains(text, lower) || (len(base) > 3 && strings.Contains(text, base)) {
			out = append(out, d)
		}
	}
	return out
}

func containsCategory(list []ErrorCategory, c ErrorCategory) bool {
	for _, x := range list {
		if x == c {
			return true
		}
	}
	return false
}

var categoryHints = map[ErrorCategory]string{
	CategoryImport:     "Fix the failing import: check the module path, package layout and exported names.",
	CategorySyntax:     "Fix the syntax error at the reported location before changing anything else.",
	CategoryDependency: "Resolve the dependency: pin a compatible version or add the missing requirement.",
	CategoryPatchApply: "Regenerate the patch against the current file contents; the previous hunks no longer apply.",
}

func builderHint(category ErrorCategory, bundle datatypes.EvidenceBundle, ev *evidence.Evidence) string {
	var b strings.Builder
	b.WriteString(categoryHints[category])
	if rc := strings.TrimSpace(bundle.RootCause); rc != "" {
		b.WriteString(" Root cause: ")
		b.WriteString(rc)
	}
	if ev != nil && ev.Probes != nil {
		for _, p := range ev.Probes.Probes {
			if !p.Passed {
				b.WriteString(" Failing probe: ")
				b.WriteString(p.Name)
				break
			}
		}
	}
	return strings.TrimSpace(b.String())
}
