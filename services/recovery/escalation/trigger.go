// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package escalation decides whether the shallow evidence for a failed
// attempt is enough, or whether deep investigation is warranted.
//
// The decision is a pure function of the evidence bundle and the policy the
// Trigger was built with. Rules are evaluated in order and the first match
// wins:
//
//  1. insufficient: short error and no stack trace or recent changes
//  2. keyword: error contains an immediate-escalation keyword
//  3. low_confidence: root-cause confidence below the minimum
//  4. not_actionable: error shorter than the actionable length
//  5. unclear_root_cause: root cause shorter than the clear length
//
// Otherwise the trigger does not escalate.
package escalation

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianRecovery/services/recovery/datatypes"
)

//go:embed policy/escalation.yaml
var defaultPolicyYAML []byte

// ErrInvalidPolicy is returned when a policy fails validation.
var ErrInvalidPolicy = errors.New("invalid escalation policy")

// Policy holds the trigger's thresholds and keyword vocabulary.
type Policy struct {
	ImmediateKeywords       []string `yaml:"immediate_keywords" json:"immediate_keywords"`
	InsufficientErrorLength int      `yaml:"insufficient_error_length" json:"insufficient_error_length"`
	ActionableErrorLength   int      `yaml:"actionable_error_length" json:"actionable_error_length"`
	ClearRootCauseLength    int      `yaml:"clear_root_cause_length" json:"clear_root_cause_length"`
	MinRootCauseConfidence  float64  `yaml:"min_root_cause_confidence" json:"min_root_cause_confidence"`
}

// DefaultPolicy returns the embedded policy.
func DefaultPolicy() (Policy, error) {
	return ParsePolicy(defaultPolicyYAML)
}

// ParsePolicy parses and validates a YAML policy.
func ParsePolicy(data []byte) (Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("unmarshal escalation policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate checks thresholds and keywords.
func (p Policy) Validate() error {
	if p.InsufficientErrorLength < 0 || p.ActionableErrorLength < 0 || p.ClearRootCauseLength < 0 {
		return fmt.Errorf("%w: lengths must be non-negative", ErrInvalidPolicy)
	}
	if p.MinRootCauseConfidence < 0 || p.MinRootCauseConfidence > 1 {
		return fmt.Errorf("%w: min_root_cause_confidence must be in [0,1]", ErrInvalidPolicy)
	}
	for i, kw := range p.ImmediateKeywords {
		if kw == "" {
			return fmt.Errorf("%w: immediate_keywords[%d] is empty", ErrInvalidPolicy, i)
		}
	}
	return nil
}

// Rule names the trigger rule that produced a decision.
type Rule string

const (
	RuleInsufficient     Rule = "insufficient"
	RuleKeyword          Rule = "keyword"
	RuleLowConfidence    Rule = "low_confidence"
	RuleNotActionable    Rule = "not_actionable"
	RuleUnclearRootCause Rule = "unclear_root_cause"
	RuleNone             Rule = "none"
)

// Decision is the trigger's verdict and the rule that produced it.
type Decision struct {
	Escalate bool   `json:"escalate"`
	Rule     Rule   `json:"rule"`
	Keyword  string `json:"keyword,omitempty"`
}

// Trigger evaluates escalation rules against a fixed policy.
//
// Thread Safety: Immutable after construction; safe for concurrent use.
type Trigger struct {
	policy   Policy
	keywords []string
	logger   *slog.Logger
}

// NewTrigger builds a trigger. Keywords are lower-cased once here.
func NewTrigger(policy Policy, logger *slog.Logger) (*Trigger, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	keywords := make([]string, len(policy.ImmediateKeywords))
	for i, kw := range policy.ImmediateKeywords {
		keywords[i] = strings.ToLower(kw)
	}
	return &Trigger{
		policy:   policy,
		keywords: keywords,
		logger:   logger.With(slog.String("component", "escalation")),
	}, nil
}

// NewDefaultTrigger builds a trigger from the embedded policy.
func NewDefaultTrigger(logger *slog.Logger) (*Trigger, error) {
	policy, err := DefaultPolicy()
	if err != nil {
		return nil, err
	}
	return NewTrigger(policy, logger)
}

// ShouldEscalate reports whether the attempt needs deep investigation.
func (t *Trigger) ShouldEscalate(bundle datatypes.EvidenceBundle, phaseID string, attempt int) bool {
	return t.Evaluate(bundle, phaseID, attempt).Escalate
}

// Evaluate applies the rules in order.
//
// Inputs:
//   - bundle: Shallow evidence. Not modified.
//   - phaseID, attempt: Used for logging only; no rule depends on them.
func (t *Trigger) Evaluate(bundle datatypes.EvidenceBundle, phaseID string, attempt int) Decision {
	d := t.evaluate(bundle)
	escalationDecisions.WithLabelValues(string(d.Rule)).Inc()
	t.logger.Debug("escalation evaluated",
		slog.String("phase_id", phaseID),
		slog.Int("attempt", attempt),
		slog.Bool("escalate", d.Escalate),
		slog.String("rule", string(d.Rule)))
	return d
}

func (t *Trigger) evaluate(bundle datatypes.EvidenceBundle) Decision {
	msg := bundle.ErrorMessage

	if len(msg) < t.policy.InsufficientErrorLength && !bundle.HasUsableContext() {
		return Decision{Escalate: true, Rule: RuleInsufficient}
	}

	lower := strings.ToLower(msg)
	for _, kw := range t.keywords {
		if strings.Contains(lower, kw) {
			return Decision{Escalate: true, Rule: RuleKeyword, Keyword: kw}
		}
	}

	if bundle.Confidence() < t.policy.MinRootCauseConfidence {
		return Decision{Escalate: true, Rule: RuleLowConfidence}
	}

	if len(msg) < t.policy.ActionableErrorLength {
		return Decision{Escalate: true, Rule: RuleNotActionable}
	}

	if len(bundle.RootCause) < t.policy.ClearRootCauseLength {
		return Decision{Escalate: true, Rule: RuleUnclearRootCause}
	}

	return Decision{Escalate: false, Rule: RuleNone}
}
