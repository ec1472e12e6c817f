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
	"encoding/hex"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianRecovery/services/recovery/decision"
	"github.com/zeebo/blake3"
)

// signatureChars bounds the error text hashed into a signature.
const signatureChars = 512

// DiagnosisContext is the per-phase diagnosis history.
//
// It is created on the phase's first failure and dropped when the phase
// succeeds, is skipped, or its run ends.
type DiagnosisContext struct {
	RunID   string `json:"run_id"`
	PhaseID string `json:"phase_id"`

	// ErrorCategories holds distinct categories in first-seen order.
	ErrorCategories []decision.ErrorCategory `json:"error_categories"`

	// Signatures holds distinct error signatures in first-seen order.
	Signatures []string `json:"signatures"`

	EscalationCount int       `json:"escalation_count"`
	Diagnoses       int       `json:"diagnoses"`
	LastModel       string    `json:"last_model,omitempty"`
	LastAction      string    `json:"last_action,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func newDiagnosisContext(runID, phaseID string) *DiagnosisContext {
	return &DiagnosisContext{RunID: runID, PhaseID: phaseID}
}

// clone returns a deep copy.
func (c *DiagnosisContext) clone() *DiagnosisContext {
	out := *c
	out.ErrorCategories = append([]decision.ErrorCategory(nil), c.ErrorCategories...)
	out.Signatures = append([]string(nil), c.Signatures...)
	return &out
}

// addCategory appends c if it has not been seen. It reports whether the
// category was new.
func (c *DiagnosisContext) addCategory(cat decision.ErrorCategory) bool {
	for _, seen := range c.ErrorCategories {
		if seen == cat {
			return false
		}
	}
	c.ErrorCategories = append(c.ErrorCategories, cat)
	return true
}

// addSignature records sig and reports whether it was already present.
func (c *DiagnosisContext) addSignature(sig string) (repeated bool) {
	for _, seen := range c.Signatures {
		if seen == sig {
			return true
		}
	}
	c.Signatures = append(c.Signatures, sig)
	return false
}

// ErrorSignature hashes the normalized head of errorText so that the same
// failure reported with different whitespace or casing maps to one value.
func ErrorSignature(errorText string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(errorText), " "))
	if len(normalized) > signatureChars {
		normalized = normalized[:signatureChars]
	}
	sum := blake3.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:16])
}
