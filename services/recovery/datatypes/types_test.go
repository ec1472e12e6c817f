// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseActionKind(t *testing.T) {
	tests := []struct {
		in    string
		want  ActionKind
		valid bool
	}{
		{"retry_with_fix", ActionRetryWithFix, true},
		{" REPLAN ", ActionReplan, true},
		{`"rollback_run"`, ActionRollbackRun, true},
		{"skip_phase", ActionSkipPhase, true},
		{"mark_fatal", ActionMarkFatal, true},
		{"execute_fix", ActionExecuteFix, true},
		{"explode", ActionKind("explode"), false},
		{"", ActionKind(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseActionKind(tt.in)
			assert.Equal(t, tt.valid, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestActionKinds_ReturnsCopy(t *testing.T) {
	kinds := ActionKinds()
	require.Len(t, kinds, 6)
	kinds[0] = "tampered"
	assert.Equal(t, ActionRetryWithFix, ActionKinds()[0])
}

func TestFailureKind_Normalize(t *testing.T) {
	assert.Equal(t, FailureKindHTTP500, FailureKindHTTP500.Normalize())
	assert.Equal(t, FailureKindPatch, FailureKindPatch.Normalize())
	assert.Equal(t, FailureKindOther, FailureKind("").Normalize())
	assert.Equal(t, FailureKindOther, FailureKind("disk_full").Normalize())
}

func TestEvidenceBundle_Confidence(t *testing.T) {
	assert.Equal(t, 1.0, EvidenceBundle{}.Confidence())
	assert.Equal(t, 0.3, EvidenceBundle{RootCauseConfidence: Float64(0.3)}.Confidence())
}

func TestEvidenceBundle_HasUsableContext(t *testing.T) {
	assert.False(t, EvidenceBundle{}.HasUsableContext())
	assert.False(t, EvidenceBundle{StackTrace: "  ", RecentChanges: []string{"", " "}}.HasUsableContext())
	assert.True(t, EvidenceBundle{StackTrace: "at main.go:12"}.HasUsableContext())
	assert.True(t, EvidenceBundle{RecentChanges: []string{"edited api.go"}}.HasUsableContext())
}

func TestFailureContext_BundleDoesNotAlias(t *testing.T) {
	fc := FailureContext{
		RunID:               "run-1",
		PhaseID:             "phase-1",
		ErrorText:           "boom",
		RecentChanges:       []string{"a.go"},
		RootCauseConfidence: Float64(0.4),
	}
	b := fc.Bundle()
	b.RecentChanges[0] = "mutated"
	*b.RootCauseConfidence = 0.9

	assert.Equal(t, "a.go", fc.RecentChanges[0])
	assert.Equal(t, 0.4, *fc.RootCauseConfidence)
	assert.Equal(t, 2, FailureContext{AttemptCount: 1}.AttemptNumber())
}

func TestDecisionAction_ClampConfidence(t *testing.T) {
	d := DecisionAction{Confidence: 1.7}
	d.ClampConfidence()
	assert.Equal(t, 1.0, d.Confidence)

	d.Confidence = -0.2
	d.ClampConfidence()
	assert.Equal(t, 0.0, d.Confidence)
}

func TestValidatePair(t *testing.T) {
	fc := FailureContext{RunID: "run-1", PhaseID: "p1", ErrorText: "boom"}
	ps := PhaseSpec{PhaseID: "p1", Complexity: ComplexityHigh}

	require.NoError(t, ValidatePair(fc, ps))

	t.Run("missing run id", func(t *testing.T) {
		bad := fc
		bad.RunID = ""
		err := ValidatePair(bad, ps)
		assert.True(t, errors.Is(err, ErrInvalidFailureContext))
	})

	t.Run("confidence out of range", func(t *testing.T) {
		bad := fc
		bad.RootCauseConfidence = Float64(1.5)
		assert.ErrorIs(t, bad.Validate(), ErrInvalidFailureContext)
	})

	t.Run("oversized error text", func(t *testing.T) {
		bad := fc
		bad.ErrorText = strings.Repeat("x", MaxTextFieldBytes+1)
		assert.ErrorIs(t, bad.Validate(), ErrInvalidFailureContext)
	})

	t.Run("bad complexity", func(t *testing.T) {
		bad := ps
		bad.Complexity = "extreme"
		assert.ErrorIs(t, ValidatePair(fc, bad), ErrInvalidPhaseSpec)
	})

	t.Run("phase mismatch", func(t *testing.T) {
		other := ps
		other.PhaseID = "p2"
		assert.ErrorIs(t, ValidatePair(fc, other), ErrPhaseMismatch)
	})
}
