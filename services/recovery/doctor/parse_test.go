// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package doctor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRecovery/services/recovery/datatypes"
)

func TestParseVerdict_Stages(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		stage      string
		action     datatypes.ActionKind
		confidence float64
	}{
		{
			name:       "whole response",
			text:       `{"action": "retry_with_fix", "confidence": 0.9, "rationale": "missing import"}`,
			stage:      StageWholeResponse,
			action:     datatypes.ActionRetryWithFix,
			confidence: 0.9,
		},
		{
			name:       "fenced block",
			text:       "Here is my verdict:\n```json\n{\"action\": \"skip_phase\", \"confidence\": 0.7, \"rationale\": \"optional\"}\n```\nGood luck.",
			stage:      StageFencedBlock,
			action:     datatypes.ActionSkipPhase,
			confidence: 0.7,
		},
		{
			name:       "brace region inside prose",
			text:       `I looked at it. {"action": "rollback_run", "confidence": 0.6, "rationale": "budget {nearly} gone"} Thanks.`,
			stage:      StageBraceRegion,
			action:     datatypes.ActionRollbackRun,
			confidence: 0.6,
		},
		{
			name:       "field extraction from broken JSON",
			text:       `{"action": "mark_fatal", "confidence": 0.95, "rationale": "unrecoverable", oops`,
			stage:      StageFieldExtract,
			action:     datatypes.ActionMarkFatal,
			confidence: 0.95,
		},
		{
			name:       "pure prose",
			text:       "I think the build should probably be planned again from scratch.",
			stage:      StageDefault,
			action:     datatypes.ActionReplan,
			confidence: DefaultUnparseableConfidence,
		},
		{
			name:       "unknown action is a parse failure",
			text:       `{"action": "reboot_the_universe", "confidence": 0.99}`,
			stage:      StageDefault,
			action:     datatypes.ActionReplan,
			confidence: DefaultUnparseableConfidence,
		},
		{
			name:       "missing confidence defaults",
			text:       `{"action": "REPLAN"}`,
			stage:      StageWholeResponse,
			action:     datatypes.ActionReplan,
			confidence: 0.5,
		},
		{
			name:       "confidence clamped",
			text:       `{"action": "replan", "confidence": 7}`,
			stage:      StageWholeResponse,
			action:     datatypes.ActionReplan,
			confidence: 1,
		},
		{
			name:       "string confidence fails schema then fields recover",
			text:       `{"action": "replan", "confidence": "0.3", "rationale": "stuck"}`,
			stage:      StageFieldExtract,
			action:     datatypes.ActionReplan,
			confidence: 0.3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := ParseVerdict(tt.text, DefaultStrategies())
			assert.Equal(t, tt.stage, r.Stage)
			assert.Equal(t, tt.action, r.Action.Action)
			assert.InDelta(t, tt.confidence, r.Action.Confidence, 1e-9)
		})
	}
}

func TestParseVerdict_FieldDefaults(t *testing.T) {
	r := ParseVerdict(`action: retry_with_fix`, DefaultStrategies())
	require.Equal(t, StageFieldExtract, r.Stage)
	assert.InDelta(t, 0.5, r.Action.Confidence, 1e-9)
	assert.Equal(t, RationaleMissing, r.Action.Rationale)
	assert.Len(t, r.Errors, 3)
}

func TestParseVerdict_FullRecord(t *testing.T) {
	text := `{"action":"execute_fix","confidence":0.8,"rationale":"dirty tree","fix_type":"Git",` +
		`"fix_commands":["git stash"],"verify_command":"git status","disable_providers":["slow"]}`
	r := ParseVerdict(text, DefaultStrategies())
	require.Equal(t, StageWholeResponse, r.Stage)
	assert.Equal(t, datatypes.FixTypeGit, r.Action.FixType)
	assert.Equal(t, []string{"git stash"}, r.Action.FixCommands)
	assert.Equal(t, "git status", r.Action.VerifyCommand)
	assert.Equal(t, []string{"slow"}, r.Action.DisableProviders)
	assert.False(t, r.Fallback())
}

func TestParseVerdict_DefaultRationaleNamesFailure(t *testing.T) {
	r := ParseVerdict("", DefaultStrategies())
	assert.Equal(t, StageDefault, r.Stage)
	assert.Contains(t, r.Action.Rationale, "Unparseable adjudicator response")
}

func TestParseVerdict_CustomStrategies(t *testing.T) {
	always := Strategy{Name: "always", Parse: func(string) (datatypes.DecisionAction, error) {
		return datatypes.DecisionAction{Action: datatypes.ActionSkipPhase, Confidence: 1}, nil
	}}
	r := ParseVerdict("anything", []Strategy{always})
	assert.Equal(t, "always", r.Stage)
	assert.Equal(t, datatypes.ActionSkipPhase, r.Action.Action)
}

func TestParseVerdict_SkipsProseBraces(t *testing.T) {
	text := "Replace the {module} placeholder, then {retry}. Verdict: " +
		`{"action":"retry_with_fix","confidence":0.8,"rationale":"missing dep",` +
		`"builder_hint":"add requests to requirements.txt","fix_commands":["pip install requests"]} thanks`
	r := ParseVerdict(text, DefaultStrategies())
	require.Equal(t, StageBraceRegion, r.Stage)
	assert.Equal(t, datatypes.ActionRetryWithFix, r.Action.Action)
	assert.Equal(t, "add requests to requirements.txt", r.Action.BuilderHint)
	assert.Equal(t, []string{"pip install requests"}, r.Action.FixCommands)
}

func TestBraceRegions(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "nested and quoted braces",
			text: `pre {"a": "}", "b": {"c": 1}} post {"x": 2}`,
			want: []string{`{"a": "}", "b": {"c": 1}}`, `{"x": 2}`, `{"a": "}", "b": {"c": 1}} post {"x": 2}`},
		},
		{
			name: "unbalanced tail falls back to widest span",
			text: `{"a": 1 and then } more }`,
			want: []string{`{"a": 1 and then }`, `{"a": 1 and then } more }`},
		},
		{
			name: "single region",
			text: `x {"a": 1} y`,
			want: []string{`{"a": 1}`},
		},
		{
			name: "no braces",
			text: "no braces here",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, braceRegions(tt.text))
		})
	}
}
