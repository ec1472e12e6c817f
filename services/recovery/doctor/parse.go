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
	_ "embed"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/AleutianAI/AleutianRecovery/services/recovery/datatypes"
)

// =============================================================================
// Parse Errors
// =============================================================================

// ParseError describes why one parse stage could not produce an action.
type ParseError struct {
	// Stage is the strategy name that failed.
	Stage string `json:"stage"`

	// Reason is a human-readable explanation.
	Reason string `json:"reason"`

	// Retryable is true when a later stage may still succeed.
	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return e.Stage + ": " + e.Reason
}

func parseErr(stage, format string, args ...any) *ParseError {
	return &ParseError{Stage: stage, Reason: fmt.Sprintf(format, args...), Retryable: true}
}

// Stage names, in chain order.
const (
	StageWholeResponse = "whole_response"
	StageFencedBlock   = "fenced_block"
	StageBraceRegion   = "brace_region"
	StageFieldExtract  = "field_extract"
	StageDefault       = "default"
)

// RationaleMissing marks a verdict whose rationale could not be recovered.
const RationaleMissing = "[rationale not provided]"

// defaultFieldConfidence applies when field extraction finds no confidence.
const defaultFieldConfidence = 0.5

// =============================================================================
// Strategies
// =============================================================================

// Strategy is one parse attempt: text in, action or *ParseError out.
type Strategy struct {
	Name  string
	Parse func(text string) (datatypes.DecisionAction, error)
}

//go:embed policy/verdict.schema.json
var verdictSchemaJSON string

var verdictSchema = jsonschema.MustCompileString("verdict.schema.json", verdictSchemaJSON)

type verdictRecord struct {
	Action           string   `json:"action"`
	Confidence       *float64 `json:"confidence"`
	Rationale        string   `json:"rationale"`
	BuilderHint      string   `json:"builder_hint"`
	SuggestedPatch   string   `json:"suggested_patch"`
	FixCommands      []string `json:"fix_commands"`
	FixType          string   `json:"fix_type"`
	VerifyCommand    string   `json:"verify_command"`
	DisableProviders []string `json:"disable_providers"`
}

// DefaultStrategies returns the structured stages in chain order. The
// conservative default is applied by ParseVerdict, not by a strategy.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{Name: StageWholeResponse, Parse: parseWhole},
		{Name: StageFencedBlock, Parse: parseFenced},
		{Name: StageBraceRegion, Parse: parseBraces},
		{Name: StageFieldExtract, Parse: parseFields},
	}
}

// decodeVerdict validates candidate JSON against the verdict schema and
// converts it into an action.
func decodeVerdict(stage, candidate string) (datatypes.DecisionAction, error) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return datatypes.DecisionAction{}, parseErr(stage, "no candidate text")
	}

	dec := json.NewDecoder(strings.NewReader(candidate))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return datatypes.DecisionAction{}, parseErr(stage, "invalid JSON: %v", err)
	}
	if dec.More() {
		return datatypes.DecisionAction{}, parseErr(stage, "trailing data after JSON value")
	}
	if err := verdictSchema.Validate(doc); err != nil {
		return datatypes.DecisionAction{}, parseErr(stage, "schema: %v", err)
	}

	var rec verdictRecord
	if err := json.Unmarshal([]byte(candidate), &rec); err != nil {
		return datatypes.DecisionAction{}, parseErr(stage, "decode: %v", err)
	}
	kind, ok := datatypes.ParseActionKind(rec.Action)
	if !ok {
		return datatypes.DecisionAction{}, parseErr(stage, "unknown action %q", rec.Action)
	}

	action := datatypes.DecisionAction{
		Action:           kind,
		Confidence:       defaultFieldConfidence,
		Rationale:        strings.TrimSpace(rec.Rationale),
		BuilderHint:      rec.BuilderHint,
		SuggestedPatch:   rec.SuggestedPatch,
		FixCommands:      rec.FixCommands,
		FixType:          datatypes.FixType(strings.ToLower(strings.TrimSpace(rec.FixType))),
		VerifyCommand:    rec.VerifyCommand,
		DisableProviders: rec.DisableProviders,
	}
	if rec.Confidence != nil {
		action.Confidence = *rec.Confidence
	}
	if action.Rationale == "" {
		action.Rationale = RationaleMissing
	}
	action.ClampConfidence()
	return action, nil
}

func parseWhole(text string) (datatypes.DecisionAction, error) {
	return decodeVerdict(StageWholeResponse, text)
}

var fencePattern = regexp.MustCompile("(?s)```[A-Za-z0-9_-]*[ \t]*\r?\n?(.*?)```")

func parseFenced(text string) (datatypes.DecisionAction, error) {
	blocks := fencePattern.FindAllStringSubmatch(text, -1)
	if len(blocks) == 0 {
		return datatypes.DecisionAction{}, parseErr(StageFencedBlock, "no fenced code block")
	}
	var last error
	for _, b := range blocks {
		action, err := decodeVerdict(StageFencedBlock, b[1])
		if err == nil {
			return action, nil
		}
		last = err
	}
	return datatypes.DecisionAction{}, last
}

func parseBraces(text string) (datatypes.DecisionAction, error) {
	regions := braceRegions(text)
	if len(regions) == 0 {
		return datatypes.DecisionAction{}, parseErr(StageBraceRegion, "no brace region")
	}
	var lastErr error
	for _, region := range regions {
		action, err := decodeVerdict(StageBraceRegion, region)
		if err == nil {
			return action, nil
		}
		lastErr = err
	}
	return datatypes.DecisionAction{}, lastErr
}

// braceRegions returns every top-level balanced {...} region in order,
// skipping braces inside JSON strings. The span from the first '{' to the
// last '}' is appended as a final candidate when it differs from them.
func braceRegions(text string) []string {
	var regions []string
	for pos := 0; pos < len(text); {
		off := strings.IndexByte(text[pos:], '{')
		if off < 0 {
			break
		}
		start := pos + off
		end, ok := balancedEnd(text, start)
		if !ok {
			pos = start + 1
			continue
		}
		regions = append(regions, text[start:end+1])
		pos = end + 1
	}

	first := strings.IndexByte(text, '{')
	last := strings.LastIndexByte(text, '}')
	if first >= 0 && last > first {
		span := text[first : last+1]
		if len(regions) == 0 || regions[0] != span {
			regions = append(regions, span)
		}
	}
	return regions
}

// balancedEnd returns the index of the '}' closing the '{' at start.
func balancedEnd(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

var (
	fieldAction     = regexp.MustCompile(`(?i)["']?\baction["']?\s*[:=]\s*["']?([A-Za-z_-]+)`)
	fieldConfidence = regexp.MustCompile(`(?i)["']?\bconfidence["']?\s*[:=]\s*["']?([0-9]*\.?[0-9]+)`)
	fieldRationale  = regexp.MustCompile(`(?i)["']?\brationale["']?\s*[:=]\s*"((?:[^"\\]|\\.)*)"`)
)

func parseFields(text string) (datatypes.DecisionAction, error) {
	m := fieldAction.FindStringSubmatch(text)
	if m == nil {
		return datatypes.DecisionAction{}, parseErr(StageFieldExtract, "no action field")
	}
	kind, ok := datatypes.ParseActionKind(m[1])
	if !ok {
		return datatypes.DecisionAction{}, parseErr(StageFieldExtract, "unknown action %q", m[1])
	}

	action := datatypes.DecisionAction{Action: kind, Confidence: defaultFieldConfidence, Rationale: RationaleMissing}
	if c := fieldConfidence.FindStringSubmatch(text); c != nil {
		if v, err := strconv.ParseFloat(c[1], 64); err == nil {
			action.Confidence = v
		}
	}
	if r := fieldRationale.FindStringSubmatch(text); r != nil {
		if unq, err := strconv.Unquote(`"` + r[1] + `"`); err == nil && strings.TrimSpace(unq) != "" {
			action.Rationale = strings.TrimSpace(unq)
		} else if strings.TrimSpace(r[1]) != "" {
			action.Rationale = strings.TrimSpace(r[1])
		}
	}
	action.ClampConfidence()
	return action, nil
}

// =============================================================================
// Chain
// =============================================================================

// Conservative defaults for stage five.
const (
	DefaultUnparseableConfidence = 0.4
	DefaultCallFailedConfidence  = 0.2
)

// ParseResult is the outcome of the parse chain.
type ParseResult struct {
	Action datatypes.DecisionAction

	// Stage names the strategy that produced Action, or StageDefault.
	Stage string

	// Errors holds each failed stage's error, in order.
	Errors []*ParseError
}

// Fallback reports whether a stage after the first was needed.
func (r ParseResult) Fallback() bool {
	return r.Stage != StageWholeResponse
}

// ParseVerdict runs strategies in order and returns the first success. If
// every strategy fails, the conservative default replan at 0.4 is returned.
func ParseVerdict(text string, strategies []Strategy) ParseResult {
	var errs []*ParseError
	for _, s := range strategies {
		action, err := s.Parse(text)
		if err == nil {
			return ParseResult{Action: action, Stage: s.Name, Errors: errs}
		}
		pe, ok := err.(*ParseError)
		if !ok {
			pe = parseErr(s.Name, "%v", err)
		}
		errs = append(errs, pe)
	}
	reason := "no parse stage succeeded"
	if len(errs) > 0 {
		reason = errs[len(errs)-1].Error()
	}
	return ParseResult{
		Action: DefaultAction(DefaultUnparseableConfidence, "Unparseable adjudicator response: "+reason),
		Stage:  StageDefault,
		Errors: errs,
	}
}

// DefaultAction is the conservative replan used whenever no usable verdict
// exists.
func DefaultAction(confidence float64, rationale string) datatypes.DecisionAction {
	return datatypes.DecisionAction{
		Action:     datatypes.ActionReplan,
		Confidence: confidence,
		Rationale:  rationale,
	}
}
