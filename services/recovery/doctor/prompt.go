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
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/AleutianAI/AleutianRecovery/services/recovery/datatypes"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/evidence"
)

// Prompt size limits.
const (
	MaxPatchChars         = 1500
	MaxLogChars           = 800
	MaxValidationErrors   = 5
	maxEvidenceEntries    = 5
	maxEvidenceEntryChars = 600
	truncationMarker      = "\n[...truncated]"
)

// PromptData is the input to the adjudicator prompt template.
type PromptData struct {
	PhaseID          string
	Category         string
	Attempt          int
	Health           datatypes.HealthSnapshot
	RollbackAdvised  bool
	ErrorText        string
	RootCause        string
	Patch            string
	Log              string
	ValidationErrors []string
	Intention        string
	Deliverables     []string
	Acceptance       []string
	SimilarErrors    []evidence.Entry
	MemoryEntries    []evidence.Entry
	FailedProbes     []evidence.ProbeResult
	Actions          []datatypes.ActionKind
}

// DefaultPromptTemplate is the adjudicator prompt.
const DefaultPromptTemplate = `You are the recovery doctor for an autonomous build pipeline. A phase has failed and you must choose exactly one recovery action.

## Failure
- Phase: {{.PhaseID}}
- Error category: {{.Category}}
- Attempt: {{.Attempt}}
- Error: {{.ErrorText}}
{{- if .RootCause}}
- Suspected root cause: {{.RootCause}}
{{- end}}

## Run Health
- Total failures: {{.Health.TotalFailures}} of {{.Health.TotalCap}} (ratio {{printf "%.2f" .Health.HealthRatio}})
- HTTP 500 failures: {{.Health.HTTP500}}
- Patch failures: {{.Health.PatchFailures}}
{{- if .RollbackAdvised}}
- The run is near its failure budget; consider rollback_run if recovery looks unlikely.
{{- end}}
{{- if .Deliverables}}

## Phase Deliverables
{{- range .Deliverables}}
- {{.}}
{{- end}}
{{- end}}
{{- if .Acceptance}}

## Acceptance Criteria
{{- range .Acceptance}}
- {{.}}
{{- end}}
{{- end}}
{{- if .Patch}}

## Last Patch
` + "```diff" + `
{{.Patch}}
` + "```" + `
{{- end}}
{{- if .Log}}

## Log Excerpt
` + "```" + `
{{.Log}}
` + "```" + `
{{- end}}
{{- if .ValidationErrors}}

## Patch Validation Errors
{{- range .ValidationErrors}}
- {{.}}
{{- end}}
{{- end}}
{{- if .FailedProbes}}

## Failed Probes
{{- range .FailedProbes}}
- {{.Name}}{{if .Output}}: {{.Output}}{{end}}
{{- end}}
{{- end}}
{{- if .SimilarErrors}}

## Similar Past Errors
{{- range .SimilarErrors}}
- ({{printf "%.2f" .Score}}) {{.Content}}
{{- end}}
{{- else if .MemoryEntries}}

## Related Memory
{{- range .MemoryEntries}}
- ({{printf "%.2f" .Score}}) {{.Content}}
{{- end}}
{{- end}}
{{- if .Intention}}

## Project Intention
{{.Intention}}
{{- end}}

## Output Format
Respond with ONLY a JSON object:
{"action": "<one of: {{join .Actions ", "}}>", "confidence": <0.0-1.0>, "rationale": "<why>", "builder_hint": "<optional guidance for the builder>", "suggested_patch": "<optional unified diff>", "fix_commands": ["<only for execute_fix>"], "fix_type": "<git|file|python, only for execute_fix>", "verify_command": "<required for execute_fix>"}

execute_fix commands must not contain shell operators and must include a verify_command.`

// PromptBuilder renders the adjudicator prompt.
//
// Thread Safety: Safe for concurrent use.
type PromptBuilder struct {
	tmpl *template.Template
}

// NewPromptBuilder parses text as the prompt template. Empty text uses
// DefaultPromptTemplate.
func NewPromptBuilder(text string) (*PromptBuilder, error) {
	if text == "" {
		text = DefaultPromptTemplate
	}
	funcMap := template.FuncMap{
		"join": func(items []datatypes.ActionKind, sep string) string {
			parts := make([]string, len(items))
			for i, a := range items {
				parts[i] = string(a)
			}
			return strings.Join(parts, sep)
		},
	}
	tmpl, err := template.New("doctor").Funcs(funcMap).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	return &PromptBuilder{tmpl: tmpl}, nil
}

// Build renders the prompt.
func (p *PromptBuilder) Build(data PromptData) (string, error) {
	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}

// NewPromptData assembles and truncates the template input for req.
func NewPromptData(req Request, rollbackThreshold float64) PromptData {
	f := req.Failure
	data := PromptData{
		PhaseID:         f.PhaseID,
		Category:        string(req.Category),
		Attempt:         f.AttemptNumber(),
		Health:          req.Health,
		RollbackAdvised: rollbackThreshold > 0 && req.Health.HealthRatio >= rollbackThreshold,
		ErrorText:       truncateChars(f.ErrorText, MaxLogChars),
		RootCause:       f.RootCause,
		Patch:           truncateChars(f.LastPatch, MaxPatchChars),
		Log:             truncateChars(f.LogExcerpt, MaxLogChars),
		Intention:       strings.TrimSpace(f.Intention),
		Deliverables:    req.Phase.Deliverables,
		Acceptance:      req.Phase.AcceptanceCriteria,
		Actions:         datatypes.ActionKinds(),
	}
	if data.Category == "" {
		data.Category = "unknown"
	}

	for _, e := range f.PatchValidationErrors {
		if len(data.ValidationErrors) == MaxValidationErrors {
			break
		}
		if e = strings.TrimSpace(e); e != "" {
			data.ValidationErrors = append(data.ValidationErrors, e)
		}
	}

	if ev := req.Evidence; ev != nil {
		data.SimilarErrors = promptEntries(ev.SimilarErrors)
		data.MemoryEntries = promptEntries(ev.MemoryEntries)
		if ev.Probes != nil {
			for _, pr := range ev.Probes.Probes {
				if !pr.Passed {
					pr.Output = truncateChars(pr.Output, maxEvidenceEntryChars)
					data.FailedProbes = append(data.FailedProbes, pr)
				}
			}
		}
	}
	return data
}

func promptEntries(in []evidence.Entry) []evidence.Entry {
	if len(in) == 0 {
		return nil
	}
	n := len(in)
	if n > maxEvidenceEntries {
		n = maxEvidenceEntries
	}
	out := make([]evidence.Entry, n)
	for i := 0; i < n; i++ {
		out[i] = in[i]
		out[i].Content = truncateChars(in[i].Content, maxEvidenceEntryChars)
	}
	return out
}

// truncateChars keeps at most max characters of s, marker included.
func truncateChars(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	marker := []rune(truncationMarker)
	keep := max - len(marker)
	if keep < 0 {
		return string(runes[:max])
	}
	return string(runes[:keep]) + truncationMarker
}
