// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package redact classifies and scrubs sensitive data from text that leaves
// the process: adjudicator prompts and recorded model responses.
//
// Rules are regex patterns grouped into prioritized classifications and
// loaded from an embedded YAML file, so the default policy travels with the
// binary and cannot be edited on the host.
package redact

import (
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed policy/patterns.yaml
var defaultPatternsYAML []byte

// ClassPublic is returned when no pattern matches.
const ClassPublic = "public"

// ErrInvalidPolicy is returned for malformed pattern files.
var ErrInvalidPolicy = errors.New("invalid redaction policy")

// ConfidenceLevel grades how reliably a pattern identifies its class.
type ConfidenceLevel string

const (
	Low    ConfidenceLevel = "low"
	Medium ConfidenceLevel = "medium"
	High   ConfidenceLevel = "high"
)

// UnmarshalYAML rejects unknown confidence levels.
func (c *ConfidenceLevel) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch level := ConfidenceLevel(s); level {
	case High, Medium, Low:
		*c = level
		return nil
	default:
		return fmt.Errorf("invalid confidence %q", s)
	}
}

// Pattern is one regex rule.
type Pattern struct {
	ID          string          `yaml:"id"`
	Description string          `yaml:"description"`
	Regex       string          `yaml:"regex"`
	Confidence  ConfidenceLevel `yaml:"confidence"`

	compiled *regexp.Regexp
}

// Classification groups patterns under one data class.
type Classification struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Priority    int       `yaml:"priority"`
	Patterns    []Pattern `yaml:"patterns"`
}

type policyFile struct {
	Classifications []Classification `yaml:"classifications"`
}

// Finding records one match. The matched text itself is never retained.
type Finding struct {
	LineNumber     int             `json:"line_number"`
	Classification string          `json:"classification"`
	PatternID      string          `json:"pattern_id"`
	Description    string          `json:"description"`
	Confidence     ConfidenceLevel `json:"confidence"`
}

// Redactor applies a compiled policy.
//
// Thread Safety: Immutable after construction; safe for concurrent use.
type Redactor struct {
	classes []Classification
}

// Parse compiles a YAML policy. Classifications are ordered by descending
// priority.
func Parse(data []byte) (*Redactor, error) {
	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if len(file.Classifications) == 0 {
		return nil, fmt.Errorf("%w: no classifications", ErrInvalidPolicy)
	}
	for i := range file.Classifications {
		class := &file.Classifications[i]
		if class.Name == "" || class.Name == ClassPublic {
			return nil, fmt.Errorf("%w: classification %d has reserved or empty name %q", ErrInvalidPolicy, i, class.Name)
		}
		for j := range class.Patterns {
			p := &class.Patterns[j]
			if p.ID == "" {
				return nil, fmt.Errorf("%w: %s pattern %d has no id", ErrInvalidPolicy, class.Name, j)
			}
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("%w: pattern %s: %v", ErrInvalidPolicy, p.ID, err)
			}
			p.compiled = re
		}
	}
	sort.SliceStable(file.Classifications, func(i, j int) bool {
		return file.Classifications[i].Priority > file.Classifications[j].Priority
	})
	return &Redactor{classes: file.Classifications}, nil
}

var defaultRedactor = mustDefault()

func mustDefault() *Redactor {
	r, err := Parse(defaultPatternsYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded redaction policy: %v", err))
	}
	return r
}

// Default returns the redactor built from the embedded policy.
func Default() *Redactor { return defaultRedactor }

// Classify returns the name of the highest-priority classification with a
// matching pattern, or ClassPublic.
func (r *Redactor) Classify(text string) string {
	for _, class := range r.classes {
		for _, p := range class.Patterns {
			if p.compiled.MatchString(text) {
				return class.Name
			}
		}
	}
	return ClassPublic
}

// Scan reports every pattern match line by line.
func (r *Redactor) Scan(text string) []Finding {
	var findings []Finding
	for n, line := range strings.Split(text, "\n") {
		for _, class := range r.classes {
			for _, p := range class.Patterns {
				if p.compiled.MatchString(line) {
					findings = append(findings, Finding{
						LineNumber:     n + 1,
						Classification: class.Name,
						PatternID:      p.ID,
						Description:    p.Description,
						Confidence:     p.Confidence,
					})
				}
			}
		}
	}
	return findings
}

// Redact replaces every match with "[REDACTED:<pattern id>]".
//
// Outputs:
//   - string: The scrubbed text.
//   - int: Number of replacements.
func (r *Redactor) Redact(text string) (string, int) {
	total := 0
	for _, class := range r.classes {
		for _, p := range class.Patterns {
			marker := "[REDACTED:" + p.ID + "]"
			count := 0
			text = p.compiled.ReplaceAllStringFunc(text, func(string) string {
				count++
				return marker
			})
			if count > 0 {
				redactions.WithLabelValues(class.Name, p.ID).Add(float64(count))
				total += count
			}
		}
	}
	return text, total
}
