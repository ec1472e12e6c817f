// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package decision

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianRecovery/services/recovery/datatypes"
)

// ErrorCategory is a coarse classification of a failure's error text.
type ErrorCategory string

const (
	CategoryImport      ErrorCategory = "import_error"
	CategorySyntax      ErrorCategory = "syntax_error"
	CategoryType        ErrorCategory = "type_error"
	CategoryTestFailure ErrorCategory = "test_failure"
	CategoryPatchApply  ErrorCategory = "patch_apply_error"
	CategoryMissingFile ErrorCategory = "missing_file"
	CategoryDependency  ErrorCategory = "dependency_error"
	CategoryTimeout     ErrorCategory = "timeout"
	CategoryNetwork     ErrorCategory = "network_error"
	CategoryHTTP500     ErrorCategory = "http_500"
	CategoryPermission  ErrorCategory = "permission_error"
	CategoryUnknown     ErrorCategory = "unknown"
)

var knownCategories = map[ErrorCategory]bool{
	CategoryImport: true, CategorySyntax: true, CategoryType: true,
	CategoryTestFailure: true, CategoryPatchApply: true, CategoryMissingFile: true,
	CategoryDependency: true, CategoryTimeout: true, CategoryNetwork: true,
	CategoryHTTP500: true, CategoryPermission: true, CategoryUnknown: true,
}

// FailureKind maps a category onto the health budget counter it feeds.
func (c ErrorCategory) FailureKind() datatypes.FailureKind {
	switch c {
	case CategoryHTTP500:
		return datatypes.FailureKindHTTP500
	case CategoryPatchApply:
		return datatypes.FailureKindPatch
	default:
		return datatypes.FailureKindOther
	}
}

//go:embed policy/categories.yaml
var defaultCategoriesYAML []byte

// ErrInvalidRules is returned for malformed categorization rules.
var ErrInvalidRules = errors.New("invalid categorization rules")

// CategoryRule maps substrings onto one category.
type CategoryRule struct {
	Category ErrorCategory `yaml:"category"`
	Patterns []string      `yaml:"patterns"`
}

// Categorizer classifies error text with ordered substring rules.
//
// Thread Safety: Immutable after construction; safe for concurrent use.
type Categorizer struct {
	rules []CategoryRule
}

// ParseCategorizer builds a Categorizer from YAML rules.
func ParseCategorizer(data []byte) (*Categorizer, error) {
	var doc struct {
		Rules []CategoryRule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}
	return NewCategorizer(doc.Rules)
}

// NewCategorizer validates and copies rules. Patterns are lower-cased.
func NewCategorizer(rules []CategoryRule) (*Categorizer, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("%w: no rules", ErrInvalidRules)
	}
	out := make([]CategoryRule, 0, len(rules))
	for i, r := range rules {
		if !knownCategories[r.Category] || r.Category == CategoryUnknown {
			return nil, fmt.Errorf("%w: rule %d has category %q", ErrInvalidRules, i, r.Category)
		}
		if len(r.Patterns) == 0 {
			return nil, fmt.Errorf("%w: rule %d (%s) has no patterns", ErrInvalidRules, i, r.Category)
		}
		patterns := make([]string, 0, len(r.Patterns))
		for _, p := range r.Patterns {
			if p == "" {
				return nil, fmt.Errorf("%w: rule %d (%s) has an empty pattern", ErrInvalidRules, i, r.Category)
			}
			patterns = append(patterns, strings.ToLower(p))
		}
		out = append(out, CategoryRule{Category: r.Category, Patterns: patterns})
	}
	return &Categorizer{rules: out}, nil
}

var defaultCategorizer = mustDefaultCategorizer()

func mustDefaultCategorizer() *Categorizer {
	c, err := ParseCategorizer(defaultCategoriesYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded categorization rules: %v", err))
	}
	return c
}

// DefaultCategorizer returns the categorizer built from the embedded rules.
func DefaultCategorizer() *Categorizer { return defaultCategorizer }

// Categorize classifies errorText using the embedded rules.
func Categorize(errorText string) ErrorCategory {
	return defaultCategorizer.Categorize(errorText)
}

// Categorize returns the first matching category, or CategoryUnknown.
func (c *Categorizer) Categorize(errorText string) ErrorCategory {
	text := strings.ToLower(errorText)
	if strings.TrimSpace(text) == "" {
		return CategoryUnknown
	}
	for _, r := range c.rules {
		for _, p := range r.Patterns {
			if strings.Contains(text, p) {
				return r.Category
			}
		}
	}
	return CategoryUnknown
}
