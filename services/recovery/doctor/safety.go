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
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianRecovery/services/recovery/datatypes"
)

//go:embed policy/safety.yaml
var defaultSafetyYAML []byte

// ErrInvalidSafetyPolicy is returned for malformed safety policies.
var ErrInvalidSafetyPolicy = errors.New("invalid safety policy")

// AllowedCommand is one allowlist entry.
type AllowedCommand struct {
	Command string `yaml:"command"`
	Exact   bool   `yaml:"exact"`
}

// SafetyPolicy constrains execute_fix actions.
//
// Thread Safety: Immutable after construction; safe for concurrent use.
type SafetyPolicy struct {
	metacharacters       string
	requireVerifyCommand bool
	allowlist            map[datatypes.FixType][][]string
	exact                map[datatypes.FixType][]bool
}

type safetyDocument struct {
	Metacharacters       string                                `yaml:"metacharacters"`
	RequireVerifyCommand bool                                  `yaml:"require_verify_command"`
	Allowlist            map[datatypes.FixType][]AllowedCommand `yaml:"allowlist"`
}

// ParseSafetyPolicy builds a policy from YAML. Newlines are always treated
// as metacharacters.
func ParseSafetyPolicy(data []byte) (*SafetyPolicy, error) {
	var doc safetyDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSafetyPolicy, err)
	}
	if doc.Metacharacters == "" {
		return nil, fmt.Errorf("%w: metacharacters must not be empty", ErrInvalidSafetyPolicy)
	}
	if len(doc.Allowlist) == 0 {
		return nil, fmt.Errorf("%w: allowlist must not be empty", ErrInvalidSafetyPolicy)
	}

	p := &SafetyPolicy{
		metacharacters:       doc.Metacharacters + "\n\r",
		requireVerifyCommand: doc.RequireVerifyCommand,
		allowlist:            make(map[datatypes.FixType][][]string, len(doc.Allowlist)),
		exact:                make(map[datatypes.FixType][]bool, len(doc.Allowlist)),
	}
	for fixType, entries := range doc.Allowlist {
		if !fixType.Valid() {
			return nil, fmt.Errorf("%w: unknown fix type %q", ErrInvalidSafetyPolicy, fixType)
		}
		for _, e := range entries {
			tokens := strings.Fields(e.Command)
			if len(tokens) == 0 {
				return nil, fmt.Errorf("%w: empty command for %s", ErrInvalidSafetyPolicy, fixType)
			}
			p.allowlist[fixType] = append(p.allowlist[fixType], tokens)
			p.exact[fixType] = append(p.exact[fixType], e.Exact)
		}
	}
	return p, nil
}

// DefaultSafetyPolicy returns the embedded policy.
func DefaultSafetyPolicy() *SafetyPolicy {
	p, err := ParseSafetyPolicy(defaultSafetyYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded safety policy: %v", err))
	}
	return p
}

// Violation describes why an execute_fix was rejected.
type Violation struct {
	Reason  string
	Command string
}

func (v Violation) String() string {
	if v.Command == "" {
		return v.Reason
	}
	return fmt.Sprintf("%s: %q", v.Reason, v.Command)
}

// Check returns every rule the execute_fix action breaks. Actions of any
// other kind never violate the policy.
func (p *SafetyPolicy) Check(a datatypes.DecisionAction) []Violation {
	if a.Action != datatypes.ActionExecuteFix {
		return nil
	}
	var out []Violation
	if !a.FixType.Valid() {
		out = append(out, Violation{Reason: fmt.Sprintf("fix_type %q is not one of git, file, python", a.FixType)})
	}
	if len(a.FixCommands) == 0 {
		out = append(out, Violation{Reason: "no fix_commands supplied"})
	}
	for _, cmd := range a.FixCommands {
		if p.hasMeta(cmd) {
			out = append(out, Violation{Reason: "shell metacharacter in command", Command: cmd})
			continue
		}
		if a.FixType.Valid() && !p.allowed(a.FixType, cmd) {
			out = append(out, Violation{Reason: fmt.Sprintf("command not in %s allowlist", a.FixType), Command: cmd})
			continue
		}
		if a.FixType == datatypes.FixTypeFile && escapesWorkspace(cmd) {
			out = append(out, Violation{Reason: "file command leaves the workspace", Command: cmd})
		}
	}
	verify := strings.TrimSpace(a.VerifyCommand)
	switch {
	case verify == "" && p.requireVerifyCommand:
		out = append(out, Violation{Reason: "verify_command is mandatory"})
	case verify != "" && p.hasMeta(a.VerifyCommand):
		out = append(out, Violation{Reason: "shell metacharacter in verify_command", Command: a.VerifyCommand})
	}
	return out
}

func (p *SafetyPolicy) hasMeta(cmd string) bool {
	return strings.ContainsAny(cmd, p.metacharacters)
}

func (p *SafetyPolicy) allowed(fixType datatypes.FixType, cmd string) bool {
	tokens := strings.Fields(cmd)
	for i, entry := range p.allowlist[fixType] {
		if len(tokens) < len(entry) {
			continue
		}
		if p.exact[fixType][i] && len(tokens) != len(entry) {
			continue
		}
		match := true
		for j, tok := range entry {
			if tokens[j] != tok {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// escapesWorkspace flags absolute or parent-relative operands.
func escapesWorkspace(cmd string) bool {
	for _, tok := range strings.Fields(cmd)[1:] {
		if strings.HasPrefix(tok, "-") {
			continue
		}
		if strings.HasPrefix(tok, "/") || strings.HasPrefix(tok, "~") || tok == ".." ||
			strings.HasPrefix(tok, "../") || strings.Contains(tok, "/../") || strings.HasSuffix(tok, "/..") {
			return true
		}
	}
	return false
}

// Enforce applies the policy. An unsafe execute_fix is downgraded to
// retry_with_fix with its commands stripped and the violations named in
// the rationale.
//
// Outputs:
//   - datatypes.DecisionAction: The safe action.
//   - []Violation: Empty when the action was already safe.
func (p *SafetyPolicy) Enforce(a datatypes.DecisionAction) (datatypes.DecisionAction, []Violation) {
	violations := p.Check(a)
	if len(violations) == 0 {
		return a, nil
	}
	reasons := make([]string, len(violations))
	for i, v := range violations {
		reasons[i] = v.String()
	}

	safe := a
	safe.Action = datatypes.ActionRetryWithFix
	safe.FixCommands = nil
	safe.FixType = ""
	safe.VerifyCommand = ""
	safe.Rationale = "Downgraded execute_fix to retry_with_fix (" + strings.Join(reasons, "; ") + ")"
	if r := strings.TrimSpace(a.Rationale); r != "" {
		safe.Rationale += ". Original rationale: " + r
	}
	return safe, violations
}
