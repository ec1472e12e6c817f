// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package evidence assembles the evidence record for one diagnosis: local
// probe results, and when escalation and the budget gate allow it, deep
// retrieval from run artifacts, source-of-truth files, and long-term memory.
package evidence

import (
	"context"

	"github.com/AleutianAI/AleutianRecovery/services/recovery/datatypes"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/gate"
)

// Entry source discriminators.
const (
	SourceArtifact      = "artifact"
	SourceSourceOfTruth = "sot"
	SourceMemoryError   = "memory:error"
	SourceMemoryPattern = "memory:pattern"
)

// Entry is one retrieved piece of evidence.
type Entry struct {
	Source  string  `json:"source"`
	Ref     string  `json:"ref"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
	Size    int     `json:"size"`

	// Truncated is set when Content was cut to the entry size limit.
	Truncated bool `json:"truncated,omitempty"`
}

// RetrievalStats summarizes one deep retrieval.
type RetrievalStats struct {
	Mode          gate.Mode `json:"mode"`
	MaxEntries    int       `json:"max_entries"`
	ArtifactCount int       `json:"artifact_count"`
	SOTCount      int       `json:"sot_count"`
	MemoryCount   int       `json:"memory_count"`
	TotalChars    int       `json:"total_chars"`

	// FailedSources lists sources that errored or timed out, sorted.
	FailedSources []string `json:"failed_sources,omitempty"`
}

// DeepRetrievalResult is the raw output of deep retrieval.
type DeepRetrievalResult struct {
	RunArtifacts  []Entry        `json:"run_artifacts"`
	SOTFiles      []Entry        `json:"sot_files"`
	MemoryEntries []Entry        `json:"memory_entries"`
	Stats         RetrievalStats `json:"stats"`
}

// ProbeResult is one local diagnostic probe.
type ProbeResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Output string `json:"output,omitempty"`
}

// ProbeOutcome is the shallow diagnostic outcome for one failure.
type ProbeOutcome struct {
	Probes  []ProbeResult `json:"probes"`
	Summary string        `json:"summary,omitempty"`
}

// Diagnostics runs local probes against a failure. Implementations must
// honor ctx cancellation.
type Diagnostics interface {
	RunProbes(ctx context.Context, failure datatypes.FailureContext, phase datatypes.PhaseSpec) (ProbeOutcome, error)
}

// Evidence is the merged record handed to the decision maker and the
// adjudicator.
//
// MemoryEntries and SimilarErrors are nil, and omitted from JSON, when
// there is nothing to report. SimilarErrors holds only error-sourced
// memory entries.
type Evidence struct {
	Shallow       datatypes.EvidenceBundle `json:"shallow"`
	Probes        *ProbeOutcome            `json:"probes,omitempty"`
	Escalated     bool                     `json:"escalated"`
	RetrievalMode gate.Mode                `json:"retrieval_mode"`
	DeepRetrieval *DeepRetrievalResult     `json:"deep_retrieval,omitempty"`
	MemoryEntries []Entry                  `json:"memory_entries,omitempty"`
	SimilarErrors []Entry                  `json:"similar_errors,omitempty"`
}

// Clone returns a deep copy.
func (e *Evidence) Clone() *Evidence {
	if e == nil {
		return nil
	}
	out := *e
	out.Shallow.RecentChanges = cloneStrings(e.Shallow.RecentChanges)
	if e.Shallow.RootCauseConfidence != nil {
		out.Shallow.RootCauseConfidence = datatypes.Float64(*e.Shallow.RootCauseConfidence)
	}
	if e.Probes != nil {
		p := *e.Probes
		p.Probes = cloneProbes(e.Probes.Probes)
		out.Probes = &p
	}
	if e.DeepRetrieval != nil {
		d := *e.DeepRetrieval
		d.RunArtifacts = cloneEntries(d.RunArtifacts)
		d.SOTFiles = cloneEntries(d.SOTFiles)
		d.MemoryEntries = cloneEntries(d.MemoryEntries)
		d.Stats.FailedSources = cloneStrings(d.Stats.FailedSources)
		out.DeepRetrieval = &d
	}
	out.MemoryEntries = cloneEntries(e.MemoryEntries)
	out.SimilarErrors = cloneEntries(e.SimilarErrors)
	return &out
}

func cloneEntries(in []Entry) []Entry {
	if in == nil {
		return nil
	}
	out := make([]Entry, len(in))
	copy(out, in)
	return out
}

func cloneProbes(in []ProbeResult) []ProbeResult {
	if in == nil {
		return nil
	}
	out := make([]ProbeResult, len(in))
	copy(out, in)
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
