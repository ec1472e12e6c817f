// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gate converts a run's remaining evidence budget into a retrieval
// mode and entry cap.
//
// The ratio of the remaining budget to a baseline selects a tier from a
// degradation ladder. Each tier's lower bound is inclusive:
//
//	ratio >= 0.50  full     10 entries
//	ratio >= 0.30  reduced   5 entries
//	ratio >= 0.15  summary   2 entries
//	otherwise      none      0 entries
package gate

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrInvalidLadder is returned when the ladder is not strictly decreasing.
var ErrInvalidLadder = errors.New("invalid degradation ladder")

// Mode is the deep retrieval mode.
type Mode string

const (
	ModeFull    Mode = "full"
	ModeReduced Mode = "reduced"
	ModeSummary Mode = "summary"
	ModeNone    Mode = "none"
)

// Tier is one rung of the degradation ladder.
type Tier struct {
	MinRatio   float64 `yaml:"min_ratio" json:"min_ratio"`
	Mode       Mode    `yaml:"mode" json:"mode"`
	MaxEntries int     `yaml:"max_entries" json:"max_entries"`
}

// Config configures the gate.
type Config struct {
	// Enabled turns deep retrieval on. When false every evaluation is none.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// MinRequiredBudget is the baseline when no total budget is supplied.
	MinRequiredBudget int `yaml:"min_required_budget" json:"min_required_budget" validate:"gte=1"`

	// Ladder is ordered from the highest MinRatio down.
	Ladder []Tier `yaml:"ladder" json:"ladder"`
}

// DefaultConfig returns the standard four-tier ladder.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		MinRequiredBudget: 20000,
		Ladder: []Tier{
			{MinRatio: 0.50, Mode: ModeFull, MaxEntries: 10},
			{MinRatio: 0.30, Mode: ModeReduced, MaxEntries: 5},
			{MinRatio: 0.15, Mode: ModeSummary, MaxEntries: 2},
		},
	}
}

// Validate checks the ladder ordering.
func (c Config) Validate() error {
	if c.MinRequiredBudget < 1 {
		return fmt.Errorf("%w: min_required_budget must be >= 1", ErrInvalidLadder)
	}
	prev := 0.0
	for i, t := range c.Ladder {
		if t.MinRatio <= 0 {
			return fmt.Errorf("%w: tier %d min_ratio must be > 0", ErrInvalidLadder, i)
		}
		if i > 0 && t.MinRatio >= prev {
			return fmt.Errorf("%w: tier %d min_ratio %.2f not below %.2f", ErrInvalidLadder, i, t.MinRatio, prev)
		}
		switch t.Mode {
		case ModeFull, ModeReduced, ModeSummary:
		case ModeNone, "":
			return fmt.Errorf("%w: tier %d must allow at least one entry", ErrInvalidLadder, i)
		default:
			return fmt.Errorf("%w: tier %d has unknown mode %q", ErrInvalidLadder, i, t.Mode)
		}
		if t.MaxEntries < 1 {
			return fmt.Errorf("%w: tier %d must allow at least one entry", ErrInvalidLadder, i)
		}
		prev = t.MinRatio
	}
	return nil
}

// Decision is the immutable result of one evaluation.
type Decision struct {
	Allowed         bool    `json:"allowed"`
	Mode            Mode    `json:"retrieval_mode"`
	MaxEntries      int     `json:"max_entries"`
	BudgetRemaining float64 `json:"budget_remaining"`
	Ratio           float64 `json:"ratio"`
	Reason          string  `json:"reason"`
}

// None returns a disallowed decision with the given reason.
func None(remaining float64, reason string) Decision {
	return Decision{Mode: ModeNone, BudgetRemaining: remaining, Reason: reason}
}

// Gate evaluates the degradation ladder.
//
// Thread Safety: Immutable after construction; safe for concurrent use.
type Gate struct {
	config Config
	logger *slog.Logger
}

// New creates a gate.
func New(config Config, logger *slog.Logger) (*Gate, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	ladder := make([]Tier, len(config.Ladder))
	copy(ladder, config.Ladder)
	config.Ladder = ladder
	return &Gate{config: config, logger: logger.With(slog.String("component", "gate"))}, nil
}

// Evaluate gates requested against the minimum-required baseline.
func (g *Gate) Evaluate(requested int) Decision {
	return g.decide(float64(requested), float64(g.config.MinRequiredBudget), "min_required")
}

// EvaluateWithTotal gates requested against a supplied total budget. A
// non-positive total resolves to none.
func (g *Gate) EvaluateWithTotal(requested, total int) Decision {
	return g.decide(float64(requested), float64(total), "total")
}

func (g *Gate) decide(requested, baseline float64, baselineName string) Decision {
	d := g.ladder(requested, baseline, baselineName)
	gateDecisions.WithLabelValues(string(d.Mode)).Inc()
	g.logger.Debug("gate evaluated",
		slog.String("mode", string(d.Mode)),
		slog.Int("max_entries", d.MaxEntries),
		slog.Float64("ratio", d.Ratio),
		slog.String("reason", d.Reason))
	return d
}

func (g *Gate) ladder(requested, baseline float64, baselineName string) Decision {
	if !g.config.Enabled {
		return None(requested, "deep retrieval disabled by policy")
	}
	if requested <= 0 {
		return None(requested, "no budget remaining")
	}
	if baseline <= 0 {
		return None(requested, "non-positive "+baselineName+" budget")
	}

	ratio := requested / baseline
	for _, t := range g.config.Ladder {
		if ratio >= t.MinRatio {
			return Decision{
				Allowed:         true,
				Mode:            t.Mode,
				MaxEntries:      t.MaxEntries,
				BudgetRemaining: requested,
				Ratio:           ratio,
				Reason:          fmt.Sprintf("ratio %.2f of %s budget >= %.2f", ratio, baselineName, t.MinRatio),
			}
		}
	}

	d := None(requested, fmt.Sprintf("ratio %.2f of %s budget below every tier", ratio, baselineName))
	d.Ratio = ratio
	return d
}
