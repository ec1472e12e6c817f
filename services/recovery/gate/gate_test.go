// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gate

import (
	"errors"
	"testing"
)

func newGate(t *testing.T, cfg Config) *Gate {
	t.Helper()
	g, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return g
}

func TestEvaluateWithTotal_Ladder(t *testing.T) {
	g := newGate(t, DefaultConfig())

	tests := []struct {
		requested int
		wantMode  Mode
		wantMax   int
	}{
		{100, ModeFull, 10},
		{50, ModeFull, 10},
		{49, ModeReduced, 5},
		{30, ModeReduced, 5},
		{29, ModeSummary, 2},
		{15, ModeSummary, 2},
		{14, ModeNone, 0},
		{1, ModeNone, 0},
		{0, ModeNone, 0},
		{-20, ModeNone, 0},
		{250, ModeFull, 10},
	}

	for _, tt := range tests {
		d := g.EvaluateWithTotal(tt.requested, 100)
		if d.Mode != tt.wantMode || d.MaxEntries != tt.wantMax {
			t.Errorf("EvaluateWithTotal(%d, 100) = %s/%d, want %s/%d",
				tt.requested, d.Mode, d.MaxEntries, tt.wantMode, tt.wantMax)
		}
		if d.Allowed != (tt.wantMode != ModeNone) {
			t.Errorf("EvaluateWithTotal(%d, 100).Allowed = %v", tt.requested, d.Allowed)
		}
		if d.BudgetRemaining != float64(tt.requested) {
			t.Errorf("BudgetRemaining = %v, want %d", d.BudgetRemaining, tt.requested)
		}
	}
}

func TestEvaluateWithTotal_RatioSweep(t *testing.T) {
	g := newGate(t, DefaultConfig())

	for requested := -100; requested <= 1000; requested++ {
		d := g.EvaluateWithTotal(requested, 1000)
		ratio := float64(requested) / 1000

		var wantMode Mode
		var wantMax int
		switch {
		case ratio >= 0.5:
			wantMode, wantMax = ModeFull, 10
		case ratio >= 0.3:
			wantMode, wantMax = ModeReduced, 5
		case ratio >= 0.15:
			wantMode, wantMax = ModeSummary, 2
		default:
			wantMode, wantMax = ModeNone, 0
		}
		if d.Mode != wantMode || d.MaxEntries != wantMax || d.Allowed != (wantMode != ModeNone) {
			t.Fatalf("ratio %.3f: got %+v, want %s/%d", ratio, d, wantMode, wantMax)
		}
	}
}

func TestEvaluate_UsesMinRequiredBaseline(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinRequiredBudget = 1000
	g := newGate(t, cfg)

	if d := g.Evaluate(600); d.Mode != ModeFull {
		t.Errorf("Evaluate(600) mode = %s, want full", d.Mode)
	}
	if d := g.Evaluate(200); d.Mode != ModeSummary {
		t.Errorf("Evaluate(200) mode = %s, want summary", d.Mode)
	}
}

func TestEvaluateWithTotal_NonPositiveTotal(t *testing.T) {
	g := newGate(t, DefaultConfig())
	for _, total := range []int{0, -1} {
		d := g.EvaluateWithTotal(500, total)
		if d.Allowed || d.Mode != ModeNone || d.MaxEntries != 0 {
			t.Errorf("total %d: got %+v, want none", total, d)
		}
	}
}

func TestEvaluate_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	g := newGate(t, cfg)

	d := g.EvaluateWithTotal(1000, 1000)
	if d.Allowed || d.Mode != ModeNone {
		t.Errorf("disabled gate returned %+v", d)
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ladder[1].MinRatio = 0.6
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidLadder) {
		t.Errorf("Validate() error = %v, want ErrInvalidLadder", err)
	}

	cfg = DefaultConfig()
	cfg.Ladder[2].MaxEntries = 0
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidLadder) {
		t.Errorf("Validate() error = %v, want ErrInvalidLadder", err)
	}

	for _, mode := range []Mode{"deep", "FULL", ModeNone, ""} {
		cfg = DefaultConfig()
		cfg.Ladder[0].Mode = mode
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidLadder) {
			t.Errorf("Validate() with tier mode %q error = %v, want ErrInvalidLadder", mode, err)
		}
	}

	cfg = DefaultConfig()
	cfg.MinRequiredBudget = 0
	if _, err := New(cfg, nil); err == nil {
		t.Error("New() should reject a zero baseline")
	}
}

func TestNew_CopiesLadder(t *testing.T) {
	cfg := DefaultConfig()
	g := newGate(t, cfg)
	cfg.Ladder[0].MaxEntries = 99

	if d := g.EvaluateWithTotal(100, 100); d.MaxEntries != 10 {
		t.Errorf("gate should not alias the caller's ladder, got %d", d.MaxEntries)
	}
}
