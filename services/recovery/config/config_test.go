// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianRecovery/pkg/logging"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/gate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultRecoveryConfig_Valid(t *testing.T) {
	cfg := DefaultRecoveryConfig()
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.StorageEnabled())
	assert.Equal(t, 5, cfg.Health.FailureThreshold)
	assert.Equal(t, 20000, cfg.Gate.MinRequiredBudget)
}

func TestLoadRecoveryConfig_EmptyAndMissingPathUseDefaults(t *testing.T) {
	cfg, err := LoadRecoveryConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultRecoveryConfig().Health, cfg.Health)

	cfg, err = LoadRecoveryConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultRecoveryConfig().Doctor, cfg.Doctor)
}

func TestLoadRecoveryConfig_YAMLOverridesDefaults(t *testing.T) {
	path := writeFile(t, "recovery.yaml", `
health:
  failure_threshold: 3
gate:
  ladder:
    - {min_ratio: 0.6, mode: full, max_entries: 8}
    - {min_ratio: 0.2, mode: summary, max_entries: 1}
doctor:
  cheap_model: small
  strong_model: large
  timeout: 45s
investigator:
  sot_patterns: ["README.md"]
storage:
  path: /var/lib/recovery
policies:
  safety: /etc/recovery/safety.yaml
`)

	cfg, err := LoadRecoveryConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Health.FailureThreshold)
	assert.Equal(t, 25, cfg.Health.TotalCap, "unset fields keep defaults")
	assert.True(t, cfg.Gate.Enabled)
	require.Len(t, cfg.Gate.Ladder, 2)
	assert.Equal(t, gate.ModeSummary, cfg.Gate.Ladder[1].Mode)
	assert.Equal(t, "small", cfg.Doctor.CheapModel)
	assert.Equal(t, 45*time.Second, cfg.Doctor.Timeout)
	assert.Equal(t, []string{"README.md"}, cfg.Investigator.SOTPatterns)
	assert.True(t, cfg.StorageEnabled())
	assert.Equal(t, "/etc/recovery/safety.yaml", cfg.Policies.Safety)
}

func TestLoadRecoveryConfig_JSONFallback(t *testing.T) {
	// YAML rejects duplicate keys; JSON keeps the last one.
	path := writeFile(t, "recovery.json", `{"health": {"total_cap": 10}, "health": {"total_cap": 40}, "memory": {"data_space": "proj"}}`)

	cfg, err := LoadRecoveryConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 40, cfg.Health.TotalCap)
	assert.Equal(t, "proj", cfg.Memory.DataSpace)
}

func TestLoadRecoveryConfig_UnparseableFile(t *testing.T) {
	path := writeFile(t, "bad.yaml", "health: [\n")
	_, err := LoadRecoveryConfig(path)
	assert.Error(t, err)
}

func TestLoadRecoveryConfig_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "recovery.yaml", "health:\n  failure_threshold: 3\n")
	t.Setenv("RECOVERY_FAILURE_THRESHOLD", "7")
	t.Setenv("RECOVERY_DOCTOR_TIMEOUT", "12s")
	t.Setenv("RECOVERY_GATE_ENABLED", "false")
	t.Setenv("RECOVERY_SOT_PATTERNS", "docs/**/*.md, PLAN.md,")
	t.Setenv("RECOVERY_LLM_API_KEY", "sk-secret")
	t.Setenv("RECOVERY_LOG_LEVEL", "debug")

	cfg, err := LoadRecoveryConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Health.FailureThreshold)
	assert.Equal(t, 12*time.Second, cfg.Doctor.Timeout)
	assert.False(t, cfg.Gate.Enabled)
	assert.Equal(t, []string{"docs/**/*.md", "PLAN.md"}, cfg.Investigator.SOTPatterns)
	assert.Equal(t, "sk-secret", cfg.LLM.APIKey)
	assert.Equal(t, logging.LevelDebug, cfg.Observability.Logging().Level)

	out, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "sk-secret", "API key never serializes")
}

func TestLoadRecoveryConfig_BadEnvValue(t *testing.T) {
	t.Setenv("RECOVERY_TOTAL_CAP", "lots")
	_, err := LoadRecoveryConfig("")
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "RECOVERY_TOTAL_CAP")
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RecoveryConfig)
	}{
		{"zero threshold", func(c *RecoveryConfig) { c.Health.FailureThreshold = 0 }},
		{"rollback above one", func(c *RecoveryConfig) { c.Health.RollbackThreshold = 1.5 }},
		{"ladder not decreasing", func(c *RecoveryConfig) {
			c.Gate.Ladder = []gate.Tier{
				{MinRatio: 0.3, Mode: gate.ModeReduced, MaxEntries: 5},
				{MinRatio: 0.5, Mode: gate.ModeFull, MaxEntries: 10},
			}
		}},
		{"zero doctor timeout", func(c *RecoveryConfig) { c.Doctor.Timeout = 0 }},
		{"unknown backend", func(c *RecoveryConfig) { c.LLM.Backend = "mystery" }},
		{"weaviate without data space", func(c *RecoveryConfig) {
			c.Memory.WeaviateURL = "http://localhost:8080"
			c.Memory.DataSpace = ""
		}},
		{"bad log level", func(c *RecoveryConfig) { c.Observability.LogLevel = "loud" }},
		{"negative gc interval", func(c *RecoveryConfig) { c.Storage.GCInterval = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultRecoveryConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}
