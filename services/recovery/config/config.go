// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config aggregates the recovery engine's component settings and
// loads them with priority env > file > defaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianRecovery/pkg/logging"
	"github.com/AleutianAI/AleutianRecovery/services/llm"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/decision"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/doctor"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/evidence"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/gate"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/health"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/memory"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/storage/badger"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid recovery config")

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RECOVERY_"

// RecoveryConfig contains all recovery engine configuration.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after
// loading.
type RecoveryConfig struct {
	Health       health.Config   `json:"health" yaml:"health"`
	Gate         gate.Config     `json:"gate" yaml:"gate"`
	Investigator evidence.Config `json:"investigator" yaml:"investigator"`
	Decision     decision.Config `json:"decision" yaml:"decision"`
	Doctor       doctor.Config   `json:"doctor" yaml:"doctor"`
	LLM          llm.Config      `json:"llm" yaml:"llm"`
	Memory       MemoryConfig    `json:"memory" yaml:"memory"`

	// Storage configures the Badger database behind the event journal and
	// the fallback recorder. An empty path with in_memory false disables it.
	Storage badger.Config `json:"storage" yaml:"storage"`

	// Policies override the embedded policy files.
	Policies PolicyFiles `json:"policies" yaml:"policies"`

	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
}

// MemoryConfig configures the long-term memory collaborator and the pending
// event queue in front of it.
type MemoryConfig struct {
	// WeaviateURL enables the Weaviate store. Empty keeps events queued.
	WeaviateURL  string  `json:"weaviate_url" yaml:"weaviate_url"`
	DataSpace    string  `json:"data_space" yaml:"data_space" validate:"required_with=WeaviateURL"`
	MinCertainty float64 `json:"min_certainty" yaml:"min_certainty" validate:"gte=0,lte=1"`

	Queue memory.QueueConfig `json:"queue" yaml:"queue"`

	// RecorderCapacity bounds buffered fallback records.
	RecorderCapacity int `json:"recorder_capacity" yaml:"recorder_capacity" validate:"gte=1"`
}

// PolicyFiles are optional paths to replacement policy documents.
type PolicyFiles struct {
	Escalation string `json:"escalation" yaml:"escalation"`
	Categories string `json:"categories" yaml:"categories"`
	Safety     string `json:"safety" yaml:"safety"`
}

// ObservabilityConfig contains logging and tracing settings.
type ObservabilityConfig struct {
	LogLevel       string `json:"log_level" yaml:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
	LogDir         string `json:"log_dir" yaml:"log_dir"`
	LogJSON        bool   `json:"log_json" yaml:"log_json"`
	ServiceName    string `json:"service_name" yaml:"service_name"`
	TracingEnabled bool   `json:"tracing_enabled" yaml:"tracing_enabled"`
}

// Logging converts the observability settings for logging.New.
func (o ObservabilityConfig) Logging() logging.Config {
	return logging.Config{
		Level:   logging.ParseLevel(o.LogLevel),
		LogDir:  o.LogDir,
		Service: o.ServiceName,
		JSON:    o.LogJSON,
	}
}

// DefaultRecoveryConfig returns the default configuration.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		Health:       health.DefaultConfig(),
		Gate:         gate.DefaultConfig(),
		Investigator: evidence.DefaultConfig(),
		Decision:     decision.DefaultConfig(),
		Doctor:       doctor.DefaultConfig(),
		LLM:          llm.Config{Backend: llm.BackendOpenAI},
		Memory: MemoryConfig{
			DataSpace:        "default",
			MinCertainty:     0.7,
			Queue:            memory.DefaultQueueConfig(),
			RecorderCapacity: 256,
		},
		Storage: badger.DefaultConfig(),
		Observability: ObservabilityConfig{
			LogLevel:       "info",
			ServiceName:    "recovery",
			TracingEnabled: true,
		},
	}
}

// LoadRecoveryConfig loads configuration with priority: env > file > defaults.
//
// Inputs:
//   - configPath: Path to a YAML or JSON file. Empty or missing uses defaults.
//
// Outputs:
//   - RecoveryConfig: Merged configuration.
//   - error: Non-nil if the file exists but cannot be parsed, or the merged
//     configuration is invalid.
func LoadRecoveryConfig(configPath string) (RecoveryConfig, error) {
	config := DefaultRecoveryConfig()

	if configPath != "" {
		if err := loadConfigFile(configPath, &config); err != nil {
			return config, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := loadConfigFromEnv(&config); err != nil {
		return config, err
	}

	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

func loadConfigFile(path string, config *RecoveryConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		if jsonErr := json.Unmarshal(data, config); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

// envSetter applies one environment value.
type envSetter func(string) error

func intVar(dst *int) envSetter {
	return func(v string) error {
		i, err := strconv.Atoi(v)
		if err == nil {
			*dst = i
		}
		return err
	}
}

func floatVar(dst *float64) envSetter {
	return func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			*dst = f
		}
		return err
	}
}

func boolVar(dst *bool) envSetter {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err == nil {
			*dst = b
		}
		return err
	}
}

func durationVar(dst *time.Duration) envSetter {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err == nil {
			*dst = d
		}
		return err
	}
}

func stringVar(dst *string) envSetter {
	return func(v string) error {
		*dst = v
		return nil
	}
}

func listVar(dst *[]string) envSetter {
	return func(v string) error {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*dst = out
		return nil
	}
}

// envBindings maps RECOVERY_* suffixes to config fields.
func envBindings(c *RecoveryConfig) map[string]envSetter {
	return map[string]envSetter{
		// Health
		"FAILURE_THRESHOLD":  intVar(&c.Health.FailureThreshold),
		"TOTAL_CAP":          intVar(&c.Health.TotalCap),
		"ROLLBACK_THRESHOLD": floatVar(&c.Health.RollbackThreshold),

		// Gate
		"GATE_ENABLED":        boolVar(&c.Gate.Enabled),
		"MIN_REQUIRED_BUDGET": intVar(&c.Gate.MinRequiredBudget),

		// Investigator
		"INVESTIGATOR_TIMEOUT": durationVar(&c.Investigator.Timeout),
		"MAX_ENTRY_CHARS":      intVar(&c.Investigator.MaxEntryChars),
		"ARTIFACT_ROOT":        stringVar(&c.Investigator.ArtifactRoot),
		"SOT_ROOT":             stringVar(&c.Investigator.SOTRoot),
		"SOT_PATTERNS":         listVar(&c.Investigator.SOTPatterns),

		// Decision
		"CLEAR_FIX_MIN_CONFIDENCE": floatVar(&c.Decision.ClearFixMinConfidence),

		// Doctor
		"DOCTOR_CHEAP_MODEL":           stringVar(&c.Doctor.CheapModel),
		"DOCTOR_STRONG_MODEL":          stringVar(&c.Doctor.StrongModel),
		"DOCTOR_TIMEOUT":               durationVar(&c.Doctor.Timeout),
		"DOCTOR_STRONG_AFTER_ATTEMPTS": intVar(&c.Doctor.StrongAfterAttempts),

		// LLM
		"LLM_BACKEND":      stringVar(&c.LLM.Backend),
		"LLM_MODEL":        stringVar(&c.LLM.Model),
		"LLM_BASE_URL":     stringVar(&c.LLM.BaseURL),
		"LLM_API_KEY":      stringVar(&c.LLM.APIKey),
		"LLM_API_KEY_FILE": stringVar(&c.LLM.APIKeyFile),

		// Memory
		"WEAVIATE_URL":   stringVar(&c.Memory.WeaviateURL),
		"DATA_SPACE":     stringVar(&c.Memory.DataSpace),
		"QUEUE_CAPACITY": intVar(&c.Memory.Queue.Capacity),

		// Storage
		"BADGER_PATH":      stringVar(&c.Storage.Path),
		"BADGER_IN_MEMORY": boolVar(&c.Storage.InMemory),

		// Observability
		"LOG_LEVEL":       stringVar(&c.Observability.LogLevel),
		"LOG_DIR":         stringVar(&c.Observability.LogDir),
		"LOG_JSON":        boolVar(&c.Observability.LogJSON),
		"TRACING_ENABLED": boolVar(&c.Observability.TracingEnabled),
	}
}

func loadConfigFromEnv(config *RecoveryConfig) error {
	var errs []error
	for suffix, set := range envBindings(config) {
		v, ok := os.LookupEnv(EnvPrefix + suffix)
		if !ok || v == "" {
			continue
		}
		if err := set(v); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, suffix, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

var validate = validator.New()

// Validate runs struct tag validation and each component's own checks.
//
// Outputs:
//   - error: Wraps ErrInvalidConfig.
func (c RecoveryConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	checks := []struct {
		name  string
		check func() error
	}{
		{"gate", c.Gate.Validate},
		{"decision", c.Decision.Validate},
		{"doctor", c.Doctor.Validate},
	}
	for _, ch := range checks {
		if err := ch.check(); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, ch.name, err)
		}
	}
	if c.Storage.GCInterval < 0 {
		return fmt.Errorf("%w: storage gc_interval must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// StorageEnabled reports whether a Badger database should be opened.
func (c RecoveryConfig) StorageEnabled() bool {
	return c.Storage.InMemory || c.Storage.Path != ""
}
