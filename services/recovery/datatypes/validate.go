// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// MaxTextFieldBytes bounds every free-text field on inbound failure data.
const MaxTextFieldBytes = 256 * 1024

// Sentinel errors for inbound validation.
var (
	ErrInvalidFailureContext = errors.New("invalid failure context")
	ErrInvalidPhaseSpec      = errors.New("invalid phase spec")
	ErrPhaseMismatch         = errors.New("failure context and phase spec name different phases")
)

// validate is the shared validator instance, initialized with custom rules.
var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes bounds string fields by byte length, not rune count.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxTextFieldBytes
}

// Validate checks the failure context's struct tags.
//
// Outputs:
//   - error: Wraps ErrInvalidFailureContext and the validator field errors.
func (f FailureContext) Validate() error {
	if err := validate.Struct(f); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFailureContext, err)
	}
	return nil
}

// Validate checks the phase spec's struct tags.
func (p PhaseSpec) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPhaseSpec, err)
	}
	return nil
}

// ValidatePair validates both inbound values and that they describe the same
// phase.
func ValidatePair(f FailureContext, p PhaseSpec) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if f.PhaseID != p.PhaseID {
		return fmt.Errorf("%w: %q vs %q", ErrPhaseMismatch, f.PhaseID, p.PhaseID)
	}
	return nil
}
