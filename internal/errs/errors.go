// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package errs defines the error kinds shared by the inference pipeline.
//
// Each kind has a sentinel for errors.Is and a typed error carrying detail
// for errors.As. Typed errors unwrap to their sentinel.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Exit codes for the constrain command.
const (
	ExitSuccess          = 0 // Run completed and the record was written
	ExitError            = 1 // Unclassified runtime failure
	ExitBadArgs          = 2 // Invalid arguments or configuration
	ExitNoEligibleModels = 3 // Alignment left nothing to fit
	ExitSingularDraws    = 4 // Too many predictive draws were discarded
)

// Sentinel errors.
var (
	ErrNoEligibleModels       = errors.New("no eligible models")
	ErrInvalidConfiguration   = errors.New("invalid configuration")
	ErrSingularCovariance     = errors.New("singular covariance")
	ErrExcessiveSingularDraws = errors.New("excessive singular draws")
)

// =============================================================================
// NoEligibleModelsError
// =============================================================================

// NoEligibleModelsError reports that alignment produced zero usable models.
type NoEligibleModelsError struct {
	// Constraints is the number of constraints that were aligned.
	Constraints int

	// Excluded lists the models removed by the missing-value filter, if any.
	Excluded []string
}

// Error implements the error interface.
func (e *NoEligibleModelsError) Error() string {
	if len(e.Excluded) > 0 {
		return fmt.Sprintf("no eligible models across %d constraints (%d excluded for missing proxy values: %s)",
			e.Constraints, len(e.Excluded), strings.Join(e.Excluded, ", "))
	}
	return fmt.Sprintf("no eligible models across %d constraints", e.Constraints)
}

// Unwrap returns the sentinel error.
func (e *NoEligibleModelsError) Unwrap() error {
	return ErrNoEligibleModels
}

// =============================================================================
// InvalidConfigurationError
// =============================================================================

// InvalidConfigurationError reports input or settings the pipeline cannot run
// with, such as a constraint with zero cross-model variance.
type InvalidConfigurationError struct {
	// Field names the offending setting or input (e.g. "constraint[2].x").
	Field string

	// Reason explains the violation.
	Reason string
}

// Error implements the error interface.
func (e *InvalidConfigurationError) Error() string {
	if e.Field == "" {
		return "invalid configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Unwrap returns the sentinel error.
func (e *InvalidConfigurationError) Unwrap() error {
	return ErrInvalidConfiguration
}

// InvalidConfiguration is a shorthand constructor.
func InvalidConfiguration(field, format string, args ...any) error {
	return &InvalidConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// =============================================================================
// SingularCovarianceError
// =============================================================================

// SingularCovarianceError reports that the constraint block of a joint
// covariance draw could not be inverted reliably.
type SingularCovarianceError struct {
	// Chain and Draw locate the posterior draw. -1 when unknown.
	Chain int
	Draw  int

	// Cond is the estimated condition number, or +Inf when factorization failed.
	Cond float64
}

// Error implements the error interface.
func (e *SingularCovarianceError) Error() string {
	return fmt.Sprintf("singular covariance at chain %d draw %d (condition number %.3g)", e.Chain, e.Draw, e.Cond)
}

// Unwrap returns the sentinel error.
func (e *SingularCovarianceError) Unwrap() error {
	return ErrSingularCovariance
}

// =============================================================================
// ExcessiveSingularDrawsError
// =============================================================================

// ExcessiveSingularDrawsError reports that the fraction of discarded
// predictive draws exceeded the configured threshold.
type ExcessiveSingularDrawsError struct {
	Failed    int
	Total     int
	Threshold float64
}

// Error implements the error interface.
func (e *ExcessiveSingularDrawsError) Error() string {
	return fmt.Sprintf("%d of %d predictive draws had a singular covariance (%.2f%% > %.2f%% allowed)",
		e.Failed, e.Total, 100*e.Fraction(), 100*e.Threshold)
}

// Fraction returns Failed/Total, or 0 when Total is 0.
func (e *ExcessiveSingularDrawsError) Fraction() float64 {
	if e.Total == 0 {
		return 0
	}
	return float64(e.Failed) / float64(e.Total)
}

// Unwrap returns the sentinel error.
func (e *ExcessiveSingularDrawsError) Unwrap() error {
	return ErrExcessiveSingularDraws
}

// ExitCode maps an error to the command exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, ErrInvalidConfiguration):
		return ExitBadArgs
	case errors.Is(err, ErrNoEligibleModels):
		return ExitNoEligibleModels
	case errors.Is(err, ErrExcessiveSingularDraws):
		return ExitSingularDraws
	default:
		return ExitError
	}
}

// Compile-time interface satisfaction checks
var (
	_ error = (*NoEligibleModelsError)(nil)
	_ error = (*InvalidConfigurationError)(nil)
	_ error = (*SingularCovarianceError)(nil)
	_ error = (*ExcessiveSingularDrawsError)(nil)
)
