// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package errs

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypedErrors_UnwrapToSentinel(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"no eligible models", &NoEligibleModelsError{Constraints: 2}, ErrNoEligibleModels},
		{"invalid configuration", InvalidConfiguration("draws", "must be positive"), ErrInvalidConfiguration},
		{"singular covariance", &SingularCovarianceError{Chain: 0, Draw: 3, Cond: math.Inf(1)}, ErrSingularCovariance},
		{"excessive singular", &ExcessiveSingularDrawsError{Failed: 5, Total: 100, Threshold: 0.01}, ErrExcessiveSingularDraws},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("stage: %w", tt.err)
			assert.True(t, errors.Is(wrapped, tt.sentinel))
			assert.NotEmpty(t, tt.err.Error())
		})
	}
}

func TestNoEligibleModelsError_ListsExcluded(t *testing.T) {
	err := &NoEligibleModelsError{Constraints: 2, Excluded: []string{"A", "B"}}
	assert.Contains(t, err.Error(), "A, B")
	assert.Contains(t, err.Error(), "2 excluded")
}

func TestInvalidConfigurationError_As(t *testing.T) {
	err := fmt.Errorf("normalize: %w", InvalidConfiguration("constraint[1].x", "zero cross-model variance"))

	var cfgErr *InvalidConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "constraint[1].x", cfgErr.Field)
	assert.Equal(t, "invalid configuration: constraint[1].x: zero cross-model variance", cfgErr.Error())
}

func TestExcessiveSingularDrawsError_Fraction(t *testing.T) {
	assert.InDelta(t, 0.05, (&ExcessiveSingularDrawsError{Failed: 5, Total: 100}).Fraction(), 1e-12)
	assert.Zero(t, (&ExcessiveSingularDrawsError{}).Fraction())
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, ExitCode(nil))
	assert.Equal(t, ExitBadArgs, ExitCode(InvalidConfiguration("", "bad")))
	assert.Equal(t, ExitNoEligibleModels, ExitCode(fmt.Errorf("align: %w", &NoEligibleModelsError{})))
	assert.Equal(t, ExitSingularDraws, ExitCode(&ExcessiveSingularDrawsError{}))
	assert.Equal(t, ExitError, ExitCode(errors.New("disk full")))
}
