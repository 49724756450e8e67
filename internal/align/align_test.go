// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package align

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/constrain/internal/constraint"
	"github.com/AleutianAI/constrain/internal/errs"
	"github.com/AleutianAI/constrain/internal/nullable"
)

var (
	some = nullable.Some
	none = nullable.None()
)

func report(model string, x, y nullable.Float) constraint.Report {
	return constraint.Report{Model: model, X: x, Y: y}
}

// twoConstraints is the A/B/C scenario: B has no value for the second
// constraint.
func twoConstraints() []*constraint.Constraint {
	return []*constraint.Constraint{
		{
			Meta: constraint.Metadata{Title: "first"},
			Reports: []constraint.Report{
				report("C", some(3), some(6)),
				report("A", some(1), some(2)),
				report("B", some(2), some(4)),
			},
			XO: 2, XOSD: 0.5,
		},
		{
			Meta: constraint.Metadata{Title: "second"},
			Reports: []constraint.Report{
				report("A", some(10), some(2)),
				report("B", none, some(4)),
				report("C", some(12), some(6)),
			},
			XO: 11, XOSD: 1,
		},
	}
}

func TestAlign_SortedUnionWithGaps(t *testing.T) {
	d, err := Align(twoConstraints(), Options{})
	require.NoError(t, err)

	want := &Dataset{
		Models: []string{"A", "B", "C"},
		X: [][]nullable.Float{
			{some(1), some(2), some(3)},
			{some(10), none, some(12)},
		},
		XSD: [][]nullable.Float{
			{none, none, none},
			{none, none, none},
		},
		Y:    []nullable.Float{some(2), some(4), some(6)},
		XO:   []float64{2, 11},
		XOSD: []float64{0.5, 1},
		Meta: []constraint.Metadata{{Title: "first"}, {Title: "second"}},
	}
	if diff := cmp.Diff(want, d); diff != "" {
		t.Errorf("Align() mismatch (-want +got):\n%s", diff)
	}
	assert.False(t, d.HasXSD())
	assert.False(t, d.Complete(1))
}

func TestAlign_ExcludeMissingDropsInLockStep(t *testing.T) {
	d, err := Align(twoConstraints(), Options{ExcludeMissing: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "C"}, d.Models)
	assert.Equal(t, []string{"B"}, d.Excluded)
	assert.Equal(t, []nullable.Float{some(1), some(3)}, d.X[0])
	assert.Equal(t, []nullable.Float{some(10), some(12)}, d.X[1])
	assert.Equal(t, []nullable.Float{none, none}, d.XSD[0])
	assert.Equal(t, []nullable.Float{some(2), some(6)}, d.Y)
	assert.Equal(t, 2, d.M())
	assert.Equal(t, 2, d.N())
}

func TestAlign_TargetRounding(t *testing.T) {
	cs := []*constraint.Constraint{
		{Reports: []constraint.Report{report("A", some(1), some(2.00)), report("B", some(2), some(3))}},
		{Reports: []constraint.Report{report("A", some(5), some(2.02)), report("B", some(6), none)}},
	}

	d, err := Align(cs, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2.01, d.Y[0].Value)
	assert.Equal(t, 3.0, d.Y[1].Value)
}

func TestAlign_DuplicatesWithinConstraintAveraged(t *testing.T) {
	cs := []*constraint.Constraint{{
		Reports: []constraint.Report{
			{Model: "A", X: some(1), XSD: some(0.2), Y: some(2)},
			{Model: "A", X: some(3), XSD: none, Y: some(4)},
			{Model: "B", X: some(5), Y: some(1)},
		},
	}}

	d, err := Align(cs, Options{})
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B"}, d.Models)
	assert.Equal(t, some(2), d.X[0][0])
	assert.Equal(t, some(0.2), d.XSD[0][0])
	assert.Equal(t, some(3), d.Y[0])
	assert.True(t, d.HasXSD())
}

func TestAlign_TargetOnlyModelsAreNotInPopulation(t *testing.T) {
	cs := []*constraint.Constraint{{
		Reports: []constraint.Report{
			report("A", some(1), some(2)),
			report("Z", none, some(9)),
			report("B", some(3), some(4)),
		},
	}}

	d, err := Align(cs, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, d.Models)
}

func TestAlign_NoEligibleModels(t *testing.T) {
	t.Run("nothing reports x", func(t *testing.T) {
		cs := []*constraint.Constraint{{Reports: []constraint.Report{report("A", none, some(1))}}}
		_, err := Align(cs, Options{})
		assert.True(t, errors.Is(err, errs.ErrNoEligibleModels))
	})

	t.Run("every model incomplete", func(t *testing.T) {
		cs := []*constraint.Constraint{
			{Reports: []constraint.Report{report("A", some(1), some(1))}},
			{Reports: []constraint.Report{report("B", some(1), some(1))}},
		}
		_, err := Align(cs, Options{ExcludeMissing: true})

		var noModels *errs.NoEligibleModelsError
		require.True(t, errors.As(err, &noModels))
		assert.Equal(t, []string{"A", "B"}, noModels.Excluded)
		assert.Equal(t, 2, noModels.Constraints)
	})

	t.Run("no constraints", func(t *testing.T) {
		_, err := Align(nil, Options{})
		assert.True(t, errors.Is(err, errs.ErrInvalidConfiguration))
	})
}

func TestExclude_DoesNotMutateReceiver(t *testing.T) {
	d, err := Align(twoConstraints(), Options{})
	require.NoError(t, err)

	reduced, err := d.Exclude()
	require.NoError(t, err)
	assert.Len(t, reduced.Models, 2)
	assert.Len(t, d.Models, 3)
	assert.Empty(t, d.Excluded)
}
