// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package result

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/constrain/internal/align"
	"github.com/AleutianAI/constrain/internal/constraint"
	"github.com/AleutianAI/constrain/internal/covariance"
	"github.com/AleutianAI/constrain/internal/errs"
	"github.com/AleutianAI/constrain/internal/inference"
	"github.com/AleutianAI/constrain/internal/nullable"
	"github.com/AleutianAI/constrain/internal/sampler"
)

// completedRun builds a small finished run: two constraints, models A and C
// after B is excluded, two chains of three draws with one discarded draw.
func completedRun(t *testing.T) *inference.Result {
	t.Helper()
	cs := []*constraint.Constraint{
		{
			Meta: constraint.Metadata{Title: "first", Units: "K", Label: "x1"},
			XO:   2, XOSD: 0.5,
			Reports: []constraint.Report{
				{Model: "A", X: nullable.Some(1), Y: nullable.Some(2)},
				{Model: "B", X: nullable.Some(2), Y: nullable.Some(4)},
				{Model: "C", X: nullable.Some(3), Y: nullable.Some(6)},
			},
		},
		{
			Meta: constraint.Metadata{Title: "second", Units: "K", LabelTex: `$x_2$`},
			XO:   11, XOSD: 1,
			Reports: []constraint.Report{
				{Model: "A", X: nullable.Some(10), Y: nullable.Some(2)},
				{Model: "B", X: nullable.None(), Y: nullable.Some(4)},
				{Model: "C", X: nullable.Some(12), Y: nullable.Some(6)},
			},
		},
	}
	ds, err := align.Align(cs, align.Options{ExcludeMissing: true})
	require.NoError(t, err)

	joint := [][][]nullable.Float{
		{
			nullable.FromFloats([]float64{4, 2, 11}),
			nullable.FromFloats([]float64{4.5, 2.1, 11.2}),
			nullable.FromFloats([]float64{3.9, 1.9, 10.8}),
		},
		{
			nullable.FromFloats([]float64{4.1, 2, 11}),
			make([]nullable.Float, 3),
			nullable.FromFloats([]float64{4.2, 2.2, 11.1}),
		},
	}
	target := [][]nullable.Float{
		nullable.FromFloats([]float64{4, 4.1, 3.9}),
		{nullable.Some(4.2), nullable.None(), nullable.Some(4)},
	}

	return &inference.Result{
		RunID:    "run-1",
		Started:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Duration: 1500 * time.Millisecond,
		Dataset:  ds,
		Variant:  covariance.Shared,
		Joint:    joint,
		Target:   target,
		Singular: 1,
		Total:    6,
		Trace: &sampler.Trace{
			Samples:    []*mat.Dense{mat.NewDense(3, 9, nil), mat.NewDense(3, 9, nil)},
			Acceptance: []float64{0.25, 0.3},
			RHat:       []float64{1.01, 1.02},
			Seed:       42,
		},
		Warnings: []string{"chain 0 acceptance rate 0.050 outside [0.10, 0.90]"},
	}
}

func settings() Settings {
	return Settings{
		Version: "1.2.3",
		Sampler: sampler.Config{Draws: 3, Tune: 5, Chains: 2, Workers: 2, Seed: 42},
		Options: inference.Options{ExcludeMissing: true, MaxSingularFraction: 0.5},
	}
}

// =============================================================================
// Build
// =============================================================================

func TestBuild_Shapes(t *testing.T) {
	rec, err := Build(completedRun(t), settings())
	require.NoError(t, err)

	assert.Equal(t, map[string]int{
		DimConstraint: 2,
		DimModel:      2,
		DimChain:      2,
		DimDraw:       3,
		DimJoint:      3,
	}, rec.Dimensions)

	want := map[string][]string{
		VarX:        {DimConstraint, DimModel},
		VarY:        {DimModel},
		VarYXPU:     {DimChain, DimDraw, DimJoint},
		VarYPC:      {DimChain, DimDraw},
		VarXO:       {DimConstraint},
		VarXOSD:     {DimConstraint},
		VarModel:    {DimModel},
		VarTitle:    {DimConstraint},
		VarUnits:    {DimConstraint},
		VarUnitsTex: {DimConstraint},
		VarLabel:    {DimConstraint},
		VarLabelTex: {DimConstraint},
	}
	require.Len(t, rec.Variables, len(want))
	for name, dims := range want {
		v, ok := rec.Variables[name]
		require.True(t, ok, name)
		assert.Equal(t, dims, v.Dims, name)
		assert.NotEmpty(t, v.Description, name)
		assert.Equal(t, Description(name), v.Description)
	}

	assert.Equal(t, []string{"A", "C"}, rec.Variables[VarModel].Data)
	assert.Equal(t, []string{"first", "second"}, rec.Variables[VarTitle].Data)
	assert.Equal(t, []string{"", "$x_2$"}, rec.Variables[VarLabelTex].Data)
	assert.Equal(t, "K", rec.Variables[VarX].Units)
}

func TestBuild_Provenance(t *testing.T) {
	rec, err := Build(completedRun(t), settings())
	require.NoError(t, err)

	a := rec.Attributes
	assert.Equal(t, "run-1", a.RunID)
	assert.Equal(t, "1.2.3", a.Version)
	assert.Equal(t, "shared", a.Variant)
	assert.True(t, a.ExcludeMissing)
	assert.False(t, a.Switch)
	assert.Equal(t, []string{"B"}, a.Excluded)
	assert.Equal(t, 1, a.SingularDraws)
	assert.Equal(t, 6, a.TotalDraws)
	assert.Equal(t, uint64(42), a.Seed)
	assert.Equal(t, 3, a.Draws)
	assert.Equal(t, 5, a.Tune)
	assert.Equal(t, nullable.Some(1.02), a.MaxRHat)
	assert.Len(t, a.Warnings, 1)
	assert.Nil(t, a.Inclusion)
}

func TestBuild_Incomplete(t *testing.T) {
	_, err := Build(nil, settings())
	assert.ErrorIs(t, err, errs.ErrInvalidConfiguration)

	res := completedRun(t)
	res.Trace = nil
	_, err = Build(res, settings())
	assert.ErrorIs(t, err, errs.ErrInvalidConfiguration)
}

func TestCommonUnits(t *testing.T) {
	assert.Equal(t, "", commonUnits(nil))
	assert.Equal(t, "K", commonUnits([]constraint.Metadata{{Units: "K"}, {Units: "K"}}))
	assert.Equal(t, "", commonUnits([]constraint.Metadata{{Units: "K"}, {Units: "W"}}))
}

// =============================================================================
// Write
// =============================================================================

func TestWrite_JSON(t *testing.T) {
	rec, err := Build(completedRun(t), settings())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "out.json")
	require.NoError(t, rec.Write(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded struct {
		Dimensions map[string]int `json:"dimensions"`
		Variables  map[string]struct {
			Dims []string `json:"dims"`
			Data any      `json:"data"`
		} `json:"variables"`
		Attributes map[string]any `json:"attributes"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, 3, decoded.Dimensions[DimJoint])

	ypc := decoded.Variables[VarYPC].Data.([]any)
	assert.Nil(t, ypc[1].([]any)[1], "discarded draw is null")
	assert.Equal(t, 4.2, ypc[1].([]any)[0])

	yxpu := decoded.Variables[VarYXPU].Data.([]any)
	assert.Equal(t, []any{nil, nil, nil}, yxpu[1].([]any)[1])

	x := decoded.Variables[VarX].Data.([]any)
	assert.Equal(t, []any{10.0, 12.0}, x[1])

	assert.Equal(t, "run-1", decoded.Attributes["run_id"])
	assert.Equal(t, []any{"B"}, decoded.Attributes["excluded_models"])

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp file left behind")
}

func TestWrite_YAML(t *testing.T) {
	rec, err := Build(completedRun(t), settings())
	require.NoError(t, err)

	for _, name := range []string{"out.yaml", "out.YML"} {
		path := filepath.Join(t.TempDir(), name)
		require.NoError(t, rec.Write(path))

		raw, err := os.ReadFile(path)
		require.NoError(t, err)

		var decoded map[string]any
		require.NoError(t, yaml.Unmarshal(raw, &decoded))

		vars := decoded["variables"].(map[string]any)
		ypc := vars[VarYPC].(map[string]any)["data"].([]any)
		assert.Nil(t, ypc[1].([]any)[1])
		assert.Equal(t, 4.2, ypc[1].([]any)[0])

		attrs := decoded["attributes"].(map[string]any)
		assert.Equal(t, "shared", attrs["covariance_variant"])
	}
}

func TestWrite_Errors(t *testing.T) {
	rec, err := Build(completedRun(t), settings())
	require.NoError(t, err)

	assert.ErrorIs(t, rec.Write(""), errs.ErrInvalidConfiguration)
	assert.ErrorIs(t, rec.Write(filepath.Join(t.TempDir(), "out.nc")), errs.ErrInvalidConfiguration)
	assert.Error(t, rec.Write(filepath.Join(t.TempDir(), "missing", "out.json")))
}

func TestFormatFor(t *testing.T) {
	tests := []struct {
		path string
		want Format
		ok   bool
	}{
		{"run.json", FormatJSON, true},
		{"run.JSON", FormatJSON, true},
		{"dir/run.yaml", FormatYAML, true},
		{"run.yml", FormatYAML, true},
		{"run.csv", "", false},
		{"run", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := FormatFor(tt.path)
			if !tt.ok {
				assert.ErrorIs(t, err, errs.ErrInvalidConfiguration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
