// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package align reconciles per-constraint model reports onto one model axis.
//
// # Overview
//
// Each constraint lists the models it has values for, in its own order and
// possibly with gaps or duplicates. Align builds the sorted union of models
// that report at least one proxy value and scatters every constraint into
// dense n×m matrices, leaving gaps as absent cells.
//
// The target has one value per model: every constraint's report is averaged
// (duplicates within a constraint first), and the result is rounded to two
// decimals so that copies of the same number from different sources agree.
//
// # Thread Safety
//
// Align is a pure function. A Dataset is not mutated after construction;
// Exclude returns a new one.
package align

import (
	"math"
	"slices"

	"github.com/AleutianAI/constrain/internal/constraint"
	"github.com/AleutianAI/constrain/internal/errs"
	"github.com/AleutianAI/constrain/internal/nullable"
)

// TargetDecimals is the precision the aggregated target is rounded to.
const TargetDecimals = 2

// Options controls alignment.
type Options struct {
	// ExcludeMissing removes every model missing a proxy value in any
	// constraint.
	ExcludeMissing bool
}

// Dataset is the aligned, dense view of all constraints.
//
// Invariants:
//   - len(X) == len(XSD) == len(XO) == len(XOSD) == len(Meta) == n
//   - len(X[i]) == len(XSD[i]) == len(Y) == len(Models) == m
//   - Models is sorted and has no duplicates
type Dataset struct {
	// Models is the model axis.
	Models []string

	// X is the n×m proxy matrix.
	X [][]nullable.Float

	// XSD is the n×m proxy standard deviation matrix.
	XSD [][]nullable.Float

	// Y is the aggregated target per model.
	Y []nullable.Float

	// XO and XOSD are the observed proxy mean and std per constraint.
	XO   []float64
	XOSD []float64

	// Meta is the descriptive text per constraint.
	Meta []constraint.Metadata

	// Excluded lists models removed by Exclude, sorted.
	Excluded []string
}

// N returns the number of constraints.
func (d *Dataset) N() int { return len(d.X) }

// M returns the number of models.
func (d *Dataset) M() int { return len(d.Models) }

// HasXSD reports whether any proxy standard deviation is present.
func (d *Dataset) HasXSD() bool {
	for _, row := range d.XSD {
		if nullable.Count(row) > 0 {
			return true
		}
	}
	return false
}

// Complete reports whether model k has a proxy value in every constraint.
func (d *Dataset) Complete(k int) bool {
	for i := range d.X {
		if !d.X[i][k].Valid {
			return false
		}
	}
	return true
}

// Align builds a Dataset from constraints in input order.
//
// Description:
//
//	The model axis is the sorted union of identifiers with at least one
//	present proxy value. Within one constraint, duplicate reports for a
//	model are averaged cell by cell over their present values. The target
//	per model is the mean over constraints of each constraint's (averaged)
//	report, rounded half-to-even to TargetDecimals.
//
// Inputs:
//   - constraints: Loaded constraints. Must not be empty.
//   - opts: Alignment options.
//
// Outputs:
//   - *Dataset: The aligned dataset.
//   - error: *errs.NoEligibleModelsError when no model survives, or
//     *errs.InvalidConfigurationError when constraints is empty.
func Align(constraints []*constraint.Constraint, opts Options) (*Dataset, error) {
	if len(constraints) == 0 {
		return nil, errs.InvalidConfiguration("constraints", "at least one constraint is required")
	}

	n := len(constraints)
	models := modelUnion(constraints)
	m := len(models)
	index := make(map[string]int, m)
	for k, id := range models {
		index[id] = k
	}

	d := &Dataset{
		Models: models,
		X:      make([][]nullable.Float, n),
		XSD:    make([][]nullable.Float, n),
		Y:      make([]nullable.Float, m),
		XO:     make([]float64, n),
		XOSD:   make([]float64, n),
		Meta:   make([]constraint.Metadata, n),
	}

	// Target reports per (constraint, model) before reduction over constraints.
	ys := make([][]nullable.Float, m)
	for k := range ys {
		ys[k] = make([]nullable.Float, n)
	}

	for i, c := range constraints {
		d.XO[i], d.XOSD[i] = c.XO, c.XOSD
		d.Meta[i] = c.Meta

		xs := make([][]nullable.Float, m)
		xsds := make([][]nullable.Float, m)
		yc := make([][]nullable.Float, m)
		for _, r := range c.Reports {
			k, ok := index[r.Model]
			if !ok {
				// Reports only a target; not part of the population.
				continue
			}
			xs[k] = append(xs[k], r.X)
			xsds[k] = append(xsds[k], r.XSD)
			yc[k] = append(yc[k], r.Y)
		}

		d.X[i] = make([]nullable.Float, m)
		d.XSD[i] = make([]nullable.Float, m)
		for k := 0; k < m; k++ {
			d.X[i][k] = meanCell(xs[k])
			d.XSD[i][k] = meanCell(xsds[k])
			ys[k][i] = meanCell(yc[k])
		}
	}

	for k := 0; k < m; k++ {
		if v, ok := nullable.Mean(ys[k]); ok {
			d.Y[k] = nullable.Some(roundTo(v, TargetDecimals))
		}
	}

	if m == 0 {
		return nil, &errs.NoEligibleModelsError{Constraints: n}
	}
	if opts.ExcludeMissing {
		return d.Exclude()
	}
	return d, nil
}

// Exclude returns a copy of d without the models that miss a proxy value in
// any constraint.
//
// Description:
//
//	X, XSD, Y and Models are re-sliced together so column k refers to the
//	same model in all of them. Removed identifiers are appended to
//	Excluded.
//
// Outputs:
//   - *Dataset: The reduced dataset.
//   - error: *errs.NoEligibleModelsError when no model is complete.
func (d *Dataset) Exclude() (*Dataset, error) {
	keep := make([]int, 0, d.M())
	var removed []string
	for k, id := range d.Models {
		if d.Complete(k) {
			keep = append(keep, k)
		} else {
			removed = append(removed, id)
		}
	}

	excluded := slices.Concat(d.Excluded, removed)
	slices.Sort(excluded)
	if len(keep) == 0 {
		return nil, &errs.NoEligibleModelsError{Constraints: d.N(), Excluded: excluded}
	}

	out := &Dataset{
		Models:   make([]string, len(keep)),
		X:        make([][]nullable.Float, d.N()),
		XSD:      make([][]nullable.Float, d.N()),
		Y:        nullable.Select(d.Y, keep),
		XO:       slices.Clone(d.XO),
		XOSD:     slices.Clone(d.XOSD),
		Meta:     slices.Clone(d.Meta),
		Excluded: excluded,
	}
	for j, k := range keep {
		out.Models[j] = d.Models[k]
	}
	for i := range d.X {
		out.X[i] = nullable.Select(d.X[i], keep)
		out.XSD[i] = nullable.Select(d.XSD[i], keep)
	}
	return out, nil
}

// modelUnion returns the sorted identifiers with at least one present proxy
// value in any constraint.
func modelUnion(constraints []*constraint.Constraint) []string {
	seen := make(map[string]struct{})
	for _, c := range constraints {
		for _, r := range c.Reports {
			if r.X.Valid {
				seen[r.Model] = struct{}{}
			}
		}
	}
	models := make([]string, 0, len(seen))
	for id := range seen {
		models = append(models, id)
	}
	slices.Sort(models)
	return models
}

func meanCell(cells []nullable.Float) nullable.Float {
	if v, ok := nullable.Mean(cells); ok {
		return nullable.Some(v)
	}
	return nullable.None()
}

func roundTo(v float64, decimals int) float64 {
	p := math.Pow10(decimals)
	return math.RoundToEven(v*p) / p
}
