// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package normalize standardizes an aligned dataset and inverts the
// standardization on posterior draws.
//
// Every constraint row gets its own (mean, std) pair computed over present
// cells with the population standard deviation; the target gets one pair over
// all models. Standard deviations (xsd, xosd) are divided by the row std and
// never shifted.
package normalize

import (
	"fmt"

	"github.com/AleutianAI/constrain/internal/align"
	"github.com/AleutianAI/constrain/internal/errs"
	"github.com/AleutianAI/constrain/internal/nullable"
)

// Transform is an affine standardization v' = (v - Mean) / Std.
type Transform struct {
	Mean float64 `json:"mean" yaml:"mean"`
	Std  float64 `json:"std" yaml:"std"`
}

// Apply standardizes a location value.
func (t Transform) Apply(v float64) float64 { return (v - t.Mean) / t.Std }

// Invert maps a standardized location value back to physical units.
func (t Transform) Invert(v float64) float64 { return v*t.Std + t.Mean }

// Scale standardizes a spread value (std or noise).
func (t Transform) Scale(sd float64) float64 { return sd / t.Std }

func (t Transform) applyCell(c nullable.Float) nullable.Float {
	if !c.Valid {
		return c
	}
	return nullable.Some(t.Apply(c.Value))
}

func (t Transform) scaleCell(c nullable.Float) nullable.Float {
	if !c.Valid {
		return c
	}
	return nullable.Some(t.Scale(c.Value))
}

// Transforms holds the per-constraint and target transforms of one run.
//
// Thread Safety: Immutable after Normalize; safe for concurrent reads.
type Transforms struct {
	X []Transform `json:"x" yaml:"x"`
	Y Transform   `json:"y" yaml:"y"`
}

// Joint maps a standardized joint vector (target first, then one slot per
// constraint) back to physical units into dst. dst may alias v.
func (t Transforms) Joint(dst, v []float64) {
	dst[0] = t.Y.Invert(v[0])
	for k, tr := range t.X {
		dst[k+1] = tr.Invert(v[k+1])
	}
}

// Data is the standardized counterpart of an aligned dataset.
type Data struct {
	X    [][]nullable.Float
	XSD  [][]nullable.Float
	Y    []nullable.Float
	XO   []float64
	XOSD []float64

	Transforms Transforms
}

// N returns the number of constraints.
func (d *Data) N() int { return len(d.X) }

// M returns the number of models.
func (d *Data) M() int { return len(d.Y) }

// Normalize standardizes every quantity of d.
//
// Description:
//
//	Row i of X is standardized with its own skip-missing mean and
//	population std; XSD row i and XOSD[i] are divided by that std; XO[i]
//	is standardized with the same pair. Y is standardized with its own
//	pair over all models.
//
// Inputs:
//   - d: The aligned dataset. Not modified.
//
// Outputs:
//   - *Data: Standardized data with the transforms to invert it.
//   - error: *errs.InvalidConfigurationError when a row or the target has
//     zero spread or no present values.
func Normalize(d *align.Dataset) (*Data, error) {
	n := d.N()
	out := &Data{
		X:    make([][]nullable.Float, n),
		XSD:  make([][]nullable.Float, n),
		XO:   make([]float64, n),
		XOSD: make([]float64, n),
		Transforms: Transforms{
			X: make([]Transform, n),
		},
	}

	for i := 0; i < n; i++ {
		tr, err := fit(d.X[i], fmt.Sprintf("constraint[%d].x", i))
		if err != nil {
			return nil, err
		}
		out.Transforms.X[i] = tr
		out.X[i] = make([]nullable.Float, len(d.X[i]))
		out.XSD[i] = make([]nullable.Float, len(d.XSD[i]))
		for k := range d.X[i] {
			out.X[i][k] = tr.applyCell(d.X[i][k])
			out.XSD[i][k] = tr.scaleCell(d.XSD[i][k])
		}
		out.XO[i] = tr.Apply(d.XO[i])
		out.XOSD[i] = tr.Scale(d.XOSD[i])
	}

	ty, err := fit(d.Y, "y")
	if err != nil {
		return nil, err
	}
	out.Transforms.Y = ty
	out.Y = make([]nullable.Float, len(d.Y))
	for k, c := range d.Y {
		out.Y[k] = ty.applyCell(c)
	}
	return out, nil
}

func fit(cells []nullable.Float, field string) (Transform, error) {
	mean, std, ok := nullable.MeanStd(cells)
	if !ok {
		return Transform{}, errs.InvalidConfiguration(field, "no present values")
	}
	if std == 0 {
		return Transform{}, errs.InvalidConfiguration(field, "zero cross-model variance")
	}
	return Transform{Mean: mean, Std: std}, nil
}
