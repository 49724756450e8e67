// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package constraint defines the emergent-constraint record and reads it from
// an input directory.
//
// # Directory Layout
//
//	data.csv  model,x[,xsd],y   one row per model report (required)
//	obs.csv   x,xsd             one row: the observed proxy estimate (required)
//	meta.csv  title,units,units_tex,label,label_tex   one row (optional)
//
// Columns are located by header name, case-insensitively, in any order.
// Empty cells and NA/NaN are missing values.
//
// # Thread Safety
//
// A loaded Constraint is never mutated by the pipeline and may be shared.
package constraint

import (
	"fmt"
	"math"

	"github.com/AleutianAI/constrain/internal/nullable"
)

// Metadata is the descriptive text attached to a constraint. Every field is
// optional.
type Metadata struct {
	Title    string `json:"title" yaml:"title"`
	Units    string `json:"units" yaml:"units"`
	UnitsTex string `json:"units_tex" yaml:"units_tex"`
	Label    string `json:"label" yaml:"label"`
	LabelTex string `json:"label_tex" yaml:"label_tex"`
}

// Report is one model's row in data.csv.
type Report struct {
	// Model identifies the simulation model.
	Model string

	// X is the model's proxy value.
	X nullable.Float

	// XSD is the model's proxy standard deviation (absent when not reported).
	XSD nullable.Float

	// Y is the model's target value as reported by this constraint.
	Y nullable.Float
}

// Constraint is one proxy measurement source.
type Constraint struct {
	// Source is the directory the constraint was read from. Empty for
	// constraints built in memory.
	Source string

	// Meta holds the optional descriptive text.
	Meta Metadata

	// Reports lists per-model values in file order. A model may appear more
	// than once; the aligner averages duplicates.
	Reports []Report

	// XO is the observed proxy mean.
	XO float64

	// XOSD is the observed proxy standard deviation.
	XOSD float64
}

// Name returns the title when set, otherwise the source directory.
func (c *Constraint) Name() string {
	if c.Meta.Title != "" {
		return c.Meta.Title
	}
	return c.Source
}

// Validate checks the invariants the aligner relies on.
//
// Description:
//
//	The observation must be finite with a non-negative standard deviation
//	and every report must name a model. Missing x, xsd or y cells are
//	allowed.
//
// Outputs:
//   - error: Non-nil describing the first violation found.
func (c *Constraint) Validate() error {
	if math.IsNaN(c.XO) || math.IsInf(c.XO, 0) {
		return fmt.Errorf("constraint %q: observed x is not finite", c.Name())
	}
	if math.IsNaN(c.XOSD) || math.IsInf(c.XOSD, 0) || c.XOSD < 0 {
		return fmt.Errorf("constraint %q: observed xsd must be finite and non-negative, got %v", c.Name(), c.XOSD)
	}
	for i, r := range c.Reports {
		if r.Model == "" {
			return fmt.Errorf("constraint %q: report %d has an empty model identifier", c.Name(), i)
		}
		if r.XSD.Valid && r.XSD.Value < 0 {
			return fmt.Errorf("constraint %q: model %q has negative xsd %v", c.Name(), r.Model, r.XSD.Value)
		}
	}
	return nil
}
