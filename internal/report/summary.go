// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package report renders run results for the terminal.
package report

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/AleutianAI/constrain/internal/inference"
	"github.com/AleutianAI/constrain/internal/nullable"
)

// ErrNoDraws is returned when a run has no retained predictive draws.
var ErrNoDraws = errors.New("report: no predictive draws to summarize")

// Stats summarizes one set of draws.
type Stats struct {
	N    int
	Mean float64
	Std  float64
	Q05  float64
	Q50  float64
	Q95  float64
}

// ConstraintRow is the per-constraint part of a summary.
type ConstraintRow struct {
	Title     string
	Units     string
	XO        float64
	XOSD      float64
	Inclusion nullable.Float
}

// Summary is what the run command prints.
type Summary struct {
	RunID       string
	Models      int
	Excluded    []string
	Conditional Stats
	Prior       Stats
	Constraints []ConstraintRow
	Singular    int
	Total       int
	MaxRHat     nullable.Float
	Warnings    []string
}

// Summarize computes the summary of a completed run.
//
// Outputs:
//   - Summary: Statistics of the conditional target draws and of the
//     unconditional target draws, in physical units.
//   - error: ErrNoDraws when every predictive draw was discarded.
func Summarize(res *inference.Result) (Summary, error) {
	if res == nil || res.Dataset == nil {
		return Summary{}, ErrNoDraws
	}

	var cond, prior []float64
	for c := range res.Target {
		cond = append(cond, nullable.Present(res.Target[c])...)
		for _, joint := range res.Joint[c] {
			if len(joint) > 0 && joint[0].Valid {
				prior = append(prior, joint[0].Value)
			}
		}
	}
	if len(cond) == 0 {
		return Summary{}, ErrNoDraws
	}

	ds := res.Dataset
	s := Summary{
		RunID:       res.RunID,
		Models:      ds.M(),
		Excluded:    ds.Excluded,
		Conditional: describe(cond),
		Prior:       describe(prior),
		Singular:    res.Singular,
		Total:       res.Total,
		Warnings:    res.Warnings,
	}
	if res.Trace != nil {
		if r := res.Trace.MaxRHat(); !math.IsNaN(r) {
			s.MaxRHat = nullable.Some(r)
		}
	}
	for i, md := range ds.Meta {
		row := ConstraintRow{Title: md.Title, Units: md.Units, XO: ds.XO[i], XOSD: ds.XOSD[i]}
		if i < len(res.Inclusion) {
			row.Inclusion = nullable.Some(res.Inclusion[i])
		}
		s.Constraints = append(s.Constraints, row)
	}
	return s, nil
}

// describe sorts a copy of x and computes its statistics. Empty input gives
// NaN statistics with N = 0.
func describe(x []float64) Stats {
	if len(x) == 0 {
		nan := math.NaN()
		return Stats{Mean: nan, Std: nan, Q05: nan, Q50: nan, Q95: nan}
	}
	sorted := append([]float64(nil), x...)
	sort.Float64s(sorted)

	out := Stats{N: len(sorted)}
	out.Mean, out.Std = stat.MeanStdDev(sorted, nil)
	if len(sorted) == 1 {
		out.Std = 0
	}
	out.Q05 = stat.Quantile(0.05, stat.Empirical, sorted, nil)
	out.Q50 = stat.Quantile(0.50, stat.Empirical, sorted, nil)
	out.Q95 = stat.Quantile(0.95, stat.Empirical, sorted, nil)
	return out
}
