// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sampler

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Warning thresholds.
const (
	MinAcceptance = 0.10
	MaxAcceptance = 0.90
	MaxRHat       = 1.05
)

var nan = math.NaN()

// SplitRHat returns the split potential scale reduction of every column
// across chains.
//
// Description:
//
//	Each chain is cut into two halves, giving 2C sequences of length
//	n = ⌊draws/2⌋. With W the mean within-sequence variance and B/n the
//	variance of sequence means,
//
//	  R̂ = sqrt(((n−1)/n·W + B/n) / W)
//
//	Columns with fewer than two draws per half, or zero within-sequence
//	variance, get NaN.
func SplitRHat(chains []*mat.Dense) []float64 {
	if len(chains) == 0 {
		return nil
	}
	rows, dim := chains[0].Dims()
	half := rows / 2
	out := make([]float64, dim)
	if half < 2 {
		for j := range out {
			out[j] = nan
		}
		return out
	}

	seqs := 2 * len(chains)
	means := make([]float64, seqs)
	vars := make([]float64, seqs)
	col := make([]float64, rows)
	for j := 0; j < dim; j++ {
		for c, m := range chains {
			mat.Col(col, j, m)
			first, second := col[:half], col[rows-half:]
			means[2*c], vars[2*c] = stat.MeanVariance(first, nil)
			means[2*c+1], vars[2*c+1] = stat.MeanVariance(second, nil)
		}
		w := stat.Mean(vars, nil)
		if w == 0 {
			out[j] = nan
			continue
		}
		n := float64(half)
		bOverN := stat.Variance(means, nil)
		out[j] = math.Sqrt(((n-1)/n*w + bOverN) / w)
	}
	return out
}

// diagnose fills RHat and Warnings on tr.
func diagnose(tr *Trace) {
	for c, a := range tr.Acceptance {
		if a < MinAcceptance || a > MaxAcceptance {
			tr.Warnings = append(tr.Warnings,
				fmt.Sprintf("chain %d acceptance rate %.3f outside [%.2f, %.2f]", c, a, MinAcceptance, MaxAcceptance))
		}
	}

	if len(tr.Samples) < 2 {
		tr.RHat = make([]float64, tr.Dim())
		for j := range tr.RHat {
			tr.RHat[j] = nan
		}
		tr.Warnings = append(tr.Warnings, "single chain: convergence across chains not assessed")
		return
	}

	tr.RHat = SplitRHat(tr.Samples)
	if r := tr.MaxRHat(); r > MaxRHat {
		tr.Warnings = append(tr.Warnings, fmt.Sprintf("max split R-hat %.3f exceeds %.2f", r, MaxRHat))
	}
}
