// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package covariance

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Prior constants.
const (
	// MeanBound is the half-width of the uniform prior on every mean
	// component: mu ~ Uniform(-MeanBound, MeanBound).
	MeanBound = 10.0

	// LKJEta is the shape of the LKJ prior on the correlation matrix.
	LKJEta = 2.0

	// ScaleRate is the rate of the exponential prior on marginal scales.
	ScaleRate = 1.0
)

var scalePrior = distuv.Exponential{Rate: ScaleRate}

// -----------------------------------------------------------------------------
// Layout
// -----------------------------------------------------------------------------

// Layout describes the unconstrained parameter vector for a joint of size
// K = n+1 (target first, then n constraints).
//
// The vector holds, in order:
//
//	[0, K)            mean, through a scaled logistic onto (-MeanBound, MeanBound)
//	[K, 2K)           log marginal scales
//	[2K, 2K+K(K-1)/2) canonical partial correlations, through tanh, row-major
//	                  over the strict lower triangle
type Layout struct {
	K int
}

// NewLayout returns the layout for n constraints.
func NewLayout(n int) Layout {
	return Layout{K: n + 1}
}

// Dim returns the length of the unconstrained vector.
func (l Layout) Dim() int {
	return 2*l.K + l.K*(l.K-1)/2
}

// Draw is one instantiation of the mean vector and Cholesky-style factor.
//
// Thread Safety: A Draw is owned by the goroutine that unpacked it.
type Draw struct {
	// Mu is the joint mean, target first.
	Mu []float64

	// Scale holds the marginal standard deviations.
	Scale []float64

	// Corr is the lower Cholesky factor of the correlation matrix.
	Corr *mat.TriDense

	// LogPrior is the prior log-density of the draw expressed on the
	// unconstrained vector, Jacobian terms included, up to a constant.
	LogPrior float64
}

// Factor returns L = diag(Scale)·Corr, the lower factor of the base
// covariance.
func (d *Draw) Factor() *mat.TriDense {
	k := len(d.Scale)
	l := mat.NewTriDense(k, mat.Lower, nil)
	for i := 0; i < k; i++ {
		for j := 0; j <= i; j++ {
			l.SetTri(i, j, d.Scale[i]*d.Corr.At(i, j))
		}
	}
	return l
}

// Base returns the base covariance L·Lᵀ.
func (d *Draw) Base() *mat.SymDense {
	k := len(d.Scale)
	base := mat.NewSymDense(k, nil)
	base.SymOuterK(1, d.Factor())
	return base
}

// Unpack maps an unconstrained vector onto a Draw and evaluates its prior.
//
// Description:
//
//	Every real vector of length Dim maps to a valid draw: means fall in the
//	open interval, scales are positive, and Corr has unit-norm rows with a
//	positive diagonal. The prior is Uniform on the means, Exponential on
//	the scales and LKJ(LKJEta) on the correlation factor.
//
// Inputs:
//   - theta: Unconstrained vector of length Dim. Not modified.
//
// Outputs:
//   - *Draw: The constrained parameters.
//   - error: Non-nil when theta has the wrong length.
//
// Thread Safety: Pure; safe for concurrent use.
func (l Layout) Unpack(theta []float64) (*Draw, error) {
	if len(theta) != l.Dim() {
		return nil, fmt.Errorf("parameter vector has length %d, want %d", len(theta), l.Dim())
	}
	k := l.K
	d := &Draw{
		Mu:    make([]float64, k),
		Scale: make([]float64, k),
		Corr:  mat.NewTriDense(k, mat.Lower, nil),
	}

	var lp float64
	for i := 0; i < k; i++ {
		u := theta[i]
		d.Mu[i] = -MeanBound + 2*MeanBound*sigmoid(u)
		// Uniform density is constant; only the Jacobian contributes.
		lp += logSigmoid(u) + logSigmoid(-u)
	}

	for i := 0; i < k; i++ {
		v := theta[k+i]
		d.Scale[i] = math.Exp(v)
		lp += scalePrior.LogProb(d.Scale[i]) + v
	}

	lp += unpackCorr(d.Corr, theta[2*k:])

	for r := 1; r < k; r++ {
		lp += (float64(k-r) + 2*LKJEta - 3) * math.Log(d.Corr.At(r, r))
	}

	d.LogPrior = lp
	return d, nil
}

// unpackCorr fills dst from canonical partial correlations and returns the
// log-Jacobian of the transform.
func unpackCorr(dst *mat.TriDense, cpcs []float64) float64 {
	k, _ := dst.Dims()
	dst.SetTri(0, 0, 1)

	var lj float64
	idx := 0
	for i := 1; i < k; i++ {
		var sumSqs float64
		for j := 0; j < i; j++ {
			z := math.Tanh(cpcs[idx])
			idx++
			lj += math.Log1p(-z * z)
			lj += 0.5 * math.Log1p(-sumSqs)
			v := z * math.Sqrt(1-sumSqs)
			dst.SetTri(i, j, v)
			sumSqs += v * v
		}
		dst.SetTri(i, i, math.Sqrt(math.Max(1-sumSqs, 0)))
	}
	return lj
}

// Pack is the inverse of Unpack for means, scales and a correlation factor.
// It is used to build starting points.
func (l Layout) Pack(mu, scale []float64, corr mat.Triangular) []float64 {
	k := l.K
	theta := make([]float64, l.Dim())
	for i := 0; i < k; i++ {
		p := (mu[i] + MeanBound) / (2 * MeanBound)
		theta[i] = math.Log(p) - math.Log1p(-p)
		theta[k+i] = math.Log(scale[i])
	}
	idx := 2 * k
	for i := 1; i < k; i++ {
		var sumSqs float64
		for j := 0; j < i; j++ {
			v := corr.At(i, j)
			z := v / math.Sqrt(1-sumSqs)
			theta[idx] = math.Atanh(z)
			idx++
			sumSqs += v * v
		}
	}
	return theta
}

func sigmoid(u float64) float64 {
	if u >= 0 {
		return 1 / (1 + math.Exp(-u))
	}
	e := math.Exp(u)
	return e / (1 + e)
}

// logSigmoid returns log(1/(1+exp(-u))) without overflow.
func logSigmoid(u float64) float64 {
	if u >= 0 {
		return -math.Log1p(math.Exp(-u))
	}
	return u - math.Log1p(math.Exp(u))
}
