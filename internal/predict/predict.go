// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package predict derives the distribution of the target given the observed
// constraint values from one joint draw.
//
// # Conditioning
//
// With the joint partitioned as index 0 (target) and 1..n (constraints):
//
//	μ_y  = μ[0] + Σ12·Σ22⁻¹·(xo − μ[1:])
//	σ²_y = Σ[0,0] − Σ12·Σ22⁻¹·Σ21
//
// Σ22 is factorized with a Cholesky decomposition. A failed factorization,
// a condition number above MaxCondition, or a clearly negative σ²_y is
// reported as *errs.SingularCovarianceError instead of a NaN.
//
// # Thread Safety
//
// Condition is pure. Predictor is immutable; Predict draws from the source it
// is given, so each goroutine must pass its own.
package predict

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/AleutianAI/constrain/internal/covariance"
	"github.com/AleutianAI/constrain/internal/errs"
)

const (
	// MaxCondition is the largest accepted condition number of Σ22.
	MaxCondition = 1e12

	// varianceTolerance scales Σ[0,0] to give the negative σ²_y accepted as
	// rounding noise and clamped to zero.
	varianceTolerance = 1e-12
)

// Conditional is a univariate normal.
type Conditional struct {
	Mean     float64
	Variance float64
}

// Condition returns the distribution of joint slot 0 given slots 1..n equal
// xo.
//
// Inputs:
//   - mu: Joint mean of length K = n+1.
//   - sigma: Joint covariance of size K.
//   - xo: Conditioning values of length n.
//
// Outputs:
//   - Conditional: Mean and variance of the target.
//   - error: *errs.SingularCovarianceError (Chain and Draw set to -1) when
//     Σ22 cannot be inverted reliably.
func Condition(mu []float64, sigma mat.Symmetric, xo []float64) (Conditional, error) {
	k := sigma.SymmetricDim()
	n := k - 1
	if len(mu) != k || len(xo) != n {
		return Conditional{}, fmt.Errorf("condition: mean has length %d and observation %d for a joint of size %d", len(mu), len(xo), k)
	}

	s22 := mat.NewSymDense(n, nil)
	s21 := mat.NewVecDense(n, nil)
	diff := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		s21.SetVec(i, sigma.At(i+1, 0))
		diff.SetVec(i, xo[i]-mu[i+1])
		for j := i; j < n; j++ {
			s22.SetSym(i, j, sigma.At(i+1, j+1))
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(s22); !ok {
		return Conditional{}, &errs.SingularCovarianceError{Chain: -1, Draw: -1, Cond: math.Inf(1)}
	}
	if cond := chol.Cond(); cond > MaxCondition || math.IsNaN(cond) {
		return Conditional{}, &errs.SingularCovarianceError{Chain: -1, Draw: -1, Cond: cond}
	}

	// w = Σ22⁻¹·Σ21
	var w mat.VecDense
	if err := chol.SolveVecTo(&w, s21); err != nil {
		return Conditional{}, &errs.SingularCovarianceError{Chain: -1, Draw: -1, Cond: chol.Cond()}
	}

	s00 := sigma.At(0, 0)
	out := Conditional{
		Mean:     mu[0] + mat.Dot(&w, diff),
		Variance: s00 - mat.Dot(&w, s21),
	}
	if out.Variance < 0 {
		if out.Variance < -varianceTolerance*s00 {
			return Conditional{}, &errs.SingularCovarianceError{Chain: -1, Draw: -1, Cond: chol.Cond()}
		}
		out.Variance = 0
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Predictor
// -----------------------------------------------------------------------------

// SwitchSource provides the posterior weights of every switch configuration
// for a draw. It is satisfied by *fit.Model.
type SwitchSource interface {
	SwitchWeights(d *covariance.Draw) ([]float64, error)
}

// Sample is one predictive draw, normalized units.
type Sample struct {
	// Joint is the unconditional joint draw, target first.
	Joint []float64

	// Target is the conditional target draw.
	Target float64

	// Active is the switch vector used, or nil when the switch is off.
	Active []bool
}

// Predictor draws predictive samples from posterior parameter draws.
type Predictor struct {
	cov      *covariance.Model
	switches SwitchSource
	xo       []float64
	xosd     []float64
}

// NewPredictor creates a Predictor.
//
// Inputs:
//   - cov: The covariance formula shared with the fit model.
//   - switches: Switch weights source. Required when cov has the switch
//     enabled, ignored otherwise.
//   - xo, xosd: Normalized observed proxy means and standard deviations.
func NewPredictor(cov *covariance.Model, switches SwitchSource, xo, xosd []float64) (*Predictor, error) {
	if len(xo) != cov.N() || len(xosd) != cov.N() {
		return nil, fmt.Errorf("observations have length %d/%d, want %d", len(xo), len(xosd), cov.N())
	}
	if cov.Switched() && switches == nil {
		return nil, errs.InvalidConfiguration("model.switch", "switch weights source is required")
	}
	return &Predictor{cov: cov, switches: switches, xo: xo, xosd: xosd}, nil
}

// Predict draws one predictive sample from the unconstrained parameter
// vector theta.
//
// Description:
//
//	Unpacks theta. With the switch on, a configuration is drawn from its
//	exact conditional given the draw. The operative covariance (no model
//	noise) gives the unconditional joint draw. The observation is perturbed
//	as xo_draw ~ Normal(xo, xosd) and the target is drawn from the
//	conditional given xo_draw.
//
// Outputs:
//   - Sample: The predictive draw.
//   - error: *errs.SingularCovarianceError for a degenerate draw; other
//     errors are fatal.
func (p *Predictor) Predict(theta []float64, src rand.Source) (Sample, error) {
	d, err := p.cov.Layout().Unpack(theta)
	if err != nil {
		return Sample{}, err
	}
	base := d.Base()

	var active []bool
	if p.cov.Switched() {
		w, err := p.switches.SwitchWeights(d)
		if err != nil {
			return Sample{}, &errs.SingularCovarianceError{Chain: -1, Draw: -1, Cond: math.Inf(1)}
		}
		pick := distuv.NewCategorical(w, src).Rand()
		active = p.cov.Switches()[int(pick)]
	}
	sigma := p.cov.Operative(nil, base, active)

	joint, ok := distmv.NewNormal(d.Mu, sigma, src)
	if !ok {
		return Sample{}, &errs.SingularCovarianceError{Chain: -1, Draw: -1, Cond: math.Inf(1)}
	}

	xo := make([]float64, len(p.xo))
	for i := range xo {
		xo[i] = distuv.Normal{Mu: p.xo[i], Sigma: p.xosd[i], Src: src}.Rand()
	}

	cond, err := Condition(d.Mu, sigma, xo)
	if err != nil {
		return Sample{}, err
	}

	return Sample{
		Joint:  joint.Rand(nil),
		Target: distuv.Normal{Mu: cond.Mean, Sigma: math.Sqrt(cond.Variance), Src: src}.Rand(),
		Active: active,
	}, nil
}
