// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fit evaluates the posterior log-density of the joint model given
// the normalized per-model (y, x) observations.
//
// # Overview
//
// Each model contributes one joint vector [y, x_0, …, x_{n-1}]. Absent cells
// are marginalized: a model's term is the normal density of its present
// components under the matching sub-mean and sub-covariance. In the Shared
// variant models with the same missing pattern share one factorization per
// evaluation; in the PerModelNoise variant every model has its own
// covariance.
//
// When the inclusion switch is on, the density is summed over every switch
// configuration, each with prior mass 2⁻ⁿ. A configuration whose covariance
// is not positive definite contributes zero likelihood.
//
// # Thread Safety
//
// Model is immutable after New. LogProb allocates all scratch space locally
// and is safe to call from many sampler workers at once.
package fit

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/AleutianAI/constrain/internal/covariance"
	"github.com/AleutianAI/constrain/internal/normalize"
)

// ErrNoSupport is returned by SwitchWeights when no switch configuration
// yields a positive-definite covariance.
var ErrNoSupport = errors.New("no switch configuration has a positive-definite covariance")

// pattern is a set of models sharing the same present joint indices.
type pattern struct {
	idx  []int       // present joint indices, ascending
	obs  [][]float64 // one observed sub-vector per model
	from []int       // model index of each row of obs
}

// Model is the posterior fit model. It implements distmv.LogProber.
type Model struct {
	cov      *covariance.Model
	patterns []pattern
	m        int
}

// New captures the observations of data for cov.
//
// Inputs:
//   - cov: The covariance formula. Its constraint count must match data.
//   - data: Normalized data. Copied; later changes have no effect.
//
// Outputs:
//   - *Model: The fit model.
//   - error: Non-nil on a shape mismatch.
func New(cov *covariance.Model, data *normalize.Data) (*Model, error) {
	if cov.N() != data.N() {
		return nil, errors.New("covariance model and data disagree on the constraint count")
	}

	byKey := make(map[string]int)
	var patterns []pattern
	for k := 0; k < data.M(); k++ {
		var idx []int
		var obs []float64
		key := make([]byte, data.N()+1)
		if c := data.Y[k]; c.Valid {
			idx = append(idx, 0)
			obs = append(obs, c.Value)
			key[0] = 1
		}
		for i := 0; i < data.N(); i++ {
			if c := data.X[i][k]; c.Valid {
				idx = append(idx, i+1)
				obs = append(obs, c.Value)
				key[i+1] = 1
			}
		}
		if len(idx) == 0 {
			continue
		}
		p, ok := byKey[string(key)]
		if !ok {
			p = len(patterns)
			byKey[string(key)] = p
			patterns = append(patterns, pattern{idx: idx})
		}
		patterns[p].obs = append(patterns[p].obs, obs)
		patterns[p].from = append(patterns[p].from, k)
	}

	return &Model{cov: cov, patterns: patterns, m: data.M()}, nil
}

// Dim returns the length of the unconstrained parameter vector.
func (f *Model) Dim() int { return f.cov.Layout().Dim() }

// Models returns the number of models the data was captured from.
func (f *Model) Models() int { return f.m }

// Covariance returns the covariance formula.
func (f *Model) Covariance() *covariance.Model { return f.cov }

// LogProb returns the unnormalized posterior log-density at theta.
//
// Description:
//
//	Unpacks theta, adds its prior, and adds the log-likelihood of every
//	model's present components. With the switch on, the likelihood is
//	log Σ_s exp(ll(s)) − n·log 2. Returns -Inf for a vector of the wrong
//	length or when every configuration is degenerate.
//
// Thread Safety: Safe for concurrent use.
func (f *Model) LogProb(theta []float64) float64 {
	d, err := f.cov.Layout().Unpack(theta)
	if err != nil {
		return math.Inf(-1)
	}
	ll := f.configLogLiks(d)
	total := logSumExp(ll)
	if f.cov.Switched() {
		total -= float64(f.cov.N()) * math.Ln2
	}
	return d.LogPrior + total
}

// SwitchWeights returns the posterior probability of every switch
// configuration given draw d, in covariance.Model.Switches order.
//
// Outputs:
//   - []float64: Probabilities summing to 1. A single 1 when the switch is
//     disabled.
//   - error: ErrNoSupport when every configuration is degenerate.
func (f *Model) SwitchWeights(d *covariance.Draw) ([]float64, error) {
	ll := f.configLogLiks(d)
	z := logSumExp(ll)
	if math.IsInf(z, -1) {
		return nil, ErrNoSupport
	}
	w := make([]float64, len(ll))
	for i, v := range ll {
		w[i] = math.Exp(v - z)
	}
	return w, nil
}

// configLogLiks evaluates the log-likelihood under every switch
// configuration of the covariance model.
func (f *Model) configLogLiks(d *covariance.Draw) []float64 {
	base := d.Base()
	switches := f.cov.Switches()
	out := make([]float64, len(switches))
	scratch := mat.NewSymDense(len(d.Mu), nil)
	for c, active := range switches {
		out[c] = f.logLik(d.Mu, base, active, scratch)
	}
	return out
}

func (f *Model) logLik(mu []float64, base *mat.SymDense, active []bool, scratch *mat.SymDense) float64 {
	var ll float64
	switch f.cov.Variant() {
	case covariance.PerModelNoise:
		for _, p := range f.patterns {
			for r, k := range p.from {
				sigma := f.cov.ForModel(scratch, base, active, k)
				dist, ok := marginal(mu, sigma, p.idx)
				if !ok {
					return math.Inf(-1)
				}
				ll += dist.LogProb(p.obs[r])
			}
		}
	default:
		sigma := f.cov.Operative(scratch, base, active)
		for _, p := range f.patterns {
			dist, ok := marginal(mu, sigma, p.idx)
			if !ok {
				return math.Inf(-1)
			}
			for _, x := range p.obs {
				ll += dist.LogProb(x)
			}
		}
	}
	return ll
}

// marginal returns the normal over the joint indices idx.
func marginal(mu []float64, sigma mat.Symmetric, idx []int) (*distmv.Normal, bool) {
	subMu := make([]float64, len(idx))
	subSigma := mat.NewSymDense(len(idx), nil)
	for a, i := range idx {
		subMu[a] = mu[i]
		for b := a; b < len(idx); b++ {
			subSigma.SetSym(a, b, sigma.At(i, idx[b]))
		}
	}
	return distmv.NewNormal(subMu, subSigma, nil)
}

func logSumExp(v []float64) float64 {
	if len(v) == 1 {
		return v[0]
	}
	if hi := floats.Max(v); math.IsInf(hi, -1) {
		return hi
	}
	return floats.LogSumExp(v)
}

var _ distmv.LogProber = (*Model)(nil)
