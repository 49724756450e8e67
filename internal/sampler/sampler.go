// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sampler draws posterior samples from a log-density and runs
// posterior-predictive passes over them.
//
// # Contract
//
// A Sampler needs only an evaluable log-density over a fixed-length vector.
// It returns a Trace that keeps chains as a separate axis so that mixing
// diagnostics stay possible. Predictive then visits every (chain, draw) of a
// Trace with a caller-supplied function and a per-chain random source.
//
// # Thread Safety
//
// Samplers run chains concurrently. Target.LogProb must therefore be safe
// for concurrent use, and a PredictFunc is called concurrently for different
// chains (never for the same chain).
package sampler

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/AleutianAI/constrain/internal/errs"
)

// Target is a log-density over a fixed-length unconstrained vector.
type Target interface {
	// LogProb returns the log-density up to a constant. -Inf marks zero
	// density.
	LogProb(theta []float64) float64

	// Dim returns the vector length.
	Dim() int
}

// PredictFunc handles one posterior draw of a predictive pass. src is the
// chain's own random stream.
type PredictFunc func(chain, draw int, theta []float64, src rand.Source) error

// Sampler is the contract the inference pipeline depends on.
type Sampler interface {
	// Sample draws from target starting near init.
	Sample(ctx context.Context, target Target, init []float64) (*Trace, error)

	// Predictive calls fn for every draw of tr.
	Predictive(ctx context.Context, tr *Trace, fn PredictFunc) error
}

// Defaults.
const (
	DefaultDraws   = 1000
	DefaultTune    = 1000
	DefaultWorkers = 6
)

// Config controls a sampling run.
type Config struct {
	// Draws is the number of retained draws per chain.
	Draws int

	// Tune is the number of adaptation iterations per chain, discarded.
	Tune int

	// Chains is the number of chains. 0 selects Workers clamped to [2, 4].
	Chains int

	// Workers bounds the number of chains run at once.
	Workers int

	// Seed seeds every chain's stream as PCG(Seed, chain).
	Seed uint64
}

// ResolvedChains returns the chain count after applying the default.
func (c Config) ResolvedChains() int {
	if c.Chains > 0 {
		return c.Chains
	}
	return min(max(c.Workers, 2), 4)
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Draws < 1:
		return errs.InvalidConfiguration("sampling.draws", "must be positive, got %d", c.Draws)
	case c.Tune < 0:
		return errs.InvalidConfiguration("sampling.tune", "must not be negative, got %d", c.Tune)
	case c.Chains < 0:
		return errs.InvalidConfiguration("sampling.chains", "must not be negative, got %d", c.Chains)
	case c.Workers < 1:
		return errs.InvalidConfiguration("sampling.workers", "must be positive, got %d", c.Workers)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Trace
// -----------------------------------------------------------------------------

// Trace holds the retained draws of every chain plus diagnostics.
type Trace struct {
	// Samples holds one Draws×Dim matrix per chain.
	Samples []*mat.Dense

	// Acceptance is the sampling-phase acceptance rate per chain.
	Acceptance []float64

	// RHat is the split potential scale reduction per parameter. NaN when
	// there are too few draws to split.
	RHat []float64

	// Warnings lists convergence problems. They are never fatal.
	Warnings []string

	// Seed is the seed the chains were started from.
	Seed uint64
}

// Chains returns the number of chains.
func (t *Trace) Chains() int { return len(t.Samples) }

// Draws returns the number of draws per chain.
func (t *Trace) Draws() int {
	if len(t.Samples) == 0 {
		return 0
	}
	r, _ := t.Samples[0].Dims()
	return r
}

// Dim returns the parameter vector length.
func (t *Trace) Dim() int {
	if len(t.Samples) == 0 {
		return 0
	}
	_, c := t.Samples[0].Dims()
	return c
}

// At returns a view of draw d of chain c. The slice must not be modified.
func (t *Trace) At(c, d int) []float64 {
	return t.Samples[c].RawRowView(d)
}

// MaxRHat returns the largest finite RHat, or NaN when none is finite.
func (t *Trace) MaxRHat() float64 {
	out := math.NaN()
	for _, r := range t.RHat {
		if math.IsNaN(r) {
			continue
		}
		if math.IsNaN(out) || r > out {
			out = r
		}
	}
	return out
}

func (t *Trace) check() error {
	if t == nil || len(t.Samples) == 0 {
		return errors.New("empty trace")
	}
	return nil
}
