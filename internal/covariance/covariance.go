// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package covariance builds the joint mean and covariance of the target and
// the constraints from one stochastic draw.
//
// # Overview
//
// The joint has K = n+1 slots: index 0 is the target, index i+1 is
// constraint i. One draw provides the mean vector and a lower factor L; the
// base covariance is L·Lᵀ. Two optional features modify it:
//
//   - Inclusion switch: a binary vector over constraints selects an
//     elementwise mask. Inactive constraints lose every off-diagonal term.
//   - Per-model noise: model k adds xsd[i][k]² to diagonal slot i+1.
//     The target slot is never touched.
//
// Assemble is the single formula used by both the fit and the prediction
// stage, so the two always agree on structure.
//
// # Thread Safety
//
// Model is immutable after New and safe for concurrent use. Assemble writes
// only into the destination it is given.
package covariance

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/AleutianAI/constrain/internal/errs"
	"github.com/AleutianAI/constrain/internal/nullable"
)

// MaxSwitchConstraints bounds the constraint count when the inclusion switch
// is enabled. The switch is marginalized over all 2ⁿ configurations.
const MaxSwitchConstraints = 12

// Variant selects how per-model covariances are formed.
type Variant int

const (
	// Shared uses one covariance for every model.
	Shared Variant = iota

	// PerModelNoise adds each model's proxy noise to the shared covariance.
	PerModelNoise
)

// String returns "shared" or "per-model-noise".
func (v Variant) String() string {
	switch v {
	case Shared:
		return "shared"
	case PerModelNoise:
		return "per-model-noise"
	default:
		return fmt.Sprintf("Variant(%d)", int(v))
	}
}

// -----------------------------------------------------------------------------
// Mask
// -----------------------------------------------------------------------------

// maskAt returns the mask cell (i, j) for joint indices. A nil active slice
// disables the switch.
func maskAt(active []bool, i, j int) float64 {
	if active == nil || i == j {
		return 1
	}
	if i > j {
		i, j = j, i
	}
	// Only target/constraint pairs survive, and only for active constraints.
	if i == 0 && active[j-1] {
		return 1
	}
	return 0
}

// Mask returns the K×K inclusion mask for a switch vector over n
// constraints. A nil active slice yields the all-ones mask of size n+1.
func Mask(n int, active []bool) *mat.SymDense {
	k := n + 1
	m := mat.NewSymDense(k, nil)
	for i := 0; i < k; i++ {
		for j := i; j < k; j++ {
			m.SetSym(i, j, maskAt(active, i, j))
		}
	}
	return m
}

// Assemble writes (base ∘ mask(active)) + diag(0, noise...) into dst and
// returns it. dst is allocated when nil.
//
// Inputs:
//   - dst: Destination of size K, or nil.
//   - base: The base covariance L·Lᵀ.
//   - active: Switch vector of length n, or nil when the switch is off.
//   - noise: Proxy noise variances of length n, or nil for none.
//
// Outputs:
//   - *mat.SymDense: The operative covariance.
func Assemble(dst *mat.SymDense, base mat.Symmetric, active []bool, noise []float64) *mat.SymDense {
	k := base.SymmetricDim()
	if dst == nil {
		dst = mat.NewSymDense(k, nil)
	}
	for i := 0; i < k; i++ {
		for j := i; j < k; j++ {
			v := base.At(i, j) * maskAt(active, i, j)
			if i == j && i > 0 && noise != nil {
				v += noise[i-1]
			}
			dst.SetSym(i, j, v)
		}
	}
	return dst
}

// Switches enumerates every switch vector over n constraints. Configuration
// b activates constraint i when bit i of b is set.
func Switches(n int) [][]bool {
	out := make([][]bool, 1<<n)
	for b := range out {
		s := make([]bool, n)
		for i := 0; i < n; i++ {
			s[i] = b&(1<<i) != 0
		}
		out[b] = s
	}
	return out
}

// -----------------------------------------------------------------------------
// Model
// -----------------------------------------------------------------------------

// Config configures a Model.
type Config struct {
	// N is the number of constraints.
	N int

	// Variant selects shared or per-model covariances.
	Variant Variant

	// Switch enables the inclusion switch.
	Switch bool

	// XSD is the normalized n×m proxy noise matrix. Required for
	// PerModelNoise; absent cells contribute no noise.
	XSD [][]nullable.Float
}

// Model is the covariance formula for one run.
type Model struct {
	layout   Layout
	variant  Variant
	switches [][]bool
	noise    [][]float64 // m×n variances, PerModelNoise only
}

// New validates cfg and precomputes per-model noise.
//
// Outputs:
//   - *Model: The formula.
//   - error: *errs.InvalidConfigurationError for an unsupported
//     combination.
func New(cfg Config) (*Model, error) {
	if cfg.N < 1 {
		return nil, errs.InvalidConfiguration("constraints", "at least one constraint is required")
	}
	if cfg.Switch && cfg.N > MaxSwitchConstraints {
		return nil, errs.InvalidConfiguration("model.switch",
			"inclusion switch supports at most %d constraints, got %d", MaxSwitchConstraints, cfg.N)
	}

	md := &Model{layout: NewLayout(cfg.N), variant: cfg.Variant}
	if cfg.Switch {
		md.switches = Switches(cfg.N)
	}

	if cfg.Variant == PerModelNoise {
		if len(cfg.XSD) != cfg.N {
			return nil, errs.InvalidConfiguration("xsd", "expected %d rows, got %d", cfg.N, len(cfg.XSD))
		}
		m := len(cfg.XSD[0])
		md.noise = make([][]float64, m)
		for k := 0; k < m; k++ {
			md.noise[k] = NoiseVariance(cfg.XSD, k)
		}
	}
	return md, nil
}

// Layout returns the parameter layout.
func (md *Model) Layout() Layout { return md.layout }

// N returns the number of constraints.
func (md *Model) N() int { return md.layout.K - 1 }

// Variant returns the configured variant.
func (md *Model) Variant() Variant { return md.variant }

// Switched reports whether the inclusion switch is enabled.
func (md *Model) Switched() bool { return md.switches != nil }

// Switches returns every switch configuration, or a single nil entry when
// the switch is disabled. Callers must not modify the result.
func (md *Model) Switches() [][]bool {
	if md.switches == nil {
		return [][]bool{nil}
	}
	return md.switches
}

// Noise returns model k's proxy noise variances, or nil for Shared.
func (md *Model) Noise(k int) []float64 {
	if md.noise == nil {
		return nil
	}
	return md.noise[k]
}

// Operative writes the noise-free covariance under switch vector active into
// dst.
func (md *Model) Operative(dst *mat.SymDense, base mat.Symmetric, active []bool) *mat.SymDense {
	return Assemble(dst, base, active, nil)
}

// ForModel writes model k's covariance under switch vector active into dst.
func (md *Model) ForModel(dst *mat.SymDense, base mat.Symmetric, active []bool, k int) *mat.SymDense {
	return Assemble(dst, base, active, md.Noise(k))
}

// NoiseVariance returns the squared proxy noise of model k per constraint,
// with zero where the cell is absent.
func NoiseVariance(xsd [][]nullable.Float, k int) []float64 {
	out := make([]float64, len(xsd))
	for i := range xsd {
		if c := xsd[i][k]; c.Valid {
			out[i] = c.Value * c.Value
		}
	}
	return out
}
