// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package result packages a run into one self-describing record.
//
// A Record names its dimensions, lists every variable with its dimension
// names, description and data, and carries the run provenance as
// attributes. Variable names, dimension names and descriptions are part of
// the output format and must not change.
package result

import (
	"math"
	"time"

	"github.com/AleutianAI/constrain/internal/constraint"
	"github.com/AleutianAI/constrain/internal/errs"
	"github.com/AleutianAI/constrain/internal/inference"
	"github.com/AleutianAI/constrain/internal/nullable"
	"github.com/AleutianAI/constrain/internal/sampler"
)

// Dimension names.
const (
	DimConstraint = "constraint"
	DimModel      = "model"
	DimChain      = "chain"
	DimDraw       = "draw"
	DimJoint      = "joint"
)

// Variable names.
const (
	VarX        = "x"
	VarY        = "y"
	VarYXPU     = "yxpu"
	VarYPC      = "ypc"
	VarXO       = "xo"
	VarXOSD     = "xosd"
	VarModel    = "model"
	VarTitle    = "title"
	VarUnits    = "units"
	VarUnitsTex = "units_tex"
	VarLabel    = "label"
	VarLabelTex = "label_tex"
)

// descriptions holds the fixed description text of every variable.
var descriptions = map[string]string{
	VarX:        "proxy value of each model for each constraint",
	VarY:        "target value of each model, averaged over constraints and rounded",
	VarYXPU:     "unconditional joint predictive draws of target and proxies, target first",
	VarYPC:      "predictive draws of the target conditional on the observed proxies",
	VarXO:       "observed proxy mean of each constraint",
	VarXOSD:     "observed proxy standard deviation of each constraint",
	VarModel:    "model identifier",
	VarTitle:    "constraint title",
	VarUnits:    "constraint proxy units",
	VarUnitsTex: "constraint proxy units, formatted",
	VarLabel:    "constraint proxy label",
	VarLabelTex: "constraint proxy label, formatted",
}

// Description returns the fixed description of a variable.
func Description(name string) string { return descriptions[name] }

// Variable is one named array.
type Variable struct {
	Dims        []string `json:"dims" yaml:"dims"`
	Description string   `json:"description" yaml:"description"`
	Units       string   `json:"units,omitempty" yaml:"units,omitempty"`
	Data        any      `json:"data" yaml:"data"`
}

// Attributes is the run provenance.
type Attributes struct {
	RunID    string    `json:"run_id" yaml:"run_id"`
	Created  time.Time `json:"created" yaml:"created"`
	Version  string    `json:"version" yaml:"version"`
	Duration string    `json:"duration" yaml:"duration"`

	Variant             string  `json:"covariance_variant" yaml:"covariance_variant"`
	PerModelNoise       bool    `json:"per_model_noise" yaml:"per_model_noise"`
	Switch              bool    `json:"inclusion_switch" yaml:"inclusion_switch"`
	ExcludeMissing      bool    `json:"exclude_missing" yaml:"exclude_missing"`
	MaxSingularFraction float64 `json:"max_singular_fraction" yaml:"max_singular_fraction"`

	Draws   int    `json:"draws" yaml:"draws"`
	Tune    int    `json:"tune" yaml:"tune"`
	Chains  int    `json:"chains" yaml:"chains"`
	Workers int    `json:"workers" yaml:"workers"`
	Seed    uint64 `json:"seed" yaml:"seed"`

	Excluded      []string `json:"excluded_models" yaml:"excluded_models"`
	SingularDraws int      `json:"singular_draws" yaml:"singular_draws"`
	TotalDraws    int      `json:"total_draws" yaml:"total_draws"`
	Warnings      []string `json:"warnings" yaml:"warnings"`

	Acceptance []float64      `json:"acceptance" yaml:"acceptance"`
	MaxRHat    nullable.Float `json:"max_rhat" yaml:"max_rhat"`
	Inclusion  []float64      `json:"inclusion_probability,omitempty" yaml:"inclusion_probability,omitempty"`
}

// Record is the packaged output of a run.
type Record struct {
	Dimensions map[string]int      `json:"dimensions" yaml:"dimensions"`
	Variables  map[string]Variable `json:"variables" yaml:"variables"`
	Attributes Attributes          `json:"attributes" yaml:"attributes"`
}

// Settings is the configuration a run was made with.
type Settings struct {
	// Version is the tool version.
	Version string

	// Sampler is the sampler configuration.
	Sampler sampler.Config

	// Options is the inference configuration.
	Options inference.Options
}

// Build packages a completed run.
//
// Description:
//
//	Copies the physical-unit inputs, the predictive draws and the
//	per-constraint metadata out of res. Discarded predictive draws stay in
//	the chain × draw grid as absent cells.
//
// Inputs:
//   - res: A completed run. Must have a Dataset and a Trace.
//   - settings: The configuration recorded in the provenance.
//
// Outputs:
//   - *Record: The record.
//   - error: *errs.InvalidConfigurationError when res is incomplete.
func Build(res *inference.Result, settings Settings) (*Record, error) {
	if res == nil || res.Dataset == nil || res.Trace == nil {
		return nil, errs.InvalidConfiguration("result", "run has no aligned dataset or trace")
	}
	ds := res.Dataset
	n, m := ds.N(), ds.M()
	chains, draws := len(res.Target), 0
	if chains > 0 {
		draws = len(res.Target[0])
	}

	rec := &Record{
		Dimensions: map[string]int{
			DimConstraint: n,
			DimModel:      m,
			DimChain:      chains,
			DimDraw:       draws,
			DimJoint:      n + 1,
		},
		Variables: make(map[string]Variable, len(descriptions)),
	}

	units := commonUnits(ds.Meta)
	rec.add(VarX, ds.X, units, DimConstraint, DimModel)
	rec.add(VarY, ds.Y, "", DimModel)
	rec.add(VarYXPU, res.Joint, "", DimChain, DimDraw, DimJoint)
	rec.add(VarYPC, res.Target, "", DimChain, DimDraw)
	rec.add(VarXO, ds.XO, units, DimConstraint)
	rec.add(VarXOSD, ds.XOSD, units, DimConstraint)
	rec.add(VarModel, ds.Models, "", DimModel)

	meta := func(field func(constraint.Metadata) string) []string {
		out := make([]string, n)
		for i, md := range ds.Meta {
			out[i] = field(md)
		}
		return out
	}
	rec.add(VarTitle, meta(func(md constraint.Metadata) string { return md.Title }), "", DimConstraint)
	rec.add(VarUnits, meta(func(md constraint.Metadata) string { return md.Units }), "", DimConstraint)
	rec.add(VarUnitsTex, meta(func(md constraint.Metadata) string { return md.UnitsTex }), "", DimConstraint)
	rec.add(VarLabel, meta(func(md constraint.Metadata) string { return md.Label }), "", DimConstraint)
	rec.add(VarLabelTex, meta(func(md constraint.Metadata) string { return md.LabelTex }), "", DimConstraint)

	rec.Attributes = Attributes{
		RunID:               res.RunID,
		Created:             res.Started.UTC(),
		Version:             settings.Version,
		Duration:            res.Duration.String(),
		Variant:             res.Variant.String(),
		PerModelNoise:       settings.Options.PerModelNoise,
		Switch:              res.Switch,
		ExcludeMissing:      settings.Options.ExcludeMissing,
		MaxSingularFraction: settings.Options.MaxSingularFraction,
		Draws:               res.Trace.Draws(),
		Tune:                settings.Sampler.Tune,
		Chains:              res.Trace.Chains(),
		Workers:             settings.Sampler.Workers,
		Seed:                res.Trace.Seed,
		Excluded:            nonNil(ds.Excluded),
		SingularDraws:       res.Singular,
		TotalDraws:          res.Total,
		Warnings:            nonNil(res.Warnings),
		Acceptance:          res.Trace.Acceptance,
		Inclusion:           res.Inclusion,
	}
	if r := res.Trace.MaxRHat(); !math.IsNaN(r) {
		rec.Attributes.MaxRHat = nullable.Some(r)
	}
	return rec, nil
}

func (r *Record) add(name string, data any, units string, dims ...string) {
	r.Variables[name] = Variable{
		Dims:        dims,
		Description: descriptions[name],
		Units:       units,
		Data:        data,
	}
}

// commonUnits returns the proxy units shared by every constraint, or "" when
// they differ or are unknown.
func commonUnits(meta []constraint.Metadata) string {
	if len(meta) == 0 {
		return ""
	}
	u := meta[0].Units
	for _, md := range meta[1:] {
		if md.Units != u {
			return ""
		}
	}
	return u
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
