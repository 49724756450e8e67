// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package inference runs the full pipeline from loaded constraints to
// denormalized predictive draws.
//
// # Pipeline
//
//	align → normalize → fit (sample the posterior) → predict → denormalize
//
// Alignment and normalization errors abort before any sampling. During
// prediction a draw whose constraint covariance is singular is discarded and
// counted; the run fails only when the discarded fraction exceeds
// Options.MaxSingularFraction. Sampler convergence problems are returned as
// warnings on the Result.
//
// # Thread Safety
//
// Engine is safe for concurrent use; each Run is independent.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/mat"

	"github.com/AleutianAI/constrain/internal/align"
	"github.com/AleutianAI/constrain/internal/constraint"
	"github.com/AleutianAI/constrain/internal/covariance"
	"github.com/AleutianAI/constrain/internal/errs"
	"github.com/AleutianAI/constrain/internal/fit"
	"github.com/AleutianAI/constrain/internal/normalize"
	"github.com/AleutianAI/constrain/internal/nullable"
	"github.com/AleutianAI/constrain/internal/predict"
	"github.com/AleutianAI/constrain/internal/sampler"
)

// DefaultMaxSingularFraction is the default discarded-draw threshold.
const DefaultMaxSingularFraction = 0.01

// Options selects the model variant and failure policy.
type Options struct {
	// PerModelNoise adds each model's proxy noise to its covariance.
	PerModelNoise bool

	// Switch enables the per-constraint inclusion switch.
	Switch bool

	// ExcludeMissing removes models missing any proxy value.
	ExcludeMissing bool

	// MaxSingularFraction is the largest tolerated fraction of discarded
	// predictive draws.
	MaxSingularFraction float64
}

// Result is the outcome of one run.
type Result struct {
	// RunID identifies the run.
	RunID string

	// Started is when the run began.
	Started time.Time

	// Duration is the wall time of the run.
	Duration time.Duration

	// Dataset is the aligned input in physical units.
	Dataset *align.Dataset

	// Transforms is the normalization applied before fitting.
	Transforms normalize.Transforms

	// Variant is the covariance variant actually used.
	Variant covariance.Variant

	// Switch reports whether the inclusion switch was enabled.
	Switch bool

	// Joint holds chain × draw × (1+n) unconditional predictive draws in
	// physical units, target first. Discarded draws are absent.
	Joint [][][]nullable.Float

	// Target holds chain × draw conditional predictive target draws in
	// physical units. Discarded draws are absent.
	Target [][]nullable.Float

	// Singular is the number of discarded draws out of Total.
	Singular int
	Total    int

	// Inclusion is the posterior inclusion probability per constraint,
	// nil when the switch is off.
	Inclusion []float64

	// Trace holds the posterior draws and sampler diagnostics.
	Trace *sampler.Trace

	// Warnings lists non-fatal problems (sampler convergence, disabled
	// features).
	Warnings []string
}

// Engine runs the pipeline.
type Engine struct {
	sampler sampler.Sampler
	opts    Options
	logger  *slog.Logger
	metrics metrics
}

// New creates an Engine.
//
// Inputs:
//   - s: The sampler. Must not be nil.
//   - opts: Model and failure options.
//   - logger: Logger for stage progress. If nil, uses slog.Default().
//
// Outputs:
//   - *Engine: The engine.
//   - error: *errs.InvalidConfigurationError for bad options.
func New(s sampler.Sampler, opts Options, logger *slog.Logger) (*Engine, error) {
	if s == nil {
		return nil, errs.InvalidConfiguration("sampler", "must not be nil")
	}
	if opts.MaxSingularFraction < 0 || opts.MaxSingularFraction > 1 {
		return nil, errs.InvalidConfiguration("model.max_singular_fraction",
			"must be within [0, 1], got %v", opts.MaxSingularFraction)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{sampler: s, opts: opts, logger: logger}, nil
}

// Run executes the pipeline on constraints.
//
// Description:
//
//	Aligns and normalizes the input, builds one covariance formula shared by
//	the fit and prediction models, samples the posterior, draws one
//	predictive sample per posterior draw, and maps every draw back to
//	physical units.
//
// Inputs:
//   - ctx: Cancels sampling.
//   - constraints: Loaded constraints in input order.
//
// Outputs:
//   - *Result: The run outcome.
//   - error: *errs.NoEligibleModelsError, *errs.InvalidConfigurationError,
//     *errs.ExcessiveSingularDrawsError, ctx.Err(), or a wrapped failure.
func (e *Engine) Run(ctx context.Context, constraints []*constraint.Constraint) (*Result, error) {
	e.metrics.init(e.logger)

	res := &Result{
		RunID:   uuid.NewString(),
		Started: time.Now(),
		Switch:  e.opts.Switch,
	}
	ctx, span := tracer.Start(ctx, "inference.Run",
		trace.WithAttributes(
			attribute.String("inference.run_id", res.RunID),
			attribute.Int("inference.constraints", len(constraints)),
			attribute.Bool("inference.switch", e.opts.Switch),
			attribute.Bool("inference.per_model_noise", e.opts.PerModelNoise),
		),
	)
	defer span.End()
	logger := e.logger.With(slog.String("run_id", res.RunID))

	var data *normalize.Data
	err := e.stage(ctx, res.RunID, StageAlign, func(context.Context) error {
		d, err := align.Align(constraints, align.Options{ExcludeMissing: e.opts.ExcludeMissing})
		if err != nil {
			return fmt.Errorf("align: %w", err)
		}
		res.Dataset = d
		logger.Info("constraints aligned",
			slog.Int("constraints", d.N()),
			slog.Int("models", d.M()),
			slog.Int("excluded", len(d.Excluded)),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = e.stage(ctx, res.RunID, StageNormalize, func(context.Context) error {
		nd, err := normalize.Normalize(res.Dataset)
		if err != nil {
			return fmt.Errorf("normalize: %w", err)
		}
		data = nd
		res.Transforms = nd.Transforms
		return nil
	})
	if err != nil {
		return nil, err
	}

	res.Variant = covariance.Shared
	if e.opts.PerModelNoise {
		if res.Dataset.HasXSD() {
			res.Variant = covariance.PerModelNoise
		} else {
			msg := "per-model noise requested but no model reports a proxy standard deviation; disabled"
			res.Warnings = append(res.Warnings, msg)
			logger.Warn(msg)
		}
	}

	cov, err := covariance.New(covariance.Config{
		N:       data.N(),
		Variant: res.Variant,
		Switch:  e.opts.Switch,
		XSD:     data.XSD,
	})
	if err != nil {
		return nil, err
	}
	fm, err := fit.New(cov, data)
	if err != nil {
		return nil, fmt.Errorf("fit model: %w", err)
	}

	err = e.stage(ctx, res.RunID, StageFit, func(ctx context.Context) error {
		tr, err := e.sampler.Sample(ctx, fm, initialPoint(cov.Layout()))
		if err != nil {
			return fmt.Errorf("sample posterior: %w", err)
		}
		res.Trace = tr
		res.Warnings = append(res.Warnings, tr.Warnings...)
		e.metrics.add(ctx, e.metrics.posteriorDraws, tr.Chains()*tr.Draws())
		e.metrics.add(ctx, e.metrics.warnings, len(tr.Warnings))
		logger.Info("posterior sampled",
			slog.Int("chains", tr.Chains()),
			slog.Int("draws", tr.Draws()),
			slog.Float64("max_rhat", tr.MaxRHat()),
			slog.Int("warnings", len(tr.Warnings)),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = e.stage(ctx, res.RunID, StagePredict, func(ctx context.Context) error {
		return e.predict(ctx, logger, res, cov, fm, data)
	})
	if err != nil {
		return nil, err
	}

	res.Duration = time.Since(res.Started)
	logger.Info("run complete",
		slog.Int("singular_draws", res.Singular),
		slog.Int("total_draws", res.Total),
		slog.Duration("duration", res.Duration),
	)
	return res, nil
}

// predict runs the predictive pass, applies the singular-draw policy and
// denormalizes.
func (e *Engine) predict(ctx context.Context, logger *slog.Logger, res *Result, cov *covariance.Model, fm *fit.Model, data *normalize.Data) error {
	p, err := predict.NewPredictor(cov, fm, data.XO, data.XOSD)
	if err != nil {
		return err
	}

	tr := res.Trace
	chains, draws, k := tr.Chains(), tr.Draws(), cov.N()+1
	res.Joint = make([][][]nullable.Float, chains)
	res.Target = make([][]nullable.Float, chains)
	active := make([][]float64, chains) // per-chain inclusion counts
	var singular atomic.Int64

	for c := 0; c < chains; c++ {
		res.Joint[c] = make([][]nullable.Float, draws)
		res.Target[c] = make([]nullable.Float, draws)
		active[c] = make([]float64, cov.N())
	}

	err = e.sampler.Predictive(ctx, tr, func(c, d int, theta []float64, src rand.Source) error {
		s, err := p.Predict(theta, src)
		var sing *errs.SingularCovarianceError
		if errors.As(err, &sing) {
			singular.Add(1)
			sing.Chain, sing.Draw = c, d
			logger.Debug("discarding singular draw",
				slog.Int("chain", c),
				slog.Int("draw", d),
				slog.Float64("cond", sing.Cond),
				slog.String("error", sing.Error()),
			)
			res.Joint[c][d] = make([]nullable.Float, k)
			return nil
		}
		if err != nil {
			return fmt.Errorf("chain %d draw %d: %w", c, d, err)
		}

		res.Transforms.Joint(s.Joint, s.Joint)
		res.Joint[c][d] = nullable.FromFloats(s.Joint)
		res.Target[c][d] = nullable.Some(res.Transforms.Y.Invert(s.Target))
		for i, on := range s.Active {
			if on {
				active[c][i]++
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("predictive pass: %w", err)
	}

	res.Total = chains * draws
	res.Singular = int(singular.Load())
	e.metrics.add(ctx, e.metrics.singularDraws, res.Singular)

	if e.opts.Switch && res.Total > res.Singular {
		res.Inclusion = make([]float64, cov.N())
		for c := range active {
			for i, v := range active[c] {
				res.Inclusion[i] += v
			}
		}
		for i := range res.Inclusion {
			res.Inclusion[i] /= float64(res.Total - res.Singular)
		}
	}

	if res.Singular > 0 {
		logger.Warn("singular predictive draws discarded",
			slog.Int("singular_draws", res.Singular),
			slog.Int("total_draws", res.Total),
		)
	}
	if float64(res.Singular) > e.opts.MaxSingularFraction*float64(res.Total) {
		return &errs.ExcessiveSingularDrawsError{
			Failed:    res.Singular,
			Total:     res.Total,
			Threshold: e.opts.MaxSingularFraction,
		}
	}
	return nil
}

// initialPoint is mean zero, unit scales and no correlation: the center of
// standardized data.
func initialPoint(l covariance.Layout) []float64 {
	k := l.K
	scale := make([]float64, k)
	for i := range scale {
		scale[i] = 1
	}
	eye := mat.NewTriDense(k, mat.Lower, nil)
	for i := 0; i < k; i++ {
		eye.SetTri(i, i, 1)
	}
	return l.Pack(make([]float64, k), scale, eye)
}
