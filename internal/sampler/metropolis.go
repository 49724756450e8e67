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
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
	"gonum.org/v1/gonum/stat/samplemv"
)

var tracer = otel.Tracer("constrain.sampler")

const (
	// targetAcceptance is the acceptance rate the tuning phase steers toward.
	targetAcceptance = 0.234

	// initialStep is the proposal standard deviation before any tuning.
	initialStep = 0.1

	// initJitter is the standard deviation added to the starting point of
	// each chain.
	initJitter = 0.1

	// chunk is the number of draws run between cancellation checks.
	chunk = 200

	// predictiveStream offsets the PCG stream of predictive passes from the
	// sampling streams.
	predictiveStream = 1 << 32
)

// Metropolis is an adaptive random-walk Metropolis sampler.
//
// Description:
//
//	Each chain runs gonum's Metropolis-Hastings with a Gaussian proposal.
//	During tuning, the proposal covariance is re-estimated at the end of
//	every window from the window's draws, scaled by 2.38²/d, and its
//	overall scale is pushed toward an acceptance rate of 0.234. The final
//	proposal is then frozen for the retained draws.
//
// Thread Safety: Safe for concurrent use. Chains run on up to Workers
// goroutines.
type Metropolis struct {
	cfg    Config
	logger *slog.Logger
}

// NewMetropolis creates a Metropolis sampler.
//
// Inputs:
//   - cfg: Sampling configuration. Validated.
//   - logger: Logger for tuning progress. If nil, uses slog.Default().
//
// Outputs:
//   - *Metropolis: The sampler.
//   - error: *errs.InvalidConfigurationError for a bad configuration.
func NewMetropolis(cfg Config, logger *slog.Logger) (*Metropolis, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Metropolis{cfg: cfg, logger: logger}, nil
}

// Config returns the sampler configuration.
func (s *Metropolis) Config() Config { return s.cfg }

// Sample runs every chain and returns the retained draws with diagnostics.
//
// Outputs:
//   - *Trace: Chains × Draws × Dim draws.
//   - error: ctx.Err() on cancellation, or a target/initialization failure.
func (s *Metropolis) Sample(ctx context.Context, target Target, init []float64) (*Trace, error) {
	dim := target.Dim()
	if len(init) != dim {
		return nil, fmt.Errorf("initial point has length %d, want %d", len(init), dim)
	}
	if lp := target.LogProb(init); math.IsInf(lp, -1) || math.IsNaN(lp) {
		return nil, fmt.Errorf("initial point has zero density")
	}

	chains := s.cfg.ResolvedChains()
	ctx, span := tracer.Start(ctx, "sampler.Sample",
		trace.WithAttributes(
			attribute.Int("sampler.chains", chains),
			attribute.Int("sampler.draws", s.cfg.Draws),
			attribute.Int("sampler.tune", s.cfg.Tune),
			attribute.Int("sampler.dim", dim),
		),
	)
	defer span.End()

	tr := &Trace{
		Samples:    make([]*mat.Dense, chains),
		Acceptance: make([]float64, chains),
		Seed:       s.cfg.Seed,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for c := 0; c < chains; c++ {
		g.Go(func() error {
			samples, acc, err := s.runChain(gCtx, target, init, c)
			if err != nil {
				return err
			}
			tr.Samples[c] = samples
			tr.Acceptance[c] = acc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	diagnose(tr)
	for _, w := range tr.Warnings {
		s.logger.Warn("sampler convergence warning", slog.String("warning", w))
	}
	span.SetAttributes(attribute.Int("sampler.warnings", len(tr.Warnings)))
	span.SetStatus(codes.Ok, "")
	return tr, nil
}

// runChain tunes and samples one chain.
func (s *Metropolis) runChain(ctx context.Context, target Target, init []float64, chain int) (*mat.Dense, float64, error) {
	start := time.Now()
	dim := len(init)
	src := rand.NewPCG(s.cfg.Seed, uint64(chain))

	x := slices.Clone(init)
	jitter := distuv.Normal{Mu: 0, Sigma: initJitter, Src: src}
	for i := range x {
		x[i] += jitter.Rand()
	}
	if lp := target.LogProb(x); math.IsInf(lp, -1) || math.IsNaN(lp) {
		copy(x, init)
	}

	ad := newAdapter(dim)
	window := tuneWindow(s.cfg.Tune)
	for done := 0; done < s.cfg.Tune; {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		steps := min(window, s.cfg.Tune-done)
		batch := mat.NewDense(steps, dim, nil)
		moved := step(target, ad.proposal(src), src, x, batch)
		acc := float64(moved) / float64(steps)
		copy(x, batch.RawRowView(steps-1))
		ad.update(batch, acc)
		done += steps

		s.logger.Debug("tuning window",
			slog.Int("chain", chain),
			slog.Int("iteration", done),
			slog.Float64("acceptance", acc),
			slog.Float64("log_scale", ad.logScale),
		)
	}

	out := mat.NewDense(s.cfg.Draws, dim, nil)
	prop := ad.proposal(src)
	moved := 0
	for done := 0; done < s.cfg.Draws; {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		steps := min(chunk, s.cfg.Draws-done)
		view := out.Slice(done, done+steps, 0, dim).(*mat.Dense)
		moved += step(target, prop, src, x, view)
		copy(x, view.RawRowView(steps-1))
		done += steps
	}

	acc := float64(moved) / float64(s.cfg.Draws)
	s.logger.Debug("chain complete",
		slog.Int("chain", chain),
		slog.Float64("acceptance", acc),
		slog.Duration("duration", time.Since(start)),
	)
	return out, acc, nil
}

// step fills batch with Metropolis-Hastings draws starting from x and
// returns the number of accepted moves. A rejected proposal repeats the
// previous row exactly.
func step(target Target, prop samplemv.MHProposal, src rand.Source, x []float64, batch *mat.Dense) int {
	mh := samplemv.MetropolisHastingser{
		Initial:  x,
		Target:   target,
		Proposal: prop,
		Src:      src,
	}
	mh.Sample(batch)

	rows, _ := batch.Dims()
	moved := 0
	prev := x
	for r := 0; r < rows; r++ {
		row := batch.RawRowView(r)
		if !slices.Equal(row, prev) {
			moved++
		}
		prev = row
	}
	return moved
}

func tuneWindow(tune int) int {
	return min(max(tune/10, 25), 100)
}

// -----------------------------------------------------------------------------
// Adaptation
// -----------------------------------------------------------------------------

// adapter holds the proposal state of one chain during tuning.
type adapter struct {
	dim      int
	logScale float64
	shape    *mat.SymDense // proposal covariance before scaling
}

func newAdapter(dim int) *adapter {
	shape := mat.NewSymDense(dim, nil)
	// Chosen so the first proposal has standard deviation initialStep.
	v := initialStep * initialStep * float64(dim) / (2.38 * 2.38)
	for i := 0; i < dim; i++ {
		shape.SetSym(i, i, v)
	}
	return &adapter{dim: dim, shape: shape}
}

// proposal returns the Gaussian proposal for the current state. It falls
// back to an isotropic proposal if the covariance cannot be factorized.
func (a *adapter) proposal(src rand.Source) samplemv.MHProposal {
	sigma := mat.NewSymDense(a.dim, nil)
	sigma.ScaleSym(math.Exp(a.logScale)*2.38*2.38/float64(a.dim), a.shape)
	if p, ok := samplemv.NewProposalNormal(sigma, src); ok {
		return p
	}
	iso := mat.NewSymDense(a.dim, nil)
	for i := 0; i < a.dim; i++ {
		iso.SetSym(i, i, initialStep*initialStep*math.Exp(a.logScale))
	}
	p, _ := samplemv.NewProposalNormal(iso, src)
	return p
}

// update adapts the scale toward the target acceptance and, when the window
// moved enough, replaces the shape with the window's sample covariance.
func (a *adapter) update(batch *mat.Dense, acc float64) {
	a.logScale += 2 * (acc - targetAcceptance)

	rows, _ := batch.Dims()
	if acc*float64(rows) < float64(a.dim) {
		return
	}
	cov := mat.NewSymDense(a.dim, nil)
	stat.CovarianceMatrix(cov, batch, nil)
	for i := 0; i < a.dim; i++ {
		cov.SetSym(i, i, cov.At(i, i)+1e-8)
	}
	var chol mat.Cholesky
	if chol.Factorize(cov) {
		a.shape = cov
	}
}

// -----------------------------------------------------------------------------
// Predictive
// -----------------------------------------------------------------------------

// Predictive calls fn for every draw of tr, chains in parallel.
//
// Description:
//
//	Chain c uses its own stream PCG(Seed, 2³²+c), so results are
//	reproducible regardless of scheduling. The first error from fn cancels
//	the remaining chains and is returned.
func (s *Metropolis) Predictive(ctx context.Context, tr *Trace, fn PredictFunc) error {
	if err := tr.check(); err != nil {
		return err
	}
	ctx, span := tracer.Start(ctx, "sampler.Predictive",
		trace.WithAttributes(
			attribute.Int("sampler.chains", tr.Chains()),
			attribute.Int("sampler.draws", tr.Draws()),
		),
	)
	defer span.End()

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for c := 0; c < tr.Chains(); c++ {
		g.Go(func() error {
			src := rand.NewPCG(tr.Seed, predictiveStream+uint64(c))
			for d := 0; d < tr.Draws(); d++ {
				if d%chunk == 0 {
					if err := gCtx.Err(); err != nil {
						return err
					}
				}
				if err := fn(c, d, tr.At(c, d), src); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

var _ Sampler = (*Metropolis)(nil)
