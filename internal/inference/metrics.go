// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package inference

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("constrain.inference")
	meter  = otel.Meter("constrain.inference")
)

// Stage names, used as span names and as the "stage" metric attribute.
const (
	StageAlign     = "align"
	StageNormalize = "normalize"
	StageFit       = "fit"
	StagePredict   = "predict"
)

// metrics holds the run instruments. Nil instruments are skipped.
type metrics struct {
	once           sync.Once
	stageDuration  metric.Float64Histogram
	posteriorDraws metric.Int64Counter
	singularDraws  metric.Int64Counter
	warnings       metric.Int64Counter
}

// init creates the instruments on first use. Failures degrade observability
// but never fail a run.
func (m *metrics) init(logger *slog.Logger) {
	m.once.Do(func() {
		var initErrors []string
		var err error

		m.stageDuration, err = meter.Float64Histogram("constrain_stage_duration_seconds",
			metric.WithDescription("Time spent in each pipeline stage"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "stage_duration: "+err.Error())
		}

		m.posteriorDraws, err = meter.Int64Counter("constrain_posterior_draws_total",
			metric.WithDescription("Number of retained posterior draws"),
		)
		if err != nil {
			initErrors = append(initErrors, "posterior_draws: "+err.Error())
		}

		m.singularDraws, err = meter.Int64Counter("constrain_singular_draws_total",
			metric.WithDescription("Number of predictive draws discarded for a singular covariance"),
		)
		if err != nil {
			initErrors = append(initErrors, "singular_draws: "+err.Error())
		}

		m.warnings, err = meter.Int64Counter("constrain_sampler_warnings_total",
			metric.WithDescription("Number of sampler convergence warnings"),
		)
		if err != nil {
			initErrors = append(initErrors, "sampler_warnings: "+err.Error())
		}

		if len(initErrors) > 0 {
			logger.Error("failed to initialize some inference metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

func (m *metrics) add(ctx context.Context, c metric.Int64Counter, n int) {
	if c != nil && n > 0 {
		c.Add(ctx, int64(n))
	}
}

// stage runs fn inside a span and records its duration.
func (e *Engine) stage(ctx context.Context, runID, name string, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, "inference."+name,
		trace.WithAttributes(
			attribute.String("inference.stage", name),
			attribute.String("inference.run_id", runID),
		),
	)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start)

	if e.metrics.stageDuration != nil {
		e.metrics.stageDuration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("stage", name)),
		)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("stage failed",
			slog.String("stage", name),
			slog.String("run_id", runID),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()),
		)
		return err
	}
	span.SetStatus(codes.Ok, "")
	e.logger.Debug("stage complete", slog.String("stage", name), slog.Duration("duration", duration))
	return nil
}
