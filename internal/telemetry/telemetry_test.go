// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "")
	t.Setenv("OTEL_METRICS_EXPORTER", "")
	cfg := DefaultConfig()

	assert.Equal(t, "constrain", cfg.ServiceName)
	assert.Equal(t, ExporterNone, cfg.TraceExporter)
	assert.Equal(t, ExporterNone, cfg.MetricExporter)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
}

func TestDefaultConfig_Environment(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "stdout")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
	cfg := DefaultConfig()

	assert.Equal(t, ExporterStdout, cfg.TraceExporter)
	assert.Equal(t, "collector:4317", cfg.OTLPEndpoint)
}

func TestInit_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	_, err := Init(nil, Config{})
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestInit_Noop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{TraceExporter: ExporterNone, MetricExporter: ExporterNone})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{TraceExporter: "zipkin"})
	assert.ErrorIs(t, err, ErrUnknownExporter)

	_, err = Init(context.Background(), Config{MetricExporter: "statsd"})
	assert.ErrorIs(t, err, ErrUnknownExporter)
}

func TestInit_PrometheusRequiresFile(t *testing.T) {
	_, err := Init(context.Background(), Config{MetricExporter: ExporterPrometheus})
	assert.ErrorIs(t, err, ErrNoMetricsFile)
}

func TestInit_StdoutTraces(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Init(context.Background(), Config{
		ServiceName:   "constrain-test",
		TraceExporter: ExporterStdout,
		Writer:        &buf,
	})
	require.NoError(t, err)

	_, span := otel.Tracer("telemetry_test").Start(context.Background(), "inference.align")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "inference.align")
	assert.Contains(t, buf.String(), "constrain-test")
}

func TestInit_PrometheusTextfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "constrain.prom")
	shutdown, err := Init(context.Background(), Config{
		ServiceName:    "constrain",
		MetricExporter: ExporterPrometheus,
		MetricsFile:    path,
	})
	require.NoError(t, err)

	counter, err := otel.Meter("telemetry_test").Int64Counter("constrain_singular_draws_total")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	require.NoError(t, shutdown(context.Background()))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "constrain_singular_draws_total")
	assert.Contains(t, string(raw), " 3")
}

func TestInit_PrometheusUnwritableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "constrain.prom")
	shutdown, err := Init(context.Background(), Config{
		MetricExporter: ExporterPrometheus,
		MetricsFile:    path,
	})
	require.NoError(t, err)

	err = shutdown(context.Background())
	assert.ErrorContains(t, err, "write metrics file")
}
