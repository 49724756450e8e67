// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"github.com/AleutianAI/constrain/internal/inference"
	"github.com/AleutianAI/constrain/internal/sampler"
	"github.com/AleutianAI/constrain/internal/telemetry"
	"github.com/AleutianAI/constrain/pkg/logging"
)

// Config is the run configuration file.
type Config struct {
	// Model: covariance variant and failure policy
	Model ModelConfig `yaml:"model"`

	// Sampling: posterior sampler settings
	Sampling SamplingConfig `yaml:"sampling"`

	// Logging: level, format and optional log directory
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry: trace and metric exporters
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Output: where the record is written
	Output OutputConfig `yaml:"output"`
}

type ModelConfig struct {
	PerModelNoise       bool    `yaml:"per_model_noise"`
	Switch              bool    `yaml:"inclusion_switch"`
	ExcludeMissing      bool    `yaml:"exclude_missing"`
	MaxSingularFraction float64 `yaml:"max_singular_fraction" validate:"gte=0,lte=1"`
}

type SamplingConfig struct {
	Draws   int    `yaml:"draws" validate:"gte=1"`
	Tune    int    `yaml:"tune" validate:"gte=0"`
	Workers int    `yaml:"workers" validate:"gte=1,lte=256"`
	Chains  int    `yaml:"chains" validate:"gte=0"` // 0 lets the sampler choose
	Seed    uint64 `yaml:"seed"`                    // 0 seeds from the clock
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir,omitempty"`
}

type TelemetryConfig struct {
	TraceExporter  string `yaml:"trace_exporter" validate:"oneof=none stdout otlp"`
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=none stdout prometheus"`
	OTLPEndpoint   string `yaml:"otlp_endpoint,omitempty" validate:"required_if=TraceExporter otlp"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	MetricsFile    string `yaml:"metrics_file,omitempty" validate:"required_if=MetricExporter prometheus"`
}

type OutputConfig struct {
	Path string `yaml:"path,omitempty"`
}

// DefaultConfig returns the built-in defaults. The telemetry section starts
// from telemetry.DefaultConfig, so the OTEL_* environment variables apply.
func DefaultConfig() Config {
	tel := telemetry.DefaultConfig()
	return Config{
		Model: ModelConfig{
			MaxSingularFraction: inference.DefaultMaxSingularFraction,
		},
		Sampling: SamplingConfig{
			Draws:   sampler.DefaultDraws,
			Tune:    sampler.DefaultTune,
			Workers: sampler.DefaultWorkers,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			TraceExporter:  tel.TraceExporter,
			MetricExporter: tel.MetricExporter,
			OTLPEndpoint:   tel.OTLPEndpoint,
			OTLPInsecure:   tel.OTLPInsecure,
		},
	}
}

// SamplerConfig maps the sampling section onto the sampler.
func (c Config) SamplerConfig() sampler.Config {
	return sampler.Config{
		Draws:   c.Sampling.Draws,
		Tune:    c.Sampling.Tune,
		Chains:  c.Sampling.Chains,
		Workers: c.Sampling.Workers,
		Seed:    c.Sampling.Seed,
	}
}

// InferenceOptions maps the model section onto the engine options.
func (c Config) InferenceOptions() inference.Options {
	return inference.Options{
		PerModelNoise:       c.Model.PerModelNoise,
		Switch:              c.Model.Switch,
		ExcludeMissing:      c.Model.ExcludeMissing,
		MaxSingularFraction: c.Model.MaxSingularFraction,
	}
}

// LoggerConfig maps the logging section onto a logger configuration.
// Call after Validate; an unknown level falls back to info.
func (c Config) LoggerConfig() logging.Config {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	return logging.Config{
		Level:   level,
		LogDir:  c.Logging.Dir,
		Service: "constrain",
		JSON:    c.Logging.JSON,
	}
}

// TelemetrySetup maps the telemetry section onto the exporters.
func (c Config) TelemetrySetup(version string) telemetry.Config {
	tel := telemetry.DefaultConfig()
	tel.ServiceVersion = version
	tel.TraceExporter = c.Telemetry.TraceExporter
	tel.MetricExporter = c.Telemetry.MetricExporter
	tel.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	tel.OTLPInsecure = c.Telemetry.OTLPInsecure
	tel.MetricsFile = c.Telemetry.MetricsFile
	return tel
}
