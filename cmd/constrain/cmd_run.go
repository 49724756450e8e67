// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/constrain/internal/align"
	"github.com/AleutianAI/constrain/internal/config"
	"github.com/AleutianAI/constrain/internal/constraint"
	"github.com/AleutianAI/constrain/internal/errs"
	"github.com/AleutianAI/constrain/internal/inference"
	"github.com/AleutianAI/constrain/internal/report"
	"github.com/AleutianAI/constrain/internal/result"
	"github.com/AleutianAI/constrain/internal/sampler"
	"github.com/AleutianAI/constrain/internal/telemetry"
	"github.com/AleutianAI/constrain/pkg/logging"
)

// runConstrain executes the run command.
//
// Description:
//
//	Resolves the configuration (defaults, then file, then flags), checks
//	the output path before any work, runs the pipeline, writes the record
//	and prints the summary. Nothing is written when the run fails.
func runConstrain(cmd *cobra.Command, f *runFlags, dirs []string) (err error) {
	cfg, err := resolveConfig(cmd, f)
	if err != nil {
		return err
	}
	if cfg.Output.Path == "" {
		return errs.InvalidConfiguration("output", "an output path is required (--output)")
	}
	if _, err := result.FormatFor(cfg.Output.Path); err != nil {
		return err
	}
	if cfg.Sampling.Seed == 0 {
		cfg.Sampling.Seed = uint64(time.Now().UnixNano())
	}

	logCfg := cfg.LoggerConfig()
	logCfg.Writer = cmd.ErrOrStderr()
	logger := logging.New(logCfg)
	defer func() {
		if cerr := logger.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	log := logger.Slog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Init(ctx, cfg.TelemetrySetup(version))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := shutdown(sctx); serr != nil {
			log.Warn("telemetry shutdown failed (observability degraded)", slog.String("error", serr.Error()))
		}
	}()

	constraints, err := constraint.LoadAll(dirs)
	if err != nil {
		return err
	}
	log.Info("constraints loaded", slog.Int("constraints", len(constraints)))

	s, err := sampler.NewMetropolis(cfg.SamplerConfig(), log)
	if err != nil {
		return err
	}
	eng, err := inference.New(s, cfg.InferenceOptions(), log)
	if err != nil {
		return err
	}

	res, err := eng.Run(ctx, constraints)
	if err != nil {
		return err
	}

	return publish(cmd.OutOrStdout(), log, res, result.Settings{
		Version: version,
		Sampler: s.Config(),
		Options: cfg.InferenceOptions(),
	}, cfg.Output.Path)
}

// publish summarizes res, writes its record to path and prints the summary.
// The record is written only once the summary succeeded.
func publish(out io.Writer, log *slog.Logger, res *inference.Result, settings result.Settings, path string) error {
	summary, err := report.Summarize(res)
	if err != nil {
		return err
	}
	rec, err := result.Build(res, settings)
	if err != nil {
		return err
	}
	if err := rec.Write(path); err != nil {
		return err
	}
	log.Info("record written", slog.String("path", path), slog.String("run_id", res.RunID))

	return report.NewPrinter(out).Summary(summary)
}

// resolveConfig loads the configuration file and applies changed flags.
func resolveConfig(cmd *cobra.Command, f *runFlags) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}

	fl := cmd.Flags()
	if fl.Changed("output") {
		cfg.Output.Path = f.output
	}
	if fl.Changed("per-model-noise") {
		cfg.Model.PerModelNoise = f.perModelNoise
	}
	if fl.Changed("switch") {
		cfg.Model.Switch = f.inclusion
	}
	if fl.Changed("exclude-missing") {
		cfg.Model.ExcludeMissing = f.excludeMissing
	}
	if fl.Changed("draws") {
		cfg.Sampling.Draws = f.draws
	}
	if fl.Changed("tune") {
		cfg.Sampling.Tune = f.tune
	}
	if fl.Changed("workers") {
		cfg.Sampling.Workers = f.workers
	}
	if fl.Changed("chains") {
		cfg.Sampling.Chains = f.chains
	}
	if fl.Changed("seed") {
		cfg.Sampling.Seed = f.seed
	}
	if fl.Changed("log-level") {
		cfg.Logging.Level = f.logLevel
	}
	if fl.Changed("log-json") {
		cfg.Logging.JSON = f.logJSON
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// runAlign prints the aligned model table.
func runAlign(cmd *cobra.Command, dirs []string, excludeMissing bool) error {
	constraints, err := constraint.LoadAll(dirs)
	if err != nil {
		return err
	}
	ds, err := align.Align(constraints, align.Options{ExcludeMissing: excludeMissing})
	if err != nil {
		var none *errs.NoEligibleModelsError
		if errors.As(err, &none) && len(none.Excluded) > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "every model was excluded: %v\n", none.Excluded)
		}
		return err
	}
	return report.NewPrinter(cmd.OutOrStdout()).Dataset(ds)
}

// runConfigInit writes the default configuration, refusing to overwrite.
func runConfigInit(cmd *cobra.Command, path string) error {
	if _, err := os.Stat(path); err == nil {
		return errs.InvalidConfiguration("path", "%s already exists", path)
	}
	if err := config.WriteDefault(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	return nil
}
