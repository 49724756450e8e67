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
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/constrain/internal/errs"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

// runFlags holds the flags of the run command. Flags left unset keep the
// value from the configuration file.
type runFlags struct {
	output         string
	configPath     string
	perModelNoise  bool
	inclusion      bool
	excludeMissing bool
	draws          int
	tune           int
	workers        int
	chains         int
	seed           uint64
	logLevel       string
	logJSON        bool
}

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// newRootCmd builds the command tree writing to out and errOut.
func newRootCmd(out, errOut io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "constrain",
		Short: "Fuse emergent constraints into a prediction of a target quantity",
		Long: `constrain combines several emergent constraints, each relating a
model-reported proxy to a model-reported target, into one Bayesian
prediction of the target given the observed proxies.

Each constraint is a directory with data.csv (model, x, optional xsd, y),
obs.csv (observed x and xsd) and an optional meta.csv.

Exit Codes:
  0 = Success
  1 = Runtime failure
  2 = Invalid arguments or configuration
  3 = No eligible models after alignment
  4 = Too many singular predictive draws`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return errs.InvalidConfiguration("flags", "%v", err)
	})

	root.AddCommand(
		newRunCmd(),
		newAlignCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
	return root
}

func newRunCmd() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [constraint-dir...]",
		Short: "Sample the posterior and write the predictive record",
		Long: `Align and normalize the constraints, sample the joint posterior, draw
the conditional prediction of the target and write everything to one
record (.json, .yaml or .yml).

Examples:
  constrain run ecs/ tcr/ -o out.json
  constrain run ecs/ tcr/ -o out.yaml --switch --per-model-noise
  constrain run ecs/ -o out.json --config run.yaml --seed 42`,
		Args: requireDirs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConstrain(cmd, f, args)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.output, "output", "o", "", "output record path (.json, .yaml, .yml)")
	fl.StringVarP(&f.configPath, "config", "c", "", "YAML run configuration")
	fl.BoolVar(&f.perModelNoise, "per-model-noise", false, "add each model's proxy noise to its covariance")
	fl.BoolVar(&f.inclusion, "switch", false, "enable the per-constraint inclusion switch")
	fl.BoolVar(&f.excludeMissing, "exclude-missing", false, "drop models missing any proxy value")
	fl.IntVar(&f.draws, "draws", 0, "retained draws per chain")
	fl.IntVar(&f.tune, "tune", 0, "tuning iterations per chain")
	fl.IntVar(&f.workers, "workers", 0, "maximum chains run in parallel")
	fl.IntVar(&f.chains, "chains", 0, "number of chains (0 lets the sampler choose)")
	fl.Uint64Var(&f.seed, "seed", 0, "random seed (0 seeds from the clock)")
	fl.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fl.BoolVar(&f.logJSON, "log-json", false, "log as JSON")
	return cmd
}

func newAlignCmd() *cobra.Command {
	var excludeMissing bool
	cmd := &cobra.Command{
		Use:   "align [constraint-dir...]",
		Short: "Print the aligned model table without sampling",
		Args:  requireDirs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAlign(cmd, args, excludeMissing)
		},
	}
	cmd.Flags().BoolVar(&excludeMissing, "exclude-missing", false, "drop models missing any proxy value")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage run configuration files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration (default: constrain.yaml)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "constrain.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			return runConfigInit(cmd, path)
		},
	})
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "constrain %s (%s, %s/%s)\n",
				version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

// requireDirs rejects a command line without constraint directories.
func requireDirs(_ *cobra.Command, args []string) error {
	if len(args) == 0 {
		return errs.InvalidConfiguration("constraints", "at least one constraint directory is required")
	}
	return nil
}
