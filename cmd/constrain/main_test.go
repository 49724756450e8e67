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
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/AleutianAI/constrain/internal/align"
	"github.com/AleutianAI/constrain/internal/constraint"
	"github.com/AleutianAI/constrain/internal/errs"
	"github.com/AleutianAI/constrain/internal/inference"
	"github.com/AleutianAI/constrain/internal/nullable"
	"github.com/AleutianAI/constrain/internal/report"
	"github.com/AleutianAI/constrain/internal/result"
	"github.com/AleutianAI/constrain/internal/sampler"
)

// constraintDir writes one constraint directory whose proxy is slope·y plus
// noise across m models.
func constraintDir(t *testing.T, title string, slope, xo float64, m int) string {
	t.Helper()
	rng := rand.New(rand.NewPCG(7, uint64(len(title))))
	var data strings.Builder
	data.WriteString("model,x,y\n")
	for k := 0; k < m; k++ {
		y := 2 + 3*float64(k)/float64(m)
		fmt.Fprintf(&data, "M%02d,%.4f,%.2f\n", k, slope*y+0.2*rng.NormFloat64(), y)
	}

	dir := t.TempDir()
	files := map[string]string{
		constraint.DataFile: data.String(),
		constraint.ObsFile:  fmt.Sprintf("x,xsd\n%.3f,0.3\n", xo),
		constraint.MetaFile: "title,units\n" + title + ",K\n",
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
	}
	return dir
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd(&out, &errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), errOut.String(), err
}

// =============================================================================
// run
// =============================================================================

func TestRun_WritesRecord(t *testing.T) {
	first := constraintDir(t, "slope", 2, 6, 12)
	second := constraintDir(t, "offset", -1, -3, 12)
	output := filepath.Join(t.TempDir(), "out.json")

	stdout, _, err := execute(t, "run", first, second,
		"--output", output,
		"--draws", "100", "--tune", "100", "--chains", "2", "--workers", "2",
		"--seed", "5", "--log-level", "error")
	require.NoError(t, err)

	assert.Contains(t, stdout, "Constrained target")
	assert.Contains(t, stdout, "slope")

	raw, err := os.ReadFile(output)
	require.NoError(t, err)
	var rec struct {
		Dimensions map[string]int `json:"dimensions"`
		Attributes map[string]any `json:"attributes"`
		Variables  map[string]any `json:"variables"`
	}
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Equal(t, 12, rec.Dimensions["model"])
	assert.Equal(t, 2, rec.Dimensions["chain"])
	assert.Equal(t, 100, rec.Dimensions["draw"])
	assert.Equal(t, 3, rec.Dimensions["joint"])
	assert.Equal(t, 5.0, rec.Attributes["seed"])
	assert.Equal(t, "dev", rec.Attributes["version"])
	assert.Contains(t, rec.Variables, "ypc")
}

func TestRun_ConfigFileAndFlags(t *testing.T) {
	dir := constraintDir(t, "slope", 2, 6, 10)
	output := filepath.Join(t.TempDir(), "out.yaml")
	cfgPath := filepath.Join(t.TempDir(), "run.yaml")
	body := "sampling:\n  draws: 40\n  tune: 40\n  chains: 2\n  workers: 2\n  seed: 3\nlogging:\n  level: error\noutput:\n  path: " + output + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))

	_, _, err := execute(t, "run", dir, "--config", cfgPath, "--draws", "30")
	require.NoError(t, err)

	raw, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "draws: 30")
	assert.Contains(t, string(raw), "tune: 40")
}

func TestRun_BadArguments(t *testing.T) {
	dir := constraintDir(t, "slope", 2, 6, 5)
	out := filepath.Join(t.TempDir(), "out.json")

	tests := []struct {
		name string
		args []string
	}{
		{"no directories", []string{"run", "--output", out}},
		{"no output", []string{"run", dir}},
		{"bad extension", []string{"run", dir, "--output", "out.nc"}},
		{"bad draws", []string{"run", dir, "--output", out, "--draws", "0"}},
		{"bad level", []string{"run", dir, "--output", out, "--log-level", "loud"}},
		{"unknown flag", []string{"run", dir, "--output", out, "--samples", "4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, errs.ExitBadArgs, errs.ExitCode(err), "got %v", err)
		})
	}
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr), "nothing written on failure")
}

func TestPublish_NoUsableDrawsWritesNothing(t *testing.T) {
	dir := constraintDir(t, "slope", 2, 6, 4)
	constraints, err := constraint.LoadAll([]string{dir})
	require.NoError(t, err)
	ds, err := align.Align(constraints, align.Options{})
	require.NoError(t, err)

	target := []nullable.Float{nullable.None(), nullable.None()}
	res := &inference.Result{
		RunID:    "run-1",
		Dataset:  ds,
		Joint:    [][][]nullable.Float{{make([]nullable.Float, 2), make([]nullable.Float, 2)}},
		Target:   [][]nullable.Float{target},
		Singular: 2,
		Total:    2,
		Trace:    &sampler.Trace{Samples: []*mat.Dense{mat.NewDense(2, 5, nil)}},
	}
	output := filepath.Join(t.TempDir(), "out.json")

	var out bytes.Buffer
	err = publish(&out, slog.New(slog.DiscardHandler), res, result.Settings{Version: "dev"}, output)
	require.ErrorIs(t, err, report.ErrNoDraws)

	_, statErr := os.Stat(output)
	assert.True(t, os.IsNotExist(statErr), "no record for a run without usable draws")
	assert.Empty(t, out.String())
}

func TestRun_ZeroVarianceFailsWithoutOutput(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, constraint.DataFile),
		[]byte("model,x,y\nA,1,2\nB,1,3\nC,1,4\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, constraint.ObsFile),
		[]byte("x,xsd\n1,0.1\n"), 0o600))
	output := filepath.Join(t.TempDir(), "out.json")

	_, _, err := execute(t, "run", dir, "--output", output, "--draws", "10", "--log-level", "error")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrInvalidConfiguration)

	_, statErr := os.Stat(output)
	assert.True(t, os.IsNotExist(statErr))
}

// =============================================================================
// align, config, version
// =============================================================================

func TestAlign_PrintsTable(t *testing.T) {
	first := constraintDir(t, "slope", 2, 6, 4)
	second := constraintDir(t, "offset", -1, -3, 4)

	stdout, _, err := execute(t, "align", first, second)
	require.NoError(t, err)
	assert.Contains(t, stdout, "M03")
	assert.Contains(t, stdout, "offset")
	assert.Contains(t, stdout, "2 constraints, 4 models")
}

func TestAlign_NoEligibleModels(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(first, constraint.DataFile), []byte("model,x,y\nA,1,2\nB,,3\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(first, constraint.ObsFile), []byte("x,xsd\n1,0.1\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(second, constraint.DataFile), []byte("model,x,y\nA,,2\nB,4,3\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(second, constraint.ObsFile), []byte("x,xsd\n1,0.1\n"), 0o600))

	_, stderr, err := execute(t, "align", first, second, "--exclude-missing")
	require.Error(t, err)
	assert.Equal(t, errs.ExitNoEligibleModels, errs.ExitCode(err))
	assert.Contains(t, stderr, "every model was excluded")
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "constrain.yaml")

	stdout, _, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "wrote")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "draws: 1000")

	_, _, err = execute(t, "config", "init", path)
	assert.ErrorIs(t, err, errs.ErrInvalidConfiguration)
}

func TestVersion(t *testing.T) {
	stdout, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stdout, "constrain dev"))
}
