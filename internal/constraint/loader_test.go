// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package constraint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/constrain/internal/nullable"
)

func writeDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0600))
	}
	return dir
}

func TestLoad_FullDirectory(t *testing.T) {
	dir := writeDir(t, map[string]string{
		DataFile: "model,x,xsd,y\nA,1.5,0.1,2\nB,NA,,3\nC, 2.5 ,0.2,nan\n",
		ObsFile:  "x,xsd\n2.0,0.3\n",
		MetaFile: "title,units,units_tex,label,label_tex\nCloud feedback,K,\\mathrm{K},CF,\\mathit{CF}\n",
	})

	c, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "Cloud feedback", c.Name())
	assert.Equal(t, `\mathrm{K}`, c.Meta.UnitsTex)
	assert.Equal(t, 2.0, c.XO)
	assert.Equal(t, 0.3, c.XOSD)
	require.Len(t, c.Reports, 3)

	assert.Equal(t, Report{Model: "A", X: nullable.Some(1.5), XSD: nullable.Some(0.1), Y: nullable.Some(2)}, c.Reports[0])
	assert.False(t, c.Reports[1].X.Valid)
	assert.False(t, c.Reports[1].XSD.Valid)
	assert.Equal(t, 2.5, c.Reports[2].X.Value)
	assert.False(t, c.Reports[2].Y.Valid)
}

func TestLoad_ColumnOrderAndOptionalFiles(t *testing.T) {
	dir := writeDir(t, map[string]string{
		DataFile: "Y,Model,X\n4,B,2\n2,A,1\n",
		ObsFile:  "xsd,x\n0.5,1.5\n",
	})

	c, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, Metadata{}, c.Meta)
	assert.Equal(t, dir, c.Name())
	assert.Equal(t, "B", c.Reports[0].Model)
	assert.Equal(t, 4.0, c.Reports[0].Y.Value)
	for _, r := range c.Reports {
		assert.False(t, r.XSD.Valid, "no xsd column")
	}
	assert.Equal(t, 1.5, c.XO)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		files   map[string]string
		wantErr string
	}{
		{
			name:    "missing data file",
			files:   map[string]string{ObsFile: "x,xsd\n1,1\n"},
			wantErr: "open",
		},
		{
			name:    "missing y column",
			files:   map[string]string{DataFile: "model,x\nA,1\n", ObsFile: "x,xsd\n1,1\n"},
			wantErr: `missing required column "y"`,
		},
		{
			name:    "bad number",
			files:   map[string]string{DataFile: "model,x,y\nA,1\nB,abc,2\n", ObsFile: "x,xsd\n1,1\n"},
			wantErr: `line 3 column "x"`,
		},
		{
			name:    "two observation rows",
			files:   map[string]string{DataFile: "model,x,y\nA,1,2\n", ObsFile: "x,xsd\n1,1\n2,2\n"},
			wantErr: "exactly one data row",
		},
		{
			name:    "missing observation",
			files:   map[string]string{DataFile: "model,x,y\nA,1,2\n", ObsFile: "x,xsd\nNA,1\n"},
			wantErr: "must both be present",
		},
		{
			name:    "negative observed xsd",
			files:   map[string]string{DataFile: "model,x,y\nA,1,2\n", ObsFile: "x,xsd\n1,-1\n"},
			wantErr: "non-negative",
		},
		{
			name:    "empty model",
			files:   map[string]string{DataFile: "model,x,y\n,1,2\n", ObsFile: "x,xsd\n1,1\n"},
			wantErr: "empty model identifier",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeDir(t, tt.files))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadAll_PreservesOrder(t *testing.T) {
	first := writeDir(t, map[string]string{DataFile: "model,x,y\nA,1,2\n", ObsFile: "x,xsd\n1,1\n"})
	second := writeDir(t, map[string]string{DataFile: "model,x,y\nB,3,4\n", ObsFile: "x,xsd\n5,1\n"})

	cs, err := LoadAll([]string{second, first})
	require.NoError(t, err)
	require.Len(t, cs, 2)
	assert.Equal(t, second, cs[0].Source)
	assert.Equal(t, first, cs[1].Source)

	_, err = LoadAll(nil)
	assert.Error(t, err)
}
