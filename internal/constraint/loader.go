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
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/AleutianAI/constrain/internal/nullable"
)

// File names inside a constraint directory.
const (
	DataFile = "data.csv"
	ObsFile  = "obs.csv"
	MetaFile = "meta.csv"
)

// missingTokens are the cell spellings read as a missing value.
var missingTokens = map[string]bool{
	"":    true,
	"na":  true,
	"nan": true,
	"n/a": true,
}

// LoadAll reads every directory in order.
//
// Inputs:
//   - dirs: Constraint directories. Order defines constraint indices.
//
// Outputs:
//   - []*Constraint: One per directory, in input order.
//   - error: The first load failure, naming its directory.
func LoadAll(dirs []string) ([]*Constraint, error) {
	if len(dirs) == 0 {
		return nil, errors.New("no constraint directories given")
	}
	out := make([]*Constraint, 0, len(dirs))
	for _, dir := range dirs {
		c, err := Load(dir)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Load reads one constraint directory.
//
// Description:
//
//	data.csv must have model, x and y columns; xsd is optional. obs.csv
//	must have exactly one data row with x and xsd. meta.csv may be absent.
//	The result is validated before it is returned.
//
// Inputs:
//   - dir: Path to the constraint directory.
//
// Outputs:
//   - *Constraint: The loaded constraint.
//   - error: Wrapped I/O, parse, or validation failure.
func Load(dir string) (*Constraint, error) {
	c := &Constraint{Source: dir}

	reports, err := readData(filepath.Join(dir, DataFile))
	if err != nil {
		return nil, err
	}
	c.Reports = reports

	xo, xosd, err := readObs(filepath.Join(dir, ObsFile))
	if err != nil {
		return nil, err
	}
	c.XO, c.XOSD = xo, xosd

	meta, err := readMeta(filepath.Join(dir, MetaFile))
	if err != nil {
		return nil, err
	}
	c.Meta = meta

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// -----------------------------------------------------------------------------
// File readers
// -----------------------------------------------------------------------------

func readData(path string) ([]Report, error) {
	tbl, err := readTable(path)
	if err != nil {
		return nil, err
	}
	modelCol, err := tbl.require("model")
	if err != nil {
		return nil, err
	}
	xCol, err := tbl.require("x")
	if err != nil {
		return nil, err
	}
	yCol, err := tbl.require("y")
	if err != nil {
		return nil, err
	}
	xsdCol := tbl.column("xsd")

	reports := make([]Report, 0, len(tbl.rows))
	for i, row := range tbl.rows {
		r := Report{Model: strings.TrimSpace(row[modelCol])}
		if r.X, err = tbl.cell(i, xCol); err != nil {
			return nil, err
		}
		if r.Y, err = tbl.cell(i, yCol); err != nil {
			return nil, err
		}
		if xsdCol >= 0 {
			if r.XSD, err = tbl.cell(i, xsdCol); err != nil {
				return nil, err
			}
		}
		reports = append(reports, r)
	}
	return reports, nil
}

func readObs(path string) (float64, float64, error) {
	tbl, err := readTable(path)
	if err != nil {
		return 0, 0, err
	}
	if len(tbl.rows) != 1 {
		return 0, 0, fmt.Errorf("%s: expected exactly one data row, got %d", path, len(tbl.rows))
	}
	xCol, err := tbl.require("x")
	if err != nil {
		return 0, 0, err
	}
	xsdCol, err := tbl.require("xsd")
	if err != nil {
		return 0, 0, err
	}
	x, err := tbl.cell(0, xCol)
	if err != nil {
		return 0, 0, err
	}
	xsd, err := tbl.cell(0, xsdCol)
	if err != nil {
		return 0, 0, err
	}
	if !x.Valid || !xsd.Valid {
		return 0, 0, fmt.Errorf("%s: observed x and xsd must both be present", path)
	}
	return x.Value, xsd.Value, nil
}

func readMeta(path string) (Metadata, error) {
	tbl, err := readTable(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Metadata{}, nil
	}
	if err != nil {
		return Metadata{}, err
	}
	if len(tbl.rows) == 0 {
		return Metadata{}, nil
	}
	get := func(name string) string {
		if col := tbl.column(name); col >= 0 {
			return strings.TrimSpace(tbl.rows[0][col])
		}
		return ""
	}
	return Metadata{
		Title:    get("title"),
		Units:    get("units"),
		UnitsTex: get("units_tex"),
		Label:    get("label"),
		LabelTex: get("label_tex"),
	}, nil
}

// -----------------------------------------------------------------------------
// Table helper
// -----------------------------------------------------------------------------

type table struct {
	path   string
	header map[string]int
	rows   [][]string
}

func readTable(path string) (*table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	head, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s: missing header row", path)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	tbl := &table{path: path, header: make(map[string]int, len(head))}
	for i, name := range head {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if key == "" {
			continue
		}
		if _, dup := tbl.header[key]; dup {
			return nil, fmt.Errorf("%s: duplicate column %q", path, key)
		}
		tbl.header[key] = i
	}

	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		if blank(rec) {
			continue
		}
		// Pad short rows so optional trailing cells read as missing.
		for len(rec) < len(head) {
			rec = append(rec, "")
		}
		tbl.rows = append(tbl.rows, rec)
	}
	return tbl, nil
}

func (t *table) column(name string) int {
	if i, ok := t.header[name]; ok {
		return i
	}
	return -1
}

func (t *table) require(name string) (int, error) {
	i := t.column(name)
	if i < 0 {
		return -1, fmt.Errorf("%s: missing required column %q", t.path, name)
	}
	return i, nil
}

// cell parses row i, column col. Row numbers in errors are 1-based file
// lines, counting the header.
func (t *table) cell(i, col int) (nullable.Float, error) {
	raw := strings.TrimSpace(t.rows[i][col])
	if missingTokens[strings.ToLower(raw)] {
		return nullable.None(), nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		name := "?"
		for k, idx := range t.header {
			if idx == col {
				name = k
			}
		}
		return nullable.None(), fmt.Errorf("%s: line %d column %q: %w", t.path, i+2, name, err)
	}
	return nullable.Some(v), nil
}

func blank(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
