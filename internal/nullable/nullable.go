// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package nullable provides an explicit optional float cell.
//
// Model populations are ragged: a model may report a value for one constraint
// and nothing for another. Cells carry their presence explicitly so that no
// reduction can mistake an absent value for zero or let a NaN sentinel leak
// into a mean. Every reduction in this package skips absent cells.
package nullable

import (
	"encoding/json"
	"math"

	"gonum.org/v1/gonum/stat"
)

// Float is a float64 that may be absent.
//
// The zero value is absent.
type Float struct {
	Value float64
	Valid bool
}

// Some returns a present cell. Non-finite values are stored as absent.
func Some(v float64) Float {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Float{}
	}
	return Float{Value: v, Valid: true}
}

// None returns an absent cell.
func None() Float {
	return Float{}
}

// MarshalJSON encodes absent cells as null.
func (f Float) MarshalJSON() ([]byte, error) {
	if !f.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(f.Value)
}

// MarshalYAML encodes absent cells as null.
func (f Float) MarshalYAML() (any, error) {
	if !f.Valid {
		return nil, nil
	}
	return f.Value, nil
}

// =============================================================================
// Slice helpers
// =============================================================================

// Present returns the present values of cells, in order.
func Present(cells []Float) []float64 {
	out := make([]float64, 0, len(cells))
	for _, c := range cells {
		if c.Valid {
			out = append(out, c.Value)
		}
	}
	return out
}

// Count returns the number of present cells.
func Count(cells []Float) int {
	n := 0
	for _, c := range cells {
		if c.Valid {
			n++
		}
	}
	return n
}

// FromFloats wraps a slice, treating NaN and ±Inf as absent.
func FromFloats(values []float64) []Float {
	out := make([]Float, len(values))
	for i, v := range values {
		out[i] = Some(v)
	}
	return out
}

// Mean returns the mean of the present cells. ok is false when none is present.
func Mean(cells []Float) (mean float64, ok bool) {
	vals := Present(cells)
	if len(vals) == 0 {
		return 0, false
	}
	return stat.Mean(vals, nil), true
}

// MeanStd returns the mean and population standard deviation of the present
// cells. ok is false when none is present.
func MeanStd(cells []Float) (mean, std float64, ok bool) {
	vals := Present(cells)
	if len(vals) == 0 {
		return 0, 0, false
	}
	mean = stat.Mean(vals, nil)
	std = math.Sqrt(stat.PopVariance(vals, nil))
	return mean, std, true
}

// Select returns the cells at the given indices.
func Select(cells []Float, idx []int) []Float {
	out := make([]Float, len(idx))
	for i, j := range idx {
		out[i] = cells[j]
	}
	return out
}
