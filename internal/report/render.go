// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package report

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/constrain/internal/align"
	"github.com/AleutianAI/constrain/internal/nullable"
)

// Colors
var (
	ColorTeal    = lipgloss.Color("#20B9B4")
	ColorBright  = lipgloss.Color("#2CD7C7")
	ColorSlate   = lipgloss.Color("#2C4A54")
	ColorWarning = lipgloss.Color("#F4D03F")
)

// styles is the styled palette; the plain palette is all zero styles.
type styles struct {
	title   lipgloss.Style
	header  lipgloss.Style
	muted   lipgloss.Style
	warning lipgloss.Style
	border  lipgloss.Border
	edge    lipgloss.Style
}

func styledPalette() styles {
	return styles{
		title:   lipgloss.NewStyle().Bold(true).Foreground(ColorBright),
		header:  lipgloss.NewStyle().Bold(true).Foreground(ColorTeal).Padding(0, 1),
		muted:   lipgloss.NewStyle().Foreground(ColorSlate),
		warning: lipgloss.NewStyle().Foreground(ColorWarning),
		border:  lipgloss.RoundedBorder(),
		edge:    lipgloss.NewStyle().Foreground(ColorSlate),
	}
}

func plainPalette() styles {
	return styles{border: lipgloss.NormalBorder()}
}

// Printer writes summaries and tables to w.
//
// Output is styled when w is a terminal and plain otherwise, so redirected
// output carries no escape sequences.
type Printer struct {
	w      io.Writer
	styled bool
	s      styles
}

// NewPrinter creates a Printer for w.
func NewPrinter(w io.Writer) *Printer {
	styled := false
	if f, ok := w.(*os.File); ok {
		styled = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return newPrinter(w, styled)
}

func newPrinter(w io.Writer, styled bool) *Printer {
	p := &Printer{w: w, styled: styled, s: plainPalette()}
	if styled {
		p.s = styledPalette()
	}
	return p
}

// Summary prints a run summary.
func (p *Printer) Summary(s Summary) error {
	var b strings.Builder

	b.WriteString(p.s.title.Render("Constrained target"))
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s\n", p.s.muted.Render(fmt.Sprintf("run %s, %d models", s.RunID, s.Models)))
	if len(s.Excluded) > 0 {
		fmt.Fprintf(&b, "%s\n", p.s.muted.Render("excluded: "+strings.Join(s.Excluded, ", ")))
	}
	b.WriteString("\n")

	b.WriteString(p.table(
		[]string{"", "mean", "std", "5%", "50%", "95%", "draws"},
		[][]string{
			statsRow("conditional", s.Conditional),
			statsRow("unconditional", s.Prior),
		},
	))
	b.WriteString("\n\n")

	rows := make([][]string, 0, len(s.Constraints))
	for i, c := range s.Constraints {
		title := c.Title
		if title == "" {
			title = fmt.Sprintf("constraint %d", i+1)
		}
		rows = append(rows, []string{
			title,
			fmt.Sprintf("%.4g ± %.4g", c.XO, c.XOSD),
			c.Units,
			formatCell(c.Inclusion, "%.3f"),
		})
	}
	b.WriteString(p.table([]string{"constraint", "observed", "units", "inclusion"}, rows))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "singular draws: %d/%d", s.Singular, s.Total)
	if s.MaxRHat.Valid {
		fmt.Fprintf(&b, "   max R-hat: %.3f", s.MaxRHat.Value)
	}
	b.WriteString("\n")
	for _, w := range s.Warnings {
		fmt.Fprintf(&b, "%s\n", p.s.warning.Render("warning: "+w))
	}

	_, err := io.WriteString(p.w, b.String())
	return err
}

// Dataset prints the aligned model table: one row per model with its target
// and proxy values.
func (p *Printer) Dataset(ds *align.Dataset) error {
	headers := []string{"model", "y"}
	for i, md := range ds.Meta {
		name := md.Title
		if name == "" {
			name = fmt.Sprintf("x%d", i+1)
		}
		headers = append(headers, name)
	}

	rows := make([][]string, ds.M())
	for k, id := range ds.Models {
		row := []string{id, formatCell(ds.Y[k], "%.2f")}
		for i := range ds.X {
			row = append(row, formatCell(ds.X[i][k], "%.4g"))
		}
		rows[k] = row
	}

	var b strings.Builder
	b.WriteString(p.table(headers, rows))
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s\n", p.s.muted.Render(fmt.Sprintf("%d constraints, %d models", ds.N(), ds.M())))
	if len(ds.Excluded) > 0 {
		fmt.Fprintf(&b, "%s\n", p.s.muted.Render("excluded: "+strings.Join(ds.Excluded, ", ")))
	}
	_, err := io.WriteString(p.w, b.String())
	return err
}

func (p *Printer) table(headers []string, rows [][]string) string {
	t := table.New().
		Border(p.s.border).
		BorderStyle(p.s.edge).
		Headers(headers...).
		Rows(rows...)
	if p.styled {
		t = t.StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return p.s.header
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
	}
	return t.Render()
}

func statsRow(name string, s Stats) []string {
	return []string{
		name,
		fmt.Sprintf("%.4g", s.Mean),
		fmt.Sprintf("%.4g", s.Std),
		fmt.Sprintf("%.4g", s.Q05),
		fmt.Sprintf("%.4g", s.Q50),
		fmt.Sprintf("%.4g", s.Q95),
		fmt.Sprintf("%d", s.N),
	}
}

func formatCell(f nullable.Float, format string) string {
	if !f.Valid {
		return "-"
	}
	return fmt.Sprintf(format, f.Value)
}
