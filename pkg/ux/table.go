// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Tone colors a table row.
type Tone int

const (
	ToneNormal Tone = iota
	ToneGood
	ToneWarn
	ToneBad
	ToneMuted
)

func (t Tone) style() lipgloss.Style {
	switch t {
	case ToneGood:
		return Styles.Cell.Foreground(ColorSuccess)
	case ToneWarn:
		return Styles.Cell.Foreground(ColorWarning)
	case ToneBad:
		return Styles.Cell.Foreground(ColorError)
	case ToneMuted:
		return Styles.Cell.Foreground(ColorMuted)
	default:
		return Styles.Cell
	}
}

// Table renders rows under headers. tones may be nil or shorter than
// rows; missing entries are ToneNormal.
//
// Full output draws a bordered lipgloss table. Other levels emit
// tab-separated lines with the headers first.
func Table(level Level, headers []string, rows [][]string, tones []Tone) string {
	if level != LevelFull {
		var b strings.Builder
		b.WriteString(strings.Join(headers, "\t"))
		b.WriteByte('\n')
		for _, r := range rows {
			b.WriteString(strings.Join(r, "\t"))
			b.WriteByte('\n')
		}
		return b.String()
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorBorder)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return Styles.Header
			}
			if row >= 0 && row < len(tones) {
				return tones[row].style()
			}
			return Styles.Cell
		})
	return t.String() + "\n"
}
