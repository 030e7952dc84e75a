// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains the terminal UI of the checkpoint conversion: a progress bar for the
// ZeRO merge and the summary and variables reports.
package commandline

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/zerockpt/pkg/consolidate"
	"github.com/gomlx/zerockpt/pkg/statedict"
	"github.com/muesli/termenv"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

// DisableColors makes all reports plain text, without color or style escape codes.
func DisableColors() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

func newPlainTable(withHeader bool, alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row < 0 {
				s = headerRowStyle
				return
			}
			switch {
			case row%2 == 0:
				// Even row style.
				s = oddRowStyle
			default:
				// Odd row style
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			s = s.Align(alignment)
			return
		})
}

// PrintSummary of a conversion of the checkpoint in dir.
func PrintSummary(w io.Writer, dir string, result *consolidate.Result) {
	_, _ = fmt.Fprintln(w, titleStyle.Render("Summary"))
	table := newPlainTable(false, lipgloss.Right, lipgloss.Left)
	sd := result.StateDict
	table.Row("checkpoint", dir)
	table.Row("strategy", string(result.Strategy))
	table.Row("source", result.Source)
	table.Row("output", result.OutPath)
	table.Row("format", string(result.Format))
	table.Row("# keys loaded", humanize.Comma(int64(result.KeysLoaded)))
	table.Row("# tensors", humanize.Comma(int64(sd.Len())))
	table.Row("# parameters", humanize.Comma(sd.NumParameters()))
	table.Row("# bytes", humanize.Bytes(uint64(sd.Memory())))
	table.Row("file size", humanize.Bytes(uint64(result.OutBytes)))
	table.Row("dtypes", formatDTypes(sd))
	table.Row("duration", FormatDuration(result.Duration))
	_, _ = fmt.Fprintln(w, table.Render())
}

func formatDTypes(sd *statedict.StateDict) string {
	counts := sd.DTypes()
	parts := make([]string, 0, len(counts))
	for _, dtype := range sd.SortedDTypes() {
		parts = append(parts, fmt.Sprintf("%s: %d", dtype, counts[dtype]))
	}
	return strings.Join(parts, ", ")
}

// PrintVars lists the tensors of sd, sorted by name, with their shapes and sizes.
func PrintVars(w io.Writer, sd *statedict.StateDict) {
	_, _ = fmt.Fprintln(w, titleStyle.Render("Variables"))
	table := newPlainTable(true, lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Name", "DType", "Shape", "Size", "Bytes")
	var rows [][]string
	for name, t := range sd.All() {
		rows = append(rows, []string{
			name, t.DType().String(), fmt.Sprintf("%v", t.Dimensions()),
			humanize.Comma(int64(t.Size())),
			humanize.Bytes(uint64(t.Memory())),
		})
	}
	slices.SortFunc(rows, func(a, b []string) int {
		return strings.Compare(a[0], b[0])
	})
	for _, row := range rows {
		table.Row(row...)
	}
	_, _ = fmt.Fprintln(w, table.Render())
}
