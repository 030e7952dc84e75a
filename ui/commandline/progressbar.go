// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// MaxUpdateFrequency is the minimum time between redraws of the stats table.
var MaxUpdateFrequency = time.Millisecond * 200

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// numStatsRows is the number of rows of the stats table drawn above the bar.
const numStatsRows = 2

// ProgressBar displays the progress of a ZeRO merge, counted in parameters.
// It implements zero.Progress.
//
// Above the bar it draws a small table with the parameters merged so far and the elapsed time,
// redrawn in place asynchronously, so a slow terminal doesn't slow down the merge.
type ProgressBar struct {
	w           io.Writer
	description string
	noColor     bool

	bar       *progressbar.ProgressBar
	total     int
	merged    int
	startTime time.Time

	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup
}

type progressBarUpdate struct {
	amount int
	merged int
}

// NewProgressBar creates a ProgressBar that writes to w (usually os.Stderr).
// If noColor is set, no color or style escape codes are used in the bar.
func NewProgressBar(w io.Writer, description string, noColor bool) *ProgressBar {
	return &ProgressBar{w: w, description: description, noColor: noColor}
}

// Start implements zero.Progress. A non-positive total disables the bar.
func (pBar *ProgressBar) Start(total int) {
	if total <= 0 || pBar.bar != nil {
		return
	}
	pBar.total = total
	pBar.startTime = time.Now()
	description := pBar.description
	if !pBar.noColor {
		description = "[bold]" + description + "[reset]"
	}
	pBar.bar = progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionUseANSICodes(!pBar.noColor),
		progressbar.OptionEnableColorCodes(!pBar.noColor),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("params"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar.w),
	)

	pBar.isFirstOutput = true
	pBar.termenv = termenv.NewOutput(pBar.w)
	pBar.statsStyle = lipgloss.NewStyle().PaddingLeft(8)
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so the merge is not blocked.
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawUpdates(pBar.updates)
}

// Add implements zero.Progress.
func (pBar *ProgressBar) Add(n int) {
	if pBar.updates == nil || n <= 0 {
		return
	}
	pBar.merged += n
	pBar.updates <- progressBarUpdate{amount: n, merged: pBar.merged}
}

// Finish implements zero.Progress. It waits for pending updates to be drawn.
func (pBar *ProgressBar) Finish() {
	if pBar.updates == nil {
		return
	}
	close(pBar.updates)
	pBar.updates = nil
	pBar.asyncUpdatesDone.Wait()
	pBar.termenv.ShowCursor()
	_, _ = fmt.Fprintln(pBar.w)
}

// Merged returns the number of parameters reported so far.
func (pBar *ProgressBar) Merged() int {
	return pBar.merged
}

// drawUpdates runs in its own goroutine until updates is closed.
// It receives the channel as an argument since Finish resets pBar.updates.
func (pBar *ProgressBar) drawUpdates(updates <-chan progressBarUpdate) {
	defer pBar.asyncUpdatesDone.Done()
	for update := range updates {
		// Exhaust the updates in the buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		pBar.statsTable.Row("Parameters", fmt.Sprintf("%s of %s",
			humanize.Comma(int64(update.merged)), humanize.Comma(int64(pBar.total))))
		pBar.statsTable.Row("Elapsed", FormatDuration(time.Since(pBar.startTime)))

		// Move back over the previous table, borders and bar line, to overwrite them.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			pBar.termenv.CursorPrevLine(numStatsRows + 2 + 2)
		}
		pBar.isFirstOutput = false

		_, _ = fmt.Fprintln(pBar.w, pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		_, _ = fmt.Fprintln(pBar.w)
		pBar.termenv.ShowCursor()
		time.Sleep(MaxUpdateFrequency)
	}
}
