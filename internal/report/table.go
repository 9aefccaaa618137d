package report

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"inferbench/internal/bench"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
	borderStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle      = cellStyle.Foreground(lipgloss.Color("42"))
	failedStyle  = cellStyle.Foreground(lipgloss.Color("196"))
	skippedStyle = cellStyle.Foreground(lipgloss.Color("244")).Italic(true)
	noteStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

const statusColumn = 2

func renderTable(w io.Writer, r *bench.Report) error {
	results := r.Results
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers(columns...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if row < 0 || row >= len(results) {
				return cellStyle
			}
			switch results[row].State {
			case bench.Skipped:
				return skippedStyle
			case bench.AllFailed:
				if col == statusColumn {
					return failedStyle
				}
			case bench.Completed:
				if col == statusColumn {
					return okStyle
				}
			}
			return cellStyle
		})
	for _, res := range results {
		t.Row(cells(res)...)
	}

	if _, err := fmt.Fprintln(w, headerLine(r)); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, t.Render()); err != nil {
		return err
	}
	for _, n := range notes(r) {
		if _, err := fmt.Fprintln(w, noteStyle.Render(n)); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w, summaryLine(r))
	return err
}
