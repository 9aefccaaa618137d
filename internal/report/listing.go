package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Listing is a flat table such as the backend or price list. Data is what
// the structured formats encode; Rows is what the text formats show.
type Listing struct {
	Headers []string
	Rows    [][]string
	Data    any
}

// RenderListing writes l to w in format f.
func RenderListing(w io.Writer, f Format, l Listing) error {
	switch f {
	case Table, "":
		t := table.New().
			Border(lipgloss.RoundedBorder()).
			BorderStyle(borderStyle).
			Headers(l.Headers...).
			StyleFunc(func(row, _ int) lipgloss.Style {
				if row == table.HeaderRow {
					return headerStyle
				}
				return cellStyle
			}).
			Rows(l.Rows...)
		_, err := fmt.Fprintln(w, t.Render())
		return err
	case JSON:
		return renderJSON(w, l.Data)
	case YAML:
		return renderYAML(w, l.Data)
	case Markdown:
		var sb strings.Builder
		sb.WriteString("| " + strings.Join(l.Headers, " | ") + " |\n")
		sb.WriteString("|" + strings.Repeat("---|", len(l.Headers)) + "\n")
		for _, row := range l.Rows {
			cells := make([]string, len(row))
			for i, c := range row {
				cells[i] = escapeMarkdown(c)
			}
			sb.WriteString("| " + strings.Join(cells, " | ") + " |\n")
		}
		_, err := io.WriteString(w, sb.String())
		return err
	case CSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(l.Headers); err != nil {
			return err
		}
		if err := cw.WriteAll(l.Rows); err != nil {
			return err
		}
		return cw.Error()
	}
	return fmt.Errorf("unknown output format %q", f)
}

// FormatForPath picks a format from a file extension, falling back to
// fallback for unknown extensions. Terminal tables are never written to
// files; Markdown takes their place.
func FormatForPath(path string, fallback Format) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return JSON
	case ".yaml", ".yml":
		return YAML
	case ".md", ".markdown":
		return Markdown
	case ".csv":
		return CSV
	}
	if fallback == Table || fallback == "" {
		return Markdown
	}
	return fallback
}
