package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"inferbench/internal/bench"
)

func renderMarkdown(w io.Writer, r *bench.Report) error {
	var sb strings.Builder

	sb.WriteString("# Inference Benchmark Results\n\n")
	sb.WriteString(fmt.Sprintf("- **Run**: %s\n", r.RunID))
	sb.WriteString(fmt.Sprintf("- **Started**: %s\n", r.StartedAt.Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("- **Duration**: %s\n", r.Elapsed.Round(time.Millisecond)))
	sb.WriteString(fmt.Sprintf("- **Prompt**: %s (%s, ~%d input / ~%d output tokens)\n",
		r.Prompt.Name, r.Prompt.Version, r.Prompt.ExpectedInputTokens, r.Prompt.ExpectedOutputTokens))
	sb.WriteString(fmt.Sprintf("- **Iterations**: %d (warm-up %d)\n", r.Settings.Iterations, r.Settings.Warmup))
	sb.WriteString(fmt.Sprintf("- **Budget**: $%.4f per backend\n", r.Settings.MaxCost))
	if r.PricingAsOf != "" {
		sb.WriteString(fmt.Sprintf("- **Pricing as of**: %s\n", r.PricingAsOf))
	}
	sb.WriteString("\n")

	sb.WriteString("| " + strings.Join(columns, " | ") + " |\n")
	sb.WriteString("|" + strings.Repeat("---|", len(columns)) + "\n")
	for _, res := range r.Results {
		row := cells(res)
		for i, c := range row {
			row[i] = escapeMarkdown(c)
		}
		sb.WriteString("| " + strings.Join(row, " | ") + " |\n")
	}
	sb.WriteString("\n")

	if n := notes(r); len(n) > 0 {
		sb.WriteString("## Notes\n\n")
		for _, line := range n {
			sb.WriteString("- " + escapeMarkdown(line) + "\n")
		}
		sb.WriteString("\n")
	}
	sb.WriteString(summaryLine(r) + "\n")

	_, err := io.WriteString(w, sb.String())
	return err
}

func escapeMarkdown(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
