// Package report renders a bench.Report as a terminal table, Markdown, JSON,
// YAML or CSV. Renderers read the report only; they never touch backends.
package report

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"inferbench/internal/bench"
	"inferbench/internal/measure"
)

// Format is an output format name.
type Format string

const (
	Table    Format = "table"
	JSON     Format = "json"
	YAML     Format = "yaml"
	Markdown Format = "markdown"
	CSV      Format = "csv"
)

var formats = []Format{Table, JSON, YAML, Markdown, CSV}

// Formats lists the supported formats.
func Formats() []Format {
	out := make([]Format, len(formats))
	copy(out, formats)
	return out
}

// ParseFormat resolves a format name. Empty means Table; "md" and "yml" are
// accepted as aliases.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "table":
		return Table, nil
	case "json":
		return JSON, nil
	case "yaml", "yml":
		return YAML, nil
	case "markdown", "md":
		return Markdown, nil
	case "csv":
		return CSV, nil
	}
	return "", fmt.Errorf("unknown output format %q (want one of %s)", s, joinFormats())
}

func joinFormats() string {
	names := make([]string, len(formats))
	for i, f := range formats {
		names[i] = string(f)
	}
	return strings.Join(names, ", ")
}

// Render writes r to w in format f.
func Render(w io.Writer, f Format, r *bench.Report) error {
	if r == nil {
		return fmt.Errorf("report is nil")
	}
	switch f {
	case Table, "":
		return renderTable(w, r)
	case JSON:
		return renderJSON(w, r)
	case YAML:
		return renderYAML(w, r)
	case Markdown:
		return renderMarkdown(w, r)
	case CSV:
		return renderCSV(w, r)
	}
	return fmt.Errorf("unknown output format %q", f)
}

// WriteFile renders r into the file at path, replacing it.
func WriteFile(path string, f Format, r *bench.Report) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating report file: %w", err)
	}
	if err := Render(file, f, r); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

var columns = []string{
	"Backend", "Model", "Status", "Runs",
	"TTP (s)", "TTFT avg (s)", "TTFT p50 (s)", "TTFT p95 (s)",
	"Latency avg (s)", "Latency p50 (s)", "Latency p95 (s)",
	"Tok/s", "Cost ($)",
}

const noValue = "-"

// statusLabel keeps skipped and failed backends visibly apart.
func statusLabel(res bench.Result) string {
	switch res.State {
	case bench.Skipped:
		return "no data"
	case bench.AllFailed:
		return "failed"
	case bench.Completed:
		if res.Metrics != nil && res.Metrics.Failures > 0 {
			return fmt.Sprintf("ok (%d failed)", res.Metrics.Failures)
		}
		return "ok"
	}
	return string(res.State)
}

func cells(res bench.Result) []string {
	model := res.Model
	if model == "" {
		model = noValue
	}
	row := []string{res.DisplayName, model, statusLabel(res)}
	m := res.Metrics
	if !res.OK() {
		for range columns[len(row):] {
			row = append(row, noValue)
		}
		return row
	}
	return append(row,
		fmt.Sprintf("%d/%d", m.Runs, m.Runs+m.Failures),
		seconds(m.AvgTimeToPrompt),
		seconds(m.AvgTTFT),
		seconds(m.P50TTFT),
		seconds(m.P95TTFT),
		seconds(m.AvgLatency),
		seconds(m.P50Latency),
		seconds(m.P95Latency),
		fmt.Sprintf("%.1f", m.AvgThroughput),
		fmt.Sprintf("%.6f", m.TotalCost),
	)
}

func seconds(d time.Duration) string {
	return fmt.Sprintf("%.3f", d.Seconds())
}

// notes are the lines printed under the table.
func notes(r *bench.Report) []string {
	var out []string
	if r.Interrupted {
		out = append(out, "Run interrupted; results are partial and backends not yet started are absent.")
	}
	for _, res := range r.Results {
		switch res.State {
		case bench.Skipped:
			line := fmt.Sprintf("%s: %s", res.DisplayName, res.SkipReason)
			if res.Remediation != "" {
				line += " (" + res.Remediation + ")"
			}
			out = append(out, line)
		case bench.AllFailed:
			out = append(out, fmt.Sprintf("%s: all iterations failed: %s", res.DisplayName, measure.Summarize(res.Failures)))
		case bench.Completed:
			if len(res.Failures) > 0 {
				out = append(out, fmt.Sprintf("%s: %d failed iteration(s): %s",
					res.DisplayName, len(res.Failures), measure.Summarize(res.Failures)))
			}
			if res.Metrics != nil && res.Metrics.ModelLoad != nil {
				out = append(out, fmt.Sprintf("%s: %s", res.DisplayName, modelLoad(res.Metrics.ModelLoad)))
			}
		}
		if res.Iterations > 0 && res.Iterations < res.ConfiguredIterations {
			out = append(out, fmt.Sprintf("%s: budget limited the run to %d of %d iteration(s)",
				res.DisplayName, res.Iterations, res.ConfiguredIterations))
		}
	}
	for _, w := range r.Warnings {
		out = append(out, "warning: "+w)
	}
	return out
}

func modelLoad(ev *measure.ModelLoadEvent) string {
	s := fmt.Sprintf("model load %ss", seconds(ev.LoadDuration))
	if ev.DownloadDuration != nil {
		s += fmt.Sprintf(", download %ss", seconds(*ev.DownloadDuration))
	}
	return s
}

func summaryLine(r *bench.Report) string {
	s := fmt.Sprintf("Total cost $%.6f (estimated ceiling $%.6f)", r.TotalCost, r.EstimatedCost)
	if r.PricingAsOf != "" {
		s += ", pricing as of " + r.PricingAsOf
	}
	return s
}

func headerLine(r *bench.Report) string {
	return fmt.Sprintf("Run %s: %s prompt (%s), %d iteration(s), %d warm-up, finished in %s",
		r.RunID, r.Prompt.Name, r.Prompt.Version, r.Settings.Iterations, r.Settings.Warmup,
		r.Elapsed.Round(time.Millisecond))
}
