package report

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"inferbench/internal/bench"
)

var csvHeader = []string{
	"backend", "display_name", "model", "state", "iterations", "runs", "failures",
	"avg_time_to_prompt_s", "avg_ttft_s", "p50_ttft_s", "p95_ttft_s",
	"avg_latency_s", "p50_latency_s", "p95_latency_s",
	"avg_throughput_tps", "input_tokens", "output_tokens", "total_cost_usd",
	"model_load_s", "model_download_s", "remediation",
}

// renderCSV writes one machine-readable row per backend. Cells that do not
// apply are left empty.
func renderCSV(w io.Writer, r *bench.Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, res := range r.Results {
		if err := cw.Write(csvRow(res)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func csvRow(res bench.Result) []string {
	row := make([]string, len(csvHeader))
	row[0] = res.Backend
	row[1] = res.DisplayName
	row[2] = res.Model
	row[3] = string(res.State)
	row[4] = strconv.Itoa(res.Iterations)
	row[20] = res.Remediation

	m := res.Metrics
	if m == nil {
		row[6] = strconv.Itoa(len(res.Failures))
		return row
	}
	row[5] = strconv.Itoa(m.Runs)
	row[6] = strconv.Itoa(m.Failures)
	row[7] = secs(m.AvgTimeToPrompt)
	row[8] = secs(m.AvgTTFT)
	row[9] = secs(m.P50TTFT)
	row[10] = secs(m.P95TTFT)
	row[11] = secs(m.AvgLatency)
	row[12] = secs(m.P50Latency)
	row[13] = secs(m.P95Latency)
	row[14] = strconv.FormatFloat(m.AvgThroughput, 'f', 2, 64)
	row[15] = strconv.Itoa(m.InputTokens)
	row[16] = strconv.Itoa(m.OutputTokens)
	row[17] = strconv.FormatFloat(m.TotalCost, 'f', 8, 64)
	if ev := m.ModelLoad; ev != nil {
		row[18] = secs(ev.LoadDuration)
		if ev.DownloadDuration != nil {
			row[19] = secs(*ev.DownloadDuration)
		}
	}
	return row
}

func secs(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 4, 64)
}
