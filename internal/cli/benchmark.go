package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"inferbench/internal/bench"
	"inferbench/internal/config"
	"inferbench/internal/logging"
	"inferbench/internal/prompt"
	"inferbench/internal/report"
	"inferbench/internal/telemetry"
)

func (a *App) benchmarkCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "benchmark",
		Aliases: []string{"run"},
		Short:   "Run a benchmark against the selected backends",
		Long: `Run a benchmark against the selected backends, one backend at a time.

Paid backends are capped at --max-cost USD each. When the run can incur
charges, the estimated ceiling is shown and must be confirmed, or accepted
up front with --yes.`,
		Example: `  inferbench benchmark --backends ollama,groq --iterations 3
  inferbench benchmark -b all -s long -o json --out results.json --yes`,
		Args: cobra.NoArgs,
		RunE: a.runBenchmark,
	}

	f := cmd.Flags()
	f.StringP("backends", "b", "all", `backends to run: "all" or a comma-separated list`)
	f.IntP("iterations", "i", 1, "measured iterations per backend")
	f.IntP("warmup", "w", 0, "unmeasured warm-up calls per backend")
	f.StringP("size", "s", string(prompt.Short), "prompt size: short, medium or long")
	f.Float64("max-cost", 1.00, "maximum projected spend per paid backend, in USD")
	f.Duration("timeout", bench.DefaultTimeout, "time limit per iteration, retries included")
	f.Float64("rpm", 0, "requests per minute limit across the run (0 for none)")
	f.BoolP("yes", "y", false, "accept the cost estimate without prompting")
	f.StringP("output", "o", "table", "report format: table, json, yaml, markdown or csv")
	f.String("out", "", "also write the report to this file; the format follows the extension")
	f.String("metrics-file", "", "write Prometheus metrics for the run to this file")
	return cmd
}

func (a *App) runBenchmark(cmd *cobra.Command, _ []string) error {
	sess, err := a.setup(cmd)
	if err != nil {
		return err
	}
	cfg := sess.cfg
	ctx := cmd.Context()
	log := sess.logger.WithContext(&logging.LogContext{Operation: "benchmark"})

	format, err := report.ParseFormat(cfg.Output.Format)
	if err != nil {
		return err
	}
	settings := settingsFrom(cfg.Benchmark)
	if err := settings.Validate(); err != nil {
		return err
	}

	backends, err := sess.registry.Select(ctx, cfg.Benchmark.Backends)
	if err != nil {
		return err
	}
	if len(backends) == 0 {
		return bench.ErrNoBackends
	}

	est := bench.EstimateCost(ctx, sess.pricing, backends, settings)
	for _, name := range est.Unavailable {
		log.Debug("Backend %s is unavailable and will be skipped", name)
	}
	if est.RequiresConfirmation() && !cfg.Benchmark.Yes {
		ok, err := a.confirm(est)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(a.Err, "Aborted.")
			return &exitError{code: ExitError}
		}
	}

	metrics := telemetry.New()
	bar := newProgressObserver(a.Err)
	runner := bench.NewRunner(sess.pricing, sess.logger)
	if a.Sleeper != nil {
		runner.Sleeper = a.Sleeper
	}
	runner.Observer = bench.Observers{metrics.Observer(), bar}

	r, err := runner.RunPlan(ctx, backends, settings, est)
	bar.close()
	if err != nil {
		return err
	}

	if err := report.Render(a.Out, format, r); err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}
	if cfg.Output.File != "" {
		fileFormat := report.FormatForPath(cfg.Output.File, format)
		if err := report.WriteFile(cfg.Output.File, fileFormat, r); err != nil {
			return err
		}
		log.Info("Report written to %s (%s)", cfg.Output.File, fileFormat)
	}
	if cfg.Output.MetricsFile != "" {
		if err := metrics.WriteTextfile(cfg.Output.MetricsFile); err != nil {
			return err
		}
		log.Info("Metrics written to %s", cfg.Output.MetricsFile)
	}

	switch {
	case r.Interrupted:
		return &exitError{code: ExitInterrupted, err: errors.New("benchmark interrupted; partial results reported")}
	case r.Err() != nil:
		return &exitError{code: ExitAllFailed, err: r.Err()}
	}
	return nil
}

func settingsFrom(b config.BenchmarkConfig) bench.Settings {
	size, err := prompt.ParseSize(b.PromptSize)
	if err != nil {
		size = prompt.Size(b.PromptSize)
	}
	return bench.Settings{
		Iterations:        b.Iterations,
		Warmup:            b.Warmup,
		PromptSize:        size,
		MaxCost:           b.MaxCost,
		Timeout:           b.Timeout,
		RequestsPerMinute: b.RequestsPerMinute,
	}
}

