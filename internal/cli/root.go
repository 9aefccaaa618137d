// Package cli implements the inferbench command tree.
package cli

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"inferbench/internal/backend"
	"inferbench/internal/config"
	"inferbench/internal/logging"
	"inferbench/internal/pricing"
	"inferbench/internal/providers"
	"inferbench/internal/retry"
)

// Exit codes
const (
	ExitOK          = 0
	ExitError       = 1
	ExitAllFailed   = 2
	ExitInterrupted = 130
)

// exitError carries a process exit code. A nil err means the user has
// already been told why.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// App holds the process streams and the hooks tests replace.
type App struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer

	// IsTerminal reports whether In is an interactive terminal.
	IsTerminal func() bool

	// Registry builds the backend registry. Defaults to the provider presets
	// plus any Cloud Foundry bindings.
	Registry func(cfg *config.Config, httpClient *http.Client, logger *logging.Logger) *backend.Registry

	// Sleeper replaces real retry sleeps.
	Sleeper retry.Sleeper

	configPath            string
	insecureSkipTLSVerify bool
}

// New returns an App wired to the process streams.
func New() *App {
	return &App{
		In:  os.Stdin,
		Out: os.Stdout,
		Err: os.Stderr,
		IsTerminal: func() bool {
			return term.IsTerminal(int(os.Stdin.Fd()))
		},
		Registry: providers.Build,
	}
}

// Execute runs the command line and returns the process exit code.
func Execute(ctx context.Context, args []string) int {
	return New().Run(ctx, args)
}

// Run executes args and maps the outcome to an exit code.
func (a *App) Run(ctx context.Context, args []string) int {
	root := a.Command()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(a.Err, "Error: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(a.Err, "Error: %v\n", err)
	return ExitError
}

// Command builds the root command.
func (a *App) Command() *cobra.Command {
	root := &cobra.Command{
		Use:   "inferbench",
		Short: "Benchmark LLM inference backends for latency, throughput and cost",
		Long: `inferbench measures time to first token, latency, throughput and cost of
hosted and local LLM inference backends under a per-backend spending cap.
Run 'inferbench list' to see which backends are configured.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(a.In)
	root.SetOut(a.Out)
	root.SetErr(a.Err)

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (yaml, toml or json)")
	pf.String("pricing", "", "pricing file overriding the built-in price list")
	pf.String("log-level", "info", "log level: debug, info, warn or error")
	pf.String("log-format", "text", "log format: text or json")
	pf.BoolVar(&a.insecureSkipTLSVerify, "insecure-skip-tls-verify", false, "Skip TLS certificate verification. Use with caution, this is insecure.")

	root.AddCommand(a.benchmarkCommand(), a.listCommand(), a.pricingCommand(), a.serveCommand())
	return root
}

// session is everything a subcommand needs once configuration is loaded.
type session struct {
	cfg      *config.Config
	logger   *logging.Logger
	pricing  *pricing.Table
	registry *backend.Registry
}

func (a *App) setup(cmd *cobra.Command) (*session, error) {
	cfg, err := config.Load(a.configPath, cmd.Flags())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logger := logging.New(logging.Options{
		Level: level,
		JSON:  cfg.Log.Format == "json",
		Out:   a.Err,
		Err:   a.Err,
	})

	table, err := pricing.Load(cfg.Pricing.File)
	if err != nil {
		return nil, err
	}

	build := a.Registry
	if build == nil {
		build = providers.Build
	}
	return &session{
		cfg:      cfg,
		logger:   logger,
		pricing:  table,
		registry: build(cfg, a.httpClient(), logger),
	}, nil
}

func (a *App) httpClient() *http.Client {
	if !a.insecureSkipTLSVerify {
		return &http.Client{}
	}
	fmt.Fprintln(a.Err, "\n/!\\ WARNING: Skipping TLS certificate verification. This is insecure and should not be used in production. /!\\")

	// Clone the default Transport to preserve its settings
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	return &http.Client{Transport: tr}
}
