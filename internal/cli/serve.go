package cli

import (
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"inferbench/internal/logging"
	"inferbench/internal/server"
	"inferbench/internal/telemetry"
)

func (a *App) serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the benchmark API over HTTP",
		Long: `Serve the benchmark API over HTTP. Benchmarks are submitted as jobs, run
one at a time, and can be followed over a websocket or server-sent events.

On Cloud Foundry the PORT variable is honored when --port is not given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := a.setup(cmd)
			if err != nil {
				return err
			}
			cfg := sess.cfg
			if port := os.Getenv("PORT"); port != "" && !cmd.Flags().Changed("port") {
				if p, err := strconv.Atoi(port); err == nil {
					cfg.Server.Port = p
				}
			}

			if os.Getenv("GIN_MODE") == "" {
				if sess.logger.Enabled(logging.DEBUG) {
					gin.SetMode(gin.DebugMode)
				} else {
					gin.SetMode(gin.ReleaseMode)
				}
			}

			srv := server.New(server.Options{
				Config:   cfg.Server,
				Registry: sess.registry,
				Pricing:  sess.pricing,
				Defaults: settingsFrom(cfg.Benchmark),
				Metrics:  telemetry.New(),
				Logger:   sess.logger,
				Sleeper:  a.Sleeper,
			})
			sess.logger.Info("API endpoints available at http://%s/api", cfg.Server.Addr())
			return srv.Run(cmd.Context())
		},
	}

	f := cmd.Flags()
	f.String("host", "0.0.0.0", "address to listen on")
	f.Int("port", 8080, "port to listen on")
	return cmd
}
