package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/spf13/cobra"

	"github.com/dshills/ctfever/internal/app"
	"github.com/dshills/ctfever/internal/metrics"
)

// maxGoroutines fails the liveness check when exceeded.
const maxGoroutines = 10000

func newRunCommand(flags *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load and activate plugins, then watch the plugin directory",
		Long: `Run loads and activates every plugin, then loads units added to the
plugin directory until interrupted (SIGINT or SIGTERM).

With --metrics-addr it serves /metrics, /live and /ready on that address.
/ready succeeds once the plugins have been loaded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := flags.newApplication(cmd)
			if err != nil {
				return err
			}
			defer application.Shutdown(context.Background())

			if addr != "" {
				srv := &http.Server{
					Addr:              addr,
					Handler:           newOpsHandler(application),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					application.Logger().Info("serving metrics", "addr", addr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						application.Logger().Error("metrics server failed", "error", err)
						stop()
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
			}

			return application.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "metrics-addr", "", "address for /metrics, /live and /ready (e.g. :9090)")
	return cmd
}

// newOpsHandler serves the health checks and the metrics registry. Check
// results are exported as metrics too.
func newOpsHandler(application *app.Application) http.Handler {
	health := healthcheck.NewMetricsHandler(application.Registerer(), "ctfever")
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))
	health.AddReadinessCheck("plugins-loaded", application.Ready)

	mux := http.NewServeMux()
	mux.Handle("/live", health)
	mux.Handle("/ready", health)
	mux.Handle("/metrics", metrics.Handler(application.Gatherer()))
	return mux
}
