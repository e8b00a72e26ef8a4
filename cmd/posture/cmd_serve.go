package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/yairfalse/posture/internal/api"
	"github.com/yairfalse/posture/internal/daemon"
)

var (
	serveInterval    time.Duration
	serveAPIAddr     string
	serveMetricsAddr string
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Scan on an interval and serve the HTTP API and metrics",
	Long: `Run posture as a long-lived service.

A scan runs at startup and then on every interval. The HTTP API exposes
inventory, results, the dashboard summary and on-demand scans. Metrics are
served in Prometheus format next to a daemon health endpoint.

With scanner.one_shot set in the config, serve runs one scan and exits.`,
	Example: `  posture serve
  posture serve --interval 15m
  posture serve --api-addr :8080 --metrics-addr :9090`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().DurationVar(&serveInterval, "interval", 0, "Scan interval (overrides config)")
	serveCmd.Flags().StringVar(&serveAPIAddr, "api-addr", "", "API listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "Metrics listen address (overrides config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := loadApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if serveInterval > 0 {
		a.cfg.Scanner.Interval = serveInterval
	}
	if serveAPIAddr != "" {
		a.cfg.API.Addr = serveAPIAddr
	}
	if serveMetricsAddr != "" {
		a.cfg.Metrics.Addr = serveMetricsAddr
	}

	svc, err := a.scanningService(ctx)
	if err != nil {
		return err
	}

	if a.cfg.Scanner.OneShot {
		a.logger.Info().Msg("one-shot mode, scanning once")
		return scanOnce(ctx, svc, cmd.OutOrStdout())
	}

	d, err := daemon.NewDaemon(daemon.Config{
		Interval:   a.cfg.Scanner.Interval,
		RunOnStart: a.cfg.Scanner.ShouldRunOnStart(),
	}, svc, a.logger)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	var g run.Group
	{
		dctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return d.Start(dctx)
		}, func(error) {
			cancel()
		})
	}
	{
		srv := &http.Server{
			Addr:              a.cfg.API.Addr,
			Handler:           api.NewHandler(svc, a.logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
		addServer(&g, srv, "api", a.logger)
	}
	{
		srv := &http.Server{
			Addr:              a.cfg.Metrics.Addr,
			Handler:           metricsMux(a.telemetry.MetricsHandler(), d),
			ReadHeaderTimeout: 10 * time.Second,
		}
		addServer(&g, srv, "metrics", a.logger)
	}
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	a.logger.Info().
		Dur("interval", a.cfg.Scanner.Interval).
		Str("api", a.cfg.API.Addr).
		Str("metrics", a.cfg.Metrics.Addr).
		Msg("posture serving")

	err = g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		a.logger.Info().Str("signal", sig.Signal.String()).Msg("shutting down")
		return nil
	}
	return err
}

// addServer runs srv as a group actor and shuts it down gracefully on interrupt.
func addServer(g *run.Group, srv *http.Server, name string, logger zerolog.Logger) {
	g.Add(func() error {
		logger.Info().Str("addr", srv.Addr).Msgf("starting %s server", name)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	}, func(error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
}

// healthReporter is implemented by *daemon.Daemon.
type healthReporter interface {
	Health() daemon.HealthStatus
}

// metricsMux serves /metrics and the daemon health endpoints.
func metricsMux(metrics http.Handler, d healthReporter) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		h := d.Health()
		code := http.StatusOK
		if h.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = printJSON(w, h)
	})
	mux.HandleFunc("GET /-/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if d.Health().Scans == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("no scan yet"))
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
