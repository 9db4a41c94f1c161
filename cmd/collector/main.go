// Command collector runs the market-data ingestion core: one connection
// runner per planned exchange connection, backed by the dedup → primary
// sink → spool → replay persistence pipeline. Grounded on the teacher's
// ws/main.go wiring (automaxprocs first, then config, logger, server,
// signal-driven shutdown), generalized to the supervisor/runner shape.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/teru1991/profinaut-sub001/internal/logging"
	"github.com/teru1991/profinaut-sub001/internal/supervisor"
)

// Exit codes per spec.md §6: 0 clean shutdown, 1 bind/config failure, 2
// fatal internal invariant violation.
const (
	exitOK    = 0
	exitBind  = 1
	exitFatal = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	startupLogger := logging.New(logging.Config{Level: logging.LevelInfo, Format: logging.FormatJSON, Service: "collector"})

	sup, err := supervisor.Bootstrap(startupLogger)
	if err != nil {
		startupLogger.Error().Err(err).Msg("collector: bootstrap failed")
		return exitBind
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsSrv := startMetricsServer(sup.MetricsAddr(), sup.MetricsHandler(), startupLogger)
	defer func() {
		_ = metricsSrv.Close()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		startupLogger.Info().Msg("collector: signal received, shutting down")
		cancel()
	}()

	sup.Run(ctx)
	sup.Shutdown()

	startupLogger.Info().Msg("collector: shutdown complete")
	return exitOK
}

// startMetricsServer exposes /metrics for Prometheus scraping (§6's
// optional HTTP health surface). A bind failure is logged but is not
// fatal — the collector's job is ingestion, not serving metrics.
func startMetricsServer(addr string, handler http.Handler, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn().Err(err).Str("addr", addr).Msg("collector: metrics server stopped")
		}
	}()
	return srv
}
