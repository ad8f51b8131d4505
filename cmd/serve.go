package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-warehouse/internal/config"
	"github.com/telhawk-systems/telhawk-warehouse/internal/listener"
	"github.com/telhawk-systems/telhawk-warehouse/internal/logging"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local ingestion listener",
	Long: `Accepts raw event payloads from local processes on the ingestion socket and
stores them in the configured cache until SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, logger)
}

// serve runs until ctx is cancelled.
func serve(ctx context.Context, c *config.Config, log *logging.Logger) error {
	log.Info("Starting warehouse listener",
		slog.String("address", c.Listener.Address),
		slog.String("cache_backend", c.Cache.Backend),
		slog.Int("cache_max_entries", c.Cache.MaxEntries),
	)

	store, err := newStore(c.Cache)
	if err != nil {
		return err
	}
	defer store.Close()

	limiter := newRateLimiter(c.RateLimit, log.Logger)
	defer limiter.Close()

	ln := listener.New(newListenerConfig(c.Listener), store,
		listener.WithRateLimiter(limiter),
		listener.WithLogger(log),
	)
	if err := ln.Start(ctx); err != nil {
		return err
	}
	defer ln.Stop()

	var metricsSrv *http.Server
	if c.Metrics.Enabled {
		metricsSrv = newMetricsServer(c.Metrics.Address)
		go func() {
			log.Info("Metrics listening", slog.String("address", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Metrics server error", logging.Error(err))
			}
		}()
	}

	<-ctx.Done()
	log.Info("Shutting down warehouse listener")

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Error("Metrics server forced to shutdown", logging.Error(err))
		}
	}

	if err := ln.Stop(); err != nil {
		return fmt.Errorf("stop listener: %w", err)
	}
	log.Info("Warehouse listener exited")
	return nil
}

func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
