package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/willowcart/mailroom/internal/api"
	"github.com/willowcart/mailroom/internal/config"
	"github.com/willowcart/mailroom/internal/logger"
	"github.com/willowcart/mailroom/internal/mailer"
	"github.com/willowcart/mailroom/internal/processor"
	"github.com/willowcart/mailroom/internal/storage"
	"github.com/willowcart/mailroom/internal/transport"
)

func main() {
	cfg, err := config.Load("config")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level)
	if cfg.Logging.File != "" {
		log = logger.NewWithWriter(cfg.Logging.Level, logger.NewFileWriter(logger.FileConfig{
			Path:      cfg.Logging.File,
			MaxSizeMB: cfg.Logging.MaxSizeMB,
			MaxFiles:  cfg.Logging.MaxFiles,
		}))
	}
	log.Info().Msg("starting mailroom")

	ctx := context.Background()

	db, err := storage.NewDB(ctx, cfg.Database.URL, cfg.Database.PoolMin, cfg.Database.PoolMax, cfg.Database.ConnectTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	queries := storage.New(db.Pool)

	tr, err := transport.FromConfig(cfg.Transport)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure mail transport")
	}
	log.Info().Str("transport", tr.Name()).Msg("mail transport configured")

	var limiter *rate.Limiter
	if cfg.Transport.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Transport.RatePerSec), cfg.Transport.RatePerSec)
	}

	proc := processor.New(
		queries,
		tr,
		limiter,
		processor.RetryPolicy{MaxAttempts: cfg.Queue.MaxAttempts, Base: cfg.Queue.BackoffBase},
		processor.Config{
			PollInterval:   cfg.Queue.PollInterval,
			AttemptTimeout: cfg.Transport.SendTimeout,
			ClaimLease:     cfg.Queue.ClaimLease,
		},
		log,
	)
	proc.EnsureRunning()

	dispatcher := mailer.NewDispatcher(queries, proc, log)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Metrics.Host, cfg.Metrics.Port),
		Handler: metricsMux,
	}

	go func() {
		log.Info().Int("port", cfg.Metrics.Port).Msg("metrics server started")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("metrics server error")
		}
	}()

	apiServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		Handler:      api.NewRouter(dispatcher, queries, db, log),
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.API.Port).Msg("api server started")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("api server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("api shutdown failed")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("metrics shutdown failed")
	}

	// Stop the drain loop last; an in-flight attempt is allowed to finish.
	proc.Stop()

	log.Info().Msg("mailroom stopped")
}
