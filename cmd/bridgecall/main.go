package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bridgecall/bridgecall/internal/aivoice"
	"github.com/bridgecall/bridgecall/internal/api"
	"github.com/bridgecall/bridgecall/internal/callback"
	"github.com/bridgecall/bridgecall/internal/config"
	"github.com/bridgecall/bridgecall/internal/database"
	"github.com/bridgecall/bridgecall/internal/metrics"
	"github.com/bridgecall/bridgecall/internal/pipeline"
	"github.com/bridgecall/bridgecall/internal/relay"
	"github.com/bridgecall/bridgecall/internal/report"
	"github.com/bridgecall/bridgecall/internal/session"
	"github.com/bridgecall/bridgecall/internal/telephony"
	"github.com/bridgecall/bridgecall/internal/transfer"
)

// janitorInterval is how often terminal sessions are swept from the registry.
const janitorInterval = 5 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting bridgecall",
		"http_port", cfg.HTTPPort,
		"public_base_url", cfg.PublicBaseURL,
		"data_dir", cfg.DataDir,
	)

	// Open database and run migrations.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	records := database.NewCallRecordRepository(db)
	callbacks := database.NewCallbackRequestRepository(db)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	registry := session.NewRegistry(logger)

	phoneClient := telephony.NewClient(cfg.TelephonyAPIBase, cfg.TelephonyAccountSID,
		cfg.TelephonyAuthToken, cfg.TelephonyFromNumber, logger)
	phone := telephony.NewController(phoneClient, cfg.PublicBaseURL, logger)

	ai := aivoice.NewClient(cfg.AIBaseURL, cfg.AIAPIKey, cfg.AIAgentID, logger)

	tracker := callback.NewStoreTracker(callbacks, logger)
	transfers := transfer.New(registry, phone, transfer.NewRealClock(), logger)
	pipe := pipeline.New(registry, tracker, transfers, phone, logger)

	reportClient := report.NewClient(cfg.ReportWebhookURL, cfg.ReportRetries,
		cfg.ReportRetryDelay, cfg.ReportTimeout, logger)
	if !reportClient.Configured() {
		slog.Warn("no report webhook configured, end-of-call reports will only be persisted locally")
	}
	reports := report.NewDispatcher(registry, ai, tracker, records, reportClient, logger)

	relays := relay.NewFactory(registry, ai, pipe, transfers, reports, logger)

	startTime := time.Now()
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(metrics.NewCollector(registry, relays, transfers, reports, records, startTime))

	// Sweep terminal sessions so the registry stays bounded across long uptimes.
	go func() {
		ticker := time.NewTicker(janitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-appCtx.Done():
				return
			case <-ticker.C:
				registry.Sweep(cfg.SessionMaxAge)
			}
		}
	}()

	// HTTP server using the api package.
	handler := api.NewServer(cfg, registry, phone, relays, transfers, reports, records, promReg, logger)
	defer handler.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout. Stop background work first so no new
	// calls are placed while in-flight reports finish.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	appCancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("bridgecall stopped")
}
