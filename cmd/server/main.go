// Package main is the entry point for the community incident server.
// It serves the USSD gateway callback, the reporting API for web, mobile
// and partner channels, and the authenticated dispatcher routes.
//
// Every report runs through the same pipeline:
//   - duplicate detection against recent reports of the same type
//   - confidence scoring
//   - rule-based escalation to a responder, with SMS notification
//
// Background jobs rescore recent incidents, expire stale alerts, purge
// abandoned USSD sessions and retry queued notifications.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/communitywatch/incident-server/internal/app"
	"github.com/communitywatch/incident-server/internal/config"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	logger, _ := zap.NewProduction()
	if cfg.Environment == "development" {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	sugar.Infow("Starting incident server",
		"port", cfg.Port,
		"env", cfg.Environment,
		"sms_enabled", cfg.SMS.Enabled,
		"timezone", cfg.Location.String(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{}, sugar)
	if err != nil {
		sugar.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	if err := a.Migrate(ctx); err != nil {
		sugar.Fatalf("Failed to migrate database: %v", err)
	}
	if _, err := a.Seed(ctx, ""); err != nil {
		sugar.Fatalf("Failed to seed escalation rules: %v", err)
	}

	a.Notifier.Start()
	if err := a.Scheduler.Start(); err != nil {
		sugar.Fatalf("Failed to start scheduler: %v", err)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      a.Router(logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sugar.Infof("Server listening on :%d", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sugar.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		a.Scheduler.Stop(shutdownCtx)
		// Drain queued notifications; undelivered ones land in the outbox.
		a.Notifier.Stop()
		if err != nil {
			return fmt.Errorf("forced shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Errorw("Server stopped with error", "error", err)
		os.Exit(1)
	}
	sugar.Info("Server stopped")
}
