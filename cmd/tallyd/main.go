// Command tallyd runs the pay-per-minute metering engine behind an HTTP API.
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

	"github.com/murphlabs/tally"
	"github.com/murphlabs/tally/assist"
	"github.com/murphlabs/tally/assist/gemini"
	"github.com/murphlabs/tally/config"
	"github.com/murphlabs/tally/httpapi"
	"github.com/murphlabs/tally/rail"
	"github.com/murphlabs/tally/rail/finternet"
	"github.com/murphlabs/tally/rail/fixture"
	"github.com/murphlabs/tally/store"
	"github.com/murphlabs/tally/store/memory"
	"github.com/murphlabs/tally/store/mongo"
	"github.com/murphlabs/tally/store/postgres"
	"github.com/murphlabs/tally/store/sqlite"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	s, err := openStore(ctx, cfg)
	cancel()
	if err != nil {
		logger.Error("store init failed", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer s.Close()
	logger.Info("store ready", "backend", cfg.StoreBackend)

	paymentRail, err := openRail(cfg)
	if err != nil {
		logger.Error("rail init failed", "backend", cfg.RailBackend, "error", err)
		os.Exit(1)
	}
	logger.Info("payment rail ready", "backend", cfg.RailBackend)

	gateway, err := openAssist(cfg)
	if err != nil {
		logger.Error("assist gateway init failed", "error", err)
		os.Exit(1)
	}

	engine := tally.New(s, paymentRail,
		tally.WithLogger(logger),
		tally.WithAssist(gateway),
		tally.WithProgressConfig(100, cfg.ProgressFlushInterval),
		tally.WithSweepInterval(cfg.SweepInterval),
		tally.WithPayoutRetry(cfg.PayoutRetryInterval, cfg.PayoutRetryBatch),
	)

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = engine.Start(startCtx)
	cancel()
	if err != nil {
		logger.Error("engine start failed", "error", err)
		os.Exit(1)
	}

	api := httpapi.New(engine, logger,
		httpapi.WithCourseDefaults(cfg.Currency, cfg.FreePreviewSeconds),
	)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      api.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down")
		if err := engine.Stop(); err != nil {
			logger.Warn("engine stop", "error", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("tallyd ready", "port", cfg.Port, "env", cfg.Env)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case "memory":
		return memory.New(), nil
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
		return postgres.Open(ctx, cfg.DatabaseURL)
	case "sqlite":
		return sqlite.Open(cfg.SQLitePath)
	case "mongo":
		return mongo.Open(ctx, cfg.MongoURL, cfg.MongoDatabase)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func openRail(cfg *config.Config) (rail.Service, error) {
	switch cfg.RailBackend {
	case "fixture":
		return fixture.New(), nil
	case "finternet":
		if cfg.FinternetBaseURL == "" {
			return nil, fmt.Errorf("FINTERNET_BASE_URL is required for the finternet backend")
		}
		return finternet.New(cfg.FinternetBaseURL, cfg.FinternetAPIKey), nil
	default:
		return nil, fmt.Errorf("unknown rail backend %q", cfg.RailBackend)
	}
}

func openAssist(cfg *config.Config) (assist.Gateway, error) {
	if cfg.GeminiAPIKey == "" {
		return assist.NewFixture(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return gemini.New(ctx, cfg.GeminiAPIKey, cfg.GeminiConcurrentReqs)
}
