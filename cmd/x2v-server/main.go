package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xinyiqin/x2v-batch/internal/api"
	"github.com/xinyiqin/x2v-batch/internal/auth"
	"github.com/xinyiqin/x2v-batch/internal/config"
	"github.com/xinyiqin/x2v-batch/internal/credit"
	"github.com/xinyiqin/x2v-batch/internal/engine"
	"github.com/xinyiqin/x2v-batch/internal/events"
	"github.com/xinyiqin/x2v-batch/internal/genclient"
	"github.com/xinyiqin/x2v-batch/internal/media"
	"github.com/xinyiqin/x2v-batch/internal/model"
	"github.com/xinyiqin/x2v-batch/internal/pricing"
	"github.com/xinyiqin/x2v-batch/internal/store"
	"github.com/xinyiqin/x2v-batch/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := telemetry.NewLogger(cfg.LogLevel)

	var st store.BatchStore
	switch cfg.StoreBackend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Error("redis unreachable", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		st = store.NewRedisStore(rdb)
	default:
		fileStore, err := store.NewFileStore(filepath.Join(cfg.DataDir, "batches"), logger)
		if err != nil {
			logger.Error("open batch store failed", "error", err)
			os.Exit(1)
		}
		st = fileStore
	}

	spool, err := media.NewSpool(filepath.Join(cfg.DataDir, "media"))
	if err != nil {
		logger.Error("open media spool failed", "error", err)
		os.Exit(1)
	}

	authSvc := auth.NewService(cfg.JWTSecret, cfg.AccessTTL, cfg.RefreshTTL)
	ledger := credit.NewAccountLedger()
	admin, err := authSvc.SeedUser("admin", "admin123456", model.RoleAdmin)
	if err != nil {
		logger.Error("seed admin failed", "error", err)
		os.Exit(1)
	}
	ledger.SetBalance(admin.ID, 9999)
	demo, err := authSvc.SeedUser("demo", "demo123456", model.RoleUser)
	if err != nil {
		logger.Error("seed demo user failed", "error", err)
		os.Exit(1)
	}
	ledger.SetBalance(demo.ID, 100)

	var gen genclient.Client
	if cfg.GenBaseURL != "" {
		gen = genclient.NewHTTPClient(cfg.GenBaseURL, cfg.GenToken, logger)
	} else {
		logger.Warn("no generation API configured, using the mock backend")
		gen = genclient.NewMockClient()
	}
	gen = genclient.WithRetry(gen, cfg.SubmitRetries, cfg.PollRetries)

	hub := events.NewHub()
	eng := engine.NewService(st, ledger, gen, spool, hub, pricing.PerHalfMinute, logger, engine.Config{
		Workers:       cfg.Workers,
		PollInterval:  cfg.PollInterval,
		SubmitStagger: cfg.SubmitStagger,
	})
	if err := eng.Recover(); err != nil {
		logger.Error("recover unfinished batches failed", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: api.NewServer(authSvc, eng, ledger, spool, hub, logger).Router(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("server_start",
			"addr", cfg.Addr,
			"store_backend", cfg.StoreBackend,
			"max_concurrent_tasks", cfg.Workers,
			"poll_interval", cfg.PollInterval.String(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server exited with error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Error("engine shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
}
