// Package main is the kernel's HTTP API entry point.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/omniman/kernel/internal/cache"
	"github.com/omniman/kernel/internal/config"
	"github.com/omniman/kernel/internal/directives"
	"github.com/omniman/kernel/internal/engine"
	"github.com/omniman/kernel/internal/httpapi"
	"github.com/omniman/kernel/internal/logging"
	"github.com/omniman/kernel/internal/metrics"
	"github.com/omniman/kernel/internal/middleware"
	"github.com/omniman/kernel/internal/platform/database"
	"github.com/omniman/kernel/internal/refsvc"
	"github.com/omniman/kernel/internal/registry"
	"github.com/omniman/kernel/internal/store/cached"
	"github.com/omniman/kernel/internal/store/migrate"
	"github.com/omniman/kernel/internal/store/postgres"
)

const serviceVersion = "0.1.0"

func main() {
	config.LoadDotEnv(".env")
	cfg := config.Load()

	logging.InitDefault("omniman-api", cfg.LogLevel, cfg.LogFormat)
	log := logging.Default()
	logEntry := log.Entry()

	if err := migrate.Up(cfg.DatabaseURL); err != nil {
		logEntry.WithError(err).Fatal("apply database migrations")
	}

	ctx := context.Background()
	db, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logEntry.WithError(err).Fatal("connect to database")
	}
	defer db.Close()

	rawStore := postgres.New(db)
	readStore := cached.New(rawStore, cache.NewChannelCache(30*time.Second))

	reg := registry.New()
	eng := engine.New(rawStore, reg, log, cfg.AllowedDataKeys)
	registerExtensions(reg, eng, rawStore, logEntry)

	refs := refsvc.New(rawStore, newRefTypes())

	var wake *cache.RedisCache
	if cfg.RedisURL != "" {
		if rc, rerr := cache.NewRedisCache(cfg.RedisURL, 30*time.Second); rerr == nil {
			wake = rc
			defer wake.Close()
			eng.OnDirectiveEnqueued = func(topic string) {
				if perr := wake.PublishWake(ctx, topic); perr != nil {
					logEntry.WithError(perr).Debug("publish directive wake")
				}
			}
		} else {
			logEntry.WithError(rerr).Warn("redis unavailable; directive workers fall back to pure polling")
		}
	}

	mtr := metrics.Init("omniman")

	health := middleware.NewHealthChecker(serviceVersion)
	health.RegisterCheck("database", func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	})

	deps := httpapi.Deps{
		Store:         readStore,
		Engine:        eng,
		Refs:          refs,
		Metrics:       mtr,
		ModifyLimiter: middleware.NewRateLimiter("omniman_modify", cfg.ModifyRateLimitPerSec, cfg.ModifyRateLimitBurst, log),
		CommitLimiter: middleware.NewRateLimiter("omniman_commit", cfg.CommitRateLimitPerSec, cfg.CommitRateLimitBurst, log),
		Health:        health,
	}

	router := httpapi.NewRouter(deps)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", router)

	go runDirectiveWorker(ctx, rawStore, reg, log, cfg, wake)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadTimeout:       cfg.RequestTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		logEntry.WithField("addr", cfg.HTTPAddr).Info("omniman API starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logEntry.WithError(err).Fatal("http server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logEntry.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logEntry.WithError(err).Error("graceful shutdown failed")
	}
}

// runDirectiveWorker polls the directive queue in-process so a single
// binary deploy has working background processing out of the box;
// omnimanctl's process-directives command runs the same worker
// out-of-process for deployments that split API and worker fleets.
// With Redis available, the loop blocks on the wake signal between
// batches instead of sleeping out the full poll interval.
func runDirectiveWorker(ctx context.Context, st *postgres.Store, reg *registry.Registry, log *logging.Logger, cfg config.Config, wake *cache.RedisCache) {
	worker := directives.New(st, reg, log)
	if wake == nil {
		worker.Run(ctx, nil, cfg.WorkerBatchSize, cfg.WorkerPollInterval)
		return
	}
	for ctx.Err() == nil {
		if _, err := worker.ProcessBatch(ctx, nil, cfg.WorkerBatchSize); err != nil {
			log.WithError(err).Warn("directive batch completed with errors")
		}
		wake.WaitForWake(ctx, cfg.WorkerPollInterval)
	}
}
