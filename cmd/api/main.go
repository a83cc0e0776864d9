// Command api serves the orchestrator ingress: task submission, status,
// streaming, webhooks, health and metrics.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mwwoodworth/aurea-orchestrator/internal/api"
	"github.com/mwwoodworth/aurea-orchestrator/internal/config"
	"github.com/mwwoodworth/aurea-orchestrator/internal/ledger"
	"github.com/mwwoodworth/aurea-orchestrator/internal/queue"
	"github.com/mwwoodworth/aurea-orchestrator/internal/security"
	"github.com/mwwoodworth/aurea-orchestrator/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := telemetry.NewLogger(cfg.Env, "api")
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatal("bad redis url", zap.Error(err))
	}
	rdb := redis.NewClient(opts)
	defer func() { _ = rdb.Close() }()

	store, err := ledger.Open(ctx, cfg.DatabaseURL, log)
	if err != nil {
		log.Fatal("postgres unavailable", zap.Error(err))
	}
	defer func() { _ = store.Close() }()
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatal("schema setup failed", zap.Error(err))
	}

	engine := queue.New(rdb, cfg.Queue, log.Named("queue"))
	if err := engine.Initialize(ctx); err != nil {
		log.Fatal("queue setup failed", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)
	go pollQueueDepth(ctx, engine, metrics, log)

	keys := security.NewKeyManager(store, cfg.Security.KeySalt)
	server := api.New(store, engine, keys, cfg.Security, log.Named("http"), registry)

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0, // SSE streams stay open
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info("api listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown incomplete", zap.Error(err))
		os.Exit(1)
	}
}

// pollQueueDepth refreshes the depth gauges every 15s.
func pollQueueDepth(ctx context.Context, engine *queue.Engine, metrics *telemetry.Metrics, log *zap.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m, err := engine.Metrics(ctx)
			if err != nil {
				log.Debug("queue metrics poll failed", zap.Error(err))
				continue
			}
			metrics.QueueDepth.Set(float64(m.Depth))
			metrics.DLQDepth.Set(float64(m.DLQDepth))
		}
	}
}
