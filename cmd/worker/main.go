// Command worker hosts the dispatch loop plus the periodic maintenance
// jobs: lease reclamation, breaker flushes, queue depth gauges, and the
// nightly cleanup task.
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mwwoodworth/aurea-orchestrator/internal/config"
	"github.com/mwwoodworth/aurea-orchestrator/internal/handlers"
	"github.com/mwwoodworth/aurea-orchestrator/internal/ledger"
	"github.com/mwwoodworth/aurea-orchestrator/internal/providers"
	"github.com/mwwoodworth/aurea-orchestrator/internal/queue"
	"github.com/mwwoodworth/aurea-orchestrator/internal/resilience"
	"github.com/mwwoodworth/aurea-orchestrator/internal/schema"
	"github.com/mwwoodworth/aurea-orchestrator/internal/telemetry"
	"github.com/mwwoodworth/aurea-orchestrator/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := telemetry.NewLogger(cfg.Env, "worker")
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

	promReg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(promReg)

	budget := resilience.NewBudgetGuard(store, rdb, cfg.Resilience.DailyBudgetUSD, log.Named("budget"))
	chainProviders := providers.FromEnv(cfg.Resilience.ProviderOrder)
	breakers := make(map[string]*resilience.Breaker, len(chainProviders))
	for _, p := range chainProviders {
		breakers[p.Name()] = resilience.NewBreaker(ctx, p.Name(), cfg.Resilience, store, log.Named("breaker"))
	}
	chain := resilience.NewFailover(chainProviders, breakers, budget, cfg.Resilience.EstimatedCostUSD, log.Named("failover"))

	reg, err := handlers.BuildRegistry(handlers.Deps{
		Log:         log.Named("handlers"),
		Chain:       chain,
		Maintenance: store,
		Enqueue: func(ctx context.Context, task *schema.Task) error {
			stored, created, err := store.CreateTask(ctx, task)
			if err != nil {
				return err
			}
			if !created {
				return nil
			}
			_, _, err = engine.Enqueue(ctx, stored)
			return err
		},
	})
	if err != nil {
		log.Fatal("registry setup failed", zap.Error(err))
	}

	locks := worker.NewRedisLocker(rdb, cfg.Worker.Consumer)
	w := worker.New(engine, store, locks, reg, cfg.Worker, cfg.Queue, log.Named("worker"), metrics)

	scheduler := cron.New()
	mustSchedule(scheduler, "* * * * *", func() {
		if _, err := engine.ReclaimExpired(ctx); err != nil {
			log.Warn("lease reclamation failed", zap.Error(err))
		}
	}, log)
	mustSchedule(scheduler, "@every 30s", func() {
		for _, b := range breakers {
			b.Flush(ctx)
		}
		if m, err := engine.Metrics(ctx); err == nil {
			metrics.QueueDepth.Set(float64(m.Depth))
			metrics.DLQDepth.Set(float64(m.DLQDepth))
		}
	}, log)
	mustSchedule(scheduler, "0 3 * * *", func() {
		task := schema.NewTask(schema.TypeMaintenance, map[string]any{"action": "daily_cleanup"})
		task.Priority = schema.PriorityLow
		task.IdempotencyKey = "maintenance:" + time.Now().UTC().Format("2006-01-02")
		stored, created, err := store.CreateTask(ctx, task)
		if err != nil || !created {
			return
		}
		if _, _, err := engine.Enqueue(ctx, stored); err != nil {
			log.Warn("maintenance enqueue failed", zap.Error(err))
		}
	}, log)
	scheduler.Start()
	defer scheduler.Stop()

	if err := w.Run(ctx); err != nil {
		log.Error("worker stopped with error", zap.Error(err))
	}
	for _, b := range breakers {
		b.Flush(context.Background())
	}
	stats := w.Stats()
	log.Info("worker exited",
		zap.Uint64("dispatched", stats.Dispatched),
		zap.Uint64("succeeded", stats.Succeeded),
		zap.Uint64("failed", stats.Failed),
		zap.Uint64("skipped", stats.Skipped))
}

func mustSchedule(c *cron.Cron, spec string, job func(), log *zap.Logger) {
	if _, err := c.AddFunc(spec, job); err != nil {
		log.Fatal("bad cron spec", zap.String("spec", spec), zap.Error(err))
	}
}
