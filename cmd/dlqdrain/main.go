// Command dlqdrain moves dead-lettered tasks back onto the main stream.
//
// Usage:
//
//	dlqdrain [-max N] [-keep-priority] [-dry-run]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mwwoodworth/aurea-orchestrator/internal/config"
	"github.com/mwwoodworth/aurea-orchestrator/internal/queue"
	"github.com/mwwoodworth/aurea-orchestrator/internal/telemetry"
)

func main() {
	max := flag.Int("max", 100, "maximum messages to drain")
	keepPriority := flag.Bool("keep-priority", false, "keep original priority instead of demoting")
	dryRun := flag.Bool("dry-run", false, "count without moving")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fail("config: %v", err)
	}
	log, err := telemetry.NewLogger(cfg.Env, "dlqdrain")
	if err != nil {
		fail("logger: %v", err)
	}
	defer func() { _ = log.Sync() }()

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		fail("redis url: %v", err)
	}
	rdb := redis.NewClient(opts)
	defer func() { _ = rdb.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	engine := queue.New(rdb, cfg.Queue, log)
	moved, err := engine.DrainDLQ(ctx, queue.DrainOptions{
		Max:          *max,
		KeepPriority: *keepPriority,
		DryRun:       *dryRun,
	})
	if err != nil {
		log.Error("drain failed", zap.Int("moved", moved), zap.Error(err))
		os.Exit(1)
	}
	if *dryRun {
		fmt.Printf("would drain %d message(s)\n", moved)
		return
	}
	fmt.Printf("drained %d message(s)\n", moved)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
