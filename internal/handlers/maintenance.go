package handlers

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mwwoodworth/aurea-orchestrator/internal/registry"
	"github.com/mwwoodworth/aurea-orchestrator/internal/resilience"
	"github.com/mwwoodworth/aurea-orchestrator/internal/schema"
)

const defaultRetentionDays = 30

// MaintenanceStore is the ledger surface the maintenance handler needs.
type MaintenanceStore interface {
	PurgeTerminalTasks(ctx context.Context, olderThan time.Time) (int64, error)
	PurgeOldRuns(ctx context.Context, olderThan time.Time) (int64, error)
	ActivityReport(ctx context.Context, since time.Time) (map[string]int64, error)
}

type maintenance struct{ d Deps }

func (h *maintenance) Execute(ctx context.Context, taskID string, payload map[string]any) (registry.Result, error) {
	p, err := decode[schema.MaintenancePayload](payload)
	if err != nil {
		return nil, err
	}
	if h.d.Maintenance == nil {
		return nil, resilience.Permanent(fmt.Errorf("maintenance store not configured"))
	}

	retention := p.RetentionDays
	if retention <= 0 {
		retention = defaultRetentionDays
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retention)

	switch p.Action {
	case "daily_cleanup":
		tasks, err := h.d.Maintenance.PurgeTerminalTasks(ctx, cutoff)
		if err != nil {
			return nil, fmt.Errorf("daily cleanup: %w", err)
		}
		runs, err := h.d.Maintenance.PurgeOldRuns(ctx, cutoff)
		if err != nil {
			return nil, fmt.Errorf("daily cleanup runs: %w", err)
		}
		h.d.Log.Info("daily cleanup complete",
			zap.Int64("tasks_purged", tasks),
			zap.Int64("runs_purged", runs),
			zap.Int("retention_days", retention))
		return registry.Result{
			"action":         p.Action,
			"tasks_purged":   tasks,
			"runs_purged":    runs,
			"retention_days": retention,
		}, nil

	case "purge_old_runs":
		runs, err := h.d.Maintenance.PurgeOldRuns(ctx, cutoff)
		if err != nil {
			return nil, fmt.Errorf("purge runs: %w", err)
		}
		return registry.Result{"action": p.Action, "runs_purged": runs}, nil

	case "generate_report":
		report, err := h.d.Maintenance.ActivityReport(ctx, cutoff)
		if err != nil {
			return nil, fmt.Errorf("activity report: %w", err)
		}
		counts := make(map[string]any, len(report))
		var total int64
		for k, v := range report {
			counts[k] = v
			total += v
		}
		return registry.Result{"action": p.Action, "since": cutoff.Format(time.RFC3339), "total": total, "counts": counts}, nil

	default:
		return nil, resilience.Permanent(fmt.Errorf("unknown maintenance action %q", p.Action))
	}
}
