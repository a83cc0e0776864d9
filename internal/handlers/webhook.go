package handlers

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mwwoodworth/aurea-orchestrator/internal/registry"
	"github.com/mwwoodworth/aurea-orchestrator/internal/resilience"
	"github.com/mwwoodworth/aurea-orchestrator/internal/schema"
)

type webhookProcess struct{ d Deps }

// Execute routes an accepted webhook event. Known (source, event) pairs may
// spawn follow-up tasks; everything else is acknowledged and recorded.
func (h *webhookProcess) Execute(ctx context.Context, taskID string, payload map[string]any) (registry.Result, error) {
	p, err := decode[schema.WebhookProcessPayload](payload)
	if err != nil {
		return nil, err
	}
	log := h.d.Log.With(
		zap.String("task_id", taskID),
		zap.String("source", p.Source),
		zap.String("event_type", p.EventType))

	result := registry.Result{
		"source":      p.Source,
		"event_type":  p.EventType,
		"external_id": p.ExternalID,
		"routed":      false,
	}

	switch p.Source {
	case "github":
		if followUp := h.githubFollowUp(p); followUp != nil {
			if err := h.spawn(ctx, followUp, result); err != nil {
				return nil, err
			}
			log.Info("webhook routed", zap.String("follow_up", string(followUp.Type)))
		}
	case "clickup", "make":
		log.Info("webhook recorded")
	default:
		return nil, resilience.Permanent(fmt.Errorf("unroutable webhook source %q", p.Source))
	}
	return result, nil
}

// githubFollowUp maps deploy-worthy GitHub events to tasks.
func (h *webhookProcess) githubFollowUp(p *schema.WebhookProcessPayload) *schema.Task {
	if p.EventType != "push" {
		return nil
	}
	ref, _ := p.Data["ref"].(string)
	repo, _ := p.Data["repository"].(string)
	if ref != "refs/heads/main" || repo == "" {
		return nil
	}
	task := schema.NewTask(schema.TypeMRGDeploy, map[string]any{
		"site":        repo,
		"environment": "staging",
		"ref":         ref,
	})
	task.IdempotencyKey = fmt.Sprintf("deploy:%s:%s", repo, p.ExternalID)
	return task
}

func (h *webhookProcess) spawn(ctx context.Context, task *schema.Task, result registry.Result) error {
	if h.d.Enqueue == nil {
		return nil
	}
	if err := h.d.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("spawn follow-up: %w", err)
	}
	result["routed"] = true
	result["follow_up_task_id"] = task.ID.String()
	result["follow_up_type"] = string(task.Type)
	return nil
}
