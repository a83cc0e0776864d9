// Package handlers holds the executable bodies for each task type. Handlers
// stay thin: they decode their typed payload, call collaborators, and
// return a structured result for the run record.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mwwoodworth/aurea-orchestrator/internal/registry"
	"github.com/mwwoodworth/aurea-orchestrator/internal/resilience"
	"github.com/mwwoodworth/aurea-orchestrator/internal/schema"
)

// GitClient opens pull requests in the code host.
type GitClient interface {
	OpenPullRequest(ctx context.Context, repo, branch, title, body string, files map[string]string) (url string, err error)
}

// CRMClient syncs records from the CenterPoint CRM.
type CRMClient interface {
	Sync(ctx context.Context, entity string, since time.Time, full bool) (records int, err error)
}

// DeployClient triggers site deployments.
type DeployClient interface {
	Deploy(ctx context.Context, site, environment, ref string) (deployID string, err error)
}

// ActionRunner executes named internal automation actions.
type ActionRunner interface {
	Run(ctx context.Context, action string, params map[string]any) (map[string]any, error)
}

// Deps are the collaborators handlers share. Nil clients make the matching
// handler fail permanently, so misconfigured deployments surface in the DLQ
// instead of retry loops.
type Deps struct {
	Log         *zap.Logger
	Chain       *resilience.Failover
	Git         GitClient
	CRM         CRMClient
	Deployer    DeployClient
	Actions     ActionRunner
	Maintenance MaintenanceStore
	Enqueue     EnqueueFunc
}

// EnqueueFunc lets handlers spawn follow-up tasks.
type EnqueueFunc func(ctx context.Context, task *schema.Task) error

// BuildRegistry wires every task type to its handler.
func BuildRegistry(d Deps) (*registry.Registry, error) {
	r := registry.New()
	bindings := map[schema.TaskType]registry.Handler{
		schema.TypeGenContent:      &genContent{d},
		schema.TypeCodePR:          &codePR{d},
		schema.TypeCenterPointSync: &centerPointSync{d},
		schema.TypeMRGDeploy:       &mrgDeploy{d},
		schema.TypeAureaAction:     &aureaAction{d},
		schema.TypeWebhookProcess:  &webhookProcess{d},
		schema.TypeMaintenance:     &maintenance{d},
	}
	for t, h := range bindings {
		if err := r.Register(t, h); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func decode[T any](payload map[string]any) (*T, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("payload not serializable: %w", err))
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, resilience.Permanent(fmt.Errorf("payload decode: %w", err))
	}
	return &out, nil
}

type genContent struct{ d Deps }

func (h *genContent) Execute(ctx context.Context, taskID string, payload map[string]any) (registry.Result, error) {
	p, err := decode[schema.GenContentPayload](payload)
	if err != nil {
		return nil, err
	}
	if h.d.Chain == nil {
		return nil, resilience.Permanent(fmt.Errorf("no provider chain configured"))
	}
	res, err := h.d.Chain.Execute(ctx, resilience.GenRequest{
		Prompt:      p.Prompt,
		ContentType: p.ContentType,
		MaxTokens:   p.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	return registry.Result{
		"text":        res.Text,
		"model":       res.Model,
		"provider":    res.Provider,
		"cost_usd":    res.CostUSD,
		"tokens_used": res.TokensUsed,
	}, nil
}

type codePR struct{ d Deps }

func (h *codePR) Execute(ctx context.Context, taskID string, payload map[string]any) (registry.Result, error) {
	p, err := decode[schema.CodePRPayload](payload)
	if err != nil {
		return nil, err
	}
	if h.d.Git == nil {
		return nil, resilience.Permanent(fmt.Errorf("git client not configured"))
	}
	files := make(map[string]string, len(p.Files))
	for _, f := range p.Files {
		files[f.Path] = f.Content
	}
	url, err := h.d.Git.OpenPullRequest(ctx, p.Repo, p.Branch, p.Title, p.Body, files)
	if err != nil {
		return nil, fmt.Errorf("open pull request: %w", err)
	}
	return registry.Result{"pr_url": url, "repo": p.Repo, "files": len(files)}, nil
}

type centerPointSync struct{ d Deps }

func (h *centerPointSync) Execute(ctx context.Context, taskID string, payload map[string]any) (registry.Result, error) {
	p, err := decode[schema.CenterPointSyncPayload](payload)
	if err != nil {
		return nil, err
	}
	if h.d.CRM == nil {
		return nil, resilience.Permanent(fmt.Errorf("crm client not configured"))
	}
	var since time.Time
	if p.Since != "" {
		since, err = time.Parse(time.RFC3339, p.Since)
		if err != nil {
			return nil, resilience.Permanent(fmt.Errorf("bad since timestamp: %w", err))
		}
	}
	n, err := h.d.CRM.Sync(ctx, p.Entity, since, p.Full)
	if err != nil {
		return nil, fmt.Errorf("centerpoint sync: %w", err)
	}
	return registry.Result{"entity": p.Entity, "records": n, "full": p.Full}, nil
}

type mrgDeploy struct{ d Deps }

func (h *mrgDeploy) Execute(ctx context.Context, taskID string, payload map[string]any) (registry.Result, error) {
	p, err := decode[schema.MRGDeployPayload](payload)
	if err != nil {
		return nil, err
	}
	if h.d.Deployer == nil {
		return nil, resilience.Permanent(fmt.Errorf("deploy client not configured"))
	}
	id, err := h.d.Deployer.Deploy(ctx, p.Site, p.Environment, p.Ref)
	if err != nil {
		return nil, fmt.Errorf("deploy %s/%s: %w", p.Site, p.Environment, err)
	}
	return registry.Result{"deploy_id": id, "site": p.Site, "environment": p.Environment}, nil
}

type aureaAction struct{ d Deps }

func (h *aureaAction) Execute(ctx context.Context, taskID string, payload map[string]any) (registry.Result, error) {
	p, err := decode[schema.AureaActionPayload](payload)
	if err != nil {
		return nil, err
	}
	if h.d.Actions == nil {
		return nil, resilience.Permanent(fmt.Errorf("action runner not configured"))
	}
	out, err := h.d.Actions.Run(ctx, p.Action, p.Params)
	if err != nil {
		return nil, fmt.Errorf("action %s: %w", p.Action, err)
	}
	return registry.Result{"action": p.Action, "output": out}, nil
}
