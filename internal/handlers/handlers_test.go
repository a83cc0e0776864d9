package handlers

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mwwoodworth/aurea-orchestrator/internal/resilience"
	"github.com/mwwoodworth/aurea-orchestrator/internal/schema"
)

type fakeMaintenanceStore struct {
	tasksPurged int64
	runsPurged  int64
	report      map[string]int64
}

func (f *fakeMaintenanceStore) PurgeTerminalTasks(context.Context, time.Time) (int64, error) {
	return f.tasksPurged, nil
}

func (f *fakeMaintenanceStore) PurgeOldRuns(context.Context, time.Time) (int64, error) {
	return f.runsPurged, nil
}

func (f *fakeMaintenanceStore) ActivityReport(context.Context, time.Time) (map[string]int64, error) {
	return f.report, nil
}

type fakeGit struct {
	url string
	err error
}

func (f *fakeGit) OpenPullRequest(_ context.Context, repo, branch, title, body string, files map[string]string) (string, error) {
	return f.url, f.err
}

func TestBuildRegistryCoversAllTypes(t *testing.T) {
	r, err := BuildRegistry(Deps{Log: zap.NewNop()})
	if err != nil {
		t.Fatalf("BuildRegistry: %v", err)
	}
	for _, typ := range schema.TaskTypes() {
		if _, err := r.Resolve(typ); err != nil {
			t.Fatalf("no handler for %s", typ)
		}
	}
}

func TestMaintenanceDailyCleanup(t *testing.T) {
	store := &fakeMaintenanceStore{tasksPurged: 12, runsPurged: 40}
	h := &maintenance{Deps{Log: zap.NewNop(), Maintenance: store}}

	res, err := h.Execute(context.Background(), "t1", map[string]any{
		"action": "daily_cleanup", "retention_days": 7,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res["tasks_purged"].(int64) != 12 || res["runs_purged"].(int64) != 40 {
		t.Fatalf("result = %v", res)
	}
}

func TestMaintenanceUnknownAction(t *testing.T) {
	h := &maintenance{Deps{Log: zap.NewNop(), Maintenance: &fakeMaintenanceStore{}}}
	_, err := h.Execute(context.Background(), "t1", map[string]any{"action": "defrag"})
	if err == nil || !resilience.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
}

func TestCodePRHandler(t *testing.T) {
	h := &codePR{Deps{Log: zap.NewNop(), Git: &fakeGit{url: "https://git/pr/1"}}}

	res, err := h.Execute(context.Background(), "t1", map[string]any{
		"repo": "acme/site", "branch": "fix", "title": "Fix",
		"files": []map[string]any{{"path": "a.go", "content": "x"}},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res["pr_url"] != "https://git/pr/1" {
		t.Fatalf("result = %v", res)
	}
}

func TestCodePRUnconfiguredIsPermanent(t *testing.T) {
	h := &codePR{Deps{Log: zap.NewNop()}}
	_, err := h.Execute(context.Background(), "t1", map[string]any{
		"repo": "r", "branch": "b", "title": "t",
		"files": []map[string]any{{"path": "a"}},
	})
	if !resilience.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
}

func TestWebhookRoutesMainPush(t *testing.T) {
	var spawned *schema.Task
	h := &webhookProcess{Deps{
		Log: zap.NewNop(),
		Enqueue: func(_ context.Context, task *schema.Task) error {
			spawned = task
			return nil
		},
	}}

	res, err := h.Execute(context.Background(), "t1", map[string]any{
		"source": "github", "event_type": "push", "external_id": "d1",
		"data": map[string]any{"ref": "refs/heads/main", "repository": "acme/site"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res["routed"] != true {
		t.Fatalf("result = %v", res)
	}
	if spawned == nil || spawned.Type != schema.TypeMRGDeploy {
		t.Fatalf("spawned = %+v", spawned)
	}
	if spawned.IdempotencyKey == "" {
		t.Fatal("follow-up deploy must be idempotent per delivery")
	}
}

func TestWebhookIgnoresFeatureBranchPush(t *testing.T) {
	h := &webhookProcess{Deps{
		Log: zap.NewNop(),
		Enqueue: func(context.Context, *schema.Task) error {
			t.Fatal("feature branch push must not route")
			return nil
		},
	}}
	res, err := h.Execute(context.Background(), "t1", map[string]any{
		"source": "github", "event_type": "push", "external_id": "d2",
		"data": map[string]any{"ref": "refs/heads/feature", "repository": "acme/site"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res["routed"] != false {
		t.Fatalf("result = %v", res)
	}
}

func TestWebhookUnknownSourcePermanent(t *testing.T) {
	h := &webhookProcess{Deps{Log: zap.NewNop()}}
	_, err := h.Execute(context.Background(), "t1", map[string]any{
		"source": "stripe", "event_type": "x", "external_id": "1",
	})
	if !resilience.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
}

func TestGenContentThroughChain(t *testing.T) {
	provider := providerFunc(func(context.Context, resilience.GenRequest) (*resilience.GenResult, error) {
		return &resilience.GenResult{Text: "hello", Model: "m1", CostUSD: 0.05}, nil
	})
	chain := testChain(t, provider)
	h := &genContent{Deps{Log: zap.NewNop(), Chain: chain}}

	res, err := h.Execute(context.Background(), "t1", map[string]any{
		"prompt": "say hello", "content_type": "summary",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res["text"] != "hello" || res["provider"] != "p1" {
		t.Fatalf("result = %v", res)
	}
}

func TestGenContentChainFailure(t *testing.T) {
	provider := providerFunc(func(context.Context, resilience.GenRequest) (*resilience.GenResult, error) {
		return nil, fmt.Errorf("unavailable")
	})
	h := &genContent{Deps{Log: zap.NewNop(), Chain: testChain(t, provider)}}

	_, err := h.Execute(context.Background(), "t1", map[string]any{
		"prompt": "x", "content_type": "blog",
	})
	if !errors.Is(err, resilience.ErrAllProvidersFailed) {
		t.Fatalf("err = %v", err)
	}
}

type providerFunc func(ctx context.Context, req resilience.GenRequest) (*resilience.GenResult, error)

func (providerFunc) Name() string { return "p1" }

func (f providerFunc) Generate(ctx context.Context, req resilience.GenRequest) (*resilience.GenResult, error) {
	return f(ctx, req)
}

type memorySpend struct{ total map[string]float64 }

func (m *memorySpend) AddBudgetUsage(_ context.Context, provider string, _ time.Time, cost float64, _ int64, _ float64) (float64, error) {
	m.total[provider] += cost
	return m.total[provider], nil
}

func (m *memorySpend) BudgetSpend(_ context.Context, provider string, _ time.Time) (float64, error) {
	return m.total[provider], nil
}

func testChain(t *testing.T, p resilience.Provider) *resilience.Failover {
	t.Helper()
	budget := resilience.NewBudgetGuard(&memorySpend{total: map[string]float64{}}, nil, nil, zap.NewNop())
	return resilience.NewFailover([]resilience.Provider{p}, nil, budget, nil, zap.NewNop())
}
