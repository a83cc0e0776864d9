package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Queue.Stream != "aurea:tasks" {
		t.Fatalf("stream = %q", cfg.Queue.Stream)
	}
	if cfg.Queue.LeaseTTL != 900*time.Second {
		t.Fatalf("lease ttl = %v", cfg.Queue.LeaseTTL)
	}
	if cfg.Queue.BackoffBase != 2*time.Second {
		t.Fatalf("backoff base = %v, want 2s", cfg.Queue.BackoffBase)
	}
	if cfg.Worker.MaxConcurrency != 8 {
		t.Fatalf("max concurrency = %d", cfg.Worker.MaxConcurrency)
	}
	if cfg.Resilience.ErrorThreshold != 0.1 {
		t.Fatalf("error threshold = %v", cfg.Resilience.ErrorThreshold)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aurea.yaml")
	body := "queue:\n  stream: file:tasks\n  max_retries: 5\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AUREA_CONFIG_FILE", path)
	t.Setenv("AUREA_STREAM", "env:tasks")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Queue.Stream != "env:tasks" {
		t.Fatalf("env should win over file, got %q", cfg.Queue.Stream)
	}
	if cfg.Queue.MaxRetries != 5 {
		t.Fatalf("file value dropped, max_retries = %d", cfg.Queue.MaxRetries)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("AUREA_MAX_CONCURRENCY", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for zero concurrency")
	}
}

func TestTypeDeadline(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if d := cfg.Worker.Deadline("gen_content"); d != 5*time.Minute {
		t.Fatalf("gen_content deadline = %v", d)
	}
	if d := cfg.Worker.Deadline("unknown_type"); d != cfg.Worker.DefaultDeadline {
		t.Fatalf("fallback deadline = %v", d)
	}
}
