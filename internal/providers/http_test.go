package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mwwoodworth/aurea-orchestrator/internal/resilience"
)

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("auth header = %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"hi","model":"m","cost_usd":0.01,"tokens_used":42}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider("anthropic", srv.URL, "tok")
	res, err := p.Generate(context.Background(), resilience.GenRequest{Prompt: "x", ContentType: "summary"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "hi" || res.CostUSD != 0.01 || res.TokensUsed != 42 {
		t.Fatalf("res = %+v", res)
	}
}

func TestGenerateClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewHTTPProvider("openai", srv.URL, "")
	_, err := p.Generate(context.Background(), resilience.GenRequest{})
	if !resilience.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
}

func TestGenerateServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewHTTPProvider("openai", srv.URL, "")
	_, err := p.Generate(context.Background(), resilience.GenRequest{})
	if err == nil || resilience.IsPermanent(err) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestGenerateRateLimitIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewHTTPProvider("gemini", srv.URL, "")
	_, err := p.Generate(context.Background(), resilience.GenRequest{})
	if err == nil || resilience.IsPermanent(err) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("AUREA_PROVIDER_ANTHROPIC_URL", "http://gw/anthropic")
	t.Setenv("AUREA_PROVIDER_GEMINI_URL", "")

	chain := FromEnv([]string{"anthropic", "openai", "gemini"})
	if len(chain) != 1 || chain[0].Name() != "anthropic" {
		t.Fatalf("chain = %v", chain)
	}
}
