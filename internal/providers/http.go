// Package providers holds the model-backend clients used by the
// gen_content failover chain. Each backend sits behind an internal gateway
// speaking one JSON contract, so a single HTTP client covers all of them.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mwwoodworth/aurea-orchestrator/internal/resilience"
)

// HTTPProvider calls one gateway endpoint.
type HTTPProvider struct {
	name   string
	url    string
	token  string
	client *http.Client
}

// NewHTTPProvider builds a provider client.
func NewHTTPProvider(name, url, token string) *HTTPProvider {
	return &HTTPProvider{
		name:  name,
		url:   url,
		token: token,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

func (p *HTTPProvider) Name() string { return p.name }

type generateRequest struct {
	Prompt      string `json:"prompt"`
	ContentType string `json:"content_type"`
	MaxTokens   int    `json:"max_tokens,omitempty"`
}

type generateResponse struct {
	Text       string  `json:"text"`
	Model      string  `json:"model"`
	CostUSD    float64 `json:"cost_usd"`
	TokensUsed int64   `json:"tokens_used"`
}

// Generate posts the request and decodes the gateway's answer. 4xx answers
// are permanent: retrying the same prompt cannot fix them.
func (p *HTTPProvider) Generate(ctx context.Context, req resilience.GenRequest) (*resilience.GenResult, error) {
	body, err := json.Marshal(generateRequest{
		Prompt:      req.Prompt,
		ContentType: req.ContentType,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s call: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("%s returned %d: %s", p.name, resp.StatusCode, detail)
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, resilience.Permanent(err)
		}
		return nil, err
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s response decode: %w", p.name, err)
	}
	return &resilience.GenResult{
		Text:       out.Text,
		Model:      out.Model,
		CostUSD:    out.CostUSD,
		TokensUsed: out.TokensUsed,
	}, nil
}

// FromEnv builds the provider chain in the configured order from
// AUREA_PROVIDER_<NAME>_URL and AUREA_PROVIDER_<NAME>_TOKEN. Providers
// without a URL are skipped.
func FromEnv(order []string) []resilience.Provider {
	out := make([]resilience.Provider, 0, len(order))
	for _, name := range order {
		prefix := "AUREA_PROVIDER_" + strings.ToUpper(name)
		url := os.Getenv(prefix + "_URL")
		if url == "" {
			continue
		}
		out = append(out, NewHTTPProvider(name, url, os.Getenv(prefix+"_TOKEN")))
	}
	return out
}
