package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/bookforge/bookforge/internal/provider"
)

// Gemini generates book suggestions via the Gemini REST API.
type Gemini struct {
	host   string
	apiKey string
	model  string
	client *http.Client
}

var (
	_ provider.Provider      = (*Gemini)(nil)
	_ provider.BookGenerator = (*Gemini)(nil)
)

// NewGemini creates the Gemini generator adapter.
func NewGemini(host, apiKey, model string) *Gemini {
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, _ := newClient(clientConfig{
		host:    host,
		timeout: _aiTimeout,
	})
	return &Gemini{host: host, apiKey: apiKey, model: model, client: client}
}

// Name implements provider.Provider.
func (g *Gemini) Name() string { return "gemini" }

// Tier implements provider.Provider.
func (g *Gemini) Tier() provider.Tier { return provider.TierAI }

// Capabilities implements provider.Provider.
func (g *Gemini) Capabilities() []provider.Capability {
	return []provider.Capability{provider.CapBookGeneration}
}

// IsAvailable requires only a configured key. AI-key quotas are enforced
// upstream and surface as 429s, which the orchestrator isolates.
func (g *Gemini) IsAvailable(context.Context) (bool, error) {
	return g.apiKey != "", nil
}

// GenerateBooks implements provider.BookGenerator.
func (g *Gemini) GenerateBooks(ctx context.Context, prompt string, count int) ([]provider.GeneratedBook, error) {
	body, err := json.Marshal(map[string]any{
		"contents": []map[string]any{{
			"parts": []map[string]string{{"text": buildGenPrompt(prompt, count)}},
		}},
	})
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/v1beta/models/%s:generateContent?key=%s", url.PathEscape(g.model), url.QueryEscape(g.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("doing generation: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		if rerr := returnedError(resp); rerr != nil {
			return nil, rerr
		}
		return nil, nil
	}

	var out struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("parsing generation response: %w", err)
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return nil, nil
	}

	return parseGeneratedBooks(out.Candidates[0].Content.Parts[0].Text, g.Name(), 60), nil
}
