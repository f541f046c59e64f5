package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/bookforge/bookforge/internal/provider"
)

// XAI generates book suggestions via the Grok chat-completions API.
type XAI struct {
	host   string
	apiKey string
	model  string
	client *http.Client
}

var (
	_ provider.Provider      = (*XAI)(nil)
	_ provider.BookGenerator = (*XAI)(nil)
)

// NewXAI creates the Grok generator adapter.
func NewXAI(host, apiKey, model string) *XAI {
	if model == "" {
		model = "grok-2-latest"
	}
	client, _ := newClient(clientConfig{
		host:    host,
		header:  [2]string{"Authorization", "Bearer " + apiKey},
		timeout: _aiTimeout,
	})
	return &XAI{host: host, apiKey: apiKey, model: model, client: client}
}

// Name implements provider.Provider.
func (x *XAI) Name() string { return "xai" }

// Tier implements provider.Provider.
func (x *XAI) Tier() provider.Tier { return provider.TierAI }

// Capabilities implements provider.Provider.
func (x *XAI) Capabilities() []provider.Capability {
	return []provider.Capability{provider.CapBookGeneration}
}

// IsAvailable implements provider.Provider.
func (x *XAI) IsAvailable(context.Context) (bool, error) {
	return x.apiKey != "", nil
}

// GenerateBooks implements provider.BookGenerator.
func (x *XAI) GenerateBooks(ctx context.Context, prompt string, count int) ([]provider.GeneratedBook, error) {
	body, err := json.Marshal(map[string]any{
		"model": x.model,
		"messages": []map[string]string{
			{"role": "user", "content": buildGenPrompt(prompt, count)},
		},
		"temperature": 0.2,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := x.client.Do(req)
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
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("parsing generation response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, nil
	}

	return parseGeneratedBooks(out.Choices[0].Message.Content, x.Name(), 60), nil
}
