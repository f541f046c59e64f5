package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/bookforge/bookforge/internal/provider"
)

// Claude generates book suggestions through the Anthropic SDK.
type Claude struct {
	apiKey string
	model  anthropic.Model
	client anthropic.Client
}

var (
	_ provider.Provider      = (*Claude)(nil)
	_ provider.BookGenerator = (*Claude)(nil)
)

// NewClaude creates the Anthropic generator adapter.
func NewClaude(apiKey, model string) *Claude {
	if model == "" {
		model = string(anthropic.ModelClaudeSonnet4_20250514)
	}
	return &Claude{
		apiKey: apiKey,
		model:  anthropic.Model(model),
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Name implements provider.Provider.
func (c *Claude) Name() string { return "claude" }

// Tier implements provider.Provider.
func (c *Claude) Tier() provider.Tier { return provider.TierAI }

// Capabilities implements provider.Provider.
func (c *Claude) Capabilities() []provider.Capability {
	return []provider.Capability{provider.CapBookGeneration}
}

// IsAvailable implements provider.Provider.
func (c *Claude) IsAvailable(context.Context) (bool, error) {
	return c.apiKey != "", nil
}

// GenerateBooks implements provider.BookGenerator.
func (c *Claude) GenerateBooks(ctx context.Context, prompt string, count int) ([]provider.GeneratedBook, error) {
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 2048,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildGenPrompt(prompt, count))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("doing generation: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		text.WriteString(block.Text)
	}
	return parseGeneratedBooks(text.String(), c.Name(), 65), nil
}
