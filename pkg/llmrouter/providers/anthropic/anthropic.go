// Package anthropic adapts github.com/anthropics/anthropic-sdk-go to
// llmrouter.ProviderClient, grounded on the example pack's
// intelligencedev-manifold internal/llm/anthropic client.go. This is the
// primary cache-shaped stage-2 provider: the stable prefix is sent as a
// system block with an ephemeral CacheControl, so repeated stage-2 calls
// hit Anthropic's prompt cache instead of re-billing the full prefix.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/llmrouter"
)

const defaultMaxTokens int64 = 1024

func init() {
	llmrouter.RegisterProvider("anthropic", Factory{})
}

type Factory struct{}

func (Factory) Create(profile llmrouter.ModelProfile, apiKey string) (llmrouter.ProviderClient, error) {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	maxTokens := int64(profile.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{sdk: anthropic.NewClient(opts...), model: profile.Model, maxTokens: maxTokens}, nil
}

type Client struct {
	sdk       anthropic.Client
	model     string
	maxTokens int64
}

func (c *Client) Provider() string { return "anthropic" }
func (c *Client) Model() string    { return c.model }

// Stage1 sends persona and memory context as plain, uncached system blocks
// since stage1's prompt changes every turn and gains nothing from caching.
func (c *Client) Stage1(ctx context.Context, persona, memoryContext, userText string, temperature float64) (string, llmrouter.Usage, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: persona},
			{Text: memoryContext},
		},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(userText))},
		Temperature: anthropic.Float(temperature),
	}
	return c.send(ctx, params)
}

// Stage2 marks the stable prefix with an ephemeral CacheControl block so
// Anthropic caches it across requests; only the dynamic suffix varies.
func (c *Client) Stage2(ctx context.Context, stablePrefix, dynamicSuffix string, temperature float64) (string, llmrouter.Usage, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: stablePrefix, CacheControl: anthropic.CacheControlEphemeralParam{TTL: anthropic.CacheControlEphemeralTTLTTL5m}},
		},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(dynamicSuffix))},
		Temperature: anthropic.Float(temperature),
	}
	return c.send(ctx, params)
}

func (c *Client) send(ctx context.Context, params anthropic.MessageNewParams) (string, llmrouter.Usage, error) {
	resp, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return "", llmrouter.Usage{}, fmt.Errorf("anthropic messages.new: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(tb.Text)
		}
	}

	usage := llmrouter.Usage{
		PromptTokens:       int(resp.Usage.InputTokens + resp.Usage.CacheCreationInputTokens + resp.Usage.CacheReadInputTokens),
		CompletionTokens:   int(resp.Usage.OutputTokens),
		CachedPromptTokens: int(resp.Usage.CacheReadInputTokens),
	}
	return text.String(), usage, nil
}

func (c *Client) CountTokens(text string) int {
	return (len(text) + 3) / 4
}

func (c *Client) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "503") || strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "500") || strings.Contains(msg, "internal server error") ||
		strings.Contains(msg, "timeout") || strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "context deadline exceeded")
}
