// Package openai adapts github.com/openai/openai-go/v3 to
// llmrouter.ProviderClient, grounded on the teacher's pkg/llm/openailm
// client.go (same SDK, same option.WithAPIKey/WithBaseURL construction).
// The teacher streams chat completions; this adapter uses the
// non-streaming Chat.Completions.New call since §9's Provider capability
// is request/response.
package openai

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"

	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/llmrouter"
)

func init() {
	llmrouter.RegisterProvider("openai", Factory{})
}

type Factory struct{}

func (Factory) Create(profile llmrouter.ModelProfile, apiKey string) (llmrouter.ProviderClient, error) {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	client := openai.NewClient(opts...)
	return &Client{client: &client, model: profile.Model, maxTokens: int64(profile.MaxTokens)}, nil
}

type Client struct {
	client    *openai.Client
	model     string
	maxTokens int64
}

func (c *Client) Provider() string { return "openai" }
func (c *Client) Model() string    { return c.model }

func (c *Client) Stage1(ctx context.Context, persona, memoryContext, userText string, temperature float64) (string, llmrouter.Usage, error) {
	return c.complete(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(persona),
		openai.SystemMessage(memoryContext),
		openai.UserMessage(userText),
	}, temperature, c.maxTokens)
}

func (c *Client) Stage2(ctx context.Context, stablePrefix, dynamicSuffix string, temperature float64) (string, llmrouter.Usage, error) {
	return c.complete(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(stablePrefix),
		openai.UserMessage(dynamicSuffix),
	}, temperature, c.maxTokens)
}

func (c *Client) complete(ctx context.Context, msgs []openai.ChatCompletionMessageParamUnion, temperature float64, maxTokens int64) (string, llmrouter.Usage, error) {
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    msgs,
		Temperature: param.NewOpt(temperature),
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(maxTokens)
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", llmrouter.Usage{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", llmrouter.Usage{}, fmt.Errorf("openai returned no choices")
	}

	usage := llmrouter.Usage{
		PromptTokens:       int(resp.Usage.PromptTokens),
		CompletionTokens:   int(resp.Usage.CompletionTokens),
		CachedPromptTokens: int(resp.Usage.PromptTokensDetails.CachedTokens),
	}
	return resp.Choices[0].Message.Content, usage, nil
}

func (c *Client) CountTokens(text string) int {
	return (len(text) + 3) / 4
}

func (c *Client) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "503")
}
