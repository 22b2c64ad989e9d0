// Package gemini adapts google.golang.org/genai to llmrouter.ProviderClient,
// grounded on the teacher's pkg/llm/gemini client.go/factory.go. The teacher
// streams via Models.GenerateContentStream; this adapter calls the
// non-streaming Models.GenerateContent since the router's contract is
// request/response.
package gemini

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/llmrouter"
)

func init() {
	llmrouter.RegisterProvider("gemini", Factory{})
}

type Factory struct{}

func (Factory) Create(profile llmrouter.ModelProfile, apiKey string) (llmrouter.ProviderClient, error) {
	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &Client{client: client, model: profile.Model, maxTokens: int32(profile.MaxTokens)}, nil
}

type Client struct {
	client    *genai.Client
	model     string
	maxTokens int32
}

func (c *Client) Provider() string { return "gemini" }
func (c *Client) Model() string    { return c.model }

func (c *Client) Stage1(ctx context.Context, persona, memoryContext, userText string, temperature float64) (string, llmrouter.Usage, error) {
	sys := &genai.Content{Parts: []*genai.Part{{Text: persona}, {Text: memoryContext}}}
	contents := []*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: userText}}}}
	return c.generate(ctx, sys, contents, temperature)
}

func (c *Client) Stage2(ctx context.Context, stablePrefix, dynamicSuffix string, temperature float64) (string, llmrouter.Usage, error) {
	sys := &genai.Content{Parts: []*genai.Part{{Text: stablePrefix}}}
	contents := []*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: dynamicSuffix}}}}
	return c.generate(ctx, sys, contents, temperature)
}

func (c *Client) generate(ctx context.Context, sys *genai.Content, contents []*genai.Content, temperature float64) (string, llmrouter.Usage, error) {
	t32 := float32(temperature)
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: sys,
		Temperature:       &t32,
	}
	if c.maxTokens > 0 {
		cfg.MaxOutputTokens = c.maxTokens
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return "", llmrouter.Usage{}, fmt.Errorf("gemini generate content: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", llmrouter.Usage{}, fmt.Errorf("gemini returned no candidates")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if !part.Thought {
			text.WriteString(part.Text)
		}
	}

	usage := llmrouter.Usage{}
	if resp.UsageMetadata != nil {
		usage.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		usage.CachedPromptTokens = int(resp.UsageMetadata.CachedContentTokenCount)
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
		strings.Contains(msg, "429") || strings.Contains(msg, "resource exhausted") ||
		strings.Contains(msg, "500") || strings.Contains(msg, "internal error") ||
		strings.Contains(msg, "timeout") || strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "context deadline exceeded")
}
