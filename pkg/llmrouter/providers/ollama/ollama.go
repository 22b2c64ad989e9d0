// Package ollama adapts github.com/ollama/ollama's API client to
// llmrouter.ProviderClient, grounded on the teacher's pkg/llm/ollama
// client.go. The teacher streams; §9's Provider capability is
// request/response, so this adapter runs with Stream=false and returns
// the single accumulated api.ChatResponse.
package ollama

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/llmrouter"
)

func init() {
	llmrouter.RegisterProvider("ollama", Factory{})
}

// Factory builds ollama clients, one per profile.
type Factory struct{}

func (Factory) Create(profile llmrouter.ModelProfile, _ string) (llmrouter.ProviderClient, error) {
	// Ollama is self-hosted; baseURL travels via the profile's Model field
	// convention "model@http://host:port" when not using the default local
	// daemon, matching how the teacher's registry resolves per-profile
	// BaseURL from ProviderGroupConfig.
	baseURL, model := splitModelURL(profile.Model)

	var client *api.Client
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid ollama base url: %w", err)
		}
		client = api.NewClient(u, httpClient())
	} else {
		var err error
		client, err = api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("resolving ollama client from environment: %w", err)
		}
	}

	return &Client{client: client, model: model}, nil
}

func splitModelURL(s string) (baseURL, model string) {
	for i := 0; i < len(s); i++ {
		if s[i] == '@' {
			return s[i+1:], s[:i]
		}
	}
	return "", s
}

func httpClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// Client implements llmrouter.ProviderClient over a local/remote Ollama
// daemon.
type Client struct {
	client *api.Client
	model  string
}

func (c *Client) Provider() string { return "ollama" }
func (c *Client) Model() string    { return c.model }

func (c *Client) Stage1(ctx context.Context, persona, memoryContext, userText string, temperature float64) (string, llmrouter.Usage, error) {
	return c.chat(ctx, []api.Message{
		{Role: "system", Content: persona},
		{Role: "system", Content: memoryContext},
		{Role: "user", Content: userText},
	}, temperature)
}

func (c *Client) Stage2(ctx context.Context, stablePrefix, dynamicSuffix string, temperature float64) (string, llmrouter.Usage, error) {
	return c.chat(ctx, []api.Message{
		{Role: "system", Content: stablePrefix},
		{Role: "user", Content: dynamicSuffix},
	}, temperature)
}

func (c *Client) chat(ctx context.Context, messages []api.Message, temperature float64) (string, llmrouter.Usage, error) {
	stream := false
	req := &api.ChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   &stream,
		Options:  map[string]any{"temperature": temperature},
	}

	var text string
	var usage llmrouter.Usage
	err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		text += resp.Message.Content
		if resp.Done {
			usage = llmrouter.Usage{
				PromptTokens:     resp.PromptEvalCount,
				CompletionTokens: resp.EvalCount,
			}
		}
		return nil
	})
	if err != nil {
		return "", llmrouter.Usage{}, fmt.Errorf("ollama chat: %w", err)
	}
	return text, usage, nil
}

// CountTokens approximates token count at ~4 characters per token, the
// conventional estimate when a provider doesn't report exact counts
// up front.
func (c *Client) CountTokens(text string) int {
	return (len(text) + 3) / 4
}

func (c *Client) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	return err != context.Canceled && err != context.DeadlineExceeded
}
