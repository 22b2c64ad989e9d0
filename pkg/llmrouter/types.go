// Package llmrouter implements the LLM Router & Cache-Shaped Prompter (C6,
// §4.6). Where the teacher's pkg/llm builds a duck-typed streaming chat
// client per provider, §9 calls instead for "a polymorphic LLM Provider
// capability {stage1(prompt)→(text,usage); stage2(prefix,suffix)→(text,
// usage); count_tokens(text)→int}" — a plain request/response contract,
// not a streaming one. This package keeps the teacher's factory-registry
// and FallbackClient shape but narrows the client interface to that
// contract.
package llmrouter

import (
	"context"
)

// Role is which of the two pipeline stages a profile serves.
type Role string

const (
	RoleStage1 Role = "stage1"
	RoleStage2 Role = "stage2"
)

// Usage mirrors the teacher's LLMUsage, generalized with cached-token
// accounting for cache-shaped prompting.
type Usage struct {
	PromptTokens       int
	CompletionTokens   int
	CachedPromptTokens int
	LatencyMS          int64
}

// ProviderClient is the capability every provider adapter implements.
type ProviderClient interface {
	// Stage1 produces a single-string creative draft from a persona system
	// prompt, memory context, and the user's coalesced text.
	Stage1(ctx context.Context, persona, memoryContext, userText string, temperature float64) (string, Usage, error)

	// Stage2 produces the final bubble-segmented reply from the stable
	// prefix and a compact dynamic suffix.
	Stage2(ctx context.Context, stablePrefix, dynamicSuffix string, temperature float64) (string, Usage, error)

	// CountTokens estimates the token count of text for providers that
	// don't report an exact prompt token count up front.
	CountTokens(text string) int

	// IsTransientError classifies a provider error, generalizing the
	// teacher's LLMClient.IsTransientError.
	IsTransientError(err error) bool

	// Provider and Model identify this client for quota and cost records.
	Provider() string
	Model() string
}

// ModelProfile is a named bundle loaded from configuration (§4.6).
type ModelProfile struct {
	Name          string
	Role          Role
	Provider      string
	Model         string
	Temperature   float64
	MaxTokens     int
	PriceIn       float64 // USD per token
	PriceOut      float64
	PriceCachedIn float64
}

// ProviderFactory builds a ProviderClient from a profile, generalizing the
// teacher's registry.ProviderFactory (which built chat clients) to this
// package's request/response clients.
type ProviderFactory interface {
	Create(profile ModelProfile, apiKey string) (ProviderClient, error)
}

var providerRegistry = map[string]ProviderFactory{}

// RegisterProvider is called from each provider package's init(), exactly
// as the teacher's pkg/llm/registry.go does it.
func RegisterProvider(name string, f ProviderFactory) {
	providerRegistry[name] = f
}

// GetProviderFactory looks up a registered factory by name.
func GetProviderFactory(name string) (ProviderFactory, bool) {
	f, ok := providerRegistry[name]
	return f, ok
}
