package openai

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/llmrouter"
)

func TestFactoryCreateCarriesModelAndMaxTokens(t *testing.T) {
	client, err := Factory{}.Create(llmrouter.ModelProfile{Model: "gpt-4o-mini", MaxTokens: 512}, "key")
	require.NoError(t, err)

	c, ok := client.(*Client)
	require.True(t, ok)
	assert.Equal(t, "gpt-4o-mini", c.Model())
	assert.Equal(t, "openai", c.Provider())
	assert.Equal(t, int64(512), c.maxTokens)
}

func TestCountTokensApproximatesByCharacterLength(t *testing.T) {
	c := &Client{}
	assert.Equal(t, 3, c.CountTokens("twelve chars"))
}

func TestIsTransientErrorRecognizesRetryableCauses(t *testing.T) {
	c := &Client{}
	assert.False(t, c.IsTransientError(nil))
	assert.True(t, c.IsTransientError(errors.New("429 rate limited")))
	assert.True(t, c.IsTransientError(errors.New("503 service unavailable")))
	assert.True(t, c.IsTransientError(errors.New("context deadline exceeded")))
	assert.False(t, c.IsTransientError(errors.New("invalid request: missing model")))
}

func TestProviderRegisteredUnderOpenAIName(t *testing.T) {
	_, ok := llmrouter.GetProviderFactory("openai")
	assert.True(t, ok)
}
