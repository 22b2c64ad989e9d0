package anthropic

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/llmrouter"
)

func TestFactoryCreateAppliesDefaultMaxTokens(t *testing.T) {
	client, err := Factory{}.Create(llmrouter.ModelProfile{Model: "claude-sonnet", MaxTokens: 0}, "key")
	require.NoError(t, err)

	c, ok := client.(*Client)
	require.True(t, ok)
	assert.Equal(t, int64(defaultMaxTokens), c.maxTokens)
	assert.Equal(t, "claude-sonnet", c.Model())
	assert.Equal(t, "anthropic", c.Provider())
}

func TestFactoryCreateHonorsExplicitMaxTokens(t *testing.T) {
	client, err := Factory{}.Create(llmrouter.ModelProfile{Model: "claude-sonnet", MaxTokens: 2048}, "key")
	require.NoError(t, err)
	c := client.(*Client)
	assert.Equal(t, int64(2048), c.maxTokens)
}

func TestCountTokensApproximatesByCharacterLength(t *testing.T) {
	c := &Client{}
	assert.Equal(t, 0, c.CountTokens(""))
	assert.Equal(t, 1, c.CountTokens("hi"))
	assert.Equal(t, 3, c.CountTokens("twelve chars"))
}

func TestIsTransientErrorRecognizesRetryableCauses(t *testing.T) {
	c := &Client{}
	assert.False(t, c.IsTransientError(nil))
	assert.True(t, c.IsTransientError(errors.New("503 service unavailable")))
	assert.True(t, c.IsTransientError(errors.New("model overloaded")))
	assert.True(t, c.IsTransientError(errors.New("429 too many requests")))
	assert.True(t, c.IsTransientError(errors.New("context deadline exceeded")))
	assert.False(t, c.IsTransientError(errors.New("invalid api key")))
}

func TestProviderRegisteredUnderAnthropicName(t *testing.T) {
	_, ok := llmrouter.GetProviderFactory("anthropic")
	assert.True(t, ok)
}
