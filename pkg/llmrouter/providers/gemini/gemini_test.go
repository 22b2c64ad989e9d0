package gemini

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/llmrouter"
)

func TestProviderAndModel(t *testing.T) {
	c := &Client{model: "gemini-2.5-flash"}
	assert.Equal(t, "gemini", c.Provider())
	assert.Equal(t, "gemini-2.5-flash", c.Model())
}

func TestCountTokensApproximatesByCharacterLength(t *testing.T) {
	c := &Client{}
	assert.Equal(t, 0, c.CountTokens(""))
	assert.Equal(t, 3, c.CountTokens("twelve chars"))
}

func TestIsTransientErrorRecognizesRetryableCauses(t *testing.T) {
	c := &Client{}
	assert.False(t, c.IsTransientError(nil))
	assert.True(t, c.IsTransientError(errors.New("resource exhausted")))
	assert.True(t, c.IsTransientError(errors.New("500 internal error")))
	assert.False(t, c.IsTransientError(errors.New("invalid api key")))
}

func TestProviderRegisteredUnderGeminiName(t *testing.T) {
	_, ok := llmrouter.GetProviderFactory("gemini")
	assert.True(t, ok)
}
