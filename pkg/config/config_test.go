package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		TransportBotToken: "bot-token",
		StoreURL:          "postgres://localhost/db",
		KVURL:             "redis://localhost:6379/0",
		LLMProfile:        "default",
		PersonaPath:       "/personas/nadia",
		ReviewAPIToken:    "review-token",
	}
}

func TestValidateRequiresMandatoryFields(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	missing := validConfig()
	missing.TransportBotToken = ""
	assert.ErrorContains(t, missing.Validate(), "TRANSPORT_BOT_TOKEN")

	missing = validConfig()
	missing.StoreURL = ""
	assert.ErrorContains(t, missing.Validate(), "STORE_URL")

	missing = validConfig()
	missing.KVURL = ""
	assert.ErrorContains(t, missing.Validate(), "KV_URL")

	missing = validConfig()
	missing.LLMProfile = ""
	assert.ErrorContains(t, missing.Validate(), "LLM_PROFILE")

	missing = validConfig()
	missing.PersonaPath = ""
	assert.ErrorContains(t, missing.Validate(), "PERSONA_PATH")

	missing = validConfig()
	missing.ReviewAPIToken = ""
	assert.ErrorContains(t, missing.Validate(), "REVIEW_API_TOKEN")
}

func TestConfigDeepCopyIsIndependent(t *testing.T) {
	c := validConfig()
	copied := c.DeepCopy()
	copied.TransportBotToken = "changed"
	assert.Equal(t, "bot-token", c.TransportBotToken)
	assert.Equal(t, "changed", copied.TransportBotToken)
}

func TestSystemConfigDeepCopyIsIndependent(t *testing.T) {
	s := DefaultSystemConfig()
	copied := s.DeepCopy()
	copied.MaxHistory = 999
	assert.Equal(t, 50, s.MaxHistory)
	assert.Equal(t, 999, copied.MaxHistory)
}

func TestStripInlineCommentTrimsTrailingNote(t *testing.T) {
	assert.Equal(t, "value", stripInlineComment("value # a note"))
	assert.Equal(t, "value", stripInlineComment("  value  "))
	assert.Equal(t, "", stripInlineComment(""))
}

func TestOverrideIntParsesValidValueOnly(t *testing.T) {
	dst := 10
	t.Setenv("TEST_OVERRIDE_INT", "42")
	overrideInt(&dst, "TEST_OVERRIDE_INT")
	assert.Equal(t, 42, dst)

	dst = 10
	t.Setenv("TEST_OVERRIDE_INT", "not-a-number")
	overrideInt(&dst, "TEST_OVERRIDE_INT")
	assert.Equal(t, 10, dst)

	dst = 10
	require.NoError(t, os.Unsetenv("TEST_OVERRIDE_INT"))
	overrideInt(&dst, "TEST_OVERRIDE_INT")
	assert.Equal(t, 10, dst)
}

func TestOverrideBoolParsesValidValueOnly(t *testing.T) {
	dst := true
	t.Setenv("TEST_OVERRIDE_BOOL", "false")
	overrideBool(&dst, "TEST_OVERRIDE_BOOL")
	assert.False(t, dst)
}

func TestOverrideMsConvertsFloatSecondsToMilliseconds(t *testing.T) {
	dst := 0
	t.Setenv("TEST_OVERRIDE_MS", "1.5")
	overrideMs(&dst, "TEST_OVERRIDE_MS")
	assert.Equal(t, 1500, dst)
}

func TestOverrideSecTruncatesToWholeSeconds(t *testing.T) {
	dst := 0
	t.Setenv("TEST_OVERRIDE_SEC", "30.9")
	overrideSec(&dst, "TEST_OVERRIDE_SEC")
	assert.Equal(t, 30, dst)
}
