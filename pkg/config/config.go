// Package config loads the environment-driven configuration described in
// spec §6.5, exposes a read-only SystemConfig for engine tuning, and holds
// the persona/identity data C14 is responsible for.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config is the business-level configuration: transport credentials, store
// URLs, the LLM profile selection, and persona identity. Mirrors the
// teacher's split between business config (config.Config) and engine
// tuning (config.SystemConfig), re-targeted at environment variables
// instead of config.json.
type Config struct {
	TransportAPIID    string
	TransportAPIHash  string
	TransportPhone    string
	TransportBotToken string

	StoreURL string
	KVURL    string

	LLMProfile   string
	LLMStage1Key string
	LLMStage2Key string

	PersonaPath string
	Timezone    string

	ReviewAPIBind  string
	ReviewAPIToken string
}

// DeepCopy creates a shallow copy of Config, matching the teacher's
// hot-reload contract in main.go (each reload gets its own snapshot).
func (c *Config) DeepCopy() *Config {
	newCfg := *c
	return &newCfg
}

// Validate ensures the mandatory fields required to start the process are
// present. Missing optional tuning is left to SystemConfig defaults.
func (c *Config) Validate() error {
	if c.TransportBotToken == "" {
		return fmt.Errorf("TRANSPORT_BOT_TOKEN is required")
	}
	if c.StoreURL == "" {
		return fmt.Errorf("STORE_URL is required")
	}
	if c.KVURL == "" {
		return fmt.Errorf("KV_URL is required")
	}
	if c.LLMProfile == "" {
		return fmt.Errorf("LLM_PROFILE is required")
	}
	if c.PersonaPath == "" {
		return fmt.Errorf("PERSONA_PATH is required")
	}
	if c.ReviewAPIToken == "" {
		return fmt.Errorf("REVIEW_API_TOKEN is required")
	}
	return nil
}

// SystemConfig holds the tunable engine parameters named throughout §4 and
// §6.5. All fields have safe defaults via DefaultSystemConfig.
type SystemConfig struct {
	// Memory (C4)
	MaxHistory       int
	RecentN          int
	MaxContextBytes  int
	MemoryTTLDays    int
	ProfileTTLDays   int
	AntiRepeatWindow int

	// Batching (C2)
	EnableBatching    bool
	WindowInitialMs   int
	WindowTypingExtMs int
	MinBatch          int
	MaxBatch          int
	MaxWaitSec        int

	// Recovery (C12)
	RecoveryIntervalMin        int
	RecoveryMaxAgeH            int
	RecoveryMaxPerUser         int
	RecoveryMaxConcurrentUsers int
	TransportRateLimitPerSec   int

	// Quarantine (C11)
	QuarantineTTLDays     int
	QuarantineCacheTTLSec int

	// Entity resolver (C13)
	EntityWarmupN     int
	EntityCacheMax    int
	EntityCacheTTLMin int

	// Worker pools (§5)
	NSupervisor int
	NDeliver    int

	// Priority weights (§4.7 step 8)
	PriorityWeightSafety     float64
	PriorityWeightBatchSize  float64
	PriorityWeightQuarantine float64

	// Timeouts (§5)
	LLMTimeoutSec          int
	TransportTimeoutSec    int
	StoreTimeoutSec        int
	HTTPRequestDeadlineSec int

	// Transport retry backoff (§4.1)
	RetryBaseMs int
	RetryFactor float64
	RetryCapSec int

	MaxRetries   int
	RetryDelayMs int

	LogLevel string
}

// DeepCopy creates a full copy of SystemConfig.
func (s *SystemConfig) DeepCopy() *SystemConfig {
	newSys := *s
	return &newSys
}

// DefaultSystemConfig returns the hardcoded safe defaults, overridden field
// by field from environment variables in Load.
func DefaultSystemConfig() *SystemConfig {
	return &SystemConfig{
		MaxHistory:       50,
		RecentN:          10,
		MaxContextBytes:  100 * 1024,
		MemoryTTLDays:    7,
		ProfileTTLDays:   30,
		AntiRepeatWindow: 20,

		EnableBatching:    true,
		WindowInitialMs:   1500,
		WindowTypingExtMs: 5000,
		MinBatch:          2,
		MaxBatch:          5,
		MaxWaitSec:        30,

		RecoveryIntervalMin:        30,
		RecoveryMaxAgeH:            24,
		RecoveryMaxPerUser:         50,
		RecoveryMaxConcurrentUsers: 4,
		TransportRateLimitPerSec:   30,

		QuarantineTTLDays:     7,
		QuarantineCacheTTLSec: 300,

		EntityWarmupN:     100,
		EntityCacheMax:    1000,
		EntityCacheTTLMin: 60,

		NSupervisor: 8,
		NDeliver:    4,

		PriorityWeightSafety:     0.5,
		PriorityWeightBatchSize:  0.3,
		PriorityWeightQuarantine: 0.2,

		LLMTimeoutSec:          30,
		TransportTimeoutSec:    10,
		StoreTimeoutSec:        5,
		HTTPRequestDeadlineSec: 15,

		RetryBaseMs: 1000,
		RetryFactor: 2.0,
		RetryCapSec: 30,

		MaxRetries:   2,
		RetryDelayMs: 500,

		LogLevel: "info",
	}
}

// Load reads a .env file (if present), strips inline comments from every
// value, coerces the recognized keys from §6.5 onto Config/SystemConfig,
// and validates the mandatory fields. A missing .env is not an error —
// real deployments may set the environment directly.
func Load() (*Config, *SystemConfig, error) {
	_ = godotenv.Load()

	cfg := &Config{
		TransportAPIID:    env("TRANSPORT_API_ID"),
		TransportAPIHash:  env("TRANSPORT_API_HASH"),
		TransportPhone:    env("TRANSPORT_PHONE"),
		TransportBotToken: env("TRANSPORT_BOT_TOKEN"),
		StoreURL:          env("STORE_URL"),
		KVURL:            env("KV_URL"),
		LLMProfile:       env("LLM_PROFILE"),
		LLMStage1Key:     env("LLM_STAGE1_KEY"),
		LLMStage2Key:     env("LLM_STAGE2_KEY"),
		PersonaPath:      env("PERSONA_PATH"),
		Timezone:         envDefault("TIMEZONE", "America/Monterrey"),
		ReviewAPIBind:    envDefault("REVIEW_API_BIND", ":8080"),
		ReviewAPIToken:   env("REVIEW_API_TOKEN"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	sys := DefaultSystemConfig()
	overrideInt(&sys.MaxHistory, "MAX_HISTORY")
	overrideInt(&sys.RecentN, "RECENT_N")
	overrideInt(&sys.MaxContextBytes, "MAX_CONTEXT_BYTES")
	overrideInt(&sys.MemoryTTLDays, "MEMORY_TTL")
	overrideBool(&sys.EnableBatching, "ENABLE_BATCHING")
	overrideMs(&sys.WindowInitialMs, "WINDOW_INITIAL")
	overrideMs(&sys.WindowTypingExtMs, "WINDOW_TYPING_EXT")
	overrideInt(&sys.MinBatch, "MIN_BATCH")
	overrideInt(&sys.MaxBatch, "MAX_BATCH")
	overrideSec(&sys.MaxWaitSec, "MAX_WAIT")
	overrideInt(&sys.RecoveryIntervalMin, "RECOVERY_INTERVAL")
	overrideInt(&sys.RecoveryMaxAgeH, "RECOVERY_MAX_AGE_H")
	overrideInt(&sys.RecoveryMaxPerUser, "RECOVERY_MAX_PER_USER")
	overrideInt(&sys.QuarantineTTLDays, "QUARANTINE_TTL")
	overrideString(&sys.LogLevel, "LOG_LEVEL")

	return cfg, sys, nil
}

// env reads an environment variable, stripping a trailing inline comment
// ("VALUE # note") the way shell-style .env files commonly carry them.
func env(key string) string {
	return stripInlineComment(os.Getenv(key))
}

func envDefault(key, def string) string {
	if v := env(key); v != "" {
		return v
	}
	return def
}

func stripInlineComment(v string) string {
	if idx := strings.Index(v, " #"); idx >= 0 {
		v = v[:idx]
	}
	return strings.TrimSpace(v)
}

func overrideString(dst *string, key string) {
	if v := env(key); v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, key string) {
	v := env(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}

func overrideBool(dst *bool, key string) {
	v := env(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return
	}
	*dst = b
}

// overrideMs parses a float-seconds value (e.g. "1.5") into milliseconds,
// matching the spec's "1.5s" style defaults for window parameters.
func overrideMs(dst *int, key string) {
	v := env(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return
	}
	*dst = int(f * 1000)
}

func overrideSec(dst *int, key string) {
	v := env(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return
	}
	*dst = int(f)
}

// readCommentStrippedLines is used by the persona loader to strip full-line
// "# comment" headers from persona text files while keeping blank-line
// paragraph breaks intact.
func readCommentStrippedLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, sc.Err()
}
