package llmrouter

import (
	"log/slog"
	"sync"
)

const (
	cacheRatioWindow    = 50
	cacheRatioThreshold = 0.5
)

// CacheMonitor tracks the rolling cached-token ratio for stage-2 calls
// (§4.6's cache-shaping requirement: the stable prefix should yield ≥50%
// cached input tokens). When the ratio falls below threshold it calls
// onRebuild once and starts a fresh window, so the caller can re-serialize
// the stable prefix in canonical form.
type CacheMonitor struct {
	mu        sync.Mutex
	samples   []float64
	onRebuild func()
}

func NewCacheMonitor(onRebuild func()) *CacheMonitor {
	return &CacheMonitor{onRebuild: onRebuild}
}

// Observe records one stage-2 call's cache ratio and triggers a rebuild
// warning if the rolling average drops below threshold.
func (m *CacheMonitor) Observe(promptTokens, cachedPromptTokens int) {
	if promptTokens == 0 {
		return
	}
	ratio := float64(cachedPromptTokens) / float64(promptTokens)

	m.mu.Lock()
	m.samples = append(m.samples, ratio)
	if len(m.samples) > cacheRatioWindow {
		m.samples = m.samples[len(m.samples)-cacheRatioWindow:]
	}
	avg := average(m.samples)
	full := len(m.samples) == cacheRatioWindow
	trigger := full && avg < cacheRatioThreshold
	if trigger {
		m.samples = nil
	}
	m.mu.Unlock()

	if trigger {
		slog.Warn("llmrouter: stage-2 cache ratio below threshold, triggering prefix rebuild",
			"avg_ratio", avg, "threshold", cacheRatioThreshold)
		if m.onRebuild != nil {
			m.onRebuild()
		}
	}
}

func average(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
