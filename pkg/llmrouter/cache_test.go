package llmrouter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAverageOfEmptySliceIsZero(t *testing.T) {
	assert.Zero(t, average(nil))
}

func TestAverageComputesMean(t *testing.T) {
	assert.InDelta(t, 0.5, average([]float64{0.2, 0.8}), 1e-9)
}

func TestObserveIgnoresZeroPromptTokens(t *testing.T) {
	rebuilds := 0
	m := NewCacheMonitor(func() { rebuilds++ })
	m.Observe(0, 0)
	assert.Equal(t, 0, rebuilds)
}

func TestObserveTriggersRebuildWhenWindowAverageBelowThreshold(t *testing.T) {
	rebuilds := 0
	m := NewCacheMonitor(func() { rebuilds++ })

	for i := 0; i < cacheRatioWindow; i++ {
		m.Observe(100, 10) // ratio 0.1, well below the 0.5 threshold
	}
	assert.Equal(t, 1, rebuilds)
}

func TestObserveDoesNotTriggerBeforeWindowFills(t *testing.T) {
	rebuilds := 0
	m := NewCacheMonitor(func() { rebuilds++ })

	for i := 0; i < cacheRatioWindow-1; i++ {
		m.Observe(100, 10)
	}
	assert.Equal(t, 0, rebuilds)
}

func TestObserveDoesNotTriggerWhenRatioHealthy(t *testing.T) {
	rebuilds := 0
	m := NewCacheMonitor(func() { rebuilds++ })

	for i := 0; i < cacheRatioWindow; i++ {
		m.Observe(100, 90) // ratio 0.9, above threshold
	}
	assert.Equal(t, 0, rebuilds)
}

func TestObserveHandlesNilOnRebuildCallback(t *testing.T) {
	m := NewCacheMonitor(nil)
	assert.NotPanics(t, func() {
		for i := 0; i < cacheRatioWindow; i++ {
			m.Observe(100, 10)
		}
	})
}
