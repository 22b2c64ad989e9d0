package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClampDurationClampsLow(t *testing.T) {
	got := clampDuration(100*time.Millisecond, 500*time.Millisecond, 4*time.Second)
	assert.Equal(t, 500*time.Millisecond, got)
}

func TestClampDurationClampsHigh(t *testing.T) {
	got := clampDuration(10*time.Second, 500*time.Millisecond, 4*time.Second)
	assert.Equal(t, 4*time.Second, got)
}

func TestClampDurationPassesThroughInRange(t *testing.T) {
	got := clampDuration(2*time.Second, 500*time.Millisecond, 4*time.Second)
	assert.Equal(t, 2*time.Second, got)
}

func TestInterBubblePauseStaysWithinBounds(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := interBubblePause()
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}
