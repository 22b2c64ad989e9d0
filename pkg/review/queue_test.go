package review

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/domain"
)

func TestQueuePeekOrdersByPriorityDescending(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "low", 0.2))
	require.NoError(t, q.Push(ctx, "high", 0.9))
	require.NoError(t, q.Push(ctx, "mid", 0.5))

	assert.Equal(t, []string{"high", "mid", "low"}, q.Peek(10))
}

func TestQueuePeekRespectsLimit(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "a", 0.1))
	require.NoError(t, q.Push(ctx, "b", 0.3))
	require.NoError(t, q.Push(ctx, "c", 0.2))

	assert.Equal(t, []string{"b"}, q.Peek(1))
}

func TestQueuePushRescoresExistingEntry(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "a", 0.1))
	require.NoError(t, q.Push(ctx, "b", 0.5))
	require.NoError(t, q.Push(ctx, "a", 0.9))

	assert.Equal(t, []string{"a", "b"}, q.Peek(10))
}

func TestQueueRemoveDropsEntry(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "a", 0.1))
	require.NoError(t, q.Push(ctx, "b", 0.5))
	q.Remove("b")

	assert.Equal(t, []string{"a"}, q.Peek(10))
}

func TestQueueWarmFromReplacesContents(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, "stale", 0.8))

	q.WarmFrom([]*domain.ReviewItem{
		{ReviewID: "x", PriorityScore: 0.3},
		{ReviewID: "y", PriorityScore: 0.7},
	})

	assert.Equal(t, []string{"y", "x"}, q.Peek(10))
}
