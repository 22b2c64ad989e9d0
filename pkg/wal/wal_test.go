package wal

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/domain"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/kv"
)

func newTestWAL(t *testing.T) *WAL {
	t.Helper()
	url := os.Getenv("WAL_TEST_REDIS_URL")
	if url == "" {
		t.Skip("WAL_TEST_REDIS_URL not set")
	}
	kvc, err := kv.New(url)
	require.NoError(t, err)
	require.NoError(t, kvc.Ping(context.Background()))
	t.Cleanup(func() { kvc.Close() })
	return New(kvc)
}

func TestEnqueueReserveAckRoundTrip(t *testing.T) {
	w := newTestWAL(t)
	ctx := context.Background()

	job := &domain.PipelineJob{UserID: 1, ChatID: 1}
	require.NoError(t, w.Enqueue(ctx, job))
	assert.NotEmpty(t, job.JobID)

	res, err := w.Reserve(ctx, "worker-1", 60_000)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, job.JobID, res.Job.JobID)

	require.NoError(t, w.Ack(ctx, res))

	empty, err := w.Reserve(ctx, "worker-1", 60_000)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestNackReturnsJobForRedelivery(t *testing.T) {
	w := newTestWAL(t)
	ctx := context.Background()

	job := &domain.PipelineJob{UserID: 2, ChatID: 2}
	require.NoError(t, w.Enqueue(ctx, job))

	res, err := w.Reserve(ctx, "worker-1", 60_000)
	require.NoError(t, err)
	require.NotNil(t, res)

	require.NoError(t, w.Nack(ctx, res))

	redelivered, err := w.Reserve(ctx, "worker-2", 60_000)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	assert.Equal(t, job.JobID, redelivered.Job.JobID)
	require.NoError(t, w.Ack(ctx, redelivered))
}

func TestSweepRecoversExpiredLeases(t *testing.T) {
	w := newTestWAL(t)
	ctx := context.Background()

	job := &domain.PipelineJob{UserID: 3, ChatID: 3}
	require.NoError(t, w.Enqueue(ctx, job))

	res, err := w.Reserve(ctx, "worker-1", 50)
	require.NoError(t, err)
	require.NotNil(t, res)

	time.Sleep(200 * time.Millisecond)

	recovered, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	redelivered, err := w.Reserve(ctx, "worker-2", 60_000)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	assert.Equal(t, job.JobID, redelivered.Job.JobID)
	require.NoError(t, w.Ack(ctx, redelivered))
}
