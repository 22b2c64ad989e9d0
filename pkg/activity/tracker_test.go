package activity

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/config"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/domain"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/kv"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/wal"
)

func TestJoinLinesJoinsWithNewlines(t *testing.T) {
	assert.Equal(t, "a\nb\nc", joinLines([]string{"a", "b", "c"}))
	assert.Equal(t, "", joinLines(nil))
	assert.Equal(t, "solo", joinLines([]string{"solo"}))
}

func TestWindowHelpersConvertMillisAndSeconds(t *testing.T) {
	sys := &config.SystemConfig{WindowInitialMs: 1500, WindowTypingExtMs: 5000, MaxWaitSec: 30}
	assert.Equal(t, 1500*time.Millisecond, windowInitial(sys))
	assert.Equal(t, 5000*time.Millisecond, windowTypingExt(sys))
	assert.Equal(t, 30*time.Second, maxWait(sys))
}

type fakeProtocol struct{ active bool }

func (f fakeProtocol) IsActive(context.Context, domain.UserID) (bool, error) { return f.active, nil }

type fakeDiverter struct{ diverted []domain.InboundMessage }

func (f *fakeDiverter) DivertInbound(_ context.Context, m domain.InboundMessage) error {
	f.diverted = append(f.diverted, m)
	return nil
}

func newTestTracker(t *testing.T, sys *config.SystemConfig) (*Tracker, *wal.WAL) {
	t.Helper()
	url := os.Getenv("ACTIVITY_TEST_REDIS_URL")
	if url == "" {
		t.Skip("ACTIVITY_TEST_REDIS_URL not set")
	}
	kvc, err := kv.New(url)
	require.NoError(t, err)
	require.NoError(t, kvc.Ping(context.Background()))
	t.Cleanup(func() { kvc.Close() })

	w := wal.New(kvc)
	tr := New(kvc, w, sys, systemClockStub{})
	return tr, w
}

type systemClockStub struct{}

func (systemClockStub) Now() time.Time { return time.Now() }

func TestOnInboundFlushesImmediatelyWithBatchingDisabled(t *testing.T) {
	sys := &config.SystemConfig{EnableBatching: false}
	tr, w := newTestTracker(t, sys)
	ctx := context.Background()

	msg := domain.InboundMessage{UserID: 9001, ChatID: 9001, Text: "hi", ReceivedAt: time.Now()}
	require.NoError(t, tr.OnInbound(ctx, msg))

	res, err := w.Reserve(ctx, "worker", 60_000)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "hi", res.Job.CoalescedText)
	require.NoError(t, w.Ack(ctx, res))
}

func TestOnInboundBuffersThenFlushesAtMaxBatch(t *testing.T) {
	sys := &config.SystemConfig{EnableBatching: true, MinBatch: 1, MaxBatch: 2, MaxWaitSec: 30, WindowInitialMs: 100, WindowTypingExtMs: 100}
	tr, w := newTestTracker(t, sys)
	ctx := context.Background()

	userID := domain.UserID(9002)
	now := time.Now()
	require.NoError(t, tr.OnInbound(ctx, domain.InboundMessage{UserID: userID, ChatID: 1, Text: "one", ReceivedAt: now}))
	require.NoError(t, tr.OnInbound(ctx, domain.InboundMessage{UserID: userID, ChatID: 1, Text: "two", ReceivedAt: now}))

	res, err := w.Reserve(ctx, "worker", 60_000)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "one\ntwo", res.Job.CoalescedText)
	require.NoError(t, w.Ack(ctx, res))
}

func TestOnInboundDivertsWhenProtocolActive(t *testing.T) {
	sys := &config.SystemConfig{EnableBatching: true, MaxBatch: 5, MaxWaitSec: 30}
	tr, _ := newTestTracker(t, sys)
	diverter := &fakeDiverter{}
	tr.SetQuarantine(fakeProtocol{active: true}, diverter)

	msg := domain.InboundMessage{UserID: 9003, ChatID: 1, Text: "silenced", ReceivedAt: time.Now()}
	require.NoError(t, tr.OnInbound(context.Background(), msg))

	require.Len(t, diverter.diverted, 1)
	assert.Equal(t, "silenced", diverter.diverted[0].Text)
}

func TestDrainToQuarantineReturnsAndClearsBuffer(t *testing.T) {
	sys := &config.SystemConfig{EnableBatching: true, MaxBatch: 5, MaxWaitSec: 30, WindowInitialMs: 100}
	tr, _ := newTestTracker(t, sys)
	ctx := context.Background()
	userID := domain.UserID(9004)

	require.NoError(t, tr.OnInbound(ctx, domain.InboundMessage{UserID: userID, ChatID: 1, Text: "buffered", ReceivedAt: time.Now()}))

	drained, err := tr.DrainToQuarantine(ctx, userID)
	require.NoError(t, err)
	require.Len(t, drained, 1)
	assert.Equal(t, "buffered", drained[0].Text)

	again, err := tr.DrainToQuarantine(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, again)
}
