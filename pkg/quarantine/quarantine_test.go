package quarantine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/clock"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/domain"
)

type fakeStore struct {
	active       map[domain.UserID]bool
	activeCalls  int
	quarantineMsgs map[domain.UserID][]*domain.QuarantineMessage
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		active:         make(map[domain.UserID]bool),
		quarantineMsgs: make(map[domain.UserID][]*domain.QuarantineMessage),
	}
}

func (f *fakeStore) ProtocolActive(ctx context.Context, userID domain.UserID) (bool, error) {
	f.activeCalls++
	return f.active[userID], nil
}

func (f *fakeStore) SetProtocolStatus(ctx context.Context, userID domain.UserID, active bool, reason, performer string, at time.Time) error {
	f.active[userID] = active
	return nil
}

func (f *fakeStore) InsertQuarantineMessage(ctx context.Context, m *domain.QuarantineMessage) error {
	f.quarantineMsgs[m.UserID] = append(f.quarantineMsgs[m.UserID], m)
	return nil
}

func (f *fakeStore) ListQuarantineMessages(ctx context.Context, userID *domain.UserID) ([]*domain.QuarantineMessage, error) {
	if userID == nil {
		return nil, nil
	}
	return f.quarantineMsgs[*userID], nil
}

func (f *fakeStore) GetQuarantineMessage(ctx context.Context, qID string) (*domain.QuarantineMessage, error) {
	return nil, nil
}

func (f *fakeStore) DeleteQuarantineMessage(ctx context.Context, qID string) error { return nil }

func (f *fakeStore) ExpireQuarantineMessages(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

type fakeActivity struct{}

func (fakeActivity) DrainToQuarantine(ctx context.Context, userID domain.UserID) ([]domain.InboundMessage, error) {
	return nil, nil
}
func (fakeActivity) OnInbound(ctx context.Context, m domain.InboundMessage) error { return nil }

func TestIsActiveCachesAfterFirstLookup(t *testing.T) {
	st := newFakeStore()
	st.active[7] = true
	m := New(st, fakeActivity{}, nil, clock.FixedClock{At: time.Unix(0, 0)}, time.Minute, 7*24*time.Hour)

	active, err := m.IsActive(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, active)

	active, err = m.IsActive(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, 1, st.activeCalls, "second lookup should hit the cache, not the store")
}

func TestRecentRateReflectsOutstandingMessages(t *testing.T) {
	st := newFakeStore()
	m := New(st, fakeActivity{}, nil, clock.FixedClock{At: time.Unix(0, 0)}, time.Minute, 7*24*time.Hour)

	rate, err := m.RecentRate(context.Background(), 9)
	require.NoError(t, err)
	assert.Zero(t, rate)

	st.quarantineMsgs[9] = []*domain.QuarantineMessage{{QID: "q1", UserID: 9}}
	rate, err = m.RecentRate(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, 1.0, rate)
}
