package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/domain"
)

// newTestStore connects to a real Postgres instance pointed at by
// STORE_TEST_DSN, applying the embedded migrations. Skipped when unset —
// the Review Store is a thin typed layer over SQL and its correctness
// lives in the query text, not in anything a fake pool could exercise.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("STORE_TEST_DSN")
	if dsn == "" {
		t.Skip("STORE_TEST_DSN not set")
	}
	st, err := New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func TestCursorLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	userID := domain.UserID(1001)

	c, err := st.GetCursor(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.LastProcessedTransportMsgID)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, st.SetCursor(ctx, userID, 42, now))

	c, err = st.GetCursor(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(42), c.LastProcessedTransportMsgID)

	cursors, err := st.ListCursors(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, cursors)

	require.NoError(t, st.DeleteCursor(ctx, userID))
	c, err = st.GetCursor(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.LastProcessedTransportMsgID)
}

func TestProtocolStatusLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	userID := domain.UserID(1002)

	active, err := st.ProtocolActive(ctx, userID)
	require.NoError(t, err)
	assert.False(t, active)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, st.SetProtocolStatus(ctx, userID, true, "safety_flag", "supervisor", now))

	active, err = st.ProtocolActive(ctx, userID)
	require.NoError(t, err)
	assert.True(t, active)

	require.NoError(t, st.SetProtocolStatus(ctx, userID, false, "reviewer_release", "reviewer-1", now.Add(time.Minute)))
	active, err = st.ProtocolActive(ctx, userID)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestQuarantineMessageLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	userID := domain.UserID(1003)
	now := time.Now().UTC().Truncate(time.Second)

	m := &domain.QuarantineMessage{
		QID:        "q-1",
		UserID:     userID,
		ChatID:     555,
		Text:       "hola",
		ReceivedAt: now,
		ExpiresAt:  now.Add(time.Hour),
	}
	require.NoError(t, st.InsertQuarantineMessage(ctx, m))

	got, err := st.GetQuarantineMessage(ctx, "q-1")
	require.NoError(t, err)
	assert.Equal(t, "hola", got.Text)
	assert.Equal(t, userID, got.UserID)

	list, err := st.ListQuarantineMessages(ctx, &userID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	n, err := st.ExpireQuarantineMessages(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err = st.ListQuarantineMessages(ctx, &userID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDeleteUserQuarantine(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	userID := domain.UserID(1004)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, st.InsertQuarantineMessage(ctx, &domain.QuarantineMessage{
		QID: "q-2", UserID: userID, ChatID: 556, Text: "hi", ReceivedAt: now, ExpiresAt: now.Add(time.Hour),
	}))
	require.NoError(t, st.DeleteUserQuarantine(ctx, userID))

	list, err := st.ListQuarantineMessages(ctx, &userID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestUserStatusLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	userID := domain.UserID(1005)

	status, err := st.GetUserStatus(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, domain.CustomerProspect, status.CustomerStatus)

	leadQualified := domain.CustomerLeadQualified
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, st.UpdateUserStatus(ctx, userID, &leadQualified, 25.5, "upsell", "reviewer-1", now))

	status, err = st.GetUserStatus(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, domain.CustomerLeadQualified, status.CustomerStatus)
	assert.InDelta(t, 25.5, status.LTVTotalUSD, 0.001)

	require.NoError(t, st.SetNickname(ctx, userID, "Robe"))
	status, err = st.GetUserStatus(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "Robe", status.Nickname)
}

func TestReviewItemLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	userID := domain.UserID(1006)
	now := time.Now().UTC().Truncate(time.Second)

	item := &domain.ReviewItem{
		ReviewID:       "r-1",
		UserID:         userID,
		ChatID:         777,
		InboundText:    "hey there",
		DraftText:      "hey! how's it going",
		RefinedBubbles: []string{"hey!", "how's it going"},
		Status:         domain.StatusPending,
		CustomerStatus: domain.CustomerProspect,
		PriorityScore:  0.8,
		LastMessageID:  10,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, st.Create(ctx, item))

	got, err := st.Get(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, "hey there", got.InboundText)
	assert.Equal(t, domain.StatusPending, got.Status)

	pending, err := st.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, pending)

	require.NoError(t, st.MarkReviewing(ctx, "r-1", "reviewer-1", now.Add(time.Second)))
	require.Error(t, st.MarkReviewing(ctx, "r-1", "reviewer-2", now.Add(2*time.Second)))

	require.NoError(t, st.Cancel(ctx, "r-1", now.Add(3*time.Second)))
	require.NoError(t, st.MarkReviewing(ctx, "r-1", "reviewer-1", now.Add(4*time.Second)))

	approved, err := st.Approve(ctx, "r-1", ApproveInput{
		FinalBubbles: []string{"hey!", "how's it going today"},
		EditTags:     []string{"tone"},
		ReviewerNotes: "softened tone",
	}, "reviewer-1", now.Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, approved.Status)
	assert.Equal(t, []string{"hey!", "how's it going today"}, approved.FinalBubbles)

	_, err = st.Approve(ctx, "r-1", ApproveInput{
		FinalBubbles: []string{"a second approval should never land"},
	}, "reviewer-1", now.Add(5500*time.Millisecond))
	require.Error(t, err)
	reapproved, err := st.Get(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"hey!", "how's it going today"}, reapproved.FinalBubbles)

	require.NoError(t, st.MarkDelivered(ctx, "r-1", now.Add(6*time.Second)))
	got, err = st.Get(ctx, "r-1")
	require.NoError(t, err)
	require.NotNil(t, got.DeliveredAt)
}

func TestReviewItemReject(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	userID := domain.UserID(1007)
	now := time.Now().UTC().Truncate(time.Second)

	item := &domain.ReviewItem{
		ReviewID:      "r-2",
		UserID:        userID,
		ChatID:        778,
		InboundText:   "bad input",
		Status:        domain.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		LastMessageID: 1,
	}
	require.NoError(t, st.Create(ctx, item))
	require.NoError(t, st.Reject(ctx, "r-2", "off_persona", now.Add(time.Second)))

	got, err := st.Get(ctx, "r-2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, got.Status)
	assert.Equal(t, "off_persona", got.DeliveryFailedReason)
}

func TestRecoveryOperationLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	op := &domain.RecoveryOperation{
		OpID:      "op-1",
		StartedAt: now,
		Status:    "running",
	}
	require.NoError(t, st.InsertRecoveryOperation(ctx, op))

	finished := now.Add(time.Minute)
	op.FinishedAt = &finished
	op.UsersScanned = 12
	op.MessagesRecovered = 3
	op.Status = "completed"
	require.NoError(t, st.FinishRecoveryOperation(ctx, op))
}

func TestGDPRErasure(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	userID := domain.UserID(1008)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, st.Create(ctx, &domain.ReviewItem{
		ReviewID: "r-3", UserID: userID, ChatID: 779, InboundText: "secret",
		Status: domain.StatusPending, CreatedAt: now, UpdatedAt: now, LastMessageID: 1,
	}))
	require.NoError(t, st.SetNickname(ctx, userID, "someone"))

	require.NoError(t, st.AnonymizeInteractions(ctx, userID))
	require.NoError(t, st.DeleteUserStatus(ctx, userID))

	status, err := st.GetUserStatus(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, domain.CustomerProspect, status.CustomerStatus)
	assert.Empty(t, status.Nickname)
}
