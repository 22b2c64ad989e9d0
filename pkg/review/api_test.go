package review

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/domain"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/kv"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeStore struct {
	items          map[string]*domain.ReviewItem
	userStatus     map[domain.UserID]*domain.UserCurrentStatus
	protocolActive map[domain.UserID]bool
	erased         []domain.UserID
	approveErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		items:          map[string]*domain.ReviewItem{},
		userStatus:     map[domain.UserID]*domain.UserCurrentStatus{},
		protocolActive: map[domain.UserID]bool{},
	}
}

func (f *fakeStore) ListPending(context.Context, int) ([]*domain.ReviewItem, error) {
	var out []*domain.ReviewItem
	for _, it := range f.items {
		if it.Status == domain.StatusPending {
			out = append(out, it)
		}
	}
	return out, nil
}

func (f *fakeStore) Get(_ context.Context, reviewID string) (*domain.ReviewItem, error) {
	it, ok := f.items[reviewID]
	if !ok {
		return nil, ErrNotFound
	}
	return it, nil
}

func (f *fakeStore) MarkReviewing(_ context.Context, reviewID, reviewerID string, at time.Time) error {
	it, ok := f.items[reviewID]
	if !ok {
		return ErrNotFound
	}
	if it.Status != domain.StatusPending {
		return ErrIllegalTransition
	}
	it.Status = "reviewing"
	it.ReviewerID = reviewerID
	return nil
}

func (f *fakeStore) Cancel(_ context.Context, reviewID string, at time.Time) error {
	it, ok := f.items[reviewID]
	if !ok {
		return ErrNotFound
	}
	it.Status = domain.StatusPending
	return nil
}

func (f *fakeStore) Reject(_ context.Context, reviewID, reason string, at time.Time) error {
	it, ok := f.items[reviewID]
	if !ok {
		return ErrNotFound
	}
	it.Status = domain.StatusRejected
	return nil
}

func (f *fakeStore) Approve(_ context.Context, reviewID string, in store.ApproveInput, performer string, at time.Time) (*domain.ReviewItem, error) {
	if f.approveErr != nil {
		return nil, f.approveErr
	}
	it, ok := f.items[reviewID]
	if !ok {
		return nil, ErrNotFound
	}
	if it.Status != domain.StatusPending && it.Status != domain.StatusReviewing {
		return nil, ErrIllegalTransition
	}
	it.Status = domain.StatusApproved
	it.FinalBubbles = in.FinalBubbles
	return it, nil
}

func (f *fakeStore) GetUserStatus(_ context.Context, userID domain.UserID) (*domain.UserCurrentStatus, error) {
	st, ok := f.userStatus[userID]
	if !ok {
		return &domain.UserCurrentStatus{UserID: userID}, nil
	}
	return st, nil
}

func (f *fakeStore) UpdateUserStatus(_ context.Context, userID domain.UserID, newStatus *domain.CustomerStatus, ltvDelta float64, reason, performer string, at time.Time) error {
	st := f.userStatus[userID]
	if st == nil {
		st = &domain.UserCurrentStatus{UserID: userID}
		f.userStatus[userID] = st
	}
	if newStatus != nil {
		st.CustomerStatus = *newStatus
	}
	return nil
}

func (f *fakeStore) SetNickname(context.Context, domain.UserID, string) error { return nil }

func (f *fakeStore) ProtocolActive(_ context.Context, userID domain.UserID) (bool, error) {
	return f.protocolActive[userID], nil
}

func (f *fakeStore) SetProtocolStatus(_ context.Context, userID domain.UserID, active bool, reason, performer string, at time.Time) error {
	f.protocolActive[userID] = active
	return nil
}

func (f *fakeStore) ListQuarantineMessages(context.Context, *domain.UserID) ([]*domain.QuarantineMessage, error) {
	return nil, nil
}

func (f *fakeStore) AnonymizeInteractions(context.Context, domain.UserID) error { return nil }
func (f *fakeStore) DeleteUserStatus(context.Context, domain.UserID) error      { return nil }
func (f *fakeStore) DeleteUserQuarantine(context.Context, domain.UserID) error  { return nil }
func (f *fakeStore) DeleteCursor(context.Context, domain.UserID) error          { return nil }

type fakeMemDeleter struct{ deleted []domain.UserID }

func (f *fakeMemDeleter) DeleteUser(_ context.Context, userID domain.UserID) error {
	f.deleted = append(f.deleted, userID)
	return nil
}

type fakeReleaser struct {
	released []string
	err      error
}

func (f *fakeReleaser) Release(_ context.Context, qID string) error {
	if f.err != nil {
		return f.err
	}
	f.released = append(f.released, qID)
	return nil
}

type fixedClock struct{ at time.Time }

func (f fixedClock) Now() time.Time { return f.at }

func newTestServer(t *testing.T, st *fakeStore) (*Server, *fakeMemDeleter, *fakeReleaser) {
	t.Helper()
	kvc, err := kv.New("redis://127.0.0.1:1/0")
	require.NoError(t, err)
	mem := &fakeMemDeleter{}
	rel := &fakeReleaser{}
	srv := New(st, NewQueue(), kvc, mem, rel, fixedClock{at: time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)}, "secret-token")
	return srv, mem, rel
}

func doRequest(t *testing.T, srv *Server, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)
	return rec
}

func TestAuthRejectsMissingOrWrongBearerToken(t *testing.T) {
	srv, _, _ := newTestServer(t, newFakeStore())

	rec := doRequest(t, srv, http.MethodGet, "/reviews/pending", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/reviews/pending", nil, "wrong-token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListPendingReturnsOnlyPendingItems(t *testing.T) {
	st := newFakeStore()
	st.items["r1"] = &domain.ReviewItem{ReviewID: "r1", Status: domain.StatusPending}
	st.items["r2"] = &domain.ReviewItem{ReviewID: "r2", Status: domain.StatusApproved}
	srv, _, _ := newTestServer(t, st)

	rec := doRequest(t, srv, http.MethodGet, "/reviews/pending", nil, "secret-token")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Items []domain.ReviewItem `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Items, 1)
	assert.Equal(t, "r1", body.Items[0].ReviewID)
}

func TestGetReviewReturns404ForUnknownID(t *testing.T) {
	srv, _, _ := newTestServer(t, newFakeStore())
	rec := doRequest(t, srv, http.MethodGet, "/reviews/missing", nil, "secret-token")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMarkReviewingTransitionsStateAndReturnsItem(t *testing.T) {
	st := newFakeStore()
	st.items["r1"] = &domain.ReviewItem{ReviewID: "r1", Status: domain.StatusPending}
	srv, _, _ := newTestServer(t, st)

	rec := doRequest(t, srv, http.MethodPost, "/reviews/r1/reviewing", nil, "secret-token")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.ReviewStatus("reviewing"), st.items["r1"].Status)
}

func TestMarkReviewingRejectsIllegalTransition(t *testing.T) {
	st := newFakeStore()
	st.items["r1"] = &domain.ReviewItem{ReviewID: "r1", Status: domain.StatusApproved}
	srv, _, _ := newTestServer(t, st)

	rec := doRequest(t, srv, http.MethodPost, "/reviews/r1/reviewing", nil, "secret-token")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestApproveRejectsUnknownEditTag(t *testing.T) {
	st := newFakeStore()
	st.items["r1"] = &domain.ReviewItem{ReviewID: "r1", Status: "reviewing"}
	srv, _, _ := newTestServer(t, st)

	rec := doRequest(t, srv, http.MethodPost, "/reviews/r1/approve", map[string]any{
		"final_bubbles": []string{"hey!"},
		"edit_tags":     []string{"NOT_A_REAL_TAG"},
	}, "secret-token")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApproveRejectsOutOfRangeQualityScore(t *testing.T) {
	st := newFakeStore()
	st.items["r1"] = &domain.ReviewItem{ReviewID: "r1", Status: "reviewing"}
	srv, _, _ := newTestServer(t, st)

	score := 9
	rec := doRequest(t, srv, http.MethodPost, "/reviews/r1/approve", map[string]any{
		"final_bubbles": []string{"hey!"},
		"quality_score": score,
	}, "secret-token")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApproveRejectsAlreadyApprovedItem(t *testing.T) {
	st := newFakeStore()
	st.items["r1"] = &domain.ReviewItem{ReviewID: "r1", Status: domain.StatusApproved, FinalBubbles: []string{"original"}}
	srv, _, _ := newTestServer(t, st)

	rec := doRequest(t, srv, http.MethodPost, "/reviews/r1/approve", map[string]any{
		"final_bubbles": []string{"hey!"},
	}, "secret-token")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, []string{"original"}, st.items["r1"].FinalBubbles)
}

func TestApproveRejectsCancelledItem(t *testing.T) {
	st := newFakeStore()
	st.items["r1"] = &domain.ReviewItem{ReviewID: "r1", Status: domain.StatusCancelled}
	srv, _, _ := newTestServer(t, st)

	rec := doRequest(t, srv, http.MethodPost, "/reviews/r1/approve", map[string]any{
		"final_bubbles": []string{"hey!"},
	}, "secret-token")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRejectTransitionsToRejectedStatus(t *testing.T) {
	st := newFakeStore()
	st.items["r1"] = &domain.ReviewItem{ReviewID: "r1", Status: domain.StatusPending}
	srv, _, _ := newTestServer(t, st)

	rec := doRequest(t, srv, http.MethodPost, "/reviews/r1/reject", map[string]any{"reason": "off-tone"}, "secret-token")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.StatusRejected, st.items["r1"].Status)
}

func TestEraseUserCascadesThroughAllDeleters(t *testing.T) {
	st := newFakeStore()
	srv, mem, _ := newTestServer(t, st)

	rec := doRequest(t, srv, http.MethodDelete, "/users/42", nil, "secret-token")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, mem.deleted, 1)
	assert.Equal(t, domain.UserID(42), mem.deleted[0])
}

func TestEraseUserRejectsNonIntegerUserID(t *testing.T) {
	srv, _, _ := newTestServer(t, newFakeStore())
	rec := doRequest(t, srv, http.MethodDelete, "/users/not-a-number", nil, "secret-token")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReleaseQuarantineSucceeds(t *testing.T) {
	srv, _, rel := newTestServer(t, newFakeStore())
	rec := doRequest(t, srv, http.MethodPost, "/quarantine/q1/release", nil, "secret-token")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"q1"}, rel.released)
}

func TestReleaseQuarantinePropagatesNotFound(t *testing.T) {
	kvc, err := kv.New("redis://127.0.0.1:1/0")
	require.NoError(t, err)
	rel := &fakeReleaser{err: ErrNotFound}
	srv := New(newFakeStore(), NewQueue(), kvc, &fakeMemDeleter{}, rel, fixedClock{}, "secret-token")

	rec := doRequest(t, srv, http.MethodPost, "/quarantine/q1/release", nil, "secret-token")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetUserStatusReturnsDefaultForUnknownUser(t *testing.T) {
	srv, _, _ := newTestServer(t, newFakeStore())
	rec := doRequest(t, srv, http.MethodGet, "/users/7/status", nil, "secret-token")
	require.Equal(t, http.StatusOK, rec.Code)
	var status domain.UserCurrentStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, domain.UserID(7), status.UserID)
}
