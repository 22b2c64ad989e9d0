package review

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	jsoniter "github.com/json-iterator/go"
	limiter "github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	lmemory "github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/domain"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/kv"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotFound signals an unknown review/quarantine/user id to the HTTP
// layer, translated to 404.
var ErrNotFound = errors.New("review: not found")

// ErrIllegalTransition signals a state-machine violation, translated to
// 409 per §6.1.
var ErrIllegalTransition = errors.New("review: illegal transition")

// Store is the subset of *store.Store the Review API depends on.
type Store interface {
	ListPending(ctx context.Context, limit int) ([]*domain.ReviewItem, error)
	Get(ctx context.Context, reviewID string) (*domain.ReviewItem, error)
	MarkReviewing(ctx context.Context, reviewID, reviewerID string, at time.Time) error
	Cancel(ctx context.Context, reviewID string, at time.Time) error
	Reject(ctx context.Context, reviewID, reason string, at time.Time) error
	Approve(ctx context.Context, reviewID string, in store.ApproveInput, performer string, at time.Time) (*domain.ReviewItem, error)

	GetUserStatus(ctx context.Context, userID domain.UserID) (*domain.UserCurrentStatus, error)
	UpdateUserStatus(ctx context.Context, userID domain.UserID, newStatus *domain.CustomerStatus, ltvDelta float64, reason, performer string, at time.Time) error
	SetNickname(ctx context.Context, userID domain.UserID, nickname string) error

	ProtocolActive(ctx context.Context, userID domain.UserID) (bool, error)
	SetProtocolStatus(ctx context.Context, userID domain.UserID, active bool, reason, performer string, at time.Time) error
	ListQuarantineMessages(ctx context.Context, userID *domain.UserID) ([]*domain.QuarantineMessage, error)

	AnonymizeInteractions(ctx context.Context, userID domain.UserID) error
	DeleteUserStatus(ctx context.Context, userID domain.UserID) error
	DeleteUserQuarantine(ctx context.Context, userID domain.UserID) error
	DeleteCursor(ctx context.Context, userID domain.UserID) error
}

// MemoryDeleter is the narrow capability the GDPR erasure endpoint needs
// from the Memory Manager.
type MemoryDeleter interface {
	DeleteUser(ctx context.Context, userID domain.UserID) error
}

// QuarantineReleaser re-injects a quarantined message into the Activity
// Tracker, implemented by the Quarantine Manager.
type QuarantineReleaser interface {
	Release(ctx context.Context, qID string) error
}

// Clock is the narrow time capability the server needs.
type Clock interface {
	Now() time.Time
}

// Server is the Review Queue & API's HTTP surface (§4.9).
type Server struct {
	store   Store
	queue   *Queue
	kv      *kv.Client
	mem     MemoryDeleter
	release QuarantineReleaser
	clock   Clock
	token   string
	hub     *quarantineHub
	engine  *gin.Engine
}

// New builds the gin engine and registers every route from the §4.9
// contract table.
func New(st Store, q *Queue, kvc *kv.Client, mem MemoryDeleter, release QuarantineReleaser, clock Clock, token string) *Server {
	s := &Server{
		store:   st,
		queue:   q,
		kv:      kvc,
		mem:     mem,
		release: release,
		clock:   clock,
		token:   token,
		hub:     newQuarantineHub(),
	}
	s.engine = s.build()
	return s
}

// Engine exposes the underlying gin engine for http.ListenAndServe.
func (s *Server) Engine() *gin.Engine { return s.engine }

// RunQuarantineFeed starts the pub/sub-to-websocket bridge; call this in
// its own goroutine from cmd/core.
func (s *Server) RunQuarantineFeed(ctx context.Context) {
	s.hub.run(ctx, s.kv)
}

func (s *Server) build() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.auth())

	r.GET("/ws/quarantine", func(c *gin.Context) { s.hub.handle(c.Writer, c.Request) })

	pendingLimit := s.rateLimit(limiter.Rate{Period: time.Minute, Limit: 30})
	mutatingLimit := s.rateLimit(limiter.Rate{Period: time.Minute, Limit: 60})
	batchLimit := s.rateLimit(limiter.Rate{Period: time.Minute, Limit: 10})

	r.GET("/reviews/pending", pendingLimit, s.listPending)
	r.GET("/reviews/:id", s.getReview)
	r.POST("/reviews/:id/reviewing", mutatingLimit, s.markReviewing)
	r.POST("/reviews/:id/approve", mutatingLimit, s.approve)
	r.POST("/reviews/:id/reject", mutatingLimit, s.reject)
	r.POST("/reviews/:id/cancel", mutatingLimit, s.cancel)

	r.GET("/users/:user_id/status", s.getUserStatus)
	r.POST("/users/:user_id/status", mutatingLimit, s.updateUserStatus)
	r.POST("/users/:user_id/nickname", mutatingLimit, s.setNickname)
	r.POST("/users/:user_id/quarantine", mutatingLimit, s.toggleQuarantine)
	r.DELETE("/users/:user_id", batchLimit, s.eraseUser)

	r.GET("/quarantine", s.listQuarantine)
	r.POST("/quarantine/:q_id/release", batchLimit, s.releaseQuarantine)

	return r
}

// auth enforces the bearer credential required by every endpoint.
func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader("Authorization")
		if got != "Bearer "+s.token {
			errEnvelope(c, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer credential", nil)
			c.Abort()
			return
		}
		c.Next()
	}
}

// rateLimit keys the ulule/limiter instance by credential rather than IP,
// since §6.1 rate-limits "per credential".
func (s *Server) rateLimit(rate limiter.Rate) gin.HandlerFunc {
	lim := limiter.New(lmemory.NewStore(), rate)
	return mgin.NewMiddleware(lim, mgin.WithKeyGetter(func(c *gin.Context) string {
		return c.GetHeader("Authorization")
	}))
}

// errEnvelope writes the §6.1 error shape.
func errEnvelope(c *gin.Context, status int, code, message string, details any) {
	c.JSON(status, gin.H{"error": gin.H{"code": code, "message": message, "details": details}})
}

func (s *Server) reviewerID(c *gin.Context) string {
	if id := c.GetHeader("X-Reviewer-Id"); id != "" {
		return id
	}
	return "unknown"
}

func parseUserID(c *gin.Context) (domain.UserID, bool) {
	n, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil {
		errEnvelope(c, http.StatusBadRequest, "invalid_user_id", "user_id must be an integer", nil)
		return 0, false
	}
	return domain.UserID(n), true
}

func (s *Server) listPending(c *gin.Context) {
	limit := 20
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	items, err := s.store.ListPending(c.Request.Context(), limit)
	if err != nil {
		errEnvelope(c, http.StatusInternalServerError, "internal", err.Error(), nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) getReview(c *gin.Context) {
	item, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		errEnvelope(c, http.StatusNotFound, "not_found", "unknown review_id", nil)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (s *Server) markReviewing(c *gin.Context) {
	id := c.Param("id")
	reviewer := s.reviewerID(c)
	if err := s.store.MarkReviewing(c.Request.Context(), id, reviewer, s.clock.Now()); err != nil {
		errEnvelope(c, http.StatusConflict, "illegal_transition", err.Error(), nil)
		return
	}
	s.queue.Remove(id)
	item, err := s.store.Get(c.Request.Context(), id)
	if err != nil {
		errEnvelope(c, http.StatusNotFound, "not_found", "unknown review_id", nil)
		return
	}
	c.JSON(http.StatusOK, item)
}

type approveRequest struct {
	FinalBubbles   []string               `json:"final_bubbles" binding:"required"`
	EditTags       []string               `json:"edit_tags"`
	QualityScore   *int                   `json:"quality_score"`
	CTA            *ctaRequest            `json:"cta"`
	CustomerStatus *domain.CustomerStatus `json:"customer_status"`
	LTVDeltaUSD    *float64               `json:"ltv_delta_usd"`
	ReviewerNotes  string                 `json:"reviewer_notes"`
}

type ctaRequest struct {
	Inserted      bool     `json:"inserted"`
	Tier          string   `json:"tier"`
	Tags          []string `json:"tags"`
	AtBubbleIndex int      `json:"at_bubble_index"`
}

func (s *Server) approve(c *gin.Context) {
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errEnvelope(c, http.StatusBadRequest, "validation", err.Error(), nil)
		return
	}
	if bad := validateEditTags(req.EditTags); bad != "" {
		errEnvelope(c, http.StatusBadRequest, "unknown_edit_tag", "unrecognized edit tag", gin.H{"tag": bad})
		return
	}
	if req.QualityScore != nil && (*req.QualityScore < 1 || *req.QualityScore > 5) {
		errEnvelope(c, http.StatusBadRequest, "validation", "quality_score must be 1..5", nil)
		return
	}

	in := store.ApproveInput{
		FinalBubbles:   req.FinalBubbles,
		EditTags:       req.EditTags,
		QualityScore:   req.QualityScore,
		CustomerStatus: req.CustomerStatus,
		ReviewerNotes:  req.ReviewerNotes,
	}
	if req.LTVDeltaUSD != nil {
		in.LTVDeltaUSD = req.LTVDeltaUSD
	}
	if req.CTA != nil {
		in.CTA = &domain.CTAInsertion{
			Inserted:      req.CTA.Inserted,
			Tier:          req.CTA.Tier,
			Tags:          req.CTA.Tags,
			AtBubbleIndex: req.CTA.AtBubbleIndex,
		}
	}

	id := c.Param("id")
	item, err := s.store.Approve(c.Request.Context(), id, in, s.reviewerID(c), s.clock.Now())
	if err != nil {
		errEnvelope(c, http.StatusConflict, "illegal_transition", err.Error(), nil)
		return
	}
	s.queue.Remove(id)

	entry := domain.ApprovedDeliveryEntry{
		ReviewID:      item.ReviewID,
		UserID:        item.UserID,
		ChatID:        item.ChatID,
		Bubbles:       item.FinalBubbles,
		InboundText:   item.InboundText,
		LastMessageID: item.LastMessageID,
		ApprovedAt:    s.clock.Now(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		errEnvelope(c, http.StatusInternalServerError, "internal", err.Error(), nil)
		return
	}
	if err := s.kv.Raw().RPush(c.Request.Context(), kv.ApprovedQueue(), raw).Err(); err != nil {
		errEnvelope(c, http.StatusInternalServerError, "internal", err.Error(), nil)
		return
	}

	c.JSON(http.StatusOK, item)
}

func (s *Server) reject(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)

	id := c.Param("id")
	if err := s.store.Reject(c.Request.Context(), id, req.Reason, s.clock.Now()); err != nil {
		errEnvelope(c, http.StatusConflict, "illegal_transition", err.Error(), nil)
		return
	}
	s.queue.Remove(id)
	item, err := s.store.Get(c.Request.Context(), id)
	if err != nil {
		errEnvelope(c, http.StatusNotFound, "not_found", "unknown review_id", nil)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (s *Server) cancel(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.Cancel(c.Request.Context(), id, s.clock.Now()); err != nil {
		errEnvelope(c, http.StatusConflict, "illegal_transition", err.Error(), nil)
		return
	}
	item, err := s.store.Get(c.Request.Context(), id)
	if err != nil {
		errEnvelope(c, http.StatusNotFound, "not_found", "unknown review_id", nil)
		return
	}
	_ = s.queue.Push(c.Request.Context(), item.ReviewID, item.PriorityScore)
	c.JSON(http.StatusOK, item)
}

func (s *Server) getUserStatus(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	status, err := s.store.GetUserStatus(c.Request.Context(), userID)
	if err != nil {
		errEnvelope(c, http.StatusInternalServerError, "internal", err.Error(), nil)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) updateUserStatus(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	var req struct {
		CustomerStatus *domain.CustomerStatus `json:"customer_status"`
		LTVDeltaUSD    float64                `json:"ltv_delta_usd"`
		Reason         string                 `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errEnvelope(c, http.StatusBadRequest, "validation", err.Error(), nil)
		return
	}
	if err := s.store.UpdateUserStatus(c.Request.Context(), userID, req.CustomerStatus, req.LTVDeltaUSD, req.Reason, s.reviewerID(c), s.clock.Now()); err != nil {
		errEnvelope(c, http.StatusInternalServerError, "internal", err.Error(), nil)
		return
	}
	status, err := s.store.GetUserStatus(c.Request.Context(), userID)
	if err != nil {
		errEnvelope(c, http.StatusInternalServerError, "internal", err.Error(), nil)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) setNickname(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	var req struct {
		Nickname string `json:"nickname" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errEnvelope(c, http.StatusBadRequest, "validation", err.Error(), nil)
		return
	}
	if err := s.store.SetNickname(c.Request.Context(), userID, req.Nickname); err != nil {
		errEnvelope(c, http.StatusInternalServerError, "internal", err.Error(), nil)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) toggleQuarantine(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	var req struct {
		Active bool   `json:"active"`
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errEnvelope(c, http.StatusBadRequest, "validation", err.Error(), nil)
		return
	}
	if err := s.store.SetProtocolStatus(c.Request.Context(), userID, req.Active, req.Reason, s.reviewerID(c), s.clock.Now()); err != nil {
		errEnvelope(c, http.StatusInternalServerError, "internal", err.Error(), nil)
		return
	}

	payload, _ := json.Marshal(gin.H{"user_id": userID, "active": req.Active})
	_ = s.kv.Raw().Publish(c.Request.Context(), kv.QuarantineStatusChannel(), payload).Err()

	c.Status(http.StatusOK)
}

func (s *Server) listQuarantine(c *gin.Context) {
	var userID *domain.UserID
	if v := c.Query("user_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errEnvelope(c, http.StatusBadRequest, "invalid_user_id", "user_id must be an integer", nil)
			return
		}
		uid := domain.UserID(n)
		userID = &uid
	}
	msgs, err := s.store.ListQuarantineMessages(c.Request.Context(), userID)
	if err != nil {
		errEnvelope(c, http.StatusInternalServerError, "internal", err.Error(), nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": msgs})
}

func (s *Server) releaseQuarantine(c *gin.Context) {
	qID := c.Param("q_id")
	if err := s.release.Release(c.Request.Context(), qID); err != nil {
		if errors.Is(err, ErrNotFound) {
			errEnvelope(c, http.StatusNotFound, "not_found", "unknown q_id", nil)
			return
		}
		errEnvelope(c, http.StatusInternalServerError, "internal", err.Error(), nil)
		return
	}
	c.Status(http.StatusOK)
}

// eraseUser implements the GDPR cascade: memory, quarantine, cursor, and
// user-status (user_current_status) erasure, plus anonymization (not
// deletion) of interactions, per §4.9's DELETE /users/{user_id}. The
// protocol_status row is left in place.
func (s *Server) eraseUser(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if err := s.mem.DeleteUser(ctx, userID); err != nil {
		errEnvelope(c, http.StatusInternalServerError, "internal", err.Error(), nil)
		return
	}
	if err := s.store.DeleteUserQuarantine(ctx, userID); err != nil {
		errEnvelope(c, http.StatusInternalServerError, "internal", err.Error(), nil)
		return
	}
	if err := s.store.DeleteCursor(ctx, userID); err != nil {
		errEnvelope(c, http.StatusInternalServerError, "internal", err.Error(), nil)
		return
	}
	if err := s.store.DeleteUserStatus(ctx, userID); err != nil {
		errEnvelope(c, http.StatusInternalServerError, "internal", err.Error(), nil)
		return
	}
	if err := s.store.AnonymizeInteractions(ctx, userID); err != nil {
		errEnvelope(c, http.StatusInternalServerError, "internal", err.Error(), nil)
		return
	}
	c.Status(http.StatusOK)
}
