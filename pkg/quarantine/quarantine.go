// Package quarantine implements the Quarantine Manager (C11): the per-user
// silence protocol, its message-diversion store, and release-back-into-
// pipeline flow.
package quarantine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/clock"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/domain"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/kv"
)

// Store is the subset of *store.Store the manager depends on.
type Store interface {
	ProtocolActive(ctx context.Context, userID domain.UserID) (bool, error)
	SetProtocolStatus(ctx context.Context, userID domain.UserID, active bool, reason, performer string, at time.Time) error
	InsertQuarantineMessage(ctx context.Context, m *domain.QuarantineMessage) error
	ListQuarantineMessages(ctx context.Context, userID *domain.UserID) ([]*domain.QuarantineMessage, error)
	GetQuarantineMessage(ctx context.Context, qID string) (*domain.QuarantineMessage, error)
	DeleteQuarantineMessage(ctx context.Context, qID string) error
	ExpireQuarantineMessages(ctx context.Context, now time.Time) (int, error)
}

// ActivityTracker is the narrow capability the manager needs from C2: to
// drain a user's buffer into quarantine on activation, and to re-inject a
// released message as if freshly received.
type ActivityTracker interface {
	DrainToQuarantine(ctx context.Context, userID domain.UserID) ([]domain.InboundMessage, error)
	OnInbound(ctx context.Context, m domain.InboundMessage) error
}

// Manager owns ProtocolStatus and the quarantine store. The protocol-active
// cache is a short-TTL LRU per §4.11, so most inbound-path checks never hit
// Postgres; a status change made through SetActive updates the local entry
// and publishes over Redis pub/sub. No Manager subscribes to that channel,
// so another process sees the change once its cached entry expires.
type Manager struct {
	store    Store
	activity ActivityTracker
	kvc      *kv.Client
	clock    clock.Clock
	cache    *lru.LRU[int64, bool]
	ttl      time.Duration
}

func New(st Store, activity ActivityTracker, kvc *kv.Client, c clock.Clock, cacheTTL time.Duration, messageTTL time.Duration) *Manager {
	return &Manager{
		store:    st,
		activity: activity,
		kvc:      kvc,
		clock:    c,
		cache:    lru.NewLRU[int64, bool](4096, nil, cacheTTL),
		ttl:      messageTTL,
	}
}

// IsActive reports whether userID is currently silenced, consulting the
// local cache before falling back to the store (§4.11's "short-TTL
// cache, default 5 min" requirement). Implements the Supervisor's
// ProtocolChecker and the Activity Tracker's protocol-check dependency.
func (m *Manager) IsActive(ctx context.Context, userID domain.UserID) (bool, error) {
	if active, ok := m.cache.Get(int64(userID)); ok {
		return active, nil
	}
	active, err := m.store.ProtocolActive(ctx, userID)
	if err != nil {
		return false, err
	}
	m.cache.Add(int64(userID), active)
	return active, nil
}

// Divert files every message in a diverted job as a QuarantineMessage
// instead of letting it reach the generative pipeline, implementing the
// Supervisor's QuarantineDiverter and §4.9 step 1.
func (m *Manager) Divert(ctx context.Context, job *domain.PipelineJob) error {
	for _, msg := range job.Messages {
		if err := m.divertOne(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// DivertInbound files a single inbound message straight to quarantine,
// satisfying the Activity Tracker's Diverter dependency for the
// consult-before-buffering optimization in §4.11.
func (m *Manager) DivertInbound(ctx context.Context, msg domain.InboundMessage) error {
	return m.divertOne(ctx, msg)
}

func (m *Manager) divertOne(ctx context.Context, msg domain.InboundMessage) error {
	qm := &domain.QuarantineMessage{
		QID:        uuid.NewString(),
		UserID:     msg.UserID,
		ChatID:     msg.ChatID,
		Text:       msg.Text,
		ReceivedAt: msg.ReceivedAt,
		ExpiresAt:  msg.ReceivedAt.Add(m.ttl),
	}
	if err := m.store.InsertQuarantineMessage(ctx, qm); err != nil {
		return fmt.Errorf("diverting message to quarantine: %w", err)
	}
	return nil
}

// RecentRate supplies the quarantine_recent(user) term of the priority
// score formula (§4.9 step 8): 1.0 if the user currently has any
// outstanding quarantine messages, 0.0 otherwise. Implements the
// Supervisor's RecentRater.
func (m *Manager) RecentRate(ctx context.Context, userID domain.UserID) (float64, error) {
	msgs, err := m.store.ListQuarantineMessages(ctx, &userID)
	if err != nil {
		return 0, fmt.Errorf("rating recent quarantine activity: %w", err)
	}
	if len(msgs) > 0 {
		return 1.0, nil
	}
	return 0.0, nil
}

// SetActive activates or deactivates the protocol for userID, records the
// audit row, refreshes the local cache, and publishes the change on
// kv.QuarantineStatusChannel(), which the review API's websocket hub
// forwards to dashboards. Caches in other processes are not refreshed by
// it; their entries expire after the cache TTL.
// When activating, any messages already buffered in the Activity Tracker
// are bulk-moved into quarantine first.
func (m *Manager) SetActive(ctx context.Context, userID domain.UserID, active bool, reason, performer string) error {
	at := m.clock.Now()
	if err := m.store.SetProtocolStatus(ctx, userID, active, reason, performer, at); err != nil {
		return fmt.Errorf("setting protocol status: %w", err)
	}
	m.cache.Add(int64(userID), active)

	if active {
		buffered, err := m.activity.DrainToQuarantine(ctx, userID)
		if err != nil {
			slog.Error("quarantine: draining buffered messages failed", "user_id", userID, "error", err)
		}
		for _, msg := range buffered {
			if err := m.divertOne(ctx, msg); err != nil {
				slog.Error("quarantine: filing drained message failed", "user_id", userID, "error", err)
			}
		}
	}

	return m.publish(ctx, userID, active)
}

func (m *Manager) publish(ctx context.Context, userID domain.UserID, active bool) error {
	payload := fmt.Sprintf(`{"user_id":%d,"active":%t}`, int64(userID), active)
	if err := m.kvc.Raw().Publish(ctx, kv.QuarantineStatusChannel(), payload).Err(); err != nil {
		return fmt.Errorf("publishing protocol status change: %w", err)
	}
	return nil
}

// Release re-injects a quarantined message into the Activity Tracker as if
// freshly received, preserving its original received_at, then removes it
// from the quarantine store
// (§4.11's release operation). Satisfies pkg/review's QuarantineReleaser.
func (m *Manager) Release(ctx context.Context, qID string) error {
	qm, err := m.store.GetQuarantineMessage(ctx, qID)
	if err != nil {
		return fmt.Errorf("loading quarantine message: %w", err)
	}

	synthetic := domain.InboundMessage{
		UserID:     qm.UserID,
		ChatID:     qm.ChatID,
		Text:       qm.Text,
		ReceivedAt: qm.ReceivedAt,
	}
	if err := m.activity.OnInbound(ctx, synthetic); err != nil {
		return fmt.Errorf("re-injecting released message: %w", err)
	}

	if err := m.store.DeleteQuarantineMessage(ctx, qID); err != nil {
		return fmt.Errorf("deleting released quarantine message: %w", err)
	}
	return nil
}

// RunExpirySweep periodically deletes quarantine messages past their
// expires_at, logging a summary audit note per sweep (§4.11's TTL expiry).
func (m *Manager) RunExpirySweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.store.ExpireQuarantineMessages(ctx, m.clock.Now())
			if err != nil {
				slog.Error("quarantine: expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("quarantine: expired messages", "count", n)
			}
		}
	}
}
