// Package recovery implements the Recovery Agent (C12): a scheduled sweep
// that reconciles each user's transport history against its message cursor
// and re-injects anything the pipeline missed.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/clock"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/domain"
)

const (
	tier1 = "TIER_1" // < 2h old
	tier2 = "TIER_2" // 2-12h old
	tier3 = "TIER_3" // > 12h old, only if the user was active in the last 24h
)

// Store is the subset of *store.Store the agent depends on.
type Store interface {
	ListCursors(ctx context.Context) ([]*domain.MessageCursor, error)
	InsertRecoveryOperation(ctx context.Context, op *domain.RecoveryOperation) error
	FinishRecoveryOperation(ctx context.Context, op *domain.RecoveryOperation) error
}

// ProtocolChecker skips users currently under the silence protocol (§4.12
// step 4), satisfied by pkg/quarantine.Manager.
type ProtocolChecker interface {
	IsActive(ctx context.Context, userID domain.UserID) (bool, error)
}

// Transport is the narrow capability the agent needs from C1.
type Transport interface {
	ScanHistory(ctx context.Context, chatID int64, sinceMessageID int64, limit int) ([]domain.InboundMessage, error)
}

// ActivityTracker re-injects a synthetic recovered message just like a
// freshly-received one.
type ActivityTracker interface {
	OnInbound(ctx context.Context, m domain.InboundMessage) error
}

// Options configures one Agent, mirroring the RECOVERY_* settings in §6.5.
type Options struct {
	MaxAge            time.Duration // messages older than this are never recovered
	MaxPerUser        int           // ScanHistory limit per user per sweep
	MaxConcurrentUsers int64        // global concurrency semaphore width
	TransportRPS      float64       // transport-rate semaphore, in history scans/sec
	ConsecutiveErrorAbort int       // abort the sweep after this many consecutive per-user errors
}

// Agent runs the periodic sweep described in §4.12.
type Agent struct {
	store     Store
	protocol  ProtocolChecker
	transport Transport
	activity  ActivityTracker
	clock     clock.Clock
	opts      Options
	userSem   *semaphore.Weighted
	rateLim   *rate.Limiter
	cron      *cron.Cron
}

func New(st Store, protocol ProtocolChecker, t Transport, activity ActivityTracker, c clock.Clock, opts Options) *Agent {
	return &Agent{
		store:     st,
		protocol:  protocol,
		transport: t,
		activity:  activity,
		clock:     c,
		opts:      opts,
		userSem:   semaphore.NewWeighted(opts.MaxConcurrentUsers),
		rateLim:   rate.NewLimiter(rate.Limit(opts.TransportRPS), 1),
	}
}

// StartSchedule runs one sweep immediately and then on the given cron
// schedule (e.g. "@every 30m"), per §4.12's "on startup and on a schedule".
func (a *Agent) StartSchedule(ctx context.Context, spec string) error {
	a.RunSweep(ctx)

	a.cron = cron.New()
	_, err := a.cron.AddFunc(spec, func() { a.RunSweep(ctx) })
	if err != nil {
		return fmt.Errorf("scheduling recovery sweep %q: %w", spec, err)
	}
	a.cron.Start()
	return nil
}

// Stop halts the schedule; an in-flight sweep is allowed to finish.
func (a *Agent) Stop() {
	if a.cron != nil {
		a.cron.Stop()
	}
}

// RunSweep performs one full pass over every known cursor.
func (a *Agent) RunSweep(ctx context.Context) {
	op := &domain.RecoveryOperation{
		OpID:      uuid.NewString(),
		StartedAt: a.clock.Now(),
		Status:    "running",
	}
	if err := a.store.InsertRecoveryOperation(ctx, op); err != nil {
		slog.Error("recovery: recording sweep start failed", "error", err)
		return
	}

	cursors, err := a.store.ListCursors(ctx)
	if err != nil {
		slog.Error("recovery: listing cursors failed", "error", err)
		a.finish(ctx, op, 0, 0, 1, "aborted")
		return
	}

	var scanned, recovered, errs int
	consecutiveErrors := 0

sweep:
	for _, cur := range cursors {
		select {
		case <-ctx.Done():
			break sweep
		default:
		}

		if err := a.userSem.Acquire(ctx, 1); err != nil {
			break sweep
		}
		n, err := a.recoverUser(ctx, cur)
		a.userSem.Release(1)

		scanned++
		if err != nil {
			errs++
			consecutiveErrors++
			slog.Error("recovery: user recovery failed", "user_id", cur.UserID, "error", err)
			if a.opts.ConsecutiveErrorAbort > 0 && consecutiveErrors >= a.opts.ConsecutiveErrorAbort {
				slog.Error("recovery: aborting sweep after consecutive errors", "count", consecutiveErrors)
				a.finish(ctx, op, scanned, recovered, errs, "aborted")
				return
			}
			continue
		}
		consecutiveErrors = 0
		recovered += n
	}

	a.finish(ctx, op, scanned, recovered, errs, "completed")
}

func (a *Agent) finish(ctx context.Context, op *domain.RecoveryOperation, scanned, recovered, errs int, status string) {
	now := a.clock.Now()
	op.FinishedAt = &now
	op.UsersScanned = scanned
	op.MessagesRecovered = recovered
	op.Errors = errs
	op.Status = status
	if err := a.store.FinishRecoveryOperation(ctx, op); err != nil {
		slog.Error("recovery: recording sweep outcome failed", "error", err)
	}
}

// recoverUser reconciles one user's cursor against transport history,
// classifying and re-injecting TIER_1/TIER_2 misses (§4.12 steps 1-3).
func (a *Agent) recoverUser(ctx context.Context, cur *domain.MessageCursor) (int, error) {
	active, err := a.protocol.IsActive(ctx, cur.UserID)
	if err != nil {
		return 0, fmt.Errorf("checking protocol status: %w", err)
	}
	if active {
		return 0, nil // §4.12 step 4: skip quarantined users
	}

	if err := a.rateLim.Wait(ctx); err != nil {
		return 0, err
	}

	missed, err := a.transport.ScanHistory(ctx, chatIDFromCursor(cur), cur.LastProcessedTransportMsgID, a.opts.MaxPerUser)
	if err != nil {
		return 0, fmt.Errorf("scanning transport history: %w", err)
	}

	now := a.clock.Now()
	recentlyActive := now.Sub(cur.LastProcessedAt) <= 24*time.Hour
	recovered := 0

	for _, msg := range missed {
		tier, ok := classify(msg.ReceivedAt, now, a.opts.MaxAge, recentlyActive)
		if !ok {
			continue
		}
		msg.Recovered = true
		msg.Tier = tier
		if err := a.activity.OnInbound(ctx, msg); err != nil {
			return recovered, fmt.Errorf("re-injecting recovered message: %w", err)
		}
		recovered++
	}
	return recovered, nil
}

// classify buckets a missed message by age (§4.12 step 2). TIER_3 messages
// are only recovered when the user has been active in the last 24h; older
// than maxAge is skipped outright.
func classify(receivedAt, now time.Time, maxAge time.Duration, recentlyActive bool) (string, bool) {
	age := now.Sub(receivedAt)
	switch {
	case age > maxAge:
		return "", false
	case age < 2*time.Hour:
		return tier1, true
	case age < 12*time.Hour:
		return tier2, true
	default:
		if !recentlyActive {
			return "", false
		}
		return tier3, true
	}
}

// chatIDFromCursor assumes a 1:1 private-chat/user mapping, true of every
// adapter named in §4.1; group chats are out of spec scope.
func chatIDFromCursor(cur *domain.MessageCursor) int64 {
	return int64(cur.UserID)
}
