// Package delivery implements the Delivery Worker (C10): it consumes the
// approved sub-queue and, for each item, simulates a human reading and
// typing cadence before sending the reviewer-approved bubbles.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/clock"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/domain"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/kv"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/transport"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Memory is the narrow capability the worker needs from the Memory
// Manager: recording the assistant turn on successful send.
type Memory interface {
	AppendAssistantTurn(ctx context.Context, userID domain.UserID, bubbles []string) error
}

// CursorStore advances a user's recovery cursor on successful send.
type CursorStore interface {
	SetCursor(ctx context.Context, userID domain.UserID, transportMsgID int64, at time.Time) error
}

// ReviewStore records delivery outcome on the originating ReviewItem.
type ReviewStore interface {
	MarkDelivered(ctx context.Context, reviewID string, at time.Time) error
	MarkDeliveryFailed(ctx context.Context, reviewID, reason string, at time.Time) error
}

// EntityResolver warms an entity handle before typing/send, satisfied by
// pkg/entity.Resolver so repeated deliveries to the same user never pay a
// cold lookup.
type EntityResolver interface {
	Resolve(ctx context.Context, userID domain.UserID) (transport.EntityHandle, error)
}

// Worker drains the approved sub-queue (§4.10). Per-user ordering is
// enforced by a short-TTL Redis slot lock: a worker that finds a user's
// slot already held parks the entry in that user's own wait queue instead
// of the shared queue's tail, so a later approval for a different user
// can't overtake it while the holder is still delivering. The slot holder
// drains its user's wait queue before releasing the slot.
type Worker struct {
	kv        *kv.Client
	transport transport.Transport
	mem       Memory
	cursors   CursorStore
	store     ReviewStore
	entities  EntityResolver
	clock     clock.Clock
	slotTTL   time.Duration
}

func New(kvc *kv.Client, t transport.Transport, mem Memory, cursors CursorStore, store ReviewStore, entities EntityResolver, c clock.Clock) *Worker {
	return &Worker{kv: kvc, transport: t, mem: mem, cursors: cursors, store: store, entities: entities, clock: c, slotTTL: 2 * time.Minute}
}

// Run pops entries off the approved queue until ctx is cancelled. Callers
// start N_deliver of these as independent goroutines for cross-user
// parallelism.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		raw, err := w.kv.Raw().BLPop(ctx, 5*time.Second, kv.ApprovedQueue()).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue // timeout with nothing queued, or a transient Redis error
		}

		var entry domain.ApprovedDeliveryEntry
		if err := json.Unmarshal([]byte(raw[1]), &entry); err != nil {
			slog.Error("delivery: discarding malformed approved entry", "error", err)
			continue
		}

		w.handle(ctx, entry, raw[1])
	}
}

// handle delivers one popped entry, or parks it behind whichever delivery
// for this user is already in flight. Whoever holds the slot keeps it and
// drains the user's wait queue before releasing, so entries for the same
// user are always delivered in the order they arrived.
func (w *Worker) handle(ctx context.Context, entry domain.ApprovedDeliveryEntry, raw string) {
	acquired, err := w.acquireSlot(ctx, entry.UserID)
	if err != nil {
		slog.Error("delivery: slot acquisition failed", "user_id", entry.UserID, "error", err)
		return
	}
	if !acquired {
		if err := w.kv.Raw().RPush(ctx, kv.DeliveryWaitQueue(int64(entry.UserID)), raw).Err(); err != nil {
			slog.Error("delivery: wait-queue enqueue failed", "review_id", entry.ReviewID, "error", err)
		}
		return
	}
	defer w.releaseSlot(ctx, entry.UserID)

	for {
		w.deliver(ctx, entry)

		next, err := w.kv.Raw().LPop(ctx, kv.DeliveryWaitQueue(int64(entry.UserID))).Result()
		if err != nil {
			return // empty wait queue (redis.Nil) or a transient error either way
		}
		entry = domain.ApprovedDeliveryEntry{}
		if err := json.Unmarshal([]byte(next), &entry); err != nil {
			slog.Error("delivery: discarding malformed wait-queue entry", "error", err)
			return
		}
	}
}

func (w *Worker) acquireSlot(ctx context.Context, userID domain.UserID) (bool, error) {
	return w.kv.Raw().SetNX(ctx, kv.DeliverySlot(int64(userID)), 1, w.slotTTL).Result()
}

func (w *Worker) releaseSlot(ctx context.Context, userID domain.UserID) {
	if err := w.kv.Raw().Del(ctx, kv.DeliverySlot(int64(userID))).Err(); err != nil {
		slog.Warn("delivery: slot release failed", "user_id", userID, "error", err)
	}
}

// deliver runs the read-delay / per-bubble typing-and-send cadence from
// §4.10 steps 1-5.
func (w *Worker) deliver(ctx context.Context, entry domain.ApprovedDeliveryEntry) {
	if _, err := w.entities.Resolve(ctx, entry.UserID); err != nil {
		slog.Warn("delivery: resolve entity failed, sending without a warm handle", "user_id", entry.UserID, "error", err)
	}

	readDelay := clampDuration(time.Duration(float64(len(entry.InboundText))*0.06*float64(time.Second)), 500*time.Millisecond, 4*time.Second)
	sleepCtx(ctx, readDelay)

	for _, bubble := range entry.Bubbles {
		if err := transport.Do(ctx, w.transport, func() error { return w.transport.SetTyping(ctx, entry.ChatID, true) }); err != nil {
			w.fail(ctx, entry, fmt.Sprintf("set_typing: %v", err))
			return
		}

		typingTime := clampDuration(time.Duration(float64(len(bubble))*0.08*float64(time.Second)), 800*time.Millisecond, 6*time.Second)
		sleepCtx(ctx, typingTime)

		if err := transport.Do(ctx, w.transport, func() error { return w.transport.SetTyping(ctx, entry.ChatID, false) }); err != nil {
			w.fail(ctx, entry, fmt.Sprintf("set_typing: %v", err))
			return
		}

		if err := transport.Do(ctx, w.transport, func() error { return w.transport.Send(ctx, entry.ChatID, bubble) }); err != nil {
			w.fail(ctx, entry, fmt.Sprintf("send: %v", err))
			return
		}

		sleepCtx(ctx, interBubblePause())
	}

	w.succeed(ctx, entry)
}

func (w *Worker) succeed(ctx context.Context, entry domain.ApprovedDeliveryEntry) {
	now := w.clock.Now()
	if err := w.mem.AppendAssistantTurn(ctx, entry.UserID, entry.Bubbles); err != nil {
		slog.Error("delivery: memory update failed after successful send", "review_id", entry.ReviewID, "error", err)
	}
	if entry.LastMessageID > 0 {
		if err := w.cursors.SetCursor(ctx, entry.UserID, entry.LastMessageID, now); err != nil {
			slog.Error("delivery: cursor update failed after successful send", "review_id", entry.ReviewID, "error", err)
		}
	}
	if err := w.store.MarkDelivered(ctx, entry.ReviewID, now); err != nil {
		slog.Error("delivery: marking delivered failed", "review_id", entry.ReviewID, "error", err)
	}
}

// fail records a permanent send failure per §4.10 step 5: memory and the
// cursor are deliberately left untouched.
func (w *Worker) fail(ctx context.Context, entry domain.ApprovedDeliveryEntry, reason string) {
	slog.Error("delivery: permanent send failure", "review_id", entry.ReviewID, "reason", reason)
	if err := w.store.MarkDeliveryFailed(ctx, entry.ReviewID, reason, w.clock.Now()); err != nil {
		slog.Error("delivery: marking delivery_failed failed", "review_id", entry.ReviewID, "error", err)
	}
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

// interBubblePause is a uniform random delay in [0.5s, 1.5s] between
// bubbles, per §4.10 step 3.
func interBubblePause() time.Duration {
	return time.Duration(500+rand.Intn(1000)) * time.Millisecond
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
