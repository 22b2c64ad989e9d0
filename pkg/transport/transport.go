// Package transport defines the capability the core requires from the chat
// transport (§4.1). The concrete MTProto/Bot API client is an external
// collaborator, deliberately out of scope; this package narrows the
// teacher's broad Channel interface down to exactly the five primitives
// the spec names, and supplies the shared retry policy every adapter uses.
package transport

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/domain"
)

// EntityHandle is an opaque, provider-specific handle returned by
// ResolveEntity. Callers never inspect its contents.
type EntityHandle any

// TypingEvent reports a user's typing state, used by the Activity Tracker
// to extend its adaptive window (§4.2).
type TypingEvent struct {
	UserID UserID
	ChatID int64
	Typing bool
}

type UserID = domain.UserID

// InboundHandler receives push notifications for inbound private messages.
type InboundHandler func(domain.InboundMessage)

// TypingHandler receives push notifications for typing state changes.
type TypingHandler func(TypingEvent)

// Transport is the capability set C1 exposes to the rest of the core.
// Implementations classify their own errors via IsTransientError so
// Do() can apply the shared backoff policy uniformly.
type Transport interface {
	// Subscribe registers push callbacks for inbound messages and typing
	// events (typing is optional: an adapter with no typing signal simply
	// never calls its TypingHandler).
	Subscribe(ctx context.Context, onMessage InboundHandler, onTyping TypingHandler) error

	// Send delivers text to a chat.
	Send(ctx context.Context, chatID int64, text string) error

	// SetTyping toggles the outbound typing indicator for a chat.
	SetTyping(ctx context.Context, chatID int64, typing bool) error

	// ScanHistory returns up to limit messages newer than sinceMessageID,
	// oldest first, used by the Recovery Agent (§4.12).
	ScanHistory(ctx context.Context, chatID int64, sinceMessageID int64, limit int) ([]domain.InboundMessage, error)

	// ResolveEntity warms/returns an opaque handle for a user, used by the
	// Entity Resolver (§4.13) so typing/send never fail cold.
	ResolveEntity(ctx context.Context, userID UserID) (EntityHandle, error)

	// IsTransientError classifies an error returned by any of the above as
	// transient (retry) vs. permanent (forbidden, deleted chat).
	IsTransientError(err error) bool
}

// RetryPolicy builds the shared exponential-backoff-with-jitter policy
// named in §4.1: base 1s, factor 2, cap 30s, jitter ±20%.
func RetryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // bounded by the caller's context deadline instead
	b.RandomizationFactor = 0.2
	return backoff.WithContext(b, ctx)
}

// Do runs op, retrying transient errors per RetryPolicy and giving up
// immediately on permanent ones. Permanent errors are returned unwrapped so
// callers can mark the affected job delivery_failed without inspecting
// backoff internals.
func Do(ctx context.Context, t Transport, op func() error) error {
	var permanentErr error
	err := backoff.Retry(func() error {
		if err := op(); err != nil {
			if !t.IsTransientError(err) {
				permanentErr = err
				return nil // stop retrying, surfaced below
			}
			return err
		}
		return nil
	}, RetryPolicy(ctx))

	if permanentErr != nil {
		return permanentErr
	}
	return err
}

// jitteredSleep returns base shifted by a uniformly random amount of up to
// ±jitter×base; it does not sleep itself. Nothing in the module calls it.
func jitteredSleep(base time.Duration, jitter float64) time.Duration {
	delta := float64(base) * jitter * (rand.Float64()*2 - 1)
	return base + time.Duration(delta)
}
