// Package entity implements the Entity Resolver (C13): a warm cache of
// transport entity handles so delivery and typing calls never pay a cold
// lookup.
package entity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/domain"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/transport"
)

// DialogSource supplies the transport's most recently active dialogs for
// warmup, and resolves a single user on a cache miss. Its ResolveEntity
// method shares transport.Transport's exact signature so any concrete
// adapter satisfies both without an adapter shim.
type DialogSource interface {
	RecentDialogs(ctx context.Context, limit int) ([]domain.UserID, error)
	ResolveEntity(ctx context.Context, userID domain.UserID) (transport.EntityHandle, error)
}

// Resolver owns the LRU+TTL cache described in §4.13.
type Resolver struct {
	source     DialogSource
	cache      *lru.LRU[int64, transport.EntityHandle]
	retries    int
	retryDelay time.Duration
}

func New(source DialogSource, cacheMax int, cacheTTL time.Duration) *Resolver {
	return &Resolver{
		source:     source,
		cache:      lru.NewLRU[int64, transport.EntityHandle](cacheMax, nil, cacheTTL),
		retries:    2,
		retryDelay: 200 * time.Millisecond,
	}
}

// Warmup resolves and caches the most recently active dialogs at startup,
// per §4.13's "warm the cache with the most recent WARMUP_N dialogs".
func (r *Resolver) Warmup(ctx context.Context, n int) {
	users, err := r.source.RecentDialogs(ctx, n)
	if err != nil {
		slog.Error("entity: listing recent dialogs for warmup failed", "error", err)
		return
	}
	for _, userID := range users {
		if _, err := r.Resolve(ctx, userID); err != nil {
			slog.Warn("entity: warmup resolve failed", "user_id", userID, "error", err)
		}
	}
	slog.Info("entity: warmup complete", "requested", n, "resolved", len(users))
}

// Resolve returns a cached handle or, on a cold miss, resolves through the
// transport with a small retry loop before caching the result.
func (r *Resolver) Resolve(ctx context.Context, userID domain.UserID) (transport.EntityHandle, error) {
	if h, ok := r.cache.Get(int64(userID)); ok {
		return h, nil
	}

	var handle transport.EntityHandle
	var err error
	for attempt := 0; attempt <= r.retries; attempt++ {
		handle, err = r.source.ResolveEntity(ctx, userID)
		if err == nil {
			break
		}
		if attempt < r.retries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.retryDelay):
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("resolving entity for user %d after %d attempts: %w", userID, r.retries+1, err)
	}

	r.cache.Add(int64(userID), handle)
	return handle, nil
}

// Invalidate drops a cached handle, used after a GDPR erasure or a
// transport-reported "chat deleted" permanent error.
func (r *Resolver) Invalidate(userID domain.UserID) {
	r.cache.Remove(int64(userID))
}
