// Package activity implements the Activity Tracker (C2): per-user
// adaptive-window batching that coalesces rapid consecutive messages into
// one PipelineJob (§4.2). The buffer is durable in Redis so it survives a
// process restart, mirroring the teacher's preference for durable state
// over in-memory-only structures wherever a restart could lose data.
package activity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"

	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/config"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/domain"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/kv"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/wal"
)

var json_ = jsoniter.ConfigCompatibleWithStandardLibrary

// activeUsersSet tracks every user with a non-empty buffer, so restart
// recovery doesn't need a KEYS scan over the whole keyspace.
const activeUsersSet = "act:users"

// Tracker owns the per-user buffer, deadline, and typing flag described in
// §4.2, and pushes closed windows onto the WAL.
type Tracker struct {
	kv       *kv.Client
	wal      *wal.WAL
	sys      *config.SystemConfig
	clock    Clock
	enable   bool
	protocol ProtocolChecker
	diverter Diverter
}

// Clock is the narrow time capability the tracker needs; satisfied by
// pkg/clock.Clock.
type Clock interface {
	Now() time.Time
}

// ProtocolChecker reports whether a user is currently silenced, satisfied
// by pkg/quarantine.Manager.
type ProtocolChecker interface {
	IsActive(ctx context.Context, userID domain.UserID) (bool, error)
}

// Diverter files a single inbound message straight to quarantine, skipping
// the buffer entirely, satisfied by pkg/quarantine.Manager.
type Diverter interface {
	DivertInbound(ctx context.Context, msg domain.InboundMessage) error
}

func New(kvc *kv.Client, w *wal.WAL, sys *config.SystemConfig, clock Clock) *Tracker {
	return &Tracker{kv: kvc, wal: w, sys: sys, clock: clock, enable: sys.EnableBatching}
}

// SetQuarantine wires the silence-protocol check into the inbound path
// (§4.11: "the Activity Tracker consults the cache before buffering").
// Constructed after New because the quarantine manager itself depends on
// the tracker's DrainToQuarantine/OnInbound capabilities.
func (t *Tracker) SetQuarantine(protocol ProtocolChecker, diverter Diverter) {
	t.protocol = protocol
	t.diverter = diverter
}

// OnInbound runs the algorithm in §4.2 for one inbound message. When
// ENABLE_BATCHING is false, every message becomes its own job immediately
// per §6.5.
func (t *Tracker) OnInbound(ctx context.Context, m domain.InboundMessage) error {
	if t.protocol != nil {
		active, err := t.protocol.IsActive(ctx, m.UserID)
		if err != nil {
			slog.Error("activity: protocol check failed, buffering normally", "user_id", m.UserID, "error", err)
		} else if active {
			return t.diverter.DivertInbound(ctx, m)
		}
	}

	if !t.enable {
		return t.flushSingle(ctx, m)
	}

	rdb := t.kv.Raw()
	userID := int64(m.UserID)
	bufKey := kv.ActivityBuffer(userID)

	raw, err := json_.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshaling inbound message: %w", err)
	}
	if err := rdb.RPush(ctx, bufKey, raw).Err(); err != nil {
		return fmt.Errorf("appending to activity buffer: %w", err)
	}
	if err := rdb.SAdd(ctx, activeUsersSet, userID).Err(); err != nil {
		return fmt.Errorf("marking active user: %w", err)
	}

	n, err := rdb.LLen(ctx, bufKey).Result()
	if err != nil {
		return fmt.Errorf("reading buffer length: %w", err)
	}

	first, err := t.firstReceivedAt(ctx, bufKey)
	if err != nil {
		return err
	}

	now := t.clock.Now()
	if n >= int64(t.sys.MaxBatch) || now.Sub(first) >= maxWait(t.sys) {
		return t.Flush(ctx, m.UserID)
	}

	typing, err := rdb.Get(ctx, kv.ActivityTyping(userID)).Bool()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("reading typing flag: %w", err)
	}

	window := windowInitial(t.sys)
	if typing {
		window = windowTypingExt(t.sys)
	}
	deadline := now.Add(window)
	cap := first.Add(maxWait(t.sys))
	if deadline.After(cap) {
		deadline = cap
	}

	return rdb.ZAdd(ctx, kv.ActivityDueSet(), redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: userID,
	}).Err()
}

// OnTyping records the typing flag with a short TTL matching
// WINDOW_TYPING_EXT, so a stale flag can't extend a window forever.
func (t *Tracker) OnTyping(ctx context.Context, userID domain.UserID, typing bool) error {
	key := kv.ActivityTyping(int64(userID))
	if !typing {
		return t.kv.Raw().Del(ctx, key).Err()
	}
	return t.kv.Raw().Set(ctx, key, true, windowTypingExt(t.sys)).Err()
}

func (t *Tracker) firstReceivedAt(ctx context.Context, bufKey string) (time.Time, error) {
	raw, err := t.kv.Raw().LIndex(ctx, bufKey, 0).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("reading first buffered message: %w", err)
	}
	var first domain.InboundMessage
	if err := json_.Unmarshal([]byte(raw), &first); err != nil {
		return time.Time{}, fmt.Errorf("decoding first buffered message: %w", err)
	}
	return first.ReceivedAt, nil
}

// RunDeadlineLoop periodically scans the due set and flushes any user
// whose deadline has passed, implementing the "single timer per user"
// contract as a shared polling loop instead of one goroutine-timer per
// user, which would not survive a restart.
func (t *Tracker) RunDeadlineLoop(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.flushDue(ctx); err != nil {
				slog.Error("activity: flush due scan failed", "error", err)
			}
		}
	}
}

func (t *Tracker) flushDue(ctx context.Context) error {
	now := t.clock.Now()
	ids, err := t.kv.Raw().ZRangeByScore(ctx, kv.ActivityDueSet(), &redis.ZRangeBy{
		Min: "0", Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return fmt.Errorf("scanning due set: %w", err)
	}
	for _, idStr := range ids {
		var userID int64
		if _, err := fmt.Sscanf(idStr, "%d", &userID); err != nil {
			continue
		}
		if err := t.Flush(ctx, domain.UserID(userID)); err != nil {
			slog.Error("activity: flush failed", "user_id", userID, "error", err)
		}
	}
	return nil
}

// RecoverOnStart flushes any buffer whose oldest message already exceeds
// MAX_WAIT, per §4.2's restart-recovery requirement.
func (t *Tracker) RecoverOnStart(ctx context.Context) error {
	userIDs, err := t.kv.Raw().SMembers(ctx, activeUsersSet).Result()
	if err != nil {
		return fmt.Errorf("listing active users: %w", err)
	}
	for _, idStr := range userIDs {
		var userID int64
		if _, err := fmt.Sscanf(idStr, "%d", &userID); err != nil {
			continue
		}
		bufKey := kv.ActivityBuffer(userID)
		first, err := t.firstReceivedAt(ctx, bufKey)
		if err != nil {
			continue
		}
		if t.clock.Now().Sub(first) >= maxWait(t.sys) {
			if err := t.Flush(ctx, domain.UserID(userID)); err != nil {
				slog.Error("activity: recovery flush failed", "user_id", userID, "error", err)
			}
		}
	}
	return nil
}

// Flush atomically drains a user's buffer into one PipelineJob and pushes
// it onto the WAL (§4.2's flush semantics).
func (t *Tracker) Flush(ctx context.Context, userID domain.UserID) error {
	rdb := t.kv.Raw()
	bufKey := kv.ActivityBuffer(int64(userID))

	pipe := rdb.TxPipeline()
	rangeCmd := pipe.LRange(ctx, bufKey, 0, -1)
	pipe.Del(ctx, bufKey)
	pipe.ZRem(ctx, kv.ActivityDueSet(), int64(userID))
	pipe.SRem(ctx, activeUsersSet, int64(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("draining activity buffer: %w", err)
	}

	raws, err := rangeCmd.Result()
	if err != nil || len(raws) == 0 {
		return nil // nothing buffered (duplicate timer fire, already flushed)
	}

	msgs := make([]domain.InboundMessage, 0, len(raws))
	texts := make([]string, 0, len(raws))
	for _, raw := range raws {
		var m domain.InboundMessage
		if err := json_.Unmarshal([]byte(raw), &m); err != nil {
			return fmt.Errorf("decoding buffered message: %w", err)
		}
		msgs = append(msgs, m)
		texts = append(texts, m.Text)
	}

	job := domain.PipelineJob{
		UserID:        userID,
		ChatID:        msgs[0].ChatID,
		Messages:      msgs,
		CoalescedText: joinLines(texts),
		CreatedAt:     t.clock.Now(),
	}
	if err := t.wal.Enqueue(ctx, &job); err != nil {
		return fmt.Errorf("enqueueing pipeline job: %w", err)
	}
	return nil
}

// DrainToQuarantine atomically empties a user's buffer without enqueueing a
// PipelineJob, returning the drained messages so the caller can file them as
// QuarantineMessages instead. Used when the silence protocol activates for a
// user with messages already buffered (§4.11).
func (t *Tracker) DrainToQuarantine(ctx context.Context, userID domain.UserID) ([]domain.InboundMessage, error) {
	rdb := t.kv.Raw()
	bufKey := kv.ActivityBuffer(int64(userID))

	pipe := rdb.TxPipeline()
	rangeCmd := pipe.LRange(ctx, bufKey, 0, -1)
	pipe.Del(ctx, bufKey)
	pipe.ZRem(ctx, kv.ActivityDueSet(), int64(userID))
	pipe.SRem(ctx, activeUsersSet, int64(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("draining activity buffer to quarantine: %w", err)
	}

	raws, err := rangeCmd.Result()
	if err != nil || len(raws) == 0 {
		return nil, nil
	}

	msgs := make([]domain.InboundMessage, 0, len(raws))
	for _, raw := range raws {
		var m domain.InboundMessage
		if err := json_.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("decoding buffered message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (t *Tracker) flushSingle(ctx context.Context, m domain.InboundMessage) error {
	job := domain.PipelineJob{
		UserID:        m.UserID,
		ChatID:        m.ChatID,
		Messages:      []domain.InboundMessage{m},
		CoalescedText: m.Text,
		CreatedAt:     t.clock.Now(),
	}
	return t.wal.Enqueue(ctx, &job)
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

func windowInitial(sys *config.SystemConfig) time.Duration {
	return time.Duration(sys.WindowInitialMs) * time.Millisecond
}
func windowTypingExt(sys *config.SystemConfig) time.Duration {
	return time.Duration(sys.WindowTypingExtMs) * time.Millisecond
}
func maxWait(sys *config.SystemConfig) time.Duration {
	return time.Duration(sys.MaxWaitSec) * time.Second
}
