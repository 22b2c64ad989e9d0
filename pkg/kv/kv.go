// Package kv wraps the shared Redis client and centralizes the keyspace
// layout named in spec §6.4 so no other package constructs a key string by
// hand. This collapses the "per-user mutable Redis keys touched from
// several modules" pattern into one place, the way the Memory Manager is
// the sole owner of conversation state.
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is the thin wrapper every component depends on instead of a raw
// *redis.Client, mirroring the teacher's preference for injected,
// narrowly-scoped capabilities over a shared global handle.
type Client struct {
	rdb *redis.Client
}

// New builds a client from a URL of the form
// redis://[:password@]host:port/db. It does not connect: the connection
// is opened lazily by the first command (or Ping).
func New(url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing KV_URL: %w", err)
	}
	return &Client{rdb: redis.NewClient(opts)}, nil
}

// Raw exposes the underlying client for packages that need Redis
// primitives not covered by a helper below (sorted sets, pub/sub).
func (c *Client) Raw() *redis.Client { return c.rdb }

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// IsTransientError classifies Redis errors the way the teacher's
// LLMClient.IsTransientError classifies provider errors: redis.Nil is a
// normal miss, not an error worth retrying; everything else that isn't a
// context cancellation is treated as transient I/O per §7.
func (c *Client) IsTransientError(err error) bool {
	if err == nil || err == redis.Nil {
		return false
	}
	return err != context.Canceled && err != context.DeadlineExceeded
}

// Keyspace prefixes, verbatim from spec §6.4.
const (
	prefixWAL       = "wal:"
	prefixActivity  = "act:"
	prefixApproved  = "approved:"
	prefixQuarItems = "quar:items"
	prefixQuarQueue = "quar:queue"
	prefixProcLock  = "lock:proc:"
	prefixQuota     = "quota:"
	prefixCursor    = "cursor:"
	prefixEntity    = "entity:"
	prefixDeliverySlot = "lock:deliver:"
	prefixDeliveryWait = "wait:deliver:"
)

// WALStream is the Redis stream/list key backing the write-ahead log.
func WALStream() string { return prefixWAL + "jobs" }

// WALLeaseKey is the per-job visibility-timeout key used to implement the
// reservation lease semantics of enqueue/reserve/ack/nack.
func WALLeaseKey(jobID string) string { return prefixWAL + "lease:" + jobID }

// WALJobKey stores the serialized job body by job_id.
func WALJobKey(jobID string) string { return prefixWAL + "job:" + jobID }

// WALProcessingList is the BRPOPLPUSH destination holding reserved-but-
// unacked job IDs.
func WALProcessingList() string { return prefixWAL + "processing" }

// ActivityBuffer is the per-user adaptive-window message buffer.
func ActivityBuffer(userID int64) string {
	return fmt.Sprintf("%s%d:buf", prefixActivity, userID)
}

// ActivityDeadline stores the per-user flush deadline as a unix-milli score
// so a single timer process can scan for due users.
func ActivityDeadline(userID int64) string {
	return fmt.Sprintf("%s%d:deadline", prefixActivity, userID)
}

// ActivityTyping stores the per-user typing flag with its own short TTL.
func ActivityTyping(userID int64) string {
	return fmt.Sprintf("%s%d:typing", prefixActivity, userID)
}

// ActivityDueSet is a sorted set of user IDs scored by flush deadline,
// letting the tracker find all due users without scanning every key.
func ActivityDueSet() string { return prefixActivity + "due" }

// ApprovedQueue is the FIFO of approved ReviewItems awaiting delivery.
func ApprovedQueue() string { return prefixApproved + "queue" }

// QuarantineItems is the hash of q_id -> serialized QuarantineMessage.
func QuarantineItems() string { return prefixQuarItems }

// QuarantineQueue is the sorted set of q_id scored by received_at.
func QuarantineQueue() string { return prefixQuarQueue }

// QuarantineStatusChannel is the pub/sub channel broadcasting
// ProtocolStatus changes.
func QuarantineStatusChannel() string { return "quar:status" }

// ProcLock is the per-user processing lock the Supervisor holds for the
// duration of a job.
func ProcLock(userID int64) string {
	return fmt.Sprintf("%s%d", prefixProcLock, userID)
}

// Quota is the daily token counter key for a provider/model pair.
func Quota(provider, model string, day time.Time) string {
	return fmt.Sprintf("%s%s:%s:%s", prefixQuota, provider, model, day.Format("2006-01-02"))
}

// Cursor stores the per-user MessageCursor.
func Cursor(userID int64) string {
	return fmt.Sprintf("%s%d", prefixCursor, userID)
}

// EntityWarm marks a user as present in the Entity Resolver's warm set.
func EntityWarm(userID int64) string {
	return fmt.Sprintf("%s%d", prefixEntity, userID)
}

// DeliverySlot is the in-KV marker for the per-user delivery slot, used to
// detect a crashed delivery worker holding a stale slot across restarts.
func DeliverySlot(userID int64) string {
	return fmt.Sprintf("%s%d", prefixDeliverySlot, userID)
}

// DeliveryWaitQueue holds approved entries for a user whose delivery slot
// is already held by another worker. Entries wait here in approval order
// instead of being requeued to the tail of the shared approved queue,
// where a later approval for a different user could overtake them.
func DeliveryWaitQueue(userID int64) string {
	return fmt.Sprintf("%s%d", prefixDeliveryWait, userID)
}
