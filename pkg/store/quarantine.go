package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/domain"
)

// ProtocolActive reports whether userID is currently under the silence
// protocol, implementing supervisor.ProtocolChecker when the quarantine
// package's short-TTL cache misses.
func (s *Store) ProtocolActive(ctx context.Context, userID domain.UserID) (bool, error) {
	var active bool
	err := s.pool.QueryRow(ctx, `SELECT active FROM protocol_status WHERE user_id = $1`, int64(userID)).Scan(&active)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading protocol status: %w", err)
	}
	return active, nil
}

// SetProtocolStatus activates or deactivates the protocol for userID,
// writing an audit row inside the same transaction.
func (s *Store) SetProtocolStatus(ctx context.Context, userID domain.UserID, active bool, reason, performer string, at time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning protocol status transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var since *time.Time
	if active {
		since = &at
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO protocol_status (user_id, active, since, reason, performer)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (user_id) DO UPDATE SET
			active = EXCLUDED.active, since = EXCLUDED.since,
			reason = EXCLUDED.reason, performer = EXCLUDED.performer
	`, int64(userID), active, since, reason, performer); err != nil {
		return fmt.Errorf("upserting protocol status: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO protocol_audit_log (user_id, active, reason, performer, at)
		VALUES ($1,$2,$3,$4,$5)
	`, int64(userID), active, reason, performer, at); err != nil {
		return fmt.Errorf("recording protocol audit row: %w", err)
	}

	return tx.Commit(ctx)
}

// InsertQuarantineMessage stores a diverted inbound message.
func (s *Store) InsertQuarantineMessage(ctx context.Context, m *domain.QuarantineMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO quarantine_messages (q_id, user_id, chat_id, text, received_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, m.QID, int64(m.UserID), m.ChatID, m.Text, m.ReceivedAt, m.ExpiresAt)
	if err != nil {
		return fmt.Errorf("inserting quarantine message: %w", err)
	}
	return nil
}

// ListQuarantineMessages lists messages, optionally filtered by user.
func (s *Store) ListQuarantineMessages(ctx context.Context, userID *domain.UserID) ([]*domain.QuarantineMessage, error) {
	var rows pgx.Rows
	var err error
	if userID != nil {
		rows, err = s.pool.Query(ctx, `
			SELECT q_id, user_id, chat_id, text, received_at, expires_at
			FROM quarantine_messages WHERE user_id = $1 ORDER BY received_at
		`, int64(*userID))
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT q_id, user_id, chat_id, text, received_at, expires_at
			FROM quarantine_messages ORDER BY received_at
		`)
	}
	if err != nil {
		return nil, fmt.Errorf("listing quarantine messages: %w", err)
	}
	defer rows.Close()

	var out []*domain.QuarantineMessage
	for rows.Next() {
		var m domain.QuarantineMessage
		var uid int64
		if err := rows.Scan(&m.QID, &uid, &m.ChatID, &m.Text, &m.ReceivedAt, &m.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scanning quarantine message: %w", err)
		}
		m.UserID = domain.UserID(uid)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// GetQuarantineMessage loads one message by id, for release().
func (s *Store) GetQuarantineMessage(ctx context.Context, qID string) (*domain.QuarantineMessage, error) {
	var m domain.QuarantineMessage
	var uid int64
	err := s.pool.QueryRow(ctx, `
		SELECT q_id, user_id, chat_id, text, received_at, expires_at
		FROM quarantine_messages WHERE q_id = $1
	`, qID).Scan(&m.QID, &uid, &m.ChatID, &m.Text, &m.ReceivedAt, &m.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("reading quarantine message: %w", err)
	}
	m.UserID = domain.UserID(uid)
	return &m, nil
}

// DeleteQuarantineMessage removes a message after release or expiry.
func (s *Store) DeleteQuarantineMessage(ctx context.Context, qID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM quarantine_messages WHERE q_id = $1`, qID)
	if err != nil {
		return fmt.Errorf("deleting quarantine message: %w", err)
	}
	return nil
}

// ExpireQuarantineMessages deletes every message past its expires_at,
// returning how many were removed (§4.11's TTL sweep).
func (s *Store) ExpireQuarantineMessages(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM quarantine_messages WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("expiring quarantine messages: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteUserQuarantine removes all of a user's quarantine rows, part of the
// GDPR erasure cascade.
func (s *Store) DeleteUserQuarantine(ctx context.Context, userID domain.UserID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM quarantine_messages WHERE user_id = $1`, int64(userID))
	if err != nil {
		return fmt.Errorf("deleting user quarantine messages: %w", err)
	}
	return nil
}
