package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/domain"
)

// GetCursor returns a user's recovery cursor, zero-valued if never set.
func (s *Store) GetCursor(ctx context.Context, userID domain.UserID) (*domain.MessageCursor, error) {
	var c domain.MessageCursor
	var uid int64
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, last_processed_transport_msg_id, last_processed_at
		FROM message_cursors WHERE user_id = $1
	`, int64(userID)).Scan(&uid, &c.LastProcessedTransportMsgID, &c.LastProcessedAt)
	if err == pgx.ErrNoRows {
		return &domain.MessageCursor{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading message cursor: %w", err)
	}
	c.UserID = domain.UserID(uid)
	return &c, nil
}

// SetCursor upserts the last processed transport message id for a user,
// called by the Delivery Worker on successful send (§4.10 step 4).
func (s *Store) SetCursor(ctx context.Context, userID domain.UserID, transportMsgID int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO message_cursors (user_id, last_processed_transport_msg_id, last_processed_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (user_id) DO UPDATE SET
			last_processed_transport_msg_id = EXCLUDED.last_processed_transport_msg_id,
			last_processed_at = EXCLUDED.last_processed_at
	`, int64(userID), transportMsgID, at)
	if err != nil {
		return fmt.Errorf("setting message cursor: %w", err)
	}
	return nil
}

// DeleteCursor removes a user's cursor row, part of the GDPR cascade.
func (s *Store) DeleteCursor(ctx context.Context, userID domain.UserID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM message_cursors WHERE user_id = $1`, int64(userID))
	if err != nil {
		return fmt.Errorf("deleting message cursor: %w", err)
	}
	return nil
}

// ListCursors returns every tracked cursor, used by the Recovery Agent to
// find candidate users for a sweep.
func (s *Store) ListCursors(ctx context.Context) ([]*domain.MessageCursor, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id, last_processed_transport_msg_id, last_processed_at FROM message_cursors`)
	if err != nil {
		return nil, fmt.Errorf("listing message cursors: %w", err)
	}
	defer rows.Close()

	var out []*domain.MessageCursor
	for rows.Next() {
		var c domain.MessageCursor
		var uid int64
		if err := rows.Scan(&uid, &c.LastProcessedTransportMsgID, &c.LastProcessedAt); err != nil {
			return nil, fmt.Errorf("scanning message cursor: %w", err)
		}
		c.UserID = domain.UserID(uid)
		out = append(out, &c)
	}
	return out, rows.Err()
}
