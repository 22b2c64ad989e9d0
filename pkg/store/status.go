package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/domain"
)

// GetUserStatus returns the authoritative per-user sales-funnel record,
// defaulting to PROSPECT/zero-LTV for a user never seen before.
func (s *Store) GetUserStatus(ctx context.Context, userID domain.UserID) (*domain.UserCurrentStatus, error) {
	var status domain.UserCurrentStatus
	var customerStatus string
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, customer_status, ltv_total_usd, nickname
		FROM user_current_status WHERE user_id = $1
	`, int64(userID)).Scan(&status.UserID, &customerStatus, &status.LTVTotalUSD, &status.Nickname)
	if err == pgx.ErrNoRows {
		return &domain.UserCurrentStatus{UserID: userID, CustomerStatus: domain.CustomerProspect}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading user status: %w", err)
	}
	status.CustomerStatus = domain.CustomerStatus(customerStatus)
	return &status, nil
}

// UpdateUserStatus updates customer_status and/or applies an LTV delta,
// recording a status_transitions row when anything actually changed.
func (s *Store) UpdateUserStatus(ctx context.Context, userID domain.UserID, newStatus *domain.CustomerStatus, ltvDelta float64, reason, performer string, at time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning status update transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.GetUserStatus(ctx, userID)
	if err != nil {
		return err
	}

	toStatus := current.CustomerStatus
	if newStatus != nil {
		toStatus = *newStatus
	}

	if err := upsertUserStatusTx(ctx, tx, userID, toStatus, ltvDelta, ""); err != nil {
		return err
	}

	if toStatus != current.CustomerStatus || ltvDelta != 0 {
		if _, err := tx.Exec(ctx, `
			INSERT INTO status_transitions (user_id, from_status, to_status, delta_ltv, reason, performer, at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, int64(userID), string(current.CustomerStatus), string(toStatus), ltvDelta, reason, performer, at); err != nil {
			return fmt.Errorf("recording status transition: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// SetNickname updates only the nickname field.
func (s *Store) SetNickname(ctx context.Context, userID domain.UserID, nickname string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_current_status (user_id, nickname) VALUES ($1,$2)
		ON CONFLICT (user_id) DO UPDATE SET nickname = EXCLUDED.nickname
	`, int64(userID), nickname)
	if err != nil {
		return fmt.Errorf("setting nickname: %w", err)
	}
	return nil
}

type execTx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
}

func upsertUserStatusTx(ctx context.Context, tx execTx, userID domain.UserID, status domain.CustomerStatus, ltvDelta float64, nickname string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO user_current_status (user_id, customer_status, ltv_total_usd, nickname)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			customer_status = EXCLUDED.customer_status,
			ltv_total_usd = user_current_status.ltv_total_usd + $3
	`, int64(userID), string(status), ltvDelta, nickname)
	if err != nil {
		return fmt.Errorf("upserting user status: %w", err)
	}
	return nil
}
