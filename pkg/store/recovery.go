package store

import (
	"context"
	"fmt"

	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/domain"
)

// InsertRecoveryOperation records the start of a sweep.
func (s *Store) InsertRecoveryOperation(ctx context.Context, op *domain.RecoveryOperation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recovery_operations (op_id, started_at, status)
		VALUES ($1,$2,$3)
	`, op.OpID, op.StartedAt, op.Status)
	if err != nil {
		return fmt.Errorf("inserting recovery operation: %w", err)
	}
	return nil
}

// FinishRecoveryOperation records the sweep's outcome.
func (s *Store) FinishRecoveryOperation(ctx context.Context, op *domain.RecoveryOperation) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE recovery_operations
		SET finished_at = $2, users_scanned = $3, messages_recovered = $4, errors = $5, status = $6
		WHERE op_id = $1
	`, op.OpID, op.FinishedAt, op.UsersScanned, op.MessagesRecovered, op.Errors, op.Status)
	if err != nil {
		return fmt.Errorf("finishing recovery operation: %w", err)
	}
	return nil
}
