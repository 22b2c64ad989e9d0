package store

import (
	"context"
	"fmt"

	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/domain"
)

// tombstoneUserID is the sentinel interactions.user_id is rewritten to on
// GDPR erasure (§4.9's DELETE /users/{user_id}): interactions are
// anonymized and retained for analytics rather than deleted outright.
const tombstoneUserID = -1

// AnonymizeInteractions rewrites every interaction row for userID to the
// tombstone id and blanks the free-text fields that could identify them,
// keeping the row for analytics per §4.9.
func (s *Store) AnonymizeInteractions(ctx context.Context, userID domain.UserID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE interactions
		SET user_id = $2, inbound_text = '', draft_text = ''
		WHERE user_id = $1
	`, int64(userID), int64(tombstoneUserID))
	if err != nil {
		return fmt.Errorf("anonymizing interactions: %w", err)
	}
	return nil
}

// DeleteUserStatus removes the user's current-status row; status
// transitions remain (they carry no message text) for analytics.
func (s *Store) DeleteUserStatus(ctx context.Context, userID domain.UserID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM user_current_status WHERE user_id = $1`, int64(userID))
	if err != nil {
		return fmt.Errorf("deleting user status: %w", err)
	}
	return nil
}
