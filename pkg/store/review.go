package store

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Create inserts a freshly-built ReviewItem, implementing
// supervisor.ReviewStore.
func (s *Store) Create(ctx context.Context, item *domain.ReviewItem) error {
	safety, err := json.Marshal(item.Safety)
	if err != nil {
		return fmt.Errorf("encoding safety report: %w", err)
	}
	llm1, err := json.Marshal(item.LLM1)
	if err != nil {
		return fmt.Errorf("encoding llm1 record: %w", err)
	}
	llm2, err := json.Marshal(item.LLM2)
	if err != nil {
		return fmt.Errorf("encoding llm2 record: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO interactions (
			review_id, user_id, chat_id, inbound_text, draft_text, refined_bubbles,
			safety, llm1, llm2, priority_score, status, customer_status,
			processing_error, recovered, tier, last_message_id, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`,
		item.ReviewID, int64(item.UserID), item.ChatID, item.InboundText, item.DraftText, item.RefinedBubbles,
		safety, llm1, llm2, item.PriorityScore, string(item.Status), string(item.CustomerStatus),
		item.ProcessingError, item.Recovered, item.Tier, item.LastMessageID, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting review item: %w", err)
	}
	return nil
}

// Get loads one ReviewItem by id.
func (s *Store) Get(ctx context.Context, reviewID string) (*domain.ReviewItem, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT review_id, user_id, chat_id, inbound_text, draft_text, refined_bubbles,
		       final_bubbles, safety, llm1, llm2, priority_score, status, reviewer_id,
		       review_started_at, review_completed_at, edit_tags, quality_score, cta,
		       customer_status, processing_error, delivered_at, delivery_failed_reason,
		       recovered, tier, last_message_id, created_at, updated_at
		FROM interactions WHERE review_id = $1
	`, reviewID)
	return scanReviewItem(row)
}

// ListPending returns up to limit pending items ordered by priority_score
// descending, for GET /reviews/pending.
func (s *Store) ListPending(ctx context.Context, limit int) ([]*domain.ReviewItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT review_id, user_id, chat_id, inbound_text, draft_text, refined_bubbles,
		       final_bubbles, safety, llm1, llm2, priority_score, status, reviewer_id,
		       review_started_at, review_completed_at, edit_tags, quality_score, cta,
		       customer_status, processing_error, delivered_at, delivery_failed_reason,
		       recovered, tier, last_message_id, created_at, updated_at
		FROM interactions WHERE status = 'pending'
		ORDER BY priority_score DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing pending review items: %w", err)
	}
	defer rows.Close()

	var out []*domain.ReviewItem
	for rows.Next() {
		item, err := scanReviewItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReviewItem(row rowScanner) (*domain.ReviewItem, error) {
	var item domain.ReviewItem
	var userID int64
	var status, customerStatus string
	var safetyRaw, llm1Raw, llm2Raw, ctaRaw []byte
	var reviewStarted, reviewCompleted, deliveredAt *time.Time
	var qualityScore *int

	if err := row.Scan(
		&item.ReviewID, &userID, &item.ChatID, &item.InboundText, &item.DraftText, &item.RefinedBubbles,
		&item.FinalBubbles, &safetyRaw, &llm1Raw, &llm2Raw, &item.PriorityScore, &status, &item.ReviewerID,
		&reviewStarted, &reviewCompleted, &item.EditTags, &qualityScore, &ctaRaw,
		&customerStatus, &item.ProcessingError, &deliveredAt, &item.DeliveryFailedReason,
		&item.Recovered, &item.Tier, &item.LastMessageID, &item.CreatedAt, &item.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("scanning review item: %w", err)
	}

	item.UserID = domain.UserID(userID)
	item.Status = domain.ReviewStatus(status)
	item.CustomerStatus = domain.CustomerStatus(customerStatus)
	item.ReviewStartedAt = reviewStarted
	item.ReviewCompletedAt = reviewCompleted
	item.DeliveredAt = deliveredAt
	item.QualityScore = qualityScore

	if len(safetyRaw) > 0 {
		if err := json.Unmarshal(safetyRaw, &item.Safety); err != nil {
			return nil, fmt.Errorf("decoding safety report: %w", err)
		}
	}
	if len(llm1Raw) > 0 {
		if err := json.Unmarshal(llm1Raw, &item.LLM1); err != nil {
			return nil, fmt.Errorf("decoding llm1 record: %w", err)
		}
	}
	if len(llm2Raw) > 0 {
		if err := json.Unmarshal(llm2Raw, &item.LLM2); err != nil {
			return nil, fmt.Errorf("decoding llm2 record: %w", err)
		}
	}
	if len(ctaRaw) > 0 {
		var cta domain.CTAInsertion
		if err := json.Unmarshal(ctaRaw, &cta); err != nil {
			return nil, fmt.Errorf("decoding cta insertion: %w", err)
		}
		item.CTA = &cta
	}

	return &item, nil
}

// MarkReviewing transitions pending -> reviewing, recording the reviewer
// and start time. Idempotent for the same reviewer, per §4.9.
func (s *Store) MarkReviewing(ctx context.Context, reviewID, reviewerID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE interactions
		SET status = 'reviewing', reviewer_id = $2, review_started_at = $3, updated_at = $3
		WHERE review_id = $1 AND (status = 'pending' OR (status = 'reviewing' AND reviewer_id = $2))
	`, reviewID, reviewerID, at)
	if err != nil {
		return fmt.Errorf("marking review item reviewing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("review item %s not in a reviewable state", reviewID)
	}
	return nil
}

// Cancel returns a reviewing item to pending, releasing the reviewer lease.
func (s *Store) Cancel(ctx context.Context, reviewID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE interactions
		SET status = 'pending', reviewer_id = '', review_started_at = NULL, updated_at = $2
		WHERE review_id = $1 AND status = 'reviewing'
	`, reviewID, at)
	if err != nil {
		return fmt.Errorf("cancelling review item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("review item %s not in reviewing state", reviewID)
	}
	return nil
}

// MarkDelivered records a successful send by the Delivery Worker (§4.10
// step 4).
func (s *Store) MarkDelivered(ctx context.Context, reviewID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE interactions SET delivered_at = $2, updated_at = $2 WHERE review_id = $1
	`, reviewID, at)
	if err != nil {
		return fmt.Errorf("marking review item delivered: %w", err)
	}
	return nil
}

// MarkDeliveryFailed records a permanent send failure (§4.10 step 5);
// memory and the cursor are deliberately left untouched by the caller.
func (s *Store) MarkDeliveryFailed(ctx context.Context, reviewID, reason string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE interactions SET delivery_failed_reason = $2, updated_at = $3 WHERE review_id = $1
	`, reviewID, reason, at)
	if err != nil {
		return fmt.Errorf("marking review item delivery_failed: %w", err)
	}
	return nil
}

// Reject transitions to rejected.
func (s *Store) Reject(ctx context.Context, reviewID, reason string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE interactions
		SET status = 'rejected', delivery_failed_reason = $2, review_completed_at = $3, updated_at = $3
		WHERE review_id = $1
	`, reviewID, reason, at)
	if err != nil {
		return fmt.Errorf("rejecting review item: %w", err)
	}
	return nil
}

// ApproveInput is the body of POST /reviews/{id}/approve (§4.9).
type ApproveInput struct {
	FinalBubbles   []string
	EditTags       []string
	QualityScore   *int
	CTA            *domain.CTAInsertion
	CustomerStatus *domain.CustomerStatus
	LTVDeltaUSD    *float64
	ReviewerNotes  string
}

// Approve persists the reviewer's edits, transitions to approved, and (if
// customer_status changed) writes a status transition — all inside one
// transaction per §4.8's consistency rule.
func (s *Store) Approve(ctx context.Context, reviewID string, in ApproveInput, performer string, at time.Time) (*domain.ReviewItem, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning approve transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var ctaRaw []byte
	if in.CTA != nil {
		ctaRaw, err = json.Marshal(in.CTA)
		if err != nil {
			return nil, fmt.Errorf("encoding cta insertion: %w", err)
		}
	}

	var currentUserID int64
	var currentStatus, reviewStatus string
	if err := tx.QueryRow(ctx, `SELECT user_id, customer_status, status FROM interactions WHERE review_id = $1 FOR UPDATE`, reviewID).
		Scan(&currentUserID, &currentStatus, &reviewStatus); err != nil {
		return nil, fmt.Errorf("locking review item: %w", err)
	}
	if reviewStatus != string(domain.StatusPending) && reviewStatus != string(domain.StatusReviewing) {
		return nil, fmt.Errorf("review item %s not in a reviewable state", reviewID)
	}

	newStatus := currentStatus
	if in.CustomerStatus != nil {
		newStatus = string(*in.CustomerStatus)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE interactions
		SET status = 'approved', final_bubbles = $2, edit_tags = $3, quality_score = $4,
		    cta = $5, customer_status = $6, review_completed_at = $7, updated_at = $7
		WHERE review_id = $1 AND status IN ('pending', 'reviewing')
	`, reviewID, in.FinalBubbles, in.EditTags, in.QualityScore, ctaRaw, newStatus, at)
	if err != nil {
		return nil, fmt.Errorf("approving review item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("review item %s not in a reviewable state", reviewID)
	}

	if newStatus != currentStatus || (in.LTVDeltaUSD != nil && *in.LTVDeltaUSD != 0) {
		delta := 0.0
		if in.LTVDeltaUSD != nil {
			delta = *in.LTVDeltaUSD
		}
		if err := upsertUserStatusTx(ctx, tx, domain.UserID(currentUserID), domain.CustomerStatus(newStatus), delta, ""); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO status_transitions (user_id, from_status, to_status, delta_ltv, reason, performer, at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, currentUserID, currentStatus, newStatus, delta, in.ReviewerNotes, performer, at); err != nil {
			return nil, fmt.Errorf("recording status transition: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing approve transaction: %w", err)
	}

	return s.Get(ctx, reviewID)
}
