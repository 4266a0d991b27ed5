package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opsmailer/mailing-service/internal/domain"
)

// EntryStore holds the per-recipient rows of a mailing. It shares the
// Store's pool but is its own type so entry and mailing writes keep their
// own method sets.
type EntryStore struct {
	pool *pgxpool.Pool
}

func (s *Store) Entries() *EntryStore {
	return &EntryStore{pool: s.pool}
}

// Entry writes are upserts on (mailing_id, email): a redelivered job that
// re-walks rows overwrites the same records instead of duplicating them.

func (s *EntryStore) MarkSending(ctx context.Context, mailingID uuid.UUID, email, token string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mailing_entries (mailing_id, email, token, status, attempts, last_attempt, created_at, updated_at)
		VALUES ($1, $2, $3, 'SENDING', 1, NOW(), NOW(), NOW())
		ON CONFLICT (mailing_id, email) DO UPDATE
		SET status = 'SENDING',
		    token = EXCLUDED.token,
		    attempts = mailing_entries.attempts + 1,
		    last_attempt = NOW(),
		    updated_at = NOW()
	`, mailingID, email, token)
	if err != nil {
		return fmt.Errorf("mark entry sending: %w", err)
	}
	return nil
}

func (s *EntryStore) MarkSent(ctx context.Context, mailingID uuid.UUID, email, externalID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mailing_entries (mailing_id, email, status, external_id, created_at, updated_at)
		VALUES ($1, $2, 'SENT', $3, NOW(), NOW())
		ON CONFLICT (mailing_id, email) DO UPDATE
		SET status = 'SENT',
		    external_id = EXCLUDED.external_id,
		    error_message = NULL,
		    updated_at = NOW()
	`, mailingID, email, externalID)
	if err != nil {
		return fmt.Errorf("mark entry sent: %w", err)
	}
	return nil
}

func (s *EntryStore) MarkFailed(ctx context.Context, mailingID uuid.UUID, email, reason string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mailing_entries (mailing_id, email, status, error_message, last_attempt, created_at, updated_at)
		VALUES ($1, $2, 'FAILED', $3, NOW(), NOW(), NOW())
		ON CONFLICT (mailing_id, email) DO UPDATE
		SET status = 'FAILED',
		    error_message = EXCLUDED.error_message,
		    last_attempt = NOW(),
		    updated_at = NOW()
	`, mailingID, email, reason)
	if err != nil {
		return fmt.Errorf("mark entry failed: %w", err)
	}
	return nil
}

func (s *EntryStore) MarkInvalid(ctx context.Context, mailingID uuid.UUID, email string, reason domain.InvalidReason, detail string) error {
	details, err := json.Marshal(map[string]string{"detail": detail})
	if err != nil {
		return fmt.Errorf("encode validation details: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO mailing_entries (mailing_id, email, status, invalid_reason, validation_details, created_at, updated_at)
		VALUES ($1, $2, 'INVALID', $3, $4, NOW(), NOW())
		ON CONFLICT (mailing_id, email) DO UPDATE
		SET status = 'INVALID',
		    invalid_reason = EXCLUDED.invalid_reason,
		    validation_details = EXCLUDED.validation_details,
		    updated_at = NOW()
	`, mailingID, email, string(reason), details)
	if err != nil {
		return fmt.Errorf("mark entry invalid: %w", err)
	}
	return nil
}

func (s *EntryStore) CountByStatus(ctx context.Context, mailingID uuid.UUID) (domain.EntryCounts, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*)
		FROM mailing_entries
		WHERE mailing_id = $1
		GROUP BY status
	`, mailingID)
	if err != nil {
		return domain.EntryCounts{}, fmt.Errorf("count entries: %w", err)
	}
	defer rows.Close()

	var counts domain.EntryCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return domain.EntryCounts{}, fmt.Errorf("scan entry count: %w", err)
		}
		switch domain.EntryStatus(status) {
		case domain.EntryPending:
			counts.Pending = n
		case domain.EntrySending:
			counts.Sending = n
		case domain.EntrySent:
			counts.Sent = n
		case domain.EntryFailed:
			counts.Failed = n
		case domain.EntryInvalid:
			counts.Invalid = n
		}
	}
	if err := rows.Err(); err != nil {
		return domain.EntryCounts{}, fmt.Errorf("iterate entry counts: %w", err)
	}
	return counts, nil
}

func (s *EntryStore) ListByMailing(ctx context.Context, mailingID uuid.UUID, status *domain.EntryStatus, limit, offset int) ([]domain.MailingEntry, error) {
	query := `
		SELECT id, mailing_id, email, token, status, attempts, last_attempt,
		       external_id, invalid_reason, validation_details, error_message,
		       created_at, updated_at
		FROM mailing_entries
		WHERE mailing_id = $1`
	args := []any{mailingID}

	if status != nil {
		query += ` AND status = $2`
		args = append(args, string(*status))
	}
	query += fmt.Sprintf(` ORDER BY created_at ASC, id ASC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.MailingEntry
	for rows.Next() {
		var e domain.MailingEntry
		var invalidReason *string
		err := rows.Scan(
			&e.ID, &e.MailingID, &e.Email, &e.Token, &e.Status, &e.Attempts, &e.LastAttempt,
			&e.ExternalID, &invalidReason, &e.ValidationDetails, &e.ErrorMessage,
			&e.CreatedAt, &e.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if invalidReason != nil {
			r := domain.InvalidReason(*invalidReason)
			e.InvalidReason = &r
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}
