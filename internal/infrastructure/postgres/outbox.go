package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/opsmailer/mailing-service/internal/domain"
)

// FetchUnpublished claims the oldest unpublished rows. SKIP LOCKED keeps
// overlapping pollers on disjoint rows; the lock is not held across the
// publish itself, so a crash between confirm and MarkPublished can yield a
// duplicate publish, absorbed downstream by the worker lock.
func (s *Store) FetchUnpublished(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin outbox fetch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, mailing_id, target_queue, payload, attempts, published, published_at, last_error, created_at
		FROM outbox_messages
		WHERE published = FALSE
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("select outbox rows: %w", err)
	}
	defer rows.Close()

	var messages []domain.OutboxMessage
	for rows.Next() {
		var m domain.OutboxMessage
		var raw []byte
		err := rows.Scan(&m.ID, &m.MailingID, &m.TargetQueue, &raw, &m.Attempts,
			&m.Published, &m.PublishedAt, &m.LastError, &m.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		if err := json.Unmarshal(raw, &m.Payload); err != nil {
			return nil, fmt.Errorf("decode outbox payload %s: %w", m.ID, err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit outbox fetch: %w", err)
	}
	return messages, nil
}

// MarkPublished finalizes a confirmed publish; the row is terminal after
// this update. The owning mailing moves PENDING -> QUEUED in the same
// transaction. The status guard keeps a late duplicate publish from
// clobbering a mailing a worker already claimed.
func (s *Store) MarkPublished(ctx context.Context, id uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin mark published: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var mailingID uuid.UUID
	err = tx.QueryRow(ctx, `
		UPDATE outbox_messages
		SET published = TRUE,
		    published_at = NOW(),
		    last_error = NULL
		WHERE id = $1
		RETURNING mailing_id
	`, id).Scan(&mailingID)
	if err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE mailings
		SET status = 'QUEUED', updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'
	`, mailingID)
	if err != nil {
		return fmt.Errorf("mark mailing queued: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *Store) RecordFailure(ctx context.Context, id uuid.UUID, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_messages
		SET attempts = attempts + 1,
		    last_error = $2
		WHERE id = $1
	`, id, lastErr)
	if err != nil {
		return fmt.Errorf("record outbox failure: %w", err)
	}
	return nil
}

// MoveToDeadLetter copies a permanently unpublishable row to the audit
// table and deletes the original, atomically.
func (s *Store) MoveToDeadLetter(ctx context.Context, msg domain.OutboxMessage, lastErr string) error {
	payload, err := msg.Payload.Marshal()
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin outbox dead-letter tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_dead_letters (outbox_id, mailing_id, target_queue, payload, attempts, last_error, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, msg.ID, msg.MailingID, msg.TargetQueue, payload, msg.Attempts, lastErr)
	if err != nil {
		return fmt.Errorf("insert outbox dead letter: %w", err)
	}

	_, err = tx.Exec(ctx, `DELETE FROM outbox_messages WHERE id = $1`, msg.ID)
	if err != nil {
		return fmt.Errorf("delete dead outbox row: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *Store) Backlog(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM outbox_messages WHERE published = FALSE
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count outbox backlog: %w", err)
	}
	return n, nil
}
