package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/opsmailer/mailing-service/internal/domain"
)

const uniqueViolation = "23505"

// CreateWithOutbox inserts the mailing and its outbox row in one
// transaction; both commit or neither does.
func (s *Store) CreateWithOutbox(ctx context.Context, m *domain.Mailing, msg *domain.OutboxMessage) error {
	payload, err := msg.Payload.Marshal()
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin intake tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO mailings (id, filename, storage_url, status, total_lines, processed_lines, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, 0, 0, NOW(), NOW())
	`, m.ID, m.Filename, m.StorageURL, string(m.Status))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrDuplicateJob
		}
		return fmt.Errorf("insert mailing: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_messages (id, mailing_id, target_queue, payload, attempts, published, created_at)
		VALUES ($1, $2, $3, $4, 0, FALSE, NOW())
	`, msg.ID, m.ID, msg.TargetQueue, payload)
	if err != nil {
		return fmt.Errorf("insert outbox row: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*domain.Mailing, error) {
	var m domain.Mailing
	err := s.pool.QueryRow(ctx, `
		SELECT id, filename, storage_url, status, total_lines, processed_lines,
		       attempts, last_attempt, error_message, created_at, updated_at
		FROM mailings
		WHERE id = $1
	`, id).Scan(
		&m.ID, &m.Filename, &m.StorageURL, &m.Status, &m.TotalLines, &m.ProcessedLines,
		&m.Attempts, &m.LastAttempt, &m.ErrorMessage, &m.CreatedAt, &m.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrMailingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select mailing: %w", err)
	}
	return &m, nil
}

// AcquireLock is the ownership compare-and-set from the worker pipeline:
// one UPDATE whose predicate mixes state and the lastAttempt heartbeat.
// Zero rows means another worker owns the job or it is terminal.
func (s *Store) AcquireLock(ctx context.Context, id uuid.UUID, staleAfter time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE mailings
		SET status = 'PROCESSING',
		    attempts = attempts + 1,
		    last_attempt = NOW(),
		    updated_at = NOW()
		WHERE id = $1
		  AND (
		        status IN ('PENDING', 'QUEUED', 'FAILED')
		        OR (status = 'PROCESSING' AND (last_attempt IS NULL OR last_attempt < NOW() - $2::interval))
		      )
	`, id, fmt.Sprintf("%f seconds", staleAfter.Seconds()))
	if err != nil {
		return fmt.Errorf("acquire mailing lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLockNotAcquired
	}
	return nil
}

// ReleaseLock drops the heartbeat so the staleness branch of AcquireLock
// matches immediately. The status guard keeps it from touching rows another
// worker has since completed or failed.
func (s *Store) ReleaseLock(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mailings
		SET last_attempt = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'PROCESSING'
	`, id)
	if err != nil {
		return fmt.Errorf("release mailing lock: %w", err)
	}
	return nil
}

func (s *Store) SetTotalLines(ctx context.Context, id uuid.UUID, total int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mailings SET total_lines = $2, updated_at = NOW() WHERE id = $1
	`, id, total)
	if err != nil {
		return fmt.Errorf("set total lines: %w", err)
	}
	return nil
}

// Checkpoint advances the resume cursor. GREATEST keeps it monotonic even
// if a stale owner writes a smaller value after the lock was stolen.
func (s *Store) Checkpoint(ctx context.Context, id uuid.UUID, processed int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mailings
		SET processed_lines = GREATEST(processed_lines, $2),
		    updated_at = NOW()
		WHERE id = $1
	`, id, processed)
	if err != nil {
		return fmt.Errorf("checkpoint mailing: %w", err)
	}
	return nil
}

func (s *Store) Complete(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mailings
		SET status = 'COMPLETED',
		    last_attempt = NULL,
		    error_message = NULL,
		    updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("complete mailing: %w", err)
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mailings
		SET status = 'FAILED',
		    error_message = $2,
		    last_attempt = NOW(),
		    updated_at = NOW()
		WHERE id = $1
	`, id, errMsg)
	if err != nil {
		return fmt.Errorf("mark mailing failed: %w", err)
	}
	return nil
}
