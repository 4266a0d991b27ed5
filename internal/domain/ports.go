package domain

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// MailingRepository owns the mailings table.
type MailingRepository interface {
	// CreateWithOutbox inserts the mailing and its single outbox row in one
	// transaction. Returns ErrDuplicateJob when the filename is taken.
	CreateWithOutbox(ctx context.Context, m *Mailing, msg *OutboxMessage) error

	GetByID(ctx context.Context, id uuid.UUID) (*Mailing, error)

	// AcquireLock is the ownership compare-and-set: one UPDATE that claims
	// the row when it is eligible (PENDING/QUEUED/FAILED, or PROCESSING with
	// a heartbeat older than staleAfter). Returns ErrLockNotAcquired when
	// zero rows matched.
	AcquireLock(ctx context.Context, id uuid.UUID, staleAfter time.Duration) error

	// ReleaseLock clears the heartbeat on a PROCESSING row so the next
	// delivery can reclaim it without waiting out staleAfter. Called when a
	// claimed job goes back to the queue undecided.
	ReleaseLock(ctx context.Context, id uuid.UUID) error

	SetTotalLines(ctx context.Context, id uuid.UUID, total int) error

	// Checkpoint advances processedLines; it never moves the cursor backward.
	Checkpoint(ctx context.Context, id uuid.UUID, processed int) error

	Complete(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
}

// EntryRepository owns mailing_entries. All writes upsert on
// (mailing_id, email) so redelivered jobs are idempotent per row.
type EntryRepository interface {
	MarkSending(ctx context.Context, mailingID uuid.UUID, email, token string) error
	MarkSent(ctx context.Context, mailingID uuid.UUID, email, externalID string) error
	MarkFailed(ctx context.Context, mailingID uuid.UUID, email, reason string) error
	MarkInvalid(ctx context.Context, mailingID uuid.UUID, email string, reason InvalidReason, detail string) error

	CountByStatus(ctx context.Context, mailingID uuid.UUID) (EntryCounts, error)
	ListByMailing(ctx context.Context, mailingID uuid.UUID, status *EntryStatus, limit, offset int) ([]MailingEntry, error)
}

// OutboxRepository owns outbox_messages and its audit table.
type OutboxRepository interface {
	FetchUnpublished(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkPublished(ctx context.Context, id uuid.UUID) error
	RecordFailure(ctx context.Context, id uuid.UUID, lastErr string) error
	// MoveToDeadLetter copies the row to outbox_dead_letters and deletes it,
	// atomically.
	MoveToDeadLetter(ctx context.Context, msg OutboxMessage, lastErr string) error
	Backlog(ctx context.Context) (int, error)
}

type DeadLetterRepository interface {
	Insert(ctx context.Context, dl DeadLetter) error
}

// BlobStore persists uploaded CSVs. Save returns an opaque pointer that
// Open later resolves; local filesystem and S3 both satisfy it.
type BlobStore interface {
	Save(ctx context.Context, mailingID uuid.UUID, filename string, r io.Reader) (string, error)
	Open(ctx context.Context, url string) (io.ReadCloser, error)
}

// JobPublisher publishes a payload to a queue and waits for the broker
// confirm. Live reports whether the underlying channel is usable, letting
// pollers skip a tick instead of burning attempts during an outage.
type JobPublisher interface {
	Publish(ctx context.Context, queue string, p JobPayload, messageID string) error
	Live() bool
}

type SendResult struct {
	MessageID string
}

// Mailer performs one provider send under the global rate limiter.
type Mailer interface {
	Send(ctx context.Context, to, subject, body, idempotencyKey string) (SendResult, error)
}

// TokenProvider hands out the shared bearer credential.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	InvalidateAndRenew(ctx context.Context) (string, error)
}
