package domain

import (
	"time"

	"github.com/google/uuid"
)

// OutboxMessage is a durable publication intent written in the same
// transaction as its Mailing. published=false rows are the publisher's
// work queue; once published the row is terminal.
type OutboxMessage struct {
	ID          uuid.UUID
	MailingID   uuid.UUID
	TargetQueue string
	Payload     JobPayload
	Attempts    int
	Published   bool
	PublishedAt *time.Time
	LastError   *string
	CreatedAt   time.Time
}

// OutboxDeadLetter is the audit copy of an outbox row that exhausted its
// publish attempts. The original row is deleted after the copy.
type OutboxDeadLetter struct {
	ID          uuid.UUID
	OutboxID    uuid.UUID
	MailingID   uuid.UUID
	TargetQueue string
	Payload     JobPayload
	Attempts    int
	LastError   *string
	FailedAt    time.Time
}
