package domain

import (
	"time"

	"github.com/google/uuid"
)

type DeadLetterScope string

const (
	// DeadLetterJob records a whole mailing that exhausted its retries.
	DeadLetterJob DeadLetterScope = "job"
	// DeadLetterEntry records a single recipient row.
	DeadLetterEntry DeadLetterScope = "entry"
)

// DeadLetter is the audit row written when something becomes terminal.
// Job-scope rows carry the filename, entry-scope rows the address.
type DeadLetter struct {
	ID        uuid.UUID
	MailingID uuid.UUID
	Scope     DeadLetterScope
	Email     *string
	Filename  *string
	Reason    string
	Attempts  int
	LastError *string
	CreatedAt time.Time
}
