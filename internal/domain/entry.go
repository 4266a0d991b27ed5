package domain

import (
	"time"

	"github.com/google/uuid"
)

type EntryStatus string

const (
	EntryPending EntryStatus = "PENDING"
	EntrySending EntryStatus = "SENDING"
	EntrySent    EntryStatus = "SENT"
	EntryFailed  EntryStatus = "FAILED"
	EntryInvalid EntryStatus = "INVALID"
)

// InvalidReason is the short code recorded when validation rejects a row.
type InvalidReason string

const (
	InvalidSyntax     InvalidReason = "syntax"
	InvalidDisposable InvalidReason = "disposable"
	InvalidMX         InvalidReason = "mx-fail"
)

// MailingEntry is one recipient row. (MailingID, Email) is unique; the
// worker upserts on that key so redelivered jobs never duplicate a row.
type MailingEntry struct {
	ID                uuid.UUID
	MailingID         uuid.UUID
	Email             string
	Token             string
	Status            EntryStatus
	Attempts          int
	LastAttempt       *time.Time
	ExternalID        *string
	InvalidReason     *InvalidReason
	ValidationDetails []byte // free-form audit JSON
	ErrorMessage      *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
