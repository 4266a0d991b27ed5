package domain

import (
	"time"

	"github.com/google/uuid"
)

type MailingStatus string

const (
	MailingPending    MailingStatus = "PENDING"
	MailingQueued     MailingStatus = "QUEUED"
	MailingProcessing MailingStatus = "PROCESSING"
	MailingCompleted  MailingStatus = "COMPLETED"
	MailingFailed     MailingStatus = "FAILED"
	MailingPaused     MailingStatus = "PAUSED"

	// MailingRunning is a legacy state written by earlier versions.
	// Recovery converts it to PAUSED; nothing writes it anymore.
	MailingRunning MailingStatus = "RUNNING"
)

// Mailing is one batch job: a CSV of recipients plus its processing state.
// processedLines is the resume cursor; lastAttempt doubles as the ownership
// heartbeat while status is PROCESSING.
type Mailing struct {
	ID             uuid.UUID
	Filename       string
	StorageURL     string
	Status         MailingStatus
	TotalLines     int
	ProcessedLines int
	Attempts       int
	LastAttempt    *time.Time
	ErrorMessage   *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsTerminal reports whether no further processing may touch this mailing.
// FAILED is terminal only once retries are exhausted, which the worker
// records with a job-scope dead letter; the status alone cannot tell, so
// FAILED is not terminal here.
func (s MailingStatus) IsTerminal() bool {
	return s == MailingCompleted
}

// EntryCounts is the per-status breakdown surfaced by the status endpoint.
type EntryCounts struct {
	Pending int `json:"pending"`
	Sending int `json:"sending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Invalid int `json:"invalid"`
}

func (c EntryCounts) Total() int {
	return c.Pending + c.Sending + c.Sent + c.Failed + c.Invalid
}
