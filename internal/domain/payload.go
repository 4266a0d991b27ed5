package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type PayloadKind string

const (
	PayloadMain  PayloadKind = "main"
	PayloadRetry PayloadKind = "retry"
	PayloadDLQ   PayloadKind = "dlq"
)

// JobPayload is the broker message body. Main, retry and DLQ messages share
// one schema; the retry/DLQ fields are optional and omitted when absent so a
// consumer of any vintage can decode any variant.
type JobPayload struct {
	MailingID  uuid.UUID `json:"mailingId"`
	Filename   string    `json:"filename"`
	StorageURL string    `json:"storageUrl"`
	Attempt    int       `json:"attempt"`
	CreatedAt  time.Time `json:"createdAt"`

	// retry re-publish only
	LastError *string    `json:"lastError,omitempty"`
	RetriedAt *time.Time `json:"retriedAt,omitempty"`

	// DLQ only
	FinalError    *string    `json:"finalError,omitempty"`
	MovedToDLQAt  *time.Time `json:"movedToDLQAt,omitempty"`
	TotalAttempts *int       `json:"totalAttempts,omitempty"`
}

// NewJobPayload builds the intake (main-queue) variant with attempt 0.
func NewJobPayload(mailingID uuid.UUID, filename, storageURL string, now time.Time) JobPayload {
	return JobPayload{
		MailingID:  mailingID,
		Filename:   filename,
		StorageURL: storageURL,
		Attempt:    0,
		CreatedAt:  now.UTC(),
	}
}

// NextRetry derives the retry variant: attempt+1 plus the failure context.
// DLQ-only fields are cleared in case the input was a decoded DLQ message.
func (p JobPayload) NextRetry(lastErr string, now time.Time) JobPayload {
	at := now.UTC()
	p.Attempt++
	p.LastError = &lastErr
	p.RetriedAt = &at
	p.FinalError = nil
	p.MovedToDLQAt = nil
	p.TotalAttempts = nil
	return p
}

// ToDLQ derives the terminal variant. totalAttempts counts deliveries, so an
// attempt-2 payload that failed for the third time reports 3.
func (p JobPayload) ToDLQ(finalErr string, now time.Time) JobPayload {
	at := now.UTC()
	total := p.Attempt + 1
	p.FinalError = &finalErr
	p.MovedToDLQAt = &at
	p.TotalAttempts = &total
	return p
}

func (p JobPayload) Kind() PayloadKind {
	switch {
	case p.FinalError != nil || p.MovedToDLQAt != nil:
		return PayloadDLQ
	case p.Attempt > 0 || p.LastError != nil:
		return PayloadRetry
	default:
		return PayloadMain
	}
}

func (p JobPayload) Marshal() ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}
	return b, nil
}

// DecodeJobPayload parses a broker body. Unknown fields are ignored; missing
// optional fields stay nil. MailingID is the only hard requirement.
func DecodeJobPayload(body []byte) (JobPayload, error) {
	var p JobPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return JobPayload{}, fmt.Errorf("decode job payload: %w", err)
	}
	if p.MailingID == uuid.Nil {
		return JobPayload{}, fmt.Errorf("decode job payload: missing mailingId")
	}
	return p, nil
}
