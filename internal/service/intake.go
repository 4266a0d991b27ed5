package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opsmailer/mailing-service/internal/domain"
	"github.com/opsmailer/mailing-service/internal/infrastructure/rabbitmq"
	"github.com/opsmailer/mailing-service/internal/logger"
	"github.com/opsmailer/mailing-service/internal/metrics"
)

// IntakeResult is what the 202 response carries back to the uploader.
type IntakeResult struct {
	MailingID       uuid.UUID            `json:"mailingId"`
	OutboxMessageID uuid.UUID            `json:"outboxMessageId"`
	Status          domain.MailingStatus `json:"status"`
}

// Intake accepts an uploaded recipient list: blob write first, then the
// mailing and its outbox row in one transaction. The storage object is an
// acceptable orphan when the transaction rolls back; the unique filename
// keeps a retried upload idempotent.
type Intake struct {
	mailings domain.MailingRepository
	blobs    domain.BlobStore
	gate     *Gate
	log      zerolog.Logger
}

func NewIntake(mailings domain.MailingRepository, blobs domain.BlobStore, gate *Gate) *Intake {
	return &Intake{
		mailings: mailings,
		blobs:    blobs,
		gate:     gate,
		log:      logger.Component("intake"),
	}
}

func (s *Intake) Accept(ctx context.Context, filename string, file io.Reader, targetQueue string) (*IntakeResult, error) {
	if !s.gate.Accepting() {
		metrics.RecordIntake("shutdown")
		return nil, domain.ErrShuttingDown
	}
	if targetQueue == "" {
		targetQueue = rabbitmq.QueueMain
	}

	mailingID := uuid.New()
	url, err := s.blobs.Save(ctx, mailingID, filename, file)
	if err != nil {
		metrics.RecordIntake("storage_error")
		return nil, fmt.Errorf("store upload: %w", err)
	}

	m := &domain.Mailing{
		ID:         mailingID,
		Filename:   filename,
		StorageURL: url,
		Status:     domain.MailingPending,
	}
	msg := &domain.OutboxMessage{
		ID:          uuid.New(),
		MailingID:   mailingID,
		TargetQueue: targetQueue,
		Payload:     domain.NewJobPayload(mailingID, filename, url, time.Now()),
	}

	if err := s.mailings.CreateWithOutbox(ctx, m, msg); err != nil {
		if errors.Is(err, domain.ErrDuplicateJob) {
			metrics.RecordIntake("duplicate")
			s.log.Warn().
				Str("filename", filename).
				Str("orphan_url", url).
				Msg("duplicate mailing rejected, storage object left behind")
			return nil, err
		}
		metrics.RecordIntake("error")
		return nil, err
	}

	metrics.RecordIntake("accepted")
	s.log.Info().
		Str("mailing_id", mailingID.String()).
		Str("filename", filename).
		Str("target_queue", targetQueue).
		Msg("mailing accepted")

	return &IntakeResult{
		MailingID:       mailingID,
		OutboxMessageID: msg.ID,
		Status:          domain.MailingPending,
	}, nil
}
