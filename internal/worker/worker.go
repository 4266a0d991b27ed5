package worker

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/opsmailer/mailing-service/internal/domain"
	"github.com/opsmailer/mailing-service/internal/infrastructure/rabbitmq"
	"github.com/opsmailer/mailing-service/internal/logger"
	"github.com/opsmailer/mailing-service/internal/metrics"
	"github.com/opsmailer/mailing-service/internal/validate"
)

const (
	// maxReasonLen caps persisted failure reasons.
	maxReasonLen = 500
	// yieldEvery hands the scheduler a breather between tight DB-bound rows.
	yieldEvery = 10
)

// rateLimitedDelays is the in-row ladder for provider 429s. These waits sit
// on top of the limiter interval, so they are fixed rather than jittered.
var rateLimitedDelays = [...]time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

type Config struct {
	Subject            string
	BodyTemplate       string
	CheckpointInterval int
	BatchSize          int
	FailureThreshold   float64
	StaleLockThreshold time.Duration
}

// Deps are the ports the pipeline drives. Everything is an interface except
// the validator, which is a pure value.
type Deps struct {
	Mailings    domain.MailingRepository
	Entries     domain.EntryRepository
	DeadLetters domain.DeadLetterRepository
	Blobs       domain.BlobStore
	Mailer      domain.Mailer
	Broker      domain.JobPublisher
	Validator   *validate.Validator
	Policy      domain.RetryPolicy
}

// Worker consumes mailing jobs from the main queue: it locks the mailing,
// streams the CSV from the last checkpoint, sends one email per row, and
// decides between completion, a timed retry, and the dead-letter queue.
type Worker struct {
	deps Deps
	cfg  Config
	log  zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) bool
}

func New(deps Deps, cfg Config) *Worker {
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 100
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Worker{
		deps:  deps,
		cfg:   cfg,
		log:   logger.Component("worker"),
		sleep: sleepCtx,
	}
}

// runStats tracks one delivery's pass over the file. processed is the
// absolute cursor, not a per-run count, so it checkpoints directly.
type runStats struct {
	total     int
	processed int
	sent      int
	failed    int
	invalid   int
	blanks    int
}

// Handle implements the main-queue consumer contract. Terminal decisions
// acknowledge the delivery; a plain error dead-letters it via the DLX; a
// Requeue-wrapped error puts it back on the queue when the job could not
// reach a decision.
func (w *Worker) Handle(ctx context.Context, d amqp.Delivery) error {
	payload, err := domain.DecodeJobPayload(d.Body)
	if err != nil {
		metrics.RecordJobProcessed("rejected")
		return err
	}

	log := w.log.With().
		Str("mailing_id", payload.MailingID.String()).
		Int("attempt", payload.Attempt).
		Logger()

	if err := w.deps.Mailings.AcquireLock(ctx, payload.MailingID, w.cfg.StaleLockThreshold); err != nil {
		if errors.Is(err, domain.ErrLockNotAcquired) {
			if _, probeErr := w.deps.Mailings.GetByID(ctx, payload.MailingID); errors.Is(probeErr, domain.ErrMailingNotFound) {
				metrics.RecordJobProcessed("rejected")
				log.Error().Msg("delivery names a mailing that does not exist, dead-lettering")
				return probeErr
			}
			metrics.RecordJobProcessed("skipped")
			log.Info().Msg("mailing owned elsewhere or terminal, skipping delivery")
			return nil
		}
		// Could not even attempt ownership; the job must not be lost. The
		// pause keeps a dead database from turning requeue into a spin.
		w.sleep(ctx, time.Second)
		return rabbitmq.Requeue(fmt.Errorf("acquire lock: %w", err))
	}

	run, runErr := w.process(ctx, log, payload)
	if interrupted(runErr) {
		w.checkpointDetached(payload.MailingID, run.processed)
		w.releaseLockDetached(payload.MailingID)
		log.Warn().Int("processed", run.processed).Msg("shutdown caught the job mid-run, returning delivery")
		return rabbitmq.Requeue(runErr)
	}
	if err := w.finalize(ctx, log, payload, run, runErr); err != nil {
		// The delivery goes back on the queue; free the row so the
		// redelivery does not have to wait out the heartbeat.
		w.releaseLockDetached(payload.MailingID)
		return err
	}
	return nil
}

// process walks the file from the checkpoint. It returns the stats gathered
// so far even on error, so interruption can persist the cursor.
func (w *Worker) process(ctx context.Context, log zerolog.Logger, payload domain.JobPayload) (runStats, error) {
	var run runStats

	m, err := w.deps.Mailings.GetByID(ctx, payload.MailingID)
	if err != nil {
		return run, fmt.Errorf("load mailing: %w", err)
	}

	path, err := w.fetchCSV(ctx, payload.StorageURL)
	if err != nil {
		return run, err
	}
	defer os.Remove(path)

	rf, err := openRecipientFile(path)
	if err != nil {
		return run, err
	}
	defer rf.Close()

	run.total = rf.rows
	if rf.rows != m.TotalLines {
		if err := w.deps.Mailings.SetTotalLines(ctx, payload.MailingID, rf.rows); err != nil {
			return run, fmt.Errorf("record total lines: %w", err)
		}
	}

	resume := m.ProcessedLines
	if resume > rf.rows {
		resume = rf.rows
	}
	run.processed = resume

	log.Info().
		Int("total", rf.rows).
		Int("resume_from", resume).
		Str("encoding", rf.encoding).
		Msg("processing mailing")

	r, err := rf.dataRows(resume)
	if err != nil {
		return run, err
	}

	sinceCheckpoint := 0
	for {
		batch, batchErr := readBatch(r, w.cfg.BatchSize)
		for _, record := range batch {
			if ctx.Err() != nil {
				return run, ctx.Err()
			}

			if err := w.processRow(ctx, payload.MailingID, rf.email(record), &run); err != nil {
				return run, err
			}
			run.processed++
			sinceCheckpoint++

			if sinceCheckpoint >= w.cfg.CheckpointInterval {
				if err := w.deps.Mailings.Checkpoint(ctx, payload.MailingID, run.processed); err != nil {
					return run, fmt.Errorf("checkpoint: %w", err)
				}
				sinceCheckpoint = 0
			}
			if run.processed%yieldEvery == 0 {
				runtime.Gosched()
			}
		}
		if batchErr == io.EOF {
			break
		}
		if batchErr != nil {
			return run, batchErr
		}
	}

	if err := w.deps.Mailings.Checkpoint(ctx, payload.MailingID, run.processed); err != nil {
		return run, fmt.Errorf("final checkpoint: %w", err)
	}
	return run, nil
}

// processRow handles one recipient. Row-level outcomes (blank, invalid,
// provider failure) are absorbed into the stats; only infrastructure
// errors and interruption abort the run.
func (w *Worker) processRow(ctx context.Context, mailingID uuid.UUID, email string, run *runStats) error {
	if email == "" {
		run.blanks++
		metrics.RecordRow("failed")
		return nil
	}

	email = validate.Normalize(email)
	if err := w.deps.Validator.Validate(ctx, email); err != nil {
		var verr *domain.ValidationError
		if !errors.As(err, &verr) {
			return fmt.Errorf("validate %s: %w", validate.SanitizeEmail(email), err)
		}
		if err := w.deps.Entries.MarkInvalid(ctx, mailingID, email, verr.Reason, verr.Detail); err != nil {
			return fmt.Errorf("mark entry invalid: %w", err)
		}
		run.invalid++
		metrics.RecordRow("invalid")
		return nil
	}

	token, err := newToken()
	if err != nil {
		return err
	}

	if err := w.deps.Entries.MarkSending(ctx, mailingID, email, token); err != nil {
		return fmt.Errorf("mark entry sending: %w", err)
	}

	res, err := w.send(ctx, email, token, idempotencyKey(mailingID, email, token))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A closed limiter means shutdown, not a row failure.
		if errors.Is(err, domain.ErrSchedulerClosed) {
			return err
		}
		if err := w.deps.Entries.MarkFailed(ctx, mailingID, email, truncateReason(err.Error())); err != nil {
			return fmt.Errorf("mark entry failed: %w", err)
		}
		run.failed++
		metrics.RecordRow("failed")
		return nil
	}

	if err := w.deps.Entries.MarkSent(ctx, mailingID, email, res.MessageID); err != nil {
		return fmt.Errorf("mark entry sent: %w", err)
	}
	run.sent++
	metrics.RecordRow("sent")
	return nil
}

// send delivers one row. Provider 429s get up to three extra tries with the
// fixed 2s/4s/8s ladder; every other failure surfaces immediately.
func (w *Worker) send(ctx context.Context, email, token, key string) (domain.SendResult, error) {
	body := fmt.Sprintf(w.cfg.BodyTemplate, token)

	for attempt := 0; ; attempt++ {
		res, err := w.deps.Mailer.Send(ctx, email, w.cfg.Subject, body, key)
		if err == nil {
			return res, nil
		}

		var perr *domain.ProviderError
		if attempt >= len(rateLimitedDelays) || !errors.As(err, &perr) || perr.StatusCode != http.StatusTooManyRequests {
			return domain.SendResult{}, err
		}
		if !w.sleep(ctx, rateLimitedDelays[attempt]) {
			return domain.SendResult{}, ctx.Err()
		}
	}
}

// finalize turns the run outcome into exactly one of: completion, a timed
// retry, or the dead-letter queue. The delivery is acknowledged on all
// three; only failures to persist or publish the decision requeue it.
func (w *Worker) finalize(ctx context.Context, log zerolog.Logger, payload domain.JobPayload, run runStats, runErr error) error {
	jobErr := runErr
	if jobErr == nil {
		jobErr = w.evaluate(ctx, payload.MailingID, run)
	}

	if jobErr == nil {
		if err := w.deps.Mailings.Complete(ctx, payload.MailingID); err != nil {
			return rabbitmq.Requeue(fmt.Errorf("complete mailing: %w", err))
		}
		metrics.RecordJobProcessed("completed")
		log.Info().
			Int("sent", run.sent).
			Int("failed", run.failed+run.blanks).
			Int("invalid", run.invalid).
			Msg("mailing completed")
		return nil
	}

	reason := truncateReason(jobErr.Error())

	if w.deps.Policy.Decide(jobErr, payload.Attempt) == domain.ActionRetry {
		if err := w.deps.Mailings.MarkFailed(ctx, payload.MailingID, reason); err != nil {
			return rabbitmq.Requeue(fmt.Errorf("mark mailing failed: %w", err))
		}
		next := payload.NextRetry(reason, time.Now())
		queue := rabbitmq.QueueRetry1
		if payload.Attempt >= 1 {
			queue = rabbitmq.QueueRetry2
		}
		if err := w.deps.Broker.Publish(ctx, queue, next, retryMessageID(payload.MailingID, next.Attempt)); err != nil {
			return rabbitmq.Requeue(fmt.Errorf("publish retry: %w", err))
		}
		metrics.RecordJobProcessed("retried")
		log.Warn().
			Str("queue", queue).
			Int("next_attempt", next.Attempt).
			Str("reason", reason).
			Msg("mailing scheduled for retry")
		return nil
	}

	dl := domain.DeadLetter{
		MailingID: payload.MailingID,
		Scope:     domain.DeadLetterJob,
		Filename:  &payload.Filename,
		Reason:    reason,
		Attempts:  payload.Attempt + 1,
		LastError: payload.LastError,
	}
	if err := w.deps.DeadLetters.Insert(ctx, dl); err != nil {
		// Audit row only; the DLQ message still carries the full story.
		log.Error().Err(err).Msg("record dead letter")
	}
	if err := w.deps.Mailings.MarkFailed(ctx, payload.MailingID, reason); err != nil {
		return rabbitmq.Requeue(fmt.Errorf("mark mailing failed: %w", err))
	}
	dead := payload.ToDLQ(reason, time.Now())
	if err := w.deps.Broker.Publish(ctx, rabbitmq.QueueDLQ, dead, dlqMessageID(payload.MailingID)); err != nil {
		return rabbitmq.Requeue(fmt.Errorf("publish to dlq: %w", err))
	}
	metrics.RecordJobProcessed("dead_lettered")
	log.Error().
		Str("reason", reason).
		Int("total_attempts", payload.Attempt+1).
		Msg("mailing dead-lettered")
	return nil
}

// evaluate applies the failure-rate gate. Send failures and blank rows
// count against the threshold; INVALID rows never reached the provider and
// do not, so an all-invalid file still completes.
func (w *Worker) evaluate(ctx context.Context, id uuid.UUID, run runStats) error {
	if run.total == 0 {
		return nil
	}
	counts, err := w.deps.Entries.CountByStatus(ctx, id)
	if err != nil {
		return fmt.Errorf("count entries: %w", err)
	}
	failed := counts.Failed + run.blanks
	rate := float64(failed) / float64(run.total)
	if rate > w.cfg.FailureThreshold {
		return fmt.Errorf("failure rate exceeded: %.2f > %.2f (%d of %d rows)", rate, w.cfg.FailureThreshold, failed, run.total)
	}
	return nil
}

// fetchCSV copies the blob to a temp file so the two-pass read does not
// depend on the store supporting Seek.
func (w *Worker) fetchCSV(ctx context.Context, url string) (string, error) {
	rc, err := w.deps.Blobs.Open(ctx, url)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp("", "mailing-*.csv")
	if err != nil {
		return "", &domain.StorageError{Op: "tempfile", Err: err}
	}
	if _, err := io.Copy(tmp, rc); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", &domain.StorageError{Op: "download", Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", &domain.StorageError{Op: "tempfile", Err: err}
	}
	return tmp.Name(), nil
}

// checkpointDetached persists the cursor after the run context died so the
// next owner resumes where this one stopped.
func (w *Worker) checkpointDetached(id uuid.UUID, processed int) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := w.deps.Mailings.Checkpoint(ctx, id, processed); err != nil {
		w.log.Error().Err(err).Str("mailing_id", id.String()).Msg("checkpoint after interruption")
	}
}

// releaseLockDetached frees the claim after the delivery went back to the
// queue, so the redelivery can re-lock without waiting out the heartbeat.
// Best effort: the staleness branch and boot recovery remain the backstop.
func (w *Worker) releaseLockDetached(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := w.deps.Mailings.ReleaseLock(ctx, id); err != nil {
		w.log.Error().Err(err).Str("mailing_id", id.String()).Msg("release mailing lock after requeue")
	}
}

func interrupted(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, domain.ErrSchedulerClosed)
}

// newToken returns the per-row verification code: 32 hex chars.
func newToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// idempotencyKey dedupes provider sends across redeliveries of the same
// row attempt.
func idempotencyKey(mailingID uuid.UUID, email, token string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s-%s-%s", mailingID, email, token)))
	return hex.EncodeToString(sum[:])
}

func retryMessageID(id uuid.UUID, attempt int) string {
	return fmt.Sprintf("%s-retry-%d", id, attempt)
}

func dlqMessageID(id uuid.UUID) string {
	return fmt.Sprintf("%s-dlq", id)
}

func truncateReason(s string) string {
	if len(s) <= maxReasonLen {
		return s
	}
	return s[:maxReasonLen]
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
