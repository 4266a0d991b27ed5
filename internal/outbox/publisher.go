// Package outbox drains durable publication intents to the broker. Rows are
// written transactionally with their mailing; this relay is the only
// component that marks them published, so a crash on either side of the
// broker confirm re-delivers instead of losing work.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opsmailer/mailing-service/internal/domain"
	"github.com/opsmailer/mailing-service/internal/logger"
	"github.com/opsmailer/mailing-service/internal/metrics"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultBatchSize    = 10
	defaultMaxAttempts  = 5
)

// Config tunes the relay loop. Zero values fall back to defaults.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
}

// Publisher polls outbox_messages and relays each row to its target queue.
// Publishing waits for the broker confirm, so MarkPublished only runs for
// messages the broker has accepted.
type Publisher struct {
	repo   domain.OutboxRepository
	broker domain.JobPublisher
	cfg    Config
	log    zerolog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewPublisher(repo domain.OutboxRepository, broker domain.JobPublisher, cfg Config) *Publisher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	return &Publisher{
		repo:   repo,
		broker: broker,
		cfg:    cfg,
		log:    logger.Component("outbox"),
	}
}

// Start launches the poll loop. The first drain runs immediately so rows
// left behind by a crash do not wait a full interval after restart.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("outbox publisher already started")
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.run(ctx)
	return nil
}

// Stop halts the loop and waits for an in-flight drain to finish, bounded
// by ctx.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("outbox publisher stop: %w", ctx.Err())
	}
}

func (p *Publisher) run(ctx context.Context) {
	defer close(p.done)

	p.log.Info().
		Dur("poll_interval", p.cfg.PollInterval).
		Int("batch_size", p.cfg.BatchSize).
		Int("max_attempts", p.cfg.MaxAttempts).
		Msg("outbox publisher started")

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	// Repeating the same warning every tick during a long outage drowns the
	// log; identical consecutive errors are collapsed to one per minute.
	var lastErr string
	var lastAt time.Time
	tick := func() {
		err := p.drainOnce(ctx)
		if err == nil {
			lastErr = ""
			return
		}
		if ctx.Err() != nil {
			return
		}
		if err.Error() != lastErr || time.Since(lastAt) > time.Minute {
			p.log.Warn().Err(err).Msg("outbox drain failed")
			lastErr = err.Error()
			lastAt = time.Now()
		}
	}

	tick()
	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("outbox publisher stopped")
			return
		case <-ticker.C:
			tick()
		}
	}
}

// drainOnce relays up to one batch. Per-message failures are recorded on the
// row and do not abort the batch; only infrastructure errors surface.
func (p *Publisher) drainOnce(ctx context.Context) error {
	if !p.broker.Live() {
		// Supervisor is redialing. Leave rows queued; the gauge still
		// tracks the growing backlog.
		p.refreshBacklog(ctx)
		return nil
	}

	msgs, err := p.repo.FetchUnpublished(ctx, p.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("fetch unpublished: %w", err)
	}
	for _, m := range msgs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.relay(ctx, m)
	}
	p.refreshBacklog(ctx)
	return nil
}

func (p *Publisher) relay(ctx context.Context, m domain.OutboxMessage) {
	if m.Attempts >= p.cfg.MaxAttempts {
		reason := "publish attempts exhausted"
		if m.LastError != nil && *m.LastError != "" {
			reason = *m.LastError
		}
		if err := p.repo.MoveToDeadLetter(ctx, m, reason); err != nil {
			p.log.Error().Err(err).
				Str("outbox_id", m.ID.String()).
				Msg("dead letter move failed")
			return
		}
		p.log.Warn().
			Str("outbox_id", m.ID.String()).
			Str("mailing_id", m.MailingID.String()).
			Str("queue", m.TargetQueue).
			Int("attempts", m.Attempts).
			Str("last_error", reason).
			Msg("outbox row moved to dead letters")
		return
	}

	if err := p.broker.Publish(ctx, m.TargetQueue, m.Payload, m.ID.String()); err != nil {
		metrics.RecordOutboxPublishFailure()
		if rerr := p.repo.RecordFailure(ctx, m.ID, err.Error()); rerr != nil {
			p.log.Error().Err(rerr).
				Str("outbox_id", m.ID.String()).
				Msg("outbox failure not recorded")
		}
		p.log.Warn().Err(err).
			Str("outbox_id", m.ID.String()).
			Str("queue", m.TargetQueue).
			Int("attempt", m.Attempts+1).
			Msg("outbox publish failed")
		return
	}

	if err := p.repo.MarkPublished(ctx, m.ID); err != nil {
		// The broker confirmed but the row stays unpublished, so the next
		// poll publishes a duplicate. The worker's job lock absorbs it.
		p.log.Error().Err(err).
			Str("outbox_id", m.ID.String()).
			Msg("published row not marked, will relay again")
		return
	}
	metrics.RecordOutboxPublished()
	p.log.Info().
		Str("outbox_id", m.ID.String()).
		Str("mailing_id", m.MailingID.String()).
		Str("queue", m.TargetQueue).
		Msg("outbox row published")
}

func (p *Publisher) refreshBacklog(ctx context.Context) {
	n, err := p.repo.Backlog(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Debug().Err(err).Msg("backlog count failed")
		}
		return
	}
	metrics.SetOutboxBacklog(n)
}
