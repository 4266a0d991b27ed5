package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/opsmailer/mailing-service/internal/domain"
	"github.com/opsmailer/mailing-service/internal/logger"
	"github.com/opsmailer/mailing-service/internal/metrics"
	"github.com/opsmailer/mailing-service/internal/ratelimit"
)

const maxErrorBody = 512

type Config struct {
	BaseURL string
	Timeout time.Duration // per-request budget
}

// Client sends one email per call through the global scheduler, with the
// shared bearer credential and a circuit breaker in front of the provider.
type Client struct {
	cfg     Config
	client  *http.Client
	tokens  domain.TokenProvider
	sched   *ratelimit.Scheduler
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

func NewClient(cfg Config, tokens domain.TokenProvider, sched *ratelimit.Scheduler) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	log := logger.Component("provider")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "email-provider",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Only transport-level trouble opens the breaker. A 4xx answer
		// (other than 408/429) proves the provider is up.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var pe *domain.ProviderError
			if errors.As(err, &pe) && pe.StatusCode >= 400 && pe.StatusCode < 500 {
				return pe.StatusCode != http.StatusRequestTimeout && pe.StatusCode != http.StatusTooManyRequests
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.RecordBreakerStateChange(to.String())
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})

	return &Client{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		tokens:  tokens,
		sched:   sched,
		breaker: breaker,
		log:     log,
	}
}

type sendRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type sendResponse struct {
	MessageID    string `json:"message_id"`
	MessageIDAlt string `json:"messageId"`
	ID           string `json:"id"`
	Status       string `json:"status"`
}

// Send schedules the delivery on the rate limiter and blocks until it ran.
// Returned errors are *domain.ProviderError except for token-acquisition
// and scheduler failures.
func (c *Client) Send(ctx context.Context, to, subject, body, idempotencyKey string) (domain.SendResult, error) {
	var out domain.SendResult
	err := c.sched.Schedule(ctx, 0, func(taskCtx context.Context) error {
		res, err := c.deliver(taskCtx, to, subject, body, idempotencyKey)
		out = res
		return err
	})
	return out, err
}

func (c *Client) deliver(ctx context.Context, to, subject, body, idempotencyKey string) (domain.SendResult, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return domain.SendResult{}, fmt.Errorf("acquire token: %w", err)
	}

	start := time.Now()
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, token, to, subject, body, idempotencyKey)
	})
	metrics.RecordSend(time.Since(start))

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = &domain.ProviderError{Err: err}
		}
		metrics.RecordSendError(errorClass(err))
		return domain.SendResult{}, err
	}

	result := res.(domain.SendResult)
	c.log.Debug().
		Str("message_id", result.MessageID).
		Dur("duration", time.Since(start)).
		Msg("email accepted by provider")
	return result, nil
}

// post performs the provider call, retrying once with a fresh credential
// when the first attempt comes back 401.
func (c *Client) post(ctx context.Context, token, to, subject, body, idempotencyKey string) (domain.SendResult, error) {
	res, status, err := c.attempt(ctx, token, to, subject, body, idempotencyKey)
	if status != http.StatusUnauthorized {
		return res, err
	}

	fresh, renewErr := c.tokens.InvalidateAndRenew(ctx)
	if renewErr != nil {
		c.log.Warn().Err(renewErr).Msg("token renewal after 401 failed")
		return res, err
	}

	c.log.Info().Msg("provider rejected token, retrying with fresh credential")
	res, _, err = c.attempt(ctx, fresh, to, subject, body, idempotencyKey)
	return res, err
}

func (c *Client) attempt(ctx context.Context, token, to, subject, body, idempotencyKey string) (domain.SendResult, int, error) {
	payload, err := json.Marshal(sendRequest{To: to, Subject: subject, Body: body})
	if err != nil {
		return domain.SendResult{}, 0, &domain.ProviderError{Err: fmt.Errorf("encode request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/send-email", bytes.NewReader(payload))
	if err != nil {
		return domain.SendResult{}, 0, &domain.ProviderError{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.SendResult{}, 0, &domain.ProviderError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.SendResult{}, resp.StatusCode, &domain.ProviderError{StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.SendResult{}, resp.StatusCode, &domain.ProviderError{
			StatusCode: resp.StatusCode,
			Body:       truncate(raw, maxErrorBody),
		}
	}

	return domain.SendResult{MessageID: extractMessageID(raw, resp.StatusCode)}, resp.StatusCode, nil
}

// extractMessageID walks the known response shapes; a provider that
// answers 2xx without any id still yields a stable synthetic marker.
func extractMessageID(raw []byte, httpStatus int) string {
	var parsed sendResponse
	if err := json.Unmarshal(raw, &parsed); err == nil {
		switch {
		case parsed.MessageID != "":
			return parsed.MessageID
		case parsed.MessageIDAlt != "":
			return parsed.MessageIDAlt
		case parsed.ID != "":
			return parsed.ID
		case parsed.Status != "":
			return "status:" + parsed.Status
		}
	}
	return fmt.Sprintf("status:%d", httpStatus)
}

func errorClass(err error) string {
	if domain.IsRetryable(err) {
		return "retryable"
	}
	return "permanent"
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
