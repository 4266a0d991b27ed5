package domain

import (
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy classifies send failures and computes backoff. Pure: no I/O,
// no clocks beyond the jitter source.
type RetryPolicy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent int
}

type RetryAction int

const (
	ActionRetry RetryAction = iota
	ActionDeadLetter
)

// permanentStatuses are the client errors a retry can never fix.
var permanentStatuses = map[int]struct{}{
	400: {}, 401: {}, 403: {}, 404: {}, 422: {},
}

// IsRetryable classifies an error. Provider responses follow the status
// code (408/429/5xx retryable, listed 4xx permanent, other statuses
// permanent); statusless transport errors are retryable; permanent storage
// errors are not. Unknown error types default to retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		switch {
		case pe.StatusCode == 0:
			return true
		case pe.StatusCode == 408 || pe.StatusCode == 429:
			return true
		case pe.StatusCode >= 500:
			return true
		default:
			_, permanent := permanentStatuses[pe.StatusCode]
			return !permanent && pe.StatusCode < 400
		}
	}

	var se *StorageError
	if errors.As(err, &se) {
		return !se.Permanent
	}

	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}

	return true
}

// Backoff returns min(base * 2^(attempt-1), max) with ±JitterPercent noise.
// attempt is 1-based; values below 1 are treated as 1.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay || delay < 0 {
			delay = p.MaxDelay
			break
		}
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.JitterPercent > 0 {
		span := float64(p.JitterPercent) / 100
		factor := 1 + (rand.Float64()*2-1)*span
		delay = time.Duration(float64(delay) * factor)
	}
	return delay
}

// Decide picks retry vs dead-letter for a job that failed on the given
// zero-based delivery attempt.
func (p RetryPolicy) Decide(err error, attempt int) RetryAction {
	if !IsRetryable(err) {
		return ActionDeadLetter
	}
	if attempt >= p.MaxRetries-1 {
		return ActionDeadLetter
	}
	return ActionRetry
}
