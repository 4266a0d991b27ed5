package postgres

import (
	"context"
	"fmt"
	"time"
)

// RecoveryReport is the summary of one boot-time sweep.
type RecoveryReport struct {
	ResetEntries  int // SENDING rows returned to PENDING
	StaleMailings int // PROCESSING rows whose lock heartbeat was cleared
	LegacyRunning int // RUNNING rows parked as PAUSED
}

func (r RecoveryReport) Empty() bool {
	return r.ResetEntries == 0 && r.StaleMailings == 0 && r.LegacyRunning == 0
}

// RunRecovery repairs state left behind by a crash. It runs once at boot,
// before the consumer starts, so no live worker can race it.
func (s *Store) RunRecovery(ctx context.Context, staleAfter time.Duration) (RecoveryReport, error) {
	var report RecoveryReport
	interval := fmt.Sprintf("%f seconds", staleAfter.Seconds())

	tag, err := s.pool.Exec(ctx, `
		UPDATE mailing_entries
		SET status = 'PENDING', updated_at = NOW()
		WHERE status = 'SENDING'
		  AND (last_attempt IS NULL OR last_attempt < NOW() - $1::interval)
	`, interval)
	if err != nil {
		return report, fmt.Errorf("reset stale sending entries: %w", err)
	}
	report.ResetEntries = int(tag.RowsAffected())

	// Clearing lastAttempt keeps the status and the resume cursor; the next
	// redelivered message re-acquires the lock through the staleness branch.
	tag, err = s.pool.Exec(ctx, `
		UPDATE mailings
		SET last_attempt = NULL, updated_at = NOW()
		WHERE status = 'PROCESSING'
		  AND updated_at < NOW() - $1::interval
	`, interval)
	if err != nil {
		return report, fmt.Errorf("clear stale processing locks: %w", err)
	}
	report.StaleMailings = int(tag.RowsAffected())

	tag, err = s.pool.Exec(ctx, `
		UPDATE mailings
		SET status = 'PAUSED', updated_at = NOW()
		WHERE status = 'RUNNING'
	`)
	if err != nil {
		return report, fmt.Errorf("park legacy running mailings: %w", err)
	}
	report.LegacyRunning = int(tag.RowsAffected())

	return report, nil
}

// CheckRecoveryNeeded is the non-destructive probe used by health checks:
// it reports whether a sweep would change anything, without changing it.
func (s *Store) CheckRecoveryNeeded(ctx context.Context, staleAfter time.Duration) (bool, error) {
	interval := fmt.Sprintf("%f seconds", staleAfter.Seconds())

	var needed bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
		    SELECT 1 FROM mailing_entries
		    WHERE status = 'SENDING'
		      AND (last_attempt IS NULL OR last_attempt < NOW() - $1::interval)
		)
		OR EXISTS (
		    SELECT 1 FROM mailings
		    WHERE status = 'PROCESSING' AND updated_at < NOW() - $1::interval
		)
		OR EXISTS (
		    SELECT 1 FROM mailings WHERE status = 'RUNNING'
		)
	`, interval).Scan(&needed)
	if err != nil {
		return false, fmt.Errorf("probe recovery state: %w", err)
	}
	return needed, nil
}
