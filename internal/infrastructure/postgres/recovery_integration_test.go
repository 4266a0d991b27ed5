//go:build integration
// +build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsmailer/mailing-service/internal/domain"
)

func TestRunRecovery_ResetsStaleSendingEntries(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	mailingID := seedMailing(t, pool, domain.MailingProcessing)

	require.NoError(t, store.Entries().MarkSending(ctx, mailingID, "stale@example.com", "tok-a"))
	require.NoError(t, store.Entries().MarkSending(ctx, mailingID, "fresh@example.com", "tok-b"))
	_, err := pool.Exec(ctx, `
		UPDATE mailing_entries SET last_attempt = NOW() - interval '10 minutes' WHERE email = 'stale@example.com'
	`)
	require.NoError(t, err)

	report, err := store.RunRecovery(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ResetEntries)

	counts, err := store.Entries().CountByStatus(ctx, mailingID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Pending)
	assert.Equal(t, 1, counts.Sending)
}

func TestRunRecovery_ClearsStaleProcessingHeartbeat(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()

	stale := seedMailing(t, pool, domain.MailingProcessing)
	_, err := pool.Exec(ctx, `
		UPDATE mailings
		SET last_attempt = NOW() - interval '10 minutes',
		    updated_at = NOW() - interval '10 minutes',
		    total_lines = 500,
		    processed_lines = 200
		WHERE id = $1
	`, stale)
	require.NoError(t, err)

	fresh := seedMailing(t, pool, domain.MailingProcessing)
	_, err = pool.Exec(ctx, `UPDATE mailings SET last_attempt = NOW() WHERE id = $1`, fresh)
	require.NoError(t, err)

	report, err := store.RunRecovery(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, report.StaleMailings)

	// Status and resume cursor survive; only the heartbeat is cleared.
	got, err := store.GetByID(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, domain.MailingProcessing, got.Status)
	assert.Nil(t, got.LastAttempt)
	assert.Equal(t, 200, got.ProcessedLines)

	// The repaired row is lockable again through the NULL-heartbeat branch.
	require.NoError(t, store.AcquireLock(ctx, stale, 30*time.Second))

	got, err = store.GetByID(ctx, fresh)
	require.NoError(t, err)
	require.NotNil(t, got.LastAttempt)
}

func TestRunRecovery_ParksLegacyRunning(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()

	id := seedMailing(t, pool, domain.MailingRunning)

	report, err := store.RunRecovery(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, report.LegacyRunning)

	got, err := store.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.MailingPaused, got.Status)
}

func TestRunRecovery_CleanStateIsEmpty(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()

	seedMailing(t, pool, domain.MailingCompleted)
	seedMailing(t, pool, domain.MailingPending)

	report, err := store.RunRecovery(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, report.Empty())

	needed, err := store.CheckRecoveryNeeded(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, needed)
}

func TestCheckRecoveryNeeded_ProbesWithoutRepairing(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	mailingID := seedMailing(t, pool, domain.MailingProcessing)

	require.NoError(t, store.Entries().MarkSending(ctx, mailingID, "stuck@example.com", "tok-a"))
	_, err := pool.Exec(ctx, `UPDATE mailing_entries SET last_attempt = NOW() - interval '10 minutes'`)
	require.NoError(t, err)

	needed, err := store.CheckRecoveryNeeded(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, needed)

	// The probe must not repair anything itself.
	counts, err := store.Entries().CountByStatus(ctx, mailingID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Sending)

	_, err = store.RunRecovery(ctx, 5*time.Minute)
	require.NoError(t, err)

	needed, err = store.CheckRecoveryNeeded(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, needed)
}
