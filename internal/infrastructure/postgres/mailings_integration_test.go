//go:build integration
// +build integration

package postgres_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsmailer/mailing-service/internal/domain"
)

func TestCreateWithOutbox_WritesBothRows(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()

	msg := seedOutboxMessage(t, store, pool, 0)

	got, err := store.GetByID(ctx, msg.MailingID)
	require.NoError(t, err)
	assert.Equal(t, domain.MailingQueued, got.Status)
	assert.Equal(t, 0, got.ProcessedLines)
	assert.Equal(t, 0, got.Attempts)

	backlog, err := store.Backlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, backlog)
}

func TestCreateWithOutbox_DuplicateFilenameRollsBack(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()

	mk := func(filename string) (*domain.Mailing, *domain.OutboxMessage) {
		m := &domain.Mailing{
			ID:         uuid.New(),
			Filename:   filename,
			StorageURL: "file:///tmp/" + filename,
			Status:     domain.MailingQueued,
		}
		msg := &domain.OutboxMessage{
			ID:          uuid.New(),
			MailingID:   m.ID,
			TargetQueue: "mailing.jobs.process",
			Payload:     domain.NewJobPayload(m.ID, m.Filename, m.StorageURL, time.Now()),
		}
		return m, msg
	}

	m1, msg1 := mk("april-campaign.csv")
	require.NoError(t, store.CreateWithOutbox(ctx, m1, msg1))

	m2, msg2 := mk("april-campaign.csv")
	err := store.CreateWithOutbox(ctx, m2, msg2)
	require.ErrorIs(t, err, domain.ErrDuplicateJob)

	// The rejected intake must leave no rows behind, in either table.
	var mailings, outbox int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM mailings`).Scan(&mailings))
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM outbox_messages`).Scan(&outbox))
	assert.Equal(t, 1, mailings)
	assert.Equal(t, 1, outbox)
}

func TestGetByID_Missing(t *testing.T) {
	store, _ := setupStore(t)

	_, err := store.GetByID(context.Background(), uuid.New())
	require.ErrorIs(t, err, domain.ErrMailingNotFound)
}

func TestAcquireLock_EligibleStatuses(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()

	for _, status := range []domain.MailingStatus{domain.MailingPending, domain.MailingQueued, domain.MailingFailed} {
		id := seedMailing(t, pool, status)
		require.NoError(t, store.AcquireLock(ctx, id, 30*time.Second), "status %s should be lockable", status)

		got, err := store.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.MailingProcessing, got.Status)
		assert.Equal(t, 1, got.Attempts)
		require.NotNil(t, got.LastAttempt)
	}
}

func TestAcquireLock_HeldOrTerminalBounces(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()

	held := seedMailing(t, pool, domain.MailingPending)
	require.NoError(t, store.AcquireLock(ctx, held, 30*time.Second))

	// The heartbeat is fresh, so a redelivered copy of the job must bounce.
	err := store.AcquireLock(ctx, held, 30*time.Second)
	require.ErrorIs(t, err, domain.ErrLockNotAcquired)

	done := seedMailing(t, pool, domain.MailingCompleted)
	err = store.AcquireLock(ctx, done, 30*time.Second)
	require.ErrorIs(t, err, domain.ErrLockNotAcquired)
}

func TestAcquireLock_StealsStaleLock(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()

	id := seedMailing(t, pool, domain.MailingProcessing)
	_, err := pool.Exec(ctx, `
		UPDATE mailings SET last_attempt = NOW() - interval '10 minutes', attempts = 1 WHERE id = $1
	`, id)
	require.NoError(t, err)

	require.NoError(t, store.AcquireLock(ctx, id, 30*time.Second))

	got, err := store.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	require.NotNil(t, got.LastAttempt)
	assert.WithinDuration(t, time.Now(), *got.LastAttempt, time.Minute)
}

// A PROCESSING row whose heartbeat was cleared by recovery is immediately
// lockable again.
func TestAcquireLock_ClearedHeartbeatIsLockable(t *testing.T) {
	store, pool := setupStore(t)

	id := seedMailing(t, pool, domain.MailingProcessing)
	require.NoError(t, store.AcquireLock(context.Background(), id, 30*time.Second))
}

func TestAcquireLock_SingleWinnerUnderContention(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()

	id := seedMailing(t, pool, domain.MailingPending)

	const workers = 8
	var wins int32
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			err := store.AcquireLock(ctx, id, 30*time.Second)
			if err == nil {
				atomic.AddInt32(&wins, 1)
				return
			}
			if !errors.Is(err, domain.ErrLockNotAcquired) {
				t.Errorf("unexpected lock error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins)

	got, err := store.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
}

func TestReleaseLock_FreesHeldClaimImmediately(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()

	id := seedMailing(t, pool, domain.MailingPending)
	require.NoError(t, store.AcquireLock(ctx, id, 30*time.Second))

	// Fresh heartbeat, so a second claim bounces until the release.
	require.ErrorIs(t, store.AcquireLock(ctx, id, 30*time.Second), domain.ErrLockNotAcquired)

	require.NoError(t, store.ReleaseLock(ctx, id))

	got, err := store.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.MailingProcessing, got.Status)
	assert.Nil(t, got.LastAttempt)

	require.NoError(t, store.AcquireLock(ctx, id, 30*time.Second))
}

func TestReleaseLock_LeavesSettledRowsAlone(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()

	id := seedMailing(t, pool, domain.MailingPending)
	require.NoError(t, store.AcquireLock(ctx, id, 30*time.Second))
	require.NoError(t, store.MarkFailed(ctx, id, "failure rate 0.40 above threshold"))

	require.NoError(t, store.ReleaseLock(ctx, id))

	got, err := store.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.MailingFailed, got.Status)
	require.NotNil(t, got.LastAttempt)
}

func TestCheckpoint_CursorNeverMovesBackwards(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()

	id := seedMailing(t, pool, domain.MailingProcessing)
	require.NoError(t, store.SetTotalLines(ctx, id, 500))

	require.NoError(t, store.Checkpoint(ctx, id, 100))
	// A stale owner writing a smaller cursor after the lock was stolen
	// must not rewind progress.
	require.NoError(t, store.Checkpoint(ctx, id, 40))

	got, err := store.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 100, got.ProcessedLines)

	require.NoError(t, store.Checkpoint(ctx, id, 150))

	got, err = store.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 150, got.ProcessedLines)
	assert.Equal(t, 500, got.TotalLines)
}

func TestComplete_ClearsFailureState(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()

	id := seedMailing(t, pool, domain.MailingPending)
	require.NoError(t, store.AcquireLock(ctx, id, 30*time.Second))
	require.NoError(t, store.MarkFailed(ctx, id, "failure rate 0.40 above threshold"))

	// A later successful run wipes the heartbeat and the recorded error.
	require.NoError(t, store.AcquireLock(ctx, id, 30*time.Second))
	require.NoError(t, store.Complete(ctx, id))

	got, err := store.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.MailingCompleted, got.Status)
	assert.Nil(t, got.LastAttempt)
	assert.Nil(t, got.ErrorMessage)
}

func TestMarkFailed_RecordsReason(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()

	id := seedMailing(t, pool, domain.MailingPending)
	require.NoError(t, store.AcquireLock(ctx, id, 30*time.Second))
	require.NoError(t, store.MarkFailed(ctx, id, "failure rate 0.40 above threshold"))

	got, err := store.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.MailingFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "failure rate")
	require.NotNil(t, got.LastAttempt)
}
