//go:build integration
// +build integration

package postgres_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsmailer/mailing-service/internal/domain"
)

func tableExists(t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var regclass *string
	err := pool.QueryRow(context.Background(), `SELECT to_regclass('public.' || $1)::text`, name).Scan(&regclass)
	require.NoError(t, err)
	return regclass != nil
}

func TestMigrateUp_AppliesEverything(t *testing.T) {
	store, pool := bareStore(t)
	ctx := context.Background()

	require.NoError(t, store.MigrateUp(ctx, 0))

	version, applied, err := store.MigrationStatus(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, version)
	assert.Equal(t, 2, applied)

	for _, table := range []string{"mailings", "outbox_messages", "mailing_entries", "dead_letters", "outbox_dead_letters"} {
		assert.True(t, tableExists(t, pool, table), "table %s should exist", table)
	}
}

func TestMigrateUp_SecondRunIsNoop(t *testing.T) {
	store, _ := bareStore(t)
	ctx := context.Background()

	require.NoError(t, store.MigrateUp(ctx, 0))
	require.NoError(t, store.MigrateUp(ctx, 0))

	version, applied, err := store.MigrationStatus(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, version)
	assert.Equal(t, 2, applied)
}

func TestMigrateUp_HonorsStepLimit(t *testing.T) {
	store, pool := bareStore(t)
	ctx := context.Background()

	require.NoError(t, store.MigrateUp(ctx, 1))

	version, applied, err := store.MigrationStatus(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, version)
	assert.Equal(t, 1, applied)

	assert.True(t, tableExists(t, pool, "mailings"))
	assert.False(t, tableExists(t, pool, "dead_letters"))
}

func TestMigrateDown_RollsBackNewestFirst(t *testing.T) {
	store, pool := bareStore(t)
	ctx := context.Background()

	require.NoError(t, store.MigrateUp(ctx, 0))

	// Data in older tables survives rolling back a newer migration.
	seedMailing(t, pool, domain.MailingPending)

	require.NoError(t, store.MigrateDown(ctx, 1))

	version, applied, err := store.MigrationStatus(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, version)
	assert.Equal(t, 1, applied)
	assert.False(t, tableExists(t, pool, "dead_letters"))
	assert.False(t, tableExists(t, pool, "outbox_dead_letters"))

	var mailings int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM mailings`).Scan(&mailings))
	assert.Equal(t, 1, mailings)

	require.NoError(t, store.MigrateDown(ctx, 1))

	version, applied, err = store.MigrationStatus(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, version)
	assert.Equal(t, 0, applied)
	assert.False(t, tableExists(t, pool, "mailings"))
}

func TestMigrationStatus_BareSchema(t *testing.T) {
	store, _ := bareStore(t)

	version, applied, err := store.MigrationStatus(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 0, version)
	assert.Equal(t, 0, applied)
}
