package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, ApplyMigrations(database))
	return database
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	database := newTestDB(t)
	require.NoError(t, ApplyMigrations(database))

	tables, err := Tables(database)
	require.NoError(t, err)
	for _, name := range []string{"users", "broker_credentials", "webhook_tokens", "bot_configs", "trade_records", "risk_events"} {
		assert.Contains(t, tables, name)
	}
	assert.Contains(t, tables["trade_records"], "market_open")
	assert.Contains(t, tables["bot_configs"], "version")
}

func TestUsers(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	u, err := database.CreateUser(ctx, " Trader@Example.com ")
	require.NoError(t, err)
	assert.Equal(t, "trader@example.com", u.Email)

	again, err := database.CreateUser(ctx, "trader@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, again.ID)

	got, err := database.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.Email, got.Email)

	_, err = database.GetUser(ctx, "")
	assert.ErrorIs(t, err, ErrUserIDRequired)

	_, err = database.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWithTxRollsBack(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := database.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO users (id, email, created_at) VALUES ('u1', 'a@b.c', 1)`); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = database.GetUser(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMillisRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 8_000_000, time.UTC)
	assert.Equal(t, now, FromMillis(Millis(now)))
	assert.True(t, FromMillis(Millis(time.Time{})).IsZero())
	assert.False(t, NullMillis(time.Time{}).Valid)
	assert.Equal(t, now, FromNullMillis(NullMillis(now)))
}
