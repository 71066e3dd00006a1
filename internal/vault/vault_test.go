package vault

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"signal-core/pkg/crypto"
	"signal-core/pkg/db"
)

func newTestDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, db.ApplyMigrations(database))
	return database
}

func keyManager(t *testing.T, versions ...int) (*crypto.KeyManager, map[int]string) {
	t.Helper()
	keys := make(map[int]string, len(versions))
	for _, v := range versions {
		k, err := crypto.GenerateKey()
		require.NoError(t, err)
		keys[v] = k
	}
	km, err := crypto.NewKeyManager(keys)
	require.NoError(t, err)
	return km, keys
}

func TestStoreAndLoad(t *testing.T) {
	database := newTestDB(t)
	km, _ := keyManager(t, 1)
	v := New(database, km, zap.NewNop())
	ctx := context.Background()

	var changed []string
	v.OnChange = func(userID string) { changed = append(changed, userID) }

	require.NoError(t, v.Store(ctx, Credentials{UserID: "u1", Broker: BrokerAlpaca, APIKey: "AKID", APISecret: "shh", Paper: true}))

	var rawKey, rawSecret string
	require.NoError(t, database.DB.QueryRow(`SELECT api_key_enc, api_secret_enc FROM broker_credentials WHERE user_id = 'u1'`).Scan(&rawKey, &rawSecret))
	assert.True(t, strings.HasPrefix(rawKey, "ENC[v1]:"))
	assert.NotContains(t, rawKey, "AKID")
	assert.NotContains(t, rawSecret, "shh")

	got, err := v.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "AKID", got.APIKey)
	assert.Equal(t, "shh", got.APISecret)
	assert.Equal(t, BrokerAlpaca, got.Broker)
	assert.True(t, got.Paper)

	// Replacing keeps one row per user.
	require.NoError(t, v.Store(ctx, Credentials{UserID: "u1", Broker: BrokerBinanceFutures, APIKey: "k2", APISecret: "s2"}))
	got, err = v.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "k2", got.APIKey)
	assert.False(t, got.Paper)

	var n int
	require.NoError(t, database.DB.QueryRow(`SELECT COUNT(*) FROM broker_credentials`).Scan(&n))
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"u1", "u1"}, changed)
}

func TestLoadErrors(t *testing.T) {
	database := newTestDB(t)
	km, _ := keyManager(t, 1)
	v := New(database, km, zap.NewNop())
	ctx := context.Background()

	_, err := v.Load(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNoCredentials)

	_, err = v.Load(ctx, "")
	assert.ErrorIs(t, err, db.ErrUserIDRequired)
}

func TestCiphertextBoundToUser(t *testing.T) {
	database := newTestDB(t)
	km, _ := keyManager(t, 1)
	v := New(database, km, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, Credentials{UserID: "alice", Broker: BrokerAlpaca, APIKey: "a-key", APISecret: "a-secret"}))
	require.NoError(t, v.Store(ctx, Credentials{UserID: "bob", Broker: BrokerAlpaca, APIKey: "b-key", APISecret: "b-secret"}))

	// Copy alice's sealed values onto bob's row.
	_, err := database.DB.Exec(`
		UPDATE broker_credentials
		SET api_key_enc = (SELECT api_key_enc FROM broker_credentials WHERE user_id = 'alice')
		WHERE user_id = 'bob'`)
	require.NoError(t, err)

	_, err = v.Load(ctx, "bob")
	require.Error(t, err)
	assert.ErrorIs(t, err, crypto.ErrDecryptionFailed)
}

func TestStoreValidation(t *testing.T) {
	database := newTestDB(t)
	km, _ := keyManager(t, 1)
	v := New(database, km, zap.NewNop())
	ctx := context.Background()

	tests := []struct {
		name  string
		creds Credentials
	}{
		{"missing user", Credentials{Broker: BrokerAlpaca, APIKey: "k", APISecret: "s"}},
		{"unknown broker", Credentials{UserID: "u", Broker: "ftx", APIKey: "k", APISecret: "s"}},
		{"missing secret", Credentials{UserID: "u", Broker: BrokerAlpaca, APIKey: "k"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, v.Store(ctx, tt.creds))
		})
	}

	// Paper accounts need no secrets.
	assert.NoError(t, v.Store(ctx, Credentials{UserID: "u", Broker: BrokerPaper}))
}

func TestRotate(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	oldKM, oldKeys := keyManager(t, 1)
	v := New(database, oldKM, zap.NewNop())
	require.NoError(t, v.Store(ctx, Credentials{UserID: "u1", Broker: BrokerAlpaca, APIKey: "k1", APISecret: "s1"}))
	require.NoError(t, v.Store(ctx, Credentials{UserID: "u2", Broker: BrokerAlpaca, APIKey: "k2", APISecret: "s2"}))

	newKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	oldKeys[2] = newKey
	rotKM, err := crypto.NewKeyManager(oldKeys)
	require.NoError(t, err)

	v = New(database, rotKM, zap.NewNop())
	moved, err := v.Rotate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	var raw string
	require.NoError(t, database.DB.QueryRow(`SELECT api_secret_enc FROM broker_credentials WHERE user_id = 'u2'`).Scan(&raw))
	assert.Equal(t, 2, crypto.ParseVersion(raw))

	got, err := v.Load(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "s2", got.APISecret)

	// Second pass has nothing left to move.
	moved, err = v.Rotate(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)
}

func TestDelete(t *testing.T) {
	database := newTestDB(t)
	km, _ := keyManager(t, 1)
	v := New(database, km, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, Credentials{UserID: "u1", Broker: BrokerPaper}))
	require.NoError(t, v.Delete(ctx, "u1"))
	_, err := v.Load(ctx, "u1")
	assert.ErrorIs(t, err, ErrNoCredentials)
}
