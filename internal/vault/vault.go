// Package vault stores per-user broker credentials encrypted at rest.
package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"signal-core/pkg/crypto"
	"signal-core/pkg/db"
)

var ErrNoCredentials = errors.New("no broker credentials for user")

// Supported broker names.
const (
	BrokerAlpaca         = "alpaca"
	BrokerBinanceFutures = "binance-futures"
	BrokerPaper          = "paper"
)

// Credentials are the decrypted secrets used to build a broker client.
type Credentials struct {
	UserID    string
	Broker    string
	APIKey    string
	APISecret string
	Paper     bool // use the venue's paper/testnet environment
}

func (c Credentials) validate() error {
	switch c.Broker {
	case BrokerAlpaca, BrokerBinanceFutures, BrokerPaper:
	default:
		return fmt.Errorf("unsupported broker %q", c.Broker)
	}
	if c.Broker != BrokerPaper && (strings.TrimSpace(c.APIKey) == "" || strings.TrimSpace(c.APISecret) == "") {
		return errors.New("api key and secret are required")
	}
	return nil
}

// Vault reads and writes the broker_credentials table.
type Vault struct {
	db     *db.Database
	keys   *crypto.KeyManager
	logger *zap.Logger

	// OnChange is called after a user's credentials are replaced so cached clients can be dropped.
	OnChange func(userID string)
}

// New creates a Vault.
func New(database *db.Database, keys *crypto.KeyManager, logger *zap.Logger) *Vault {
	return &Vault{db: database, keys: keys, logger: logger}
}

// Store encrypts and upserts the credentials for c.UserID.
func (v *Vault) Store(ctx context.Context, c Credentials) error {
	if c.UserID == "" {
		return db.ErrUserIDRequired
	}
	if err := c.validate(); err != nil {
		return err
	}

	keyEnc, err := v.keys.Encrypt(c.APIKey, c.UserID)
	if err != nil {
		return fmt.Errorf("encrypt api key: %w", err)
	}
	secretEnc, err := v.keys.Encrypt(c.APISecret, c.UserID)
	if err != nil {
		return fmt.Errorf("encrypt api secret: %w", err)
	}

	now := db.Millis(time.Now())
	_, err = v.db.DB.ExecContext(ctx, `
		INSERT INTO broker_credentials (id, user_id, broker, api_key_enc, api_secret_enc, paper, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			broker = excluded.broker,
			api_key_enc = excluded.api_key_enc,
			api_secret_enc = excluded.api_secret_enc,
			paper = excluded.paper,
			updated_at = excluded.updated_at
	`, uuid.NewString(), c.UserID, c.Broker, keyEnc, secretEnc, c.Paper, now, now)
	if err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}

	v.logger.Info("broker credentials stored",
		zap.String("user_id", c.UserID),
		zap.String("broker", c.Broker),
		zap.Int("key_version", v.keys.CurrentVersion()),
	)
	if v.OnChange != nil {
		v.OnChange(c.UserID)
	}
	return nil
}

// Load returns the decrypted credentials for userID.
func (v *Vault) Load(ctx context.Context, userID string) (Credentials, error) {
	if userID == "" {
		return Credentials{}, db.ErrUserIDRequired
	}
	var (
		c                 = Credentials{UserID: userID}
		keyEnc, secretEnc string
	)
	err := v.db.DB.QueryRowContext(ctx, `
		SELECT broker, api_key_enc, api_secret_enc, paper
		FROM broker_credentials WHERE user_id = ?
	`, userID).Scan(&c.Broker, &keyEnc, &secretEnc, &c.Paper)
	if errors.Is(err, sql.ErrNoRows) {
		return Credentials{}, ErrNoCredentials
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("load credentials: %w", err)
	}

	if c.APIKey, err = v.keys.Decrypt(keyEnc, userID); err != nil {
		return Credentials{}, fmt.Errorf("decrypt api key: %w", err)
	}
	if c.APISecret, err = v.keys.Decrypt(secretEnc, userID); err != nil {
		return Credentials{}, fmt.Errorf("decrypt api secret: %w", err)
	}
	return c, nil
}

// Delete removes a user's credentials.
func (v *Vault) Delete(ctx context.Context, userID string) error {
	if userID == "" {
		return db.ErrUserIDRequired
	}
	if _, err := v.db.DB.ExecContext(ctx, `DELETE FROM broker_credentials WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	if v.OnChange != nil {
		v.OnChange(userID)
	}
	return nil
}

// Rotate re-encrypts every row still sealed with an older key version and
// returns how many rows moved.
func (v *Vault) Rotate(ctx context.Context) (int, error) {
	type row struct{ userID, key, secret string }

	rows, err := v.db.DB.QueryContext(ctx, `SELECT user_id, api_key_enc, api_secret_enc FROM broker_credentials`)
	if err != nil {
		return 0, fmt.Errorf("list credentials: %w", err)
	}
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.userID, &r.key, &r.secret); err != nil {
			rows.Close()
			return 0, err
		}
		all = append(all, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	moved := 0
	err = v.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, r := range all {
			key, kMoved, err := v.keys.ReEncrypt(r.key, r.userID)
			if err != nil {
				return fmt.Errorf("rotate key for %s: %w", r.userID, err)
			}
			secret, sMoved, err := v.keys.ReEncrypt(r.secret, r.userID)
			if err != nil {
				return fmt.Errorf("rotate secret for %s: %w", r.userID, err)
			}
			if !kMoved && !sMoved {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE broker_credentials SET api_key_enc = ?, api_secret_enc = ?, updated_at = ? WHERE user_id = ?`,
				key, secret, db.Millis(time.Now()), r.userID,
			); err != nil {
				return fmt.Errorf("update credentials for %s: %w", r.userID, err)
			}
			moved++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	v.logger.Info("credential rotation finished", zap.Int("rotated", moved), zap.Int("key_version", v.keys.CurrentVersion()))
	return moved, nil
}
