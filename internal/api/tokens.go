package api

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"signal-core/internal/persistence"
	"signal-core/pkg/db"
)

const tokenPrefix = "whk_"

var (
	// ErrInvalidToken is returned for unknown, revoked or empty webhook tokens.
	ErrInvalidToken = errors.New("invalid webhook token")
	// ErrTokenNotFound is returned when revoking a token the user does not own.
	ErrTokenNotFound = errors.New("webhook token not found")
)

// WebhookToken is a stored token. The plaintext is only known at issue time.
type WebhookToken struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Label      string    `json:"label"`
	UsageCount int64     `json:"usage_count"`
	LastUsedAt time.Time `json:"last_used_at,omitzero"`
	RevokedAt  time.Time `json:"revoked_at,omitzero"`
	CreatedAt  time.Time `json:"created_at"`
}

// TokenStore maps opaque webhook tokens to users. Only SHA-256 hashes are stored.
type TokenStore struct {
	db    *db.Database
	batch *persistence.BatchWriter
	now   func() time.Time
}

// NewTokenStore returns a store that records usage through batch.
func NewTokenStore(database *db.Database, batch *persistence.BatchWriter) *TokenStore {
	return &TokenStore{db: database, batch: batch, now: time.Now}
}

func hashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

func newTokenSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return tokenPrefix + hex.EncodeToString(buf), nil
}

// Issue creates a token for userID and returns its plaintext once.
func (s *TokenStore) Issue(ctx context.Context, userID, label string) (string, *WebhookToken, error) {
	if userID == "" {
		return "", nil, db.ErrUserIDRequired
	}
	plaintext, err := newTokenSecret()
	if err != nil {
		return "", nil, err
	}
	tok := &WebhookToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		Label:     strings.TrimSpace(label),
		CreatedAt: s.now().UTC(),
	}
	_, err = s.db.DB.ExecContext(ctx, `
		INSERT INTO webhook_tokens (id, user_id, token_hash, label, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		tok.ID, tok.UserID, hashToken(plaintext), tok.Label, db.Millis(tok.CreatedAt),
	)
	if err != nil {
		return "", nil, fmt.Errorf("insert webhook token: %w", err)
	}
	return plaintext, tok, nil
}

const tokenColumns = `id, user_id, label, usage_count, last_used_at, revoked_at, created_at`

func scanToken(row interface{ Scan(...any) error }) (*WebhookToken, error) {
	var (
		t         WebhookToken
		lastUsed  sql.NullInt64
		revokedAt sql.NullInt64
		createdAt int64
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.Label, &t.UsageCount, &lastUsed, &revokedAt, &createdAt); err != nil {
		return nil, err
	}
	t.LastUsedAt = db.FromNullMillis(lastUsed)
	t.RevokedAt = db.FromNullMillis(revokedAt)
	t.CreatedAt = db.FromMillis(createdAt)
	return &t, nil
}

// Resolve returns the live token matching plaintext.
func (s *TokenStore) Resolve(ctx context.Context, plaintext string) (*WebhookToken, error) {
	plaintext = strings.TrimSpace(plaintext)
	if plaintext == "" {
		return nil, ErrInvalidToken
	}
	row := s.db.DB.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM webhook_tokens WHERE token_hash = ? AND revoked_at IS NULL`,
		hashToken(plaintext))
	t, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("resolve webhook token: %w", err)
	}
	return t, nil
}

// Touch records one use of the token. The write is buffered and best-effort.
func (s *TokenStore) Touch(id string) {
	s.batch.WriteQuery(
		`UPDATE webhook_tokens SET usage_count = usage_count + 1, last_used_at = ? WHERE id = ?`,
		db.Millis(s.now()), id,
	)
}

// List returns the user's tokens, newest first, revoked ones included.
func (s *TokenStore) List(ctx context.Context, userID string) ([]WebhookToken, error) {
	if userID == "" {
		return nil, db.ErrUserIDRequired
	}
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM webhook_tokens WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list webhook tokens: %w", err)
	}
	defer rows.Close()

	out := []WebhookToken{}
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook token: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// Revoke disables a token owned by userID. Revoking twice is not an error.
func (s *TokenStore) Revoke(ctx context.Context, userID, id string) error {
	if userID == "" {
		return db.ErrUserIDRequired
	}
	res, err := s.db.DB.ExecContext(ctx,
		`UPDATE webhook_tokens SET revoked_at = COALESCE(revoked_at, ?) WHERE id = ? AND user_id = ?`,
		db.Millis(s.now()), id, userID)
	if err != nil {
		return fmt.Errorf("revoke webhook token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTokenNotFound
	}
	return nil
}
