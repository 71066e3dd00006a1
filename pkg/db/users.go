package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// User is an account that owns bots, tokens and broker credentials.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateUser inserts a user, or returns the existing one with the same email.
func (d *Database) CreateUser(ctx context.Context, email string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, errors.New("email is required")
	}
	if u, err := d.userBy(ctx, "email", email); err == nil {
		return u, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	u := &User{ID: uuid.NewString(), Email: email, CreatedAt: time.Now().UTC()}
	if _, err := d.DB.ExecContext(ctx,
		`INSERT INTO users (id, email, created_at) VALUES (?, ?, ?)`,
		u.ID, u.Email, Millis(u.CreatedAt),
	); err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// GetUser loads a user by id.
func (d *Database) GetUser(ctx context.Context, id string) (*User, error) {
	if id == "" {
		return nil, ErrUserIDRequired
	}
	return d.userBy(ctx, "id", id)
}

func (d *Database) userBy(ctx context.Context, column, value string) (*User, error) {
	var (
		u       User
		created int64
	)
	err := d.DB.QueryRowContext(ctx,
		`SELECT id, email, created_at FROM users WHERE `+column+` = ?`, value,
	).Scan(&u.ID, &u.Email, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.CreatedAt = FromMillis(created)
	return &u, nil
}
