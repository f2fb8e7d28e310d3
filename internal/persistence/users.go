package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// EnsureUser inserts the user if absent. Existing rows are left untouched.
func (s *Store) EnsureUser(ctx context.Context, userID, displayName string) error {
	if _, err := uuid.Parse(userID); err != nil {
		return fmt.Errorf("invalid user_id: %w", err)
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO users (id, display_name, created_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO NOTHING;
		`, userID, displayName)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser returns a user by id, or nil if absent.
func (s *Store) GetUser(ctx context.Context, userID string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, created_at
		FROM users
		WHERE id = ?;
	`, userID)
	var u User
	if err := row.Scan(&u.ID, &u.DisplayName, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}
