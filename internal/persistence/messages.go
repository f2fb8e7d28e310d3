package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Message is one turn of interview conversation.
type Message struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// AddMessage records an interview turn and returns its id.
func (s *Store) AddMessage(ctx context.Context, userID, role, content string) (int64, error) {
	role = strings.ToLower(strings.TrimSpace(role))
	switch role {
	case "user", "assistant":
	default:
		return 0, fmt.Errorf("invalid role %q", role)
	}
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO life_area_messages (user_id, role, content, created_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP);
		`, userID, role, content)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return id, nil
}

// LoadMessageTexts returns the contents for the given ids in the order the
// ids were given. Missing ids are skipped rather than erroring: message
// snapshots in old queue tasks may outlive pruned conversation rows, and a
// partial transcript still summarizes.
func (s *Store) LoadMessageTexts(ctx context.Context, messageIDs []int64) ([]string, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(messageIDs))
	args := make([]any, len(messageIDs))
	for i, id := range messageIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content
		FROM life_area_messages
		WHERE id IN (`+strings.Join(placeholders, ", ")+`);
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query message texts: %w", err)
	}
	defer rows.Close()

	type rec struct {
		role    string
		content string
	}
	found := make(map[int64]rec, len(messageIDs))
	for rows.Next() {
		var id int64
		var r rec
		if err := rows.Scan(&id, &r.role, &r.content); err != nil {
			return nil, fmt.Errorf("scan message text: %w", err)
		}
		found[id] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message text rows: %w", err)
	}

	out := make([]string, 0, len(messageIDs))
	for _, id := range messageIDs {
		r, ok := found[id]
		if !ok {
			continue
		}
		out = append(out, fmt.Sprintf("%s: %s", r.role, r.content))
	}
	return out, nil
}
