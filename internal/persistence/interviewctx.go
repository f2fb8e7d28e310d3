package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// InterviewContext is the single active interview slot per user. It pins
// the leaf being discussed, the open question, and the ids of the turns
// gathered for that leaf so far.
type InterviewContext struct {
	UserID       string    `json:"user_id"`
	RootAreaID   string    `json:"root_area_id"`
	ActiveLeafID string    `json:"active_leaf_id"`
	QuestionText string    `json:"question_text"`
	MessageIDs   []int64   `json:"message_ids"`
	CreatedAt    time.Time `json:"created_at"`
}

// SaveInterviewContext writes the user's active slot, replacing any
// previous one. One interview at a time per user.
func (s *Store) SaveInterviewContext(ctx context.Context, ic InterviewContext) error {
	if ic.MessageIDs == nil {
		ic.MessageIDs = []int64{}
	}
	encoded, err := json.Marshal(ic.MessageIDs)
	if err != nil {
		return fmt.Errorf("encode message_ids: %w", err)
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO active_interview_context
				(user_id, root_area_id, active_leaf_id, question_text, message_ids, created_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, ic.UserID, ic.RootAreaID, ic.ActiveLeafID, ic.QuestionText, string(encoded))
		return err
	})
	if err != nil {
		return fmt.Errorf("save interview context: %w", err)
	}
	return nil
}

// GetInterviewContext returns the user's active slot, or nil if none.
func (s *Store) GetInterviewContext(ctx context.Context, userID string) (*InterviewContext, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, root_area_id, active_leaf_id, question_text, message_ids, created_at
		FROM active_interview_context
		WHERE user_id = ?;
	`, userID)
	var ic InterviewContext
	var rawMessageIDs string
	if err := row.Scan(&ic.UserID, &ic.RootAreaID, &ic.ActiveLeafID, &ic.QuestionText, &rawMessageIDs, &ic.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get interview context: %w", err)
	}
	if err := json.Unmarshal([]byte(rawMessageIDs), &ic.MessageIDs); err != nil {
		return nil, fmt.Errorf("decode message_ids for user %s: %w", userID, err)
	}
	return &ic, nil
}

// ClearInterviewContext removes the user's active slot.
func (s *Store) ClearInterviewContext(ctx context.Context, userID string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM active_interview_context WHERE user_id = ?;
		`, userID)
		return err
	})
	if err != nil {
		return fmt.Errorf("clear interview context: %w", err)
	}
	return nil
}
