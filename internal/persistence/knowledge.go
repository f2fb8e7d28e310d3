package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// KnowledgeItem is one extracted fact about the user.
type KnowledgeItem struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Kind       string    `json:"kind"`
	Content    string    `json:"content"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// AreaSummary is the rolled-up summary of one completed root area.
type AreaSummary struct {
	RootAreaID  string    `json:"root_area_id"`
	SummaryText string    `json:"summary_text"`
	Vector      []float32 `json:"vector,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SaveAreaSummary upserts the root-area summary. Re-running the cascade for
// the same root overwrites rather than duplicates.
func (s *Store) SaveAreaSummary(ctx context.Context, sum AreaSummary) error {
	var encoded sql.NullString
	if sum.Vector != nil {
		raw, err := json.Marshal(sum.Vector)
		if err != nil {
			return fmt.Errorf("encode vector: %w", err)
		}
		encoded.Valid = true
		encoded.String = string(raw)
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO area_summaries (root_area_id, summary_text, vector, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP);
		`, sum.RootAreaID, sum.SummaryText, encoded)
		return err
	})
	if err != nil {
		return fmt.Errorf("save area summary: %w", err)
	}
	return nil
}

// GetAreaSummary returns the summary for a root area, or nil if absent.
func (s *Store) GetAreaSummary(ctx context.Context, rootAreaID string) (*AreaSummary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT root_area_id, summary_text, vector, updated_at
		FROM area_summaries
		WHERE root_area_id = ?;
	`, rootAreaID)
	var sum AreaSummary
	var vector sql.NullString
	if err := row.Scan(&sum.RootAreaID, &sum.SummaryText, &vector, &sum.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get area summary: %w", err)
	}
	if vector.Valid && vector.String != "" {
		if err := json.Unmarshal([]byte(vector.String), &sum.Vector); err != nil {
			return nil, fmt.Errorf("decode vector for area %s: %w", sum.RootAreaID, err)
		}
	}
	return &sum, nil
}

// ReplaceKnowledge swaps the knowledge items linked to a root area in one
// transaction: prior items for the root are removed, the new set inserted.
// This makes repeat cascade runs idempotent at the data level.
func (s *Store) ReplaceKnowledge(ctx context.Context, userID, rootAreaID string, items []KnowledgeItem) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin replace knowledge tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM user_knowledge
			WHERE id IN (
				SELECT knowledge_id FROM user_knowledge_areas WHERE root_area_id = ?
			);
		`, rootAreaID); err != nil {
			return fmt.Errorf("delete prior knowledge: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM user_knowledge_areas WHERE root_area_id = ?;
		`, rootAreaID); err != nil {
			return fmt.Errorf("delete prior knowledge links: %w", err)
		}

		for _, item := range items {
			id := item.ID
			if id == "" {
				id = uuid.NewString()
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO user_knowledge (id, user_id, kind, content, confidence, created_at)
				VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
			`, id, userID, item.Kind, item.Content, item.Confidence); err != nil {
				return fmt.Errorf("insert knowledge item: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO user_knowledge_areas (knowledge_id, root_area_id)
				VALUES (?, ?);
			`, id, rootAreaID); err != nil {
				return fmt.Errorf("insert knowledge link: %w", err)
			}
		}
		return tx.Commit()
	})
}

// ListKnowledgeByRoot returns knowledge items linked to a root area.
func (s *Store) ListKnowledgeByRoot(ctx context.Context, rootAreaID string) ([]KnowledgeItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT k.id, k.user_id, k.kind, k.content, k.confidence, k.created_at
		FROM user_knowledge k
		JOIN user_knowledge_areas a ON a.knowledge_id = k.id
		WHERE a.root_area_id = ?
		ORDER BY k.created_at ASC, k.id ASC;
	`, rootAreaID)
	if err != nil {
		return nil, fmt.Errorf("list knowledge by root: %w", err)
	}
	defer rows.Close()

	var out []KnowledgeItem
	for rows.Next() {
		var item KnowledgeItem
		if err := rows.Scan(&item.ID, &item.UserID, &item.Kind, &item.Content, &item.Confidence, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan knowledge item: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("knowledge rows: %w", err)
	}
	return out, nil
}
