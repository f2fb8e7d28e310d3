package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/orchard/lifemap/internal/bus"
)

type LeafStatus string

const (
	LeafStatusPending LeafStatus = "pending"
	LeafStatusActive  LeafStatus = "active"
	LeafStatusCovered LeafStatus = "covered"
	LeafStatusSkipped LeafStatus = "skipped"
)

// allowedLeafTransitions is forward-only: covered and skipped are terminal
// and nothing re-enters pending.
var allowedLeafTransitions = map[LeafStatus]map[LeafStatus]struct{}{
	LeafStatusPending: {
		LeafStatusActive: {},
	},
	LeafStatusActive: {
		LeafStatusCovered: {},
		LeafStatusSkipped: {},
	},
}

// LeafCoverage tracks how far the interview has gotten on one leaf.
type LeafCoverage struct {
	LeafID      string     `json:"leaf_id"`
	RootAreaID  string     `json:"root_area_id"`
	Status      LeafStatus `json:"status"`
	SummaryText string     `json:"summary_text,omitempty"`
	Vector      []float32  `json:"vector,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (st LeafStatus) Terminal() bool {
	return st == LeafStatusCovered || st == LeafStatusSkipped
}

func canLeafTransition(from, to LeafStatus) bool {
	next, ok := allowedLeafTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

func scanLeafCoverage(scanFn func(dest ...any) error, cov *LeafCoverage) error {
	var summary sql.NullString
	var vector sql.NullString
	if err := scanFn(
		&cov.LeafID,
		&cov.RootAreaID,
		&cov.Status,
		&summary,
		&vector,
		&cov.UpdatedAt,
	); err != nil {
		return err
	}
	if summary.Valid {
		cov.SummaryText = summary.String
	}
	if vector.Valid && vector.String != "" {
		if err := json.Unmarshal([]byte(vector.String), &cov.Vector); err != nil {
			return fmt.Errorf("decode vector for leaf %s: %w", cov.LeafID, err)
		}
	}
	return nil
}

const leafCoverageColumns = `leaf_id, root_area_id, status, summary_text, vector, updated_at`

// InitCoverage seeds a pending coverage row for every leaf under the root.
// Idempotent: existing rows keep their status.
func (s *Store) InitCoverage(ctx context.Context, rootAreaID string) error {
	leaves, err := s.ListLeaves(ctx, rootAreaID)
	if err != nil {
		return err
	}
	if len(leaves) == 0 {
		return fmt.Errorf("root area %s has no leaves", rootAreaID)
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin init coverage tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		for _, leaf := range leaves {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO leaf_coverage (leaf_id, root_area_id, status, updated_at)
				VALUES (?, ?, ?, CURRENT_TIMESTAMP)
				ON CONFLICT(leaf_id) DO NOTHING;
			`, leaf.ID, rootAreaID, LeafStatusPending); err != nil {
				return fmt.Errorf("seed coverage for leaf %s: %w", leaf.ID, err)
			}
		}
		return tx.Commit()
	})
}

// GetCoverage returns the coverage row for a leaf, or nil if absent.
func (s *Store) GetCoverage(ctx context.Context, leafID string) (*LeafCoverage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+leafCoverageColumns+`
		FROM leaf_coverage
		WHERE leaf_id = ?;
	`, leafID)
	var cov LeafCoverage
	if err := scanLeafCoverage(row.Scan, &cov); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get leaf coverage: %w", err)
	}
	return &cov, nil
}

// TransitionLeaf moves a leaf from one of allowedFrom to the target status.
// Returns false when the leaf is absent, not in an allowed source state, or
// lost a race with a concurrent transition. Terminal states never move.
func (s *Store) TransitionLeaf(ctx context.Context, leafID string, allowedFrom []LeafStatus, to LeafStatus) (bool, error) {
	var ok bool
	err := retryOnBusy(ctx, 5, func() error {
		ok = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin leaf transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current LeafStatus
		var rootAreaID string
		if err := tx.QueryRowContext(ctx, `
			SELECT status, root_area_id FROM leaf_coverage WHERE leaf_id = ?;
		`, leafID).Scan(&current, &rootAreaID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select leaf for transition: %w", err)
		}
		if !slices.Contains(allowedFrom, current) {
			return nil
		}
		if !canLeafTransition(current, to) {
			return fmt.Errorf("illegal leaf transition %s -> %s", current, to)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE leaf_coverage
			SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE leaf_id = ? AND status = ?;
		`, to, leafID, current)
		if err != nil {
			return fmt.Errorf("update leaf transition: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("leaf transition rows affected: %w", err)
		}
		if affected != 1 {
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit leaf transition tx: %w", err)
		}
		ok = true
		if s.bus != nil {
			event := bus.LeafEvent{LeafID: leafID, RootAreaID: rootAreaID, Status: string(to)}
			switch to {
			case LeafStatusActive:
				s.bus.Publish(bus.TopicLeafActivated, event)
			case LeafStatusCovered:
				s.bus.Publish(bus.TopicLeafCovered, event)
			case LeafStatusSkipped:
				s.bus.Publish(bus.TopicLeafSkipped, event)
			}
		}
		return nil
	})
	return ok, err
}

// SaveLeafSummary stores the extraction output on the coverage row. The
// status is untouched; only covered leaves reach this path.
func (s *Store) SaveLeafSummary(ctx context.Context, leafID, summaryText string, vector []float32) error {
	var encoded sql.NullString
	if vector != nil {
		raw, err := json.Marshal(vector)
		if err != nil {
			return fmt.Errorf("encode vector: %w", err)
		}
		encoded.Valid = true
		encoded.String = string(raw)
	}
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE leaf_coverage
			SET summary_text = ?, vector = ?, updated_at = CURRENT_TIMESTAMP
			WHERE leaf_id = ?;
		`, summaryText, encoded, leafID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("leaf coverage %s not found", leafID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save leaf summary: %w", err)
	}
	return nil
}

// ListCoverageByRoot returns coverage rows for every leaf under the root,
// in the leaf pre-order of the area tree.
func (s *Store) ListCoverageByRoot(ctx context.Context, rootAreaID string) ([]LeafCoverage, error) {
	leaves, err := s.ListLeaves(ctx, rootAreaID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+leafCoverageColumns+`
		FROM leaf_coverage
		WHERE root_area_id = ?;
	`, rootAreaID)
	if err != nil {
		return nil, fmt.Errorf("list coverage by root: %w", err)
	}
	defer rows.Close()

	byLeaf := make(map[string]LeafCoverage)
	for rows.Next() {
		var cov LeafCoverage
		if err := scanLeafCoverage(rows.Scan, &cov); err != nil {
			return nil, fmt.Errorf("scan leaf coverage: %w", err)
		}
		byLeaf[cov.LeafID] = cov
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("leaf coverage rows: %w", err)
	}

	out := make([]LeafCoverage, 0, len(byLeaf))
	for _, leaf := range leaves {
		if cov, ok := byLeaf[leaf.ID]; ok {
			out = append(out, cov)
		}
	}
	return out, nil
}

// NextPendingLeaf returns the first pending leaf under the root in area
// pre-order, or nil when none remain.
func (s *Store) NextPendingLeaf(ctx context.Context, rootAreaID string) (*LeafCoverage, error) {
	ordered, err := s.ListCoverageByRoot(ctx, rootAreaID)
	if err != nil {
		return nil, err
	}
	for i := range ordered {
		if ordered[i].Status == LeafStatusPending {
			return &ordered[i], nil
		}
	}
	return nil, nil
}

// AllLeavesTerminal reports whether every coverage row under the root is
// covered or skipped. False when the root has no coverage rows at all.
func (s *Store) AllLeavesTerminal(ctx context.Context, rootAreaID string) (bool, error) {
	var total, terminal int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1),
			COALESCE(SUM(CASE WHEN status IN (?, ?) THEN 1 ELSE 0 END), 0)
		FROM leaf_coverage
		WHERE root_area_id = ?;
	`, LeafStatusCovered, LeafStatusSkipped, rootAreaID).Scan(&total, &terminal); err != nil {
		return false, fmt.Errorf("count terminal leaves: %w", err)
	}
	return total > 0 && total == terminal, nil
}

// CoveredLeaves returns covered coverage rows under the root, pre-order.
func (s *Store) CoveredLeaves(ctx context.Context, rootAreaID string) ([]LeafCoverage, error) {
	ordered, err := s.ListCoverageByRoot(ctx, rootAreaID)
	if err != nil {
		return nil, err
	}
	var out []LeafCoverage
	for _, cov := range ordered {
		if cov.Status == LeafStatusCovered {
			out = append(out, cov)
		}
	}
	return out, nil
}
