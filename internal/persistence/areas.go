package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrAreaNotFound reports a reference to a life area that does not exist.
// Callers holding such a reference cannot make progress by retrying.
var ErrAreaNotFound = errors.New("life area not found")

// LifeArea is a node in a user's life-area forest. ParentID is empty for
// roots. ExtractedAt is stamped when downstream knowledge extraction has
// consumed the subtree.
type LifeArea struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	ParentID    string     `json:"parent_id,omitempty"`
	Title       string     `json:"title"`
	Position    int        `json:"position"`
	ExtractedAt *time.Time `json:"extracted_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func scanLifeArea(scanFn func(dest ...any) error, area *LifeArea) error {
	var parentID sql.NullString
	var extractedAt sql.NullTime
	if err := scanFn(
		&area.ID,
		&area.UserID,
		&parentID,
		&area.Title,
		&area.Position,
		&extractedAt,
		&area.CreatedAt,
	); err != nil {
		return err
	}
	if parentID.Valid {
		area.ParentID = parentID.String
	}
	if extractedAt.Valid {
		t := extractedAt.Time
		area.ExtractedAt = &t
	}
	return nil
}

const lifeAreaColumns = `id, user_id, parent_id, title, position, extracted_at, created_at`

// CreateArea inserts a life-area node and returns its id. An empty parentID
// creates a root.
func (s *Store) CreateArea(ctx context.Context, userID, parentID, title string, position int) (string, error) {
	if strings.TrimSpace(title) == "" {
		return "", fmt.Errorf("area title must not be empty")
	}
	areaID := uuid.NewString()
	parent := sql.NullString{}
	if parentID != "" {
		parent.Valid = true
		parent.String = parentID
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO life_areas (id, user_id, parent_id, title, position, created_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, areaID, userID, parent, title, position)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create life area: %w", err)
	}
	return areaID, nil
}

// GetArea returns a life area by id, or nil if absent.
func (s *Store) GetArea(ctx context.Context, areaID string) (*LifeArea, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+lifeAreaColumns+`
		FROM life_areas
		WHERE id = ?;
	`, areaID)
	var area LifeArea
	if err := scanLifeArea(row.Scan, &area); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get life area: %w", err)
	}
	return &area, nil
}

// ListRoots returns the user's root areas ordered by position.
func (s *Store) ListRoots(ctx context.Context, userID string) ([]LifeArea, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+lifeAreaColumns+`
		FROM life_areas
		WHERE user_id = ? AND parent_id IS NULL
		ORDER BY position ASC, id ASC;
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list root areas: %w", err)
	}
	defer rows.Close()
	return collectAreas(rows)
}

// ListUnstampedRoots returns root areas that have initialized coverage but
// no extracted_at stamp. These are the candidates for knowledge-cascade
// re-dispatch after a crash or a dropped dispatch.
func (s *Store) ListUnstampedRoots(ctx context.Context) ([]LifeArea, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+lifeAreaColumns+`
		FROM life_areas a
		WHERE a.parent_id IS NULL
		  AND a.extracted_at IS NULL
		  AND EXISTS (SELECT 1 FROM leaf_coverage c WHERE c.root_area_id = a.id)
		ORDER BY a.created_at ASC, a.id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list unstamped roots: %w", err)
	}
	defer rows.Close()
	return collectAreas(rows)
}

// loadSubtree returns every node under (and including) rootID in arbitrary
// order, using a recursive CTE.
func (s *Store) loadSubtree(ctx context.Context, rootID string) ([]LifeArea, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM life_areas WHERE id = ?
			UNION ALL
			SELECT a.id FROM life_areas a JOIN subtree s ON a.parent_id = s.id
		)
		SELECT `+lifeAreaColumns+`
		FROM life_areas
		WHERE id IN (SELECT id FROM subtree);
	`, rootID)
	if err != nil {
		return nil, fmt.Errorf("load subtree: %w", err)
	}
	defer rows.Close()
	return collectAreas(rows)
}

func collectAreas(rows *sql.Rows) ([]LifeArea, error) {
	var out []LifeArea
	for rows.Next() {
		var area LifeArea
		if err := scanLifeArea(rows.Scan, &area); err != nil {
			return nil, fmt.Errorf("scan life area: %w", err)
		}
		out = append(out, area)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("life area rows: %w", err)
	}
	return out, nil
}

// ListDescendants returns the subtree rooted at rootID in pre-order:
// each node before its children, siblings by position then id.
func (s *Store) ListDescendants(ctx context.Context, rootID string) ([]LifeArea, error) {
	nodes, err := s.loadSubtree(ctx, rootID)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, nil
	}

	byID := make(map[string]*LifeArea, len(nodes))
	children := make(map[string][]*LifeArea, len(nodes))
	for i := range nodes {
		byID[nodes[i].ID] = &nodes[i]
	}
	for i := range nodes {
		n := &nodes[i]
		if n.ID == rootID {
			continue
		}
		children[n.ParentID] = append(children[n.ParentID], n)
	}
	for _, siblings := range children {
		sort.Slice(siblings, func(i, j int) bool {
			if siblings[i].Position != siblings[j].Position {
				return siblings[i].Position < siblings[j].Position
			}
			return siblings[i].ID < siblings[j].ID
		})
	}

	root, ok := byID[rootID]
	if !ok {
		return nil, fmt.Errorf("root area %s not found", rootID)
	}
	out := make([]LifeArea, 0, len(nodes))
	var walk func(n *LifeArea)
	walk = func(n *LifeArea) {
		out = append(out, *n)
		for _, child := range children[n.ID] {
			walk(child)
		}
	}
	walk(root)
	return out, nil
}

// ListLeaves returns the leaf nodes of the subtree in pre-order. A root
// with no children is itself a leaf.
func (s *Store) ListLeaves(ctx context.Context, rootID string) ([]LifeArea, error) {
	ordered, err := s.ListDescendants(ctx, rootID)
	if err != nil {
		return nil, err
	}
	hasChildren := make(map[string]bool, len(ordered))
	for _, n := range ordered {
		if n.ParentID != "" {
			hasChildren[n.ParentID] = true
		}
	}
	var leaves []LifeArea
	for _, n := range ordered {
		if !hasChildren[n.ID] {
			leaves = append(leaves, n)
		}
	}
	return leaves, nil
}

// LeafPath returns the title path from the root down to leafID, rendered
// "Root > Child > Leaf". Used as context in extraction prompts.
func (s *Store) LeafPath(ctx context.Context, leafID string) (string, error) {
	var titles []string
	current := leafID
	for i := 0; current != "" && i < 64; i++ {
		area, err := s.GetArea(ctx, current)
		if err != nil {
			return "", err
		}
		if area == nil {
			return "", fmt.Errorf("%w: %s", ErrAreaNotFound, current)
		}
		titles = append(titles, area.Title)
		current = area.ParentID
	}
	for i, j := 0, len(titles)-1; i < j; i, j = i+1, j-1 {
		titles[i], titles[j] = titles[j], titles[i]
	}
	return strings.Join(titles, " > "), nil
}

// MarkExtracted stamps extracted_at on a root area. Returns true if the
// stamp was newly applied, false if it was already set; the cascade uses
// this to keep downstream extraction idempotent under at-least-once
// dispatch.
func (s *Store) MarkExtracted(ctx context.Context, rootAreaID string) (bool, error) {
	var applied bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE life_areas
			SET extracted_at = CURRENT_TIMESTAMP
			WHERE id = ? AND parent_id IS NULL AND extracted_at IS NULL;
		`, rootAreaID)
		if err != nil {
			return fmt.Errorf("mark extracted: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark extracted rows affected: %w", err)
		}
		applied = n == 1
		return nil
	})
	return applied, err
}

// ClearExtracted removes the extracted_at stamp, reopening the root for a
// fresh downstream pass after its coverage changes.
func (s *Store) ClearExtracted(ctx context.Context, rootAreaID string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE life_areas
			SET extracted_at = NULL
			WHERE id = ?;
		`, rootAreaID)
		return err
	})
	if err != nil {
		return fmt.Errorf("clear extracted: %w", err)
	}
	return nil
}
