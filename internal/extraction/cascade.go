package extraction

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/orchard/lifemap/internal/otel"
	"github.com/orchard/lifemap/internal/persistence"
)

// Downstream receives a root area whose leaf extraction has fully drained.
// Delivery is at-least-once; receivers dedupe via the extracted_at stamp.
type Downstream interface {
	RootCompleted(ctx context.Context, userID, rootAreaID string)
}

// Cascade decides when a root area is ready for knowledge extraction and
// hands it to the downstream consumer.
type Cascade struct {
	store      *persistence.Store
	downstream Downstream
	metrics    *otel.Metrics
}

func NewCascade(store *persistence.Store, downstream Downstream, metrics *otel.Metrics) *Cascade {
	return &Cascade{store: store, downstream: downstream, metrics: metrics}
}

// CheckRoot dispatches the root when every leaf is terminal and no queued
// task for it remains unfinished. Safe to call after every task completion
// and from the periodic sweep; duplicate dispatches are absorbed downstream.
func (c *Cascade) CheckRoot(ctx context.Context, rootAreaID string) (bool, error) {
	if c.downstream == nil {
		return false, nil
	}

	terminal, err := c.store.AllLeavesTerminal(ctx, rootAreaID)
	if err != nil {
		return false, err
	}
	if !terminal {
		return false, nil
	}

	unfinished, err := c.store.HasUnfinishedTasks(ctx, rootAreaID)
	if err != nil {
		return false, err
	}
	if unfinished {
		return false, nil
	}

	root, err := c.store.GetArea(ctx, rootAreaID)
	if err != nil {
		return false, err
	}
	if root == nil {
		return false, fmt.Errorf("cascade: root area %s not found", rootAreaID)
	}
	if root.ExtractedAt != nil {
		// Already consumed downstream, nothing to redo.
		return false, nil
	}

	c.metrics.RecordCascadeDispatch(ctx)
	slog.Info("cascade dispatch", "root_area_id", rootAreaID, "user_id", root.UserID)
	c.downstream.RootCompleted(ctx, root.UserID, rootAreaID)
	return true, nil
}
