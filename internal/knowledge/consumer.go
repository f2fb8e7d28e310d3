// Package knowledge turns fully-interviewed life areas into durable user
// knowledge. It consumes cascade dispatches from the extraction layer,
// distills the area's leaf summaries into an area summary and discrete
// knowledge items, and stamps the root so repeat dispatches are no-ops.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orchard/lifemap/internal/bus"
	"github.com/orchard/lifemap/internal/llm"
	"github.com/orchard/lifemap/internal/otel"
	"github.com/orchard/lifemap/internal/persistence"
)

// Distiller produces area-level output from leaf summaries.
type Distiller interface {
	SummarizeArea(ctx context.Context, areaTitle string, leafSummaries []string) (string, error)
	ExtractKnowledge(ctx context.Context, areaTitle string, leafSummaries []string) ([]llm.Fact, error)
}

// Config controls the knowledge consumer pool.
type Config struct {
	WorkerCount int
	QueueDepth  int
}

func (c Config) withDefaults() Config {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 1
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 16
	}
	return c
}

type job struct {
	userID     string
	rootAreaID string
}

// Consumer is the downstream half of the extraction cascade. Dispatches
// arrive over a bounded channel; each worker distills one root at a time.
type Consumer struct {
	cfg      Config
	store    *persistence.Store
	distill  Distiller
	embedder llm.Embedder
	eventBus *bus.Bus

	jobs      chan job
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
	done      chan struct{}
}

func NewConsumer(cfg Config, store *persistence.Store, distill Distiller, embedder llm.Embedder, eventBus *bus.Bus) *Consumer {
	cfg = cfg.withDefaults()
	return &Consumer{
		cfg:      cfg,
		store:    store,
		distill:  distill,
		embedder: embedder,
		eventBus: eventBus,
		jobs:     make(chan job, cfg.QueueDepth),
		done:     make(chan struct{}),
	}
}

// Start launches the workers. Subsequent calls are no-ops.
func (c *Consumer) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		slog.Info("knowledge consumer starting",
			"workers", c.cfg.WorkerCount,
			"queue_depth", c.cfg.QueueDepth,
		)
		for i := 0; i < c.cfg.WorkerCount; i++ {
			c.wg.Add(1)
			go c.worker(ctx)
		}
		go func() {
			c.wg.Wait()
			close(c.done)
		}()
	})
}

// RootCompleted queues a root for distillation. When the queue is full the
// dispatch is dropped; the cron sweep re-dispatches unstamped roots, so a
// drop only delays the work.
func (c *Consumer) RootCompleted(ctx context.Context, userID, rootAreaID string) {
	select {
	case c.jobs <- job{userID: userID, rootAreaID: rootAreaID}:
		if c.eventBus != nil {
			c.eventBus.Publish(bus.TopicKnowledgeRequested, bus.KnowledgeEvent{
				RootAreaID: rootAreaID,
				UserID:     userID,
			})
		}
	default:
		slog.Warn("knowledge queue full, deferring root", "root_area_id", rootAreaID)
	}
}

// Drain stops accepting work and waits up to timeout for in-flight jobs.
func (c *Consumer) Drain(timeout time.Duration) error {
	c.closeOnce.Do(func() { close(c.jobs) })
	select {
	case <-c.done:
		slog.Info("knowledge consumer drained")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("knowledge consumer drain timed out after %s", timeout)
	}
}

func (c *Consumer) worker(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-c.jobs:
			if !ok {
				return
			}
			if err := c.processRoot(ctx, j); err != nil {
				slog.Warn("knowledge distillation failed",
					"root_area_id", j.rootAreaID,
					"user_id", j.userID,
					"error", err,
				)
			}
		}
	}
}

// processRoot distills one root area. Work happens before the extracted
// stamp, so a crash mid-way leaves the root unstamped and a later dispatch
// redoes it; ReplaceKnowledge and SaveAreaSummary make the redo harmless.
func (c *Consumer) processRoot(ctx context.Context, j job) error {
	ctx, span := otel.StartSpan(ctx, "knowledge.process_root",
		otel.UserID(j.userID),
		otel.RootAreaID(j.rootAreaID),
	)
	defer span.End()

	root, err := c.store.GetArea(ctx, j.rootAreaID)
	if err != nil {
		return err
	}
	if root == nil {
		return fmt.Errorf("root area %s not found", j.rootAreaID)
	}
	if root.ExtractedAt != nil {
		slog.Debug("root already distilled", "root_area_id", j.rootAreaID)
		return nil
	}

	covered, err := c.store.CoveredLeaves(ctx, j.rootAreaID)
	if err != nil {
		return err
	}
	summaries := make([]string, 0, len(covered))
	for _, cov := range covered {
		if cov.SummaryText != "" {
			summaries = append(summaries, cov.SummaryText)
		}
	}
	if len(summaries) == 0 {
		// Every leaf was skipped or nothing was extracted. Stamp the root
		// so the cascade stops re-dispatching it.
		_, err := c.store.MarkExtracted(ctx, j.rootAreaID)
		return err
	}

	areaSummary, err := c.distill.SummarizeArea(ctx, root.Title, summaries)
	if err != nil {
		return fmt.Errorf("summarize area %q: %w", root.Title, err)
	}
	vector, err := c.embedder.Embed(ctx, areaSummary)
	if err != nil {
		return fmt.Errorf("embed area summary: %w", err)
	}
	facts, err := c.distill.ExtractKnowledge(ctx, root.Title, summaries)
	if err != nil {
		return fmt.Errorf("extract knowledge for %q: %w", root.Title, err)
	}

	if err := c.store.SaveAreaSummary(ctx, persistence.AreaSummary{
		RootAreaID:  j.rootAreaID,
		SummaryText: areaSummary,
		Vector:      vector,
	}); err != nil {
		return err
	}

	items := make([]persistence.KnowledgeItem, 0, len(facts))
	for _, f := range facts {
		items = append(items, persistence.KnowledgeItem{
			ID:         uuid.NewString(),
			UserID:     j.userID,
			Kind:       f.Kind,
			Content:    f.Content,
			Confidence: f.Confidence,
		})
	}
	if err := c.store.ReplaceKnowledge(ctx, j.userID, j.rootAreaID, items); err != nil {
		return err
	}

	applied, err := c.store.MarkExtracted(ctx, j.rootAreaID)
	if err != nil {
		return err
	}
	if !applied {
		// A concurrent worker finished first; its results stand.
		slog.Debug("root stamped concurrently", "root_area_id", j.rootAreaID)
		return nil
	}

	if c.eventBus != nil {
		c.eventBus.Publish(bus.TopicKnowledgeExtracted, bus.KnowledgeEvent{
			RootAreaID: j.rootAreaID,
			UserID:     j.userID,
			Items:      len(items),
		})
	}
	slog.Info("root area distilled",
		"root_area_id", j.rootAreaID,
		"user_id", j.userID,
		"leaf_summaries", len(summaries),
		"knowledge_items", len(items),
	)
	return nil
}
