package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/orchard/lifemap/internal/llm"
	"github.com/orchard/lifemap/internal/otel"
	"github.com/orchard/lifemap/internal/persistence"
)

// Summarizer condenses an interview transcript for one leaf into a
// standalone summary paragraph.
type Summarizer interface {
	Summarize(ctx context.Context, leafPath string, turns []string) (string, error)
}

// errEmptyTranscript marks tasks whose message snapshot resolved to nothing,
// typically because the rows were pruned after the task was enqueued. These
// tasks carry no recoverable signal and should not burn retries on the model.
var errEmptyTranscript = errors.New("extraction: empty transcript for task")

// isPermanentFailure classifies errors no retry can cure: the task references
// data that is gone. Such tasks are abandoned instead of requeued.
func isPermanentFailure(err error) bool {
	return errors.Is(err, errEmptyTranscript) ||
		errors.Is(err, persistence.ErrAreaNotFound)
}

// Processor turns one claimed extraction task into a stored leaf summary.
type Processor struct {
	store      *persistence.Store
	summarizer Summarizer
	embedder   llm.Embedder
	metrics    *otel.Metrics
	retry      retryPolicy
}

// ProcessorOption adjusts processor behavior.
type ProcessorOption func(*Processor)

// WithRetryPolicy overrides the in-task model retry bounds.
func WithRetryPolicy(attempts int, baseDelay, maxDelay time.Duration) ProcessorOption {
	return func(p *Processor) {
		p.retry = retryPolicy{attempts: attempts, baseDelay: baseDelay, maxDelay: maxDelay}
	}
}

func NewProcessor(store *persistence.Store, summarizer Summarizer, embedder llm.Embedder, metrics *otel.Metrics, opts ...ProcessorOption) *Processor {
	p := &Processor{store: store, summarizer: summarizer, embedder: embedder, metrics: metrics, retry: defaultRetryPolicy}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs the extraction pipeline for a single task: resolve the leaf
// path, load the snapshotted transcript, summarize, embed, persist. The
// caller owns the completed/failed transition based on the returned error.
func (p *Processor) Process(ctx context.Context, task persistence.ExtractionTask) error {
	ctx, span := otel.StartSpan(ctx, "extraction.process",
		otel.TaskID(task.ID),
		otel.LeafID(task.LeafID),
		otel.RootAreaID(task.RootAreaID),
		otel.TaskRetryCount(task.RetryCount),
	)
	defer span.End()

	leafPath, err := p.store.LeafPath(ctx, task.LeafID)
	if err != nil {
		return fmt.Errorf("resolve leaf path for %s: %w", task.LeafID, err)
	}

	turns, err := p.store.LoadMessageTexts(ctx, task.MessageIDs)
	if err != nil {
		return fmt.Errorf("load transcript for task %s: %w", task.ID, err)
	}
	if len(turns) == 0 {
		return fmt.Errorf("%w: %s", errEmptyTranscript, task.ID)
	}

	var summary string
	llmStart := time.Now()
	err = p.retry.invoke(ctx, func() error {
		var serr error
		summary, serr = p.summarizer.Summarize(ctx, leafPath, turns)
		return serr
	})
	p.metrics.RecordLLMCall(ctx, time.Since(llmStart))
	if err != nil {
		return fmt.Errorf("summarize leaf %q: %w", leafPath, err)
	}

	vector, err := p.embedder.Embed(ctx, summary)
	if err != nil {
		return fmt.Errorf("embed summary for leaf %s: %w", task.LeafID, err)
	}

	if err := p.store.SaveLeafSummary(ctx, task.LeafID, summary, vector); err != nil {
		return fmt.Errorf("save summary for leaf %s: %w", task.LeafID, err)
	}

	slog.Debug("leaf summary extracted",
		"task_id", task.ID,
		"leaf_id", task.LeafID,
		"turns", len(turns),
	)
	return nil
}
