package extraction

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/orchard/lifemap/internal/bus"
	"github.com/orchard/lifemap/internal/otel"
	"github.com/orchard/lifemap/internal/persistence"
)

// Config controls the extraction worker pool.
type Config struct {
	WorkerCount  int
	BatchSize    int
	PollInterval time.Duration
	TaskTimeout  time.Duration
	MaxRetries   int

	// EventBus, when set, carries dead-letter announcements. Per-task
	// completion and failure events are published by the store.
	EventBus *bus.Bus
}

func (c Config) withDefaults() Config {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 2
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 2 * time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

// Pool drains the extraction queue with a fixed set of polling workers.
// Each worker claims a batch, processes the tasks one by one, and reports
// completion or failure back to the queue. Crash recovery and dead-letter
// accounting live in the store; the pool only drives the happy and retry
// paths.
type Pool struct {
	cfg       Config
	store     *persistence.Store
	processor *Processor
	cascade   *Cascade
	metrics   *otel.Metrics

	startOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	done      chan struct{}
}

func NewPool(cfg Config, store *persistence.Store, processor *Processor, cascade *Cascade, metrics *otel.Metrics) *Pool {
	return &Pool{
		cfg:       cfg.withDefaults(),
		store:     store,
		processor: processor,
		cascade:   cascade,
		metrics:   metrics,
		done:      make(chan struct{}),
	}
}

// Start launches the workers. Subsequent calls are no-ops.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		ctx, p.cancel = context.WithCancel(ctx)
		slog.Info("extraction pool starting",
			"workers", p.cfg.WorkerCount,
			"batch_size", p.cfg.BatchSize,
			"poll_interval", p.cfg.PollInterval,
		)
		for i := 0; i < p.cfg.WorkerCount; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
		go func() {
			p.wg.Wait()
			close(p.done)
		}()
	})
}

// Drain stops the workers and waits up to timeout for in-flight tasks to
// finish. Tasks still processing after the deadline are reclaimed later by
// the stale sweep.
func (p *Pool) Drain(timeout time.Duration) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	select {
	case <-p.done:
		slog.Info("extraction pool drained")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("extraction pool drain timed out after %s", timeout)
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		// Return retryable failures to pending before claiming. Idempotent,
		// so every worker runs it; retries never wait for the cron sweep.
		n, err := p.store.RequeueFailed(ctx, p.cfg.MaxRetries)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("requeue failed tasks", "worker", id, "error", err)
			}
		} else if n > 0 {
			p.metrics.RecordRequeued(ctx, n)
			slog.Debug("requeued failed tasks", "worker", id, "count", n)
		}

		tasks, err := p.store.ClaimPending(ctx, p.cfg.BatchSize)
		if err != nil && ctx.Err() == nil {
			slog.Warn("claim pending tasks", "worker", id, "error", err)
		}

		// The poll interval only gates an empty queue; with a backlog the
		// worker claims the next batch immediately.
		if len(tasks) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}

		for _, task := range tasks {
			if ctx.Err() != nil {
				// Leave the rest of the batch in processing; the stale
				// sweep returns them to pending after restart.
				return
			}
			p.handleTask(ctx, id, task)
		}
	}
}

func (p *Pool) handleTask(ctx context.Context, workerID int, task persistence.ExtractionTask) {
	p.metrics.WorkerActive(ctx, 1)
	defer p.metrics.WorkerActive(ctx, -1)

	taskCtx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	defer cancel()

	start := time.Now()
	err := p.processor.Process(taskCtx, task)

	// Queue transitions use a fresh context so a cancelled task still
	// records its outcome instead of leaving the row in processing.
	storeCtx, storeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer storeCancel()

	if err != nil {
		if isPermanentFailure(err) {
			// Missing reference data; another attempt cannot succeed.
			slog.Error("abandoning extraction task",
				"worker", workerID,
				"task_id", task.ID,
				"leaf_id", task.LeafID,
				"error", err,
			)
			p.metrics.RecordTaskFailed(storeCtx)
			if aerr := p.store.AbandonTask(storeCtx, task.ID, err.Error()); aerr != nil {
				slog.Error("abandon task", "task_id", task.ID, "error", aerr)
				return
			}
			p.metrics.RecordDeadLettered(storeCtx, 1)
			if p.cfg.EventBus != nil {
				p.cfg.EventBus.Publish(bus.TopicTaskDeadLetter, bus.TaskEvent{
					TaskID:     task.ID,
					LeafID:     task.LeafID,
					RootAreaID: task.RootAreaID,
					RetryCount: task.RetryCount,
					Error:      err.Error(),
				})
			}
			return
		}
		slog.Warn("extraction task failed",
			"worker", workerID,
			"task_id", task.ID,
			"leaf_id", task.LeafID,
			"retry_count", task.RetryCount,
			"error", err,
		)
		p.metrics.RecordTaskFailed(storeCtx)
		if merr := p.store.MarkFailed(storeCtx, task.ID, err.Error()); merr != nil {
			slog.Error("mark task failed", "task_id", task.ID, "error", merr)
			return
		}
		// MarkFailed bumped the count past the claimed snapshot. At the
		// retry ceiling no requeue will touch this task again.
		if task.RetryCount+1 >= p.cfg.MaxRetries {
			slog.Error("extraction task dead-lettered",
				"task_id", task.ID,
				"leaf_id", task.LeafID,
				"retry_count", task.RetryCount+1,
			)
			if p.cfg.EventBus != nil {
				p.cfg.EventBus.Publish(bus.TopicTaskDeadLetter, bus.TaskEvent{
					TaskID:     task.ID,
					LeafID:     task.LeafID,
					RootAreaID: task.RootAreaID,
					RetryCount: task.RetryCount + 1,
					Error:      err.Error(),
				})
			}
		}
		return
	}

	if err := p.store.MarkCompleted(storeCtx, task.ID); err != nil {
		slog.Error("mark task completed", "task_id", task.ID, "error", err)
		return
	}
	p.metrics.RecordTaskCompleted(storeCtx, time.Since(start))
	slog.Info("extraction task completed",
		"worker", workerID,
		"task_id", task.ID,
		"leaf_id", task.LeafID,
		"duration", time.Since(start),
	)

	if p.cascade != nil {
		if _, cerr := p.cascade.CheckRoot(storeCtx, task.RootAreaID); cerr != nil {
			slog.Warn("cascade check", "root_area_id", task.RootAreaID, "error", cerr)
		}
	}
}
