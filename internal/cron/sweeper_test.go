package cron_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/orchard/lifemap/internal/cron"
	"github.com/orchard/lifemap/internal/extraction"
	"github.com/orchard/lifemap/internal/persistence"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "lifemap.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedCoveredRoot(t *testing.T, store *persistence.Store) (string, string) {
	t.Helper()
	ctx := context.Background()
	const userID = "e4d1c3b2-5a69-47f8-b021-9a8c7d6e5f40"
	if err := store.EnsureUser(ctx, userID, "Test User"); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	rootID, err := store.CreateArea(ctx, userID, "", "Health", 0)
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	if err := store.InitCoverage(ctx, rootID); err != nil {
		t.Fatalf("init coverage: %v", err)
	}
	ok, err := store.TransitionLeaf(ctx, rootID, []persistence.LeafStatus{persistence.LeafStatusPending}, persistence.LeafStatusActive)
	if err != nil || !ok {
		t.Fatalf("activate: ok=%v err=%v", ok, err)
	}
	ok, err = store.TransitionLeaf(ctx, rootID, []persistence.LeafStatus{persistence.LeafStatusActive}, persistence.LeafStatusCovered)
	if err != nil || !ok {
		t.Fatalf("cover: ok=%v err=%v", ok, err)
	}
	return userID, rootID
}

func backdateTask(t *testing.T, store *persistence.Store, taskID string) {
	t.Helper()
	_, err := store.DB().Exec(
		`UPDATE leaf_extraction_queue SET updated_at = DATETIME('now', '-1 hour') WHERE id = ?;`,
		taskID,
	)
	if err != nil {
		t.Fatalf("backdate task: %v", err)
	}
}

type recordingDownstream struct {
	mu    sync.Mutex
	roots []string
}

func (d *recordingDownstream) RootCompleted(_ context.Context, _, rootAreaID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roots = append(d.roots, rootAreaID)
}

func (d *recordingDownstream) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.roots)
}

func TestSweepRecoversStaleTasks(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	_, rootID := seedCoveredRoot(t, store)

	msgID, err := store.AddMessage(ctx, "e4d1c3b2-5a69-47f8-b021-9a8c7d6e5f40", "user", "hello")
	if err != nil {
		t.Fatalf("add message: %v", err)
	}
	taskID, err := store.Enqueue(ctx, rootID, rootID, []int64{msgID})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	tasks, err := store.ClaimPending(ctx, 1)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("claim: tasks=%d err=%v", len(tasks), err)
	}
	backdateTask(t, store, taskID)

	sweeper, err := cron.NewSweeper(cron.Config{
		Store:      store,
		StaleAfter: 10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	sweeper.Sweep(ctx)

	task, err := store.GetExtractionTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != persistence.TaskStatusPending {
		t.Fatalf("stale task status %s, want pending", task.Status)
	}
	if task.RetryCount != 0 {
		t.Fatalf("crash recovery consumed a retry: count %d", task.RetryCount)
	}
}

func TestSweepRequeuesFailedBelowThreshold(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	_, rootID := seedCoveredRoot(t, store)

	msgID, err := store.AddMessage(ctx, "e4d1c3b2-5a69-47f8-b021-9a8c7d6e5f40", "user", "hello")
	if err != nil {
		t.Fatalf("add message: %v", err)
	}
	taskID, err := store.Enqueue(ctx, rootID, rootID, []int64{msgID})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.ClaimPending(ctx, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkFailed(ctx, taskID, "model unavailable"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	sweeper, err := cron.NewSweeper(cron.Config{Store: store, MaxRetries: 3})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	sweeper.Sweep(ctx)

	task, err := store.GetExtractionTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != persistence.TaskStatusPending {
		t.Fatalf("failed task status %s, want pending after sweep", task.Status)
	}
}

func TestSweepLeavesDeadLetters(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	_, rootID := seedCoveredRoot(t, store)
	const maxRetries = 2

	msgID, err := store.AddMessage(ctx, "e4d1c3b2-5a69-47f8-b021-9a8c7d6e5f40", "user", "hello")
	if err != nil {
		t.Fatalf("add message: %v", err)
	}
	taskID, err := store.Enqueue(ctx, rootID, rootID, []int64{msgID})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Burn through the retry budget.
	for i := 0; i <= maxRetries; i++ {
		if _, err := store.ClaimPending(ctx, 1); err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if err := store.MarkFailed(ctx, taskID, "still broken"); err != nil {
			t.Fatalf("mark failed %d: %v", i, err)
		}
		if i < maxRetries {
			if _, err := store.RequeueFailed(ctx, maxRetries); err != nil {
				t.Fatalf("requeue %d: %v", i, err)
			}
		}
	}

	sweeper, err := cron.NewSweeper(cron.Config{Store: store, MaxRetries: maxRetries})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	sweeper.Sweep(ctx)

	task, err := store.GetExtractionTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != persistence.TaskStatusFailed {
		t.Fatalf("dead letter status %s, want failed", task.Status)
	}
}

func TestSweepRedispatchesUnstampedRoots(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	_, rootID := seedCoveredRoot(t, store)

	down := &recordingDownstream{}
	cascade := extraction.NewCascade(store, down, nil)
	sweeper, err := cron.NewSweeper(cron.Config{Store: store, Cascade: cascade})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}

	// All leaves terminal, no queued tasks, no stamp: the sweep should
	// hand the root to the downstream consumer.
	sweeper.Sweep(ctx)
	if down.count() != 1 {
		t.Fatalf("dispatched %d roots, want 1", down.count())
	}

	// Stamped roots drop out of the candidate list.
	if applied, err := store.MarkExtracted(ctx, rootID); err != nil || !applied {
		t.Fatalf("mark extracted: applied=%v err=%v", applied, err)
	}
	sweeper.Sweep(ctx)
	if down.count() != 1 {
		t.Fatalf("stamped root re-dispatched: %d dispatches", down.count())
	}
}

func TestSweeperRunsOnStart(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	_, rootID := seedCoveredRoot(t, store)

	msgID, err := store.AddMessage(ctx, "e4d1c3b2-5a69-47f8-b021-9a8c7d6e5f40", "user", "hello")
	if err != nil {
		t.Fatalf("add message: %v", err)
	}
	taskID, err := store.Enqueue(ctx, rootID, rootID, []int64{msgID})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.ClaimPending(ctx, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	backdateTask(t, store, taskID)

	sweeper, err := cron.NewSweeper(cron.Config{
		Store:      store,
		StaleAfter: 10 * time.Minute,
		Interval:   50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	waitFor(t, 3*time.Second, func() bool {
		task, err := store.GetExtractionTask(ctx, taskID)
		return err == nil && task.Status == persistence.TaskStatusPending
	})
}

func TestNewSweeperRejectsBadSpec(t *testing.T) {
	store := openTestStore(t)
	if _, err := cron.NewSweeper(cron.Config{Store: store, Spec: "not a cron spec"}); err == nil {
		t.Fatal("expected error for invalid cron spec")
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 8, 1, 10, 3, 0, 0, time.UTC)
	next, err := cron.NextRunTime("*/5 * * * *", after)
	if err != nil {
		t.Fatalf("next run time: %v", err)
	}
	want := time.Date(2026, 8, 1, 10, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next run %v, want %v", next, want)
	}
}
