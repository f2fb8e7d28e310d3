package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/orchard/lifemap/internal/bus"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// allowedTaskTransitions encodes the queue lifecycle. completed is terminal;
// failed returns to pending only through requeue, and processing returns to
// pending only through stale-task recovery.
var allowedTaskTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusPending: {
		TaskStatusProcessing: {},
	},
	TaskStatusProcessing: {
		TaskStatusCompleted: {},
		TaskStatusFailed:    {},
		TaskStatusPending:   {}, // Crash recovery requeue.
	},
	TaskStatusFailed: {
		TaskStatusPending: {}, // Bounded retry requeue.
	},
}

// ExtractionTask is one unit of leaf summarization work.
type ExtractionTask struct {
	ID          string     `json:"id"`
	LeafID      string     `json:"leaf_id"`
	RootAreaID  string     `json:"root_area_id"`
	MessageIDs  []int64    `json:"message_ids"`
	Status      TaskStatus `json:"status"`
	RetryCount  int        `json:"retry_count"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

func canTaskTransition(from, to TaskStatus) bool {
	next, ok := allowedTaskTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

func scanExtractionTask(scanFn func(dest ...any) error, task *ExtractionTask) error {
	var rawMessageIDs string
	var errMsg sql.NullString
	var processedAt sql.NullTime
	if err := scanFn(
		&task.ID,
		&task.LeafID,
		&task.RootAreaID,
		&rawMessageIDs,
		&task.Status,
		&task.RetryCount,
		&errMsg,
		&task.CreatedAt,
		&task.UpdatedAt,
		&processedAt,
	); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(rawMessageIDs), &task.MessageIDs); err != nil {
		return fmt.Errorf("decode message_ids for task %s: %w", task.ID, err)
	}
	if errMsg.Valid {
		task.Error = errMsg.String
	}
	if processedAt.Valid {
		t := processedAt.Time
		task.ProcessedAt = &t
	}
	return nil
}

const extractionTaskColumns = `id, leaf_id, root_area_id, message_ids, status, retry_count, error, created_at, updated_at, processed_at`

// transitionTaskTx moves a task from one of allowedFrom to the target status
// inside tx. The UPDATE is conditioned on the status read in the same
// transaction, so a concurrent transition loses and gets ok=false instead of
// clobbering the row.
func (s *Store) transitionTaskTx(
	ctx context.Context,
	tx *sql.Tx,
	taskID string,
	allowedFrom []TaskStatus,
	to TaskStatus,
	errMsg *string,
) (bool, error) {
	var current TaskStatus
	if err := tx.QueryRowContext(ctx, `
		SELECT status FROM leaf_extraction_queue WHERE id = ?;
	`, taskID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select task for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return false, nil
	}
	if !canTaskTransition(current, to) {
		return false, fmt.Errorf("illegal task transition %s -> %s", current, to)
	}

	errValue := sql.NullString{}
	if errMsg != nil {
		errValue.Valid = true
		errValue.String = *errMsg
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE leaf_extraction_queue
		SET status = ?,
			error = CASE WHEN ? THEN ? ELSE error END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, to, errValue.Valid, errValue.String, taskID, current)
	if err != nil {
		return false, fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	return affected == 1, nil
}

// Enqueue inserts a pending extraction task for a covered leaf. The message
// id snapshot is stored with the task so later context changes cannot alter
// what gets summarized.
func (s *Store) Enqueue(ctx context.Context, leafID, rootAreaID string, messageIDs []int64) (string, error) {
	if messageIDs == nil {
		messageIDs = []int64{}
	}
	encoded, err := json.Marshal(messageIDs)
	if err != nil {
		return "", fmt.Errorf("encode message_ids: %w", err)
	}
	taskID := uuid.NewString()
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO leaf_extraction_queue (id, leaf_id, root_area_id, message_ids, status, retry_count, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, taskID, leafID, rootAreaID, string(encoded), TaskStatusPending)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("enqueue extraction task: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskEnqueued, bus.TaskEvent{
			TaskID:     taskID,
			LeafID:     leafID,
			RootAreaID: rootAreaID,
		})
	}
	return taskID, nil
}

// ClaimPending atomically flips up to limit pending tasks to processing and
// returns them in FIFO order. Two concurrent claimers never receive the same
// task: each flip is a conditional UPDATE inside one transaction.
func (s *Store) ClaimPending(ctx context.Context, limit int) ([]ExtractionTask, error) {
	if limit <= 0 {
		limit = 1
	}
	var claimed []ExtractionTask
	err := retryOnBusy(ctx, 5, func() error {
		claimed = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT `+extractionTaskColumns+`
			FROM leaf_extraction_queue
			WHERE status = ?
			ORDER BY created_at ASC, id ASC
			LIMIT ?;
		`, TaskStatusPending, limit)
		if err != nil {
			return fmt.Errorf("select pending tasks: %w", err)
		}
		var candidates []ExtractionTask
		for rows.Next() {
			var task ExtractionTask
			if err := scanExtractionTask(rows.Scan, &task); err != nil {
				rows.Close()
				return fmt.Errorf("scan pending task: %w", err)
			}
			candidates = append(candidates, task)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("pending task rows: %w", err)
		}
		rows.Close()

		for _, task := range candidates {
			ok, err := s.transitionTaskTx(ctx, tx, task.ID,
				[]TaskStatus{TaskStatusPending}, TaskStatusProcessing, nil)
			if err != nil {
				return fmt.Errorf("claim task transition: %w", err)
			}
			if !ok {
				continue
			}
			task.Status = TaskStatusProcessing
			claimed = append(claimed, task)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkCompleted transitions a processing task to completed and stamps
// processed_at. Returns sql.ErrNoRows if the task is not processing.
func (s *Store) MarkCompleted(ctx context.Context, taskID string) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin complete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusProcessing}, TaskStatusCompleted, nil)
		if err != nil {
			return fmt.Errorf("complete task transition: %w", err)
		}
		if !ok {
			return sql.ErrNoRows
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE leaf_extraction_queue
			SET processed_at = CURRENT_TIMESTAMP, error = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, taskID, TaskStatusCompleted); err != nil {
			return fmt.Errorf("stamp processed_at: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if s.bus != nil {
		if task, err := s.GetExtractionTask(ctx, taskID); err == nil && task != nil {
			s.bus.Publish(bus.TopicTaskCompleted, bus.TaskEvent{
				TaskID:     task.ID,
				LeafID:     task.LeafID,
				RootAreaID: task.RootAreaID,
				RetryCount: task.RetryCount,
			})
		}
	}
	return nil
}

// MarkFailed transitions a processing task to failed, increments
// retry_count and records the error message. The row stays in the queue;
// RequeueFailed decides whether it gets another attempt.
func (s *Store) MarkFailed(ctx context.Context, taskID, errMsg string) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fail tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusProcessing}, TaskStatusFailed, &errMsg)
		if err != nil {
			return fmt.Errorf("fail task transition: %w", err)
		}
		if !ok {
			return sql.ErrNoRows
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE leaf_extraction_queue
			SET retry_count = retry_count + 1, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, taskID, TaskStatusFailed); err != nil {
			return fmt.Errorf("increment retry_count: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if s.bus != nil {
		if task, err := s.GetExtractionTask(ctx, taskID); err == nil && task != nil {
			s.bus.Publish(bus.TopicTaskFailed, bus.TaskEvent{
				TaskID:     task.ID,
				LeafID:     task.LeafID,
				RootAreaID: task.RootAreaID,
				RetryCount: task.RetryCount,
				Error:      errMsg,
			})
		}
	}
	return nil
}

// AbandonTask terminates a processing task whose failure cannot be cured by
// another attempt, such as a reference to a deleted leaf or a transcript
// whose messages no longer exist. The row lands in failed with processed_at
// stamped; that stamp marks the task as adjudicated, so RequeueFailed will
// never return it to pending. retry_count is left alone: no retry ran.
func (s *Store) AbandonTask(ctx context.Context, taskID, errMsg string) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin abandon tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusProcessing}, TaskStatusFailed, &errMsg)
		if err != nil {
			return fmt.Errorf("abandon task transition: %w", err)
		}
		if !ok {
			return sql.ErrNoRows
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE leaf_extraction_queue
			SET processed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, taskID, TaskStatusFailed); err != nil {
			return fmt.Errorf("stamp abandoned task: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if s.bus != nil {
		if task, err := s.GetExtractionTask(ctx, taskID); err == nil && task != nil {
			s.bus.Publish(bus.TopicTaskFailed, bus.TaskEvent{
				TaskID:     task.ID,
				LeafID:     task.LeafID,
				RootAreaID: task.RootAreaID,
				RetryCount: task.RetryCount,
				Error:      errMsg,
			})
		}
	}
	return nil
}

// RequeueFailed flips failed tasks with retry_count below maxRetries back to
// pending. Tasks at or above the bound stay failed and become dead letters,
// as do abandoned tasks regardless of retry_count (processed_at set).
// Returns the number of tasks requeued.
func (s *Store) RequeueFailed(ctx context.Context, maxRetries int) (int64, error) {
	var requeued int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin requeue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE leaf_extraction_queue
			SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE status = ? AND retry_count < ? AND processed_at IS NULL;
		`, TaskStatusPending, TaskStatusFailed, maxRetries)
		if err != nil {
			return fmt.Errorf("requeue failed tasks: %w", err)
		}
		requeued, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("requeue rows affected: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return requeued, nil
}

// RequeueStale returns processing tasks older than staleAfter to pending.
// Covers workers that crashed between claim and completion. Retry count is
// not incremented: the work never ran to a verdict.
func (s *Store) RequeueStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-staleAfter)
	var requeued int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE leaf_extraction_queue
			SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE status = ? AND updated_at < ?;
		`, TaskStatusPending, TaskStatusProcessing, cutoff)
		if err != nil {
			return fmt.Errorf("requeue stale tasks: %w", err)
		}
		requeued, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return requeued, nil
}

// GetExtractionTask returns a task by id, or nil if absent.
func (s *Store) GetExtractionTask(ctx context.Context, taskID string) (*ExtractionTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+extractionTaskColumns+`
		FROM leaf_extraction_queue
		WHERE id = ?;
	`, taskID)
	var task ExtractionTask
	if err := scanExtractionTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get extraction task: %w", err)
	}
	return &task, nil
}

// ListDeadLetters returns failed tasks that will never run again: retries
// exhausted, or abandoned outright (processed_at set).
func (s *Store) ListDeadLetters(ctx context.Context, maxRetries int) ([]ExtractionTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+extractionTaskColumns+`
		FROM leaf_extraction_queue
		WHERE status = ? AND (retry_count >= ? OR processed_at IS NOT NULL)
		ORDER BY created_at ASC, id ASC;
	`, TaskStatusFailed, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []ExtractionTask
	for rows.Next() {
		var task ExtractionTask
		if err := scanExtractionTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dead letter rows: %w", err)
	}
	return out, nil
}

// CountTasksByStatus returns the per-status row counts for the queue.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[TaskStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(1)
		FROM leaf_extraction_queue
		GROUP BY status;
	`)
	if err != nil {
		return nil, fmt.Errorf("count tasks by status: %w", err)
	}
	defer rows.Close()

	out := make(map[TaskStatus]int64)
	for rows.Next() {
		var status TaskStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		out[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task count rows: %w", err)
	}
	return out, nil
}

// HasUnfinishedTasks reports whether any task for the root is still pending
// or processing. Used by the cascade gate together with coverage terminality.
func (s *Store) HasUnfinishedTasks(ctx context.Context, rootAreaID string) (bool, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1)
		FROM leaf_extraction_queue
		WHERE root_area_id = ? AND status IN (?, ?);
	`, rootAreaID, TaskStatusPending, TaskStatusProcessing).Scan(&count); err != nil {
		return false, fmt.Errorf("count unfinished tasks: %w", err)
	}
	return count > 0, nil
}
