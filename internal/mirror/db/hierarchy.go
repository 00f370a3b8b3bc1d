package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tasksync/tasksync/internal/mirror/schema"
)

// Completion cascade. These helpers run inside the caller's transaction and
// only write rows whose completion state actually changes. The walks follow
// parent_client_id, so they stop at a parent that has not been mirrored yet.

// completeAncestors walks up from task, completing each ancestor that has no
// incomplete non-deleted child left, and stops at the first one that still
// has one.
func completeAncestors(ctx context.Context, q querier, task *schema.Task, now time.Time) error {
	visited := map[string]bool{task.ClientID: true}
	parentID := task.ParentClientID

	for parentID != "" && !visited[parentID] {
		visited[parentID] = true

		open, err := countIncompleteChildren(ctx, q, parentID)
		if err != nil {
			return err
		}
		if open > 0 {
			return nil
		}

		parent, err := getTask(ctx, q, parentID)
		if errors.Is(err, schema.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !parent.IsCompleted {
			setCompletion(parent, true, now)
			if err := upsertTask(ctx, q, parent); err != nil {
				return err
			}
		}
		parentID = parent.ParentClientID
	}
	return nil
}

// uncompleteAncestors clears completion on the entire ancestor chain.
func uncompleteAncestors(ctx context.Context, q querier, task *schema.Task, now time.Time) error {
	visited := map[string]bool{task.ClientID: true}
	parentID := task.ParentClientID

	for parentID != "" && !visited[parentID] {
		visited[parentID] = true

		parent, err := getTask(ctx, q, parentID)
		if errors.Is(err, schema.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if parent.IsCompleted {
			setCompletion(parent, false, now)
			if err := upsertTask(ctx, q, parent); err != nil {
				return err
			}
		}
		parentID = parent.ParentClientID
	}
	return nil
}

// completeDescendants completes every open, non-deleted task below task so
// that a completed parent never has an incomplete child.
func completeDescendants(ctx context.Context, q querier, task *schema.Task, now time.Time) error {
	ts := formatTime(now)
	query := `
	UPDATE tasks SET is_completed = 1, completed_at = ?, updated_at = ?, sync_status = 'pending'
	WHERE is_deleted = 0
	  AND is_completed = 0
	  AND client_id != ?
	  AND client_id IN (` + subtreeQuery + `)`

	if _, err := q.ExecContext(ctx, query, ts, ts, task.ClientID, task.ClientID); err != nil {
		return fmt.Errorf("failed to complete descendants of %s: %w", task.ClientID, err)
	}
	return nil
}

// settleMove restores the completion invariant after task moved away from
// oldParent. The old parent completes if every child it has left is done,
// and an open task un-completes its new ancestor chain.
func settleMove(ctx context.Context, q querier, task *schema.Task, oldParent string, now time.Time) error {
	if oldParent != "" {
		var live, open int
		err := q.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN is_completed = 0 THEN 1 ELSE 0 END), 0)
		FROM tasks WHERE parent_client_id = ? AND is_deleted = 0`,
			oldParent,
		).Scan(&live, &open)
		if err != nil {
			return fmt.Errorf("failed to count children of %s: %w", oldParent, err)
		}
		if live > 0 && open == 0 {
			left := &schema.Task{ClientID: task.ClientID, ParentClientID: oldParent}
			if err := completeAncestors(ctx, q, left, now); err != nil {
				return err
			}
		}
	}
	if task.IsCompleted {
		return nil
	}
	return uncompleteAncestors(ctx, q, task, now)
}

// countIncompleteChildren counts the direct, non-deleted, open children.
func countIncompleteChildren(ctx context.Context, q querier, parentClientID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE parent_client_id = ? AND is_deleted = 0 AND is_completed = 0`,
		parentClientID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count open children of %s: %w", parentClientID, err)
	}
	return n, nil
}

// setCompletion updates the completion fields of a task held in memory and
// marks it as a local change.
func setCompletion(task *schema.Task, completed bool, now time.Time) {
	task.IsCompleted = completed
	if completed {
		at := now
		task.CompletedAt = &at
	} else {
		task.CompletedAt = nil
	}
	task.UpdatedAt = now
	task.SyncStatus = schema.StatusPending
}
