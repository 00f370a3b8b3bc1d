package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tasksync/tasksync/internal/mirror/schema"
)

const taskColumns = `client_id, id, tab_id, tab_client_id, parent_task_id, parent_client_id,
	title, description, is_completed, completed_at, due_date, due_time,
	depth, order_index, created_at, updated_at, is_deleted, sync_status, server_updated_at`

// subtreeQuery selects the client ids of a task and all of its descendants.
// UNION (not UNION ALL) keeps the walk finite should a cycle ever be pulled
// from the authority.
const subtreeQuery = `
	WITH RECURSIVE subtree(client_id) AS (
		SELECT client_id FROM tasks WHERE client_id = ?
		UNION
		SELECT t.client_id FROM tasks t JOIN subtree s ON t.parent_client_id = s.client_id
	)
	SELECT client_id FROM subtree`

// CreateTask inserts a new task.
//
// Depth is derived from the parent; a task that would land deeper than
// schema.MaxDepth is rejected with ErrDepthExceeded and nothing is written.
// The order index is one past the highest among siblings sharing the parent.
// A child without an explicit tab is filed under its parent's tab.
func (db *DB) CreateTask(ctx context.Context, in schema.TaskInput) (*schema.Task, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	var created *schema.Task
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		now := db.now()
		task := &schema.Task{
			ClientID:    in.ClientID,
			Title:       in.Title,
			Description: in.Description,
			DueDate:     in.DueDate,
			DueTime:     in.DueTime,
			CreatedAt:   now,
			UpdatedAt:   now,
			SyncStatus:  schema.StatusPending,
		}
		if task.ClientID == "" {
			task.ClientID = uuid.NewString()
		} else if _, err := getTask(ctx, tx, task.ClientID); err == nil {
			return fmt.Errorf("%w: task %s already exists", schema.ErrInvalidEntity, task.ClientID)
		} else if !errors.Is(err, schema.ErrNotFound) {
			return err
		}

		tabClientID := in.TabClientID
		var parent *schema.Task
		if in.ParentClientID != "" {
			p, err := getLiveTask(ctx, tx, in.ParentClientID)
			if err != nil {
				return err
			}
			if p.Depth+1 > schema.MaxDepth {
				return fmt.Errorf("%w: parent %s is already at depth %d", schema.ErrDepthExceeded, p.ClientID, p.Depth)
			}
			parent = p
			task.Depth = p.Depth + 1
			task.ParentClientID = p.ClientID
			task.ParentTaskID = p.ID
			if tabClientID == "" {
				tabClientID = p.TabClientID
				task.TabID = p.TabID
			}
		}

		if tabClientID != "" {
			tab, err := getTab(ctx, tx, tabClientID)
			if err != nil {
				return err
			}
			task.TabClientID = tab.ClientID
			task.TabID = tab.ID
		}

		order, err := nextTaskOrder(ctx, tx, task.ParentClientID)
		if err != nil {
			return err
		}
		task.OrderIndex = order

		if err := task.Validate(); err != nil {
			return err
		}
		if err := upsertTask(ctx, tx, task); err != nil {
			return err
		}

		// A new incomplete child means no ancestor can stay completed.
		if parent != nil {
			if err := uncompleteAncestors(ctx, tx, task, now); err != nil {
				return err
			}
		}

		created, err = getTask(ctx, tx, task.ClientID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// UpdateTask applies a field-level patch and marks the task pending.
//
// Changing the parent moves the whole subtree: depths are shifted by the
// same amount, and the move is rejected with ErrDepthExceeded if the deepest
// descendant would end up below schema.MaxDepth. A task cannot be moved under
// itself or one of its descendants.
func (db *DB) UpdateTask(ctx context.Context, clientID string, patch schema.TaskPatch) (*schema.Task, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	var updated *schema.Task
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		task, err := getLiveTask(ctx, tx, clientID)
		if err != nil {
			return err
		}
		now := db.now()

		if patch.Title != nil {
			task.Title = *patch.Title
		}
		if patch.Description != nil {
			task.Description = *patch.Description
		}
		if patch.DueDate != nil {
			task.DueDate = *patch.DueDate
		}
		if patch.DueTime != nil {
			task.DueTime = *patch.DueTime
		}
		if patch.TabClientID != nil {
			if err := fileUnderTab(ctx, tx, task, *patch.TabClientID); err != nil {
				return err
			}
		}
		oldParent := task.ParentClientID
		moved := patch.ParentClientID != nil && *patch.ParentClientID != oldParent
		if moved {
			if err := reparent(ctx, tx, task, *patch.ParentClientID, now); err != nil {
				return err
			}
		}
		if patch.OrderIndex != nil {
			task.OrderIndex = *patch.OrderIndex
		}

		task.UpdatedAt = now
		task.SyncStatus = schema.StatusPending
		if err := upsertTask(ctx, tx, task); err != nil {
			return err
		}
		if moved {
			if err := settleMove(ctx, tx, task, oldParent, now); err != nil {
				return err
			}
		}

		updated, err = getTask(ctx, tx, clientID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// MoveTask files a task under another tab. An empty tabClientID unfiles it.
func (db *DB) MoveTask(ctx context.Context, clientID, tabClientID string) (*schema.Task, error) {
	return db.UpdateTask(ctx, clientID, schema.TaskPatch{TabClientID: &tabClientID})
}

// CompleteTask sets or clears completion and runs the completion cascade.
//
// Completing a task also completes its open descendants and then every
// ancestor left without an incomplete child. Un-completing a task
// un-completes its whole ancestor chain.
func (db *DB) CompleteTask(ctx context.Context, clientID string, completed bool) (*schema.Task, error) {
	var updated *schema.Task
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		task, err := getLiveTask(ctx, tx, clientID)
		if err != nil {
			return err
		}
		now := db.now()

		if task.IsCompleted != completed {
			setCompletion(task, completed, now)
			if err := upsertTask(ctx, tx, task); err != nil {
				return err
			}
		}

		if completed {
			if err := completeDescendants(ctx, tx, task, now); err != nil {
				return err
			}
			err = completeAncestors(ctx, tx, task, now)
		} else {
			err = uncompleteAncestors(ctx, tx, task, now)
		}
		if err != nil {
			return err
		}

		updated, err = getTask(ctx, tx, clientID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteTask tombstones a task and, transitively, every descendant.
func (db *DB) DeleteTask(ctx context.Context, clientID string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getTask(ctx, tx, clientID); err != nil {
			return err
		}

		query := `
		UPDATE tasks SET is_deleted = 1, updated_at = ?, sync_status = 'pending'
		WHERE is_deleted = 0 AND client_id IN (` + subtreeQuery + `)`

		if _, err := tx.ExecContext(ctx, query, formatTime(db.now()), clientID); err != nil {
			return fmt.Errorf("failed to delete task %s: %w", clientID, err)
		}
		return nil
	})
}

// GetTask returns the task with the given client id, including tombstones.
func (db *DB) GetTask(ctx context.Context, clientID string) (*schema.Task, error) {
	if err := db.ensureReady(); err != nil {
		return nil, err
	}
	return getTask(ctx, db.conn, clientID)
}

// AllTasks returns every non-deleted task.
func (db *DB) AllTasks(ctx context.Context) ([]*schema.Task, error) {
	if err := db.ensureReady(); err != nil {
		return nil, err
	}
	query := `SELECT ` + taskColumns + ` FROM tasks
	WHERE is_deleted = 0
	ORDER BY depth, order_index, created_at`
	return queryTasks(ctx, db.conn, query)
}

// TasksByTab returns the non-deleted tasks filed under a tab. A nil tab
// selects every non-deleted task.
func (db *DB) TasksByTab(ctx context.Context, tabClientID *string) ([]*schema.Task, error) {
	if tabClientID == nil {
		return db.AllTasks(ctx)
	}
	if err := db.ensureReady(); err != nil {
		return nil, err
	}
	query := `SELECT ` + taskColumns + ` FROM tasks
	WHERE is_deleted = 0 AND tab_client_id = ?
	ORDER BY depth, order_index, created_at`
	return queryTasks(ctx, db.conn, query, *tabClientID)
}

// TasksDueToday returns open tasks that are undated or due on or before the
// current local date, ordered by (due_date, order_index).
func (db *DB) TasksDueToday(ctx context.Context) ([]*schema.Task, error) {
	if err := db.ensureReady(); err != nil {
		return nil, err
	}
	query := `SELECT ` + taskColumns + ` FROM tasks
	WHERE is_deleted = 0
	  AND is_completed = 0
	  AND (due_date IS NULL OR due_date <= ?)
	ORDER BY due_date, order_index`
	return queryTasks(ctx, db.conn, query, db.today())
}

// fileUnderTab points task at the tab with the given client id ("" unfiles).
func fileUnderTab(ctx context.Context, q querier, task *schema.Task, tabClientID string) error {
	if tabClientID == "" {
		task.TabClientID = ""
		task.TabID = nil
		return nil
	}
	tab, err := getTab(ctx, q, tabClientID)
	if err != nil {
		return err
	}
	if tab.IsDeleted {
		return fmt.Errorf("%w: tab %s is deleted", schema.ErrNotFound, tabClientID)
	}
	task.TabClientID = tab.ClientID
	task.TabID = tab.ID
	return nil
}

// reparent moves task and its subtree under newParent ("" makes it a root).
func reparent(ctx context.Context, q querier, task *schema.Task, newParent string, now time.Time) error {
	descendants, err := subtreeIDs(ctx, q, task.ClientID)
	if err != nil {
		return err
	}

	newDepth := 0
	var parent *schema.Task
	if newParent != "" {
		if newParent == task.ClientID || contains(descendants, newParent) {
			return fmt.Errorf("%w: cannot move %s under its own subtree", schema.ErrInvalidEntity, task.ClientID)
		}
		parent, err = getLiveTask(ctx, q, newParent)
		if err != nil {
			return err
		}
		newDepth = parent.Depth + 1
	}

	var deepest sql.NullInt64
	err = q.QueryRowContext(ctx,
		`SELECT MAX(depth) FROM tasks WHERE client_id IN (`+subtreeQuery+`)`, task.ClientID,
	).Scan(&deepest)
	if err != nil {
		return fmt.Errorf("failed to measure subtree of %s: %w", task.ClientID, err)
	}
	height := 0
	if deepest.Valid {
		height = int(deepest.Int64) - task.Depth
	}
	if newDepth+height > schema.MaxDepth {
		return fmt.Errorf("%w: moving %s would place a descendant at depth %d",
			schema.ErrDepthExceeded, task.ClientID, newDepth+height)
	}

	if delta := newDepth - task.Depth; delta != 0 && len(descendants) > 0 {
		query := `
		UPDATE tasks SET depth = depth + ?, updated_at = ?, sync_status = 'pending'
		WHERE client_id != ? AND client_id IN (` + subtreeQuery + `)`
		_, err := q.ExecContext(ctx, query, delta, formatTime(now), task.ClientID, task.ClientID)
		if err != nil {
			return fmt.Errorf("failed to shift subtree of %s: %w", task.ClientID, err)
		}
	}

	task.Depth = newDepth
	task.ParentClientID = newParent
	task.ParentTaskID = nil
	if parent != nil {
		task.ParentTaskID = parent.ID
	}
	order, err := nextTaskOrder(ctx, q, newParent)
	if err != nil {
		return err
	}
	task.OrderIndex = order
	return nil
}

// subtreeIDs returns the client ids of every descendant of clientID.
func subtreeIDs(ctx context.Context, q querier, clientID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, subtreeQuery, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to walk subtree of %s: %w", clientID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan subtree id: %w", err)
		}
		if id != clientID {
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}

func contains(ids []string, id string) bool {
	for _, s := range ids {
		if s == id {
			return true
		}
	}
	return false
}

// nextTaskOrder is one past the highest order_index under parentClientID.
// Root tasks share the empty-parent group.
func nextTaskOrder(ctx context.Context, q querier, parentClientID string) (int, error) {
	var next int
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(order_index), 0) + 1 FROM tasks WHERE COALESCE(parent_client_id, '') = ?`,
		parentClientID,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to compute task order: %w", err)
	}
	return next, nil
}

// getLiveTask is getTask that treats tombstones as missing.
func getLiveTask(ctx context.Context, q querier, clientID string) (*schema.Task, error) {
	task, err := getTask(ctx, q, clientID)
	if err != nil {
		return nil, err
	}
	if task.IsDeleted {
		return nil, fmt.Errorf("%w: task %s is deleted", schema.ErrNotFound, clientID)
	}
	return task, nil
}

func getTask(ctx context.Context, q querier, clientID string) (*schema.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE client_id = ?`, clientID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: task %s", schema.ErrNotFound, clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", clientID, err)
	}
	return task, nil
}

func queryTasks(ctx context.Context, q querier, query string, args ...any) ([]*schema.Task, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*schema.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// upsertTask writes every column of task, keyed by client_id.
func upsertTask(ctx context.Context, q querier, task *schema.Task) error {
	query := `
	INSERT INTO tasks (` + taskColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(client_id) DO UPDATE SET
		id = excluded.id,
		tab_id = excluded.tab_id,
		tab_client_id = excluded.tab_client_id,
		parent_task_id = excluded.parent_task_id,
		parent_client_id = excluded.parent_client_id,
		title = excluded.title,
		description = excluded.description,
		is_completed = excluded.is_completed,
		completed_at = excluded.completed_at,
		due_date = excluded.due_date,
		due_time = excluded.due_time,
		depth = excluded.depth,
		order_index = excluded.order_index,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		is_deleted = excluded.is_deleted,
		sync_status = excluded.sync_status,
		server_updated_at = excluded.server_updated_at
	`

	_, err := q.ExecContext(ctx, query,
		task.ClientID,
		int64PtrToNull(task.ID),
		int64PtrToNull(task.TabID),
		stringToNull(task.TabClientID),
		int64PtrToNull(task.ParentTaskID),
		stringToNull(task.ParentClientID),
		task.Title,
		task.Description,
		boolToInt(task.IsCompleted),
		timeToNullString(task.CompletedAt),
		stringToNull(task.DueDate),
		stringToNull(task.DueTime),
		task.Depth,
		task.OrderIndex,
		formatTime(task.CreatedAt),
		formatTime(task.UpdatedAt),
		boolToInt(task.IsDeleted),
		string(task.SyncStatus),
		timeToNullString(task.ServerUpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert task %s: %w", task.ClientID, err)
	}
	return nil
}

func scanTask(s rowScanner) (*schema.Task, error) {
	var task schema.Task
	var id, tabID, parentID sql.NullInt64
	var tabClientID, parentClientID sql.NullString
	var completedAt, dueDate, dueTime, serverUpdatedAt sql.NullString
	var isCompleted, isDeleted int
	var status string
	var createdAt, updatedAt string

	err := s.Scan(
		&task.ClientID,
		&id,
		&tabID,
		&tabClientID,
		&parentID,
		&parentClientID,
		&task.Title,
		&task.Description,
		&isCompleted,
		&completedAt,
		&dueDate,
		&dueTime,
		&task.Depth,
		&task.OrderIndex,
		&createdAt,
		&updatedAt,
		&isDeleted,
		&status,
		&serverUpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.ID = nullToInt64Ptr(id)
	task.TabID = nullToInt64Ptr(tabID)
	task.TabClientID = tabClientID.String
	task.ParentTaskID = nullToInt64Ptr(parentID)
	task.ParentClientID = parentClientID.String
	task.IsCompleted = isCompleted != 0
	task.CompletedAt = nullStringToTime(completedAt)
	task.DueDate = dueDate.String
	task.DueTime = dueTime.String
	task.CreatedAt = parseTime(createdAt)
	task.UpdatedAt = parseTime(updatedAt)
	task.IsDeleted = isDeleted != 0
	task.SyncStatus = schema.SyncStatus(status)
	task.ServerUpdatedAt = nullStringToTime(serverUpdatedAt)

	return &task, nil
}
