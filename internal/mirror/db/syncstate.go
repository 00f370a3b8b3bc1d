package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tasksync/tasksync/internal/mirror/schema"
)

// Metadata keys.
const (
	metaDeviceID   = "device_id"
	metaLastSyncAt = "last_sync_at"
)

// Changes groups entities of both kinds.
type Changes struct {
	Tabs  []*schema.Tab
	Tasks []*schema.Task
}

// Len is the total number of entities.
func (c Changes) Len() int {
	return len(c.Tabs) + len(c.Tasks)
}

// ApplyMode controls how a server snapshot treats unpushed local edits.
type ApplyMode int

const (
	// PreserveLocal leaves rows that are pending or in conflict untouched;
	// the following push reports the divergence instead.
	PreserveLocal ApplyMode = iota
	// Overwrite replaces the local row unconditionally.
	Overwrite
)

// PendingChanges returns every entity with unpushed local edits, tombstones
// included. Tasks are ordered parents first.
func (db *DB) PendingChanges(ctx context.Context) (Changes, error) {
	return db.changesWithStatus(ctx, schema.StatusPending)
}

// ConflictedEntities returns every entity awaiting a resolution decision.
func (db *DB) ConflictedEntities(ctx context.Context) (Changes, error) {
	return db.changesWithStatus(ctx, schema.StatusConflict)
}

func (db *DB) changesWithStatus(ctx context.Context, status schema.SyncStatus) (Changes, error) {
	var c Changes
	if err := db.ensureReady(); err != nil {
		return c, err
	}

	tabs, err := queryTabs(ctx, db.conn,
		`SELECT `+tabColumns+` FROM tabs WHERE sync_status = ? ORDER BY updated_at`, string(status))
	if err != nil {
		return c, err
	}
	tasks, err := queryTasks(ctx, db.conn,
		`SELECT `+taskColumns+` FROM tasks WHERE sync_status = ? ORDER BY depth, updated_at`, string(status))
	if err != nil {
		return c, err
	}

	c.Tabs = tabs
	c.Tasks = tasks
	return c, nil
}

// ApplyServerTab upserts the authority's copy of a tab, matched by client_id
// and then by id, and marks it synced with server_updated_at set to the
// authority's updated_at. It reports whether the row was written.
//
// Applying the same payload twice leaves identical state.
func (db *DB) ApplyServerTab(ctx context.Context, tab *schema.Tab, mode ApplyMode) (bool, error) {
	c := *tab
	if c.ClientID == "" {
		if c.ID == nil {
			return false, fmt.Errorf("%w: server tab has neither id nor client_id", schema.ErrInvalidEntity)
		}
		c.ClientID = fmt.Sprintf("server-tab-%d", *c.ID)
	}
	if c.TabType == "" {
		c.TabType = schema.TabCustom
	}
	if err := c.Validate(); err != nil {
		return false, err
	}

	applied := false
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := findTab(ctx, tx, c.ClientID, c.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			if mode == PreserveLocal && existing.SyncStatus != schema.StatusSynced {
				return nil
			}
			c.ClientID = existing.ClientID
		}

		stamp := c.UpdatedAt
		c.ServerUpdatedAt = &stamp
		c.SyncStatus = schema.StatusSynced
		if err := upsertTab(ctx, tx, &c); err != nil {
			return err
		}
		applied = true
		return relink(ctx, tx)
	})
	return applied, err
}

// ApplyServerTask is ApplyServerTab for tasks.
//
// When the parent is already mirrored, depth is derived from it: a snapshot
// whose depth disagrees is logged with a WARNING and stored at the parent's
// depth plus one, and mirrored descendants are shifted along. An incomplete
// child under a completed local parent is only logged; the parent's own
// snapshot settles it.
func (db *DB) ApplyServerTask(ctx context.Context, task *schema.Task, mode ApplyMode) (bool, error) {
	c := *task
	if c.ClientID == "" {
		if c.ID == nil {
			return false, fmt.Errorf("%w: server task has neither id nor client_id", schema.ErrInvalidEntity)
		}
		c.ClientID = fmt.Sprintf("server-task-%d", *c.ID)
	}
	if err := c.Validate(); err != nil {
		return false, err
	}

	applied := false
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := findTask(ctx, tx, c.ClientID, c.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			if mode == PreserveLocal && existing.SyncStatus != schema.StatusSynced {
				return nil
			}
			c.ClientID = existing.ClientID
		}
		if err := db.fitUnderParent(ctx, tx, &c); err != nil {
			return err
		}

		stamp := c.UpdatedAt
		c.ServerUpdatedAt = &stamp
		c.SyncStatus = schema.StatusSynced
		if err := upsertTask(ctx, tx, &c); err != nil {
			return err
		}
		if existing != nil && existing.Depth != c.Depth {
			_, err := tx.ExecContext(ctx, `
			UPDATE tasks SET depth = depth + ?
			WHERE client_id != ? AND client_id IN (`+subtreeQuery+`)`,
				c.Depth-existing.Depth, c.ClientID, c.ClientID)
			if err != nil {
				return fmt.Errorf("failed to shift subtree of %s: %w", c.ClientID, err)
			}
		}
		applied = true
		return relink(ctx, tx)
	})
	return applied, err
}

// fitUnderParent checks a server task against its mirrored parent.
func (db *DB) fitUnderParent(ctx context.Context, q querier, task *schema.Task) error {
	if task.ParentClientID == "" && task.ParentTaskID == nil {
		if task.Depth != 0 {
			db.logger.Printf("WARNING: server task %s has no parent but depth %d; using 0", task.ClientID, task.Depth)
			task.Depth = 0
		}
		return nil
	}
	parent, err := findTask(ctx, q, task.ParentClientID, task.ParentTaskID)
	if err != nil || parent == nil {
		return err
	}

	if want := parent.Depth + 1; task.Depth != want {
		if want > schema.MaxDepth {
			db.logger.Printf("WARNING: server task %s would sit at depth %d under %s; keeping depth %d",
				task.ClientID, want, parent.ClientID, task.Depth)
		} else {
			db.logger.Printf("WARNING: server task %s has depth %d under %s at depth %d; using %d",
				task.ClientID, task.Depth, parent.ClientID, parent.Depth, want)
			task.Depth = want
		}
	}
	if parent.IsCompleted && !parent.IsDeleted && !task.IsCompleted && !task.IsDeleted {
		db.logger.Printf("WARNING: server task %s is open under completed task %s", task.ClientID, parent.ClientID)
	}
	return nil
}

// MarkSynced sets an entity's status to synced and records the authority's
// timestamp.
func (db *DB) MarkSynced(ctx context.Context, kind schema.EntityType, clientID string, serverTS time.Time) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE `+table+` SET sync_status = 'synced', server_updated_at = ? WHERE client_id = ?`,
			formatTime(serverTS), clientID,
		)
		if err != nil {
			return fmt.Errorf("failed to mark %s %s synced: %w", kind, clientID, err)
		}
		return requireRow(res, kind, clientID)
	})
}

// MarkPushed is MarkSynced guarded against edits made while the push was in
// flight: it only applies if the row still carries pushedUpdatedAt and is
// still pending. It reports whether the row was marked.
//
// An accepted push settles any verdict recorded for the entity, so a marked
// row also leaves the conflict ledger.
func (db *DB) MarkPushed(ctx context.Context, kind schema.EntityType, clientID string, pushedUpdatedAt, serverTS time.Time) (bool, error) {
	table, err := tableFor(kind)
	if err != nil {
		return false, err
	}

	marked := false
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE `+table+` SET sync_status = 'synced', server_updated_at = ?
			WHERE client_id = ? AND updated_at = ? AND sync_status = 'pending'`,
			formatTime(serverTS), clientID, formatTime(pushedUpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to mark %s %s synced: %w", kind, clientID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to mark %s %s synced: %w", kind, clientID, err)
		}
		marked = n > 0
		if !marked {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM sync_conflicts WHERE entity_type = ? AND client_id = ?`, string(kind), clientID); err != nil {
			return fmt.Errorf("failed to clear conflict %s: %w", clientID, err)
		}
		return nil
	})
	return marked, err
}

// MarkConflict sets an entity's status to conflict.
func (db *DB) MarkConflict(ctx context.Context, kind schema.EntityType, clientID string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE `+table+` SET sync_status = 'conflict' WHERE client_id = ?`, clientID)
		if err != nil {
			return fmt.Errorf("failed to mark %s %s conflicted: %w", kind, clientID, err)
		}
		return requireRow(res, kind, clientID)
	})
}

// AssignServerID records the authority's integer id for an entity and
// refreshes the integer references that point at it.
func (db *DB) AssignServerID(ctx context.Context, kind schema.EntityType, clientID string, id int64) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		var current sql.NullInt64
		err := tx.QueryRowContext(ctx, `SELECT id FROM `+table+` WHERE client_id = ?`, clientID).Scan(&current)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s %s", schema.ErrNotFound, kind, clientID)
		}
		if err != nil {
			return fmt.Errorf("failed to read id of %s %s: %w", kind, clientID, err)
		}
		if current.Valid && current.Int64 == id {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `UPDATE `+table+` SET id = ? WHERE client_id = ?`, id, clientID); err != nil {
			return fmt.Errorf("failed to assign id %d to %s %s: %w", id, kind, clientID, err)
		}
		return relink(ctx, tx)
	})
}

// relink fills in whichever half of each parent and tab reference is
// missing, using the rows now present in the mirror.
func relink(ctx context.Context, q querier) error {
	statements := []string{
		`UPDATE tasks SET parent_client_id = (SELECT p.client_id FROM tasks p WHERE p.id = tasks.parent_task_id)
		WHERE parent_client_id IS NULL AND parent_task_id IS NOT NULL
		  AND EXISTS (SELECT 1 FROM tasks p WHERE p.id = tasks.parent_task_id)`,
		`UPDATE tasks SET parent_task_id = (SELECT p.id FROM tasks p WHERE p.client_id = tasks.parent_client_id)
		WHERE parent_task_id IS NULL AND parent_client_id IS NOT NULL
		  AND EXISTS (SELECT 1 FROM tasks p WHERE p.client_id = tasks.parent_client_id AND p.id IS NOT NULL)`,
		`UPDATE tasks SET tab_client_id = (SELECT t.client_id FROM tabs t WHERE t.id = tasks.tab_id)
		WHERE tab_client_id IS NULL AND tab_id IS NOT NULL
		  AND EXISTS (SELECT 1 FROM tabs t WHERE t.id = tasks.tab_id)`,
		`UPDATE tasks SET tab_id = (SELECT t.id FROM tabs t WHERE t.client_id = tasks.tab_client_id)
		WHERE tab_id IS NULL AND tab_client_id IS NOT NULL
		  AND EXISTS (SELECT 1 FROM tabs t WHERE t.client_id = tasks.tab_client_id AND t.id IS NOT NULL)`,
	}
	for _, stmt := range statements {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to relink references: %w", err)
		}
	}
	return nil
}

// RecordConflict stores the authority's verdict for a conflicted entity,
// replacing any earlier one for the same client_id.
func (db *DB) RecordConflict(ctx context.Context, c schema.ConflictData) error {
	if !c.EntityType.Valid() {
		return fmt.Errorf("%w: unknown entity type %q", schema.ErrInvalidEntity, c.EntityType)
	}
	payload, err := json.Marshal(&c)
	if err != nil {
		return fmt.Errorf("failed to marshal conflict %s: %w", c.ClientID, err)
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_conflicts (entity_type, client_id, payload, detected_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_type, client_id) DO UPDATE SET
			payload = excluded.payload,
			detected_at = excluded.detected_at
		`, string(c.EntityType), c.ClientID, string(payload), formatTime(db.now()))
		if err != nil {
			return fmt.Errorf("failed to record conflict %s: %w", c.ClientID, err)
		}
		return nil
	})
}

// ClearConflict forgets the recorded verdict for an entity. Missing entries
// are not an error.
func (db *DB) ClearConflict(ctx context.Context, kind schema.EntityType, clientID string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM sync_conflicts WHERE entity_type = ? AND client_id = ?`, string(kind), clientID)
		if err != nil {
			return fmt.Errorf("failed to clear conflict %s: %w", clientID, err)
		}
		return nil
	})
}

// Conflicts returns every recorded verdict in detection order.
func (db *DB) Conflicts(ctx context.Context) ([]schema.ConflictData, error) {
	if err := db.ensureReady(); err != nil {
		return nil, err
	}
	rows, err := db.conn.QueryContext(ctx,
		`SELECT payload FROM sync_conflicts ORDER BY detected_at, client_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []schema.ConflictData
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		var c schema.ConflictData
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			return nil, fmt.Errorf("failed to decode conflict: %w", err)
		}
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return conflicts, nil
}

// DeviceID returns this replica's identity, generating and persisting it on
// first use.
func (db *DB) DeviceID(ctx context.Context) (string, error) {
	var id string
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		v, ok, err := getMeta(ctx, tx, metaDeviceID)
		if err != nil {
			return err
		}
		if ok {
			id = v
			return nil
		}
		id = uuid.NewString()
		return setMeta(ctx, tx, metaDeviceID, id)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// LastSyncAt returns the pull watermark, or nil before the first pull.
func (db *DB) LastSyncAt(ctx context.Context) (*time.Time, error) {
	if err := db.ensureReady(); err != nil {
		return nil, err
	}
	v, ok, err := getMeta(ctx, db.conn, metaLastSyncAt)
	if err != nil || !ok {
		return nil, err
	}
	t := parseTime(v)
	if t.IsZero() {
		return nil, nil
	}
	return &t, nil
}

// SetLastSyncAt advances the pull watermark.
func (db *DB) SetLastSyncAt(ctx context.Context, t time.Time) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		return setMeta(ctx, tx, metaLastSyncAt, formatTime(t))
	})
}

// Metadata returns the replica's sync metadata.
func (db *DB) Metadata(ctx context.Context) (schema.SyncMetadata, error) {
	var md schema.SyncMetadata
	id, err := db.DeviceID(ctx)
	if err != nil {
		return md, err
	}
	last, err := db.LastSyncAt(ctx)
	if err != nil {
		return md, err
	}
	md.DeviceID = id
	md.LastSyncAt = last
	return md, nil
}

func getMeta(ctx context.Context, q querier, key string) (string, bool, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM sync_metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read metadata %s: %w", key, err)
	}
	return value, true, nil
}

func setMeta(ctx context.Context, q querier, key, value string) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO sync_metadata (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write metadata %s: %w", key, err)
	}
	return nil
}

// findTab looks a tab up by client_id, then by server id. It returns nil
// without error when neither matches.
func findTab(ctx context.Context, q querier, clientID string, id *int64) (*schema.Tab, error) {
	tab, err := getTab(ctx, q, clientID)
	if err == nil {
		return tab, nil
	}
	if !errors.Is(err, schema.ErrNotFound) {
		return nil, err
	}
	if id == nil {
		return nil, nil
	}
	tab, err = scanTab(q.QueryRowContext(ctx, `SELECT `+tabColumns+` FROM tabs WHERE id = ?`, *id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tab by id %d: %w", *id, err)
	}
	return tab, nil
}

// findTask is findTab for tasks.
func findTask(ctx context.Context, q querier, clientID string, id *int64) (*schema.Task, error) {
	task, err := getTask(ctx, q, clientID)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, schema.ErrNotFound) {
		return nil, err
	}
	if id == nil {
		return nil, nil
	}
	task, err = scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, *id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task by id %d: %w", *id, err)
	}
	return task, nil
}

func tableFor(kind schema.EntityType) (string, error) {
	switch kind {
	case schema.EntityTab:
		return "tabs", nil
	case schema.EntityTask:
		return "tasks", nil
	}
	return "", fmt.Errorf("%w: unknown entity type %q", schema.ErrInvalidEntity, kind)
}

func requireRow(res sql.Result, kind schema.EntityType, clientID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update %s %s: %w", kind, clientID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", schema.ErrNotFound, kind, clientID)
	}
	return nil
}
