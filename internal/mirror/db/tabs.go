package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tasksync/tasksync/internal/mirror/schema"
)

// Client ids of the built-in tabs. They are fixed so that every device seeds
// the same logical entities.
const (
	TodayTabID    = "system-today"
	AllTasksTabID = "system-all-tasks"
)

const tabColumns = `client_id, id, name, order_index, is_system, tab_type,
	created_at, updated_at, is_deleted, sync_status, server_updated_at`

// EnsureSystemTabs seeds the Today and All Tasks views if they are missing.
// They are seeded as synced: they are local views and are only pushed once
// the user edits them.
func (db *DB) EnsureSystemTabs(ctx context.Context) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		now := db.now()
		system := []*schema.Tab{
			{ClientID: TodayTabID, Name: "Today", OrderIndex: 0, TabType: schema.TabToday},
			{ClientID: AllTasksTabID, Name: "All Tasks", OrderIndex: 1, TabType: schema.TabAllTasks},
		}
		for _, tab := range system {
			if _, err := getTab(ctx, tx, tab.ClientID); err == nil {
				continue
			} else if !errors.Is(err, schema.ErrNotFound) {
				return err
			}
			tab.IsSystem = true
			tab.CreatedAt = now
			tab.UpdatedAt = now
			tab.SyncStatus = schema.StatusSynced
			if err := upsertTab(ctx, tx, tab); err != nil {
				return err
			}
		}
		return nil
	})
}

// CreateTab adds a custom tab after every existing one.
func (db *DB) CreateTab(ctx context.Context, name string) (*schema.Tab, error) {
	var created *schema.Tab
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var next int
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(order_index), -1) + 1 FROM tabs WHERE is_deleted = 0`,
		).Scan(&next)
		if err != nil {
			return fmt.Errorf("failed to compute tab order: %w", err)
		}

		now := db.now()
		tab := &schema.Tab{
			ClientID:   uuid.NewString(),
			Name:       name,
			OrderIndex: next,
			TabType:    schema.TabCustom,
			CreatedAt:  now,
			UpdatedAt:  now,
			SyncStatus: schema.StatusPending,
		}
		if err := tab.Validate(); err != nil {
			return err
		}
		if err := upsertTab(ctx, tx, tab); err != nil {
			return err
		}

		created, err = getTab(ctx, tx, tab.ClientID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// UpdateTab applies a partial update and marks the tab pending.
func (db *DB) UpdateTab(ctx context.Context, clientID string, patch schema.TabPatch) (*schema.Tab, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	var updated *schema.Tab
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		tab, err := getTab(ctx, tx, clientID)
		if err != nil {
			return err
		}
		if patch.Name != nil {
			tab.Name = *patch.Name
		}
		if patch.OrderIndex != nil {
			tab.OrderIndex = *patch.OrderIndex
		}
		tab.UpdatedAt = db.now()
		tab.SyncStatus = schema.StatusPending
		if err := upsertTab(ctx, tx, tab); err != nil {
			return err
		}

		updated, err = getTab(ctx, tx, clientID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteTab tombstones a custom tab. Tasks filed under it are left alone and
// remain visible through AllTasks.
func (db *DB) DeleteTab(ctx context.Context, clientID string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		tab, err := getTab(ctx, tx, clientID)
		if err != nil {
			return err
		}
		if tab.IsSystem {
			return fmt.Errorf("%w: %s", schema.ErrSystemTab, tab.Name)
		}
		tab.IsDeleted = true
		tab.UpdatedAt = db.now()
		tab.SyncStatus = schema.StatusPending
		return upsertTab(ctx, tx, tab)
	})
}

// GetTab returns the tab with the given client id, including tombstones.
func (db *DB) GetTab(ctx context.Context, clientID string) (*schema.Tab, error) {
	if err := db.ensureReady(); err != nil {
		return nil, err
	}
	return getTab(ctx, db.conn, clientID)
}

// AllTabs returns every non-deleted tab ordered by order_index.
func (db *DB) AllTabs(ctx context.Context) ([]*schema.Tab, error) {
	if err := db.ensureReady(); err != nil {
		return nil, err
	}
	query := `SELECT ` + tabColumns + ` FROM tabs WHERE is_deleted = 0 ORDER BY order_index, created_at`
	return queryTabs(ctx, db.conn, query)
}

func getTab(ctx context.Context, q querier, clientID string) (*schema.Tab, error) {
	row := q.QueryRowContext(ctx, `SELECT `+tabColumns+` FROM tabs WHERE client_id = ?`, clientID)
	tab, err := scanTab(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: tab %s", schema.ErrNotFound, clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tab %s: %w", clientID, err)
	}
	return tab, nil
}

func queryTabs(ctx context.Context, q querier, query string, args ...any) ([]*schema.Tab, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tabs: %w", err)
	}
	defer rows.Close()

	var tabs []*schema.Tab
	for rows.Next() {
		tab, err := scanTab(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tab: %w", err)
		}
		tabs = append(tabs, tab)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tabs: %w", err)
	}
	return tabs, nil
}

// upsertTab writes every column of tab, keyed by client_id.
func upsertTab(ctx context.Context, q querier, tab *schema.Tab) error {
	query := `
	INSERT INTO tabs (` + tabColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(client_id) DO UPDATE SET
		id = excluded.id,
		name = excluded.name,
		order_index = excluded.order_index,
		is_system = excluded.is_system,
		tab_type = excluded.tab_type,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		is_deleted = excluded.is_deleted,
		sync_status = excluded.sync_status,
		server_updated_at = excluded.server_updated_at
	`

	_, err := q.ExecContext(ctx, query,
		tab.ClientID,
		int64PtrToNull(tab.ID),
		tab.Name,
		tab.OrderIndex,
		boolToInt(tab.IsSystem),
		string(tab.TabType),
		formatTime(tab.CreatedAt),
		formatTime(tab.UpdatedAt),
		boolToInt(tab.IsDeleted),
		string(tab.SyncStatus),
		timeToNullString(tab.ServerUpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert tab %s: %w", tab.ClientID, err)
	}
	return nil
}

func scanTab(s rowScanner) (*schema.Tab, error) {
	var tab schema.Tab
	var id sql.NullInt64
	var isSystem, isDeleted int
	var tabType, status string
	var createdAt, updatedAt string
	var serverUpdatedAt sql.NullString

	err := s.Scan(
		&tab.ClientID,
		&id,
		&tab.Name,
		&tab.OrderIndex,
		&isSystem,
		&tabType,
		&createdAt,
		&updatedAt,
		&isDeleted,
		&status,
		&serverUpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	tab.ID = nullToInt64Ptr(id)
	tab.IsSystem = isSystem != 0
	tab.TabType = schema.TabType(tabType)
	tab.CreatedAt = parseTime(createdAt)
	tab.UpdatedAt = parseTime(updatedAt)
	tab.IsDeleted = isDeleted != 0
	tab.SyncStatus = schema.SyncStatus(status)
	tab.ServerUpdatedAt = nullStringToTime(serverUpdatedAt)

	return &tab, nil
}
