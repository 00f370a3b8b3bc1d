package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// MaxDepth is the deepest level a task may occupy (root tasks are depth 0).
const MaxDepth = 2

// DateLayout is the format of Task.DueDate.
const DateLayout = "2006-01-02"

// maxTitleLen mirrors the authority's title validation.
const maxTitleLen = 1000

// EntityType names the kind of a synchronized entity on the wire.
type EntityType string

const (
	EntityTab  EntityType = "tab"
	EntityTask EntityType = "task"
)

// Valid reports whether e is a known entity type.
func (e EntityType) Valid() bool {
	return e == EntityTab || e == EntityTask
}

// SyncStatus is the per-row replication state.
type SyncStatus string

const (
	StatusSynced   SyncStatus = "synced"
	StatusPending  SyncStatus = "pending"
	StatusConflict SyncStatus = "conflict"
)

// TabType distinguishes the built-in views from user tabs.
type TabType string

const (
	TabToday    TabType = "today"
	TabAllTasks TabType = "all_tasks"
	TabCustom   TabType = "custom"
)

// Valid reports whether t is a known tab type.
func (t TabType) Valid() bool {
	switch t {
	case TabToday, TabAllTasks, TabCustom:
		return true
	}
	return false
}

// Tab is a named view that scopes a subset of tasks.
type Tab struct {
	// ===== Identity =====
	ID       *int64 `json:"id,omitempty" yaml:"id,omitempty"`
	ClientID string `json:"client_id" yaml:"client_id"`

	// ===== Content =====
	Name       string  `json:"name" yaml:"name"`
	OrderIndex int     `json:"order_index" yaml:"order_index"`
	IsSystem   bool    `json:"is_system" yaml:"is_system"`
	TabType    TabType `json:"tab_type" yaml:"tab_type"`

	// ===== Timestamps =====
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`

	// ===== Tombstone & Sync =====
	IsDeleted       bool       `json:"is_deleted" yaml:"is_deleted"`
	SyncStatus      SyncStatus `json:"sync_status,omitempty" yaml:"sync_status,omitempty"`
	ServerUpdatedAt *time.Time `json:"server_updated_at,omitempty" yaml:"server_updated_at,omitempty"`
}

// Validate checks the fields every stored tab must carry.
func (t *Tab) Validate() error {
	if t.ClientID == "" {
		return fmt.Errorf("%w: tab client_id is required", ErrInvalidEntity)
	}
	if t.Name == "" {
		return fmt.Errorf("%w: tab name is required", ErrInvalidEntity)
	}
	if !t.TabType.Valid() {
		return fmt.Errorf("%w: unknown tab type %q", ErrInvalidEntity, t.TabType)
	}
	return nil
}

// Payload returns the wire form of the tab without local sync bookkeeping.
func (t *Tab) Payload() (json.RawMessage, error) {
	c := *t
	c.SyncStatus = ""
	c.ServerUpdatedAt = nil
	data, err := json.Marshal(&c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tab %s: %w", t.ClientID, err)
	}
	return data, nil
}

// Task is a to-do item. Parent and tab references are kept twice: as the
// authority's integer ids and as client ids, the latter being the join key
// used for local hierarchy traversal.
type Task struct {
	// ===== Identity =====
	ID       *int64 `json:"id,omitempty" yaml:"id,omitempty"`
	ClientID string `json:"client_id" yaml:"client_id"`

	// ===== References =====
	TabID          *int64 `json:"tab_id" yaml:"tab_id"`
	TabClientID    string `json:"tab_client_id,omitempty" yaml:"tab_client_id,omitempty"`
	ParentTaskID   *int64 `json:"parent_task_id" yaml:"parent_task_id"`
	ParentClientID string `json:"parent_client_id,omitempty" yaml:"parent_client_id,omitempty"`

	// ===== Content =====
	Title       string     `json:"title" yaml:"title"`
	Description string     `json:"description" yaml:"description"`
	IsCompleted bool       `json:"is_completed" yaml:"is_completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	DueDate     string     `json:"due_date,omitempty" yaml:"due_date,omitempty"` // YYYY-MM-DD
	DueTime     string     `json:"due_time,omitempty" yaml:"due_time,omitempty"`

	// ===== Placement =====
	Depth      int `json:"depth" yaml:"depth"` // derived from the parent, never user-set
	OrderIndex int `json:"order_index" yaml:"order_index"`

	// ===== Timestamps =====
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`

	// ===== Tombstone & Sync =====
	IsDeleted       bool       `json:"is_deleted" yaml:"is_deleted"`
	SyncStatus      SyncStatus `json:"sync_status,omitempty" yaml:"sync_status,omitempty"`
	ServerUpdatedAt *time.Time `json:"server_updated_at,omitempty" yaml:"server_updated_at,omitempty"`
}

// IsRoot reports whether the task has no parent.
func (t *Task) IsRoot() bool {
	return t.ParentClientID == "" && t.ParentTaskID == nil
}

// Validate checks the fields every stored task must carry.
func (t *Task) Validate() error {
	if t.ClientID == "" {
		return fmt.Errorf("%w: task client_id is required", ErrInvalidEntity)
	}
	if err := validateTitle(t.Title); err != nil {
		return err
	}
	if t.Depth < 0 || t.Depth > MaxDepth {
		return fmt.Errorf("%w: depth %d", ErrDepthExceeded, t.Depth)
	}
	return validateDueDate(t.DueDate)
}

// Payload returns the wire form of the task without local sync bookkeeping.
func (t *Task) Payload() (json.RawMessage, error) {
	c := *t
	c.SyncStatus = ""
	c.ServerUpdatedAt = nil
	data, err := json.Marshal(&c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task %s: %w", t.ClientID, err)
	}
	return data, nil
}

// TabPatch is a partial tab update. Nil fields are left unchanged.
type TabPatch struct {
	Name       *string
	OrderIndex *int
}

// Validate rejects patches that would leave the tab invalid.
func (p TabPatch) Validate() error {
	if p.Name != nil && *p.Name == "" {
		return fmt.Errorf("%w: tab name cannot be empty", ErrInvalidEntity)
	}
	return nil
}

// TaskInput holds the user-settable fields of a new task.
// ClientID is generated when empty.
type TaskInput struct {
	ClientID       string
	TabClientID    string
	ParentClientID string
	Title          string
	Description    string
	DueDate        string
	DueTime        string
}

// Validate checks the user-supplied fields.
func (in TaskInput) Validate() error {
	if err := validateTitle(in.Title); err != nil {
		return err
	}
	return validateDueDate(in.DueDate)
}

// TaskPatch is a partial task update. Nil fields are left unchanged; an
// empty string clears DueDate, DueTime, TabClientID or ParentClientID.
type TaskPatch struct {
	Title          *string
	Description    *string
	DueDate        *string
	DueTime        *string
	TabClientID    *string
	ParentClientID *string
	OrderIndex     *int
}

// Validate rejects patches that would leave the task invalid.
func (p TaskPatch) Validate() error {
	if p.Title != nil {
		if err := validateTitle(*p.Title); err != nil {
			return err
		}
	}
	if p.DueDate != nil {
		return validateDueDate(*p.DueDate)
	}
	return nil
}

// SyncMetadata is the process-wide replication state of this device.
type SyncMetadata struct {
	DeviceID   string     `json:"device_id" yaml:"device_id"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty" yaml:"last_sync_at,omitempty"`
}

func validateTitle(title string) error {
	if title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidEntity)
	}
	if len(title) > maxTitleLen {
		return fmt.Errorf("%w: title must be %d characters or less (got %d)", ErrInvalidEntity, maxTitleLen, len(title))
	}
	return nil
}

func validateDueDate(date string) error {
	if date == "" {
		return nil
	}
	if _, err := time.Parse(DateLayout, date); err != nil {
		return fmt.Errorf("%w: due_date %q is not YYYY-MM-DD", ErrInvalidEntity, date)
	}
	return nil
}
