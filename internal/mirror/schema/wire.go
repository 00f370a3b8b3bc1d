package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// PullRequest is the body of POST /sync/pull.
type PullRequest struct {
	DeviceID   string     `json:"device_id"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
}

// PullResponse carries every entity the authority changed after LastSyncAt.
type PullResponse struct {
	Tabs          []*Tab         `json:"tabs"`
	Tasks         []*Task        `json:"tasks"`
	SyncTimestamp time.Time      `json:"sync_timestamp"`
	Conflicts     []ConflictData `json:"conflicts"`
}

// PushRequest is the body of POST /sync/push and one element of a batch push.
type PushRequest struct {
	DeviceID        string          `json:"device_id"`
	ClientID        string          `json:"client_id"`
	EntityType      EntityType      `json:"entity_type"`
	Data            json.RawMessage `json:"data"`
	ClientUpdatedAt time.Time       `json:"client_updated_at"`
}

// ConflictData is the authority's verdict on a push. When HasConflict is
// false the push was accepted; otherwise ServerData holds the divergent
// authority copy.
type ConflictData struct {
	HasConflict     bool            `json:"has_conflict" yaml:"has_conflict"`
	EntityID        *int64          `json:"entity_id,omitempty" yaml:"entity_id,omitempty"`
	ClientID        string          `json:"client_id" yaml:"client_id"`
	EntityType      EntityType      `json:"entity_type" yaml:"entity_type"`
	ServerUpdatedAt *time.Time      `json:"server_updated_at,omitempty" yaml:"server_updated_at,omitempty"`
	ClientUpdatedAt time.Time       `json:"client_updated_at" yaml:"client_updated_at"`
	ServerData      json.RawMessage `json:"server_data,omitempty" yaml:"-"`
	ClientData      json.RawMessage `json:"client_data,omitempty" yaml:"-"`
}

// ServerTab decodes ServerData as a tab.
func (c *ConflictData) ServerTab() (*Tab, error) {
	if c.EntityType != EntityTab || len(c.ServerData) == 0 {
		return nil, fmt.Errorf("%w: conflict %s carries no tab data", ErrInvalidEntity, c.ClientID)
	}
	var tab Tab
	if err := json.Unmarshal(c.ServerData, &tab); err != nil {
		return nil, fmt.Errorf("failed to decode server tab %s: %w", c.ClientID, err)
	}
	return &tab, nil
}

// ServerTask decodes ServerData as a task.
func (c *ConflictData) ServerTask() (*Task, error) {
	if c.EntityType != EntityTask || len(c.ServerData) == 0 {
		return nil, fmt.Errorf("%w: conflict %s carries no task data", ErrInvalidEntity, c.ClientID)
	}
	var task Task
	if err := json.Unmarshal(c.ServerData, &task); err != nil {
		return nil, fmt.Errorf("failed to decode server task %s: %w", c.ClientID, err)
	}
	return &task, nil
}

// BatchPushResponse is the result of POST /sync/batch-push.
type BatchPushResponse struct {
	SyncedCount int            `json:"synced_count"`
	SyncedIDs   []string       `json:"synced_ids"`
	Conflicts   []ConflictData `json:"conflicts"`
}

// Resolution is the user's decision for a conflict.
type Resolution string

const (
	KeepServer Resolution = "keep_server"
	KeepClient Resolution = "keep_client"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	return r == KeepServer || r == KeepClient
}

// ResolveRequest is the body of POST /sync/resolve.
type ResolveRequest struct {
	ClientID   string          `json:"client_id"`
	EntityType EntityType      `json:"entity_type"`
	Resolution Resolution      `json:"resolution"`
	ClientData json.RawMessage `json:"client_data,omitempty"`
}

// ResolveResponse reports whether the authority applied the resolution.
// ServerUpdatedAt is the authority's timestamp for the entity afterwards.
type ResolveResponse struct {
	Success           bool       `json:"success"`
	AppliedResolution Resolution `json:"applied_resolution,omitempty"`
	ServerUpdatedAt   *time.Time `json:"server_updated_at,omitempty"`
}

// REST bodies used by the always-online backend. Entities are addressed by
// the authority's integer id.

// TabCreate is the body of POST /tabs.
type TabCreate struct {
	ClientID string `json:"client_id,omitempty"`
	Name     string `json:"name"`
}

// TabUpdate is the body of PUT /tabs/{id}.
type TabUpdate struct {
	Name       *string `json:"name,omitempty"`
	OrderIndex *int    `json:"order_index,omitempty"`
}

// TaskCreate is the body of POST /tasks.
type TaskCreate struct {
	ClientID     string `json:"client_id"`
	TabID        *int64 `json:"tab_id"`
	ParentTaskID *int64 `json:"parent_task_id"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	DueDate      string `json:"due_date,omitempty"`
	DueTime      string `json:"due_time,omitempty"`
}

// TaskUpdate is the body of PUT /tasks/{id}. Nil fields are left unchanged.
type TaskUpdate struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	DueDate     *string `json:"due_date,omitempty"`
	DueTime     *string `json:"due_time,omitempty"`
	TabID       *int64  `json:"tab_id,omitempty"`
}

// TaskComplete is the body of PUT /tasks/{id}/complete.
type TaskComplete struct {
	IsCompleted bool `json:"is_completed"`
}

// ErrorResponse is the body of every non-2xx authority response.
type ErrorResponse struct {
	Detail string `json:"detail"`
}
