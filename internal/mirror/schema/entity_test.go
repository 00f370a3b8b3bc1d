package schema

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestTask_Validate(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		task    Task
		wantErr error
	}{
		{
			name:    "valid root task",
			task:    Task{ClientID: "c-1", Title: "Buy milk", CreatedAt: now, UpdatedAt: now},
			wantErr: nil,
		},
		{
			name:    "missing client id",
			task:    Task{Title: "Buy milk"},
			wantErr: ErrInvalidEntity,
		},
		{
			name:    "missing title",
			task:    Task{ClientID: "c-1"},
			wantErr: ErrInvalidEntity,
		},
		{
			name:    "title too long",
			task:    Task{ClientID: "c-1", Title: strings.Repeat("x", 1001)},
			wantErr: ErrInvalidEntity,
		},
		{
			name:    "depth too deep",
			task:    Task{ClientID: "c-1", Title: "deep", Depth: 3},
			wantErr: ErrDepthExceeded,
		},
		{
			name:    "malformed due date",
			task:    Task{ClientID: "c-1", Title: "x", DueDate: "12/01/2026"},
			wantErr: ErrInvalidEntity,
		},
		{
			name:    "valid due date",
			task:    Task{ClientID: "c-1", Title: "x", DueDate: "2026-12-01", Depth: 2},
			wantErr: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTab_Validate(t *testing.T) {
	tests := []struct {
		name    string
		tab     Tab
		wantErr bool
	}{
		{name: "valid", tab: Tab{ClientID: "t-1", Name: "Work", TabType: TabCustom}},
		{name: "missing name", tab: Tab{ClientID: "t-1", TabType: TabCustom}, wantErr: true},
		{name: "missing client id", tab: Tab{Name: "Work", TabType: TabCustom}, wantErr: true},
		{name: "unknown type", tab: Tab{ClientID: "t-1", Name: "Work", TabType: "weekly"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tab.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTaskPatch_Validate(t *testing.T) {
	empty := ""
	bad := "tomorrow"
	good := "2026-01-31"

	if err := (TaskPatch{Title: &empty}).Validate(); !errors.Is(err, ErrInvalidEntity) {
		t.Errorf("empty title patch error = %v, want ErrInvalidEntity", err)
	}
	if err := (TaskPatch{DueDate: &bad}).Validate(); !errors.Is(err, ErrInvalidEntity) {
		t.Errorf("bad due date patch error = %v, want ErrInvalidEntity", err)
	}
	if err := (TaskPatch{DueDate: &good}).Validate(); err != nil {
		t.Errorf("good due date patch error = %v", err)
	}
	if err := (TaskPatch{DueDate: &empty}).Validate(); err != nil {
		t.Errorf("clearing due date should be valid, got %v", err)
	}
}

func TestTask_PayloadStripsSyncFields(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	task := &Task{
		ClientID:        "c-1",
		Title:           "Write report",
		SyncStatus:      StatusPending,
		ServerUpdatedAt: &now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	data, err := task.Payload()
	if err != nil {
		t.Fatalf("Payload() failed: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	for _, key := range []string{"sync_status", "server_updated_at"} {
		if _, ok := fields[key]; ok {
			t.Errorf("payload should not carry %s", key)
		}
	}
	if fields["title"] != "Write report" {
		t.Errorf("title = %v, want 'Write report'", fields["title"])
	}

	// The original must not be modified.
	if task.SyncStatus != StatusPending || task.ServerUpdatedAt == nil {
		t.Error("Payload() mutated the task")
	}
}

func TestConflictData_ServerTask(t *testing.T) {
	server := &Task{ClientID: "c-9", Title: "Server version"}
	raw, err := json.Marshal(server)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	c := ConflictData{HasConflict: true, ClientID: "c-9", EntityType: EntityTask, ServerData: raw}
	got, err := c.ServerTask()
	if err != nil {
		t.Fatalf("ServerTask() failed: %v", err)
	}
	if got.Title != "Server version" {
		t.Errorf("Title = %q, want 'Server version'", got.Title)
	}

	if _, err := c.ServerTab(); !errors.Is(err, ErrInvalidEntity) {
		t.Errorf("ServerTab() on a task conflict error = %v, want ErrInvalidEntity", err)
	}

	empty := ConflictData{ClientID: "c-9", EntityType: EntityTask}
	if _, err := empty.ServerTask(); err == nil {
		t.Error("ServerTask() without server data should fail")
	}
}
