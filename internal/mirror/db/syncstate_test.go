package db

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tasksync/tasksync/internal/mirror/schema"
)

func int64Ptr(v int64) *int64 { return &v }

func serverTask(clientID string, id int64, title string, updated time.Time) *schema.Task {
	return &schema.Task{
		ID:        int64Ptr(id),
		ClientID:  clientID,
		Title:     title,
		CreatedAt: updated.Add(-time.Hour),
		UpdatedAt: updated,
	}
}

func TestPendingAndConflicted(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	tab, err := db.CreateTab(ctx, "Work")
	if err != nil {
		t.Fatalf("CreateTab() failed: %v", err)
	}
	_, b, _ := createChain(t, db)

	pending, err := db.PendingChanges(ctx)
	if err != nil {
		t.Fatalf("PendingChanges() failed: %v", err)
	}
	if len(pending.Tabs) != 1 || len(pending.Tasks) != 3 {
		t.Fatalf("PendingChanges() = %d tabs, %d tasks; want 1, 3", len(pending.Tabs), len(pending.Tasks))
	}
	for i, want := range []int{0, 1, 2} {
		if pending.Tasks[i].Depth != want {
			t.Errorf("pending task %d depth = %d, want parents first", i, pending.Tasks[i].Depth)
		}
	}

	if err := db.MarkConflict(ctx, schema.EntityTask, b.ClientID); err != nil {
		t.Fatalf("MarkConflict() failed: %v", err)
	}
	if err := db.MarkSynced(ctx, schema.EntityTab, tab.ClientID, time.Now()); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}

	conflicted, err := db.ConflictedEntities(ctx)
	if err != nil {
		t.Fatalf("ConflictedEntities() failed: %v", err)
	}
	if conflicted.Len() != 1 || conflicted.Tasks[0].ClientID != b.ClientID {
		t.Errorf("ConflictedEntities() = %+v, want only B", conflicted)
	}

	pending, err = db.PendingChanges(ctx)
	if err != nil {
		t.Fatalf("PendingChanges() failed: %v", err)
	}
	if pending.Len() != 2 {
		t.Errorf("PendingChanges().Len() = %d, want 2", pending.Len())
	}

	if err := db.MarkSynced(ctx, schema.EntityTask, "missing", time.Now()); !errors.Is(err, schema.ErrNotFound) {
		t.Errorf("MarkSynced(missing) error = %v, want ErrNotFound", err)
	}
	if err := db.MarkConflict(ctx, "widget", b.ClientID); !errors.Is(err, schema.ErrInvalidEntity) {
		t.Errorf("MarkConflict(widget) error = %v, want ErrInvalidEntity", err)
	}
}

func TestApplyServerTask_Idempotent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	updated := time.Date(2026, 3, 9, 18, 30, 0, 0, time.UTC)
	task := serverTask("c-1", 41, "From the server", updated)
	task.DueDate = "2026-03-12"

	var snapshots []*schema.Task
	for i := 0; i < 2; i++ {
		applied, err := db.ApplyServerTask(ctx, task, PreserveLocal)
		if err != nil {
			t.Fatalf("ApplyServerTask() #%d failed: %v", i+1, err)
		}
		if !applied {
			t.Fatalf("ApplyServerTask() #%d was skipped", i+1)
		}
		snapshots = append(snapshots, mustGetTask(t, db, "c-1"))
	}

	if diff := cmp.Diff(snapshots[0], snapshots[1]); diff != "" {
		t.Errorf("second apply changed state (-first +second):\n%s", diff)
	}
	got := snapshots[1]
	if got.SyncStatus != schema.StatusSynced {
		t.Errorf("SyncStatus = %s, want synced", got.SyncStatus)
	}
	if got.ServerUpdatedAt == nil || !got.ServerUpdatedAt.Equal(updated) {
		t.Errorf("ServerUpdatedAt = %v, want %v", got.ServerUpdatedAt, updated)
	}
	if got.ID == nil || *got.ID != 41 {
		t.Errorf("ID = %v, want 41", got.ID)
	}
}

func TestApplyServerTask_PreservesLocalEdits(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	local, err := db.CreateTask(ctx, schema.TaskInput{ClientID: "c-1", Title: "Local edit"})
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}

	server := serverTask(local.ClientID, 7, "Server edit", time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	applied, err := db.ApplyServerTask(ctx, server, PreserveLocal)
	if err != nil {
		t.Fatalf("ApplyServerTask() failed: %v", err)
	}
	if applied {
		t.Error("PreserveLocal overwrote a pending row")
	}
	if got := mustGetTask(t, db, local.ClientID); got.Title != "Local edit" || got.SyncStatus != schema.StatusPending {
		t.Errorf("local row changed: %q %s", got.Title, got.SyncStatus)
	}

	applied, err = db.ApplyServerTask(ctx, server, Overwrite)
	if err != nil {
		t.Fatalf("ApplyServerTask(Overwrite) failed: %v", err)
	}
	if !applied {
		t.Error("Overwrite was skipped")
	}
	if got := mustGetTask(t, db, local.ClientID); got.Title != "Server edit" || got.SyncStatus != schema.StatusSynced {
		t.Errorf("after overwrite: %q %s, want 'Server edit' synced", got.Title, got.SyncStatus)
	}
}

func TestApplyServer_RelinksReferences(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	now := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)

	// The child arrives first and only knows integer ids.
	child := serverTask("child", 11, "Child", now)
	child.ParentTaskID = int64Ptr(10)
	child.TabID = int64Ptr(3)
	child.Depth = 1
	if _, err := db.ApplyServerTask(ctx, child, PreserveLocal); err != nil {
		t.Fatalf("ApplyServerTask(child) failed: %v", err)
	}
	if _, err := db.ApplyServerTask(ctx, serverTask("parent", 10, "Parent", now), PreserveLocal); err != nil {
		t.Fatalf("ApplyServerTask(parent) failed: %v", err)
	}
	tab := &schema.Tab{ID: int64Ptr(3), ClientID: "tab-1", Name: "Work", TabType: schema.TabCustom, CreatedAt: now, UpdatedAt: now}
	if _, err := db.ApplyServerTab(ctx, tab, PreserveLocal); err != nil {
		t.Fatalf("ApplyServerTab() failed: %v", err)
	}

	got := mustGetTask(t, db, "child")
	if got.ParentClientID != "parent" {
		t.Errorf("ParentClientID = %q, want 'parent'", got.ParentClientID)
	}
	if got.TabClientID != "tab-1" {
		t.Errorf("TabClientID = %q, want 'tab-1'", got.TabClientID)
	}

	// The completion cascade now reaches the pulled parent.
	if _, err := db.CompleteTask(ctx, "child", true); err != nil {
		t.Fatalf("CompleteTask() failed: %v", err)
	}
	if !mustGetTask(t, db, "parent").IsCompleted {
		t.Error("relinked parent did not auto-complete")
	}
}

func TestAssignServerID(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	tab, err := db.CreateTab(ctx, "Work")
	if err != nil {
		t.Fatalf("CreateTab() failed: %v", err)
	}
	parent, err := db.CreateTask(ctx, schema.TaskInput{Title: "Parent", TabClientID: tab.ClientID})
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	child, err := db.CreateTask(ctx, schema.TaskInput{Title: "Child", ParentClientID: parent.ClientID})
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	if child.ParentTaskID != nil || child.TabID != nil {
		t.Fatal("integer references should be unknown before the first push")
	}

	if err := db.AssignServerID(ctx, schema.EntityTab, tab.ClientID, 5); err != nil {
		t.Fatalf("AssignServerID(tab) failed: %v", err)
	}
	if err := db.AssignServerID(ctx, schema.EntityTask, parent.ClientID, 100); err != nil {
		t.Fatalf("AssignServerID(task) failed: %v", err)
	}

	got := mustGetTask(t, db, child.ClientID)
	if got.ParentTaskID == nil || *got.ParentTaskID != 100 {
		t.Errorf("ParentTaskID = %v, want 100", got.ParentTaskID)
	}
	if got.TabID == nil || *got.TabID != 5 {
		t.Errorf("TabID = %v, want 5", got.TabID)
	}
	// Relinking is bookkeeping, not a user edit.
	if !got.UpdatedAt.Equal(child.UpdatedAt) {
		t.Errorf("UpdatedAt changed from %v to %v", child.UpdatedAt, got.UpdatedAt)
	}

	if err := db.AssignServerID(ctx, schema.EntityTask, "missing", 1); !errors.Is(err, schema.ErrNotFound) {
		t.Errorf("AssignServerID(missing) error = %v, want ErrNotFound", err)
	}
}

func TestMarkPushed_GuardsConcurrentEdit(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	task, err := db.CreateTask(ctx, schema.TaskInput{Title: "v1"})
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	pushed := task.UpdatedAt

	// Edited after the push was sent.
	title := "v2"
	if _, err := db.UpdateTask(ctx, task.ClientID, schema.TaskPatch{Title: &title}); err != nil {
		t.Fatalf("UpdateTask() failed: %v", err)
	}

	marked, err := db.MarkPushed(ctx, schema.EntityTask, task.ClientID, pushed, pushed)
	if err != nil {
		t.Fatalf("MarkPushed() failed: %v", err)
	}
	if marked {
		t.Error("MarkPushed() marked a row edited mid-push")
	}
	if got := mustGetTask(t, db, task.ClientID); got.SyncStatus != schema.StatusPending {
		t.Errorf("SyncStatus = %s, want pending", got.SyncStatus)
	}

	latest := mustGetTask(t, db, task.ClientID)
	marked, err = db.MarkPushed(ctx, schema.EntityTask, task.ClientID, latest.UpdatedAt, latest.UpdatedAt)
	if err != nil {
		t.Fatalf("MarkPushed() failed: %v", err)
	}
	if !marked {
		t.Error("MarkPushed() did not mark an unchanged row")
	}
}

func TestMarkPushed_SettlesRecordedConflict(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	task, err := db.CreateTask(ctx, schema.TaskInput{Title: "v1"})
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	other, err := db.CreateTask(ctx, schema.TaskInput{Title: "other"})
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	for _, id := range []string{task.ClientID, other.ClientID} {
		if err := db.MarkConflict(ctx, schema.EntityTask, id); err != nil {
			t.Fatalf("MarkConflict() failed: %v", err)
		}
		if err := db.RecordConflict(ctx, schema.ConflictData{HasConflict: true, ClientID: id, EntityType: schema.EntityTask}); err != nil {
			t.Fatalf("RecordConflict() failed: %v", err)
		}
	}

	// A later edit makes the row pending again and its push is accepted.
	title := "v2"
	edited, err := db.UpdateTask(ctx, task.ClientID, schema.TaskPatch{Title: &title})
	if err != nil {
		t.Fatalf("UpdateTask() failed: %v", err)
	}
	if edited.SyncStatus != schema.StatusPending {
		t.Fatalf("SyncStatus after edit = %s, want pending", edited.SyncStatus)
	}
	marked, err := db.MarkPushed(ctx, schema.EntityTask, task.ClientID, edited.UpdatedAt, edited.UpdatedAt)
	if err != nil {
		t.Fatalf("MarkPushed() failed: %v", err)
	}
	if !marked {
		t.Fatal("MarkPushed() did not mark the edited row")
	}

	got, err := db.Conflicts(ctx)
	if err != nil {
		t.Fatalf("Conflicts() failed: %v", err)
	}
	if len(got) != 1 || got[0].ClientID != other.ClientID {
		t.Errorf("Conflicts() = %+v, want only %s", got, other.ClientID)
	}
}

func TestApplyServerTask_DerivesDepthFromParent(t *testing.T) {
	now := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		task      func() *schema.Task
		wantDepth int
		wantWarn  string
	}{
		{
			name: "consistent child",
			task: func() *schema.Task {
				c := serverTask("child", 11, "Child", now)
				c.ParentClientID = "parent"
				c.Depth = 1
				return c
			},
			wantDepth: 1,
		},
		{
			name: "child too deep",
			task: func() *schema.Task {
				c := serverTask("child", 11, "Child", now)
				c.ParentClientID = "parent"
				c.Depth = 2
				return c
			},
			wantDepth: 1,
			wantWarn:  "has depth 2 under parent at depth 0",
		},
		{
			name: "child known only by parent id",
			task: func() *schema.Task {
				c := serverTask("child", 11, "Child", now)
				c.ParentTaskID = int64Ptr(10)
				return c
			},
			wantDepth: 1,
			wantWarn:  "has depth 0 under parent at depth 0",
		},
		{
			name: "root with depth",
			task: func() *schema.Task {
				c := serverTask("child", 11, "Child", now)
				c.Depth = 1
				return c
			},
			wantDepth: 0,
			wantWarn:  "has no parent but depth 1",
		},
		{
			name: "open child under completed parent",
			task: func() *schema.Task {
				c := serverTask("child", 11, "Child", now)
				c.ParentClientID = "done"
				c.Depth = 1
				return c
			},
			wantDepth: 1,
			wantWarn:  "is open under completed task done",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			db := newTestDB(t)
			var logs bytes.Buffer
			db.SetLogger(log.New(&logs, "", 0))

			if _, err := db.ApplyServerTask(ctx, serverTask("parent", 10, "Parent", now), PreserveLocal); err != nil {
				t.Fatalf("ApplyServerTask(parent) failed: %v", err)
			}
			done := serverTask("done", 20, "Done", now)
			done.IsCompleted = true
			done.CompletedAt = &now
			if _, err := db.ApplyServerTask(ctx, done, PreserveLocal); err != nil {
				t.Fatalf("ApplyServerTask(done) failed: %v", err)
			}

			if _, err := db.ApplyServerTask(ctx, tt.task(), PreserveLocal); err != nil {
				t.Fatalf("ApplyServerTask() failed: %v", err)
			}
			if got := mustGetTask(t, db, "child"); got.Depth != tt.wantDepth {
				t.Errorf("Depth = %d, want %d", got.Depth, tt.wantDepth)
			}

			out := logs.String()
			if tt.wantWarn == "" {
				if out != "" {
					t.Errorf("unexpected log output: %q", out)
				}
				return
			}
			if !strings.Contains(out, "WARNING:") || !strings.Contains(out, tt.wantWarn) {
				t.Errorf("log = %q, want a WARNING containing %q", out, tt.wantWarn)
			}
		})
	}
}

func TestApplyServerTask_ShiftsMirroredChildren(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	db.SetLogger(log.New(&bytes.Buffer{}, "", 0))
	now := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)

	child := serverTask("child", 11, "Child", now)
	child.ParentClientID = "parent"
	child.Depth = 1
	for _, task := range []*schema.Task{
		serverTask("parent", 10, "Parent", now),
		serverTask("other", 12, "Other", now),
		child,
	} {
		if _, err := db.ApplyServerTask(ctx, task, PreserveLocal); err != nil {
			t.Fatalf("ApplyServerTask(%s) failed: %v", task.ClientID, err)
		}
	}

	// The parent was moved under another root on the authority.
	moved := serverTask("parent", 10, "Parent", now.Add(time.Minute))
	moved.ParentClientID = "other"
	moved.Depth = 1
	if _, err := db.ApplyServerTask(ctx, moved, PreserveLocal); err != nil {
		t.Fatalf("ApplyServerTask(moved) failed: %v", err)
	}

	if got := mustGetTask(t, db, "parent"); got.Depth != 1 {
		t.Errorf("parent depth = %d, want 1", got.Depth)
	}
	got := mustGetTask(t, db, "child")
	if got.Depth != 2 {
		t.Errorf("child depth = %d, want 2", got.Depth)
	}
	if got.SyncStatus != schema.StatusSynced {
		t.Errorf("child status = %s, want synced", got.SyncStatus)
	}
}

func TestConflictLedger(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	first := schema.ConflictData{HasConflict: true, ClientID: "t1", EntityType: schema.EntityTab, ServerData: json.RawMessage(`{"name":"v1"}`)}
	second := schema.ConflictData{HasConflict: true, ClientID: "c9", EntityType: schema.EntityTask}
	replaced := first
	replaced.ServerData = json.RawMessage(`{"name":"v2"}`)

	for _, c := range []schema.ConflictData{first, second, replaced} {
		if err := db.RecordConflict(ctx, c); err != nil {
			t.Fatalf("RecordConflict(%s) failed: %v", c.ClientID, err)
		}
	}

	got, err := db.Conflicts(ctx)
	if err != nil {
		t.Fatalf("Conflicts() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Conflicts() returned %d, want 2", len(got))
	}
	var t1 *schema.ConflictData
	for i := range got {
		if got[i].ClientID == "t1" {
			t1 = &got[i]
		}
	}
	if t1 == nil || string(t1.ServerData) != `{"name":"v2"}` {
		t.Errorf("t1 verdict = %+v, want the replaced one", t1)
	}

	if err := db.ClearConflict(ctx, schema.EntityTab, "t1"); err != nil {
		t.Fatalf("ClearConflict() failed: %v", err)
	}
	if err := db.ClearConflict(ctx, schema.EntityTab, "t1"); err != nil {
		t.Errorf("ClearConflict() twice failed: %v", err)
	}
	got, err = db.Conflicts(ctx)
	if err != nil {
		t.Fatalf("Conflicts() failed: %v", err)
	}
	if len(got) != 1 || got[0].ClientID != "c9" {
		t.Errorf("Conflicts() after clear = %+v, want only c9", got)
	}
}

func TestMetadata(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	md, err := db.Metadata(ctx)
	if err != nil {
		t.Fatalf("Metadata() failed: %v", err)
	}
	if md.DeviceID == "" {
		t.Error("DeviceID is empty")
	}
	if md.LastSyncAt != nil {
		t.Errorf("LastSyncAt = %v before first pull, want nil", md.LastSyncAt)
	}

	mark := time.Date(2026, 3, 10, 7, 0, 0, 123, time.UTC)
	if err := db.SetLastSyncAt(ctx, mark); err != nil {
		t.Fatalf("SetLastSyncAt() failed: %v", err)
	}
	again, err := db.Metadata(ctx)
	if err != nil {
		t.Fatalf("Metadata() failed: %v", err)
	}
	if again.DeviceID != md.DeviceID {
		t.Errorf("DeviceID changed from %q to %q", md.DeviceID, again.DeviceID)
	}
	if again.LastSyncAt == nil || !again.LastSyncAt.Equal(mark) {
		t.Errorf("LastSyncAt = %v, want %v", again.LastSyncAt, mark)
	}
}
