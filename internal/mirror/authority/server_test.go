package authority

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/tasksync/tasksync/internal/mirror/schema"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return New(Config{Token: "secret", Logger: log.New(io.Discard, "", 0)})
}

// call performs one authenticated JSON request against s.
func call(t *testing.T, s *Server, method, path string, body, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if out != nil && rec.Code < 300 {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, rec.Body.String())
		}
	}
	return rec.Code
}

func pushTab(t *testing.T, s *Server, clientID, name string, at time.Time) schema.ConflictData {
	t.Helper()
	data, err := json.Marshal(&schema.Tab{ClientID: clientID, Name: name, TabType: schema.TabCustom, CreatedAt: at, UpdatedAt: at})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var result schema.ConflictData
	code := call(t, s, http.MethodPost, "/sync/push", schema.PushRequest{
		DeviceID: "d", ClientID: clientID, EntityType: schema.EntityTab, Data: data, ClientUpdatedAt: at,
	}, &result)
	if code != http.StatusOK {
		t.Fatalf("push %s: HTTP %d", clientID, code)
	}
	return result
}

func TestAuth(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/tabs", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("/health status = %d, want 200", rec.Code)
	}
}

func TestPush_ConflictRule(t *testing.T) {
	s := newTestServer(t)
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)
	t2 := t0.Add(2 * time.Hour)

	first := pushTab(t, s, "t1", "Inbox", t0)
	if first.HasConflict || first.EntityID == nil {
		t.Fatalf("first push = %+v, want accepted with an id", first)
	}

	// Same timestamp again: never a conflict.
	if again := pushTab(t, s, "t1", "Inbox", t0); again.HasConflict {
		t.Error("push with the last-seen timestamp reported a conflict")
	}

	// Device 2 edits at T2; device 1's older edit at T1 conflicts.
	if r := pushTab(t, s, "t1", "Inbox (device 2)", t2); r.HasConflict {
		t.Fatal("newer push reported a conflict")
	}
	stale := pushTab(t, s, "t1", "Inbox (device 1)", t1)
	if !stale.HasConflict {
		t.Fatal("older push did not report a conflict")
	}
	server, err := stale.ServerTab()
	if err != nil {
		t.Fatalf("ServerTab() failed: %v", err)
	}
	if server.Name != "Inbox (device 2)" {
		t.Errorf("server_data name = %q, want device 2's version", server.Name)
	}
	if stale.ServerUpdatedAt == nil || !stale.ServerUpdatedAt.Equal(t2) {
		t.Errorf("server_updated_at = %v, want %v", stale.ServerUpdatedAt, t2)
	}
	if *stale.EntityID != *first.EntityID {
		t.Errorf("entity id changed from %d to %d", *first.EntityID, *stale.EntityID)
	}

	if tab, _ := s.Tab("t1"); tab.Name != "Inbox (device 2)" {
		t.Errorf("authority copy = %q, conflicting push must not apply", tab.Name)
	}
}

func TestPull_Watermark(t *testing.T) {
	s := newTestServer(t)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	pushTab(t, s, "a", "A", at)

	var full schema.PullResponse
	if code := call(t, s, http.MethodPost, "/sync/pull", schema.PullRequest{DeviceID: "d"}, &full); code != http.StatusOK {
		t.Fatalf("pull: HTTP %d", code)
	}
	if len(full.Tabs) != 1 {
		t.Fatalf("full pull returned %d tabs, want 1", len(full.Tabs))
	}

	pushTab(t, s, "b", "B", at)

	var incremental schema.PullResponse
	call(t, s, http.MethodPost, "/sync/pull", schema.PullRequest{DeviceID: "d", LastSyncAt: &full.SyncTimestamp}, &incremental)
	if len(incremental.Tabs) != 1 || incremental.Tabs[0].ClientID != "b" {
		t.Errorf("incremental pull = %+v, want only b", incremental.Tabs)
	}
	if !incremental.SyncTimestamp.After(full.SyncTimestamp) {
		t.Error("sync_timestamp did not advance")
	}
}

func TestBatchPush(t *testing.T) {
	s := newTestServer(t)
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	pushTab(t, s, "old", "Old", t0.Add(time.Hour))

	mk := func(clientID, name string, at time.Time) schema.PushRequest {
		data, _ := json.Marshal(&schema.Tab{ClientID: clientID, Name: name, TabType: schema.TabCustom, CreatedAt: at, UpdatedAt: at})
		return schema.PushRequest{DeviceID: "d", ClientID: clientID, EntityType: schema.EntityTab, Data: data, ClientUpdatedAt: at}
	}

	var resp schema.BatchPushResponse
	call(t, s, http.MethodPost, "/sync/batch-push", []schema.PushRequest{
		mk("new-1", "One", t0),
		mk("old", "Stale", t0),
		mk("new-2", "Two", t0),
	}, &resp)

	if resp.SyncedCount != 2 || len(resp.SyncedIDs) != 2 {
		t.Errorf("synced = %d %v, want 2", resp.SyncedCount, resp.SyncedIDs)
	}
	if len(resp.Conflicts) != 1 || resp.Conflicts[0].ClientID != "old" {
		t.Errorf("conflicts = %+v, want only 'old'", resp.Conflicts)
	}
}

func TestResolve_KeepClient(t *testing.T) {
	s := newTestServer(t)
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	pushTab(t, s, "t1", "Server", t0.Add(time.Hour))

	clientData, _ := json.Marshal(&schema.Tab{ClientID: "t1", Name: "Client", TabType: schema.TabCustom, CreatedAt: t0, UpdatedAt: t0})
	var resp schema.ResolveResponse
	code := call(t, s, http.MethodPost, "/sync/resolve", schema.ResolveRequest{
		ClientID: "t1", EntityType: schema.EntityTab, Resolution: schema.KeepClient, ClientData: clientData,
	}, &resp)
	if code != http.StatusOK || !resp.Success {
		t.Fatalf("resolve: HTTP %d %+v", code, resp)
	}
	if resp.ServerUpdatedAt == nil {
		t.Error("resolve did not report server_updated_at")
	}
	if tab, _ := s.Tab("t1"); tab.Name != "Client" {
		t.Errorf("authority copy = %q, want 'Client'", tab.Name)
	}

	if code := call(t, s, http.MethodPost, "/sync/resolve", schema.ResolveRequest{
		ClientID: "t1", EntityType: schema.EntityTab, Resolution: "merge",
	}, nil); code != http.StatusBadRequest {
		t.Errorf("unknown resolution status = %d, want 400", code)
	}
}

func TestREST_TaskHierarchy(t *testing.T) {
	s := newTestServer(t)

	var a, b, c schema.Task
	call(t, s, http.MethodPost, "/tasks", schema.TaskCreate{ClientID: "a", Title: "A"}, &a)
	call(t, s, http.MethodPost, "/tasks", schema.TaskCreate{ClientID: "b", Title: "B", ParentTaskID: a.ID}, &b)
	call(t, s, http.MethodPost, "/tasks", schema.TaskCreate{ClientID: "c", Title: "C", ParentTaskID: b.ID}, &c)
	if c.Depth != 2 || c.ParentClientID != "b" {
		t.Fatalf("C depth=%d parent=%q", c.Depth, c.ParentClientID)
	}

	if code := call(t, s, http.MethodPost, "/tasks", schema.TaskCreate{ClientID: "d", Title: "D", ParentTaskID: c.ID}, nil); code != http.StatusBadRequest {
		t.Errorf("depth-3 create status = %d, want 400", code)
	}

	path := "/tasks/" + itoa(*c.ID) + "/complete"
	call(t, s, http.MethodPut, path, schema.TaskComplete{IsCompleted: true}, nil)
	for _, id := range []string{"a", "b", "c"} {
		if task, _ := s.Task(id); !task.IsCompleted {
			t.Errorf("%s not completed after completing c", id)
		}
	}

	call(t, s, http.MethodDelete, "/tasks/"+itoa(*a.ID), nil, nil)
	var all []*schema.Task
	call(t, s, http.MethodGet, "/tasks/all", nil, &all)
	if len(all) != 0 {
		t.Errorf("/tasks/all returned %d tasks after deleting the root, want 0", len(all))
	}
}

func TestREST_Tabs(t *testing.T) {
	s := newTestServer(t)

	var tab schema.Tab
	if code := call(t, s, http.MethodPost, "/tabs", schema.TabCreate{Name: "Work"}, &tab); code != http.StatusOK {
		t.Fatalf("create tab: HTTP %d", code)
	}
	if tab.ID == nil || tab.ClientID == "" {
		t.Fatalf("created tab = %+v, want ids", tab)
	}

	var task schema.Task
	call(t, s, http.MethodPost, "/tasks", schema.TaskCreate{ClientID: "x", Title: "X"}, &task)
	call(t, s, http.MethodPut, "/tasks/"+itoa(*task.ID)+"/move?new_tab_id="+itoa(*tab.ID), nil, &task)
	if task.TabClientID != tab.ClientID {
		t.Errorf("moved task TabClientID = %q, want %q", task.TabClientID, tab.ClientID)
	}

	var inTab []*schema.Task
	call(t, s, http.MethodGet, "/tasks/tab/"+itoa(*tab.ID), nil, &inTab)
	if len(inTab) != 1 {
		t.Errorf("/tasks/tab returned %d tasks, want 1", len(inTab))
	}

	if code := call(t, s, http.MethodDelete, "/tabs/999", nil, nil); code != http.StatusNotFound {
		t.Errorf("delete missing tab status = %d, want 404", code)
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
