package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tasksync/tasksync/internal/mirror/authority"
	"github.com/tasksync/tasksync/internal/mirror/schema"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL, Token: "secret", Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return c
}

func newAuthority() *authority.Server {
	return authority.New(authority.Config{Token: "secret", Logger: log.New(io.Discard, "", 0)})
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		wantErr bool
	}{
		{"http", "http://localhost:8000", false},
		{"https with trailing slash", "https://sync.example.com/", false},
		{"empty", "", true},
		{"no scheme", "localhost:8000", true},
		{"ftp", "ftp://example.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(Config{BaseURL: tt.baseURL})
			if (err != nil) != tt.wantErr {
				t.Fatalf("New(%q) error = %v, wantErr %v", tt.baseURL, err, tt.wantErr)
			}
			if err == nil && c.BaseURL() == "" {
				t.Error("BaseURL() is empty")
			}
		})
	}
}

func TestClient_BearerToken(t *testing.T) {
	var got string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))

	if _, err := c.ListTabs(context.Background()); err != nil {
		t.Fatalf("ListTabs() failed: %v", err)
	}
	if got != "Bearer secret" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer secret")
	}
}

func TestClient_TokenFunc(t *testing.T) {
	srv := httptest.NewServer(newAuthority())
	t.Cleanup(srv.Close)

	c, err := New(Config{
		BaseURL:   srv.URL,
		TokenFunc: func(context.Context) (string, error) { return "", errors.New("keychain locked") },
		Logger:    log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	_, err = c.ListTabs(context.Background())
	if !errors.Is(err, schema.ErrNetworkFailure) {
		t.Errorf("ListTabs() error = %v, want ErrNetworkFailure", err)
	}
}

func TestClient_StatusErrors(t *testing.T) {
	c := newTestClient(t, newAuthority())
	ctx := context.Background()

	err := c.DeleteTab(ctx, 42)
	if !errors.Is(err, schema.ErrNetworkFailure) {
		t.Errorf("DeleteTab() error = %v, want ErrNetworkFailure", err)
	}
	if !errors.Is(err, schema.ErrNotFound) {
		t.Errorf("DeleteTab() error = %v, want ErrNotFound", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Detail != "Tab not found" {
		t.Errorf("StatusError = %+v, want detail 'Tab not found'", se)
	}

	_, err = c.CreateTask(ctx, schema.TaskCreate{Title: ""})
	if !IsStatus(err, http.StatusBadRequest) {
		t.Errorf("CreateTask(empty title) error = %v, want HTTP 400", err)
	}
	if errors.Is(err, schema.ErrNotFound) {
		t.Error("a 400 must not match ErrNotFound")
	}
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(Config{BaseURL: url, Timeout: time.Second, Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	_, err = c.Pull(context.Background(), schema.PullRequest{DeviceID: "d"})
	if !errors.Is(err, schema.ErrNetworkFailure) {
		t.Errorf("Pull() error = %v, want ErrNetworkFailure", err)
	}
}

func TestClient_SyncProtocol(t *testing.T) {
	c := newTestClient(t, newAuthority())
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	tab := &schema.Tab{ClientID: "tab-1", Name: "Work", TabType: schema.TabCustom, CreatedAt: at, UpdatedAt: at}
	data, err := tab.Payload()
	if err != nil {
		t.Fatalf("Payload() failed: %v", err)
	}

	result, err := c.Push(ctx, schema.PushRequest{
		DeviceID: "d", ClientID: tab.ClientID, EntityType: schema.EntityTab, Data: data, ClientUpdatedAt: at,
	})
	if err != nil {
		t.Fatalf("Push() failed: %v", err)
	}
	if result.HasConflict || result.EntityID == nil {
		t.Fatalf("Push() = %+v, want accepted with an id", result)
	}

	stale, err := c.Push(ctx, schema.PushRequest{
		DeviceID: "d", ClientID: tab.ClientID, EntityType: schema.EntityTab, Data: data, ClientUpdatedAt: at.Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("Push(stale) failed: %v", err)
	}
	if !stale.HasConflict {
		t.Error("Push(stale) did not report a conflict")
	}

	pulled, err := c.Pull(ctx, schema.PullRequest{DeviceID: "d"})
	if err != nil {
		t.Fatalf("Pull() failed: %v", err)
	}
	if len(pulled.Tabs) != 1 || pulled.Tabs[0].ClientID != "tab-1" {
		t.Errorf("Pull() tabs = %+v, want tab-1", pulled.Tabs)
	}

	batch, err := c.BatchPush(ctx, []schema.PushRequest{{
		DeviceID: "d", ClientID: "tab-2", EntityType: schema.EntityTab, ClientUpdatedAt: at,
		Data: json.RawMessage(`{"client_id":"tab-2","name":"Home","tab_type":"custom"}`),
	}})
	if err != nil {
		t.Fatalf("BatchPush() failed: %v", err)
	}
	if batch.SyncedCount != 1 {
		t.Errorf("BatchPush() synced %d, want 1", batch.SyncedCount)
	}

	resolved, err := c.Resolve(ctx, schema.ResolveRequest{
		ClientID: "tab-1", EntityType: schema.EntityTab, Resolution: schema.KeepClient, ClientData: data,
	})
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if !resolved.Success || resolved.ServerUpdatedAt == nil {
		t.Errorf("Resolve() = %+v, want success with a timestamp", resolved)
	}
}

func TestClient_REST(t *testing.T) {
	c := newTestClient(t, newAuthority())
	ctx := context.Background()

	tab, err := c.CreateTab(ctx, schema.TabCreate{Name: "Errands"})
	if err != nil {
		t.Fatalf("CreateTab() failed: %v", err)
	}
	name := "Chores"
	if tab, err = c.UpdateTab(ctx, *tab.ID, schema.TabUpdate{Name: &name}); err != nil {
		t.Fatalf("UpdateTab() failed: %v", err)
	}
	if tab.Name != "Chores" {
		t.Errorf("UpdateTab() name = %q, want Chores", tab.Name)
	}

	parent, err := c.CreateTask(ctx, schema.TaskCreate{Title: "Groceries", TabID: tab.ID})
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	child, err := c.CreateTask(ctx, schema.TaskCreate{Title: "Milk", ParentTaskID: parent.ID})
	if err != nil {
		t.Fatalf("CreateTask(child) failed: %v", err)
	}
	if child.Depth != 1 || child.TabID == nil || *child.TabID != *tab.ID {
		t.Errorf("child depth=%d tab=%v, want depth 1 in the parent's tab", child.Depth, child.TabID)
	}

	if _, err := c.CompleteTask(ctx, *child.ID, true); err != nil {
		t.Fatalf("CompleteTask() failed: %v", err)
	}
	all, err := c.AllTasks(ctx)
	if err != nil {
		t.Fatalf("AllTasks() failed: %v", err)
	}
	for _, task := range all {
		if !task.IsCompleted {
			t.Errorf("task %q still open after completing its only child", task.Title)
		}
	}

	moved, err := c.MoveTask(ctx, *parent.ID, nil)
	if err != nil {
		t.Fatalf("MoveTask() failed: %v", err)
	}
	if moved.TabID != nil {
		t.Errorf("MoveTask(nil) tab = %v, want unfiled", *moved.TabID)
	}

	if err := c.DeleteTask(ctx, *parent.ID); err != nil {
		t.Fatalf("DeleteTask() failed: %v", err)
	}
	inTab, err := c.TasksByTab(ctx, *tab.ID)
	if err != nil {
		t.Fatalf("TasksByTab() failed: %v", err)
	}
	if len(inTab) != 0 {
		t.Errorf("TasksByTab() = %d tasks after delete, want 0", len(inTab))
	}
}
