package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tasksync/tasksync/internal/mirror/authority"
	"github.com/tasksync/tasksync/internal/mirror/db"
	"github.com/tasksync/tasksync/internal/mirror/schema"
)

// divergedPair sets up two devices sharing the given tabs, then has device 2
// rename each one at a later time than device 1 does. Device 1 has not
// synced its renames yet.
type divergedPair struct {
	srv    *authority.Server
	clock1 *testClock
	store1 *db.DB
	store2 *db.DB
	e1     *Engine
	e2     *Engine
	tabs   []string
}

func newDivergedPair(t *testing.T, names ...string) *divergedPair {
	t.Helper()
	ctx := context.Background()
	srv, client := newTestAuthority(t)
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.Local)

	p := &divergedPair{srv: srv, clock1: newClock(base)}
	p.store1 = newStore(t, p.clock1)
	p.store2 = newStore(t, newClock(base.Add(20*time.Minute)))
	p.e1 = newEngine(t, p.store1, client, Config{})
	p.e2 = newEngine(t, p.store2, client, Config{})

	for _, name := range names {
		tab, err := p.store1.CreateTab(ctx, name)
		if err != nil {
			t.Fatalf("CreateTab() failed: %v", err)
		}
		p.tabs = append(p.tabs, tab.ClientID)
	}
	mustSync(t, p.e1)
	mustSync(t, p.e2)

	for i, id := range p.tabs {
		renamed := names[i] + " (device 2)"
		if _, err := p.store2.UpdateTab(ctx, id, schema.TabPatch{Name: &renamed}); err != nil {
			t.Fatalf("UpdateTab() on device 2 failed: %v", err)
		}
	}
	mustSync(t, p.e2)

	for i, id := range p.tabs {
		renamed := names[i] + " (device 1)"
		if _, err := p.store1.UpdateTab(ctx, id, schema.TabPatch{Name: &renamed}); err != nil {
			t.Fatalf("UpdateTab() on device 1 failed: %v", err)
		}
	}
	return p
}

func TestSync_ConflictThenKeepServer(t *testing.T) {
	ctx := context.Background()
	p := newDivergedPair(t, "Inbox")
	t1 := p.tabs[0]

	var published [][]schema.ConflictData
	p.e1.Subscribe(func(ev Event) {
		if len(ev.Conflicts) > 0 {
			published = append(published, ev.Conflicts)
		}
	})

	result := mustSync(t, p.e1)
	if len(result.Conflicts) != 1 || result.Conflicts[0].ClientID != t1 {
		t.Fatalf("Sync() conflicts = %+v, want t1", result.Conflicts)
	}
	if result.Preserved != 1 {
		t.Errorf("Preserved = %d, want the pending local edit kept through the pull", result.Preserved)
	}
	if len(published) == 0 {
		t.Fatal("conflict set was not published to listeners")
	}

	server, err := result.Conflicts[0].ServerTab()
	if err != nil {
		t.Fatalf("ServerTab() failed: %v", err)
	}
	if server.Name != "Inbox (device 2)" {
		t.Errorf("server_data name = %q, want device 2's version", server.Name)
	}

	tab, err := p.store1.GetTab(ctx, t1)
	if err != nil {
		t.Fatalf("GetTab() failed: %v", err)
	}
	if tab.SyncStatus != schema.StatusConflict || tab.Name != "Inbox (device 1)" {
		t.Errorf("local tab = %q/%s, want local edit in conflict", tab.Name, tab.SyncStatus)
	}

	if err := p.e1.Resolve(ctx, schema.EntityTab, t1, schema.KeepServer); err != nil {
		t.Fatalf("Resolve(keep_server) failed: %v", err)
	}

	tab, err = p.store1.GetTab(ctx, t1)
	if err != nil {
		t.Fatalf("GetTab() failed: %v", err)
	}
	authoritative, _ := p.srv.Tab(t1)
	if tab.Name != authoritative.Name || tab.SyncStatus != schema.StatusSynced {
		t.Errorf("after keep_server local = %q/%s, want %q/synced", tab.Name, tab.SyncStatus, authoritative.Name)
	}
	if tab.ServerUpdatedAt == nil || !tab.ServerUpdatedAt.Equal(authoritative.UpdatedAt) {
		t.Errorf("server_updated_at = %v, want %v", tab.ServerUpdatedAt, authoritative.UpdatedAt)
	}
	if n := len(p.e1.Conflicts()); n != 0 {
		t.Errorf("%d conflicts still pending", n)
	}

	// Nothing left to push.
	if result := mustSync(t, p.e1); result.Pushed != 0 || len(result.Conflicts) != 0 {
		t.Errorf("follow-up Sync() = %+v, want a quiet cycle", result)
	}
}

// assertConflictsMatchLedger checks that every entity in the engine's
// pending-conflict set is still in conflict locally and that the set matches
// the persisted ledger.
func assertConflictsMatchLedger(t *testing.T, e *Engine, store *db.DB) {
	t.Helper()
	ctx := context.Background()
	pending := e.Conflicts()
	for _, c := range pending {
		var status schema.SyncStatus
		switch c.EntityType {
		case schema.EntityTab:
			tab, err := store.GetTab(ctx, c.ClientID)
			if err != nil {
				t.Fatalf("GetTab() failed: %v", err)
			}
			status = tab.SyncStatus
		default:
			task, err := store.GetTask(ctx, c.ClientID)
			if err != nil {
				t.Fatalf("GetTask() failed: %v", err)
			}
			status = task.SyncStatus
		}
		if status != schema.StatusConflict {
			t.Errorf("%s %s is listed as a conflict but is %s", c.EntityType, c.ClientID, status)
		}
	}
	ledger, err := store.Conflicts(ctx)
	if err != nil {
		t.Fatalf("Conflicts() failed: %v", err)
	}
	if len(ledger) != len(pending) {
		t.Errorf("ledger holds %d conflicts, engine holds %d", len(ledger), len(pending))
	}
}

func TestSync_AcceptedPushSettlesConflict(t *testing.T) {
	ctx := context.Background()
	p := newDivergedPair(t, "Inbox")
	t1 := p.tabs[0]

	if result := mustSync(t, p.e1); len(result.Conflicts) != 1 {
		t.Fatalf("Sync() conflicts = %d, want 1", len(result.Conflicts))
	}
	assertConflictsMatchLedger(t, p.e1, p.store1)

	var published []int
	p.e1.Subscribe(func(ev Event) { published = append(published, len(ev.Conflicts)) })

	// A later local edit moves the row from conflict back to pending.
	p.clock1.Advance(time.Hour)
	edited := "Inbox (device 1, edited again)"
	if _, err := p.store1.UpdateTab(ctx, t1, schema.TabPatch{Name: &edited}); err != nil {
		t.Fatalf("UpdateTab() failed: %v", err)
	}
	tab, err := p.store1.GetTab(ctx, t1)
	if err != nil {
		t.Fatalf("GetTab() failed: %v", err)
	}
	if tab.SyncStatus != schema.StatusPending {
		t.Fatalf("status after edit = %s, want pending", tab.SyncStatus)
	}

	result := mustSync(t, p.e1)
	if result.Pushed != 1 || len(result.Conflicts) != 0 {
		t.Fatalf("Sync() = %+v, want the edit accepted", result)
	}
	if n := len(p.e1.Conflicts()); n != 0 {
		t.Errorf("Conflicts() = %d after the accepted push, want 0", n)
	}
	ledger, err := p.store1.Conflicts(ctx)
	if err != nil {
		t.Fatalf("Conflicts() failed: %v", err)
	}
	if len(ledger) != 0 {
		t.Errorf("ledger = %+v, want empty", ledger)
	}
	if len(published) == 0 || published[len(published)-1] != 0 {
		t.Errorf("published conflict counts = %v, want a final empty set", published)
	}

	// Reopening the mirror does not resurrect the settled conflict.
	restarted := newEngine(t, p.store1, p.e1.remote, Config{})
	if n := len(restarted.Conflicts()); n != 0 {
		t.Errorf("restarted engine conflicts = %d, want 0", n)
	}

	// Choosing the server copy now re-pulls the authority's current version.
	if err := p.e1.Resolve(ctx, schema.EntityTab, t1, schema.KeepServer); err != nil {
		t.Fatalf("Resolve(keep_server) failed: %v", err)
	}
	local, err := p.store1.GetTab(ctx, t1)
	if err != nil {
		t.Fatalf("GetTab() failed: %v", err)
	}
	server, _ := p.srv.Tab(t1)
	if local.Name != server.Name || local.Name != edited || local.SyncStatus != schema.StatusSynced {
		t.Errorf("local = %q/%s, authority = %q, want both %q synced", local.Name, local.SyncStatus, server.Name, edited)
	}
}

func TestResolve_KeepServerUsesCurrentAuthorityCopy(t *testing.T) {
	ctx := context.Background()
	p := newDivergedPair(t, "Inbox")
	t1 := p.tabs[0]
	mustSync(t, p.e1)

	// Device 2 edits again after the verdict was recorded.
	later := "Inbox (device 2, later)"
	if _, err := p.store2.UpdateTab(ctx, t1, schema.TabPatch{Name: &later}); err != nil {
		t.Fatalf("UpdateTab() on device 2 failed: %v", err)
	}
	mustSync(t, p.e2)

	if err := p.e1.Resolve(ctx, schema.EntityTab, t1, schema.KeepServer); err != nil {
		t.Fatalf("Resolve(keep_server) failed: %v", err)
	}
	tab, err := p.store1.GetTab(ctx, t1)
	if err != nil {
		t.Fatalf("GetTab() failed: %v", err)
	}
	if tab.Name != later || tab.SyncStatus != schema.StatusSynced {
		t.Errorf("local tab = %q/%s, want %q synced", tab.Name, tab.SyncStatus, later)
	}
	assertConflictsMatchLedger(t, p.e1, p.store1)
}

func TestResolve_KeepClient(t *testing.T) {
	ctx := context.Background()
	p := newDivergedPair(t, "Inbox")
	t1 := p.tabs[0]
	mustSync(t, p.e1)

	if err := p.e1.Resolve(ctx, schema.EntityTab, t1, schema.KeepClient); err != nil {
		t.Fatalf("Resolve(keep_client) failed: %v", err)
	}

	if tab, _ := p.srv.Tab(t1); tab.Name != "Inbox (device 1)" {
		t.Errorf("authority name = %q, want device 1's version", tab.Name)
	}
	tab, err := p.store1.GetTab(ctx, t1)
	if err != nil {
		t.Fatalf("GetTab() failed: %v", err)
	}
	if tab.SyncStatus != schema.StatusSynced {
		t.Errorf("local status = %s, want synced", tab.SyncStatus)
	}

	// Device 2 converges on its next cycle.
	mustSync(t, p.e2)
	replica, err := p.store2.GetTab(ctx, t1)
	if err != nil {
		t.Fatalf("GetTab() on device 2 failed: %v", err)
	}
	if replica.Name != "Inbox (device 1)" {
		t.Errorf("device 2 name = %q, want device 1's version", replica.Name)
	}
}

func TestResolve_RemovesOnlyThatEntity(t *testing.T) {
	ctx := context.Background()
	p := newDivergedPair(t, "Home", "Work")
	mustSync(t, p.e1)

	if n := len(p.e1.Conflicts()); n != 2 {
		t.Fatalf("Conflicts() = %d, want 2", n)
	}
	if err := p.e1.Resolve(ctx, schema.EntityTab, p.tabs[0], schema.KeepServer); err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}

	remaining := p.e1.Conflicts()
	if len(remaining) != 1 || remaining[0].ClientID != p.tabs[1] {
		t.Fatalf("Conflicts() = %+v, want only %s", remaining, p.tabs[1])
	}

	// The ledger survives a restart.
	restarted := newEngine(t, p.store1, p.e1.remote, Config{})
	loaded := restarted.Conflicts()
	if len(loaded) != 1 || loaded[0].ClientID != p.tabs[1] {
		t.Errorf("restarted engine conflicts = %+v, want only %s", loaded, p.tabs[1])
	}
	if len(loaded[0].ServerData) == 0 {
		t.Error("ledger lost server_data")
	}
}

func TestResolve_KeepServerWithoutServerData(t *testing.T) {
	ctx := context.Background()
	p := newDivergedPair(t, "Inbox")
	t1 := p.tabs[0]

	// Flag the local edit as conflicted without a recorded verdict.
	if err := p.store1.MarkConflict(ctx, schema.EntityTab, t1); err != nil {
		t.Fatalf("MarkConflict() failed: %v", err)
	}

	if err := p.e1.Resolve(ctx, schema.EntityTab, t1, schema.KeepServer); err != nil {
		t.Fatalf("Resolve(keep_server) failed: %v", err)
	}
	tab, err := p.store1.GetTab(ctx, t1)
	if err != nil {
		t.Fatalf("GetTab() failed: %v", err)
	}
	if tab.Name != "Inbox (device 2)" || tab.SyncStatus != schema.StatusSynced {
		t.Errorf("local tab = %q/%s, want device 2's version synced", tab.Name, tab.SyncStatus)
	}
}

func TestResolve_Errors(t *testing.T) {
	_, client := newTestAuthority(t)
	e := newEngine(t, newStore(t, newClock(time.Now())), client, Config{})
	ctx := context.Background()

	tests := []struct {
		name       string
		kind       schema.EntityType
		clientID   string
		resolution schema.Resolution
		want       error
	}{
		{"unknown entity", schema.EntityTask, "missing", schema.KeepServer, schema.ErrNotFound},
		{"bad kind", "note", "x", schema.KeepServer, schema.ErrInvalidEntity},
		{"bad resolution", schema.EntityTab, "x", "merge", schema.ErrInvalidEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.Resolve(ctx, tt.kind, tt.clientID, tt.resolution)
			if !errors.Is(err, tt.want) {
				t.Errorf("Resolve() error = %v, want %v", err, tt.want)
			}
		})
	}
}
