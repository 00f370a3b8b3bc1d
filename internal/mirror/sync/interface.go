package sync

import (
	"context"
	"time"

	"github.com/tasksync/tasksync/internal/mirror/schema"
)

// State is the orchestrator's position in its state machine.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateError   State = "error"
)

// Authority is the remote side of the sync protocol. *remote.Client
// implements it.
type Authority interface {
	Pull(ctx context.Context, req schema.PullRequest) (*schema.PullResponse, error)
	Push(ctx context.Context, req schema.PushRequest) (*schema.ConflictData, error)
	BatchPush(ctx context.Context, reqs []schema.PushRequest) (*schema.BatchPushResponse, error)
	Resolve(ctx context.Context, req schema.ResolveRequest) (*schema.ResolveResponse, error)
}

// Event is delivered to listeners whenever the state or the pending-conflict
// set changes. Conflicts is always the full current set.
type Event struct {
	State     State
	Err       error
	Conflicts []schema.ConflictData
}

// Listener receives events. It must not call back into Sync or Resolve.
type Listener func(Event)

// Result summarizes one sync cycle.
type Result struct {
	// Skipped is set when another cycle was already running.
	Skipped bool

	PulledTabs  int
	PulledTasks int

	// Preserved counts pulled entities left alone because they carry
	// unpushed local edits.
	Preserved int

	Pushed    int
	Conflicts []schema.ConflictData

	// Watermark is the authority timestamp stored after the pull.
	Watermark time.Time
}

// Orchestrator is the contract the daemon, dashboard and backends rely on.
//
// Sync runs one pull-then-push cycle. It returns immediately with
// Result.Skipped when a cycle is already running. A network failure aborts
// the cycle and moves the orchestrator to StateError; whatever was already
// applied is kept, and the next Sync retries a full cycle.
//
// Resolve applies a decision for one conflicted entity and removes only that
// entity from the pending-conflict set. It fails with
// schema.ErrSyncInProgress while a cycle is running.
//
// Subscribe registers a listener and returns its unsubscribe function.
// Close drops every listener; later Sync calls fail with ErrClosed.
type Orchestrator interface {
	Sync(ctx context.Context) (*Result, error)
	Resolve(ctx context.Context, kind schema.EntityType, clientID string, resolution schema.Resolution) error
	State() State
	LastError() error
	Conflicts() []schema.ConflictData
	Subscribe(fn Listener) (unsubscribe func())
	Close() error
}

var _ Orchestrator = (*Engine)(nil)
