package backend

import (
	"context"
	"log"

	"github.com/tasksync/tasksync/internal/mirror/daemon"
	"github.com/tasksync/tasksync/internal/mirror/db"
	"github.com/tasksync/tasksync/internal/mirror/schema"
)

// Local serves the API from the mirror. Mutations are marked pending by the
// store; a running daemon is nudged through the change signal.
type Local struct {
	store      *db.DB
	signalPath string
	logger     *log.Logger
}

var _ Backend = (*Local)(nil)

// NewLocal wraps store. signalPath may be empty.
func NewLocal(store *db.DB, signalPath string, logger *log.Logger) *Local {
	return &Local{store: store, signalPath: signalPath, logger: logger}
}

// Store returns the underlying mirror.
func (l *Local) Store() *db.DB {
	return l.store
}

func (l *Local) Offline() bool { return true }

func (l *Local) Tabs(ctx context.Context) ([]*schema.Tab, error) {
	return l.store.AllTabs(ctx)
}

func (l *Local) CreateTab(ctx context.Context, name string) (*schema.Tab, error) {
	tab, err := l.store.CreateTab(ctx, name)
	return tab, l.changed(err)
}

func (l *Local) UpdateTab(ctx context.Context, clientID string, patch schema.TabPatch) (*schema.Tab, error) {
	tab, err := l.store.UpdateTab(ctx, clientID, patch)
	return tab, l.changed(err)
}

func (l *Local) DeleteTab(ctx context.Context, clientID string) error {
	return l.changed(l.store.DeleteTab(ctx, clientID))
}

func (l *Local) TasksByTab(ctx context.Context, tabClientID *string) ([]*schema.Task, error) {
	return l.store.TasksByTab(ctx, tabClientID)
}

func (l *Local) TodayTasks(ctx context.Context) ([]*schema.Task, error) {
	return l.store.TasksDueToday(ctx)
}

func (l *Local) CreateTask(ctx context.Context, in schema.TaskInput) (*schema.Task, error) {
	task, err := l.store.CreateTask(ctx, in)
	return task, l.changed(err)
}

func (l *Local) UpdateTask(ctx context.Context, clientID string, patch schema.TaskPatch) (*schema.Task, error) {
	task, err := l.store.UpdateTask(ctx, clientID, patch)
	return task, l.changed(err)
}

func (l *Local) MoveTask(ctx context.Context, clientID, tabClientID string) (*schema.Task, error) {
	task, err := l.store.MoveTask(ctx, clientID, tabClientID)
	return task, l.changed(err)
}

func (l *Local) CompleteTask(ctx context.Context, clientID string, completed bool) (*schema.Task, error) {
	task, err := l.store.CompleteTask(ctx, clientID, completed)
	return task, l.changed(err)
}

func (l *Local) DeleteTask(ctx context.Context, clientID string) error {
	return l.changed(l.store.DeleteTask(ctx, clientID))
}

// changed touches the change signal after a successful mutation. A failed
// touch only delays replication until the next timer sync.
func (l *Local) changed(err error) error {
	if err != nil || l.signalPath == "" {
		return err
	}
	if terr := daemon.Touch(l.signalPath); terr != nil {
		l.logger.Printf("WARNING: failed to signal change: %v", terr)
	}
	return nil
}
