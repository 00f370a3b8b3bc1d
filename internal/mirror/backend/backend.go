// Package backend puts the offline mirror and the online authority behind
// one API, so commands do not care which one is active.
//
// Local reads and writes the SQLite mirror and leaves replication to the
// sync engine. Remote sends every call straight to the authority's REST
// routes. Both address entities by client_id.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/tasksync/tasksync/internal/mirror/db"
	"github.com/tasksync/tasksync/internal/mirror/remote"
	"github.com/tasksync/tasksync/internal/mirror/schema"
)

// ErrUnsupported is returned for operations a backend cannot perform.
var ErrUnsupported = errors.New("operation not supported by this backend")

// Backend is the task API shared by both storage modes.
type Backend interface {
	// Offline reports whether the backend is the local mirror.
	Offline() bool

	Tabs(ctx context.Context) ([]*schema.Tab, error)
	CreateTab(ctx context.Context, name string) (*schema.Tab, error)
	UpdateTab(ctx context.Context, clientID string, patch schema.TabPatch) (*schema.Tab, error)
	DeleteTab(ctx context.Context, clientID string) error

	// TasksByTab returns the tasks filed under a tab; nil selects all.
	TasksByTab(ctx context.Context, tabClientID *string) ([]*schema.Task, error)
	TodayTasks(ctx context.Context) ([]*schema.Task, error)
	CreateTask(ctx context.Context, in schema.TaskInput) (*schema.Task, error)
	UpdateTask(ctx context.Context, clientID string, patch schema.TaskPatch) (*schema.Task, error)
	MoveTask(ctx context.Context, clientID, tabClientID string) (*schema.Task, error)
	CompleteTask(ctx context.Context, clientID string, completed bool) (*schema.Task, error)
	DeleteTask(ctx context.Context, clientID string) error
}

// Config selects and configures a backend.
type Config struct {
	// Offline selects the local mirror; otherwise calls go to Client.
	Offline bool

	// Store is the mirror used when Offline is set.
	Store *db.DB

	// SignalPath is touched after each local mutation. Empty disables it.
	SignalPath string

	// Client is the authority client used when Offline is unset.
	Client *remote.Client

	// Logger for failed change signals
	Logger *log.Logger
}

// New returns the backend selected by cfg.Offline.
func New(cfg Config) (Backend, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[backend] ", log.LstdFlags)
	}
	if cfg.Offline {
		if cfg.Store == nil {
			return nil, fmt.Errorf("offline backend requires a store")
		}
		return NewLocal(cfg.Store, cfg.SignalPath, cfg.Logger), nil
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("online backend requires an authority client")
	}
	return NewRemote(cfg.Client), nil
}
