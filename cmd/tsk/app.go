package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/tasksync/tasksync/internal/mirror/backend"
	"github.com/tasksync/tasksync/internal/mirror/db"
	"github.com/tasksync/tasksync/internal/mirror/remote"
	"github.com/tasksync/tasksync/internal/mirror/schema"
	mirrorsync "github.com/tasksync/tasksync/internal/mirror/sync"
)

// openStore opens and initializes the local mirror.
func openStore() *db.DB {
	store, err := newStore()
	if err != nil {
		fatalf("%v", err)
	}
	return store
}

func newStore() (*db.DB, error) {
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening mirror: %w", err)
	}
	store.SetLogger(logging.Logger("db"))
	if err := store.InitSchema(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	if err := store.EnsureSystemTabs(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("seeding system tabs: %w", err)
	}
	return store, nil
}

// openClient builds the authority client, failing when no server is set.
func openClient() *remote.Client {
	client, err := newClient()
	if err != nil {
		fatalf("%v", err)
	}
	return client
}

func newClient() (*remote.Client, error) {
	if cfg.Server.URL == "" {
		return nil, fmt.Errorf("server.url is not configured (set it in %s or TSK_SERVER_URL)", configFileHint())
	}
	return remote.New(remote.Config{
		BaseURL: cfg.Server.URL,
		Token:   cfg.Server.Token,
		Timeout: cfg.Server.Timeout,
		Logger:  logging.Logger("remote"),
	})
}

// openEngine builds a sync engine over store.
func openEngine(store *db.DB) *mirrorsync.Engine {
	engine, err := newEngine(store)
	if err != nil {
		fatalf("%v", err)
	}
	return engine
}

func newEngine(store *db.DB) (*mirrorsync.Engine, error) {
	client, err := newClient()
	if err != nil {
		return nil, err
	}
	return mirrorsync.New(store, client, mirrorsync.Config{
		LockPath: cfg.Sync.LockFile,
		Batch:    cfg.Sync.Batch,
		Logger:   logging.Logger("sync"),
	})
}

// openBackend returns the backend selected by sync.offline. The returned
// function releases it.
func openBackend() (backend.Backend, func()) {
	bc := backend.Config{
		Offline:    cfg.Sync.Offline,
		SignalPath: cfg.SignalPath(),
		Logger:     logging.Logger("backend"),
	}
	release := func() {}
	if cfg.Sync.Offline {
		store := openStore()
		bc.Store = store
		release = func() { _ = store.Close() }
	} else {
		bc.Client = openClient()
	}
	b, err := backend.New(bc)
	if err != nil {
		fatalf("%v", err)
	}
	return b, release
}

// requireOffline exits unless the local mirror is in use.
func requireOffline(what string) {
	if !cfg.Sync.Offline {
		fatalf("%s needs the local mirror (sync.offline = true)", what)
	}
}

func configFileHint() string {
	if cfg.File != "" {
		return cfg.File
	}
	return "config.toml"
}

// resolveTab finds a tab by client id, unique client id prefix or name.
func resolveTab(ctx context.Context, b backend.Backend, ref string) (*schema.Tab, error) {
	tabs, err := b.Tabs(ctx)
	if err != nil {
		return nil, err
	}
	var matches []*schema.Tab
	for _, tab := range tabs {
		if tab.ClientID == ref || strings.EqualFold(tab.Name, ref) {
			return tab, nil
		}
		if strings.HasPrefix(tab.ClientID, ref) {
			matches = append(matches, tab)
		}
	}
	return pickOne(matches, "tab", ref)
}

// resolveTask finds a task by client id or unique client id prefix.
func resolveTask(ctx context.Context, b backend.Backend, ref string) (*schema.Task, error) {
	tasks, err := b.TasksByTab(ctx, nil)
	if err != nil {
		return nil, err
	}
	var matches []*schema.Task
	for _, task := range tasks {
		if task.ClientID == ref {
			return task, nil
		}
		if strings.HasPrefix(task.ClientID, ref) {
			matches = append(matches, task)
		}
	}
	return pickOne(matches, "task", ref)
}

func pickOne[T any](matches []*T, kind, ref string) (*T, error) {
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: no %s matches %q", schema.ErrNotFound, kind, ref)
	case 1:
		return matches[0], nil
	}
	return nil, fmt.Errorf("%q matches %d %ss; use a longer prefix", ref, len(matches), kind)
}
