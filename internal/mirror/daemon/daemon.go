package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/tasksync/tasksync/internal/mirror/schema"
	mirrorsync "github.com/tasksync/tasksync/internal/mirror/sync"
)

// finalSyncRetry is how long Inactive waits before retrying a final sync
// that another holder of the sync lock skipped.
var finalSyncRetry = 250 * time.Millisecond

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often the timer triggers a sync.
	SyncInterval time.Duration

	// DebounceInterval is how long the change signal must be quiet before
	// a sync is queued.
	DebounceInterval time.Duration

	// SignalPath is the marker file touched by mutating processes.
	// Empty disables change watching.
	SignalPath string

	// FinalSyncTimeout bounds how long Inactive waits for its sync,
	// including time spent behind a cycle that is already running.
	FinalSyncTimeout time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     5 * time.Minute,
		DebounceInterval: 2 * time.Second,
		FinalSyncTimeout: 30 * time.Second,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Trigger names what caused a sync.
type Trigger int

const (
	TriggerStartup Trigger = iota
	TriggerTimer
	TriggerLifecycle
	TriggerChange
	TriggerManual
)

// String returns a human-readable representation of the trigger.
func (t Trigger) String() string {
	switch t {
	case TriggerStartup:
		return "startup"
	case TriggerTimer:
		return "timer"
	case TriggerLifecycle:
		return "lifecycle"
	case TriggerChange:
		return "change"
	case TriggerManual:
		return "manual"
	default:
		return "unknown"
	}
}

// LifecycleEvent is an application lifecycle transition.
type LifecycleEvent int

const (
	// Background means the application stopped being in the foreground.
	Background LifecycleEvent = iota
	// Inactive means the application is about to stop.
	Inactive
)

// String returns a human-readable representation of the event.
func (e LifecycleEvent) String() string {
	if e == Inactive {
		return "inactive"
	}
	return "background"
}

// Daemon runs sync cycles on timer, lifecycle and change triggers.
type Daemon struct {
	engine mirrorsync.Orchestrator
	config *Config

	watcher  *ChangeWatcher
	triggers chan Trigger

	// syncSlot runs this daemon's cycles one at a time. Inactive queues
	// behind an in-flight worker cycle instead of being skipped by it.
	syncSlot chan struct{}

	mu      sync.Mutex
	started bool
	runs    int
	lastRun time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon driving engine. A nil config uses DefaultConfig.
func New(engine mirrorsync.Orchestrator, config *Config) (*Daemon, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaults.SyncInterval
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = defaults.DebounceInterval
	}
	if config.FinalSyncTimeout <= 0 {
		config.FinalSyncTimeout = defaults.FinalSyncTimeout
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	d := &Daemon{
		engine:   engine,
		config:   config,
		triggers: make(chan Trigger, 1),
		syncSlot: make(chan struct{}, 1),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	if config.SignalPath != "" {
		watcher, err := NewChangeWatcher(config.SignalPath, config.DebounceInterval)
		if err != nil {
			return nil, err
		}
		d.watcher = watcher
	}
	return d, nil
}

// Start launches the triggers and blocks until ctx is cancelled or Stop is
// called. A startup sync is queued first.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	d.config.Logger.Printf("Starting daemon (interval %s)", d.config.SyncInterval)

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			return fmt.Errorf("failed to start change watcher: %w", err)
		}
		d.config.Logger.Printf("Watching: %s", d.config.SignalPath)
		d.wg.Add(1)
		go d.watchChanges()
	}

	d.wg.Add(2)
	go d.runWorker()
	go d.runTimer()
	d.enqueue(TriggerStartup)

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop cancels every trigger and waits for an in-flight sync to finish.
// The in-flight cycle is not cancelled.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")
	d.cancel()

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.config.Logger.Printf("Error closing watcher: %v", err)
		}
	}
	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// TriggerSync queues a manual sync.
func (d *Daemon) TriggerSync() {
	d.enqueue(TriggerManual)
}

// Lifecycle reacts to an application lifecycle transition. Background
// queues a sync. Inactive runs one synchronously, bounded by
// FinalSyncTimeout, so pending edits leave the device before it stops: it
// waits out a cycle already in flight and then runs a full one of its own.
func (d *Daemon) Lifecycle(ctx context.Context, event LifecycleEvent) error {
	d.config.Logger.Printf("Lifecycle event: %s", event)
	if event == Background {
		d.enqueue(TriggerLifecycle)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.config.FinalSyncTimeout)
	defer cancel()
	for {
		result, err := d.runSync(ctx, TriggerLifecycle)
		if err != nil {
			return err
		}
		if !result.Skipped {
			return nil
		}
		// Another process or a resolve holds the sync lock.
		select {
		case <-ctx.Done():
			return fmt.Errorf("final sync did not run: %w", ctx.Err())
		case <-time.After(finalSyncRetry):
		}
	}
}

// Runs returns how many sync cycles the daemon has started and when the
// last one ran.
func (d *Daemon) Runs() (int, time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runs, d.lastRun
}

// enqueue hands a trigger to the worker, coalescing with one already queued.
func (d *Daemon) enqueue(t Trigger) {
	if d.ctx.Err() != nil {
		return
	}
	select {
	case d.triggers <- t:
	default:
	}
}

// runWorker performs queued syncs one at a time.
func (d *Daemon) runWorker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case t := <-d.triggers:
			// Teardown never aborts a cycle mid-push. The remote
			// client's request timeout bounds it instead.
			if _, err := d.runSync(context.WithoutCancel(d.ctx), t); err != nil {
				d.config.Logger.Printf("Sync (%s) failed: %v", t, err)
			}
		}
	}
}

func (d *Daemon) runSync(ctx context.Context, t Trigger) (*mirrorsync.Result, error) {
	select {
	case d.syncSlot <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for in-flight sync: %w", ctx.Err())
	}
	defer func() { <-d.syncSlot }()

	d.mu.Lock()
	d.runs++
	d.lastRun = time.Now()
	d.mu.Unlock()

	result, err := d.engine.Sync(ctx)
	if errors.Is(err, schema.ErrSyncInProgress) {
		result, err = &mirrorsync.Result{Skipped: true}, nil
	}
	if err != nil {
		return nil, err
	}
	if result.Skipped {
		d.config.Logger.Printf("Sync (%s) skipped: already running", t)
		return result, nil
	}
	d.config.Logger.Printf("Sync (%s): pulled %d, pushed %d, %d conflicts",
		t, result.PulledTabs+result.PulledTasks, result.Pushed, len(result.Conflicts))
	return result, nil
}

// runTimer queues a sync every SyncInterval.
func (d *Daemon) runTimer() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.enqueue(TriggerTimer)
		}
	}
}

// watchChanges turns debounced change signals into sync triggers.
func (d *Daemon) watchChanges() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case _, ok := <-d.watcher.Changes():
			if !ok {
				return
			}
			d.enqueue(TriggerChange)
		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}
