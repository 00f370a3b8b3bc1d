package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"github.com/tasksync/tasksync/internal/mirror/db"
	"github.com/tasksync/tasksync/internal/mirror/schema"
)

// ErrClosed is returned by Sync and Resolve after Close.
var ErrClosed = errors.New("sync engine closed")

// Config configures an Engine.
type Config struct {
	// LockPath, when set, is a lock file that serializes sync cycles across
	// processes sharing the same mirror.
	LockPath string

	// Batch pushes every pending entity in a single /sync/batch-push request.
	Batch bool

	// Logger for cycle progress (default: stderr with [sync] prefix).
	Logger *log.Logger
}

// Engine is the sync orchestrator for one mirror.
type Engine struct {
	store  *db.DB
	remote Authority
	logger *log.Logger
	batch  bool
	lock   *flock.Flock

	running atomic.Bool

	mu           stdsync.Mutex
	state        State
	lastErr      error
	conflicts    []schema.ConflictData
	listeners    map[int]Listener
	nextListener int
	closed       bool
}

// New creates an engine over an initialized store. The pending-conflict set
// starts from the store's conflict ledger, so conflicts detected by another
// process or before a restart are still offered for resolution.
func New(store *db.DB, remote Authority, cfg Config) (*Engine, error) {
	if store == nil || remote == nil {
		return nil, fmt.Errorf("sync: store and authority are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}

	e := &Engine{
		store:     store,
		remote:    remote,
		logger:    logger,
		batch:     cfg.Batch,
		state:     StateIdle,
		listeners: make(map[int]Listener),
	}

	if cfg.LockPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LockPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create lock directory: %w", err)
		}
		e.lock = flock.New(cfg.LockPath)
	}

	if err := e.reloadConflicts(context.Background()); err != nil {
		return nil, err
	}
	return e, nil
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LastError returns the failure that put the engine in StateError, or nil.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Conflicts returns a copy of the pending-conflict set.
func (e *Engine) Conflicts() []schema.ConflictData {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]schema.ConflictData(nil), e.conflicts...)
}

// Subscribe registers fn for state and conflict events.
func (e *Engine) Subscribe(fn Listener) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextListener
	e.nextListener++
	e.listeners[id] = fn

	var once stdsync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.listeners, id)
			e.mu.Unlock()
		})
	}
}

// Close drops every listener. Sync and Resolve fail with ErrClosed
// afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.listeners = make(map[int]Listener)
	return nil
}

// Sync runs one pull-then-push cycle.
func (e *Engine) Sync(ctx context.Context) (*Result, error) {
	release, err := e.acquire()
	if errors.Is(err, schema.ErrSyncInProgress) {
		return &Result{Skipped: true}, nil
	}
	if err != nil {
		return nil, err
	}
	defer release()

	e.setState(StateSyncing, nil)

	result, err := e.cycle(ctx)
	if err != nil {
		e.logger.Printf("Sync failed: %v", err)
		e.setState(StateError, err)
		return result, err
	}

	e.logger.Printf("Sync complete: pulled %d tabs, %d tasks; pushed %d; %d conflicts",
		result.PulledTabs, result.PulledTasks, result.Pushed, len(result.Conflicts))
	e.setState(StateIdle, nil)
	return result, nil
}

// acquire takes the in-process single-flight guard and, when configured,
// the cross-process lock.
func (e *Engine) acquire() (release func(), err error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	if !e.running.CompareAndSwap(false, true) {
		return nil, schema.ErrSyncInProgress
	}
	if e.lock == nil {
		return func() { e.running.Store(false) }, nil
	}

	locked, err := e.lock.TryLock()
	if err != nil {
		e.running.Store(false)
		return nil, fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	if !locked {
		e.running.Store(false)
		e.logger.Printf("Another process holds %s", e.lock.Path())
		return nil, schema.ErrSyncInProgress
	}
	return func() {
		_ = e.lock.Unlock()
		e.running.Store(false)
	}, nil
}

func (e *Engine) cycle(ctx context.Context) (*Result, error) {
	result := &Result{}

	// Another process may have resolved conflicts since the last cycle.
	if err := e.reloadConflicts(ctx); err != nil {
		return result, err
	}

	deviceID, err := e.store.DeviceID(ctx)
	if err != nil {
		return result, err
	}
	if err := e.pull(ctx, deviceID, result); err != nil {
		return result, err
	}
	if err := e.push(ctx, deviceID, result); err != nil {
		return result, err
	}
	return result, nil
}

// pull applies the authority's changes and then advances the watermark.
func (e *Engine) pull(ctx context.Context, deviceID string, result *Result) error {
	since, err := e.store.LastSyncAt(ctx)
	if err != nil {
		return err
	}

	resp, err := e.remote.Pull(ctx, schema.PullRequest{DeviceID: deviceID, LastSyncAt: since})
	if err != nil {
		return fmt.Errorf("pull failed: %w", err)
	}

	for _, tab := range resp.Tabs {
		applied, err := e.store.ApplyServerTab(ctx, tab, db.PreserveLocal)
		if skippable(err) {
			e.logger.Printf("WARNING: skipping invalid tab %s from authority: %v", tab.ClientID, err)
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to apply tab %s: %w", tab.ClientID, err)
		}
		if applied {
			result.PulledTabs++
		} else {
			result.Preserved++
		}
	}
	for _, task := range resp.Tasks {
		applied, err := e.store.ApplyServerTask(ctx, task, db.PreserveLocal)
		if skippable(err) {
			e.logger.Printf("WARNING: skipping invalid task %s from authority: %v", task.ClientID, err)
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to apply task %s: %w", task.ClientID, err)
		}
		if applied {
			result.PulledTasks++
		} else {
			result.Preserved++
		}
	}

	if err := e.store.SetLastSyncAt(ctx, resp.SyncTimestamp); err != nil {
		return err
	}
	result.Watermark = resp.SyncTimestamp

	e.logger.Printf("Pulled %d tabs, %d tasks (%d kept local, watermark %s)",
		result.PulledTabs, result.PulledTasks, result.Preserved, resp.SyncTimestamp.Format(time.RFC3339))
	return nil
}

// skippable reports errors caused by one bad payload rather than by the
// store itself.
func skippable(err error) bool {
	return errors.Is(err, schema.ErrInvalidEntity) || errors.Is(err, schema.ErrDepthExceeded)
}

// pushItem is one pending entity ready to send.
type pushItem struct {
	kind      schema.EntityType
	clientID  string
	updatedAt time.Time
	data      json.RawMessage
}

func (it pushItem) request(deviceID string) schema.PushRequest {
	return schema.PushRequest{
		DeviceID:        deviceID,
		ClientID:        it.clientID,
		EntityType:      it.kind,
		Data:            it.data,
		ClientUpdatedAt: it.updatedAt,
	}
}

// pendingItems lists pending tabs, then pending tasks parents first, so the
// authority can link references as they arrive.
func (e *Engine) pendingItems(ctx context.Context) ([]pushItem, error) {
	changes, err := e.store.PendingChanges(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]pushItem, 0, changes.Len())
	for _, tab := range changes.Tabs {
		data, err := tab.Payload()
		if err != nil {
			return nil, err
		}
		items = append(items, pushItem{schema.EntityTab, tab.ClientID, tab.UpdatedAt, data})
	}
	for _, task := range changes.Tasks {
		data, err := task.Payload()
		if err != nil {
			return nil, err
		}
		items = append(items, pushItem{schema.EntityTask, task.ClientID, task.UpdatedAt, data})
	}
	return items, nil
}

// push sends every pending entity. Conflicts found before a failure are
// still published.
func (e *Engine) push(ctx context.Context, deviceID string, result *Result) error {
	items, err := e.pendingItems(ctx)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	defer func() {
		if len(result.Conflicts) > 0 {
			e.addConflicts(result.Conflicts)
		}
	}()

	if e.batch {
		return e.pushBatch(ctx, deviceID, items, result)
	}

	for _, it := range items {
		verdict, err := e.remote.Push(ctx, it.request(deviceID))
		if err != nil {
			return fmt.Errorf("push of %s %s failed: %w", it.kind, it.clientID, err)
		}
		if err := e.applyVerdict(ctx, it, verdict, result); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) pushBatch(ctx context.Context, deviceID string, items []pushItem, result *Result) error {
	reqs := make([]schema.PushRequest, len(items))
	byID := make(map[string]pushItem, len(items))
	for i, it := range items {
		reqs[i] = it.request(deviceID)
		byID[it.clientID] = it
	}

	resp, err := e.remote.BatchPush(ctx, reqs)
	if err != nil {
		return fmt.Errorf("batch push of %d entities failed: %w", len(items), err)
	}

	handled := make(map[string]bool, len(items))
	for _, id := range resp.SyncedIDs {
		it, ok := byID[id]
		if !ok {
			continue
		}
		handled[id] = true
		verdict := &schema.ConflictData{ClientID: id, EntityType: it.kind, ClientUpdatedAt: it.updatedAt}
		if err := e.applyVerdict(ctx, it, verdict, result); err != nil {
			return err
		}
	}
	for i := range resp.Conflicts {
		verdict := &resp.Conflicts[i]
		it, ok := byID[verdict.ClientID]
		if !ok {
			continue
		}
		handled[verdict.ClientID] = true
		if err := e.applyVerdict(ctx, it, verdict, result); err != nil {
			return err
		}
	}
	for _, it := range items {
		if !handled[it.clientID] {
			e.logger.Printf("WARNING: authority rejected %s %s; it stays pending", it.kind, it.clientID)
		}
	}
	return nil
}

// applyVerdict records the authority's answer to one push.
func (e *Engine) applyVerdict(ctx context.Context, it pushItem, verdict *schema.ConflictData, result *Result) error {
	if verdict.HasConflict {
		c := *verdict
		c.ClientID = it.clientID
		c.EntityType = it.kind
		if len(c.ClientData) == 0 {
			c.ClientData = it.data
		}
		if err := e.store.MarkConflict(ctx, it.kind, it.clientID); err != nil {
			return err
		}
		if err := e.store.RecordConflict(ctx, c); err != nil {
			return err
		}
		e.logger.Printf("Conflict on %s %s", it.kind, it.clientID)
		result.Conflicts = append(result.Conflicts, c)
		return nil
	}

	serverTS := it.updatedAt
	if verdict.ServerUpdatedAt != nil {
		serverTS = *verdict.ServerUpdatedAt
	}
	marked, err := e.store.MarkPushed(ctx, it.kind, it.clientID, it.updatedAt, serverTS)
	if err != nil {
		return err
	}
	if verdict.EntityID != nil {
		if err := e.store.AssignServerID(ctx, it.kind, it.clientID, *verdict.EntityID); err != nil {
			return err
		}
	}
	if !marked {
		e.logger.Printf("%s %s changed during push; it stays pending", it.kind, it.clientID)
		return nil
	}
	if _, ok := e.pendingConflict(it.kind, it.clientID); ok {
		e.removeConflict(it.kind, it.clientID)
		e.logger.Printf("Push of %s %s accepted; conflict settled", it.kind, it.clientID)
	}
	result.Pushed++
	return nil
}

// reloadConflicts replaces the pending-conflict set with the store's ledger.
func (e *Engine) reloadConflicts(ctx context.Context) error {
	ledger, err := e.store.Conflicts(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	changed := !sameConflicts(e.conflicts, ledger)
	e.conflicts = ledger
	e.mu.Unlock()

	if changed {
		e.notify()
	}
	return nil
}

// addConflicts merges newly detected conflicts into the pending set,
// replacing older verdicts for the same entity, and publishes the result.
func (e *Engine) addConflicts(found []schema.ConflictData) {
	e.mu.Lock()
	for _, c := range found {
		replaced := false
		for i := range e.conflicts {
			if e.conflicts[i].ClientID == c.ClientID && e.conflicts[i].EntityType == c.EntityType {
				e.conflicts[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			e.conflicts = append(e.conflicts, c)
		}
	}
	e.mu.Unlock()

	e.notify()
}

// removeConflict drops one entity from the pending set and publishes the
// result.
func (e *Engine) removeConflict(kind schema.EntityType, clientID string) {
	e.mu.Lock()
	kept := e.conflicts[:0]
	for _, c := range e.conflicts {
		if c.ClientID != clientID || c.EntityType != kind {
			kept = append(kept, c)
		}
	}
	e.conflicts = kept
	e.mu.Unlock()

	e.notify()
}

func (e *Engine) pendingConflict(kind schema.EntityType, clientID string) (schema.ConflictData, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.conflicts {
		if c.ClientID == clientID && c.EntityType == kind {
			return c, true
		}
	}
	return schema.ConflictData{}, false
}

func (e *Engine) setState(state State, err error) {
	e.mu.Lock()
	e.state = state
	e.lastErr = err
	e.mu.Unlock()

	e.notify()
}

// notify delivers the current state to every listener. It is called without
// holding e.mu so listeners may read the engine.
func (e *Engine) notify() {
	e.mu.Lock()
	event := Event{
		State:     e.state,
		Err:       e.lastErr,
		Conflicts: append([]schema.ConflictData(nil), e.conflicts...),
	}
	listeners := make([]Listener, 0, len(e.listeners))
	for _, fn := range e.listeners {
		listeners = append(listeners, fn)
	}
	e.mu.Unlock()

	for _, fn := range listeners {
		fn(event)
	}
}

func sameConflicts(a, b []schema.ConflictData) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ClientID != b[i].ClientID || a[i].EntityType != b[i].EntityType {
			return false
		}
	}
	return true
}
