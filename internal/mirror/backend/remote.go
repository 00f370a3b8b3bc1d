package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/tasksync/tasksync/internal/mirror/remote"
	"github.com/tasksync/tasksync/internal/mirror/schema"
)

// Remote serves the API from the authority's REST routes. The routes take
// integer ids, so Remote keeps a client_id to id map filled from every
// response and refreshed from the listing routes on a miss.
type Remote struct {
	client *remote.Client

	mu      sync.Mutex
	tabIDs  map[string]int64
	taskIDs map[string]int64
}

var _ Backend = (*Remote)(nil)

// NewRemote wraps client.
func NewRemote(client *remote.Client) *Remote {
	return &Remote{
		client:  client,
		tabIDs:  make(map[string]int64),
		taskIDs: make(map[string]int64),
	}
}

func (r *Remote) Offline() bool { return false }

func (r *Remote) Tabs(ctx context.Context) ([]*schema.Tab, error) {
	tabs, err := r.client.ListTabs(ctx)
	if err != nil {
		return nil, err
	}
	r.rememberTabs(tabs...)
	return tabs, nil
}

func (r *Remote) CreateTab(ctx context.Context, name string) (*schema.Tab, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: tab name is required", schema.ErrInvalidEntity)
	}
	tab, err := r.client.CreateTab(ctx, schema.TabCreate{ClientID: uuid.NewString(), Name: name})
	if err != nil {
		return nil, err
	}
	r.rememberTabs(tab)
	return tab, nil
}

func (r *Remote) UpdateTab(ctx context.Context, clientID string, patch schema.TabPatch) (*schema.Tab, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	id, err := r.tabID(ctx, clientID)
	if err != nil {
		return nil, err
	}
	tab, err := r.client.UpdateTab(ctx, id, schema.TabUpdate{Name: patch.Name, OrderIndex: patch.OrderIndex})
	if err != nil {
		return nil, err
	}
	r.rememberTabs(tab)
	return tab, nil
}

func (r *Remote) DeleteTab(ctx context.Context, clientID string) error {
	id, err := r.tabID(ctx, clientID)
	if err != nil {
		return err
	}
	if err := r.client.DeleteTab(ctx, id); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.tabIDs, clientID)
	r.mu.Unlock()
	return nil
}

func (r *Remote) TasksByTab(ctx context.Context, tabClientID *string) ([]*schema.Task, error) {
	var tasks []*schema.Task
	var err error
	if tabClientID == nil {
		tasks, err = r.client.AllTasks(ctx)
	} else {
		var id int64
		if id, err = r.tabID(ctx, *tabClientID); err != nil {
			return nil, err
		}
		tasks, err = r.client.TasksByTab(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	r.rememberTasks(tasks...)
	return tasks, nil
}

func (r *Remote) TodayTasks(ctx context.Context) ([]*schema.Task, error) {
	tasks, err := r.client.TodayTasks(ctx)
	if err != nil {
		return nil, err
	}
	r.rememberTasks(tasks...)
	return tasks, nil
}

func (r *Remote) CreateTask(ctx context.Context, in schema.TaskInput) (*schema.Task, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	body := schema.TaskCreate{
		ClientID:    in.ClientID,
		Title:       in.Title,
		Description: in.Description,
		DueDate:     in.DueDate,
		DueTime:     in.DueTime,
	}
	if body.ClientID == "" {
		body.ClientID = uuid.NewString()
	}
	if in.TabClientID != "" {
		id, err := r.tabID(ctx, in.TabClientID)
		if err != nil {
			return nil, err
		}
		body.TabID = &id
	}
	if in.ParentClientID != "" {
		id, err := r.taskID(ctx, in.ParentClientID)
		if err != nil {
			return nil, err
		}
		body.ParentTaskID = &id
	}

	task, err := r.client.CreateTask(ctx, body)
	if err != nil {
		return nil, err
	}
	r.rememberTasks(task)
	return task, nil
}

// UpdateTask patches content fields and moves the task when TabClientID is
// set. The REST routes cannot reparent or reorder tasks.
func (r *Remote) UpdateTask(ctx context.Context, clientID string, patch schema.TaskPatch) (*schema.Task, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	if patch.ParentClientID != nil || patch.OrderIndex != nil {
		return nil, fmt.Errorf("%w: reparenting and reordering need the offline mirror", ErrUnsupported)
	}
	id, err := r.taskID(ctx, clientID)
	if err != nil {
		return nil, err
	}

	var task *schema.Task
	if patch.Title != nil || patch.Description != nil || patch.DueDate != nil || patch.DueTime != nil {
		task, err = r.client.UpdateTask(ctx, id, schema.TaskUpdate{
			Title:       patch.Title,
			Description: patch.Description,
			DueDate:     patch.DueDate,
			DueTime:     patch.DueTime,
		})
		if err != nil {
			return nil, err
		}
	}
	if patch.TabClientID != nil {
		return r.MoveTask(ctx, clientID, *patch.TabClientID)
	}
	if task == nil {
		// Nothing to change; return the current copy.
		return r.findTask(ctx, clientID)
	}
	r.rememberTasks(task)
	return task, nil
}

func (r *Remote) MoveTask(ctx context.Context, clientID, tabClientID string) (*schema.Task, error) {
	id, err := r.taskID(ctx, clientID)
	if err != nil {
		return nil, err
	}
	var tabID *int64
	if tabClientID != "" {
		tid, err := r.tabID(ctx, tabClientID)
		if err != nil {
			return nil, err
		}
		tabID = &tid
	}
	task, err := r.client.MoveTask(ctx, id, tabID)
	if err != nil {
		return nil, err
	}
	r.rememberTasks(task)
	return task, nil
}

func (r *Remote) CompleteTask(ctx context.Context, clientID string, completed bool) (*schema.Task, error) {
	id, err := r.taskID(ctx, clientID)
	if err != nil {
		return nil, err
	}
	task, err := r.client.CompleteTask(ctx, id, completed)
	if err != nil {
		return nil, err
	}
	r.rememberTasks(task)
	return task, nil
}

func (r *Remote) DeleteTask(ctx context.Context, clientID string) error {
	id, err := r.taskID(ctx, clientID)
	if err != nil {
		return err
	}
	if err := r.client.DeleteTask(ctx, id); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.taskIDs, clientID)
	r.mu.Unlock()
	return nil
}

func (r *Remote) findTask(ctx context.Context, clientID string) (*schema.Task, error) {
	tasks, err := r.TasksByTab(ctx, nil)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.ClientID == clientID {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: task %s", schema.ErrNotFound, clientID)
}

// tabID maps a tab client id to the authority's id, refreshing the map
// once on a miss.
func (r *Remote) tabID(ctx context.Context, clientID string) (int64, error) {
	if id, ok := r.cached(r.tabIDs, clientID); ok {
		return id, nil
	}
	if _, err := r.Tabs(ctx); err != nil {
		return 0, err
	}
	if id, ok := r.cached(r.tabIDs, clientID); ok {
		return id, nil
	}
	return 0, fmt.Errorf("%w: tab %s", schema.ErrNotFound, clientID)
}

// taskID maps a task client id to the authority's id, refreshing the map
// once on a miss.
func (r *Remote) taskID(ctx context.Context, clientID string) (int64, error) {
	if id, ok := r.cached(r.taskIDs, clientID); ok {
		return id, nil
	}
	if _, err := r.TasksByTab(ctx, nil); err != nil {
		return 0, err
	}
	if id, ok := r.cached(r.taskIDs, clientID); ok {
		return id, nil
	}
	return 0, fmt.Errorf("%w: task %s", schema.ErrNotFound, clientID)
}

func (r *Remote) cached(ids map[string]int64, clientID string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := ids[clientID]
	return id, ok
}

func (r *Remote) rememberTabs(tabs ...*schema.Tab) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tabs {
		if t != nil && t.ID != nil {
			r.tabIDs[t.ClientID] = *t.ID
		}
	}
}

func (r *Remote) rememberTasks(tasks ...*schema.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tasks {
		if t == nil {
			continue
		}
		if t.ID != nil {
			r.taskIDs[t.ClientID] = *t.ID
		}
		if t.ParentClientID != "" && t.ParentTaskID != nil {
			r.taskIDs[t.ParentClientID] = *t.ParentTaskID
		}
	}
}
