package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tasksync/tasksync/internal/mirror/schema"
)

// REST routes used by the always-online backend.

// ListTabs returns every non-deleted tab.
func (c *Client) ListTabs(ctx context.Context) ([]*schema.Tab, error) {
	var tabs []*schema.Tab
	if err := c.do(ctx, http.MethodGet, "/tabs", nil, nil, &tabs); err != nil {
		return nil, err
	}
	return tabs, nil
}

// CreateTab creates a custom tab.
func (c *Client) CreateTab(ctx context.Context, body schema.TabCreate) (*schema.Tab, error) {
	var tab schema.Tab
	if err := c.do(ctx, http.MethodPost, "/tabs", nil, &body, &tab); err != nil {
		return nil, err
	}
	return &tab, nil
}

// UpdateTab patches a tab.
func (c *Client) UpdateTab(ctx context.Context, id int64, body schema.TabUpdate) (*schema.Tab, error) {
	var tab schema.Tab
	if err := c.do(ctx, http.MethodPut, tabPath(id), nil, &body, &tab); err != nil {
		return nil, err
	}
	return &tab, nil
}

// DeleteTab tombstones a tab.
func (c *Client) DeleteTab(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, tabPath(id), nil, nil, nil)
}

// TodayTasks returns open tasks due today, overdue or undated.
func (c *Client) TodayTasks(ctx context.Context) ([]*schema.Task, error) {
	return c.listTasks(ctx, "/tasks/today")
}

// AllTasks returns every non-deleted task.
func (c *Client) AllTasks(ctx context.Context) ([]*schema.Task, error) {
	return c.listTasks(ctx, "/tasks/all")
}

// TasksByTab returns the tasks filed under a tab.
func (c *Client) TasksByTab(ctx context.Context, tabID int64) ([]*schema.Task, error) {
	return c.listTasks(ctx, "/tasks/tab/"+strconv.FormatInt(tabID, 10))
}

// CreateTask creates a task; the authority derives depth and order.
func (c *Client) CreateTask(ctx context.Context, body schema.TaskCreate) (*schema.Task, error) {
	var task schema.Task
	if err := c.do(ctx, http.MethodPost, "/tasks", nil, &body, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// UpdateTask patches a task.
func (c *Client) UpdateTask(ctx context.Context, id int64, body schema.TaskUpdate) (*schema.Task, error) {
	var task schema.Task
	if err := c.do(ctx, http.MethodPut, taskPath(id), nil, &body, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// CompleteTask sets or clears completion; the authority runs the cascade.
func (c *Client) CompleteTask(ctx context.Context, id int64, completed bool) (*schema.Task, error) {
	var task schema.Task
	body := schema.TaskComplete{IsCompleted: completed}
	if err := c.do(ctx, http.MethodPut, taskPath(id)+"/complete", nil, &body, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// DeleteTask tombstones a task and its subtree.
func (c *Client) DeleteTask(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, taskPath(id), nil, nil, nil)
}

// MoveTask files a task under another tab; nil unfiles it.
func (c *Client) MoveTask(ctx context.Context, id int64, newTabID *int64) (*schema.Task, error) {
	query := url.Values{}
	if newTabID != nil {
		query.Set("new_tab_id", strconv.FormatInt(*newTabID, 10))
	}
	var task schema.Task
	if err := c.do(ctx, http.MethodPut, taskPath(id)+"/move", query, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) listTasks(ctx context.Context, path string) ([]*schema.Task, error) {
	var tasks []*schema.Task
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func tabPath(id int64) string {
	return fmt.Sprintf("/tabs/%d", id)
}

func taskPath(id int64) string {
	return fmt.Sprintf("/tasks/%d", id)
}
