package authority

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tasksync/tasksync/internal/mirror/schema"
)

// REST routes for clients without a local mirror. Mutations made here bump
// the modification stamp, so mirrors pick them up on their next pull.

func (s *Server) registerREST() {
	s.mux.HandleFunc("GET /tabs", s.handleListTabs)
	s.mux.HandleFunc("POST /tabs", s.handleCreateTab)
	s.mux.HandleFunc("PUT /tabs/{id}", s.handleUpdateTab)
	s.mux.HandleFunc("DELETE /tabs/{id}", s.handleDeleteTab)

	s.mux.HandleFunc("GET /tasks/today", s.handleTodayTasks)
	s.mux.HandleFunc("GET /tasks/all", s.handleAllTasks)
	s.mux.HandleFunc("GET /tasks/tab/{id}", s.handleTasksByTab)
	s.mux.HandleFunc("POST /tasks", s.handleCreateTask)
	s.mux.HandleFunc("PUT /tasks/{id}", s.handleUpdateTask)
	s.mux.HandleFunc("PUT /tasks/{id}/complete", s.handleCompleteTask)
	s.mux.HandleFunc("PUT /tasks/{id}/move", s.handleMoveTask)
	s.mux.HandleFunc("DELETE /tasks/{id}", s.handleDeleteTask)
}

func (s *Server) handleListTabs(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	tabs := []*schema.Tab{}
	for _, e := range s.tabs {
		if !e.tab.IsDeleted {
			tab := e.tab
			tabs = append(tabs, &tab)
		}
	}
	s.mu.Unlock()

	sort.Slice(tabs, func(i, j int) bool { return tabs[i].OrderIndex < tabs[j].OrderIndex })
	writeJSON(w, http.StatusOK, tabs)
}

func (s *Server) handleCreateTab(w http.ResponseWriter, r *http.Request) {
	var req schema.TabCreate
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tabs[req.ClientID]; ok {
		writeError(w, http.StatusConflict, "tab already exists")
		return
	}
	order := 0
	for _, e := range s.tabs {
		if !e.tab.IsDeleted && e.tab.OrderIndex >= order {
			order = e.tab.OrderIndex + 1
		}
	}

	stamp := s.tick()
	tab := schema.Tab{
		ID:         s.newID(),
		ClientID:   req.ClientID,
		Name:       req.Name,
		OrderIndex: order,
		TabType:    schema.TabCustom,
		CreatedAt:  stamp,
		UpdatedAt:  stamp,
	}
	s.storeTabAt(tab, stamp)
	writeJSON(w, http.StatusOK, tab)
}

func (s *Server) handleUpdateTab(w http.ResponseWriter, r *http.Request) {
	var req schema.TabUpdate
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.tabFromPath(w, r)
	if e == nil {
		return
	}
	tab := e.tab
	if req.Name != nil {
		if *req.Name == "" {
			writeError(w, http.StatusBadRequest, "name cannot be empty")
			return
		}
		tab.Name = *req.Name
	}
	if req.OrderIndex != nil {
		tab.OrderIndex = *req.OrderIndex
	}
	stamp := s.tick()
	tab.UpdatedAt = stamp
	s.storeTabAt(tab, stamp)
	writeJSON(w, http.StatusOK, tab)
}

func (s *Server) handleDeleteTab(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.tabFromPath(w, r)
	if e == nil {
		return
	}
	if e.tab.IsSystem {
		writeError(w, http.StatusBadRequest, schema.ErrSystemTab.Error())
		return
	}
	tab := e.tab
	stamp := s.tick()
	tab.IsDeleted = true
	tab.UpdatedAt = stamp
	s.storeTabAt(tab, stamp)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Tab deleted"})
}

func (s *Server) handleTodayTasks(w http.ResponseWriter, r *http.Request) {
	today := s.now().Format(schema.DateLayout)
	tasks := s.selectTasks(func(t *schema.Task) bool {
		return !t.IsCompleted && (t.DueDate == "" || t.DueDate <= today)
	})
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].DueDate != tasks[j].DueDate {
			return tasks[i].DueDate < tasks[j].DueDate
		}
		return tasks[i].OrderIndex < tasks[j].OrderIndex
	})
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleAllTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.selectTasks(func(*schema.Task) bool { return true }))
}

func (s *Server) handleTasksByTab(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.selectTasks(func(t *schema.Task) bool {
		return t.TabID != nil && *t.TabID == id
	}))
}

// selectTasks returns copies of the non-deleted tasks matching keep, ordered
// by (depth, order_index).
func (s *Server) selectTasks(keep func(*schema.Task) bool) []*schema.Task {
	s.mu.Lock()
	tasks := []*schema.Task{}
	for _, e := range s.tasks {
		if !e.task.IsDeleted && keep(&e.task) {
			task := e.task
			tasks = append(tasks, &task)
		}
	}
	s.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Depth != tasks[j].Depth {
			return tasks[i].Depth < tasks[j].Depth
		}
		if tasks[i].OrderIndex != tasks[j].OrderIndex {
			return tasks[i].OrderIndex < tasks[j].OrderIndex
		}
		return *tasks[i].ID < *tasks[j].ID
	})
	return tasks
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req schema.TaskCreate
	if !decode(w, r, &req) {
		return
	}
	in := schema.TaskInput{Title: req.Title, DueDate: req.DueDate}
	if err := in.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[req.ClientID]; ok {
		writeError(w, http.StatusConflict, "task already exists")
		return
	}

	stamp := s.tick()
	task := schema.Task{
		ID:          s.newID(),
		ClientID:    req.ClientID,
		TabID:       req.TabID,
		Title:       req.Title,
		Description: req.Description,
		DueDate:     req.DueDate,
		DueTime:     req.DueTime,
		CreatedAt:   stamp,
		UpdatedAt:   stamp,
	}

	if req.ParentTaskID != nil {
		parent := s.taskByID(*req.ParentTaskID)
		if parent == nil || parent.task.IsDeleted {
			writeError(w, http.StatusNotFound, "Parent task not found")
			return
		}
		if parent.task.Depth+1 > schema.MaxDepth {
			writeError(w, http.StatusBadRequest, "Maximum depth is 3 levels")
			return
		}
		task.Depth = parent.task.Depth + 1
		task.ParentTaskID = parent.task.ID
		task.ParentClientID = parent.task.ClientID
		if task.TabID == nil {
			task.TabID = parent.task.TabID
		}
	}
	if task.TabID != nil && s.tabByID(*task.TabID) == nil {
		writeError(w, http.StatusNotFound, "Tab not found")
		return
	}

	task.OrderIndex = 1
	for _, e := range s.tasks {
		if e.task.ParentClientID == task.ParentClientID && e.task.OrderIndex >= task.OrderIndex {
			task.OrderIndex = e.task.OrderIndex + 1
		}
	}

	s.storeTaskAt(task, stamp)
	s.uncompleteAncestors(task.ParentClientID, stamp)
	writeJSON(w, http.StatusOK, s.tasks[task.ClientID].task)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var req schema.TaskUpdate
	if !decode(w, r, &req) {
		return
	}
	patch := schema.TaskPatch{Title: req.Title, DueDate: req.DueDate}
	if err := patch.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.taskFromPath(w, r)
	if e == nil {
		return
	}
	task := e.task
	if req.Title != nil {
		task.Title = *req.Title
	}
	if req.Description != nil {
		task.Description = *req.Description
	}
	if req.DueDate != nil {
		task.DueDate = *req.DueDate
	}
	if req.DueTime != nil {
		task.DueTime = *req.DueTime
	}
	if req.TabID != nil {
		if s.tabByID(*req.TabID) == nil {
			writeError(w, http.StatusNotFound, "Tab not found")
			return
		}
		task.TabID = req.TabID
		task.TabClientID = ""
	}
	stamp := s.tick()
	task.UpdatedAt = stamp
	s.storeTaskAt(task, stamp)
	writeJSON(w, http.StatusOK, s.tasks[task.ClientID].task)
}

func (s *Server) handleMoveTask(w http.ResponseWriter, r *http.Request) {
	var newTabID *int64
	if raw := r.URL.Query().Get("new_tab_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid new_tab_id")
			return
		}
		newTabID = &id
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.taskFromPath(w, r)
	if e == nil {
		return
	}
	if newTabID != nil && s.tabByID(*newTabID) == nil {
		writeError(w, http.StatusNotFound, "Tab not found")
		return
	}
	task := e.task
	task.TabID = newTabID
	task.TabClientID = ""
	stamp := s.tick()
	task.UpdatedAt = stamp
	s.storeTaskAt(task, stamp)
	writeJSON(w, http.StatusOK, s.tasks[task.ClientID].task)
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	var req schema.TaskComplete
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.taskFromPath(w, r)
	if e == nil {
		return
	}
	stamp := s.tick()
	s.setCompleted(e.task.ClientID, req.IsCompleted, stamp)
	if req.IsCompleted {
		for _, id := range s.descendants(e.task.ClientID) {
			if d := s.tasks[id]; !d.task.IsDeleted && !d.task.IsCompleted {
				s.setCompleted(id, true, stamp)
			}
		}
		s.completeAncestors(e.task.ParentClientID, stamp)
	} else {
		s.uncompleteAncestors(e.task.ParentClientID, stamp)
	}
	writeJSON(w, http.StatusOK, s.tasks[e.task.ClientID].task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.taskFromPath(w, r)
	if e == nil {
		return
	}
	stamp := s.tick()
	for _, id := range append([]string{e.task.ClientID}, s.descendants(e.task.ClientID)...) {
		task := s.tasks[id].task
		if task.IsDeleted {
			continue
		}
		task.IsDeleted = true
		task.UpdatedAt = stamp
		s.storeTaskAt(task, stamp)
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Task deleted"})
}

// setCompleted updates completion of one task. Caller must hold s.mu.
func (s *Server) setCompleted(clientID string, completed bool, stamp time.Time) {
	task := s.tasks[clientID].task
	task.IsCompleted = completed
	task.CompletedAt = nil
	if completed {
		at := stamp
		task.CompletedAt = &at
	}
	task.UpdatedAt = stamp
	s.storeTaskAt(task, stamp)
}

func (s *Server) completeAncestors(parentID string, stamp time.Time) {
	seen := map[string]bool{}
	for parentID != "" && !seen[parentID] {
		seen[parentID] = true
		parent, ok := s.tasks[parentID]
		if !ok {
			return
		}
		for _, e := range s.tasks {
			if e.task.ParentClientID == parentID && !e.task.IsDeleted && !e.task.IsCompleted {
				return
			}
		}
		if !parent.task.IsCompleted {
			s.setCompleted(parentID, true, stamp)
		}
		parentID = parent.task.ParentClientID
	}
}

func (s *Server) uncompleteAncestors(parentID string, stamp time.Time) {
	seen := map[string]bool{}
	for parentID != "" && !seen[parentID] {
		seen[parentID] = true
		parent, ok := s.tasks[parentID]
		if !ok {
			return
		}
		if parent.task.IsCompleted {
			s.setCompleted(parentID, false, stamp)
		}
		parentID = parent.task.ParentClientID
	}
}

// descendants returns the client ids below clientID, breadth first.
func (s *Server) descendants(clientID string) []string {
	var out []string
	seen := map[string]bool{clientID: true}
	queue := []string{clientID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for id, e := range s.tasks {
			if e.task.ParentClientID == current && !seen[id] {
				seen[id] = true
				out = append(out, id)
				queue = append(queue, id)
			}
		}
	}
	return out
}

func (s *Server) tabFromPath(w http.ResponseWriter, r *http.Request) *tabEntry {
	id, ok := pathID(w, r)
	if !ok {
		return nil
	}
	e := s.tabByID(id)
	if e == nil || e.tab.IsDeleted {
		writeError(w, http.StatusNotFound, "Tab not found")
		return nil
	}
	return e
}

func (s *Server) taskFromPath(w http.ResponseWriter, r *http.Request) *taskEntry {
	id, ok := pathID(w, r)
	if !ok {
		return nil
	}
	e := s.taskByID(id)
	if e == nil || e.task.IsDeleted {
		writeError(w, http.StatusNotFound, "Task not found")
		return nil
	}
	return e
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}
