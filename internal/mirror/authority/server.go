// Package authority is an in-memory remote authority.
//
// It serves the same sync protocol and REST routes as the production
// backend, keeps all state in memory, and is used by tests and by
// `tsk dev-authority` to try multi-device sync locally.
//
// Conflict rule: a push conflicts iff the authority already holds the entity
// and the push's client_updated_at is older than the authority's updated_at.
// An accepted push stores client_updated_at as the new updated_at, so a
// device that pushes again with the same timestamp never conflicts.
//
// Pull filtering does not use updated_at (client clocks) but a separate,
// strictly increasing modification stamp taken from the authority's clock.
package authority

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tasksync/tasksync/internal/mirror/schema"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 4 << 20

// Config configures a Server.
type Config struct {
	// Token, when set, is the bearer token every request must carry.
	Token string

	// Logger for request handling (default: stderr with [authority] prefix).
	Logger *log.Logger

	// Now is the authority's clock (default: time.Now).
	Now func() time.Time
}

type tabEntry struct {
	tab      schema.Tab
	modified time.Time
}

type taskEntry struct {
	task     schema.Task
	modified time.Time
}

// Server is an http.Handler holding the authoritative copy of every entity.
type Server struct {
	token  string
	logger *log.Logger
	now    func() time.Time

	mu     sync.Mutex
	tabs   map[string]*tabEntry
	tasks  map[string]*taskEntry
	nextID int64
	clock  time.Time

	mux *http.ServeMux
}

// New creates an empty authority.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[authority] ", log.LstdFlags)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	s := &Server{
		token:  cfg.Token,
		logger: logger,
		now:    now,
		tabs:   make(map[string]*tabEntry),
		tasks:  make(map[string]*taskEntry),
		mux:    http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /sync/pull", s.handlePull)
	s.mux.HandleFunc("POST /sync/push", s.handlePush)
	s.mux.HandleFunc("POST /sync/batch-push", s.handleBatchPush)
	s.mux.HandleFunc("POST /sync/resolve", s.handleResolve)
	s.registerREST()
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return s
}

// ServeHTTP checks the bearer token and dispatches the request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.token != "" && r.URL.Path != "/health" {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.token {
			writeError(w, http.StatusUnauthorized, "Not authenticated")
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// Tab returns the authority's copy of a tab.
func (s *Server) Tab(clientID string) (schema.Tab, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tabs[clientID]
	if !ok {
		return schema.Tab{}, false
	}
	return e.tab, true
}

// Task returns the authority's copy of a task.
func (s *Server) Task(clientID string) (schema.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[clientID]
	if !ok {
		return schema.Task{}, false
	}
	return e.task, true
}

// tick returns a modification stamp strictly after every earlier one.
// Caller must hold s.mu.
func (s *Server) tick() time.Time {
	now := s.now().UTC()
	if !now.After(s.clock) {
		now = s.clock.Add(time.Nanosecond)
	}
	s.clock = now
	return now
}

// newID hands out the next integer id. Caller must hold s.mu.
func (s *Server) newID() *int64 {
	s.nextID++
	id := s.nextID
	return &id
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var req schema.PullRequest
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	resp := schema.PullResponse{
		Tabs:          []*schema.Tab{},
		Tasks:         []*schema.Task{},
		SyncTimestamp: s.tick(),
		Conflicts:     []schema.ConflictData{},
	}
	for _, e := range s.tabs {
		if req.LastSyncAt == nil || e.modified.After(*req.LastSyncAt) {
			tab := e.tab
			resp.Tabs = append(resp.Tabs, &tab)
		}
	}
	for _, e := range s.tasks {
		if req.LastSyncAt == nil || e.modified.After(*req.LastSyncAt) {
			task := e.task
			resp.Tasks = append(resp.Tasks, &task)
		}
	}
	s.mu.Unlock()

	sort.Slice(resp.Tabs, func(i, j int) bool { return *resp.Tabs[i].ID < *resp.Tabs[j].ID })
	sort.Slice(resp.Tasks, func(i, j int) bool {
		if resp.Tasks[i].Depth != resp.Tasks[j].Depth {
			return resp.Tasks[i].Depth < resp.Tasks[j].Depth
		}
		return *resp.Tasks[i].ID < *resp.Tasks[j].ID
	})

	s.logger.Printf("Pull from %s: %d tabs, %d tasks", req.DeviceID, len(resp.Tabs), len(resp.Tasks))
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req schema.PushRequest
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	result, err := s.push(req)
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleBatchPush(w http.ResponseWriter, r *http.Request) {
	var reqs []schema.PushRequest
	if !decode(w, r, &reqs) {
		return
	}

	resp := schema.BatchPushResponse{SyncedIDs: []string{}, Conflicts: []schema.ConflictData{}}
	s.mu.Lock()
	for _, req := range reqs {
		result, err := s.push(req)
		if err != nil {
			s.logger.Printf("WARNING: rejected %s %s in batch: %v", req.EntityType, req.ClientID, err)
			continue
		}
		if result.HasConflict {
			resp.Conflicts = append(resp.Conflicts, *result)
			continue
		}
		resp.SyncedCount++
		resp.SyncedIDs = append(resp.SyncedIDs, req.ClientID)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

// push applies one push request. Caller must hold s.mu.
func (s *Server) push(req schema.PushRequest) (*schema.ConflictData, error) {
	if req.ClientID == "" {
		return nil, fmt.Errorf("client_id is required")
	}

	result := &schema.ConflictData{
		ClientID:        req.ClientID,
		EntityType:      req.EntityType,
		ClientUpdatedAt: req.ClientUpdatedAt,
	}

	switch req.EntityType {
	case schema.EntityTab:
		var tab schema.Tab
		if err := json.Unmarshal(req.Data, &tab); err != nil {
			return nil, fmt.Errorf("invalid tab data: %v", err)
		}
		tab.ClientID = req.ClientID
		if tab.TabType == "" {
			tab.TabType = schema.TabCustom
		}
		if err := tab.Validate(); err != nil {
			return nil, err
		}

		if e, ok := s.tabs[req.ClientID]; ok {
			if req.ClientUpdatedAt.Before(e.tab.UpdatedAt) {
				return conflictWith(result, e.tab.ID, e.tab.UpdatedAt, &e.tab, req.Data)
			}
			tab.ID = e.tab.ID
		} else {
			tab.ID = s.newID()
		}
		tab.UpdatedAt = req.ClientUpdatedAt.UTC()
		s.storeTab(tab)
		result.EntityID = tab.ID
		result.ServerUpdatedAt = &tab.UpdatedAt

	case schema.EntityTask:
		var task schema.Task
		if err := json.Unmarshal(req.Data, &task); err != nil {
			return nil, fmt.Errorf("invalid task data: %v", err)
		}
		task.ClientID = req.ClientID
		if err := task.Validate(); err != nil {
			return nil, err
		}

		if e, ok := s.tasks[req.ClientID]; ok {
			if req.ClientUpdatedAt.Before(e.task.UpdatedAt) {
				return conflictWith(result, e.task.ID, e.task.UpdatedAt, &e.task, req.Data)
			}
			task.ID = e.task.ID
		} else {
			task.ID = s.newID()
		}
		task.UpdatedAt = req.ClientUpdatedAt.UTC()
		s.storeTask(task)
		result.EntityID = task.ID
		result.ServerUpdatedAt = &task.UpdatedAt

	default:
		return nil, fmt.Errorf("unknown entity type %q", req.EntityType)
	}

	return result, nil
}

func conflictWith(result *schema.ConflictData, id *int64, serverUpdated time.Time, server any, clientData json.RawMessage) (*schema.ConflictData, error) {
	data, err := json.Marshal(server)
	if err != nil {
		return nil, fmt.Errorf("failed to encode server copy: %v", err)
	}
	result.HasConflict = true
	result.EntityID = id
	result.ServerUpdatedAt = &serverUpdated
	result.ServerData = data
	result.ClientData = clientData
	return result, nil
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req schema.ResolveRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.Resolution.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown resolution %q", req.Resolution))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	resp := schema.ResolveResponse{Success: true, AppliedResolution: req.Resolution}

	if req.Resolution == schema.KeepServer {
		if e, ok := s.tabs[req.ClientID]; ok && req.EntityType == schema.EntityTab {
			resp.ServerUpdatedAt = &e.tab.UpdatedAt
		}
		if e, ok := s.tasks[req.ClientID]; ok && req.EntityType == schema.EntityTask {
			resp.ServerUpdatedAt = &e.task.UpdatedAt
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if len(req.ClientData) == 0 {
		writeError(w, http.StatusBadRequest, "client_data is required for keep_client")
		return
	}

	stamp := s.tick()
	switch req.EntityType {
	case schema.EntityTab:
		var tab schema.Tab
		if err := json.Unmarshal(req.ClientData, &tab); err != nil {
			writeError(w, http.StatusBadRequest, "invalid tab data")
			return
		}
		tab.ClientID = req.ClientID
		if e, ok := s.tabs[req.ClientID]; ok {
			tab.ID = e.tab.ID
		} else {
			tab.ID = s.newID()
		}
		tab.UpdatedAt = stamp
		s.storeTabAt(tab, stamp)
	case schema.EntityTask:
		var task schema.Task
		if err := json.Unmarshal(req.ClientData, &task); err != nil {
			writeError(w, http.StatusBadRequest, "invalid task data")
			return
		}
		task.ClientID = req.ClientID
		if e, ok := s.tasks[req.ClientID]; ok {
			task.ID = e.task.ID
		} else {
			task.ID = s.newID()
		}
		task.UpdatedAt = stamp
		s.storeTaskAt(task, stamp)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown entity type %q", req.EntityType))
		return
	}

	resp.ServerUpdatedAt = &stamp
	s.logger.Printf("Resolved %s %s with %s", req.EntityType, req.ClientID, req.Resolution)
	writeJSON(w, http.StatusOK, resp)
}

// storeTab saves tab with a fresh modification stamp. Caller must hold s.mu.
func (s *Server) storeTab(tab schema.Tab) {
	s.storeTabAt(tab, s.tick())
}

func (s *Server) storeTabAt(tab schema.Tab, modified time.Time) {
	tab.SyncStatus = ""
	tab.ServerUpdatedAt = nil
	s.tabs[tab.ClientID] = &tabEntry{tab: tab, modified: modified}

	// Backfill tasks that were pushed before their tab.
	for _, e := range s.tasks {
		if e.task.TabClientID == tab.ClientID && e.task.TabID == nil {
			e.task.TabID = tab.ID
		}
	}
}

// storeTask saves task with a fresh modification stamp after filling in
// whichever half of its references is missing. Caller must hold s.mu.
func (s *Server) storeTask(task schema.Task) {
	s.storeTaskAt(task, s.tick())
}

func (s *Server) storeTaskAt(task schema.Task, modified time.Time) {
	task.SyncStatus = ""
	task.ServerUpdatedAt = nil
	s.linkTask(&task)
	s.tasks[task.ClientID] = &taskEntry{task: task, modified: modified}

	// Backfill children that were pushed before their parent.
	for _, e := range s.tasks {
		if e.task.ParentClientID == task.ClientID && e.task.ParentTaskID == nil {
			e.task.ParentTaskID = task.ID
		}
	}
}

// linkTask resolves client-id references to integer ids and back.
func (s *Server) linkTask(task *schema.Task) {
	if task.ParentClientID != "" {
		if p, ok := s.tasks[task.ParentClientID]; ok {
			task.ParentTaskID = p.task.ID
		}
	} else if task.ParentTaskID != nil {
		if p := s.taskByID(*task.ParentTaskID); p != nil {
			task.ParentClientID = p.task.ClientID
		}
	}

	if task.TabClientID != "" {
		if t, ok := s.tabs[task.TabClientID]; ok {
			task.TabID = t.tab.ID
		}
	} else if task.TabID != nil {
		if t := s.tabByID(*task.TabID); t != nil {
			task.TabClientID = t.tab.ClientID
		}
	}
}

func (s *Server) tabByID(id int64) *tabEntry {
	for _, e := range s.tabs {
		if e.tab.ID != nil && *e.tab.ID == id {
			return e
		}
	}
	return nil
}

func (s *Server) taskByID(id int64) *taskEntry {
	for _, e := range s.tasks {
		if e.task.ID != nil && *e.task.ID == id {
			return e
		}
	}
	return nil
}

// decode reads a JSON body, answering 400 itself on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, schema.ErrorResponse{Detail: detail})
}
