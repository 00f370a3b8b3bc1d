package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/tasksync/tasksync/internal/mirror/db"
	"github.com/tasksync/tasksync/internal/mirror/schema"
	mirrorsync "github.com/tasksync/tasksync/internal/mirror/sync"
)

// SyncStateData is the payload of a sync_state message.
type SyncStateData struct {
	State     string `json:"state"`
	Error     string `json:"error,omitempty"`
	Conflicts int    `json:"conflicts"`
}

// ConflictSummary describes one pending conflict without the entity payloads.
type ConflictSummary struct {
	EntityType      schema.EntityType `json:"entity_type"`
	ClientID        string            `json:"client_id"`
	EntityID        *int64            `json:"entity_id,omitempty"`
	ServerUpdatedAt *time.Time        `json:"server_updated_at,omitempty"`
	ClientUpdatedAt time.Time         `json:"client_updated_at"`
}

// ConflictsData is the payload of a conflicts message.
type ConflictsData struct {
	Conflicts []ConflictSummary `json:"conflicts"`
}

// StatsData is the payload of a stats message.
type StatsData struct {
	Tabs      int `json:"tabs"`
	Tasks     int `json:"tasks"`
	Completed int `json:"completed"`
	Deleted   int `json:"deleted"`
	Pending   int `json:"pending"`
	Conflicts int `json:"conflicts"`
}

// StatsSource supplies mirror statistics. *db.DB implements it.
type StatsSource interface {
	GetStats(ctx context.Context) (db.Stats, error)
}

// Handler turns orchestrator events into dashboard messages.
type Handler struct {
	server *Server
	logger *log.Logger
	stats  StatsSource

	mu        sync.Mutex
	conflicts []string
	primed    bool
}

// NewHandler creates a handler broadcasting through server. stats may be nil.
func NewHandler(server *Server, stats StatsSource, logger *log.Logger) *Handler {
	if logger == nil {
		logger = server.logger
	}
	return &Handler{
		server: server,
		logger: logger,
		stats:  stats,
	}
}

// Attach publishes the orchestrator's current state and subscribes to its
// events. The returned function detaches.
func (h *Handler) Attach(engine mirrorsync.Orchestrator) func() {
	h.OnEvent(mirrorsync.Event{
		State:     engine.State(),
		Err:       engine.LastError(),
		Conflicts: engine.Conflicts(),
	})
	return engine.Subscribe(h.OnEvent)
}

// OnEvent broadcasts a state message, a conflicts message when the set
// changed, and fresh statistics once the orchestrator settles.
func (h *Handler) OnEvent(ev mirrorsync.Event) {
	state := SyncStateData{State: string(ev.State), Conflicts: len(ev.Conflicts)}
	if ev.Err != nil {
		state.Error = ev.Err.Error()
	}
	h.publish(MessageTypeSyncState, state)

	if h.conflictsChanged(ev.Conflicts) {
		summaries := make([]ConflictSummary, 0, len(ev.Conflicts))
		for _, c := range ev.Conflicts {
			summaries = append(summaries, ConflictSummary{
				EntityType:      c.EntityType,
				ClientID:        c.ClientID,
				EntityID:        c.EntityID,
				ServerUpdatedAt: c.ServerUpdatedAt,
				ClientUpdatedAt: c.ClientUpdatedAt,
			})
		}
		h.logger.Printf("Conflict set changed: %d pending", len(summaries))
		h.publish(MessageTypeConflicts, ConflictsData{Conflicts: summaries})
	}

	if ev.State != mirrorsync.StateSyncing {
		h.RefreshStats(context.Background())
	}
}

// RefreshStats broadcasts the current mirror statistics.
func (h *Handler) RefreshStats(ctx context.Context) {
	if h.stats == nil {
		return
	}
	s, err := h.stats.GetStats(ctx)
	if err != nil {
		h.logger.Printf("WARNING: failed to read stats: %v", err)
		return
	}
	h.publish(MessageTypeStats, StatsData{
		Tabs:      s.Tabs,
		Tasks:     s.Tasks,
		Completed: s.Completed,
		Deleted:   s.Deleted,
		Pending:   s.Pending,
		Conflicts: s.Conflicts,
	})
}

// conflictsChanged compares the set's keys against the last published set.
func (h *Handler) conflictsChanged(conflicts []schema.ConflictData) bool {
	keys := make([]string, 0, len(conflicts))
	for _, c := range conflicts {
		keys = append(keys, string(c.EntityType)+"/"+c.ClientID)
	}
	sort.Strings(keys)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.primed && equalKeys(h.conflicts, keys) {
		return false
	}
	h.conflicts = keys
	h.primed = true
	return true
}

func (h *Handler) publish(typ MessageType, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	h.server.Broadcast(Message{Type: typ, Data: data})
}

func equalKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
