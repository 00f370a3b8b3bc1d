package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/tasksync/tasksync/internal/mirror/schema"
)

// TabLabel returns the tab name with a system marker.
func TabLabel(tab *schema.Tab) string {
	if tab.IsSystem {
		return tab.Name + " " + RenderMuted("(system)")
	}
	return tab.Name
}

// RenderTabs writes one line per tab.
func RenderTabs(w io.Writer, tabs []*schema.Tab) {
	if len(tabs) == 0 {
		fmt.Fprintln(w, RenderMuted("No tabs"))
		return
	}
	for _, tab := range tabs {
		fmt.Fprintf(w, "%s %s%s\n", RenderMuted(shortID(tab.ClientID)), TabLabel(tab), syncMark(tab.SyncStatus))
	}
}

// RenderTaskTree writes tasks as an indented tree. Tasks whose parent is not
// in the list are shown as roots.
func RenderTaskTree(w io.Writer, tasks []*schema.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, RenderMuted("No tasks"))
		return
	}

	present := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		present[t.ClientID] = true
	}
	children := make(map[string][]*schema.Task)
	var roots []*schema.Task
	for _, t := range tasks {
		if t.ParentClientID != "" && present[t.ParentClientID] {
			children[t.ParentClientID] = append(children[t.ParentClientID], t)
		} else {
			roots = append(roots, t)
		}
	}

	var walk func(list []*schema.Task, indent int)
	walk = func(list []*schema.Task, indent int) {
		sortTasks(list)
		for _, t := range list {
			fmt.Fprintf(w, "%s%s\n", strings.Repeat("  ", indent), TaskLine(t))
			walk(children[t.ClientID], indent+1)
		}
	}
	walk(roots, 0)
}

// TaskLine renders a single task without indentation.
func TaskLine(t *schema.Task) string {
	box := "[ ]"
	title := t.Title
	if t.IsCompleted {
		box = RenderPass("[x]")
		title = doneStyle.Render(title)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", box, title, RenderMuted(shortID(t.ClientID)))
	if t.DueDate != "" {
		due := "due " + t.DueDate
		if t.DueTime != "" {
			due += " " + t.DueTime
		}
		if !t.IsCompleted && t.DueDate < time.Now().Format(schema.DateLayout) {
			due = RenderWarn(due)
		} else {
			due = RenderMuted(due)
		}
		b.WriteString(" " + due)
	}
	b.WriteString(syncMark(t.SyncStatus))
	return b.String()
}

// RenderConflicts writes one block per pending conflict.
func RenderConflicts(w io.Writer, conflicts []schema.ConflictData) {
	if len(conflicts) == 0 {
		fmt.Fprintf(w, "%s No pending conflicts\n", RenderPass("✓"))
		return
	}
	fmt.Fprintf(w, "%s %d pending conflict(s)\n\n", RenderWarn("⚠"), len(conflicts))
	for _, c := range conflicts {
		fmt.Fprintf(w, "  %s %s\n", RenderAccent(string(c.EntityType)), c.ClientID)
		fmt.Fprintf(w, "    local edit:  %s\n", formatTime(&c.ClientUpdatedAt))
		fmt.Fprintf(w, "    server edit: %s\n", formatTime(c.ServerUpdatedAt))
		if name := conflictLabel(c.ServerData); name != "" {
			fmt.Fprintf(w, "    server copy: %s\n", name)
		}
		if name := conflictLabel(c.ClientData); name != "" {
			fmt.Fprintf(w, "    local copy:  %s\n", name)
		}
	}
}

// SyncStatus is what the status command reports.
type SyncStatus struct {
	Offline   bool
	State     string
	LastError error
	LastSync  *time.Time
	DeviceID  string
	Tabs      int
	Tasks     int
	Completed int
	Pending   int
	Conflicts int
}

// RenderSyncStatus writes the sync summary.
func RenderSyncStatus(w io.Writer, s SyncStatus) {
	fmt.Fprintf(w, "\n%s Sync Status\n\n", RenderAccent("📊"))
	if !s.Offline {
		fmt.Fprintln(w, "Mode:      online (no local mirror)")
		fmt.Fprintln(w)
		return
	}
	fmt.Fprintln(w, "Mode:      offline-first")

	state := s.State
	switch s.State {
	case "error":
		state = RenderFail(state)
	case "syncing":
		state = RenderWarn(state)
	default:
		state = RenderPass(state)
	}
	fmt.Fprintf(w, "State:     %s\n", state)
	if s.LastError != nil {
		fmt.Fprintf(w, "Error:     %v\n", s.LastError)
	}
	fmt.Fprintf(w, "Last sync: %s\n", formatTime(s.LastSync))
	if s.DeviceID != "" {
		fmt.Fprintf(w, "Device:    %s\n", s.DeviceID)
	}
	fmt.Fprintf(w, "Tabs:      %d\n", s.Tabs)
	fmt.Fprintf(w, "Tasks:     %d (%d completed)\n", s.Tasks, s.Completed)

	pending := fmt.Sprintf("%d", s.Pending)
	if s.Pending > 0 {
		pending = RenderWarn(pending)
	}
	fmt.Fprintf(w, "Pending:   %s\n", pending)

	conflicts := fmt.Sprintf("%d", s.Conflicts)
	if s.Conflicts > 0 {
		conflicts = RenderFail(conflicts)
	}
	fmt.Fprintf(w, "Conflicts: %s\n\n", conflicts)
}

func sortTasks(list []*schema.Task) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].OrderIndex != list[j].OrderIndex {
			return list[i].OrderIndex < list[j].OrderIndex
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}

func syncMark(status schema.SyncStatus) string {
	switch status {
	case schema.StatusPending:
		return " " + RenderWarn("↑")
	case schema.StatusConflict:
		return " " + RenderFail("!")
	}
	return ""
}

// shortID abbreviates a client id for display. Commands accept any unique
// prefix.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// conflictLabel pulls the title or name out of an entity payload.
func conflictLabel(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	var v struct {
		Name  string `json:"name"`
		Title string `json:"title"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	if v.Title != "" {
		return v.Title
	}
	return v.Name
}
