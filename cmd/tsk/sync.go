package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tasksync/tasksync/internal/mirror/schema"
	"github.com/tasksync/tasksync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Pull server changes and push local edits",
	Long: `Run one sync cycle against the server.

Server changes since the last sync are pulled first; entities with unpushed
local edits are left alone. Pending local edits are then pushed. Edits the
server rejects as conflicts are listed and can be settled with
'tsk conflicts resolve'.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		requireOffline("sync")

		store := openStore()
		defer store.Close()
		engine := openEngine(store)
		defer engine.Close()

		fmt.Printf("%s Syncing with %s...\n", ui.RenderAccent("→"), cfg.Server.URL)
		result, err := engine.Sync(context.Background())
		if err != nil {
			if errors.Is(err, schema.ErrSyncInProgress) {
				fatalf("another sync is running")
			}
			fatalf("sync failed: %v", err)
		}
		if result.Skipped {
			fmt.Printf("%s Another sync is already running\n", ui.RenderWarn("⚠"))
			return
		}

		fmt.Printf("  Pulled:    %d tabs, %d tasks\n", result.PulledTabs, result.PulledTasks)
		if result.Preserved > 0 {
			fmt.Printf("  Kept:      %d with local edits\n", result.Preserved)
		}
		fmt.Printf("  Pushed:    %d\n", result.Pushed)

		if len(result.Conflicts) > 0 {
			fmt.Printf("\n%s %d conflict(s) need a decision\n", ui.RenderWarn("⚠"), len(result.Conflicts))
			ui.RenderConflicts(os.Stdout, result.Conflicts)
			fmt.Println("\nRun 'tsk conflicts resolve' to settle them.")
			return
		}
		fmt.Printf("\n%s Sync complete\n", ui.RenderPass("✓"))
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync state and mirror statistics",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		status := ui.SyncStatus{Offline: cfg.Sync.Offline}
		if !cfg.Sync.Offline {
			ui.RenderSyncStatus(os.Stdout, status)
			return
		}

		ctx := context.Background()
		store := openStore()
		defer store.Close()

		meta, err := store.Metadata(ctx)
		if err != nil {
			fatalf("reading sync metadata: %v", err)
		}
		stats, err := store.GetStats(ctx)
		if err != nil {
			fatalf("reading statistics: %v", err)
		}

		// No engine runs in this process; a running daemon reports its
		// own state on the dashboard.
		status.State = "idle"
		status.DeviceID = meta.DeviceID
		status.LastSync = meta.LastSyncAt
		status.Tabs = stats.Tabs
		status.Tasks = stats.Tasks
		status.Completed = stats.Completed
		status.Pending = stats.Pending
		status.Conflicts = stats.Conflicts
		ui.RenderSyncStatus(os.Stdout, status)
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
}
