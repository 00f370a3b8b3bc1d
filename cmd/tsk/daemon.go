package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tasksync/tasksync/internal/mirror/daemon"
	"github.com/tasksync/tasksync/internal/mirror/dashboard"
	"github.com/tasksync/tasksync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Keep the local mirror in sync in the background",
	Long: `Run the sync daemon in the foreground.

A sync runs at startup, every sync.interval, and shortly after any tsk
command changes the local mirror (sync.debounce after the last change).

Signals:
  SIGUSR1          queue a sync now (the app went to the background)
  SIGINT, SIGTERM  run a final sync, then exit

With --dashboard the sync state, pending conflicts and mirror statistics are
streamed over WebSocket at ws://127.0.0.1:<port>/ws.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")
		port, _ := cmd.Flags().GetInt("port")
		if !cmd.Flags().Changed("port") {
			port = cfg.Dashboard.Port
		}
		if err := runDaemon(withDashboard, port); err != nil {
			fatalf("%v", err)
		}
	},
}

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Run the sync daemon with the WebSocket dashboard",
	Long: `Run the sync daemon and serve a real-time dashboard.

WebSocket messages:
- sync_state: idle, syncing or error, with the last error
- conflicts: the full pending-conflict set, sent when it changes
- stats: tab, task, pending and conflict counts after each sync

A client that connects receives the latest message of each type first.

Endpoints:
  ws://127.0.0.1:8080/ws
  http://127.0.0.1:8080/health
  http://127.0.0.1:8080/status`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		port, _ := cmd.Flags().GetInt("port")
		if !cmd.Flags().Changed("port") {
			port = cfg.Dashboard.Port
		}
		if err := runDaemon(true, port); err != nil {
			fatalf("%v", err)
		}
	},
}

// runDaemon returns errors instead of exiting so that the store and engine
// are always closed.
func runDaemon(withDashboard bool, port int) error {
	if !cfg.Sync.Offline {
		return fmt.Errorf("the daemon needs the local mirror (sync.offline = true)")
	}
	logging.SetVerbose(true)
	logger := logging.Logger("daemon")

	store, err := newStore()
	if err != nil {
		return err
	}
	defer store.Close()
	engine, err := newEngine(store)
	if err != nil {
		return err
	}
	defer engine.Close()

	d, err := daemon.New(engine, &daemon.Config{
		SyncInterval:     cfg.Sync.Interval,
		DebounceInterval: cfg.Sync.Debounce,
		SignalPath:       cfg.SignalPath(),
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("creating daemon: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if withDashboard {
		server := dashboard.NewServer(&dashboard.Config{
			Port:   port,
			Logger: logging.Logger("dashboard"),
		})
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		handler := dashboard.NewHandler(server, store, logging.Logger("dashboard"))
		detach := handler.Attach(engine)
		handler.RefreshStats(ctx)
		fmt.Printf("%s Dashboard on ws://%s/ws\n", ui.RenderAccent("📡"), server.GetAddr())

		g.Go(func() error {
			<-gctx.Done()
			detach()
			return server.Stop()
		})
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case sig := <-sigs:
				if sig == syscall.SIGUSR1 {
					_ = d.Lifecycle(gctx, daemon.Background)
					continue
				}
				fmt.Printf("\n%s Final sync before exit...\n", ui.RenderAccent("→"))
				if err := d.Lifecycle(context.Background(), daemon.Inactive); err != nil {
					logger.Printf("WARNING: final sync failed: %v", err)
				}
				cancel()
				return nil
			}
		}
	})

	g.Go(func() error {
		return d.Start(gctx)
	})

	fmt.Printf("%s Sync daemon running (pid %d). Press Ctrl+C to stop.\n", ui.RenderPass("✓"), os.Getpid())
	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Printf("%s Daemon stopped\n", ui.RenderPass("✓"))
	return nil
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "Serve the WebSocket dashboard")
	daemonCmd.Flags().IntP("port", "p", 8080, "Dashboard port")
	dashboardCmd.Flags().IntP("port", "p", 8080, "Port to listen on")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(dashboardCmd)
}
