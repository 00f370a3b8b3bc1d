package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tasksync/tasksync/internal/mirror/authority"
	"github.com/tasksync/tasksync/internal/ui"
)

var devAuthorityCmd = &cobra.Command{
	Use:     "dev-authority",
	GroupID: "advanced",
	Short:   "Run an in-memory sync server for local testing",
	Long: `Serve the sync protocol and REST routes from memory.

Point one or more configs at it to try multi-device sync and conflict
handling without a real backend:

  tsk dev-authority --port 8787 --token secret
  TSK_SERVER_URL=http://127.0.0.1:8787 TSK_SERVER_TOKEN=secret tsk sync

All data is lost when the process exits.`,
	Args:        cobra.NoArgs,
	Annotations: map[string]string{"skipConfig": "true"},
	Run: func(cmd *cobra.Command, args []string) {
		host, _ := cmd.Flags().GetString("host")
		port, _ := cmd.Flags().GetInt("port")
		token, _ := cmd.Flags().GetString("token")

		var logger *log.Logger
		if verbose {
			logger = log.New(os.Stderr, "[authority] ", log.LstdFlags)
		} else {
			logger = log.New(io.Discard, "", 0)
		}

		addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			fatalf("failed to listen on %s: %v", addr, err)
		}
		server := &http.Server{
			Handler:           authority.New(authority.Config{Token: token, Logger: logger}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		errc := make(chan error, 1)
		go func() { errc <- server.Serve(ln) }()

		fmt.Printf("%s Authority listening on http://%s\n", ui.RenderPass("✓"), ln.Addr())
		if token == "" {
			fmt.Printf("%s No --token set; requests are not authenticated\n", ui.RenderWarn("⚠"))
		}
		fmt.Println("Press Ctrl+C to stop...")

		select {
		case err := <-errc:
			if !errors.Is(err, http.ErrServerClosed) {
				fatalf("server error: %v", err)
			}
		case <-ctx.Done():
			fmt.Println("\nShutting down authority...")
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			if err := server.Shutdown(shutdownCtx); err != nil {
				fatalf("shutdown: %v", err)
			}
		}
	},
}

func init() {
	devAuthorityCmd.Flags().String("host", "127.0.0.1", "Host to bind")
	devAuthorityCmd.Flags().IntP("port", "p", 8787, "Port to listen on")
	devAuthorityCmd.Flags().String("token", "", "Bearer token clients must send")

	rootCmd.AddCommand(devAuthorityCmd)
}
