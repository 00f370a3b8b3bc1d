package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tasksync/tasksync/internal/export"
	"github.com/tasksync/tasksync/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "advanced",
	Short:   "Dump the local mirror as JSON or YAML",
	Long: `Write every tab and task in the local mirror, deleted ones included, along
with the device id, last sync time and pending conflicts.`,
	Example: `  tsk export > backup.json
  tsk export --format yaml --output mirror.yaml`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		requireOffline("export")

		raw, _ := cmd.Flags().GetString("format")
		format, err := export.ParseFormat(raw)
		if err != nil {
			fatalf("%v", err)
		}
		output, _ := cmd.Flags().GetString("output")

		ctx := context.Background()
		store := openStore()
		defer store.Close()

		snap, err := export.Build(ctx, store, time.Now())
		if err != nil {
			fatalf("reading mirror: %v", err)
		}

		var w io.Writer = os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				fatalf("%v", err)
			}
			defer f.Close()
			w = f
		}
		if err := export.Write(w, snap, format); err != nil {
			fatalf("%v", err)
		}
		if output != "" {
			fmt.Fprintf(os.Stderr, "%s Exported %d tabs and %d tasks to %s\n",
				ui.RenderPass("✓"), len(snap.Tabs), len(snap.Tasks), output)
		}
	},
}

func init() {
	exportCmd.Flags().StringP("format", "f", "json", "Output format: json or yaml")
	exportCmd.Flags().StringP("output", "o", "", "Write to a file instead of stdout")

	rootCmd.AddCommand(exportCmd)
}
