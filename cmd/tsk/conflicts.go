package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tasksync/tasksync/internal/mirror/schema"
	"github.com/tasksync/tasksync/internal/ui"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "sync",
	Short:   "List and resolve sync conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List entities the server rejected as conflicting",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		requireOffline("conflicts")
		store := openStore()
		defer store.Close()

		conflicts, err := store.Conflicts(context.Background())
		if err != nil {
			fatalf("reading conflicts: %v", err)
		}
		if len(conflicts) == 0 {
			fmt.Printf("%s No conflicts\n", ui.RenderPass("✓"))
			return
		}
		ui.RenderConflicts(os.Stdout, conflicts)
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve [client-id]",
	Short: "Keep the server or the local copy of conflicted entities",
	Long: `Resolve one conflict, or every pending conflict when no id is given.

--keep server discards the local edit. --keep client overwrites the server
with the local copy. Without --keep each conflict is offered interactively.`,
	Example: `  tsk conflicts resolve 3f2a --keep client
  tsk conflicts resolve --keep server`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		requireOffline("conflicts")

		keep, _ := cmd.Flags().GetString("keep")
		var fixed schema.Resolution
		switch keep {
		case "":
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				fatalf("--keep server|client is required when stdin is not a terminal")
			}
		case "server":
			fixed = schema.KeepServer
		case "client", "local":
			fixed = schema.KeepClient
		default:
			fatalf("--keep must be server or client, got %q", keep)
		}

		ctx := context.Background()
		store := openStore()
		defer store.Close()
		engine := openEngine(store)
		defer engine.Close()

		conflicts := engine.Conflicts()
		if len(args) == 1 {
			conflicts = matchConflicts(conflicts, args[0])
			if len(conflicts) == 0 {
				fatalf("no conflict matches %q", args[0])
			}
			if len(conflicts) > 1 {
				fatalf("%q matches %d conflicts; use a longer prefix", args[0], len(conflicts))
			}
		}
		if len(conflicts) == 0 {
			fmt.Printf("%s No conflicts\n", ui.RenderPass("✓"))
			return
		}

		resolved := 0
		for _, c := range conflicts {
			resolution := fixed
			if resolution == "" {
				var err error
				resolution, err = promptResolution(c)
				if errors.Is(err, huh.ErrUserAborted) {
					break
				}
				if err != nil {
					fatalf("%v", err)
				}
			}
			if err := engine.Resolve(ctx, c.EntityType, c.ClientID, resolution); err != nil {
				fmt.Fprintf(os.Stderr, "%s %s %s: %v\n", ui.RenderFail("✗"), c.EntityType, c.ClientID, err)
				continue
			}
			resolved++
			fmt.Printf("%s %s %s: %s\n", ui.RenderPass("✓"), c.EntityType, c.ClientID, resolution)
		}

		if left := len(engine.Conflicts()); left > 0 {
			fmt.Printf("\n%s Resolved %d, %d still pending\n", ui.RenderWarn("⚠"), resolved, left)
			return
		}
		fmt.Printf("\n%s Resolved %d conflict(s)\n", ui.RenderPass("✓"), resolved)
	},
}

func matchConflicts(conflicts []schema.ConflictData, ref string) []schema.ConflictData {
	var out []schema.ConflictData
	for _, c := range conflicts {
		if c.ClientID == ref {
			return []schema.ConflictData{c}
		}
		if strings.HasPrefix(c.ClientID, ref) {
			out = append(out, c)
		}
	}
	return out
}

func promptResolution(c schema.ConflictData) (schema.Resolution, error) {
	ui.RenderConflicts(os.Stdout, []schema.ConflictData{c})

	var choice schema.Resolution
	err := huh.NewSelect[schema.Resolution]().
		Title(fmt.Sprintf("Which copy of %s %s should win?", c.EntityType, c.ClientID)).
		Options(
			huh.NewOption("Server copy (discard my edit)", schema.KeepServer),
			huh.NewOption("Local copy (overwrite the server)", schema.KeepClient),
		).
		Value(&choice).
		Run()
	return choice, err
}

func init() {
	conflictsResolveCmd.Flags().String("keep", "", "Winning copy: server or client")

	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
