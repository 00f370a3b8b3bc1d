package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tasksync/tasksync/internal/mirror/schema"
	"github.com/tasksync/tasksync/internal/ui"
)

var tabCmd = &cobra.Command{
	Use:     "tab",
	GroupID: "tasks",
	Short:   "Manage tabs",
	Long: `Tabs are named views that group tasks. The Today and All Tasks tabs are
built in and cannot be deleted.`,
}

var tabListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tabs",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		b, release := openBackend()
		defer release()

		tabs, err := b.Tabs(context.Background())
		if err != nil {
			fatalf("listing tabs: %v", err)
		}
		ui.RenderTabs(os.Stdout, tabs)
	},
}

var tabAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a tab",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		b, release := openBackend()
		defer release()

		tab, err := b.CreateTab(context.Background(), args[0])
		if err != nil {
			fatalf("creating tab: %v", err)
		}
		fmt.Printf("%s Created tab %s (%s)\n", ui.RenderPass("✓"), tab.Name, tab.ClientID)
	},
}

var tabRenameCmd = &cobra.Command{
	Use:   "rename <tab> <new-name>",
	Short: "Rename a tab",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		b, release := openBackend()
		defer release()

		tab, err := resolveTab(ctx, b, args[0])
		if err != nil {
			fatalf("%v", err)
		}
		updated, err := b.UpdateTab(ctx, tab.ClientID, schema.TabPatch{Name: &args[1]})
		if err != nil {
			fatalf("renaming tab: %v", err)
		}
		fmt.Printf("%s Renamed %s to %s\n", ui.RenderPass("✓"), tab.Name, updated.Name)
	},
}

var tabRemoveCmd = &cobra.Command{
	Use:     "rm <tab>",
	Aliases: []string{"delete"},
	Short:   "Delete a tab (its tasks are kept)",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		b, release := openBackend()
		defer release()

		tab, err := resolveTab(ctx, b, args[0])
		if err != nil {
			fatalf("%v", err)
		}
		if err := b.DeleteTab(ctx, tab.ClientID); err != nil {
			fatalf("deleting tab: %v", err)
		}
		fmt.Printf("%s Deleted tab %s\n", ui.RenderPass("✓"), tab.Name)
	},
}

func init() {
	tabCmd.AddCommand(tabListCmd)
	tabCmd.AddCommand(tabAddCmd)
	tabCmd.AddCommand(tabRenameCmd)
	tabCmd.AddCommand(tabRemoveCmd)
	rootCmd.AddCommand(tabCmd)
}
