package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tasksync/tasksync/internal/duedate"
	"github.com/tasksync/tasksync/internal/mirror/schema"
	"github.com/tasksync/tasksync/internal/ui"
)

var taskCmd = &cobra.Command{
	Use:     "task",
	GroupID: "tasks",
	Short:   "Manage tasks",
	Long: `Tasks form trees up to three levels deep. Completing a task completes its
subtasks, and completing the last open subtask completes the parent.

Tasks are addressed by client id; any unique prefix works.`,
}

var taskAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Create a task",
	Example: `  tsk task add "Ship release" --tab Work --due "next friday"
  tsk task add "Write notes" --parent 3f2a`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		b, release := openBackend()
		defer release()

		in := schema.TaskInput{Title: args[0]}
		in.Description, _ = cmd.Flags().GetString("desc")

		if ref, _ := cmd.Flags().GetString("tab"); ref != "" {
			tab, err := resolveTab(ctx, b, ref)
			if err != nil {
				fatalf("%v", err)
			}
			in.TabClientID = tab.ClientID
		}
		if ref, _ := cmd.Flags().GetString("parent"); ref != "" {
			parent, err := resolveTask(ctx, b, ref)
			if err != nil {
				fatalf("%v", err)
			}
			in.ParentClientID = parent.ClientID
		}
		if raw, _ := cmd.Flags().GetString("due"); raw != "" {
			due, err := duedate.Parse(raw, time.Now())
			if err != nil {
				fatalf("%v", err)
			}
			in.DueDate, in.DueTime = due.Date, due.Time
		}

		task, err := b.CreateTask(ctx, in)
		if err != nil {
			fatalf("creating task: %v", err)
		}
		fmt.Printf("%s Created %s\n", ui.RenderPass("✓"), ui.TaskLine(task))
	},
}

var taskEditCmd = &cobra.Command{
	Use:   "edit <task>",
	Short: "Change a task's fields or parent",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		b, release := openBackend()
		defer release()

		task, err := resolveTask(ctx, b, args[0])
		if err != nil {
			fatalf("%v", err)
		}

		var patch schema.TaskPatch
		flags := cmd.Flags()
		if flags.Changed("title") {
			v, _ := flags.GetString("title")
			patch.Title = &v
		}
		if flags.Changed("desc") {
			v, _ := flags.GetString("desc")
			patch.Description = &v
		}
		if flags.Changed("due") {
			raw, _ := flags.GetString("due")
			due, err := duedate.Parse(raw, time.Now())
			if err != nil {
				fatalf("%v", err)
			}
			patch.DueDate, patch.DueTime = &due.Date, &due.Time
		}
		if clear, _ := flags.GetBool("clear-due"); clear {
			empty := ""
			patch.DueDate, patch.DueTime = &empty, &empty
		}
		if flags.Changed("parent") {
			ref, _ := flags.GetString("parent")
			parent, err := resolveTask(ctx, b, ref)
			if err != nil {
				fatalf("%v", err)
			}
			patch.ParentClientID = &parent.ClientID
		}
		if root, _ := flags.GetBool("root"); root {
			empty := ""
			patch.ParentClientID = &empty
		}

		updated, err := b.UpdateTask(ctx, task.ClientID, patch)
		if err != nil {
			fatalf("updating task: %v", err)
		}
		fmt.Printf("%s Updated %s\n", ui.RenderPass("✓"), ui.TaskLine(updated))
	},
}

// completionCmd builds the done and undo commands.
func completionCmd(use, short string, completed bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			b, release := openBackend()
			defer release()

			task, err := resolveTask(ctx, b, args[0])
			if err != nil {
				fatalf("%v", err)
			}
			updated, err := b.CompleteTask(ctx, task.ClientID, completed)
			if err != nil {
				fatalf("updating task: %v", err)
			}
			fmt.Printf("%s %s\n", ui.RenderPass("✓"), ui.TaskLine(updated))
		},
	}
}

var taskRemoveCmd = &cobra.Command{
	Use:     "rm <task>",
	Aliases: []string{"delete"},
	Short:   "Delete a task and its subtasks",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		b, release := openBackend()
		defer release()

		task, err := resolveTask(ctx, b, args[0])
		if err != nil {
			fatalf("%v", err)
		}
		if err := b.DeleteTask(ctx, task.ClientID); err != nil {
			fatalf("deleting task: %v", err)
		}
		fmt.Printf("%s Deleted %s\n", ui.RenderPass("✓"), task.Title)
	},
}

var taskMoveCmd = &cobra.Command{
	Use:   "move <task> [tab]",
	Short: "File a task under another tab (no tab unfiles it)",
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		b, release := openBackend()
		defer release()

		task, err := resolveTask(ctx, b, args[0])
		if err != nil {
			fatalf("%v", err)
		}
		tabClientID := ""
		if len(args) == 2 {
			tab, err := resolveTab(ctx, b, args[1])
			if err != nil {
				fatalf("%v", err)
			}
			tabClientID = tab.ClientID
		}
		updated, err := b.MoveTask(ctx, task.ClientID, tabClientID)
		if err != nil {
			fatalf("moving task: %v", err)
		}
		fmt.Printf("%s Moved %s\n", ui.RenderPass("✓"), ui.TaskLine(updated))
	},
}

var taskListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "Show tasks as a tree",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		b, release := openBackend()
		defer release()

		var filter *string
		if ref, _ := cmd.Flags().GetString("tab"); ref != "" {
			tab, err := resolveTab(ctx, b, ref)
			if err != nil {
				fatalf("%v", err)
			}
			filter = &tab.ClientID
		}
		tasks, err := b.TasksByTab(ctx, filter)
		if err != nil {
			fatalf("listing tasks: %v", err)
		}
		ui.RenderTaskTree(os.Stdout, tasks)
	},
}

var todayCmd = &cobra.Command{
	Use:     "today",
	GroupID: "tasks",
	Short:   "Show open tasks due today, overdue or undated",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		b, release := openBackend()
		defer release()

		tasks, err := b.TodayTasks(context.Background())
		if err != nil {
			fatalf("listing tasks: %v", err)
		}
		if len(tasks) == 0 {
			fmt.Printf("%s Nothing due today\n", ui.RenderPass("✓"))
			return
		}
		for _, task := range tasks {
			fmt.Println(ui.TaskLine(task))
		}
	},
}

func init() {
	taskAddCmd.Flags().String("tab", "", "Tab to file the task under (name or id)")
	taskAddCmd.Flags().String("parent", "", "Parent task")
	taskAddCmd.Flags().String("desc", "", "Description")
	taskAddCmd.Flags().String("due", "", `Due date ("2026-04-01", "tomorrow at 5pm", ...)`)

	taskEditCmd.Flags().String("title", "", "New title")
	taskEditCmd.Flags().String("desc", "", "New description")
	taskEditCmd.Flags().String("due", "", "New due date")
	taskEditCmd.Flags().Bool("clear-due", false, "Remove the due date")
	taskEditCmd.Flags().String("parent", "", "Move under another task")
	taskEditCmd.Flags().Bool("root", false, "Make the task a root task")
	taskEditCmd.MarkFlagsMutuallyExclusive("due", "clear-due")
	taskEditCmd.MarkFlagsMutuallyExclusive("parent", "root")

	taskListCmd.Flags().String("tab", "", "Only tasks filed under this tab")

	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskEditCmd)
	taskCmd.AddCommand(completionCmd("done", "Complete a task", true))
	taskCmd.AddCommand(completionCmd("undo", "Mark a task incomplete", false))
	taskCmd.AddCommand(taskRemoveCmd)
	taskCmd.AddCommand(taskMoveCmd)
	taskCmd.AddCommand(taskListCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(todayCmd)
}
