package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tasksync/tasksync/internal/config"
	"github.com/tasksync/tasksync/internal/ui"
)

var (
	configPath string
	noColor    bool
	verbose    bool

	// Set by PersistentPreRun for every command except config init.
	cfg     *config.Config
	logging *config.Logging
)

var rootCmd = &cobra.Command{
	Use:   "tsk",
	Short: "Offline-first hierarchical tasks",
	Long: `tsk manages hierarchical tasks grouped into tabs.

With sync.offline enabled (the default) every command works against a local
SQLite mirror and changes are replicated to the server by 'tsk sync' or a
running 'tsk daemon'. With sync.offline disabled commands talk to the server
directly.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			ui.DisableColor()
		} else {
			ui.Init()
		}
		if cmd.Annotations["skipConfig"] == "true" {
			return
		}

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			fatalf("%v", err)
		}
		if verbose {
			cfg.Log.Verbose = true
		}
		logging, err = config.NewLogging(cfg.Log)
		if err != nil {
			fatalf("failed to open log file: %v", err)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logging != nil {
			_ = logging.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: $TSK_HOME/config.toml)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log sync activity to stderr")

	rootCmd.AddGroup(
		&cobra.Group{ID: "tasks", Title: "Tasks:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)
}

// fatalf prints an error and exits.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
