package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pengelbrecht/ledgerloop/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ledgerloop",
		Short: "Work through a task ledger with an AI coding agent",
		Long: `Ledgerloop picks open tasks from a plain-text ledger, hands each one to a
coding agent, commits the result, has the agent review its own work with
fresh eyes and records the outcome back in the ledger. It keeps going until
no matching task is left, a limit is reached or it is told to stop.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", config.DefaultPath, "Path to config.yaml")

	root.AddCommand(
		newRunCmd(),
		newServeCmd(),
		newStatusCmd(),
		newStopCmd(),
		newLogsCmd(),
		newTasksCmd(),
		newWatchCmd(),
		newUpgradeCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
