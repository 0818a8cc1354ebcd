// Package cli implements the taskweave command tree. Every command
// builds an App for the configured base directory and starts only the
// pieces it runs: the daemon its sync loops, the hub its listener, the
// mcp command the stdio gateway.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskweave/taskweave/internal/config"
)

var (
	appVersion = "dev"
	appCommit  = "none"
	appDate    = "unknown"

	baseDir string
)

// SetVersionInfo sets the version information injected via ldflags.
func SetVersionInfo(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

var rootCmd = &cobra.Command{
	Use:   "taskweave",
	Short: "Offline-first task documents shared between agents and humans",
	Long: `taskweave keeps task documents as conflict-free replicated state.
Every replica works against its local store; a hub relays changes
between replicas whenever it is reachable, and replicas converge to
the same documents regardless of delivery order.

Agents mutate tasks through an MCP gateway (taskweave mcp); humans run
the daemon, answer input requests, and inspect the task index.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("taskweave %s\ncommit: %s\nbuilt:  %s\n", appVersion, appCommit, appDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseDir, "base", "",
		fmt.Sprintf("base data directory (default %s)", config.DefaultBaseDir()))
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
