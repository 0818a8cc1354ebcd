package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	app "github.com/taskweave/taskweave/internal"
	"github.com/taskweave/taskweave/internal/crdt"
	"github.com/taskweave/taskweave/internal/document"
	"github.com/taskweave/taskweave/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show replica identity, paths, and store stats",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.NewApp(baseDir, appVersion)
		if err != nil {
			return err
		}
		defer a.Close()

		docs, err := a.Store.ListDocuments()
		if err != nil {
			return fmt.Errorf("listing documents: %w", err)
		}

		byStatus := map[models.TaskStatus]int{}
		var tasks int
		var pending []models.GlobalInputRequest
		var agents []models.AgentInfo
		err = a.Engine.Read(models.IndexDocID, func(s *crdt.State) error {
			entries, err := document.IndexEntries(s)
			if err != nil {
				return err
			}
			tasks = len(entries)
			for _, e := range entries {
				byStatus[e.Status]++
			}
			if pending, err = document.PendingGlobalInputs(s); err != nil {
				return err
			}
			agents, err = document.Agents(s)
			return err
		})
		if err != nil {
			return fmt.Errorf("reading task index: %w", err)
		}

		fmt.Printf("replica:   %s\n", a.Replica)
		fmt.Printf("base dir:  %s\n", a.Config.BaseDir)
		fmt.Printf("database:  %s\n", a.Config.DatabasePath())
		fmt.Printf("logs:      %s\n", a.Config.LogDir())
		if a.Config.HubURL != "" {
			fmt.Printf("hub:       %s\n", a.Config.HubURL)
		} else {
			fmt.Printf("hub:       %s ports %v\n", a.Config.HubHost, a.Config.HubPorts)
		}
		fmt.Printf("documents: %d snapshots, %d tasks\n", len(docs), tasks)
		for _, st := range []models.TaskStatus{models.StatusOpen, models.StatusInProgress, models.StatusBlocked, models.StatusCompleted} {
			if byStatus[st] > 0 {
				fmt.Printf("  %-12s %d\n", st, byStatus[st])
			}
		}
		if len(pending) > 0 {
			fmt.Printf("pending input requests: %d (taskweave inputs)\n", len(pending))
		}
		for _, ag := range agents {
			fmt.Printf("agent %s last seen %s\n", ag.ID, ag.LastSeen.Local().Format("2006-01-02 15:04"))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
