package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	app "github.com/taskweave/taskweave/internal"
	"github.com/taskweave/taskweave/internal/crdt"
	"github.com/taskweave/taskweave/internal/document"
	"github.com/taskweave/taskweave/pkg/models"
)

var (
	tasksStatus string
	tasksOutput string
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List the local task index",
	Long: `List every task known to this replica from the local index snapshot.
Works fully offline; the listing reflects whatever state has reached
this replica so far.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.NewApp(baseDir, appVersion)
		if err != nil {
			return err
		}
		defer a.Close()

		var entries []models.TaskIndexEntry
		err = a.Engine.Read(models.IndexDocID, func(s *crdt.State) error {
			entries, err = document.IndexEntries(s)
			return err
		})
		if err != nil {
			return fmt.Errorf("reading task index: %w", err)
		}

		if tasksStatus != "" {
			filtered := entries[:0]
			for _, e := range entries {
				if string(e.Status) == tasksStatus {
					filtered = append(filtered, e)
				}
			}
			entries = filtered
		}
		sort.Slice(entries, func(i, j int) bool {
			if !entries[i].UpdatedAt.Equal(entries[j].UpdatedAt) {
				return entries[i].UpdatedAt.After(entries[j].UpdatedAt)
			}
			return entries[i].TaskID < entries[j].TaskID
		})

		switch tasksOutput {
		case "json":
			data, err := json.MarshalIndent(entries, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
		case "yaml":
			data, err := yaml.Marshal(entries)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
		case "text":
			if len(entries) == 0 {
				fmt.Println("No tasks.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tSTATUS\tOWNER\tUPDATED\tTITLE")
			for _, e := range entries {
				updated := ""
				if !e.UpdatedAt.IsZero() {
					updated = e.UpdatedAt.Local().Format("2006-01-02 15:04")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.TaskID, e.Status, e.Owner, updated, e.Title)
			}
			return w.Flush()
		default:
			return fmt.Errorf("unknown output format %q (text, json, yaml)", tasksOutput)
		}
		return nil
	},
}

func init() {
	tasksCmd.Flags().StringVar(&tasksStatus, "status", "", "only tasks with this status")
	tasksCmd.Flags().StringVarP(&tasksOutput, "output", "o", "text", "output format: text, json, yaml")
	rootCmd.AddCommand(tasksCmd)
}
