package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	app "github.com/taskweave/taskweave/internal"
	"github.com/taskweave/taskweave/internal/crdt"
	"github.com/taskweave/taskweave/internal/document"
	"github.com/taskweave/taskweave/pkg/models"
)

var inputsCmd = &cobra.Command{
	Use:   "inputs",
	Short: "List pending input requests across all tasks",
	Long: `List every question agents are waiting on, aggregated from the task
index. Answer one with: taskweave answer <task-id> <request-id> <response>`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.NewApp(baseDir, appVersion)
		if err != nil {
			return err
		}
		defer a.Close()

		var pending []models.GlobalInputRequest
		err = a.Engine.Read(models.IndexDocID, func(s *crdt.State) error {
			pending, err = document.PendingGlobalInputs(s)
			return err
		})
		if err != nil {
			return fmt.Errorf("reading task index: %w", err)
		}

		if len(pending) == 0 {
			fmt.Println("No pending input requests.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TASK\tREQUEST\tASKED\tPROMPT")
		for _, r := range pending {
			asked := ""
			if !r.CreatedAt.IsZero() {
				asked = r.CreatedAt.Local().Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.TaskID, r.ID, asked, r.Prompt)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(inputsCmd)
}
