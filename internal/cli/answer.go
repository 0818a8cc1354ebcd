package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	app "github.com/taskweave/taskweave/internal"
)

var answerCancel bool

var answerCmd = &cobra.Command{
	Use:   "answer <task-id> <request-id> [response...]",
	Short: "Answer or cancel an agent's input request",
	Long: `Resolve a pending input request on a task. The response is written
into the task document and the request leaves the pending list; the
asking agent sees the answer on its next read.

With --cancel the request is closed without a response.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID, requestID := args[0], args[1]
		response := strings.Join(args[2:], " ")
		if !answerCancel && response == "" {
			return fmt.Errorf("a response is required (or pass --cancel)")
		}
		if answerCancel && response != "" {
			return fmt.Errorf("--cancel takes no response")
		}

		a, err := app.NewApp(baseDir, appVersion)
		if err != nil {
			return err
		}
		defer a.Close()

		if answerCancel {
			if err := a.Gateway.CancelInput(taskID, requestID); err != nil {
				return err
			}
			fmt.Printf("cancelled input request %s on %s\n", requestID, taskID)
		} else {
			if err := a.Gateway.AnswerInput(taskID, requestID, response); err != nil {
				return err
			}
			fmt.Printf("answered input request %s on %s\n", requestID, taskID)
		}

		pushToHub(a)
		return nil
	},
}

// pushToHub gives the change a short window to reach the hub; the attach
// exchange carries the updated snapshots. Offline is fine, the change is
// persisted locally and syncs on the next attach from this base dir.
func pushToHub(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	a.Net.Start(ctx)
	defer a.Net.Stop()
	for ctx.Err() == nil {
		if a.Net.Status().Connected() {
			// Linger so the attach exchange drains before teardown.
			time.Sleep(200 * time.Millisecond)
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	fmt.Println("hub unreachable; the change will sync on the next connect")
}

func init() {
	answerCmd.Flags().BoolVar(&answerCancel, "cancel", false, "close the request without answering")
	rootCmd.AddCommand(answerCmd)
}
