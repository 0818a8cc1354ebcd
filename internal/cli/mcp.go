package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	app "github.com/taskweave/taskweave/internal"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run a replica with the MCP gateway on stdio",
	Long: `Run a replica serving the task gateway over stdio for one agent.
The replica syncs through the hub in the background; the gateway works
against the local store either way, so tools keep working offline.

The agent's session token is read from ` + app.SessionTokenEnv + `. Tokens are
issued by the daemon on first run and rotated with the
regenerate_session_token tool.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.NewApp(baseDir, appVersion)
		if err != nil {
			return err
		}
		defer a.Close()

		if os.Getenv(app.SessionTokenEnv) == "" {
			// Stdout belongs to the MCP transport; complain on stderr.
			fmt.Fprintf(os.Stderr, "%s is not set; tool calls will be rejected\n", app.SessionTokenEnv)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		a.Net.Start(ctx)
		defer a.Net.Stop()

		if err := a.Gateway.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("running MCP gateway: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
