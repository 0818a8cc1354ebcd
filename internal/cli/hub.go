package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	app "github.com/taskweave/taskweave/internal"
	"github.com/taskweave/taskweave/internal/hub"
	"github.com/taskweave/taskweave/internal/transport"
)

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Run the sync relay",
	Long: `Run the hub that replicas attach to. The hub keeps its own replica of
every document, so a client that connects while all others are offline
still receives the full known state. It binds the first free port of
the configured hub port list; dialers walk the same list.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.NewApp(baseDir, appVersion)
		if err != nil {
			return err
		}
		defer a.Close()

		ln, port, err := transport.Listen(a.Config.HubPorts)
		if err != nil {
			return fmt.Errorf("hub listener: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("hub %s listening on port %d (base %s)\n", a.Replica, port, a.Config.BaseDir)
		h := hub.New(a.Engine, a.Log)
		if err := h.Run(ctx, ln); err != nil && ctx.Err() == nil {
			return err
		}
		fmt.Println("shutting down")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hubCmd)
}
