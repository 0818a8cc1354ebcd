package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	app "github.com/taskweave/taskweave/internal"
	"github.com/taskweave/taskweave/internal/hub"
	"github.com/taskweave/taskweave/internal/transport"
)

var daemonAlertInterval time.Duration

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run a syncing replica",
	Long: `Run a replica that keeps its local store in sync: it dials the hub
(reconnecting with backoff while the hub is away), dials any configured
peers, optionally accepts direct peer connections, and evaluates alert
conditions against the event log.

On first run a session token is issued and printed once; hand it to the
agent process via ` + app.SessionTokenEnv + `.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.NewApp(baseDir, appVersion)
		if err != nil {
			return err
		}
		defer a.Close()

		token, issued, err := a.Sessions.Ensure()
		if err != nil {
			return fmt.Errorf("ensuring session token: %w", err)
		}
		if issued {
			fmt.Printf("issued session token (shown once): %s\n", token)
			fmt.Printf("export %s=%s\n", app.SessionTokenEnv, token)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a.Net.Start(ctx)
		defer a.Net.Stop()

		if err := a.AnnounceAgent(); err != nil {
			a.Log.WarnEvent().Err(err).Msg("agent announce failed")
		}

		if ports := a.Config.PeerListenPorts; len(ports) > 0 {
			ln, port, err := transport.Listen(ports)
			if err != nil {
				return fmt.Errorf("peer listener: %w", err)
			}
			h := hub.New(a.Engine, a.Log)
			go func() {
				if err := h.Run(ctx, ln); err != nil && ctx.Err() == nil {
					a.Log.Err(err).Msg("peer listener stopped")
				}
			}()
			fmt.Printf("accepting peers on port %d\n", port)
		}

		if a.AlertEngine != nil {
			go runAlertLoop(ctx, a)
		}

		fmt.Printf("replica %s running (base %s)\n", a.Replica, a.Config.BaseDir)
		<-ctx.Done()
		fmt.Println("shutting down")
		return nil
	},
}

// runAlertLoop periodically evaluates alert conditions, logging what
// triggers and forwarding to the webhook notifier when configured.
func runAlertLoop(ctx context.Context, a *app.App) {
	ticker := time.NewTicker(daemonAlertInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		alerts, err := a.AlertEngine.Evaluate()
		if err != nil {
			a.Log.WarnEvent().Err(err).Msg("alert evaluation failed")
			continue
		}
		if len(alerts) == 0 {
			continue
		}
		for _, alert := range alerts {
			a.Log.WarnEvent().
				Str("severity", string(alert.Severity)).
				Str("condition", alert.Condition).
				Msg(alert.Message)
		}
		if a.Notifier != nil {
			if err := a.Notifier.Notify(alerts); err != nil {
				a.Log.WarnEvent().Err(err).Msg("alert notification failed")
			}
		}
	}
}

func init() {
	daemonCmd.Flags().DurationVar(&daemonAlertInterval, "alert-interval", time.Minute,
		"how often alert conditions are evaluated")
	rootCmd.AddCommand(daemonCmd)
}
