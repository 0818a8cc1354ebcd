// Package internal provides the App struct that wires all components of a
// taskweave replica together for the CLI layer.
package internal

import (
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/taskweave/taskweave/internal/config"
	"github.com/taskweave/taskweave/internal/conn"
	"github.com/taskweave/taskweave/internal/document"
	"github.com/taskweave/taskweave/internal/engine"
	"github.com/taskweave/taskweave/internal/fault"
	"github.com/taskweave/taskweave/internal/gateway"
	"github.com/taskweave/taskweave/internal/logging"
	"github.com/taskweave/taskweave/internal/observability"
	"github.com/taskweave/taskweave/internal/sandbox"
	"github.com/taskweave/taskweave/internal/session"
	"github.com/taskweave/taskweave/internal/store"
	"github.com/taskweave/taskweave/pkg/models"
)

// SessionTokenEnv names the environment variable the gateway reads its
// session token from.
const SessionTokenEnv = "TASKWEAVE_SESSION_TOKEN"

// App holds all service dependencies for one replica. NewApp wires
// everything but starts nothing; commands start the pieces they run.
type App struct {
	Config  *config.Config
	Replica string
	AgentID string

	// Logging
	Log *logging.Logger

	// Persistence
	Store *store.Store

	// Sync
	Engine *engine.Engine
	Net    *conn.Manager

	// Sessions
	Sessions *session.Manager

	// Observability
	Bus         *observability.Bus
	EventLog    observability.EventLog
	AlertEngine observability.AlertEngine
	MetricsCalc observability.MetricsCalculator
	Notifier    observability.Notifier

	// Gateway
	Runner  *sandbox.Runner
	Gateway *gateway.Server

	logSub *observability.BusSubscription
	netSub *conn.Watch
}

// NewApp creates and wires all components. baseDir is the data root
// (default ~/.taskweave); version is stamped into the gateway's server
// identity.
func NewApp(baseDir, version string) (*App, error) {
	app := &App{}

	// --- Configuration ---
	cfg, err := config.Load(baseDir)
	if err != nil {
		return nil, err
	}
	app.Config = cfg

	// --- Logging ---
	app.Log, err = logging.New(logging.Config{
		Level:         cfg.LogLevel,
		Dir:           cfg.LogDir(),
		Format:        cfg.LogFormat,
		RetentionDays: cfg.LogRetentionDays,
	})
	if err != nil {
		return nil, err
	}

	// --- Persistence ---
	app.Store, err = store.Open(cfg.DatabasePath(), app.Log)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Replica, err = replicaID(app.Store)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.AgentID = "agent-" + app.Replica[:8]

	// --- Sync engine ---
	app.Engine = engine.New(app.Replica, app.Store, app.Log)

	// --- Observability ---
	app.Bus = observability.NewBus()
	eventLog, err := observability.NewJSONLEventLog(filepath.Join(cfg.LogDir(), "events.jsonl"))
	if err != nil {
		// Non-fatal: the replica runs without the event log.
		app.Log.WarnEvent().Err(err).Msg("event log disabled")
	} else {
		app.EventLog = eventLog
		app.logSub = app.Bus.Subscribe(func(e observability.Event) {
			_ = eventLog.Write(e)
		})
		app.AlertEngine = observability.NewAlertEngine(eventLog, observability.DefaultAlertThresholds())
		app.MetricsCalc = observability.NewMetricsCalculator(eventLog)
	}
	if cfg.AlertWebhookURL != "" {
		app.Notifier = observability.NewWebhookNotifier(cfg.AlertWebhookURL)
	}

	// --- Networking ---
	app.Net = conn.NewManager(conn.Config{
		Replica:  app.Replica,
		HubHost:  cfg.HubHost,
		HubPorts: cfg.HubPorts,
		HubURL:   cfg.HubURL,
		PeerURLs: cfg.PeerURLs,
		Backoff: conn.Backoff{
			Initial: cfg.BackoffInitial,
			Max:     cfg.BackoffMax,
			Factor:  cfg.BackoffFactor,
			Jitter:  cfg.BackoffJitter,
		},
	}, app.Engine, app.Log)
	app.Engine.SetTransmitter(app.Net)
	app.netSub = app.Net.OnChange(app.publishNetChange())

	// --- Sessions ---
	app.Sessions = session.NewManager(app.Store, app.Log)

	// --- Gateway ---
	app.Runner = sandbox.New(cfg.SandboxTimeout, app.Log)
	app.Gateway = gateway.NewServer(gateway.Deps{
		Engine:   app.Engine,
		Net:      app.Net,
		Sessions: app.Sessions,
		Runner:   app.Runner,
		Bus:      app.Bus,
		AgentID:  app.AgentID,
		Token:    os.Getenv(SessionTokenEnv),
		Version:  version,
	}, app.Log)

	return app, nil
}

// AnnounceAgent refreshes this replica's liveness row in the index. The
// row rides the next attach exchange even while offline.
func (app *App) AnnounceAgent() error {
	return app.Engine.Update(models.IndexDocID, func(tx *document.Tx) error {
		tx.TouchAgent(models.AgentInfo{ID: app.AgentID, LastSeen: time.Now().UTC()})
		return nil
	})
}

// Close releases everything NewApp opened. Commands stop what they
// started (listeners, the conn manager) before calling Close.
func (app *App) Close() {
	if app.netSub != nil {
		app.netSub.Cancel()
	}
	if app.logSub != nil {
		app.logSub.Cancel()
	}
	if app.EventLog != nil {
		_ = app.EventLog.Close()
	}
	if app.Store != nil {
		_ = app.Store.Close()
	}
	if app.Log != nil {
		_ = app.Log.Close()
	}
}

// replicaID loads the stable replica identity, minting one on first run.
func replicaID(st *store.Store) (string, error) {
	id, err := st.InstanceValue("replica_id")
	if err == nil {
		return id, nil
	}
	if !fault.IsKind(err, fault.NotFound) {
		return "", err
	}
	id = uuid.NewString()
	if err := st.SetInstanceValue("replica_id", id); err != nil {
		return "", err
	}
	return id, nil
}

// publishNetChange bridges connectivity transitions onto the event bus,
// where the alert engine's flap detection and the JSONL log pick them up.
func (app *App) publishNetChange() func(conn.Status) {
	var last conn.Status
	return func(s conn.Status) {
		switch {
		case s.Hub == conn.StateConnected && last.Hub != conn.StateConnected:
			app.Bus.Emit(observability.EventHubConnected, "", app.Replica, "hub link established", nil)
		case s.Hub != conn.StateConnected && last.Hub == conn.StateConnected:
			app.Bus.Emit(observability.EventHubLost, "", app.Replica, "hub link lost", nil)
		}
		if s.Peers != last.Peers {
			app.Bus.Emit(observability.EventPeerCount, "", app.Replica, "peer count changed", map[string]any{
				"peers": s.Peers,
			})
		}
		last = s
	}
}
