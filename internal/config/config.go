// Package config loads the daemon configuration from the base
// directory's config.yaml using Viper, falling back to defaults when the
// file is absent. Everything the daemon, hub, and gateway need at
// startup lives in one explicit struct; nothing reads Viper after Load
// returns.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved daemon configuration.
type Config struct {
	// BaseDir is the root data directory; the database, logs, and the
	// config file itself live under it.
	BaseDir string

	HubHost  string
	HubPorts []int
	// HubURL overrides HubHost/HubPorts with an explicit websocket URL.
	HubURL   string
	PeerURLs []string
	// PeerListenPorts, when set, has the daemon accept direct peer
	// connections on the first free port of the list.
	PeerListenPorts []int

	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffFactor  float64
	BackoffJitter  float64

	// SandboxTimeout bounds one sandboxed script execution.
	SandboxTimeout time.Duration

	LogLevel         string
	LogFormat        string
	LogRetentionDays int

	// AlertWebhookURL, when set, receives triggered alerts as JSON posts.
	AlertWebhookURL string
}

// DefaultBaseDir returns ~/.taskweave.
func DefaultBaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".taskweave")
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		BaseDir:          DefaultBaseDir(),
		HubHost:          "127.0.0.1",
		HubPorts:         []int{32191, 32192},
		BackoffInitial:   500 * time.Millisecond,
		BackoffMax:       30 * time.Second,
		BackoffFactor:    2,
		BackoffJitter:    0.5,
		SandboxTimeout:   3 * time.Second,
		LogLevel:         "info",
		LogFormat:        "json",
		LogRetentionDays: 7,
	}
}

// DatabasePath returns the SQLite file under the base directory.
func (c *Config) DatabasePath() string { return filepath.Join(c.BaseDir, "taskweave.db") }

// LogDir returns the log directory under the base directory.
func (c *Config) LogDir() string { return filepath.Join(c.BaseDir, "logs") }

// Load reads config.yaml from baseDir (the default base directory when
// empty). A missing file yields the defaults; a malformed one is an
// error.
func Load(baseDir string) (*Config, error) {
	cfg := Default()
	if baseDir != "" {
		cfg.BaseDir = expandPath(baseDir)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(cfg.BaseDir)

	v.SetDefault("hub.host", cfg.HubHost)
	v.SetDefault("hub.ports", cfg.HubPorts)
	v.SetDefault("hub.url", cfg.HubURL)
	v.SetDefault("peers", cfg.PeerURLs)
	v.SetDefault("peer_listen.ports", cfg.PeerListenPorts)
	v.SetDefault("backoff.initial", cfg.BackoffInitial)
	v.SetDefault("backoff.max", cfg.BackoffMax)
	v.SetDefault("backoff.factor", cfg.BackoffFactor)
	v.SetDefault("backoff.jitter", cfg.BackoffJitter)
	v.SetDefault("sandbox.timeout", cfg.SandboxTimeout)
	v.SetDefault("log.level", cfg.LogLevel)
	v.SetDefault("log.format", cfg.LogFormat)
	v.SetDefault("log.retention_days", cfg.LogRetentionDays)
	v.SetDefault("alerts.webhook_url", cfg.AlertWebhookURL)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg.HubHost = v.GetString("hub.host")
	cfg.HubPorts = v.GetIntSlice("hub.ports")
	cfg.HubURL = v.GetString("hub.url")
	cfg.PeerURLs = v.GetStringSlice("peers")
	cfg.PeerListenPorts = v.GetIntSlice("peer_listen.ports")
	cfg.BackoffInitial = v.GetDuration("backoff.initial")
	cfg.BackoffMax = v.GetDuration("backoff.max")
	cfg.BackoffFactor = v.GetFloat64("backoff.factor")
	cfg.BackoffJitter = v.GetFloat64("backoff.jitter")
	cfg.SandboxTimeout = v.GetDuration("sandbox.timeout")
	cfg.LogLevel = v.GetString("log.level")
	cfg.LogFormat = v.GetString("log.format")
	cfg.LogRetentionDays = v.GetInt("log.retention_days")
	cfg.AlertWebhookURL = v.GetString("alerts.webhook_url")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.BaseDir == "" {
		return fmt.Errorf("base directory is empty")
	}
	if c.HubURL == "" && len(c.HubPorts) == 0 {
		return fmt.Errorf("no hub ports configured")
	}
	for _, p := range c.HubPorts {
		if p < 1 || p > 65535 {
			return fmt.Errorf("hub port %d out of range", p)
		}
	}
	for _, p := range c.PeerListenPorts {
		if p < 1 || p > 65535 {
			return fmt.Errorf("peer listen port %d out of range", p)
		}
	}
	if c.BackoffInitial <= 0 {
		return fmt.Errorf("backoff initial %v must be positive", c.BackoffInitial)
	}
	if c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("backoff max %v below initial %v", c.BackoffMax, c.BackoffInitial)
	}
	if c.BackoffFactor < 1 {
		return fmt.Errorf("backoff factor %v must be at least 1", c.BackoffFactor)
	}
	if c.BackoffJitter < 0 || c.BackoffJitter > 1 {
		return fmt.Errorf("backoff jitter %v outside [0, 1]", c.BackoffJitter)
	}
	if c.SandboxTimeout <= 0 {
		return fmt.Errorf("sandbox timeout %v must be positive", c.SandboxTimeout)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

func expandPath(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
