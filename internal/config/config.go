package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for fieldsync.
type Config struct {
	// Remote backend settings (required).
	RemoteURL    string `env:"FIELDSYNC_REMOTE_URL"`
	RemoteAPIKey string `env:"FIELDSYNC_REMOTE_API_KEY"`

	// WorkspaceID scopes every read and write (required).
	WorkspaceID string `env:"FIELDSYNC_WORKSPACE_ID"`

	// RealtimeURL is the WebSocket endpoint the connectivity monitor
	// holds open. Empty derives wss://<remote host>/realtime/v1 from
	// RemoteURL.
	RealtimeURL string `env:"FIELDSYNC_REALTIME_URL"`

	// StateDir holds the local databases. Defaults to ~/.fieldsync/.
	StateDir string `env:"FIELDSYNC_STATE_DIR"`

	// CaptureDir is watched for dropped photos. Empty disables the
	// capture watcher.
	CaptureDir string `env:"FIELDSYNC_CAPTURE_DIR"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"FIELDSYNC_DEVICE_NAME"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// SyncInterval is the cadence of background sync cycles.
	SyncInterval time.Duration `env:"FIELDSYNC_SYNC_INTERVAL" envDefault:"30s"`

	// FullPullEvery is how many sync cycles pass between full pulls.
	// Cycles in between pull incrementally from the per-entity cursors.
	FullPullEvery int `env:"FIELDSYNC_FULL_PULL_EVERY" envDefault:"10"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "fieldsync"
		}

		cfg.DeviceName = hostname
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, err
		}

		cfg.StateDir = dir
	}

	if cfg.RealtimeURL == "" && cfg.RemoteURL != "" {
		cfg.RealtimeURL = deriveRealtimeURL(cfg.RemoteURL)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve directories to absolute paths at startup so later chdirs
	// cannot move the databases out from under the open handles.
	absState, err := filepath.Abs(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("resolving state dir to absolute path: %w", err)
	}

	cfg.StateDir = absState

	if cfg.CaptureDir != "" {
		absCapture, err := filepath.Abs(cfg.CaptureDir)
		if err != nil {
			return nil, fmt.Errorf("resolving capture dir to absolute path: %w", err)
		}

		cfg.CaptureDir = absCapture
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.RemoteURL == "" {
		return fmt.Errorf("FIELDSYNC_REMOTE_URL is required")
	}

	if c.RemoteAPIKey == "" {
		return fmt.Errorf("FIELDSYNC_REMOTE_API_KEY is required")
	}

	if c.WorkspaceID == "" {
		return fmt.Errorf("FIELDSYNC_WORKSPACE_ID is required")
	}

	if c.SyncInterval <= 0 {
		return fmt.Errorf("FIELDSYNC_SYNC_INTERVAL must be positive")
	}

	if c.FullPullEvery < 1 {
		return fmt.Errorf("FIELDSYNC_FULL_PULL_EVERY must be at least 1")
	}

	return nil
}

// defaultStateDir returns ~/.fieldsync/.
func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".fieldsync"), nil
}

// deriveRealtimeURL maps https://host to wss://host/realtime/v1.
func deriveRealtimeURL(remoteURL string) string {
	ws := remoteURL
	ws = strings.Replace(ws, "https://", "wss://", 1)
	ws = strings.Replace(ws, "http://", "ws://", 1)

	return strings.TrimRight(ws, "/") + "/realtime/v1"
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
