// Package config loads and validates Chronicle's YAML configuration. A
// single chronicle.yaml covers the HTTP server, the stream transport, the
// reconciler, and retention; every field has a default so an empty file (or
// none at all) yields a working local setup.
package config

import (
	"fmt"
	"time"

	"github.com/chroniclehq/chronicle/pkg/ledger"
)

// Config is the fully resolved configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Stream    StreamConfig    `yaml:"stream"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Retention RetentionConfig `yaml:"retention"`
}

// ServerConfig covers the HTTP/WebSocket listener.
type ServerConfig struct {
	// ListenAddr is the address the HTTP server binds.
	ListenAddr string `yaml:"listen_addr"`
	// AllowedWSOrigins lists origins accepted on WebSocket upgrade. Empty
	// allows same-origin only; "*" allows any (development).
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StreamConfig tunes the fan-out transport.
type StreamConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	// MaxBufferSize bounds each connection's outbound queue; slow clients
	// exceeding it are disconnected.
	MaxBufferSize int `yaml:"max_buffer_size"`
}

// ReconcileConfig tunes the stale-run reconciler.
type ReconcileConfig struct {
	Enabled        *bool         `yaml:"enabled"`
	Interval       time.Duration `yaml:"interval"`
	StaleThreshold time.Duration `yaml:"stale_threshold"`
	// Action is applied to stale runs: fail or cancel.
	Action string `yaml:"action"`
}

// RetentionConfig controls what happens to event streams after commit.
type RetentionConfig struct {
	// DeleteStreamOnCommit drops a run's event stream once its transcript
	// is durably committed.
	DeleteStreamOnCommit bool `yaml:"delete_stream_on_commit"`
}

// Default returns the built-in configuration.
func Default() *Config {
	enabled := true
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Stream: StreamConfig{
			HeartbeatInterval: 30 * time.Second,
			HeartbeatTimeout:  60 * time.Second,
			WriteTimeout:      10 * time.Second,
			MaxBufferSize:     1024,
		},
		Reconcile: ReconcileConfig{
			Enabled:        &enabled,
			Interval:       time.Minute,
			StaleThreshold: 5 * time.Minute,
			Action:         string(ledger.RecoverActionFail),
		},
		Retention: RetentionConfig{},
	}
}

// ReconcileEnabled resolves the tri-state enabled flag.
func (c *Config) ReconcileEnabled() bool {
	return c.Reconcile.Enabled == nil || *c.Reconcile.Enabled
}

// validate rejects configurations that cannot work.
func validate(cfg *Config) error {
	if cfg.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr must not be empty")
	}
	if cfg.Stream.MaxBufferSize <= 0 {
		return fmt.Errorf("stream.max_buffer_size must be positive, got %d", cfg.Stream.MaxBufferSize)
	}
	if cfg.Stream.HeartbeatTimeout <= cfg.Stream.HeartbeatInterval {
		return fmt.Errorf("stream.heartbeat_timeout (%s) must exceed heartbeat_interval (%s)",
			cfg.Stream.HeartbeatTimeout, cfg.Stream.HeartbeatInterval)
	}
	switch ledger.RecoverAction(cfg.Reconcile.Action) {
	case ledger.RecoverActionFail, ledger.RecoverActionCancel:
	default:
		return fmt.Errorf("reconcile.action must be fail or cancel, got %q", cfg.Reconcile.Action)
	}
	if cfg.Reconcile.Interval <= 0 {
		return fmt.Errorf("reconcile.interval must be positive, got %s", cfg.Reconcile.Interval)
	}
	if cfg.Reconcile.StaleThreshold <= 0 {
		return fmt.Errorf("reconcile.stale_threshold must be positive, got %s", cfg.Reconcile.StaleThreshold)
	}
	return nil
}
