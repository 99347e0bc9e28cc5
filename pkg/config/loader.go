package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// yamlConfig mirrors Config with durations as strings so chronicle.yaml can
// say "30s" instead of nanosecond integers. Absent fields keep the defaults.
type yamlConfig struct {
	Server struct {
		ListenAddr       string   `yaml:"listen_addr"`
		AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
		ShutdownTimeout  string   `yaml:"shutdown_timeout"` // Parsed to time.Duration
	} `yaml:"server"`
	Stream struct {
		HeartbeatInterval string `yaml:"heartbeat_interval"`
		HeartbeatTimeout  string `yaml:"heartbeat_timeout"`
		WriteTimeout      string `yaml:"write_timeout"`
		MaxBufferSize     *int   `yaml:"max_buffer_size"`
	} `yaml:"stream"`
	Reconcile struct {
		Enabled        *bool  `yaml:"enabled"`
		Interval       string `yaml:"interval"`
		StaleThreshold string `yaml:"stale_threshold"`
		Action         string `yaml:"action"`
	} `yaml:"reconcile"`
	Retention struct {
		DeleteStreamOnCommit *bool `yaml:"delete_stream_on_commit"`
	} `yaml:"retention"`
}

// Load reads chronicle.yaml from path, expands environment variables, and
// overlays the result on the defaults. A missing file is not an error: the
// defaults stand.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Info("No configuration file found, using defaults", "path", path)
			return cfg, validate(cfg)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	// Environment variables use {{.VAR}} template syntax; see ExpandEnv.
	data = ExpandEnv(data)

	var raw yamlConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := overlay(cfg, &raw); err != nil {
		return nil, fmt.Errorf("invalid value in %s: %w", path, err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	slog.Info("Configuration loaded", "path", path)
	return cfg, nil
}

// overlay applies the parsed YAML on top of the defaults.
func overlay(cfg *Config, raw *yamlConfig) error {
	if raw.Server.ListenAddr != "" {
		cfg.Server.ListenAddr = raw.Server.ListenAddr
	}
	if raw.Server.AllowedWSOrigins != nil {
		cfg.Server.AllowedWSOrigins = raw.Server.AllowedWSOrigins
	}
	if err := setDuration(&cfg.Server.ShutdownTimeout, raw.Server.ShutdownTimeout, "server.shutdown_timeout"); err != nil {
		return err
	}

	if err := setDuration(&cfg.Stream.HeartbeatInterval, raw.Stream.HeartbeatInterval, "stream.heartbeat_interval"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Stream.HeartbeatTimeout, raw.Stream.HeartbeatTimeout, "stream.heartbeat_timeout"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Stream.WriteTimeout, raw.Stream.WriteTimeout, "stream.write_timeout"); err != nil {
		return err
	}
	if raw.Stream.MaxBufferSize != nil {
		cfg.Stream.MaxBufferSize = *raw.Stream.MaxBufferSize
	}

	if raw.Reconcile.Enabled != nil {
		cfg.Reconcile.Enabled = raw.Reconcile.Enabled
	}
	if err := setDuration(&cfg.Reconcile.Interval, raw.Reconcile.Interval, "reconcile.interval"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Reconcile.StaleThreshold, raw.Reconcile.StaleThreshold, "reconcile.stale_threshold"); err != nil {
		return err
	}
	if raw.Reconcile.Action != "" {
		cfg.Reconcile.Action = raw.Reconcile.Action
	}

	if raw.Retention.DeleteStreamOnCommit != nil {
		cfg.Retention.DeleteStreamOnCommit = *raw.Retention.DeleteStreamOnCommit
	}
	return nil
}

func setDuration(dst *time.Duration, raw, field string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = d
	return nil
}
