// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads chantd configuration.
//
// Sources, later ones winning:
//
//  1. DefaultConfig()
//  2. A YAML file (optional)
//  3. CHANT_* environment variables
//
// The result is validated with struct tags before use. A Watcher can
// reload the file at runtime; only the log level is applied live.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/unitychant/chant/pkg/extensions"
	"github.com/unitychant/chant/pkg/logging"
	"github.com/unitychant/chant/services/chant/engine"
	"github.com/unitychant/chant/services/chant/outbox"
	"github.com/unitychant/chant/services/chant/sweeper"
	"github.com/unitychant/chant/services/chant/telemetry"
)

// Store drivers.
const (
	DriverBadger   = "badger"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config is the complete chantd configuration.
type Config struct {
	Server    ServerConfig             `yaml:"server"`
	Store     StoreConfig              `yaml:"store"`
	Engine    engine.Config            `yaml:"engine"`
	Sweeper   sweeper.Config           `yaml:"sweeper"`
	Outbox    outbox.Config            `yaml:"outbox"`
	Webhook   extensions.WebhookConfig `yaml:"webhook"`
	Logging   logging.Config           `yaml:"logging"`
	Telemetry telemetry.Config         `yaml:"telemetry"`

	// Path is the file the configuration was loaded from, if any.
	Path string `yaml:"-"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address. Default: ":8080".
	Addr string `yaml:"addr" validate:"required,hostname_port"`

	// ShutdownTimeout bounds graceful shutdown. Default: 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`

	// ReadHeaderTimeout bounds reading request headers. Default: 10s.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" validate:"gte=0"`

	// DisableSweeper skips the in-process sweep scheduler, for deployments
	// that run `chantd sweep` from cron instead.
	DisableSweeper bool `yaml:"disable_sweeper"`

	// DisableDispatcher skips the in-process outbox dispatcher.
	DisableDispatcher bool `yaml:"disable_dispatcher"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	// Driver is badger, postgres or memory. Default: badger.
	Driver string `yaml:"driver" validate:"oneof=badger postgres memory"`

	// BadgerPath is the BadgerDB directory.
	BadgerPath string `yaml:"badger_path" validate:"required_if=Driver badger"`

	// BadgerGCInterval is how often the value log is collected.
	BadgerGCInterval time.Duration `yaml:"badger_gc_interval" validate:"gte=0"`

	// PostgresDSN is the libpq connection string.
	PostgresDSN string `yaml:"postgres_dsn" validate:"required_if=Driver postgres"`

	// PostgresMaxConns caps the pool size.
	PostgresMaxConns int32 `yaml:"postgres_max_conns" validate:"gte=0"`

	// Migrate applies the schema on start.
	Migrate bool `yaml:"migrate"`
}

// DefaultConfig returns a configuration that runs a single node on a local
// BadgerDB.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ShutdownTimeout:   15 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Driver:           DriverBadger,
			BadgerPath:       "./data/chant",
			BadgerGCInterval: 5 * time.Minute,
			PostgresMaxConns: 10,
			Migrate:          true,
		},
		Engine:  engine.DefaultConfig(),
		Sweeper: sweeper.DefaultConfig(),
		Outbox:  outbox.DefaultConfig(),
		Logging: logging.Config{
			Level:   "info",
			Format:  logging.FormatAuto,
			Service: "chantd",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

var validate = validator.New()

// Validate checks every struct tag in cfg.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Load builds the configuration from defaults, the file at path (skipped
// when path is empty) and the environment.
//
// # Outputs
//
//   - Config: The validated configuration.
//   - error: Unreadable file, bad YAML, bad env value or failed validation.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	cfg.Path = path
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WriteDefault writes DefaultConfig as YAML to path, creating parent
// directories. An existing file is left alone.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// =============================================================================
// Environment Overrides
// =============================================================================

// applyEnv overlays CHANT_* variables on cfg.
//
// # Variables
//
//   - CHANT_HTTP_ADDR: Server.Addr
//   - CHANT_STORE_DRIVER: Store.Driver
//   - CHANT_BADGER_PATH: Store.BadgerPath
//   - CHANT_POSTGRES_DSN: Store.PostgresDSN
//   - CHANT_LOG_LEVEL, CHANT_LOG_FORMAT, CHANT_LOG_DIR: Logging
//   - CHANT_WEBHOOK_URL, CHANT_WEBHOOK_SECRET: Webhook
//   - CHANT_SWEEP_INTERVAL, CHANT_SWEEP_CONCURRENCY: Sweeper
//   - CHANT_CELL_VOTING_TIMEOUT, CHANT_SUBMISSION_PERIOD: Engine
//   - CHANT_TRACE_EXPORTER, CHANT_METRIC_EXPORTER, CHANT_OTLP_ENDPOINT: Telemetry
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("CHANT_HTTP_ADDR", &cfg.Server.Addr)
	str("CHANT_STORE_DRIVER", &cfg.Store.Driver)
	str("CHANT_BADGER_PATH", &cfg.Store.BadgerPath)
	str("CHANT_POSTGRES_DSN", &cfg.Store.PostgresDSN)
	str("CHANT_LOG_LEVEL", &cfg.Logging.Level)
	format := string(cfg.Logging.Format)
	str("CHANT_LOG_FORMAT", &format)
	cfg.Logging.Format = logging.Format(format)
	str("CHANT_LOG_DIR", &cfg.Logging.LogDir)
	str("CHANT_WEBHOOK_URL", &cfg.Webhook.URL)
	str("CHANT_WEBHOOK_SECRET", &cfg.Webhook.Secret)
	str("CHANT_TRACE_EXPORTER", &cfg.Telemetry.TraceExporter)
	str("CHANT_METRIC_EXPORTER", &cfg.Telemetry.MetricExporter)
	str("CHANT_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)

	return errors.Join(
		dur("CHANT_SWEEP_INTERVAL", &cfg.Sweeper.Interval),
		num("CHANT_SWEEP_CONCURRENCY", &cfg.Sweeper.Concurrency),
		dur("CHANT_CELL_VOTING_TIMEOUT", &cfg.Engine.CellVotingTimeout),
		dur("CHANT_SUBMISSION_PERIOD", &cfg.Engine.SubmissionPeriod),
	)
}
