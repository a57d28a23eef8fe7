// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the FOV service configuration.
//
// Precedence, lowest first: DefaultConfig, the YAML file, environment
// variables, then command-line flags applied by the caller. Every layer
// only overrides the fields it names.
//
// # Example File
//
//	server:
//	  port: 12230
//	logging:
//	  level: debug
//	registry:
//	  max_sessions: 500
//	  idle_timeout: 45m
//	archive:
//	  enabled: true
//	  path: ~/.aleutian/fov/archive
//	session:
//	  split: {immediate: 15, working: 20, episodic: 30, semantic: 35, reserved_output: 10}
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianFOV/pkg/logging"
	"github.com/AleutianAI/AleutianFOV/services/fov/archive"
	"github.com/AleutianAI/AleutianFOV/services/fov/handlers"
	"github.com/AleutianAI/AleutianFOV/services/fov/middleware"
	"github.com/AleutianAI/AleutianFOV/services/fov/registry"
	"github.com/AleutianAI/AleutianFOV/services/fov/session"
	"github.com/AleutianAI/AleutianFOV/services/fov/telemetry"
)

// DefaultPort is the HTTP port of the FOV service.
const DefaultPort = 12230

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig               `yaml:"server" json:"server"`
	Logging   logging.Config             `yaml:"logging" json:"logging"`
	Telemetry telemetry.Config           `yaml:"telemetry" json:"telemetry"`
	Session   session.Config             `yaml:"session" json:"session"`
	Tokens    TokensConfig               `yaml:"tokens" json:"tokens"`
	Registry  RegistryConfig             `yaml:"registry" json:"registry"`
	Archive   ArchiveConfig              `yaml:"archive" json:"archive"`
	RateLimit middleware.RateLimitConfig `yaml:"rate_limit" json:"rateLimit"`
	Stream    handlers.StreamConfig      `yaml:"stream" json:"stream"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port int `yaml:"port" json:"port" validate:"gte=1,lte=65535"`

	// GinMode is debug, release or test.
	GinMode string `yaml:"gin_mode" json:"ginMode" validate:"omitempty,oneof=debug release test"`

	// ShutdownTimeout bounds graceful shutdown of in-flight requests.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdownTimeout" validate:"gte=0"`
}

// TokensConfig selects the token estimator shared by all sessions.
type TokensConfig struct {
	// Estimator is heuristic, word or model.
	Estimator string `yaml:"estimator" json:"estimator" validate:"omitempty,oneof=heuristic word model"`

	// Model names the tokenizer for the model estimator.
	Model string `yaml:"model" json:"model" validate:"required_if=Estimator model"`
}

// RegistryConfig bounds the live session set.
type RegistryConfig struct {
	MaxSessions    int           `yaml:"max_sessions" json:"maxSessions" validate:"gte=0"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idleTimeout" validate:"gte=0"`
	EndedRetention time.Duration `yaml:"ended_retention" json:"endedRetention" validate:"gte=0"`

	// SweepInterval is how often idle and expired sessions are removed
	// and the self-check runs.
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweepInterval" validate:"gt=0"`
}

// ArchiveConfig enables the BadgerDB archive of removed sessions.
type ArchiveConfig struct {
	Enabled        bool `yaml:"enabled" json:"enabled"`
	archive.Config `yaml:",inline"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:            DefaultPort,
			GinMode:         "release",
			ShutdownTimeout: 10 * time.Second,
		},
		Logging:   logging.Config{Level: "info", Format: logging.FormatAuto, Service: "fov"},
		Telemetry: telemetry.DefaultConfig(),
		Session:   session.DefaultConfig(),
		Tokens:    TokensConfig{Estimator: "heuristic"},
		Registry: RegistryConfig{
			MaxSessions:    1000,
			IdleTimeout:    time.Hour,
			EndedRetention: 15 * time.Minute,
			SweepInterval:  registry.DefaultSweeperConfig().Interval,
		},
		Archive: ArchiveConfig{
			Enabled: false,
			Config:  archive.DefaultConfig(),
		},
		RateLimit: middleware.DefaultRateLimitConfig(),
		Stream:    handlers.DefaultStreamConfig(),
	}
}

// Load reads path over the defaults and applies environment overrides.
//
// # Description
//
// An empty path or a missing file yields the defaults. Fields absent
// from the file keep their default values. The result is validated.
//
// # Outputs
//
//   - Config: The effective configuration.
//   - error: Unreadable or malformed file, bad environment value or a
//     configuration that fails Validate.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment.
//
//   - FOV_PORT: server port
//   - FOV_LOG_LEVEL: logging level
//   - FOV_ARCHIVE_PATH: enables the archive at this path
//   - OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_TRACES_EXPORTER, OTEL_METRICS_EXPORTER
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("FOV_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FOV_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("FOV_LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := lookup("FOV_ARCHIVE_PATH"); ok && v != "" {
		c.Archive.Enabled = true
		c.Archive.Path = v
	}
	if v, ok := lookup("OTEL_EXPORTER_OTLP_ENDPOINT"); ok && v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v, ok := lookup("OTEL_TRACES_EXPORTER"); ok && v != "" {
		c.Telemetry.TraceExporter = v
	}
	if v, ok := lookup("OTEL_METRICS_EXPORTER"); ok && v != "" {
		c.Telemetry.MetricExporter = v
	}
	return nil
}

// Validate checks struct tags, the log level, the budget split and that
// an enabled on-disk archive has a path.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Session.Split.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Archive.Enabled && !c.Archive.InMemory && c.Archive.Path == "" {
		return errors.New("invalid configuration: archive.path is required when the archive is enabled")
	}
	return nil
}

// Marshal renders the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// ForRegistry converts to the registry's own configuration.
func (c Config) ForRegistry() registry.Config {
	return registry.Config{
		Session:        c.Session,
		MaxSessions:    c.Registry.MaxSessions,
		IdleTimeout:    c.Registry.IdleTimeout,
		EndedRetention: c.Registry.EndedRetention,
	}
}
