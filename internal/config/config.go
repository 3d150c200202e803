// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: June 2026
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the daemon configuration and builds the
// pluggable backends from it. Static wiring lives here (which store, which
// addresses). Runtime tuning knobs (max-in-flight, max-rpm, batch sizes) do
// not: those flow through the parameter provider so operators can change
// them without a restart.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration, one section per backend or loop.
type Config struct {
	CounterStore  CounterStoreConfig  `yaml:"counter_store"`
	WorkitemStore WorkitemStoreConfig `yaml:"workitem_store"`
	Params        ParamsConfig        `yaml:"params"`
	Records       RecordsConfig       `yaml:"records"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator"`
	Intake        IntakeConfig        `yaml:"intake"`
	Reconciler    ReconcilerConfig    `yaml:"reconciler"`
	Server        ServerConfig        `yaml:"server"`
}

// CounterStoreConfig selects the store behind the shared counters.
type CounterStoreConfig struct {
	Backend   string `yaml:"backend"`    // "memory", "redis" or "dynamodb"
	RedisAddr string `yaml:"redis_addr"` // redis only
	Table     string `yaml:"table"`      // dynamodb only
	Region    string `yaml:"region"`     // dynamodb only; empty uses the ambient AWS region
}

// WorkitemStoreConfig selects the object store holding the work areas.
type WorkitemStoreConfig struct {
	Backend string `yaml:"backend"` // "memory", "fs" or "s3"
	Root    string `yaml:"root"`    // fs only
	Bucket  string `yaml:"bucket"`  // s3 only
	Prefix  string `yaml:"prefix"`  // s3 only, optional key prefix
	Region  string `yaml:"region"`  // s3 only
}

// ParamsConfig selects the runtime parameter source.
type ParamsConfig struct {
	Source   string            `yaml:"source"`    // "static", "env", "file" or "ssm"
	Values   map[string]string `yaml:"values"`    // static only
	Prefix   string            `yaml:"prefix"`    // env ("REMGATE_") / ssm ("/remgate/")
	Path     string            `yaml:"path"`      // file only
	Region   string            `yaml:"region"`    // ssm only
	CacheTTL time.Duration     `yaml:"cache_ttl"` // 0 uses the provider default
}

// RecordsConfig selects the failure-record store.
type RecordsConfig struct {
	Backend string `yaml:"backend"` // "memory" or "postgres"
	DSN     string `yaml:"dsn"`     // postgres only

	// AuditPath, when set, routes analyzed failures to a JSONL audit file
	// instead of the structured log.
	AuditPath string `yaml:"audit_path"`
}

// OrchestratorConfig selects where worker/pipeline activity counts come from.
type OrchestratorConfig struct {
	Source       string        `yaml:"source"`        // "static" or "http"
	Workers      int           `yaml:"workers"`       // static only
	Pipelines    int           `yaml:"pipelines"`     // static only
	WorkersURL   string        `yaml:"workers_url"`   // http only
	PipelinesURL string        `yaml:"pipelines_url"` // http only
	Timeout      time.Duration `yaml:"timeout"`       // http request bound
}

// IntakeConfig paces the admission loop.
type IntakeConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// ReconcilerConfig paces the reconciliation loop.
type ReconcilerConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// ServerConfig shapes the ops HTTP server.
type ServerConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns the configuration a bare file inherits: everything
// in-memory, loops at their usual cadence, ops on :8080.
func Default() *Config {
	return &Config{
		CounterStore:  CounterStoreConfig{Backend: "memory"},
		WorkitemStore: WorkitemStoreConfig{Backend: "memory"},
		Params:        ParamsConfig{Source: "env"},
		Records:       RecordsConfig{Backend: "memory"},
		Orchestrator:  OrchestratorConfig{Source: "static", Timeout: 5 * time.Second},
		Intake:        IntakeConfig{Interval: 2 * time.Minute},
		Reconciler:    ReconcilerConfig{Interval: 5 * time.Minute},
		Server: ServerConfig{
			ListenAddr:   ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 20 * time.Second,
		},
	}
}

// Load reads a YAML file over the defaults, applies environment overrides and
// validates the result. An empty path yields the defaults (still subject to
// overrides and validation).
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets deployment-specific addresses and secrets override the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("REMGATE_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("REMGATE_REDIS_ADDR"); v != "" {
		c.CounterStore.RedisAddr = v
	}
	if v := os.Getenv("REMGATE_PG_DSN"); v != "" {
		c.Records.DSN = v
	}
}

// Validate rejects configurations the factories could not build. Selector
// typos and missing addresses surface here, at startup, not mid-run.
func (c *Config) Validate() error {
	switch c.CounterStore.Backend {
	case "memory":
	case "redis":
		if c.CounterStore.RedisAddr == "" {
			return fmt.Errorf("config: counter_store.redis_addr required for the redis backend")
		}
	case "dynamodb":
		if c.CounterStore.Table == "" {
			return fmt.Errorf("config: counter_store.table required for the dynamodb backend")
		}
	default:
		return fmt.Errorf("config: unknown counter_store.backend %q", c.CounterStore.Backend)
	}

	switch c.WorkitemStore.Backend {
	case "memory":
	case "fs":
		if c.WorkitemStore.Root == "" {
			return fmt.Errorf("config: workitem_store.root required for the fs backend")
		}
	case "s3":
		if c.WorkitemStore.Bucket == "" {
			return fmt.Errorf("config: workitem_store.bucket required for the s3 backend")
		}
	default:
		return fmt.Errorf("config: unknown workitem_store.backend %q", c.WorkitemStore.Backend)
	}

	switch c.Params.Source {
	case "static", "env", "ssm":
	case "file":
		if c.Params.Path == "" {
			return fmt.Errorf("config: params.path required for the file source")
		}
	default:
		return fmt.Errorf("config: unknown params.source %q", c.Params.Source)
	}

	switch c.Records.Backend {
	case "memory":
	case "postgres":
		if c.Records.DSN == "" {
			return fmt.Errorf("config: records.dsn required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown records.backend %q", c.Records.Backend)
	}

	switch c.Orchestrator.Source {
	case "static":
	case "http":
		if c.Orchestrator.WorkersURL == "" || c.Orchestrator.PipelinesURL == "" {
			return fmt.Errorf("config: orchestrator.workers_url and pipelines_url required for the http source")
		}
	default:
		return fmt.Errorf("config: unknown orchestrator.source %q", c.Orchestrator.Source)
	}

	if c.Intake.Interval <= 0 {
		return fmt.Errorf("config: intake.interval must be positive, got %v", c.Intake.Interval)
	}
	if c.Reconciler.Interval <= 0 {
		return fmt.Errorf("config: reconciler.interval must be positive, got %v", c.Reconciler.Interval)
	}
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("config: server.listen_addr required")
	}
	return nil
}
