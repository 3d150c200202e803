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

package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"go.uber.org/zap"

	"remgate/internal/awsutil"
	"remgate/internal/counter"
	"remgate/internal/failure"
	"remgate/internal/orchestrator"
	"remgate/internal/params"
	"remgate/internal/workitem"
)

// BuildCounterStore constructs the counter store named by the selector.
// Supported backends:
//   - "memory": in-process map (default; tests and the sim)
//   - "redis": hash rows with Lua conditional updates
//   - "dynamodb": one item per row, conditional UpdateItem
func BuildCounterStore(ctx context.Context, cfg CounterStoreConfig) (counter.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return counter.NewMemoryStore(), nil
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("config: redis counter store needs an address")
		}
		return counter.NewRedisStore(counter.NewGoRedisClient(cfg.RedisAddr)), nil
	case "dynamodb":
		if cfg.Table == "" {
			return nil, fmt.Errorf("config: dynamodb counter store needs a table")
		}
		awsCfg, err := awsutil.Load(ctx, cfg.Region)
		if err != nil {
			return nil, err
		}
		return counter.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.Table), nil
	default:
		return nil, fmt.Errorf("config: unknown counter store backend: %s", cfg.Backend)
	}
}

// BuildWorkitemStore constructs the object store holding the work areas.
// Supported backends: "memory" (default), "fs", "s3".
func BuildWorkitemStore(ctx context.Context, cfg WorkitemStoreConfig) (workitem.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return workitem.NewMemoryStore(), nil
	case "fs":
		if cfg.Root == "" {
			return nil, fmt.Errorf("config: fs workitem store needs a root directory")
		}
		return workitem.NewFSStore(cfg.Root)
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("config: s3 workitem store needs a bucket")
		}
		awsCfg, err := awsutil.Load(ctx, cfg.Region)
		if err != nil {
			return nil, err
		}
		return workitem.NewS3Store(s3.NewFromConfig(awsCfg), cfg.Bucket, cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("config: unknown workitem store backend: %s", cfg.Backend)
	}
}

// BuildParamSource constructs the runtime parameter source. Supported
// sources: "static", "env" (default), "file" (hot-reloading YAML), "ssm".
func BuildParamSource(ctx context.Context, cfg ParamsConfig, logger *zap.Logger) (params.Source, error) {
	switch cfg.Source {
	case "static":
		return params.NewStatic(cfg.Values), nil
	case "", "env":
		return params.Env{Prefix: cfg.Prefix}, nil
	case "file":
		if cfg.Path == "" {
			return nil, fmt.Errorf("config: file param source needs a path")
		}
		return params.NewFile(cfg.Path, logger)
	case "ssm":
		awsCfg, err := awsutil.Load(ctx, cfg.Region)
		if err != nil {
			return nil, err
		}
		return params.NewSSM(ssm.NewFromConfig(awsCfg), cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("config: unknown param source: %s", cfg.Source)
	}
}

// BuildRecordStore constructs the failure-record store. The postgres backend
// connects (and pings) at build time so a bad DSN fails the startup, not the
// first dead-letter.
func BuildRecordStore(ctx context.Context, cfg RecordsConfig) (failure.RecordStore, error) {
	switch cfg.Backend {
	case "", "memory":
		return failure.NewMemoryRecordStore(), nil
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("config: postgres record store needs a DSN")
		}
		db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("config: connect postgres: %w", err)
		}
		return failure.NewPostgresRecordStore(db), nil
	default:
		return nil, fmt.Errorf("config: unknown record store backend: %s", cfg.Backend)
	}
}

// BuildSignals constructs the orchestrator activity source. "static" serves
// fixed counts (including the zero default, which keeps the reconciler's
// idle-reset rule armed only when nothing can be running).
func BuildSignals(cfg OrchestratorConfig) (orchestrator.Signals, error) {
	switch cfg.Source {
	case "", "static":
		return orchestrator.Static{Workers: cfg.Workers, Pipelines: cfg.Pipelines}, nil
	case "http":
		if cfg.WorkersURL == "" || cfg.PipelinesURL == "" {
			return nil, fmt.Errorf("config: http signals need both count URLs")
		}
		return orchestrator.NewHTTP(cfg.WorkersURL, cfg.PipelinesURL, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("config: unknown orchestrator source: %s", cfg.Source)
	}
}
