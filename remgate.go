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

// Package remgate is the admission-control subsystem of a PDF remediation
// pipeline. A fleet of workers sends documents to a rate-limited upstream
// API; remgate keeps that fleet inside two shared budgets (a global
// in-flight ceiling and a per-minute request window), feeds the processing
// queue at a sustainable pace, routes failed items through bounded retries
// into dead-letter, and repairs counter drift left behind by crashes.
//
// All coordination state lives in a pluggable counter store, so the same
// logic runs against an in-process map in tests, Redis in small deployments,
// and DynamoDB in the original cloud setting. Work items live in a pluggable
// object store with the same spread.
//
// The pieces are wired once, at startup, through New; nothing in this module
// holds package-level state apart from Prometheus collectors.
package remgate

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"remgate/internal/counter"
	"remgate/internal/failure"
	"remgate/internal/gate"
	"remgate/internal/intake"
	"remgate/internal/ops"
	"remgate/internal/orchestrator"
	"remgate/internal/params"
	"remgate/internal/reconcile"
	"remgate/internal/workitem"
)

// Config carries the backends and ambient dependencies Core is assembled
// from. The five backends are required; the rest default sensibly.
type Config struct {
	Counters counter.Store        // shared counters (in-flight, windows, tracking)
	Items    workitem.Store       // work-item areas (intake/, retry/, processing/, ...)
	Source   params.Source        // runtime tuning knobs
	Records  failure.RecordStore  // durable failure records
	Signals  orchestrator.Signals // live worker/pipeline counts

	// Analyzer, when set, is invoked once per handled failure.
	Analyzer failure.Analyzer

	// ParamTTL overrides the parameter cache TTL. Zero keeps the provider
	// default.
	ParamTTL time.Duration

	Clock  clock.Clock // defaults to the wall clock
	Logger *zap.Logger // defaults to a no-op logger
}

// Core is the assembled subsystem. cmd binaries and integration tests drive
// the loops and servers hanging off it; the fields are exported so callers
// can reach any layer directly.
type Core struct {
	Counters  counter.Store
	Items     workitem.Store
	Params    *params.Provider
	Registry  *gate.Registry
	Gate      *gate.Gate
	Intake    *intake.Scheduler
	Failures  *failure.Controller
	Reconcile *reconcile.Reconciler
	Ops       *ops.Server

	Clock  clock.Clock
	Logger *zap.Logger
}

// New wires a Core from cfg.
func New(cfg Config) (*Core, error) {
	switch {
	case cfg.Counters == nil:
		return nil, fmt.Errorf("remgate: a counter store is required")
	case cfg.Items == nil:
		return nil, fmt.Errorf("remgate: a workitem store is required")
	case cfg.Source == nil:
		return nil, fmt.Errorf("remgate: a parameter source is required")
	case cfg.Records == nil:
		return nil, fmt.Errorf("remgate: a record store is required")
	case cfg.Signals == nil:
		return nil, fmt.Errorf("remgate: an orchestrator signal source is required")
	}

	ck := cfg.Clock
	if ck == nil {
		ck = clock.New()
	}
	lg := cfg.Logger
	if lg == nil {
		lg = zap.NewNop()
	}

	provider := params.NewProvider(cfg.Source,
		params.WithTTL(cfg.ParamTTL),
		params.WithClock(ck),
		params.WithLogger(lg.Named("params")))
	registry := gate.NewRegistry(cfg.Counters,
		gate.WithRegistryClock(ck),
		gate.WithRegistryLogger(lg.Named("registry")))

	failureOpts := []failure.Option{
		failure.WithClock(ck),
		failure.WithLogger(lg.Named("failure")),
	}
	if cfg.Analyzer != nil {
		failureOpts = append(failureOpts, failure.WithAnalyzer(cfg.Analyzer))
	}

	return &Core{
		Counters: cfg.Counters,
		Items:    cfg.Items,
		Params:   provider,
		Registry: registry,
		Gate: gate.New(cfg.Counters, provider, registry,
			gate.WithClock(ck),
			gate.WithLogger(lg.Named("gate"))),
		Intake: intake.New(cfg.Counters, cfg.Items, provider, cfg.Signals,
			intake.WithClock(ck),
			intake.WithLogger(lg.Named("intake"))),
		Failures: failure.New(cfg.Items, cfg.Records, provider, failureOpts...),
		Reconcile: reconcile.New(cfg.Counters, registry, cfg.Signals, provider,
			reconcile.WithClock(ck),
			reconcile.WithLogger(lg.Named("reconcile"))),
		Ops: ops.NewServer(cfg.Counters, registry, provider,
			ops.WithClock(ck),
			ops.WithLogger(lg.Named("ops"))),
		Clock:  ck,
		Logger: lg,
	}, nil
}
