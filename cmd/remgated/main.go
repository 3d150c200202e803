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

// Command remgated runs the admission-control daemon: the intake loop that
// feeds the processing area, the reconciliation loop that repairs counter
// drift, and the ops HTTP server that exposes snapshots, the backoff
// control and Prometheus metrics.
//
// Backends are chosen in a YAML config file (see -config); a file-less start
// runs everything in memory, which is handy for poking at the API surface:
//
//	go run ./cmd/remgated
//	curl localhost:8080/api/v1/ratelimit
//
// The gate itself has no loop here: workers embed it via the remgate package
// and share state with this daemon through the counter store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"remgate"
	"remgate/internal/config"
	"remgate/internal/failure"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file; empty runs the in-memory defaults")
	dev := flag.Bool("dev", false, "use the development logger (console encoder, debug level)")
	flag.Parse()

	logger, err := buildLogger(*dev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "remgated: logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(logger, *configPath); err != nil {
		logger.Fatal("remgated exited", zap.Error(err))
	}
	logger.Info("remgated stopped")
}

func buildLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func run(logger *zap.Logger, configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.Info("configuration loaded",
		zap.String("path", configPath),
		zap.String("counter_store", cfg.CounterStore.Backend),
		zap.String("workitem_store", cfg.WorkitemStore.Backend),
		zap.String("param_source", cfg.Params.Source),
		zap.String("records", cfg.Records.Backend),
		zap.String("signals", cfg.Orchestrator.Source))

	counters, err := config.BuildCounterStore(ctx, cfg.CounterStore)
	if err != nil {
		return err
	}
	items, err := config.BuildWorkitemStore(ctx, cfg.WorkitemStore)
	if err != nil {
		return err
	}
	source, err := config.BuildParamSource(ctx, cfg.Params, logger.Named("params"))
	if err != nil {
		return err
	}
	defer func() {
		if closer, ok := source.(io.Closer); ok {
			_ = closer.Close()
		}
	}()
	records, err := config.BuildRecordStore(ctx, cfg.Records)
	if err != nil {
		return err
	}
	signals, err := config.BuildSignals(cfg.Orchestrator)
	if err != nil {
		return err
	}

	analyzer := failure.Analyzer(failure.NewLogAnalyzer(logger.Named("analyzer")))
	if cfg.Records.AuditPath != "" {
		audit, err := failure.NewAuditLog(cfg.Records.AuditPath)
		if err != nil {
			return fmt.Errorf("open audit log %s: %w", cfg.Records.AuditPath, err)
		}
		defer func() { _ = audit.Close() }()
		analyzer = audit
	}

	core, err := remgate.New(remgate.Config{
		Counters: counters,
		Items:    items,
		Source:   source,
		Records:  records,
		Signals:  signals,
		Analyzer: analyzer,
		ParamTTL: cfg.Params.CacheTTL,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      core.Ops.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := core.Clock.Ticker(cfg.Intake.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := core.Intake.Run(ctx); err != nil {
					logger.Error("intake run failed", zap.Error(err))
				}
			}
		}
	})

	g.Go(func() error {
		ticker := core.Clock.Ticker(cfg.Reconciler.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := core.Reconcile.Run(ctx); err != nil {
					logger.Error("reconciliation failed", zap.Error(err))
				}
			}
		}
	})

	g.Go(func() error {
		logger.Info("ops server listening", zap.String("addr", cfg.Server.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})

	// Shutdown order: the HTTP server drains first, the loops then stop on
	// their next select.
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
