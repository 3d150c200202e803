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

// Package reconcile heals the drift that crashed workers leave behind. A
// worker that dies between acquire and release strands an in-flight slot;
// this control loop compares the counter against the tracking rows and the
// orchestrator's liveness signals and resets the counter when the numbers
// cannot all be true at once. It also closes tracking rows whose acquisition
// started long enough ago that the call cannot still be running.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"remgate/internal/counter"
	"remgate/internal/gate"
	"remgate/internal/orchestrator"
	"remgate/internal/params"
)

// Reconciler runs one healing pass at a time. Safe for use from a single
// loop; overlapping runs are benign but wasteful.
type Reconciler struct {
	counters counter.Store
	registry *gate.Registry
	signals  orchestrator.Signals
	params   *params.Provider
	clock    clock.Clock
	logger   *zap.Logger
}

// Option tweaks a Reconciler.
type Option func(*Reconciler)

// WithClock substitutes the time source.
func WithClock(c clock.Clock) Option {
	return func(r *Reconciler) { r.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// New builds a Reconciler over the shared backends.
func New(counters counter.Store, registry *gate.Registry, signals orchestrator.Signals, provider *params.Provider, opts ...Option) *Reconciler {
	r := &Reconciler{
		counters: counters,
		registry: registry,
		signals:  signals,
		params:   provider,
		clock:    clock.New(),
		logger:   zap.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Report describes one run: what was observed, whether the counter was
// reset, and how many stale tracking rows were closed. Workers and Pipelines
// are -1 when the orchestrator signal was unavailable.
type Report struct {
	Disabled      bool
	CounterBefore int64
	CounterAfter  int64
	Tracked       int
	Workers       int
	Pipelines     int
	Reset         bool
	ResetReason   string
	StaleCleaned  int
}

// Run performs one reconciliation pass. Store faults abort the run with an
// error; unavailable orchestrator signals only disarm the rules that need
// them.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	if !r.params.Bool(ctx, params.NameReconcilerEnabled, params.DefaultReconcilerEnabled) {
		r.logger.Info("reconciler disabled by parameter")
		return Report{Disabled: true}, nil
	}

	rep, err := r.gather(ctx)
	if err != nil {
		return rep, err
	}
	rep.CounterAfter = rep.CounterBefore

	inFlightGauge.Set(float64(rep.CounterBefore))
	trackedGauge.Set(float64(rep.Tracked))
	workersGauge.Set(float64(rep.Workers))
	pipelinesGauge.Set(float64(rep.Pipelines))

	maxDrift := int64(r.params.Int(ctx, params.NameReconcilerMaxDrift, params.DefaultReconcilerMaxDrift))

	// First matching rule wins; nothing else resets. Unknown signals are -1
	// and can never satisfy the == 0 checks.
	var target int64
	switch {
	case rep.CounterBefore > 0 && rep.Workers == 0 && rep.Pipelines == 0:
		target, rep.ResetReason = 0, "no active work"
	case rep.CounterBefore > int64(rep.Tracked)+maxDrift:
		target, rep.ResetReason = int64(rep.Tracked), "counter exceeds tracked by > drift"
	case rep.CounterBefore < 0:
		target, rep.ResetReason = 0, "negative counter"
	}

	if rep.ResetReason != "" {
		if err := r.reset(ctx, target, rep.ResetReason); err != nil {
			return rep, err
		}
		rep.Reset = true
		rep.CounterAfter = target
		resetsTotal.Inc()
		inFlightGauge.Set(float64(target))
		r.logger.Warn("in-flight counter reset",
			zap.Int64("from", rep.CounterBefore),
			zap.Int64("to", target),
			zap.String("reason", rep.ResetReason),
			zap.Int("tracked", rep.Tracked),
			zap.Int("workers", rep.Workers),
			zap.Int("pipelines", rep.Pipelines))
	}

	threshold := r.params.Duration(ctx, params.NameStaleEntryThreshold, params.DefaultStaleEntryThreshold)
	reaped, err := r.registry.ReapStale(ctx, threshold)
	if err != nil {
		return rep, fmt.Errorf("reconcile: %w", err)
	}
	rep.StaleCleaned = reaped
	staleCleaned.Add(float64(reaped))

	r.logger.Info("reconciliation finished",
		zap.Int64("counter", rep.CounterAfter),
		zap.Int("tracked", rep.Tracked),
		zap.Int("workers", rep.Workers),
		zap.Int("pipelines", rep.Pipelines),
		zap.Bool("reset", rep.Reset),
		zap.Int("stale_cleaned", rep.StaleCleaned))
	return rep, nil
}

// gather reads the counter, the open tracking rows and the orchestrator
// signals. Counter and registry faults are fatal to the run; a signal fault
// degrades that signal to -1.
func (r *Reconciler) gather(ctx context.Context) (Report, error) {
	rep := Report{Workers: -1, Pipelines: -1}

	row, err := r.counters.Get(ctx, counter.InFlightKey)
	switch {
	case err == nil:
		rep.CounterBefore = row.Int64(counter.FieldInFlight)
	case errors.Is(err, counter.ErrNotFound):
		// Absent counter reads as zero.
	default:
		return rep, fmt.Errorf("reconcile: read in-flight counter: %w", err)
	}

	active, err := r.registry.ListActive(ctx)
	if err != nil {
		return rep, fmt.Errorf("reconcile: %w", err)
	}
	rep.Tracked = len(active)

	if n, err := r.signals.RunningWorkers(ctx); err != nil {
		r.logger.Warn("worker count unavailable", zap.Error(err))
	} else {
		rep.Workers = n
	}
	if n, err := r.signals.RunningPipelines(ctx); err != nil {
		r.logger.Warn("pipeline count unavailable", zap.Error(err))
	} else {
		rep.Pipelines = n
	}
	return rep, nil
}

// reset unconditionally pins the counter to target and stamps the row with
// when and why. No precondition: the whole point is to overwrite whatever
// racing releases left behind.
func (r *Reconciler) reset(ctx context.Context, target int64, reason string) error {
	now := r.clock.Now()
	_, err := r.counters.Update(ctx, counter.InFlightKey,
		[]counter.Op{
			counter.Set(counter.FieldInFlight, target),
			counter.Set(counter.FieldLastUpdated, now),
			counter.Set(counter.FieldLastReconciled, now),
			counter.Set(counter.FieldReconcileReason, reason),
		}, nil)
	if err != nil {
		return fmt.Errorf("reconcile: reset counter to %d: %w", target, err)
	}
	return nil
}
