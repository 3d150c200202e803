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

// Package intake feeds the processing area. Each run looks at the shared
// counters and the orchestrator before moving anything: when the system is
// backed off, saturated, or the queues are empty, the run is a cheap no-op.
// Retried items always go before fresh ones so a retry cannot starve behind
// a deep intake queue.
package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"remgate/internal/counter"
	"remgate/internal/orchestrator"
	"remgate/internal/params"
	"remgate/internal/workitem"
)

// Actions a run can report.
const (
	ActionProcessed = "PROCESSED"
	ActionSkipped   = "SKIPPED"
	ActionNoFiles   = "NO_FILES"
)

// Low-load thresholds: below both, the larger batch is used to drain queues
// while the system is quiet.
const (
	lowLoadPipelines = 10
	lowLoadInFlight  = 3
)

// Scheduler runs one admission pass at a time. Safe for use from a single
// loop; runs are not designed to overlap.
type Scheduler struct {
	counters counter.Store
	items    workitem.Store
	params   *params.Provider
	signals  orchestrator.Signals
	clock    clock.Clock
	logger   *zap.Logger
}

// Option tweaks a Scheduler.
type Option func(*Scheduler)

// WithClock substitutes the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New builds a Scheduler over the shared backends.
func New(counters counter.Store, items workitem.Store, provider *params.Provider, signals orchestrator.Signals, opts ...Option) *Scheduler {
	s := &Scheduler{
		counters: counters,
		items:    items,
		params:   provider,
		signals:  signals,
		clock:    clock.New(),
		logger:   zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Summary reports what one run did and why.
type Summary struct {
	Action            string
	Reason            string
	RetryMoved        int
	IntakeMoved       int
	Moved             []string
	InFlight          int64
	RunningPipelines  int
	RemainingEstimate int
	BackoffRemaining  time.Duration
}

// Run performs one admission pass. It returns an error only when a move
// failed mid-batch; every other obstacle is reported in the Summary and the
// next tick simply tries again.
func (s *Scheduler) Run(ctx context.Context) (Summary, error) {
	sum, err := s.run(ctx)
	intakeRuns.WithLabelValues(sum.Action).Inc()
	s.logger.Info("intake run finished",
		zap.String("action", sum.Action),
		zap.String("reason", sum.Reason),
		zap.Int("retry_moved", sum.RetryMoved),
		zap.Int("intake_moved", sum.IntakeMoved),
		zap.Int64("in_flight", sum.InFlight),
		zap.Int("running_pipelines", sum.RunningPipelines),
		zap.Int("remaining", sum.RemainingEstimate))
	return sum, err
}

func (s *Scheduler) run(ctx context.Context) (Summary, error) {
	now := s.clock.Now()

	// A live global backoff row pauses all admission.
	row, err := s.counters.Get(ctx, counter.BackoffKey)
	switch {
	case err == nil:
		if b := counter.DecodeBackoff(row); b.Until.After(now) {
			remaining := b.Remaining(now)
			return Summary{
				Action:           ActionSkipped,
				Reason:           fmt.Sprintf("global backoff active for another %s", remaining.Truncate(time.Second)),
				BackoffRemaining: remaining,
			}, nil
		}
	case !errors.Is(err, counter.ErrNotFound):
		s.logger.Warn("backoff row unreadable, skipping run", zap.Error(err))
		return Summary{Action: ActionSkipped, Reason: "backoff state unreadable"}, nil
	}

	// Capacity: how many upstream calls are open right now.
	var inFlight int64
	row, err = s.counters.Get(ctx, counter.InFlightKey)
	switch {
	case err == nil:
		inFlight = row.Int64(counter.FieldInFlight)
	case !errors.Is(err, counter.ErrNotFound):
		s.logger.Warn("in-flight counter unreadable, skipping run", zap.Error(err))
		return Summary{Action: ActionSkipped, Reason: "in-flight counter unreadable"}, nil
	}

	maxInFlight := int64(s.params.Int(ctx, params.NameIntakeMaxInFlight, params.DefaultIntakeMaxInFlight))
	if inFlight >= maxInFlight {
		return Summary{
			Action:   ActionSkipped,
			Reason:   fmt.Sprintf("in-flight calls at capacity (%d >= %d)", inFlight, maxInFlight),
			InFlight: inFlight,
		}, nil
	}

	// Capacity: how many pipelines the orchestrator is already running.
	running, err := s.signals.RunningPipelines(ctx)
	if err != nil {
		s.logger.Warn("pipeline count unavailable, skipping run", zap.Error(err))
		return Summary{Action: ActionSkipped, Reason: "pipeline count unavailable", InFlight: inFlight}, nil
	}
	maxRunning := s.params.Int(ctx, params.NameIntakeMaxRunning, params.DefaultIntakeMaxRunning)
	if running >= maxRunning {
		return Summary{
			Action:           ActionSkipped,
			Reason:           fmt.Sprintf("running pipelines at capacity (%d >= %d)", running, maxRunning),
			InFlight:         inFlight,
			RunningPipelines: running,
		}, nil
	}

	// Sizing. A quiet system gets the larger batch to drain the queues.
	batch := s.params.Int(ctx, params.NameBatchSize, params.DefaultBatchSize)
	if running < lowLoadPipelines && inFlight < lowLoadInFlight {
		batch = s.params.Int(ctx, params.NameBatchSizeLow, params.DefaultBatchSizeLow)
	}
	intakeBatchSize.Set(float64(batch))

	retryObjs, err := s.eligible(ctx, workitem.AreaRetry)
	if err != nil {
		s.logger.Warn("retry area unlistable, skipping run", zap.Error(err))
		return Summary{Action: ActionSkipped, Reason: "retry area unlistable", InFlight: inFlight, RunningPipelines: running}, nil
	}
	intakeObjs, err := s.eligible(ctx, workitem.AreaIntake)
	if err != nil {
		s.logger.Warn("intake area unlistable, skipping run", zap.Error(err))
		return Summary{Action: ActionSkipped, Reason: "intake area unlistable", InFlight: inFlight, RunningPipelines: running}, nil
	}

	sum := Summary{InFlight: inFlight, RunningPipelines: running}
	queue := append(retryObjs, intakeObjs...)
	if len(queue) == 0 {
		sum.Action = ActionNoFiles
		return sum, nil
	}
	if batch > len(queue) {
		batch = len(queue)
	}

	for _, obj := range queue[:batch] {
		area, sub, _ := workitem.SplitArea(obj.Key)
		dst := workitem.AreaProcessing + sub
		if err := workitem.Move(ctx, s.items, obj.Key, dst, nil); err != nil {
			// The item is intact at its source (or duplicated, after a
			// delete failure). Stop the batch; the next run resumes from
			// the queue state as it stands.
			if sum.RetryMoved+sum.IntakeMoved > 0 {
				sum.Action = ActionProcessed
			} else {
				sum.Action = ActionSkipped
				sum.Reason = fmt.Sprintf("move of %s failed", obj.Key)
			}
			sum.RemainingEstimate = len(queue) - len(sum.Moved)
			return sum, fmt.Errorf("admit %s: %w", obj.Key, err)
		}
		sum.Moved = append(sum.Moved, dst)
		if area == workitem.AreaRetry {
			sum.RetryMoved++
		} else {
			sum.IntakeMoved++
		}
		intakeMoved.WithLabelValues(strings.TrimSuffix(area, "/")).Inc()
		s.logger.Info("admitted work item",
			zap.String("from", obj.Key),
			zap.String("to", dst))
	}

	sum.Action = ActionProcessed
	sum.RemainingEstimate = len(queue) - len(sum.Moved)
	return sum, nil
}

// eligible lists the area's admissible objects: PDFs with content, oldest
// first.
func (s *Scheduler) eligible(ctx context.Context, area string) ([]workitem.Object, error) {
	objs, err := s.items.List(ctx, area, 0)
	if err != nil {
		return nil, err
	}
	keep := objs[:0]
	for _, o := range objs {
		if o.Size > 0 && strings.HasSuffix(strings.ToLower(o.Key), ".pdf") {
			keep = append(keep, o)
		}
	}
	return keep, nil
}
