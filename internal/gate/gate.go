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

// Package gate admits API calls against the two shared budgets every worker
// competes for: a global in-flight ceiling and a per-minute request window.
// Both live in the counter store, so admission works identically whether the
// callers are goroutines in one process or containers on different hosts.
//
// Admission is two conditional updates, never a read followed by a write.
// Phase A takes an in-flight slot; phase B charges the current minute's
// window. When phase B is refused the phase A slot is handed back, which is
// the one place the two counters are not covered by a single atomic step; the
// reconciler repairs any drift a crash in that gap leaves behind.
package gate

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"remgate/internal/counter"
	"remgate/internal/params"
)

// ErrAcquireTimeout is returned when the wait budget runs out before either
// budget admits the request.
var ErrAcquireTimeout = errors.New("gate: acquire timed out")

// DefaultMaxWait is the wait budget long-lived workers pass when they have no
// tighter bound of their own.
const DefaultMaxWait = 5 * time.Minute

// windowTTLSeconds is how long a minute window row outlives its last write.
// Long enough to inspect recent windows, short enough that the store does not
// accumulate one row per minute forever.
const windowTTLSeconds = 120

// Jitter bounds. Acquire jitter desynchronizes a thundering herd of workers
// that start together; the capacity and rollover jitters keep retries from
// re-colliding on the same tick.
const (
	acquireJitterMax  = 500 * time.Millisecond
	capacityJitterMax = time.Second
	rolloverJitterMax = 2 * time.Second
)

// Outcome labels on remgate_acquire_total.
const (
	outcomeAcquired = "acquired"
	outcomeTimeout  = "timeout"
	outcomeCanceled = "canceled"
	outcomeError    = "error"
)

// Gate admits requests. All methods are safe for concurrent use.
type Gate struct {
	store    counter.Store
	params   *params.Provider
	registry *Registry
	clock    clock.Clock
	logger   *zap.Logger
}

// Option tweaks a Gate.
type Option func(*Gate)

// WithClock substitutes the time source. Tests drive a mock clock.
func WithClock(c clock.Clock) Option {
	return func(g *Gate) { g.clock = c }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// New builds a Gate over the shared counter store. Limits are read from
// provider on every attempt so operator changes take effect mid-wait. reg may
// be nil, in which case acquisitions are not tracked.
func New(store counter.Store, provider *params.Provider, reg *Registry, opts ...Option) *Gate {
	g := &Gate{
		store:    store,
		params:   provider,
		registry: reg,
		clock:    clock.New(),
		logger:   zap.NewNop(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Request describes one admission.
type Request struct {
	// APIType names the upstream operation, e.g. "autotag". Required.
	APIType string

	// Filename, when set, gets a tracking row for the reconciler and the
	// operator endpoints. Usually the work item's object key.
	Filename string

	// MaxWait bounds how long Acquire may block. Zero (or negative) means a
	// single attempt with no waiting; pass DefaultMaxWait for the standard
	// worker budget.
	MaxWait time.Duration
}

// Slot is a held admission. Callers must Release it exactly once; extra
// Release calls are ignored.
type Slot struct {
	gate       *Gate
	apiType    string
	filename   string
	window     string
	tracking   string
	acquiredAt time.Time
	released   atomic.Bool
}

// Window returns the key of the minute window this slot was charged to.
func (s *Slot) Window() string { return s.window }

// TrackingKey returns the tracking row key, or "" when the acquisition was
// not tracked.
func (s *Slot) TrackingKey() string { return s.tracking }

// Acquire blocks until both budgets admit the request, the wait budget runs
// out, or ctx ends. On success the caller owns a Slot and must Release it.
//
// Waiting is bounded by req.MaxWait, not ctx: a request that cannot get in
// within its budget fails with ErrAcquireTimeout so the caller can put the
// work item back instead of camping on the API.
func (g *Gate) Acquire(ctx context.Context, req Request) (*Slot, error) {
	if req.APIType == "" {
		return nil, errors.New("gate: request needs an api type")
	}

	start := g.clock.Now()
	outcome := outcomeError
	defer func() {
		acquireWaitSeconds.Observe(g.clock.Since(start).Seconds())
		acquireTotal.WithLabelValues(req.APIType, outcome).Inc()
	}()

	// Desynchronize callers that woke on the same tick. Only when the caller
	// is prepared to wait at all, and before the budget starts counting.
	if req.MaxWait > 0 {
		if err := g.wait(ctx, jitter(acquireJitterMax)); err != nil {
			outcome = outcomeCanceled
			return nil, fmt.Errorf("acquire %s: %w", req.APIType, err)
		}
	}
	deadline := g.clock.Now().Add(req.MaxWait)

	// lastErr remembers a store fault so an exhausted budget reports the
	// fault rather than a plain timeout.
	var lastErr error

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			outcome = outcomeCanceled
			return nil, fmt.Errorf("acquire %s: %w", req.APIType, err)
		}
		if attempt > 0 && !g.clock.Now().Before(deadline) {
			if lastErr != nil {
				return nil, fmt.Errorf("acquire %s: %w", req.APIType, lastErr)
			}
			outcome = outcomeTimeout
			return nil, ErrAcquireTimeout
		}

		// Phase A: take an in-flight slot.
		maxInFlight := int64(g.params.Int(ctx, params.NameMaxInFlight, params.DefaultMaxInFlight))
		_, err := g.store.Update(ctx, counter.InFlightKey,
			[]counter.Op{
				counter.Add(counter.FieldInFlight, 1),
				counter.Set(counter.FieldLastUpdated, g.clock.Now()),
			},
			[]counter.Cond{counter.AnyOf(
				counter.Absent(counter.FieldInFlight),
				counter.LessThan(counter.FieldInFlight, maxInFlight),
			)})
		if errors.Is(err, counter.ErrConditionFailed) {
			lastErr = nil
			inFlightRejections.Inc()
			g.logger.Warn("in-flight capacity reached",
				zap.String("api_type", req.APIType),
				zap.Int64("in_flight", g.observedInFlight(ctx)),
				zap.Int64("max_in_flight", maxInFlight),
				zap.Int("attempt", attempt))
			if err := g.pause(ctx, backoffDelay(attempt)+jitter(capacityJitterMax), deadline); err != nil {
				outcome = outcomeCanceled
				return nil, fmt.Errorf("acquire %s: %w", req.APIType, err)
			}
			continue
		}
		if err != nil {
			lastErr = err
			g.logger.Warn("in-flight update failed, retrying",
				zap.String("api_type", req.APIType),
				zap.Int("attempt", attempt),
				zap.Error(err))
			if err := g.pause(ctx, backoffDelay(attempt)+jitter(capacityJitterMax), deadline); err != nil {
				outcome = outcomeCanceled
				return nil, fmt.Errorf("acquire %s: %w", req.APIType, err)
			}
			continue
		}

		// Phase B: charge the current minute's request window.
		now := g.clock.Now()
		window := counter.WindowKey(now)
		maxRPM := int64(g.params.Int(ctx, params.NameMaxRPM, params.DefaultMaxRPM))
		_, err = g.store.Update(ctx, window,
			[]counter.Op{
				counter.Add(counter.FieldRequestCount, 1),
				counter.Set(counter.FieldTTL, now.Unix()+windowTTLSeconds),
			},
			[]counter.Cond{counter.AnyOf(
				counter.Absent(counter.FieldRequestCount),
				counter.LessThan(counter.FieldRequestCount, maxRPM),
			)})
		if errors.Is(err, counter.ErrConditionFailed) {
			lastErr = nil
			rpmRejections.Inc()
			g.compensate(ctx, req.APIType)
			g.logger.Warn("minute budget exhausted, waiting for rollover",
				zap.String("api_type", req.APIType),
				zap.String("window", window),
				zap.Int64("max_rpm", maxRPM),
				zap.Int("attempt", attempt))
			if err := g.pause(ctx, minuteRollover(now)+jitter(rolloverJitterMax), deadline); err != nil {
				outcome = outcomeCanceled
				return nil, fmt.Errorf("acquire %s: %w", req.APIType, err)
			}
			continue
		}
		if err != nil {
			// The in-flight slot is held but the window write faulted.
			// Hand the slot back and surface the fault.
			g.compensate(ctx, req.APIType)
			return nil, fmt.Errorf("request window %s: %w", window, err)
		}

		slot := &Slot{
			gate:       g,
			apiType:    req.APIType,
			filename:   req.Filename,
			window:     window,
			acquiredAt: g.clock.Now(),
		}
		if g.registry != nil && req.Filename != "" {
			key, err := g.registry.Track(ctx, req.Filename, req.APIType)
			if err != nil {
				// Tracking is observability, not admission; the slot stands.
				trackingFailures.Inc()
				g.logger.Warn("tracking row write failed",
					zap.String("filename", req.Filename),
					zap.Error(err))
			} else {
				slot.tracking = key
			}
		}
		outcome = outcomeAcquired
		g.logger.Debug("admission granted",
			zap.String("api_type", req.APIType),
			zap.String("filename", req.Filename),
			zap.String("window", window),
			zap.Int("attempt", attempt))
		return slot, nil
	}
}

// Do runs fn while holding a slot, releasing it on success, error or panic.
func (g *Gate) Do(ctx context.Context, req Request, fn func(context.Context) error) error {
	slot, err := g.Acquire(ctx, req)
	if err != nil {
		return err
	}
	defer slot.Release(ctx)
	return fn(ctx)
}

// Release returns the in-flight slot and marks the tracking row released. It
// runs even when ctx has ended, because a canceled worker still holds a slot.
// Failures are logged and counted, never returned; the reconciler owns any
// drift they leave.
func (s *Slot) Release(ctx context.Context) {
	if s == nil || !s.released.CompareAndSwap(false, true) {
		return
	}
	ctx = context.WithoutCancel(ctx)
	g := s.gate

	if _, err := g.store.Update(ctx, counter.InFlightKey,
		[]counter.Op{
			counter.AddFloor(counter.FieldInFlight, -1, 0),
			counter.Set(counter.FieldLastUpdated, g.clock.Now()),
		}, nil); err != nil {
		releaseFailures.Inc()
		g.logger.Error("slot release failed",
			zap.String("api_type", s.apiType),
			zap.String("filename", s.filename),
			zap.Error(err))
	}

	if g.registry != nil {
		switch {
		case s.tracking != "":
			g.registry.MarkReleased(ctx, s.tracking)
		case s.filename != "":
			g.registry.Untrack(ctx, s.filename, s.apiType)
		}
	}

	g.logger.Debug("slot released",
		zap.String("api_type", s.apiType),
		zap.String("filename", s.filename),
		zap.Duration("held", g.clock.Since(s.acquiredAt)))
}

// compensate hands back the phase A slot after phase B refused or faulted.
// Unconditional and clamped at zero, and detached from ctx so a canceled
// caller still returns what it took.
func (g *Gate) compensate(ctx context.Context, apiType string) {
	compensations.Inc()
	ctx = context.WithoutCancel(ctx)
	if _, err := g.store.Update(ctx, counter.InFlightKey,
		[]counter.Op{
			counter.AddFloor(counter.FieldInFlight, -1, 0),
			counter.Set(counter.FieldLastUpdated, g.clock.Now()),
		}, nil); err != nil {
		g.logger.Error("in-flight compensation failed",
			zap.String("api_type", apiType),
			zap.Error(err))
	}
}

// observedInFlight reads the counter for log context only. -1 when unknown.
func (g *Gate) observedInFlight(ctx context.Context) int64 {
	row, err := g.store.Get(ctx, counter.InFlightKey)
	if err != nil {
		return -1
	}
	return row.Int64(counter.FieldInFlight)
}

// pause sleeps for d clamped to the wait deadline, waking early when ctx
// ends. A pause past the deadline is cut short and the loop's deadline check
// decides what to return.
func (g *Gate) pause(ctx context.Context, d time.Duration, deadline time.Time) error {
	if remaining := deadline.Sub(g.clock.Now()); d > remaining {
		d = remaining
	}
	if d <= 0 {
		return nil
	}
	return g.wait(ctx, d)
}

// wait sleeps for d, waking early when ctx ends.
func (g *Gate) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := g.clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// backoffDelay is the base pause after a capacity rejection: 2s growing by
// 500ms per attempt, capped at 10s. Jitter is added by the caller.
func backoffDelay(attempt int) time.Duration {
	d := 2*time.Second + time.Duration(attempt)*500*time.Millisecond
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}

// minuteRollover is how long until the minute containing now ends. A request
// refused by a full window becomes admissible no sooner than this.
func minuteRollover(now time.Time) time.Duration {
	next := now.Truncate(time.Minute).Add(time.Minute)
	return next.Sub(now)
}

// jitter returns a uniform duration in [0, max).
func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
