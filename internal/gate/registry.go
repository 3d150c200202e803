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

package gate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"remgate/internal/counter"
)

// TrackingTTL bounds how long a tracking row outlives its write. Rows of
// crashed workers age out even if the stale reaper never runs.
const TrackingTTL = time.Hour

// Registry keeps one tracking row per active acquisition. The rows are pure
// observability: the reconciler compares them against the in-flight counter
// and the operator endpoints list them, but no admission decision reads them.
// Every method degrades to a log line on failure rather than blocking the
// caller's work.
type Registry struct {
	store  counter.Store
	clock  clock.Clock
	logger *zap.Logger
}

// RegistryOption tweaks a Registry.
type RegistryOption func(*Registry)

// WithRegistryClock substitutes the time source.
func WithRegistryClock(c clock.Clock) RegistryOption {
	return func(r *Registry) { r.clock = c }
}

// WithRegistryLogger sets the logger.
func WithRegistryLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry builds a Registry over the shared counter store.
func NewRegistry(store counter.Store, opts ...RegistryOption) *Registry {
	r := &Registry{store: store, clock: clock.New(), logger: zap.NewNop()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Track writes a tracking row for a fresh acquisition and returns its key.
// The random key suffix keeps concurrent acquisitions of the same file
// distinct.
func (r *Registry) Track(ctx context.Context, filename, apiType string) (string, error) {
	base := path.Base(filename)
	if base == "." || base == "/" {
		base = filename
	}
	now := r.clock.Now()
	key := counter.TrackingKey(randomID(), base)
	_, err := r.store.Update(ctx, key,
		[]counter.Op{
			counter.Set(counter.FieldFilename, filename),
			counter.Set(counter.FieldAPIType, apiType),
			counter.Set(counter.FieldStartedAt, now),
			counter.Set(counter.FieldTTL, now.Add(TrackingTTL).Unix()),
		}, nil)
	if err != nil {
		return "", fmt.Errorf("track %s: %w", filename, err)
	}
	return key, nil
}

// MarkReleased closes the tracking row with the given key. Guarded so it
// neither revives an expired row nor overwrites an earlier release.
func (r *Registry) MarkReleased(ctx context.Context, key string) {
	_, err := r.store.Update(ctx, key,
		[]counter.Op{
			counter.Set(counter.FieldReleased, true),
			counter.Set(counter.FieldReleasedAt, r.clock.Now()),
		},
		[]counter.Cond{
			counter.Present(counter.FieldStartedAt),
			counter.Absent(counter.FieldReleased),
		})
	switch {
	case errors.Is(err, counter.ErrConditionFailed):
		r.logger.Debug("tracking row already closed or expired", zap.String("key", key))
	case err != nil:
		r.logger.Warn("tracking release mark failed", zap.String("key", key), zap.Error(err))
	}
}

// Untrack closes the first open tracking row matching filename and apiType.
// Used by callers that held no key, e.g. a release after a restart.
func (r *Registry) Untrack(ctx context.Context, filename, apiType string) {
	var key string
	err := r.store.Scan(ctx, counter.TrackingKeyPrefix, func(row counter.Row) bool {
		t := counter.DecodeTracking(row)
		if t.Filename == filename && t.APIType == apiType && t.Active() {
			key = t.Key
			return false
		}
		return true
	})
	if err != nil {
		r.logger.Warn("tracking scan failed",
			zap.String("filename", filename), zap.Error(err))
		return
	}
	if key == "" {
		r.logger.Warn("no open tracking row to release",
			zap.String("filename", filename), zap.String("api_type", apiType))
		return
	}
	r.MarkReleased(ctx, key)
}

// ListActive returns the open tracking rows, oldest first.
func (r *Registry) ListActive(ctx context.Context) ([]counter.TrackingRow, error) {
	var rows []counter.TrackingRow
	err := r.store.Scan(ctx, counter.TrackingKeyPrefix, func(row counter.Row) bool {
		if t := counter.DecodeTracking(row); t.Active() {
			rows = append(rows, t)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("list active: %w", err)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].StartedAt.Before(rows[j].StartedAt) })
	return rows, nil
}

// ReapStale closes open rows whose acquisition started before now-threshold,
// marking them so the operator can tell a reaped row from a clean release.
// Returns how many rows it closed. Per-row failures are logged and skipped;
// only a scan fault is returned.
func (r *Registry) ReapStale(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := r.clock.Now().Add(-threshold)
	var stale []string
	err := r.store.Scan(ctx, counter.TrackingKeyPrefix, func(row counter.Row) bool {
		t := counter.DecodeTracking(row)
		if t.Active() && !t.StartedAt.IsZero() && t.StartedAt.Before(cutoff) {
			stale = append(stale, t.Key)
		}
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("reap stale: %w", err)
	}

	reaped := 0
	for _, key := range stale {
		_, err := r.store.Update(ctx, key,
			[]counter.Op{
				counter.Set(counter.FieldReleased, true),
				counter.Set(counter.FieldReleasedAt, r.clock.Now()),
				counter.Set(counter.FieldStaleCleanup, true),
			},
			[]counter.Cond{
				counter.Present(counter.FieldStartedAt),
				counter.Absent(counter.FieldReleased),
			})
		switch {
		case errors.Is(err, counter.ErrConditionFailed):
			// Released or expired between scan and update. Not ours anymore.
		case err != nil:
			r.logger.Warn("stale row cleanup failed", zap.String("key", key), zap.Error(err))
		default:
			reaped++
			r.logger.Info("reaped stale tracking row",
				zap.String("key", key),
				zap.Time("cutoff", cutoff))
		}
	}
	return reaped, nil
}

// randomID returns 8 hex digits from a CSPRNG, the tracking key suffix.
func randomID() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	dst := make([]byte, 8)
	hex.Encode(dst, b[:])
	return string(dst)
}
