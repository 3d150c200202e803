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

package counter

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// The store keeps heterogeneous rows in one keyspace; the key prefix tags the
// variant. These decoded views keep the attr-map plumbing out of callers.

// InFlightRow is the decoded singleton concurrency counter.
type InFlightRow struct {
	Count           int64
	LastUpdated     time.Time
	LastReconciled  time.Time
	ReconcileReason string
}

// WindowRow is a decoded per-minute request window.
type WindowRow struct {
	Minute    time.Time
	Count     int64
	ExpiresAt time.Time
}

// TrackingRow is a decoded per-acquisition tracking row.
type TrackingRow struct {
	Key          string
	Filename     string
	APIType      string
	StartedAt    time.Time
	Released     bool
	ReleasedAt   time.Time
	StaleCleanup bool
}

// BackoffRow is the decoded global pause row.
type BackoffRow struct {
	Until time.Time
}

// Active reports whether the acquisition is still open.
func (t TrackingRow) Active() bool { return !t.Released }

// Remaining returns how much pause is left at now, clamped at zero.
func (b BackoffRow) Remaining(now time.Time) time.Duration {
	if d := b.Until.Sub(now); d > 0 {
		return d
	}
	return 0
}

// DecodeInFlight decodes the concurrency counter row.
func DecodeInFlight(r Row) InFlightRow {
	out := InFlightRow{
		Count:           r.Int64(FieldInFlight),
		ReconcileReason: r.Attrs[FieldReconcileReason],
	}
	out.LastUpdated, _ = r.Time(FieldLastUpdated)
	out.LastReconciled, _ = r.Time(FieldLastReconciled)
	return out
}

// DecodeWindow decodes a request-window row; the minute comes from the key.
func DecodeWindow(r Row) (WindowRow, error) {
	minute, ok := WindowMinute(r.Key)
	if !ok {
		return WindowRow{}, fmt.Errorf("counter: %q is not a window key", r.Key)
	}
	out := WindowRow{Minute: minute, Count: r.Int64(FieldRequestCount)}
	if v, err := strconv.ParseInt(r.Attrs[FieldTTL], 10, 64); err == nil {
		out.ExpiresAt = time.Unix(v, 0).UTC()
	}
	return out, nil
}

// DecodeTracking decodes a tracking row.
func DecodeTracking(r Row) TrackingRow {
	out := TrackingRow{
		Key:          r.Key,
		Filename:     r.Attrs[FieldFilename],
		APIType:      r.Attrs[FieldAPIType],
		Released:     r.Bool(FieldReleased),
		StaleCleanup: r.Bool(FieldStaleCleanup),
	}
	out.StartedAt, _ = r.Time(FieldStartedAt)
	out.ReleasedAt, _ = r.Time(FieldReleasedAt)
	return out
}

// DecodeBackoff decodes the global pause row.
func DecodeBackoff(r Row) BackoffRow {
	v, err := strconv.ParseInt(r.Attrs[FieldBackoffUntil], 10, 64)
	if err != nil {
		return BackoffRow{}
	}
	return BackoffRow{Until: time.Unix(v, 0).UTC()}
}

// ParseRow dispatches on the key prefix and returns the matching decoded
// variant (InFlightRow, WindowRow, TrackingRow or BackoffRow). Unknown keys
// return the raw Row.
func ParseRow(r Row) (any, error) {
	switch {
	case r.Key == InFlightKey:
		return DecodeInFlight(r), nil
	case r.Key == BackoffKey:
		return DecodeBackoff(r), nil
	case strings.HasPrefix(r.Key, WindowKeyPrefix):
		return DecodeWindow(r)
	case strings.HasPrefix(r.Key, TrackingKeyPrefix):
		return DecodeTracking(r), nil
	default:
		return r, nil
	}
}
