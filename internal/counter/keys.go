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
	"strings"
	"time"
)

// Key grammar. Every key in the store matches one of these shapes; this file
// is the only place the format strings live.
const (
	// InFlightKey is the singleton concurrency counter.
	InFlightKey = "adobe_api_in_flight"

	// BackoffKey is the singleton global pause row written after upstream
	// throttling. Attr backoff_until holds epoch seconds.
	BackoffKey = "global_backoff_until"

	// WindowKeyPrefix prefixes per-minute request windows; the suffix is
	// the UTC minute as YYYYMMDDHHMM.
	WindowKeyPrefix = "rpm_window_combined_"

	// TrackingKeyPrefix prefixes per-acquisition tracking rows:
	// file_<8 hex digits>_<basename>.
	TrackingKeyPrefix = "file_"
)

const windowMinuteLayout = "200601021504"

// Field names used across row variants.
const (
	FieldInFlight        = "in_flight"
	FieldLastUpdated     = "last_updated"
	FieldLastReconciled  = "last_reconciled"
	FieldReconcileReason = "reconcile_reason"
	FieldRequestCount    = "request_count"
	FieldTTL             = "ttl"
	FieldBackoffUntil    = "backoff_until"
	FieldFilename        = "filename"
	FieldAPIType         = "api_type"
	FieldStartedAt       = "started_at"
	FieldReleased        = "released"
	FieldReleasedAt      = "released_at"
	FieldStaleCleanup    = "stale_cleanup"
)

// WindowKey returns the request-window key for the minute containing t.
func WindowKey(t time.Time) string {
	return WindowKeyPrefix + t.UTC().Format(windowMinuteLayout)
}

// WindowMinute parses a window key back to its UTC minute.
func WindowMinute(key string) (time.Time, bool) {
	suffix, ok := strings.CutPrefix(key, WindowKeyPrefix)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(windowMinuteLayout, suffix, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// TrackingKey builds a tracking-row key from an 8-hex-digit suffix and the
// item's base name.
func TrackingKey(rand8, basename string) string {
	return fmt.Sprintf("%s%s_%s", TrackingKeyPrefix, rand8, basename)
}

// IsTracking reports whether key names a tracking row.
func IsTracking(key string) bool {
	return strings.HasPrefix(key, TrackingKeyPrefix)
}
