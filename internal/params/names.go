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

package params

import "time"

// Canonical parameter names. Sources map these onto their own namespace
// (env vars uppercase them, SSM prepends a path prefix). Durations are Go
// duration strings ("15m").
const (
	// NameMaxInFlight caps concurrent upstream API calls.
	NameMaxInFlight = "max-in-flight"
	// NameMaxRPM caps requests per UTC minute, kept under the provider's
	// hard 200/min quota.
	NameMaxRPM = "max-rpm"
	// NameIntakeMaxInFlight stops admission while this many calls are open.
	NameIntakeMaxInFlight = "intake-max-in-flight"
	// NameIntakeMaxRunning stops admission at this many running pipelines.
	NameIntakeMaxRunning = "intake-max-running"
	// NameBatchSize is the admission batch under normal load.
	NameBatchSize = "batch-size"
	// NameBatchSizeLow is the larger batch used when the system is idle.
	NameBatchSizeLow = "batch-size-low"
	// NameMaxRetries is how many failures an item gets before dead-letter.
	NameMaxRetries = "max-retries"
	// NameReconcilerEnabled turns the reconciler's writes on and off.
	NameReconcilerEnabled = "reconciler-enabled"
	// NameReconcilerMaxDrift is the tolerated gap between the in-flight
	// counter and the tracked acquisitions.
	NameReconcilerMaxDrift = "reconciler-max-drift"
	// NameStaleEntryThreshold is the age after which an unreleased tracking
	// row is presumed leaked.
	NameStaleEntryThreshold = "stale-entry-threshold"
)

// Defaults, used by callers when the parameter is missing or unreadable.
const (
	DefaultMaxInFlight         = 150
	DefaultMaxRPM              = 190
	DefaultIntakeMaxInFlight   = 10
	DefaultIntakeMaxRunning    = 50
	DefaultBatchSize           = 5
	DefaultBatchSizeLow        = 10
	DefaultMaxRetries          = 3
	DefaultReconcilerEnabled   = true
	DefaultReconcilerMaxDrift  = 5
	DefaultStaleEntryThreshold = 15 * time.Minute
)
