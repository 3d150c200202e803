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

import "github.com/prometheus/client_golang/prometheus"

var (
	acquireTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "remgate_acquire_total",
		Help: "Acquire outcomes by api_type (acquired, timeout, error, canceled).",
	}, []string{"api_type", "outcome"})

	acquireWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "remgate_acquire_wait_seconds",
		Help:    "Time spent inside Acquire, successful or not.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	inFlightRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "remgate_inflight_rejections_total",
		Help: "Phase-A conditional updates rejected at the in-flight cap.",
	})

	rpmRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "remgate_rpm_rejections_total",
		Help: "Phase-B conditional updates rejected at the per-minute cap.",
	})

	compensations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "remgate_inflight_compensations_total",
		Help: "In-flight slots returned because the RPM window was full.",
	})

	releaseFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "remgate_release_failures_total",
		Help: "Releases whose counter decrement failed (reconciler heals these).",
	})

	trackingFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "remgate_tracking_failures_total",
		Help: "Tracking-row writes that failed without affecting admission.",
	})
)

func init() {
	prometheus.MustRegister(
		acquireTotal,
		acquireWaitSeconds,
		inFlightRejections,
		rpmRejections,
		compensations,
		releaseFailures,
		trackingFailures,
	)
}
