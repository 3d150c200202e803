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

package reconcile

import "github.com/prometheus/client_golang/prometheus"

// The gauges mirror what the last run observed; -1 on the worker and
// pipeline gauges means the orchestrator signal was unavailable.
var (
	inFlightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "remgate_inflight_counter",
		Help: "In-flight counter value at the last reconciler run.",
	})

	trackedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "remgate_tracked_files",
		Help: "Open tracking rows at the last reconciler run.",
	})

	workersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "remgate_running_workers",
		Help: "Running worker tasks reported by the orchestrator (-1 unknown).",
	})

	pipelinesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "remgate_running_pipelines",
		Help: "Running pipeline executions reported by the orchestrator (-1 unknown).",
	})

	resetsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "remgate_reconciliation_resets_total",
		Help: "Counter resets performed by the reconciler.",
	})

	staleCleaned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "remgate_stale_entries_cleaned_total",
		Help: "Stale tracking rows closed by the reconciler.",
	})
)

func init() {
	prometheus.MustRegister(
		inFlightGauge,
		trackedGauge,
		workersGauge,
		pipelinesGauge,
		resetsTotal,
		staleCleaned,
	)
}
