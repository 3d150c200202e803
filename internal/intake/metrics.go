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

package intake

import "github.com/prometheus/client_golang/prometheus"

var (
	intakeRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "remgate_intake_runs_total",
		Help: "Intake runs by outcome action.",
	}, []string{"action"})

	intakeMoved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "remgate_intake_moved_total",
		Help: "Work items admitted into processing, by source area.",
	}, []string{"area"})

	intakeBatchSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "remgate_intake_batch_size",
		Help: "Batch size chosen by the last sizing decision.",
	})
)

func init() {
	prometheus.MustRegister(intakeRuns, intakeMoved, intakeBatchSize)
}
