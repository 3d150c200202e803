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

// Package orchestrator reads activity signals from whatever runs the
// remediation work: how many worker tasks and how many pipeline executions
// are live right now. The intake scheduler and the reconciler consume these
// to gate admission and to decide when a nonzero counter is provably stale.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Signals reports current orchestrator activity. Callers treat an error as
// "unknown" and act conservatively.
type Signals interface {
	RunningWorkers(ctx context.Context) (int, error)
	RunningPipelines(ctx context.Context) (int, error)
}

// Static returns fixed counts. Useful in tests and as a degraded-mode
// stand-in when no orchestrator is reachable.
type Static struct {
	Workers   int
	Pipelines int
}

var _ Signals = Static{}

func (s Static) RunningWorkers(ctx context.Context) (int, error)   { return s.Workers, nil }
func (s Static) RunningPipelines(ctx context.Context) (int, error) { return s.Pipelines, nil }

// Funcs adapts two closures to Signals; the sim counts its own goroutines
// through this.
type Funcs struct {
	WorkersFunc   func(ctx context.Context) (int, error)
	PipelinesFunc func(ctx context.Context) (int, error)
}

var _ Signals = Funcs{}

func (f Funcs) RunningWorkers(ctx context.Context) (int, error) {
	if f.WorkersFunc == nil {
		return 0, nil
	}
	return f.WorkersFunc(ctx)
}

func (f Funcs) RunningPipelines(ctx context.Context) (int, error) {
	if f.PipelinesFunc == nil {
		return 0, nil
	}
	return f.PipelinesFunc(ctx)
}

// HTTP polls two endpoints that each answer {"count": N}. It stands in for
// direct orchestrator list APIs in deployments that front them with a small
// status service.
type HTTP struct {
	client       *http.Client
	workersURL   string
	pipelinesURL string
}

// NewHTTP builds the poller with a bounded request timeout.
func NewHTTP(workersURL, pipelinesURL string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTP{
		client:       &http.Client{Timeout: timeout},
		workersURL:   workersURL,
		pipelinesURL: pipelinesURL,
	}
}

var _ Signals = (*HTTP)(nil)

func (h *HTTP) RunningWorkers(ctx context.Context) (int, error) {
	return h.fetch(ctx, h.workersURL)
}

func (h *HTTP) RunningPipelines(ctx context.Context) (int, error) {
	return h.fetch(ctx, h.pipelinesURL)
}

func (h *HTTP) fetch(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: build request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("orchestrator: %s: status %d", url, resp.StatusCode)
	}
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("orchestrator: %s: decode: %w", url, err)
	}
	if body.Count < 0 {
		return 0, fmt.Errorf("orchestrator: %s: negative count %d", url, body.Count)
	}
	return body.Count, nil
}
