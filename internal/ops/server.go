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

// Package ops is the operator surface: liveness, usage snapshots, the
// in-flight list and a manual backoff switch, plus Prometheus exposition.
// Read endpoints clamp negative counters to zero for display; the raw values
// stay in the store for the reconciler to judge.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"remgate/internal/counter"
	"remgate/internal/gate"
	"remgate/internal/params"
)

// Server serves the operator endpoints. Build the http.Server around
// Handler() in the daemon so shutdown stays in one place.
type Server struct {
	counters counter.Store
	registry *gate.Registry
	params   *params.Provider
	clock    clock.Clock
	logger   *zap.Logger
}

// Option tweaks a Server.
type Option func(*Server)

// WithClock substitutes the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer builds the operator surface over the shared backends.
func NewServer(counters counter.Store, registry *gate.Registry, provider *params.Provider, opts ...Option) *Server {
	s := &Server{
		counters: counters,
		registry: registry,
		params:   provider,
		clock:    clock.New(),
		logger:   zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the routed handler with recovery and request logging.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/api/v1/ratelimit", s.handleRateLimit)
	r.Get("/api/v1/inflight", s.handleInFlight)
	r.Post("/api/v1/backoff", s.handleBackoff)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// handleHealthz answers liveness. It also pings the counter store with a
// short budget: a daemon whose store is unreachable is alive but useless.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	_, err := s.counters.Get(ctx, counter.InFlightKey)
	if err != nil && !errors.Is(err, counter.ErrNotFound) {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type rateLimitSnapshot struct {
	InFlight        int64  `json:"in_flight"`
	MaxInFlight     int    `json:"max_in_flight"`
	WindowKey       string `json:"window_key"`
	WindowCount     int64  `json:"window_count"`
	MaxRPM          int    `json:"max_rpm"`
	WindowAvailable int64  `json:"window_available"`
	BackoffSeconds  int64  `json:"backoff_seconds"`
	LastUpdated     string `json:"last_updated,omitempty"`
	LastReconciled  string `json:"last_reconciled,omitempty"`
	ReconcileReason string `json:"reconcile_reason,omitempty"`
}

func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := s.clock.Now()
	snap := rateLimitSnapshot{
		MaxInFlight: s.params.Int(ctx, params.NameMaxInFlight, params.DefaultMaxInFlight),
		MaxRPM:      s.params.Int(ctx, params.NameMaxRPM, params.DefaultMaxRPM),
		WindowKey:   counter.WindowKey(now),
	}

	row, err := s.counters.Get(ctx, counter.InFlightKey)
	switch {
	case err == nil:
		fl := counter.DecodeInFlight(row)
		snap.InFlight = clampNonNegative(fl.Count)
		if !fl.LastUpdated.IsZero() {
			snap.LastUpdated = fl.LastUpdated.UTC().Format(time.RFC3339)
		}
		if !fl.LastReconciled.IsZero() {
			snap.LastReconciled = fl.LastReconciled.UTC().Format(time.RFC3339)
		}
		snap.ReconcileReason = fl.ReconcileReason
	case !errors.Is(err, counter.ErrNotFound):
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	row, err = s.counters.Get(ctx, snap.WindowKey)
	switch {
	case err == nil:
		snap.WindowCount = clampNonNegative(row.Int64(counter.FieldRequestCount))
	case !errors.Is(err, counter.ErrNotFound):
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	snap.WindowAvailable = clampNonNegative(int64(snap.MaxRPM) - snap.WindowCount)

	row, err = s.counters.Get(ctx, counter.BackoffKey)
	switch {
	case err == nil:
		remaining := counter.DecodeBackoff(row).Remaining(now)
		snap.BackoffSeconds = int64(remaining / time.Second)
	case !errors.Is(err, counter.ErrNotFound):
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	s.writeJSON(w, http.StatusOK, snap)
}

type inFlightEntry struct {
	Key        string `json:"key"`
	Filename   string `json:"filename"`
	APIType    string `json:"api_type"`
	StartedAt  string `json:"started_at"`
	AgeSeconds int64  `json:"age_seconds"`
}

func (s *Server) handleInFlight(w http.ResponseWriter, r *http.Request) {
	rows, err := s.registry.ListActive(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	now := s.clock.Now()
	entries := make([]inFlightEntry, 0, len(rows))
	for _, t := range rows {
		age := int64(0)
		if !t.StartedAt.IsZero() {
			if d := now.Sub(t.StartedAt); d > 0 {
				age = int64(d / time.Second)
			}
		}
		entries = append(entries, inFlightEntry{
			Key:        t.Key,
			Filename:   t.Filename,
			APIType:    t.APIType,
			StartedAt:  t.StartedAt.UTC().Format(time.RFC3339),
			AgeSeconds: age,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(entries),
		"entries": entries,
	})
}

// handleBackoff sets or clears the global pause row. Zero seconds clears.
func (s *Server) handleBackoff(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Seconds int64 `json:"seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be {\"seconds\": N}"})
		return
	}
	if req.Seconds < 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "seconds must be >= 0"})
		return
	}

	ctx := r.Context()
	if req.Seconds == 0 {
		if err := s.counters.Delete(ctx, counter.BackoffKey); err != nil {
			s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		s.logger.Info("global backoff cleared")
		s.writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
		return
	}

	until := s.clock.Now().Add(time.Duration(req.Seconds) * time.Second)
	_, err := s.counters.Update(ctx, counter.BackoffKey,
		[]counter.Op{
			counter.Set(counter.FieldBackoffUntil, until.Unix()),
			// The row outlives the pause by a minute so late readers see it
			// expired rather than missing.
			counter.Set(counter.FieldTTL, until.Unix()+60),
		}, nil)
	if err != nil {
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	s.logger.Warn("global backoff engaged",
		zap.Int64("seconds", req.Seconds),
		zap.Time("until", until))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"seconds":       req.Seconds,
		"backoff_until": until.UTC().Format(time.RFC3339),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

func clampNonNegative(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

// requestLogger emits one line per request, after the handler ran.
func requestLogger(l *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			l.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)))
		})
	}
}
