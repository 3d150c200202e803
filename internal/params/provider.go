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

// Package params serves the pipeline's runtime tuning knobs (caps, batch
// sizes, retry limits) through a read-through cache so operators can adjust
// them without redeploying. Every getter takes the caller's default and
// falls back to it on any miss, source fault or parse failure; a knob being
// unreadable must never stop admission.
package params

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// ErrNotFound is returned by a Source when the parameter does not exist.
var ErrNotFound = errors.New("params: not found")

// Source is where parameter values actually live. Implementations: Static,
// Env, File (YAML + fsnotify) and SSM.
type Source interface {
	Fetch(ctx context.Context, name string) (string, error)
}

// DefaultCacheTTL is how long a fetched value is served before the source is
// consulted again.
const DefaultCacheTTL = 60 * time.Second

type entry struct {
	val     string
	expires time.Time
}

// Provider is the read-through cache over a Source. Safe for concurrent use.
// Failed fetches are not cached; absence is re-checked on the next read.
type Provider struct {
	src    Source
	ttl    time.Duration
	clock  clock.Clock
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]entry
}

// Option tweaks a Provider.
type Option func(*Provider)

// WithTTL overrides the cache TTL.
func WithTTL(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.ttl = d
		}
	}
}

// WithClock substitutes the clock (tests).
func WithClock(c clock.Clock) Option {
	return func(p *Provider) { p.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// NewProvider builds a Provider over src.
func NewProvider(src Source, opts ...Option) *Provider {
	p := &Provider{
		src:    src,
		ttl:    DefaultCacheTTL,
		clock:  clock.New(),
		logger: zap.NewNop(),
		cache:  make(map[string]entry),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// String returns the parameter or def when it is missing or unreadable.
func (p *Provider) String(ctx context.Context, name, def string) string {
	v, err := p.fetch(ctx, name)
	if err != nil {
		p.logMiss(name, err)
		return def
	}
	return v
}

// Int returns the parameter parsed as an integer, or def.
func (p *Provider) Int(ctx context.Context, name string, def int) int {
	v, err := p.fetch(ctx, name)
	if err != nil {
		p.logMiss(name, err)
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		p.logger.Warn("parameter is not an integer, using default",
			zap.String("param", name), zap.String("value", v), zap.Int("default", def))
		return def
	}
	return n
}

// Bool returns the parameter parsed as a boolean ("true"/"false"/"1"/"0"),
// or def.
func (p *Provider) Bool(ctx context.Context, name string, def bool) bool {
	v, err := p.fetch(ctx, name)
	if err != nil {
		p.logMiss(name, err)
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1":
		return true
	case "false", "0":
		return false
	default:
		p.logger.Warn("parameter is not a boolean, using default",
			zap.String("param", name), zap.String("value", v), zap.Bool("default", def))
		return def
	}
}

// Duration returns the parameter parsed as a Go duration ("15m", "90s"),
// or def.
func (p *Provider) Duration(ctx context.Context, name string, def time.Duration) time.Duration {
	v, err := p.fetch(ctx, name)
	if err != nil {
		p.logMiss(name, err)
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		p.logger.Warn("parameter is not a duration, using default",
			zap.String("param", name), zap.String("value", v), zap.Duration("default", def))
		return def
	}
	return d
}

// Invalidate drops one cached entry so the next read hits the source.
func (p *Provider) Invalidate(name string) {
	p.mu.Lock()
	delete(p.cache, name)
	p.mu.Unlock()
}

// Flush drops the whole cache.
func (p *Provider) Flush() {
	p.mu.Lock()
	p.cache = make(map[string]entry)
	p.mu.Unlock()
}

func (p *Provider) fetch(ctx context.Context, name string) (string, error) {
	now := p.clock.Now()

	p.mu.RLock()
	e, ok := p.cache[name]
	p.mu.RUnlock()
	if ok && now.Before(e.expires) {
		return e.val, nil
	}

	v, err := p.src.Fetch(ctx, name)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	p.cache[name] = entry{val: v, expires: now.Add(p.ttl)}
	p.mu.Unlock()
	return v, nil
}

func (p *Provider) logMiss(name string, err error) {
	if errors.Is(err, ErrNotFound) {
		p.logger.Warn("parameter missing, using default", zap.String("param", name))
		return
	}
	p.logger.Error("parameter fetch failed, using default",
		zap.String("param", name), zap.Error(err))
}
