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
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
)

// MemoryStore is the in-process Store used by tests and the sim. Expired
// rows are purged lazily on access. Scan visits keys in sorted order so
// callers get deterministic output.
type MemoryStore struct {
	mu    sync.Mutex
	rows  map[string]Row
	clock clock.Clock
}

// NewMemoryStore builds an empty store on the real clock.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(clock.New())
}

// NewMemoryStoreWithClock builds an empty store on the given clock.
func NewMemoryStoreWithClock(c clock.Clock) *MemoryStore {
	return &MemoryStore{rows: make(map[string]Row), clock: c}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Get(ctx context.Context, key string) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.live(key)
	if !ok {
		return Row{}, ErrNotFound
	}
	return row.clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, key string, ops []Op, conds []Cond) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var attrs map[string]string
	if row, ok := m.live(key); ok {
		attrs = row.Attrs
	}
	if !evalConds(attrs, conds) {
		return Row{}, ErrConditionFailed
	}
	if attrs == nil {
		attrs = make(map[string]string)
	}
	applyOps(attrs, ops)
	m.rows[key] = Row{Key: key, Attrs: attrs}
	return m.rows[key].clone(), nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, key)
	return nil
}

func (m *MemoryStore) Scan(ctx context.Context, prefix string, fn func(Row) bool) error {
	m.mu.Lock()
	keys := make([]string, 0, len(m.rows))
	for k := range m.rows {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	rows := make([]Row, 0, len(keys))
	for _, k := range keys {
		if row, ok := m.live(k); ok {
			rows = append(rows, row.clone())
		}
	}
	m.mu.Unlock()

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn(row) {
			return nil
		}
	}
	return nil
}

// live returns the row when present and unexpired, purging it otherwise.
// Caller holds m.mu.
func (m *MemoryStore) live(key string) (Row, bool) {
	row, ok := m.rows[key]
	if !ok {
		return Row{}, false
	}
	if row.Expired(m.clock.Now()) {
		delete(m.rows, key)
		return Row{}, false
	}
	return row, true
}
