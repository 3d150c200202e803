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

package workitem

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type memObject struct {
	body     []byte
	attrs    map[string]string
	modified int64 // unix nanos; monotonic tiebreaker below keeps FIFO stable
	seq      uint64
}

// MemoryStore is the in-process Store for tests and the sim. Listing order
// is LastModified then insertion order, so FIFO behavior is deterministic
// even under a frozen test clock.
type MemoryStore struct {
	mu    sync.Mutex
	objs  map[string]memObject
	clock clock.Clock
	seq   uint64
}

// NewMemoryStore builds an empty store on the real clock.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(clock.New())
}

// NewMemoryStoreWithClock builds an empty store on the given clock.
func NewMemoryStoreWithClock(c clock.Clock) *MemoryStore {
	return &MemoryStore{objs: make(map[string]memObject), clock: c}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Put(ctx context.Context, key string, body []byte, attrs map[string]string) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.objs[key] = memObject{
		body:     append([]byte(nil), body...),
		attrs:    copyAttrs(attrs),
		modified: m.clock.Now().UnixNano(),
		seq:      m.seq,
	}
	return nil
}

func (m *MemoryStore) Head(ctx context.Context, key string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objs[key]
	if !ok {
		return Object{}, ErrNotExist
	}
	return m.toObject(key, o, true), nil
}

func (m *MemoryStore) List(ctx context.Context, prefix string, max int) ([]Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	type pair struct {
		key string
		obj memObject
	}
	var pairs []pair
	for k, o := range m.objs {
		if strings.HasPrefix(k, prefix) {
			pairs = append(pairs, pair{k, o})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].obj.modified != pairs[j].obj.modified {
			return pairs[i].obj.modified < pairs[j].obj.modified
		}
		return pairs[i].obj.seq < pairs[j].obj.seq
	})
	if max > 0 && len(pairs) > max {
		pairs = pairs[:max]
	}
	out := make([]Object, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, m.toObject(p.key, p.obj, false))
	}
	return out, nil
}

func (m *MemoryStore) Copy(ctx context.Context, src, dst string, attrs map[string]string) error {
	dst, err := cleanKey(dst)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objs[src]
	if !ok {
		return fmt.Errorf("copy source %s: %w", src, ErrNotExist)
	}
	newAttrs := o.attrs
	if attrs != nil {
		newAttrs = attrs
	}
	m.seq++
	m.objs[dst] = memObject{
		body:     append([]byte(nil), o.body...),
		attrs:    copyAttrs(newAttrs),
		modified: m.clock.Now().UnixNano(),
		seq:      m.seq,
	}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objs, key)
	return nil
}

func (m *MemoryStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.objs {
		if strings.HasPrefix(k, prefix) {
			delete(m.objs, k)
			n++
		}
	}
	return n, nil
}

// Body returns an object's content (sim convenience, not part of Store).
func (m *MemoryStore) Body(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objs[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), o.body...), true
}

func (m *MemoryStore) toObject(key string, o memObject, withAttrs bool) Object {
	out := Object{
		Key:          key,
		Size:         int64(len(o.body)),
		LastModified: time.Unix(0, o.modified),
	}
	if withAttrs {
		out.Attrs = copyAttrs(o.attrs)
	}
	return out
}

func copyAttrs(attrs map[string]string) map[string]string {
	cp := make(map[string]string, len(attrs))
	for k, v := range attrs {
		cp[k] = v
	}
	return cp
}
