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

package failure

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Action classifies what the controller did with a failed item.
type Action string

const (
	ActionMovedToRetry      Action = "moved_to_retry"
	ActionMovedToDeadLetter Action = "moved_to_dead_letter"
	ActionMoveFailed        Action = "move_failed"
)

// Record is the durable account of one handled failure. FailureDate exists
// alongside Timestamp so the daily digest can query by calendar day.
type Record struct {
	ID            string
	ItemID        string
	ExecutionID   string
	Timestamp     time.Time
	FailureDate   string // YYYY-MM-DD, UTC
	RetryCount    int
	Action        Action
	CleanedReason string
	Notified      bool
}

// RecordStore persists failure records.
type RecordStore interface {
	// Insert stores one record.
	Insert(ctx context.Context, rec Record) error

	// ListByDate returns the records for one failure date (YYYY-MM-DD),
	// oldest first.
	ListByDate(ctx context.Context, date string) ([]Record, error)

	// MarkNotified flags records as included in a digest.
	MarkNotified(ctx context.Context, ids []string) error
}

// MemoryRecordStore keeps records in memory, for tests and the sim.
type MemoryRecordStore struct {
	mu   sync.Mutex
	recs []Record
	byID map[string]int
}

// NewMemoryRecordStore builds an empty store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{byID: make(map[string]int)}
}

var _ RecordStore = (*MemoryRecordStore)(nil)

func (m *MemoryRecordStore) Insert(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[rec.ID] = len(m.recs)
	m.recs = append(m.recs, rec)
	return nil
}

func (m *MemoryRecordStore) ListByDate(ctx context.Context, date string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.recs {
		if r.FailureDate == date {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryRecordStore) MarkNotified(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if i, ok := m.byID[id]; ok {
			m.recs[i].Notified = true
		}
	}
	return nil
}

// All returns a copy of every stored record, insertion order. Test helper.
func (m *MemoryRecordStore) All() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.recs))
	copy(out, m.recs)
	return out
}
