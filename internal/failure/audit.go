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
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"
)

// AuditLog is a buffered JSONL analyzer: one line per handled failure,
// appended to a file that outlives the process. It is safe for concurrent
// use and optimized for append-only writes.
type AuditLog struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string

	lastFlush time.Time
}

var _ Analyzer = (*AuditLog)(nil)

// NewAuditLog opens (or creates) the file at path in append mode with a
// buffered writer. Call Close when done.
func NewAuditLog(path string) (*AuditLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &AuditLog{f: f, w: bufio.NewWriterSize(f, 1<<20), path: path, lastFlush: time.Now()}, nil
}

// auditEntry pins the line format independently of the Record struct. The
// Notified flag is digest bookkeeping, not part of the failure, so it stays
// out of the file.
type auditEntry struct {
	ID            string    `json:"id"`
	ItemID        string    `json:"item_id"`
	ExecutionID   string    `json:"execution_id"`
	Timestamp     time.Time `json:"timestamp"`
	FailureDate   string    `json:"failure_date"`
	RetryCount    int       `json:"retry_count"`
	Action        Action    `json:"action"`
	CleanedReason string    `json:"cleaned_reason"`
}

// Analyze appends the record as one JSON line.
func (a *AuditLog) Analyze(ctx context.Context, rec Record) {
	e := auditEntry{
		ID:            rec.ID,
		ItemID:        rec.ItemID,
		ExecutionID:   rec.ExecutionID,
		Timestamp:     rec.Timestamp,
		FailureDate:   rec.FailureDate,
		RetryCount:    rec.RetryCount,
		Action:        rec.Action,
		CleanedReason: rec.CleanedReason,
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	enc := json.NewEncoder(a.w)
	if err := enc.Encode(&e); err != nil {
		// best effort: on error, try to flush and retry once
		_ = a.w.Flush()
		_ = enc.Encode(&e)
	}
	// Flush periodically to bound data loss on crash.
	if time.Since(a.lastFlush) > 100*time.Millisecond {
		_ = a.w.Flush()
		a.lastFlush = time.Now()
	}
}

// Flush forces buffered lines to disk.
func (a *AuditLog) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastFlush = time.Now()
	return a.w.Flush()
}

// Close flushes and closes the underlying file.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_ = a.w.Flush()
	return a.f.Close()
}

// ReadAuditLog reads an entire audit file back as records, skipping lines
// that do not parse. Intended for inspection and replay tooling.
func ReadAuditLog(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<26)
	for scanner.Scan() {
		var e auditEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, Record{
			ID:            e.ID,
			ItemID:        e.ItemID,
			ExecutionID:   e.ExecutionID,
			Timestamp:     e.Timestamp,
			FailureDate:   e.FailureDate,
			RetryCount:    e.RetryCount,
			Action:        e.Action,
			CleanedReason: e.CleanedReason,
		})
	}
	return out, scanner.Err()
}
