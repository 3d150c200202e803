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
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// PostgresRecordStore persists failure records in one table. Expected schema:
//
//	CREATE TABLE failure_records (
//	    id             UUID PRIMARY KEY,
//	    item_id        TEXT NOT NULL,
//	    execution_id   TEXT NOT NULL DEFAULT '',
//	    occurred_at    TIMESTAMPTZ NOT NULL,
//	    failure_date   DATE NOT NULL,
//	    retry_count    INTEGER NOT NULL,
//	    action         TEXT NOT NULL,
//	    cleaned_reason TEXT NOT NULL,
//	    notified       BOOLEAN NOT NULL DEFAULT FALSE
//	);
//	CREATE INDEX failure_records_by_date ON failure_records (failure_date);
//
// failure_date is denormalized from occurred_at so the daily digest query
// hits an index instead of a date_trunc scan.
type PostgresRecordStore struct {
	db *sqlx.DB
}

// NewPostgresRecordStore wraps an open connection pool.
func NewPostgresRecordStore(db *sqlx.DB) *PostgresRecordStore {
	return &PostgresRecordStore{db: db}
}

var _ RecordStore = (*PostgresRecordStore)(nil)

const insertRecordSQL = `
INSERT INTO failure_records
    (id, item_id, execution_id, occurred_at, failure_date, retry_count, action, cleaned_reason, notified)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

const listByDateSQL = `
SELECT id, item_id, execution_id, occurred_at, failure_date, retry_count, action, cleaned_reason, notified
FROM failure_records
WHERE failure_date = $1
ORDER BY occurred_at ASC`

const markNotifiedSQL = `
UPDATE failure_records SET notified = TRUE WHERE id = ANY($1)`

type recordRow struct {
	ID            string    `db:"id"`
	ItemID        string    `db:"item_id"`
	ExecutionID   string    `db:"execution_id"`
	OccurredAt    time.Time `db:"occurred_at"`
	FailureDate   time.Time `db:"failure_date"`
	RetryCount    int       `db:"retry_count"`
	Action        string    `db:"action"`
	CleanedReason string    `db:"cleaned_reason"`
	Notified      bool      `db:"notified"`
}

func (s *PostgresRecordStore) Insert(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, insertRecordSQL,
		rec.ID, rec.ItemID, rec.ExecutionID, rec.Timestamp, rec.FailureDate,
		rec.RetryCount, string(rec.Action), rec.CleanedReason, rec.Notified)
	if err != nil {
		return fmt.Errorf("insert failure record %s: %w", rec.ID, err)
	}
	return nil
}

func (s *PostgresRecordStore) ListByDate(ctx context.Context, date string) ([]Record, error) {
	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, listByDateSQL, date); err != nil {
		return nil, fmt.Errorf("list failure records for %s: %w", date, err)
	}
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, Record{
			ID:            r.ID,
			ItemID:        r.ItemID,
			ExecutionID:   r.ExecutionID,
			Timestamp:     r.OccurredAt,
			FailureDate:   r.FailureDate.Format("2006-01-02"),
			RetryCount:    r.RetryCount,
			Action:        Action(r.Action),
			CleanedReason: r.CleanedReason,
			Notified:      r.Notified,
		})
	}
	return out, nil
}

func (s *PostgresRecordStore) MarkNotified(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, markNotifiedSQL, pq.Array(ids)); err != nil {
		return fmt.Errorf("mark %d records notified: %w", len(ids), err)
	}
	return nil
}
