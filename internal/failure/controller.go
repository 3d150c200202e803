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

// Package failure routes items whose pipeline run ended badly. An item gets
// a bounded number of retries, carried on the object itself as a retry-count
// attribute, then lands in dead-letter with the full story attached. Every
// handled failure also leaves a durable record and a scratch-area sweep
// behind, so a failed run never strands partial output.
package failure

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"remgate/internal/params"
	"remgate/internal/workitem"
)

// Event is one terminal pipeline failure as reported by the orchestrator.
type Event struct {
	// ExecutionID identifies the failed pipeline run.
	ExecutionID string

	// ItemPath locates the failed item: a processing-area key, or a
	// working-area scratch path the item key can be derived from.
	ItemPath string

	// RawCause is the orchestrator's unprocessed failure cause.
	RawCause string

	// Status is the terminal state name, e.g. "FAILED" or "TIMED_OUT".
	Status string
}

// Result reports what the controller did with the item.
type Result struct {
	Action  Action
	ItemKey string

	// DestKey is where the item ended up; empty when the move failed.
	DestKey string

	// RetryCount is the durable count after this failure. When the move
	// failed the durable state did not change, so this is the pre-failure
	// count.
	RetryCount int

	// Exceeded reports the retry-budget classification of this failure,
	// regardless of whether the move went through.
	Exceeded bool

	// ScratchFiles is how many scratch objects the cleanup removed.
	ScratchFiles int

	// RecordID is the persisted failure record's id, empty when the insert
	// failed.
	RecordID string
}

// Controller handles failure events. Safe for concurrent use.
type Controller struct {
	items    workitem.Store
	records  RecordStore
	params   *params.Provider
	analyzer Analyzer
	clock    clock.Clock
	logger   *zap.Logger
	newID    func() string
}

// Option tweaks a Controller.
type Option func(*Controller)

// WithAnalyzer attaches an analyzer invoked once per handled failure.
func WithAnalyzer(a Analyzer) Option {
	return func(c *Controller) { c.analyzer = a }
}

// WithClock substitutes the time source.
func WithClock(cl clock.Clock) Option {
	return func(c *Controller) { c.clock = cl }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithIDFunc substitutes the record id generator. Tests pin it.
func WithIDFunc(fn func() string) Option {
	return func(c *Controller) { c.newID = fn }
}

// New builds a Controller over the shared backends.
func New(items workitem.Store, records RecordStore, provider *params.Provider, opts ...Option) *Controller {
	c := &Controller{
		items:   items,
		records: records,
		params:  provider,
		clock:   clock.New(),
		logger:  zap.NewNop(),
		newID:   uuid.NewString,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// HandleFailure routes one failed item. The returned error is reserved for
// unusable events (no resolvable item); a failed move is reported through
// Result.Action, because the cleanup and the record must still happen.
func (c *Controller) HandleFailure(ctx context.Context, ev Event) (Result, error) {
	itemKey, err := resolveItemKey(ev.ItemPath)
	if err != nil {
		return Result{}, err
	}
	sub := strings.TrimPrefix(itemKey, workitem.AreaProcessing)
	now := c.clock.Now()

	// The durable count must be read before the move: the move rewrites the
	// attributes, and a failed move must leave the count untouched.
	count := 0
	obj, err := c.items.Head(ctx, itemKey)
	switch {
	case err == nil:
		count = workitem.RetryCount(obj)
	case errors.Is(err, workitem.ErrNotExist):
		c.logger.Warn("failed item not in processing area", zap.String("item", itemKey))
	default:
		c.logger.Warn("retry count unreadable, assuming first failure",
			zap.String("item", itemKey), zap.Error(err))
	}

	maxRetries := c.params.Int(ctx, params.NameMaxRetries, params.DefaultMaxRetries)
	res := Result{
		ItemKey:    itemKey,
		RetryCount: count + 1,
		Exceeded:   count >= maxRetries,
	}

	var attrs map[string]string
	if res.Exceeded {
		res.Action = ActionMovedToDeadLetter
		res.DestKey = workitem.AreaDeadLetter + sub
		attrs = map[string]string{
			workitem.AttrRetryCount:         strconv.Itoa(count + 1),
			workitem.AttrMaxRetriesExceeded: "true",
			workitem.AttrFinalFailure:       now.UTC().Format(time.RFC3339),
		}
	} else {
		res.Action = ActionMovedToRetry
		res.DestKey = workitem.AreaRetry + sub
		attrs = map[string]string{
			workitem.AttrRetryCount:  strconv.Itoa(count + 1),
			workitem.AttrLastFailure: now.UTC().Format(time.RFC3339),
		}
	}

	if err := workitem.Move(ctx, c.items, itemKey, res.DestKey, attrs); err != nil {
		c.logger.Error("failure move did not complete",
			zap.String("item", itemKey),
			zap.String("dest", res.DestKey),
			zap.Error(err))
		res.Action = ActionMoveFailed
		res.DestKey = ""
		res.RetryCount = count
	}

	// Scratch output of the failed run. Always attempted, even after a
	// failed move.
	scratch := workitem.AreaWorking + strings.TrimSuffix(sub, ".pdf") + "/"
	if n, err := c.items.DeletePrefix(ctx, scratch); err != nil {
		c.logger.Warn("scratch cleanup failed", zap.String("prefix", scratch), zap.Error(err))
	} else {
		res.ScratchFiles = n
	}

	rec := Record{
		ID:            c.newID(),
		ItemID:        itemKey,
		ExecutionID:   ev.ExecutionID,
		Timestamp:     now,
		FailureDate:   now.UTC().Format("2006-01-02"),
		RetryCount:    res.RetryCount,
		Action:        res.Action,
		CleanedReason: CleanReason(ev.RawCause),
	}
	if err := c.records.Insert(ctx, rec); err != nil {
		recordInsertFailures.Inc()
		c.logger.Error("failure record insert failed",
			zap.String("item", itemKey), zap.Error(err))
	} else {
		res.RecordID = rec.ID
	}

	if c.analyzer != nil {
		go c.analyze(context.WithoutCancel(ctx), rec)
	}

	failuresHandled.WithLabelValues(string(res.Action)).Inc()
	c.logger.Info("failure handled",
		zap.String("item", itemKey),
		zap.String("action", string(res.Action)),
		zap.String("dest", res.DestKey),
		zap.Int("retry_count", res.RetryCount),
		zap.Bool("exceeded", res.Exceeded),
		zap.Int("scratch_files", res.ScratchFiles),
		zap.String("status", ev.Status),
		zap.String("reason", rec.CleanedReason))
	return res, nil
}

// analyze shields the controller from the analyzer: panics are logged, never
// propagated.
func (c *Controller) analyze(ctx context.Context, rec Record) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("analyzer panicked",
				zap.String("record_id", rec.ID), zap.Any("panic", p))
		}
	}()
	c.analyzer.Analyze(ctx, rec)
}

// resolveItemKey derives the processing-area key from the event's item path.
// A scratch path names the run's working directory, which mirrors the item's
// subpath without its extension.
func resolveItemKey(itemPath string) (string, error) {
	p := strings.TrimSpace(itemPath)
	if p == "" {
		return "", errors.New("failure: event names no item")
	}
	if strings.HasPrefix(p, workitem.AreaProcessing) {
		return p, nil
	}
	if rest, ok := strings.CutPrefix(p, workitem.AreaWorking); ok {
		dir := path.Dir(rest)
		if dir == "." || dir == "/" || dir == "" {
			return "", fmt.Errorf("failure: scratch path %q has no item directory", itemPath)
		}
		return workitem.AreaProcessing + dir + ".pdf", nil
	}
	return "", fmt.Errorf("failure: item path %q is outside the processing and working areas", itemPath)
}
