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

	"go.uber.org/zap"
)

// Analyzer receives each failure record once the controller is done with the
// item. The controller calls it on its own goroutine with a detached context
// and ignores its outcome, so an analyzer can be slow or flaky without
// holding up failure handling.
type Analyzer interface {
	Analyze(ctx context.Context, rec Record)
}

// LogAnalyzer is the default analyzer: one structured line per failure, so
// the diagnosis trail exists even with no downstream tooling attached.
type LogAnalyzer struct {
	logger *zap.Logger
}

// NewLogAnalyzer builds a LogAnalyzer.
func NewLogAnalyzer(l *zap.Logger) *LogAnalyzer {
	return &LogAnalyzer{logger: l}
}

func (a *LogAnalyzer) Analyze(ctx context.Context, rec Record) {
	a.logger.Info("failure analyzed",
		zap.String("record_id", rec.ID),
		zap.String("item_id", rec.ItemID),
		zap.String("execution_id", rec.ExecutionID),
		zap.String("action", string(rec.Action)),
		zap.Int("retry_count", rec.RetryCount),
		zap.String("reason", rec.CleanedReason))
}
