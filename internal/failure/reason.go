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
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// maxReasonLen caps the normalized reason so record rows and digest mails
// stay readable.
const maxReasonLen = 200

var errorMessagePattern = regexp.MustCompile(`"errorMessage"\s*:\s*"([^"]+)"`)

// CleanReason distills a raw orchestrator failure cause into one short
// human-readable line. It recognizes the cause shapes the orchestrator emits
// (timeout markers, task-failure JSON, service exceptions, function error
// envelopes) and degrades to a stripped, truncated copy of the raw input for
// everything else. It never fails.
func CleanReason(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "Unknown failure"
	}
	if strings.Contains(raw, "States.Timeout") {
		return "Task timed out after exceeding the configured duration"
	}
	if strings.Contains(raw, "States.TaskFailed") {
		if msg, ok := taskFailureDetail(raw); ok {
			return msg
		}
	}
	if strings.Contains(raw, "ServiceException") {
		return "Platform service error"
	}
	if m := errorMessagePattern.FindStringSubmatch(raw); m != nil {
		return truncate("Error: " + strings.ReplaceAll(m[1], `\`, ""))
	}
	return truncate(stripNoise(raw))
}

// taskFailureDetail parses the task JSON that follows a States.TaskFailed
// marker: which worker container stopped, why, and with what exit code.
func taskFailureDetail(raw string) (string, bool) {
	payload := raw
	if i := strings.Index(raw, "States.TaskFailed:"); i >= 0 {
		payload = raw[i+len("States.TaskFailed:"):]
	} else if i := strings.IndexByte(raw, '{'); i >= 0 {
		payload = raw[i:]
	}

	var detail struct {
		StoppedReason string `json:"StoppedReason"`
		Containers    []struct {
			Name     string `json:"Name"`
			ExitCode *int   `json:"ExitCode"`
		} `json:"Containers"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(payload)), &detail); err != nil {
		return "", false
	}

	name := "unknown"
	reason := detail.StoppedReason
	if reason == "" {
		reason = "Unknown error"
	}
	var exit *int
	if len(detail.Containers) > 0 {
		if c := detail.Containers[0]; c.Name != "" {
			name = c.Name
		}
		exit = detail.Containers[0].ExitCode
	}

	msg := fmt.Sprintf("Worker %s failed: %s", name, reason)
	if exit != nil && *exit != 0 {
		msg += fmt.Sprintf(" (exit %d)", *exit)
	}
	return truncate(msg), true
}

// stripNoise removes the JSON punctuation raw causes tend to be wrapped in
// and collapses runs of whitespace.
func stripNoise(s string) string {
	s = strings.NewReplacer(`"`, "", `\`, "", "{", "", "}", "").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string) string {
	if len(s) <= maxReasonLen {
		return s
	}
	return s[:maxReasonLen] + "..."
}
