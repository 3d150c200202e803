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

// Package workitem is the object store the pipeline moves PDFs through. An
// item's lifecycle is its key prefix: intake/ and retry/ feed admission,
// processing/ holds admitted work, dead-letter/ holds exhausted items and
// working/ holds per-item scratch. Items move by copy-then-delete so a
// failed move can never lose the object.
package workitem

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrNotExist is returned by Head for absent objects.
var ErrNotExist = errors.New("workitem: object does not exist")

// Area prefixes. A key is "<area><subpath>".
const (
	AreaIntake     = "intake/"
	AreaRetry      = "retry/"
	AreaProcessing = "processing/"
	AreaDeadLetter = "dead-letter/"
	AreaWorking    = "working/"
)

// Attribute names carried on objects. The durable retry count lives on the
// object itself so it survives every move.
const (
	AttrRetryCount         = "retry-count"
	AttrMaxRetriesExceeded = "max-retries-exceeded"
	AttrLastFailure        = "last-failure"
	AttrFinalFailure       = "final-failure"
)

// Object describes a stored item. List does not populate Attrs (the S3
// listing API does not return metadata); use Head when attributes matter.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
	Attrs        map[string]string
}

// Store is the object-store abstraction. Implementations: memory (tests and
// the sim), fs (local runs) and s3.
type Store interface {
	// Put writes an object, replacing any previous version.
	Put(ctx context.Context, key string, body []byte, attrs map[string]string) error

	// Head returns the object's metadata, or ErrNotExist.
	Head(ctx context.Context, key string) (Object, error)

	// List returns up to max objects under prefix, oldest first. max <= 0
	// means no limit.
	List(ctx context.Context, prefix string, max int) ([]Object, error)

	// Copy duplicates src to dst. nil attrs preserves the source
	// attributes; non-nil attrs replaces them wholesale.
	Copy(ctx context.Context, src, dst string, attrs map[string]string) error

	// Delete removes an object. Deleting an absent object is not an error.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every object under prefix, returning the count.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// Move copies src to dst (attrs as in Copy) and deletes src. The two wrapped
// error shapes tell callers which half failed: after a copy error the item
// is untouched, after a delete error it exists in both places.
func Move(ctx context.Context, st Store, src, dst string, attrs map[string]string) error {
	if err := st.Copy(ctx, src, dst, attrs); err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	if err := st.Delete(ctx, src); err != nil {
		return fmt.Errorf("delete %s after copy to %s: %w", src, dst, err)
	}
	return nil
}

// RetryCount reads the durable retry count off an object, defaulting to 0
// when absent or malformed.
func RetryCount(o Object) int {
	v, ok := o.Attrs[AttrRetryCount]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// SplitArea splits a key into its area prefix and subpath. ok is false for
// keys outside the known areas.
func SplitArea(key string) (area, subpath string, ok bool) {
	for _, a := range []string{AreaIntake, AreaRetry, AreaProcessing, AreaDeadLetter, AreaWorking} {
		if rest, found := strings.CutPrefix(key, a); found {
			return a, rest, true
		}
	}
	return "", "", false
}

// Basename returns the final path element of a key.
func Basename(key string) string {
	if i := strings.LastIndexByte(key, '/'); i >= 0 {
		return key[i+1:]
	}
	return key
}

// cleanKey rejects keys that could escape a filesystem root or alias oddly
// across backends.
func cleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("workitem: invalid key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." {
			return "", fmt.Errorf("workitem: invalid key %q", key)
		}
	}
	return key, nil
}
