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

package params

import (
	"context"
	"os"
	"strings"
	"sync"
)

// Static is a map-backed Source. The sim and tests mutate it at runtime to
// model operators changing knobs.
type Static struct {
	mu   sync.RWMutex
	vals map[string]string
}

// NewStatic copies the given values.
func NewStatic(vals map[string]string) *Static {
	s := &Static{vals: make(map[string]string, len(vals))}
	for k, v := range vals {
		s.vals[k] = v
	}
	return s
}

var _ Source = (*Static)(nil)

func (s *Static) Fetch(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vals[name]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// Set stores or overwrites a value.
func (s *Static) Set(name, value string) {
	s.mu.Lock()
	s.vals[name] = value
	s.mu.Unlock()
}

// Delete removes a value.
func (s *Static) Delete(name string) {
	s.mu.Lock()
	delete(s.vals, name)
	s.mu.Unlock()
}

// Env reads parameters from environment variables. "max-rpm" becomes
// REMGATE_MAX_RPM (with the default prefix).
type Env struct {
	Prefix string // defaults to "REMGATE_" when empty
}

var _ Source = Env{}

func (e Env) Fetch(ctx context.Context, name string) (string, error) {
	prefix := e.Prefix
	if prefix == "" {
		prefix = "REMGATE_"
	}
	key := prefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}
