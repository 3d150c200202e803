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
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// File serves parameters from a flat YAML map and hot-reloads it on change,
// giving local deployments the same edit-a-knob-live behavior SSM gives
// cloud ones. The watcher observes the directory, not the file, so
// rename-and-replace editors still trigger a reload.
type File struct {
	path   string
	logger *zap.Logger

	mu   sync.RWMutex
	vals map[string]string

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewFile loads path and starts the watcher.
func NewFile(path string, logger *zap.Logger) (*File, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &File{path: path, logger: logger, done: make(chan struct{})}
	if err := f.reload(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("params: watch %s: %w", path, err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("params: watch %s: %w", path, err)
	}
	f.watcher = w
	f.wg.Add(1)
	go f.watch()
	return f, nil
}

var _ Source = (*File)(nil)

func (f *File) Fetch(ctx context.Context, name string) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.vals[name]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// Close stops the watcher.
func (f *File) Close() error {
	close(f.done)
	err := f.watcher.Close()
	f.wg.Wait()
	return err
}

func (f *File) watch() {
	defer f.wg.Done()
	base := filepath.Base(f.path)
	for {
		select {
		case <-f.done:
			return
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if err := f.reload(); err != nil {
				f.logger.Error("parameter file reload failed", zap.String("path", f.path), zap.Error(err))
				continue
			}
			f.logger.Info("parameter file reloaded", zap.String("path", f.path))
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Error("parameter file watcher error", zap.String("path", f.path), zap.Error(err))
		}
	}
}

func (f *File) reload() error {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("params: read %s: %w", f.path, err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("params: parse %s: %w", f.path, err)
	}
	vals := make(map[string]string, len(m))
	for k, v := range m {
		vals[k] = fmt.Sprint(v)
	}
	f.mu.Lock()
	f.vals = vals
	f.mu.Unlock()
	return nil
}
