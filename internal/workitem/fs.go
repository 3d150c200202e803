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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/natefinch/atomic"
)

// attrSuffix marks the sidecar file carrying an object's attributes.
const attrSuffix = ".attrs.json"

// FSStore keeps objects as files under a root directory, with attributes in
// a JSON sidecar next to each file. Writes go through atomic renames so a
// crash never leaves a half-written object visible to List.
type FSStore struct {
	root string
}

// NewFSStore creates the root directory if needed.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("workitem: create root %s: %w", root, err)
	}
	return &FSStore{root: root}, nil
}

var _ Store = (*FSStore)(nil)

func (s *FSStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *FSStore) Put(ctx context.Context, key string, body []byte, attrs map[string]string) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p := s.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("workitem: mkdir for %s: %w", key, err)
	}
	if err := atomic.WriteFile(p, bytes.NewReader(body)); err != nil {
		return fmt.Errorf("workitem: write %s: %w", key, err)
	}
	return s.writeAttrs(p, attrs)
}

func (s *FSStore) Head(ctx context.Context, key string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	p := s.path(key)
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return Object{}, ErrNotExist
	}
	if err != nil {
		return Object{}, fmt.Errorf("workitem: stat %s: %w", key, err)
	}
	attrs, err := s.readAttrs(p)
	if err != nil {
		return Object{}, err
	}
	return Object{
		Key:          key,
		Size:         info.Size(),
		LastModified: info.ModTime(),
		Attrs:        attrs,
	}, nil
}

func (s *FSStore) List(ctx context.Context, prefix string, max int) ([]Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Object
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, attrSuffix) {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, Object{Key: key, Size: info.Size(), LastModified: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("workitem: list %s: %w", prefix, err)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastModified.Equal(out[j].LastModified) {
			return out[i].LastModified.Before(out[j].LastModified)
		}
		return out[i].Key < out[j].Key
	})
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out, nil
}

func (s *FSStore) Copy(ctx context.Context, src, dst string, attrs map[string]string) error {
	dst, err := cleanKey(dst)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	srcPath := s.path(src)
	body, err := os.ReadFile(srcPath)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("copy source %s: %w", src, ErrNotExist)
	}
	if err != nil {
		return fmt.Errorf("workitem: read %s: %w", src, err)
	}
	if attrs == nil {
		if attrs, err = s.readAttrs(srcPath); err != nil {
			return err
		}
	}
	return s.Put(ctx, dst, body, attrs)
}

func (s *FSStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := s.path(key)
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("workitem: delete %s: %w", key, err)
	}
	if err := os.Remove(p + attrSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("workitem: delete attrs of %s: %w", key, err)
	}
	return nil
}

func (s *FSStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	objs, err := s.List(ctx, prefix, 0)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range objs {
		if err := s.Delete(ctx, o.Key); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *FSStore) writeAttrs(p string, attrs map[string]string) error {
	if len(attrs) == 0 {
		// No sidecar for attribute-less objects; stale ones must still go.
		if err := os.Remove(p + attrSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("workitem: clear attrs of %s: %w", p, err)
		}
		return nil
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("workitem: encode attrs: %w", err)
	}
	if err := atomic.WriteFile(p+attrSuffix, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("workitem: write attrs of %s: %w", p, err)
	}
	return nil
}

func (s *FSStore) readAttrs(p string) (map[string]string, error) {
	raw, err := os.ReadFile(p + attrSuffix)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("workitem: read attrs of %s: %w", p, err)
	}
	attrs := map[string]string{}
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, fmt.Errorf("workitem: decode attrs of %s: %w", p, err)
	}
	return attrs, nil
}
