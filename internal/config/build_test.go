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

package config

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"remgate/internal/counter"
	"remgate/internal/params"
	"remgate/internal/workitem"
)

func TestBuildCounterStoreSelectors(t *testing.T) {
	ctx := context.Background()

	st, err := BuildCounterStore(ctx, CounterStoreConfig{Backend: "memory"})
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := st.(*counter.MemoryStore); !ok {
		t.Fatalf("memory selector built %T", st)
	}

	// The redis client connects lazily, so building it needs no server.
	st, err = BuildCounterStore(ctx, CounterStoreConfig{Backend: "redis", RedisAddr: "127.0.0.1:6379"})
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	if _, ok := st.(*counter.RedisStore); !ok {
		t.Fatalf("redis selector built %T", st)
	}

	if _, err := BuildCounterStore(ctx, CounterStoreConfig{Backend: "redis"}); err == nil {
		t.Error("redis without an address should fail")
	}
	if _, err := BuildCounterStore(ctx, CounterStoreConfig{Backend: "spanner"}); err == nil {
		t.Error("unknown backend should fail")
	}
}

func TestBuildCounterStoreDefaultsToMemory(t *testing.T) {
	st, err := BuildCounterStore(context.Background(), CounterStoreConfig{})
	if err != nil {
		t.Fatalf("BuildCounterStore: %v", err)
	}
	if _, ok := st.(*counter.MemoryStore); !ok {
		t.Fatalf("empty selector built %T", st)
	}
}

func TestBuildWorkitemStoreSelectors(t *testing.T) {
	ctx := context.Background()

	st, err := BuildWorkitemStore(ctx, WorkitemStoreConfig{Backend: "memory"})
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := st.(*workitem.MemoryStore); !ok {
		t.Fatalf("memory selector built %T", st)
	}

	root := t.TempDir()
	st, err = BuildWorkitemStore(ctx, WorkitemStoreConfig{Backend: "fs", Root: root})
	if err != nil {
		t.Fatalf("fs: %v", err)
	}
	if err := st.Put(ctx, "intake/doc.pdf", []byte("pdf"), nil); err != nil {
		t.Fatalf("fs store put: %v", err)
	}

	if _, err := BuildWorkitemStore(ctx, WorkitemStoreConfig{Backend: "fs"}); err == nil {
		t.Error("fs without a root should fail")
	}
	if _, err := BuildWorkitemStore(ctx, WorkitemStoreConfig{Backend: "tape"}); err == nil {
		t.Error("unknown backend should fail")
	}
}

func TestBuildParamSourceSelectors(t *testing.T) {
	ctx := context.Background()

	src, err := BuildParamSource(ctx, ParamsConfig{Source: "static", Values: map[string]string{"max-rpm": "42"}}, nil)
	if err != nil {
		t.Fatalf("static: %v", err)
	}
	if v, err := src.Fetch(ctx, "max-rpm"); err != nil || v != "42" {
		t.Fatalf("static fetch = %q, %v", v, err)
	}

	t.Setenv("PIPELINE_MAX_RPM", "77")
	src, err = BuildParamSource(ctx, ParamsConfig{Source: "env", Prefix: "PIPELINE_"}, nil)
	if err != nil {
		t.Fatalf("env: %v", err)
	}
	if v, err := src.Fetch(ctx, "max-rpm"); err != nil || v != "77" {
		t.Fatalf("env fetch = %q, %v", v, err)
	}

	path := filepath.Join(t.TempDir(), "params.yaml")
	if err := os.WriteFile(path, []byte("max-in-flight: 25\n"), 0o644); err != nil {
		t.Fatalf("write params file: %v", err)
	}
	src, err = BuildParamSource(ctx, ParamsConfig{Source: "file", Path: path}, nil)
	if err != nil {
		t.Fatalf("file: %v", err)
	}
	if f, ok := src.(*params.File); ok {
		defer f.Close()
	}
	if v, err := src.Fetch(ctx, "max-in-flight"); err != nil || v != "25" {
		t.Fatalf("file fetch = %q, %v", v, err)
	}

	if _, err := BuildParamSource(ctx, ParamsConfig{Source: "file"}, nil); err == nil {
		t.Error("file source without a path should fail")
	}
	if _, err := BuildParamSource(ctx, ParamsConfig{Source: "zookeeper"}, nil); err == nil {
		t.Error("unknown source should fail")
	}
}

func TestBuildRecordStoreSelectors(t *testing.T) {
	ctx := context.Background()

	if _, err := BuildRecordStore(ctx, RecordsConfig{Backend: "memory"}); err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, err := BuildRecordStore(ctx, RecordsConfig{Backend: "postgres"}); err == nil {
		t.Error("postgres without a DSN should fail")
	}
	if _, err := BuildRecordStore(ctx, RecordsConfig{Backend: "mongo"}); err == nil {
		t.Error("unknown backend should fail")
	}
}

func TestBuildSignalsSelectors(t *testing.T) {
	ctx := context.Background()

	sig, err := BuildSignals(OrchestratorConfig{Source: "static", Workers: 4, Pipelines: 2})
	if err != nil {
		t.Fatalf("static: %v", err)
	}
	if n, err := sig.RunningWorkers(ctx); err != nil || n != 4 {
		t.Fatalf("static workers = %d, %v", n, err)
	}
	if n, err := sig.RunningPipelines(ctx); err != nil || n != 2 {
		t.Fatalf("static pipelines = %d, %v", n, err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"count": 6}`))
	}))
	defer srv.Close()
	sig, err = BuildSignals(OrchestratorConfig{
		Source:       "http",
		WorkersURL:   srv.URL + "/workers",
		PipelinesURL: srv.URL + "/pipelines",
		Timeout:      time.Second,
	})
	if err != nil {
		t.Fatalf("http: %v", err)
	}
	if n, err := sig.RunningWorkers(ctx); err != nil || n != 6 {
		t.Fatalf("http workers = %d, %v", n, err)
	}

	if _, err := BuildSignals(OrchestratorConfig{Source: "http"}); err == nil {
		t.Error("http source without URLs should fail")
	}
	if _, err := BuildSignals(OrchestratorConfig{Source: "stepfn"}); err == nil {
		t.Error("unknown source should fail")
	}
}
