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

package gate

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"remgate/internal/counter"
	"remgate/internal/params"
)

// rig is a gate over in-memory backends on a mock clock.
type rig struct {
	mock  *clock.Mock
	store counter.Store
	src   *params.Static
	reg   *Registry
	gate  *Gate
}

func newRig(t *testing.T, limits map[string]string) *rig {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	store := counter.NewMemoryStoreWithClock(mock)
	src := params.NewStatic(limits)
	provider := params.NewProvider(src, params.WithClock(mock))
	reg := NewRegistry(store, WithRegistryClock(mock))
	return &rig{
		mock:  mock,
		store: store,
		src:   src,
		reg:   reg,
		gate:  New(store, provider, reg, WithClock(mock)),
	}
}

func (r *rig) inFlight(t *testing.T) int64 {
	t.Helper()
	row, err := r.store.Get(context.Background(), counter.InFlightKey)
	if errors.Is(err, counter.ErrNotFound) {
		return 0
	}
	if err != nil {
		t.Fatalf("read in-flight row: %v", err)
	}
	return row.Int64(counter.FieldInFlight)
}

func (r *rig) windowCount(t *testing.T, at time.Time) int64 {
	t.Helper()
	row, err := r.store.Get(context.Background(), counter.WindowKey(at))
	if errors.Is(err, counter.ErrNotFound) {
		return 0
	}
	if err != nil {
		t.Fatalf("read window row: %v", err)
	}
	return row.Int64(counter.FieldRequestCount)
}

// pump advances the mock clock in small steps from a helper goroutine so
// sleeps inside Acquire complete without wall-clock delay. Stop it before
// asserting on mock.Now.
func (r *rig) pump(step time.Duration) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				r.mock.Add(step)
				time.Sleep(200 * time.Microsecond)
			}
		}
	}()
	return func() { close(done); wg.Wait() }
}

func limits(maxInFlight, maxRPM int) map[string]string {
	return map[string]string{
		params.NameMaxInFlight: strconv.Itoa(maxInFlight),
		params.NameMaxRPM:      strconv.Itoa(maxRPM),
	}
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	r := newRig(t, limits(10, 100))
	ctx := context.Background()

	slot, err := r.gate.Acquire(ctx, Request{APIType: "autotag", Filename: "processing/report.pdf"})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := r.inFlight(t); got != 1 {
		t.Fatalf("in_flight after acquire = %d, want 1", got)
	}
	if got := r.windowCount(t, r.mock.Now()); got != 1 {
		t.Fatalf("window count = %d, want 1", got)
	}
	if slot.Window() != counter.WindowKey(r.mock.Now()) {
		t.Fatalf("slot window = %q, want %q", slot.Window(), counter.WindowKey(r.mock.Now()))
	}
	if slot.TrackingKey() == "" {
		t.Fatal("tracked acquisition has no tracking key")
	}

	active, err := r.reg.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 || active[0].Filename != "processing/report.pdf" || active[0].APIType != "autotag" {
		t.Fatalf("active rows = %+v, want the tracked file", active)
	}

	slot.Release(ctx)
	if got := r.inFlight(t); got != 0 {
		t.Fatalf("in_flight after release = %d, want 0", got)
	}
	// The minute window is spent, not refunded.
	if got := r.windowCount(t, r.mock.Now()); got != 1 {
		t.Fatalf("window count after release = %d, want 1", got)
	}
	active, err = r.reg.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive after release: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("active rows after release = %+v, want none", active)
	}
}

func TestAcquireSingleAttemptAtCapacity(t *testing.T) {
	r := newRig(t, limits(2, 100))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := r.gate.Acquire(ctx, Request{APIType: "autotag"}); err != nil {
			t.Fatalf("fill slot %d: %v", i, err)
		}
	}
	// MaxWait zero: one attempt, no sleeping, immediate timeout.
	_, err := r.gate.Acquire(ctx, Request{APIType: "autotag"})
	if !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("acquire at capacity: got %v, want ErrAcquireTimeout", err)
	}
	if got := r.inFlight(t); got != 2 {
		t.Fatalf("in_flight = %d, want 2 (rejection must not consume a slot)", got)
	}
}

func TestAcquireCompensatesWindowRejection(t *testing.T) {
	r := newRig(t, limits(10, 1))
	ctx := context.Background()

	if _, err := r.gate.Acquire(ctx, Request{APIType: "autotag"}); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	// Second request takes an in-flight slot, is refused by the full window,
	// and must hand the slot back before reporting timeout.
	_, err := r.gate.Acquire(ctx, Request{APIType: "autotag"})
	if !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("second acquire: got %v, want ErrAcquireTimeout", err)
	}
	if got := r.inFlight(t); got != 1 {
		t.Fatalf("in_flight = %d, want 1 (window rejection must compensate)", got)
	}
	if got := r.windowCount(t, r.mock.Now()); got != 1 {
		t.Fatalf("window count = %d, want 1 (failed condition must not charge)", got)
	}
}

func TestAcquireWaitsForFreedSlot(t *testing.T) {
	r := newRig(t, limits(1, 100))
	ctx := context.Background()

	holder, err := r.gate.Acquire(ctx, Request{APIType: "autotag"})
	if err != nil {
		t.Fatalf("holder acquire: %v", err)
	}

	rejectionsBefore := testutil.ToFloat64(inFlightRejections)

	type result struct {
		slot    *Slot
		err     error
		elapsed time.Duration
	}
	got := make(chan result, 1)
	begin := r.mock.Now()
	go func() {
		slot, err := r.gate.Acquire(ctx, Request{APIType: "autotag", MaxWait: time.Minute})
		got <- result{slot: slot, err: err, elapsed: r.mock.Now().Sub(begin)}
	}()

	stop := r.pump(250 * time.Millisecond)
	defer stop()

	// Only free the slot after the waiter has been turned away at least once.
	waitUntil := time.Now().Add(5 * time.Second)
	for testutil.ToFloat64(inFlightRejections) <= rejectionsBefore {
		if time.Now().After(waitUntil) {
			t.Fatal("waiter never hit the capacity rejection")
		}
		time.Sleep(time.Millisecond)
	}
	holder.Release(ctx)

	select {
	case res := <-got:
		if res.err != nil {
			t.Fatalf("waiter: %v", res.err)
		}
		if res.elapsed < 2*time.Second {
			t.Fatalf("waiter admitted after %v, want at least one backoff (2s)", res.elapsed)
		}
		res.slot.Release(ctx)
	case <-time.After(10 * time.Second):
		t.Fatal("waiter did not finish")
	}
	if got := r.inFlight(t); got != 0 {
		t.Fatalf("in_flight = %d, want 0", got)
	}
}

func TestAcquireRollsIntoNextWindow(t *testing.T) {
	r := newRig(t, limits(10, 1))
	r.mock.Set(time.Date(2026, 6, 1, 11, 59, 59, 0, time.UTC))
	ctx := context.Background()

	if _, err := r.gate.Acquire(ctx, Request{APIType: "autotag"}); err != nil {
		t.Fatalf("fill 11:59 window: %v", err)
	}

	type result struct {
		slot *Slot
		err  error
	}
	got := make(chan result, 1)
	go func() {
		slot, err := r.gate.Acquire(ctx, Request{APIType: "autotag", MaxWait: time.Minute})
		got <- result{slot, err}
	}()

	stop := r.pump(250 * time.Millisecond)
	defer stop()

	var res result
	select {
	case res = <-got:
	case <-time.After(10 * time.Second):
		t.Fatal("acquire did not roll into the next window")
	}
	if res.err != nil {
		t.Fatalf("acquire: %v", res.err)
	}

	oldWindow := time.Date(2026, 6, 1, 11, 59, 0, 0, time.UTC)
	newWindow := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	if res.slot.Window() != counter.WindowKey(newWindow) {
		t.Fatalf("slot charged to %q, want the 12:00 window", res.slot.Window())
	}
	if got := r.windowCount(t, oldWindow); got != 1 {
		t.Fatalf("11:59 window = %d, want 1 (rejection must not charge it)", got)
	}
	if got := r.windowCount(t, newWindow); got != 1 {
		t.Fatalf("12:00 window = %d, want 1", got)
	}
	if got := r.inFlight(t); got != 2 {
		t.Fatalf("in_flight = %d, want 2", got)
	}
}

// faultStore fails Update for chosen keys and delegates the rest.
type faultStore struct {
	counter.Store
	fail map[string]error
}

func (s *faultStore) Update(ctx context.Context, key string, ops []counter.Op, conds []counter.Cond) (counter.Row, error) {
	if err := s.fail[key]; err != nil {
		return counter.Row{}, err
	}
	return s.Store.Update(ctx, key, ops, conds)
}

func TestAcquireSurfacesInFlightFault(t *testing.T) {
	r := newRig(t, limits(10, 100))
	boom := errors.New("store down")
	fs := &faultStore{Store: r.store, fail: map[string]error{counter.InFlightKey: boom}}
	provider := params.NewProvider(params.NewStatic(limits(10, 100)), params.WithClock(r.mock))
	g := New(fs, provider, nil, WithClock(r.mock))

	_, err := g.Acquire(context.Background(), Request{APIType: "autotag"})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want the store fault", err)
	}
	if errors.Is(err, ErrAcquireTimeout) {
		t.Fatal("store fault must not be reported as a timeout")
	}
}

func TestAcquireCompensatesWindowFault(t *testing.T) {
	r := newRig(t, limits(10, 100))
	boom := errors.New("store down")
	window := counter.WindowKey(r.mock.Now())
	fs := &faultStore{Store: r.store, fail: map[string]error{window: boom}}
	provider := params.NewProvider(params.NewStatic(limits(10, 100)), params.WithClock(r.mock))
	g := New(fs, provider, nil, WithClock(r.mock))

	_, err := g.Acquire(context.Background(), Request{APIType: "autotag"})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want the store fault", err)
	}
	if got := r.inFlight(t); got != 0 {
		t.Fatalf("in_flight = %d, want 0 (window fault must compensate)", got)
	}
}

func TestAcquireCancel(t *testing.T) {
	r := newRig(t, limits(1, 100))
	ctx := context.Background()

	holder, err := r.gate.Acquire(ctx, Request{APIType: "autotag"})
	if err != nil {
		t.Fatalf("holder acquire: %v", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	got := make(chan error, 1)
	go func() {
		_, err := r.gate.Acquire(cctx, Request{APIType: "autotag", MaxWait: time.Minute})
		got <- err
	}()

	// The clock is frozen, so the waiter is parked on a timer. Cancellation
	// must wake it.
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-got:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("got %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("canceled acquire did not return")
	}
	if got := r.inFlight(t); got != 1 {
		t.Fatalf("in_flight = %d, want 1 (canceled waiter must not leak a slot)", got)
	}
	holder.Release(ctx)
}

func TestReleaseIdempotent(t *testing.T) {
	r := newRig(t, limits(10, 100))
	ctx := context.Background()

	slot, err := r.gate.Acquire(ctx, Request{APIType: "autotag"})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	slot.Release(ctx)
	slot.Release(ctx)
	slot.Release(ctx)
	if got := r.inFlight(t); got != 0 {
		t.Fatalf("in_flight = %d, want 0 after repeated release", got)
	}
}

func TestDoReleasesOnError(t *testing.T) {
	r := newRig(t, limits(10, 100))
	ctx := context.Background()
	boom := errors.New("upstream rejected the document")

	var seen int64
	err := r.gate.Do(ctx, Request{APIType: "autotag"}, func(ctx context.Context) error {
		seen = r.inFlight(t)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Do: got %v, want the callback error", err)
	}
	if seen != 1 {
		t.Fatalf("in_flight inside Do = %d, want 1", seen)
	}
	if got := r.inFlight(t); got != 0 {
		t.Fatalf("in_flight after Do = %d, want 0", got)
	}

	if err := r.gate.Do(ctx, Request{APIType: "autotag"}, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Do success: %v", err)
	}
	if got := r.inFlight(t); got != 0 {
		t.Fatalf("in_flight after successful Do = %d, want 0", got)
	}
}

func TestAcquireRequiresAPIType(t *testing.T) {
	r := newRig(t, limits(10, 100))
	_, err := r.gate.Acquire(context.Background(), Request{})
	if err == nil || !strings.Contains(err.Error(), "api type") {
		t.Fatalf("got %v, want an api type error", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2500 * time.Millisecond},
		{4, 4 * time.Second},
		{16, 10 * time.Second},
		{100, 10 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(tc.attempt); got != tc.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestMinuteRollover(t *testing.T) {
	cases := []struct {
		now  time.Time
		want time.Duration
	}{
		{time.Date(2026, 6, 1, 12, 0, 30, 0, time.UTC), 30 * time.Second},
		{time.Date(2026, 6, 1, 11, 59, 59, 200e6, time.UTC), 800 * time.Millisecond},
		{time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC), time.Minute},
	}
	for _, tc := range cases {
		if got := minuteRollover(tc.now); got != tc.want {
			t.Errorf("minuteRollover(%v) = %v, want %v", tc.now, got, tc.want)
		}
	}
}

func TestJitterBounds(t *testing.T) {
	if got := jitter(0); got != 0 {
		t.Fatalf("jitter(0) = %v, want 0", got)
	}
	for i := 0; i < 100; i++ {
		d := jitter(500 * time.Millisecond)
		if d < 0 || d >= 500*time.Millisecond {
			t.Fatalf("jitter out of range: %v", d)
		}
	}
}
