//go:build e2e

package e2e

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"remgate/internal/counter"
	"remgate/internal/gate"
	"remgate/internal/params"
)

// newRedisStore connects to a local Redis or skips the test. Rows the suite
// may have left behind are wiped so runs do not contaminate each other.
func newRedisStore(t *testing.T) counter.Store {
	t.Helper()
	rc := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping: Redis not reachable on 127.0.0.1:6379: %v", err)
	}
	st := counter.NewRedisStore(counter.WrapRedis(rc))
	wipe(t, st)
	return st
}

func wipe(t *testing.T, st counter.Store) {
	t.Helper()
	ctx := context.Background()
	for _, prefix := range []string{
		counter.InFlightKey,
		counter.BackoffKey,
		counter.WindowKeyPrefix,
		counter.TrackingKeyPrefix,
		"e2e-",
	} {
		var keys []string
		if err := st.Scan(ctx, prefix, func(row counter.Row) bool {
			keys = append(keys, row.Key)
			return true
		}); err != nil {
			t.Fatalf("scan %s: %v", prefix, err)
		}
		for _, k := range keys {
			if err := st.Delete(ctx, k); err != nil {
				t.Fatalf("delete %s: %v", k, err)
			}
		}
	}
}

// TestRedisConditionalAdmissionE2E drives the admission update shape against
// a real Redis: the capped increment admits exactly up to the bound, and the
// clamped decrement never goes below zero.
func TestRedisConditionalAdmissionE2E(t *testing.T) {
	st := newRedisStore(t)
	ctx := context.Background()

	admit := func() error {
		_, err := st.Update(ctx, "e2e-admission",
			[]counter.Op{counter.Add(counter.FieldInFlight, 1)},
			[]counter.Cond{counter.AnyOf(
				counter.Absent(counter.FieldInFlight),
				counter.LessThan(counter.FieldInFlight, 3),
			)})
		return err
	}

	for i := 0; i < 3; i++ {
		if err := admit(); err != nil {
			t.Fatalf("admit %d: %v", i+1, err)
		}
	}
	if err := admit(); !errors.Is(err, counter.ErrConditionFailed) {
		t.Fatalf("fourth admit error = %v, want ErrConditionFailed", err)
	}

	row, err := st.Get(ctx, "e2e-admission")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := row.Int64(counter.FieldInFlight); got != 3 {
		t.Fatalf("in_flight = %d, want 3", got)
	}

	// Five clamped releases against three holds: the floor absorbs the extra.
	for i := 0; i < 5; i++ {
		if _, err := st.Update(ctx, "e2e-admission",
			[]counter.Op{counter.AddFloor(counter.FieldInFlight, -1, 0)}, nil); err != nil {
			t.Fatalf("release %d: %v", i+1, err)
		}
	}
	row, err = st.Get(ctx, "e2e-admission")
	if err != nil {
		t.Fatalf("get after releases: %v", err)
	}
	if got := row.Int64(counter.FieldInFlight); got != 0 {
		t.Fatalf("in_flight after clamped releases = %d, want 0", got)
	}
}

// TestRedisRowExpiryE2E checks that the ttl attr really removes rows, since
// expiry is what keeps minute windows and tracking rows from accumulating.
func TestRedisRowExpiryE2E(t *testing.T) {
	st := newRedisStore(t)
	ctx := context.Background()

	if _, err := st.Update(ctx, "e2e-expiring",
		[]counter.Op{
			counter.Set(counter.FieldRequestCount, 7),
			counter.Set(counter.FieldTTL, time.Now().Add(time.Second).Unix()),
		}, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := st.Get(ctx, "e2e-expiring"); err != nil {
		t.Fatalf("get before expiry: %v", err)
	}

	time.Sleep(1500 * time.Millisecond)

	if _, err := st.Get(ctx, "e2e-expiring"); !errors.Is(err, counter.ErrNotFound) {
		t.Fatalf("get after expiry = %v, want ErrNotFound", err)
	}
}

// TestRedisGateConcurrencyE2E puts the whole gate over a real Redis: eight
// workers racing for three slots never overlap beyond the ceiling, every
// admission lands in a minute window, and the counter drains to zero.
func TestRedisGateConcurrencyE2E(t *testing.T) {
	st := newRedisStore(t)
	ctx := context.Background()

	provider := params.NewProvider(params.NewStatic(map[string]string{
		params.NameMaxInFlight: "3",
		params.NameMaxRPM:      "1000",
	}))
	g := gate.New(st, provider, gate.NewRegistry(st))

	var cur, peak atomic.Int64
	grp, grpCtx := errgroup.WithContext(ctx)
	for i := 0; i < 8; i++ {
		grp.Go(func() error {
			slot, err := g.Acquire(grpCtx, gate.Request{
				APIType: "autotag",
				MaxWait: 30 * time.Second,
			})
			if err != nil {
				return err
			}
			c := cur.Add(1)
			for {
				old := peak.Load()
				if c <= old || peak.CompareAndSwap(old, c) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			cur.Add(-1)
			slot.Release(context.Background())
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if p := peak.Load(); p > 3 {
		t.Fatalf("peak concurrent holders = %d, want <= 3", p)
	}

	row, err := st.Get(ctx, counter.InFlightKey)
	if err != nil {
		t.Fatalf("in-flight row: %v", err)
	}
	if got := row.Int64(counter.FieldInFlight); got != 0 {
		t.Fatalf("in-flight after all releases = %d, want 0", got)
	}

	var charged int64
	if err := st.Scan(ctx, counter.WindowKeyPrefix, func(row counter.Row) bool {
		charged += row.Int64(counter.FieldRequestCount)
		return true
	}); err != nil {
		t.Fatalf("scan windows: %v", err)
	}
	if charged != 8 {
		t.Fatalf("window charges = %d, want 8", charged)
	}
}
