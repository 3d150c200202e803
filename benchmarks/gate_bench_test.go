package benchmarks

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"remgate/internal/counter"
	"remgate/internal/gate"
	"remgate/internal/params"
)

func openGate(b *testing.B) *gate.Gate {
	b.Helper()
	provider := params.NewProvider(params.NewStatic(map[string]string{
		params.NameMaxInFlight: strconv.FormatInt(hugeLimit, 10),
		params.NameMaxRPM:      strconv.FormatInt(hugeLimit, 10),
	}))
	// nil registry: tracking rows would grow with b.N and measure the map,
	// not the admission path.
	return gate.New(counter.NewMemoryStore(), provider, nil)
}

// BenchmarkGateAcquireRelease measures the full happy path: two conditional
// updates in, one clamped decrement out.
func BenchmarkGateAcquireRelease(b *testing.B) {
	g := openGate(b)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		slot, err := g.Acquire(ctx, gate.Request{APIType: "autotag"})
		if err != nil {
			b.Fatal(err)
		}
		slot.Release(ctx)
	}
}

// BenchmarkGateAcquireRelease_Concurrent runs the same path from all procs,
// which serializes on the shared in-flight row exactly as workers do.
func BenchmarkGateAcquireRelease_Concurrent(b *testing.B) {
	g := openGate(b)
	ctx := context.Background()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			slot, err := g.Acquire(ctx, gate.Request{APIType: "autotag"})
			if err != nil {
				b.Fatal(err)
			}
			slot.Release(ctx)
		}
	})
}

// BenchmarkGateFastFail measures a single-attempt acquire against a full
// gate. Intake probes the budgets this way, so the refusal needs to be cheap.
func BenchmarkGateFastFail(b *testing.B) {
	provider := params.NewProvider(params.NewStatic(map[string]string{
		params.NameMaxInFlight: "1",
		params.NameMaxRPM:      strconv.FormatInt(hugeLimit, 10),
	}))
	g := gate.New(counter.NewMemoryStore(), provider, nil)
	ctx := context.Background()

	held, err := g.Acquire(ctx, gate.Request{APIType: "autotag"})
	if err != nil {
		b.Fatal(err)
	}
	defer held.Release(ctx)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := g.Acquire(ctx, gate.Request{APIType: "autotag"})
		if !errors.Is(err, gate.ErrAcquireTimeout) {
			b.Fatalf("expected timeout, got %v", err)
		}
	}
}
