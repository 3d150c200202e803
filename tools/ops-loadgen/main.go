// ops-loadgen is a tiny, dependency-free HTTP load generator for the remgate
// ops API. Dashboards and orchestrator probes poll the snapshot endpoint, so
// it has to stay cheap; this tool answers how cheap. It reuses HTTP
// connections (keep-alive) and supports concurrency so capacity checks run
// fast on any box without external tooling.
//
// Modes:
//   - snapshot: GET /api/v1/ratelimit (three counter reads per request)
//   - inflight: GET /api/v1/inflight (a tracking-row scan per request)
//   - mixed:    deterministic 4/5 snapshot, 1/5 inflight
//
// Usage examples:
//
//	ops-loadgen -base=http://127.0.0.1:8080 -mode=snapshot -n=5000 -c=16
//	ops-loadgen -base=http://127.0.0.1:8080 -mode=mixed -n=8000 -c=16
//
// Prints a one-line summary with duration, throughput, latency percentiles
// and the non-200 count.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type modeType string

const (
	modeSnapshot modeType = "snapshot"
	modeInFlight modeType = "inflight"
	modeMixed    modeType = "mixed"
)

const (
	snapshotPath = "/api/v1/ratelimit"
	inFlightPath = "/api/v1/inflight"
)

func main() {
	var (
		base  = flag.String("base", "http://127.0.0.1:8080", "Base URL including scheme and host, e.g. http://127.0.0.1:8080")
		modeS = flag.String("mode", string(modeSnapshot), "Mode: snapshot|inflight|mixed")
		N     = flag.Int("n", 5000, "Total requests to send")
		conc  = flag.Int("c", 8, "Number of concurrent workers")
		// Deterministic mix: mixEvery=5 means 4/5 go to the snapshot endpoint.
		mixEvery = flag.Int("mix_every", 5, "Mixed-mode period (all but one of this period go to snapshot; minimum 2)")
		// Timeouts & transport tuning
		timeout    = flag.Duration("timeout", 20*time.Second, "Overall timeout for the loadgen run")
		connIdle   = flag.Duration("idle_timeout", 30*time.Second, "HTTP idle connection timeout")
		maxIdle    = flag.Int("max_idle", 256, "Max idle connections total")
		maxIdlePer = flag.Int("max_idle_per_host", 256, "Max idle connections per host")
	)
	flag.Parse()

	m := modeType(strings.ToLower(*modeS))
	if m != modeSnapshot && m != modeInFlight && m != modeMixed {
		fmt.Fprintf(os.Stderr, "unknown -mode=%s (want snapshot|inflight|mixed)\n", *modeS)
		os.Exit(2)
	}
	if *N <= 0 || *conc <= 0 {
		fmt.Fprintln(os.Stderr, "-n and -c must be > 0")
		os.Exit(2)
	}
	if m == modeMixed && *mixEvery < 2 { // at least 1 snapshot : 1 inflight
		*mixEvery = 2
	}

	baseURL := strings.TrimRight(*base, "/")

	// Configure HTTP client with connection reuse
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        *maxIdle,
		MaxIdleConnsPerHost: *maxIdlePer,
		IdleConnTimeout:     *connIdle,
	}
	client := &http.Client{Transport: tr, Timeout: 5 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var non200, failed int64
	// Per-worker latency slices, merged after the run, so the hot path never
	// takes a lock.
	perWorker := make([][]time.Duration, *conc)

	start := time.Now()

	worker := func(id, count int) {
		lats := make([]time.Duration, 0, count)
		defer func() { perWorker[id] = lats }()
		for i := 0; i < count; i++ {
			select {
			case <-ctx.Done():
				return
			default:
			}
			path := snapshotPath
			switch m {
			case modeInFlight:
				path = inFlightPath
			case modeMixed:
				if ((i + id) % *mixEvery) == 0 {
					path = inFlightPath
				}
			}
			req, _ := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
			t0 := time.Now()
			resp, err := client.Do(req)
			if err != nil {
				atomic.AddInt64(&failed, 1)
				// Brief backoff on errors to avoid hot spinning
				time.Sleep(200 * time.Microsecond)
				continue
			}
			// Drain and close body to enable connection reuse
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			lats = append(lats, time.Since(t0))
			if resp.StatusCode != http.StatusOK {
				atomic.AddInt64(&non200, 1)
			}
		}
	}

	// Split N across conc workers
	per := *N / *conc
	rem := *N - per**conc
	var wg sync.WaitGroup
	wg.Add(*conc)
	for w := 0; w < *conc; w++ {
		count := per
		if w == *conc-1 {
			count += rem
		}
		go func(id, n int) {
			defer wg.Done()
			worker(id, n)
		}(w, count)
	}
	wg.Wait()
	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}

	var all []time.Duration
	for _, l := range perWorker {
		all = append(all, l...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

	ops := float64(len(all)) / elapsed.Seconds()
	fmt.Printf("LoadGen: mode=%s N=%d c=%d go=%d Duration=%s Throughput=%.0f req/s p50=%s p95=%s p99=%s non200=%d errors=%d\n",
		m, *N, *conc, runtime.GOMAXPROCS(0), elapsed.Truncate(time.Millisecond), ops,
		percentile(all, 0.50), percentile(all, 0.95), percentile(all, 0.99),
		atomic.LoadInt64(&non200), atomic.LoadInt64(&failed))
}

// percentile reads the p-th value from an already sorted slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx].Truncate(time.Microsecond)
}
