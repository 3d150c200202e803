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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"remgate"
	"remgate/internal/counter"
	"remgate/internal/failure"
	"remgate/internal/gate"
	"remgate/internal/orchestrator"
	"remgate/internal/params"
	"remgate/internal/workitem"
)

func main() {
	// In plain words (what this tool does):
	//   - remgate-sim seeds a batch of PDFs into the intake area and lets a
	//     small worker fleet fight over the two shared budgets: a global
	//     in-flight ceiling and a per-minute request window.
	//   - The admission loop runs exactly like the daemon's: retries first,
	//     capacity checks, batch sizing.
	//   - Each worker claims an admitted item, acquires a slot through the
	//     gate (waiting when the budgets are full), holds it for a simulated
	//     API call, and releases it. A configurable share of calls fail and
	//     route through the retry / dead-letter controller.
	//
	// What to look for in the output:
	//   - peak in-flight never above -max-in-flight, any minute's window
	//     count never above -max-rpm (the final budget check prints both).
	//   - retried items re-admitted ahead of fresh intake.
	//   - the accounting line: every seeded file ends completed or
	//     dead-lettered, with retries explaining the extra admissions.
	//
	// Usage (quick start):
	//   go run ./cmd/remgate-sim -files 40 -workers 8 -max-in-flight 5 \
	//       -max-rpm 60 -hold 500ms -fail-rate 0.1 -duration 30s
	files := flag.Int("files", 40, "PDFs seeded into intake/")
	workers := flag.Int("workers", 8, "concurrent simulated workers")
	maxInFlight := flag.Int("max-in-flight", 5, "global in-flight ceiling")
	maxRPM := flag.Int("max-rpm", 60, "request budget per UTC minute")
	hold := flag.Duration("hold", 500*time.Millisecond, "how long a worker holds a slot")
	failRate := flag.Float64("fail-rate", 0.1, "probability a held call fails (0..1)")
	maxWait := flag.Duration("max-wait", 30*time.Second, "per-acquire wait budget")
	intakeEvery := flag.Duration("intake-every", 2*time.Second, "admission loop cadence")
	duration := flag.Duration("duration", 30*time.Second, "run duration; 0 runs until drained or interrupted")
	seed := flag.Int64("seed", 0, "rng seed; 0 derives one from the clock")
	flag.Parse()

	// Clamp nonsense values back to the defaults.
	if *files <= 0 {
		*files = 40
	}
	if *workers <= 0 {
		*workers = 8
	}
	if *maxInFlight <= 0 {
		*maxInFlight = 5
	}
	if *maxRPM <= 0 {
		*maxRPM = 60
	}
	if *hold <= 0 {
		*hold = 500 * time.Millisecond
	}
	if *failRate < 0 {
		*failRate = 0
	}
	if *failRate > 1 {
		*failRate = 1
	}
	if *maxWait <= 0 {
		*maxWait = 30 * time.Second
	}
	if *intakeEvery <= 0 {
		*intakeEvery = 2 * time.Second
	}
	if *duration < 0 {
		*duration = 0
	}
	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}

	s := &sim{
		items:    workitem.NewMemoryStore(),
		records:  failure.NewMemoryRecordStore(),
		tally:    &causeTally{byAction: make(map[failure.Action]int)},
		claimed:  make(map[string]bool),
		hold:     *hold,
		failRate: *failRate,
		maxWait:  *maxWait,
		seed:     *seed,
	}

	static := params.NewStatic(map[string]string{
		params.NameMaxInFlight:       fmt.Sprint(*maxInFlight),
		params.NameMaxRPM:            fmt.Sprint(*maxRPM),
		params.NameIntakeMaxInFlight: fmt.Sprint(*maxInFlight),
		params.NameMaxRetries:        "2",
	})

	// Errors from the shared stores still surface; the admission chatter
	// stays out of the way of the status lines.
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	logger = logger.WithOptions(zap.IncreaseLevel(zap.WarnLevel))

	core, err := remgate.New(remgate.Config{
		Counters: counter.NewMemoryStore(),
		Items:    s.items,
		Source:   static,
		Records:  s.records,
		Signals: orchestrator.Funcs{
			WorkersFunc:   func(context.Context) (int, error) { return int(s.busy.Load()), nil },
			PipelinesFunc: func(context.Context) (int, error) { return int(s.busy.Load()), nil },
		},
		Analyzer: s.tally,
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("assemble core: %v", err)
	}
	s.core = core

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.seedIntake(ctx, *files); err != nil {
		log.Fatalf("seed intake: %v", err)
	}
	log.Printf("seeded %d files; workers=%d max-in-flight=%d max-rpm=%d fail-rate=%.2f seed=%d",
		*files, *workers, *maxInFlight, *maxRPM, *failRate, *seed)

	var wg sync.WaitGroup

	wg.Add(1)
	go s.intakeLoop(ctx, &wg, *intakeEvery)

	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go s.worker(ctx, &wg, i)
	}

	drained := make(chan struct{})
	wg.Add(1)
	go s.statusLoop(ctx, &wg, int64(*files), drained)

	// Run until the duration elapses, the queue drains, or the operator
	// interrupts.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	var endTimer <-chan time.Time
	if *duration > 0 {
		endTimer = time.After(*duration)
	}
	select {
	case <-sigCh:
		log.Printf("interrupted")
	case <-endTimer:
		log.Printf("duration elapsed")
	case <-drained:
		log.Printf("queue drained")
	}
	cancel()
	wg.Wait()
	// The analyzer runs detached from the handled failure; give the last
	// few a beat to land in the tally.
	time.Sleep(100 * time.Millisecond)

	s.printSummary(int64(*files), int64(*maxInFlight), int64(*maxRPM))
}

// sim owns the shared state the workers and loops report into.
type sim struct {
	core    *remgate.Core
	items   *workitem.MemoryStore
	records *failure.MemoryRecordStore
	tally   *causeTally

	mu      sync.Mutex
	claimed map[string]bool

	hold     time.Duration
	failRate float64
	maxWait  time.Duration
	seed     int64

	admitted     atomic.Int64
	completed    atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	timeouts     atomic.Int64
	busy         atomic.Int64
	peak         atomic.Int64
}

func (s *sim) seedIntake(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("intake/sim/doc-%03d.pdf", i)
		if err := s.items.Put(ctx, key, []byte("%PDF-1.7 simulated document"), nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *sim) intakeLoop(ctx context.Context, wg *sync.WaitGroup, every time.Duration) {
	defer wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sum, err := s.core.Intake.Run(ctx)
			if err != nil {
				log.Printf("intake: %v", err)
			}
			s.admitted.Add(int64(sum.RetryMoved + sum.IntakeMoved))
		}
	}
}

// worker claims admitted items and simulates the gated API call on each.
func (s *sim) worker(ctx context.Context, wg *sync.WaitGroup, id int) {
	defer wg.Done()
	rng := rand.New(rand.NewSource(s.seed + int64(id)))
	for n := 0; ; n++ {
		key, ok := s.claim(ctx)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}
		s.process(ctx, rng, key, fmt.Sprintf("sim-%d-%d", id, n))
		if ctx.Err() != nil {
			return
		}
	}
}

// claim picks the oldest unclaimed processing item.
func (s *sim) claim(ctx context.Context) (string, bool) {
	objs, err := s.items.List(ctx, workitem.AreaProcessing, 0)
	if err != nil {
		log.Printf("list processing: %v", err)
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range objs {
		if !s.claimed[o.Key] {
			s.claimed[o.Key] = true
			return o.Key, true
		}
	}
	return "", false
}

func (s *sim) unclaim(key string) {
	s.mu.Lock()
	delete(s.claimed, key)
	s.mu.Unlock()
}

func (s *sim) process(ctx context.Context, rng *rand.Rand, key, execID string) {
	defer s.unclaim(key)

	slot, err := s.core.Gate.Acquire(ctx, gate.Request{
		APIType:  "autotag",
		Filename: key,
		MaxWait:  s.maxWait,
	})
	if err != nil {
		if errors.Is(err, gate.ErrAcquireTimeout) {
			s.timeouts.Add(1)
		} else if ctx.Err() == nil {
			log.Printf("acquire %s: %v", key, err)
		}
		return
	}

	cur := s.busy.Add(1)
	for {
		old := s.peak.Load()
		if cur <= old || s.peak.CompareAndSwap(old, cur) {
			break
		}
	}

	// The held call: hold ± 50% jitter.
	d := s.hold/2 + time.Duration(rng.Int63n(int64(s.hold)))
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
	s.busy.Add(-1)
	slot.Release(ctx)

	if rng.Float64() < s.failRate {
		res, err := s.core.Failures.HandleFailure(ctx, failure.Event{
			ExecutionID: execID,
			ItemPath:    key,
			RawCause:    randomCause(rng),
			Status:      "FAILED",
		})
		if err != nil {
			log.Printf("handle failure %s: %v", key, err)
			return
		}
		switch res.Action {
		case failure.ActionMovedToRetry:
			s.retried.Add(1)
		case failure.ActionMovedToDeadLetter:
			s.deadLettered.Add(1)
		default:
			log.Printf("failure move did not complete for %s", key)
		}
		return
	}

	if err := s.items.Delete(ctx, key); err != nil {
		log.Printf("complete %s: %v", key, err)
		return
	}
	s.completed.Add(1)
}

// statusLoop prints progress and closes drained once every seeded file has
// reached a terminal state.
func (s *sim) statusLoop(ctx context.Context, wg *sync.WaitGroup, files int64, drained chan<- struct{}) {
	defer wg.Done()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Printf("status: admitted=%d completed=%d retried=%d dead-lettered=%d busy=%d timeouts=%d",
				s.admitted.Load(), s.completed.Load(), s.retried.Load(),
				s.deadLettered.Load(), s.busy.Load(), s.timeouts.Load())
			if s.completed.Load()+s.deadLettered.Load() >= files {
				close(drained)
				return
			}
		}
	}
}

func (s *sim) printSummary(files, maxInFlight, maxRPM int64) {
	ctx := context.Background()

	type window struct {
		minute string
		count  int64
	}
	var windows []window
	var windowMax int64
	err := s.core.Counters.Scan(ctx, counter.WindowKeyPrefix, func(row counter.Row) bool {
		w := window{
			minute: strings.TrimPrefix(row.Key, counter.WindowKeyPrefix),
			count:  row.Int64(counter.FieldRequestCount),
		}
		if w.count > windowMax {
			windowMax = w.count
		}
		windows = append(windows, w)
		return true
	})
	if err != nil {
		log.Printf("scan windows: %v", err)
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i].minute < windows[j].minute })

	fmt.Println("--- summary ---")
	fmt.Printf("files seeded:     %d\n", files)
	fmt.Printf("admissions:       %d\n", s.admitted.Load())
	fmt.Printf("completed:        %d\n", s.completed.Load())
	fmt.Printf("retried:          %d\n", s.retried.Load())
	fmt.Printf("dead-lettered:    %d\n", s.deadLettered.Load())
	fmt.Printf("acquire timeouts: %d\n", s.timeouts.Load())
	fmt.Printf("peak in-flight:   %d (ceiling %d)\n", s.peak.Load(), maxInFlight)
	for _, w := range windows {
		fmt.Printf("window %s:  %d requests (budget %d)\n", w.minute, w.count, maxRPM)
	}
	fmt.Print(s.tally.String())

	ok := true
	if s.peak.Load() > maxInFlight {
		ok = false
		fmt.Printf("VIOLATION: peak in-flight %d exceeded ceiling %d\n", s.peak.Load(), maxInFlight)
	}
	if windowMax > maxRPM {
		ok = false
		fmt.Printf("VIOLATION: a minute window reached %d requests, budget %d\n", windowMax, maxRPM)
	}
	if ok {
		fmt.Println("budget check: ok")
	}
}

// randomCause mimics the orchestrator's failure-cause variety so the reason
// cleaner sees realistic input.
func randomCause(rng *rand.Rand) string {
	switch rng.Intn(4) {
	case 0:
		return `{"errorMessage": "upstream returned 429 Too Many Requests"}`
	case 1:
		return `The cause was: States.Timeout`
	case 2:
		return `{"Error":"States.TaskFailed","Cause":"{\"Containers\":[{\"Name\":\"remediate\",\"ExitCode\":137,\"Reason\":\"OutOfMemoryError\"}]}"}`
	default:
		return `ServiceException: internal error while tagging document`
	}
}

// causeTally is the sim's analyzer: it counts handled failures by action so
// the summary can show where the retry budget went.
type causeTally struct {
	mu       sync.Mutex
	byAction map[failure.Action]int
}

func (c *causeTally) Analyze(ctx context.Context, rec failure.Record) {
	c.mu.Lock()
	c.byAction[rec.Action]++
	c.mu.Unlock()
}

func (c *causeTally) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.byAction) == 0 {
		return "failures: none\n"
	}
	actions := make([]string, 0, len(c.byAction))
	for a := range c.byAction {
		actions = append(actions, string(a))
	}
	sort.Strings(actions)
	var b strings.Builder
	for _, a := range actions {
		fmt.Fprintf(&b, "failures %s: %d\n", a, c.byAction[failure.Action(a)])
	}
	return b.String()
}
