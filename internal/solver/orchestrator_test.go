package solver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// scriptedBackend reports a pre-planned completion after a delay, unless it is
// aborted first. Every instance reports exactly once, like a real backend.
type scriptedBackend struct {
	part        Partition
	notify      func(Completion)
	delay       time.Duration
	outcome     Completion
	ignoreAbort bool // keeps running past Abort, like a worker that misses the cancel window

	abortCh    chan struct{}
	abortOnce  sync.Once
	reportOnce sync.Once
	state      atomic.Int32
}

func (b *scriptedBackend) start() {
	b.state.Store(int32(BackendRunning))
	go func() {
		t := time.NewTimer(b.delay)
		defer t.Stop()
		abortCh := b.abortCh
		if b.ignoreAbort {
			abortCh = nil
		}
		select {
		case <-t.C:
			b.report(b.outcome)
		case <-abortCh:
			b.report(Completion{Partition: b.part.Index, State: BackendAborted, Err: ErrAborted})
		}
	}()
}

func (b *scriptedBackend) report(c Completion) {
	b.reportOnce.Do(func() {
		b.state.Store(int32(c.State))
		b.notify(c)
	})
}

func (b *scriptedBackend) BeginExtraction(req *SolveRequest, part Partition) error {
	b.start()
	return nil
}

func (b *scriptedBackend) BeginSolving(req *SolveRequest, part Partition, hints SearchHints) error {
	b.start()
	return nil
}

func (b *scriptedBackend) Abort() {
	b.abortOnce.Do(func() { close(b.abortCh) })
}

func (b *scriptedBackend) State() BackendState {
	return BackendState(b.state.Load())
}

// plan describes one partition's scripted behavior.
type plan struct {
	delay       time.Duration
	outcome     BackendState
	err         error
	solution    *Solution
	extraction  *ExtractionResult
	ignoreAbort bool
}

func scriptedFactory(t *testing.T, plans []plan, spawned *[]*scriptedBackend, req *SolveRequest) BackendFactory {
	t.Helper()
	var mu sync.Mutex
	return func(part Partition, notify func(Completion)) (Backend, error) {
		if part.Index >= len(plans) {
			t.Fatalf("no plan for partition %d", part.Index)
		}
		p := plans[part.Index]
		c := Completion{
			Partition:  part.Index,
			State:      p.outcome,
			Err:        p.err,
			Solution:   p.solution,
			Extraction: p.extraction,
		}
		if p.solution != nil {
			w, err := NewWCS(p.solution, req.Stats)
			if err != nil {
				t.Fatalf("building wcs for plan %d: %v", part.Index, err)
			}
			c.WCS = w
		}
		b := &scriptedBackend{
			part:        part,
			notify:      notify,
			delay:       p.delay,
			outcome:     c,
			ignoreAbort: p.ignoreAbort,
			abortCh:     make(chan struct{}),
		}
		mu.Lock()
		*spawned = append(*spawned, b)
		mu.Unlock()
		return b, nil
	}
}

func solveTestRequest(parallel int) *SolveRequest {
	stats := Statistics{Width: 16, Height: 16, Channels: 1, BitsPerPixel: 8}
	return &SolveRequest{
		Process:     ProcessExtractAndSolve,
		Stats:       stats,
		Pixels:      make([]byte, stats.BufferSize()),
		Profile:     DefaultProfile(),
		IndexPaths:  []string{"/tmp/index"},
		Parallelism: parallel,
	}
}

func TestSeededRaceFirstSuccessWins(t *testing.T) {
	req := solveTestRequest(2)
	req.Hints = SearchHints{UsePosition: true, RA: 120.0, Dec: 45.0, Radius: 2.0}

	winning := &Solution{
		RA: 120.05, Dec: 44.98,
		PixScale:    1.2,
		Orientation: 14.5,
		FieldWidth:  16 * 1.2 / 60, FieldHeight: 16 * 1.2 / 60,
	}
	plans := []plan{
		{delay: 2 * time.Second, outcome: BackendSucceeded, solution: &Solution{RA: 1, Dec: 1, PixScale: 1}},
		{delay: 20 * time.Millisecond, outcome: BackendSucceeded, solution: winning},
	}

	var spawned []*scriptedBackend
	orch := New(scriptedFactory(t, plans, &spawned, req), Options{})
	if err := orch.Start(context.Background(), req); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	state, err := orch.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait returned error: %v", err)
	}
	if state != StateSolved {
		t.Fatalf("expected solved, got %s", state)
	}

	_, sol, err := orch.Result()
	if err != nil {
		t.Fatalf("result error: %v", err)
	}
	if sol.RA != 120.05 || sol.Dec != 44.98 || sol.PixScale != 1.2 {
		t.Fatalf("wrong winner published: %+v", sol)
	}
	if _, err := orch.WCS(); err != nil {
		t.Fatalf("expected wcs from winning solution: %v", err)
	}

	handles := orch.Handles()
	if len(handles) != 2 {
		t.Fatalf("expected 2 handles, got %d", len(handles))
	}
	if handles[1].State != BackendSucceeded {
		t.Fatalf("winner handle state %s", handles[1].State)
	}
	if handles[0].State != BackendAborted && handles[0].State != BackendFailed {
		t.Fatalf("loser left in state %s", handles[0].State)
	}
}

func TestAllPartitionsFailExhaustsRequest(t *testing.T) {
	plans := []plan{
		{delay: 5 * time.Millisecond, outcome: BackendFailed, err: fmt.Errorf("%w: no match in band", ErrNoSolution)},
		{delay: 10 * time.Millisecond, outcome: BackendFailed, err: ErrNoSolution},
		{delay: 15 * time.Millisecond, outcome: BackendFailed, err: fmt.Errorf("%w: exit status 1", ErrWorkerCrashed)},
	}
	req := solveTestRequest(3)

	var spawned []*scriptedBackend
	orch := New(scriptedFactory(t, plans, &spawned, req), Options{})
	if err := orch.Start(context.Background(), req); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	state, err := orch.Wait(context.Background())
	if state != StateFailed {
		t.Fatalf("expected failed, got %s", state)
	}
	if !errors.Is(err, ErrAllPartitionsExhausted) {
		t.Fatalf("expected exhaustion error, got %v", err)
	}

	extraction, sol, _ := orch.Result()
	if extraction != nil || sol != nil {
		t.Fatalf("store should stay empty on exhaustion, got %v %v", extraction, sol)
	}
}

func TestInvalidRequestRejectedBeforeSpawn(t *testing.T) {
	var calls atomic.Int32
	factory := func(part Partition, notify func(Completion)) (Backend, error) {
		calls.Add(1)
		return nil, errors.New("should not be reached")
	}

	orch := New(factory, Options{})
	req := &SolveRequest{Process: ProcessExtractAndSolve}
	err := orch.Start(context.Background(), req)
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("factory called %d times for rejected request", calls.Load())
	}
	if got := orch.State(); got != StateFailed {
		t.Fatalf("expected failed state, got %s", got)
	}

	// Wait must not hang on a rejected request.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := orch.Wait(ctx); errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("wait hung on rejected request")
	}
}

func TestAbortIsIdempotent(t *testing.T) {
	plans := []plan{
		{delay: 10 * time.Second, outcome: BackendSucceeded, solution: &Solution{RA: 1, Dec: 1, PixScale: 1}},
		{delay: 10 * time.Second, outcome: BackendSucceeded, solution: &Solution{RA: 2, Dec: 2, PixScale: 1}},
	}
	req := solveTestRequest(2)

	var spawned []*scriptedBackend
	orch := New(scriptedFactory(t, plans, &spawned, req), Options{})
	if err := orch.Start(context.Background(), req); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	orch.Abort()
	orch.Abort()

	state, err := orch.Wait(context.Background())
	if state != StateAborted {
		t.Fatalf("expected aborted, got %s", state)
	}
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("expected abort error, got %v", err)
	}
	for _, h := range orch.Handles() {
		if h.State != BackendAborted {
			t.Fatalf("partition %d left in %s after abort", h.Partition.Index, h.State)
		}
	}
	if !IsAbortError(err) {
		t.Fatalf("IsAbortError should accept %v", err)
	}
}

func TestBackendTimeoutMarksHandleTimedOut(t *testing.T) {
	plans := []plan{
		{delay: 10 * time.Second, outcome: BackendSucceeded, solution: &Solution{RA: 1, Dec: 1, PixScale: 1}},
	}
	req := solveTestRequest(1)
	req.BackendTimeout = 25 * time.Millisecond

	var spawned []*scriptedBackend
	orch := New(scriptedFactory(t, plans, &spawned, req), Options{})
	if err := orch.Start(context.Background(), req); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	state, _ := orch.Wait(context.Background())
	if !state.Terminal() {
		t.Fatalf("run not terminal after timeout: %s", state)
	}

	h := orch.Handles()[0]
	if h.State != BackendAborted {
		t.Fatalf("expected aborted handle, got %s", h.State)
	}
	if !errors.Is(h.Err, ErrTimedOut) {
		t.Fatalf("expected timed out marker, got %v", h.Err)
	}
}

func TestWatchdogBoundsWedgedRun(t *testing.T) {
	plans := []plan{
		{delay: 10 * time.Second, outcome: BackendSucceeded, solution: &Solution{RA: 1, Dec: 1, PixScale: 1}},
	}
	req := solveTestRequest(1)

	var spawned []*scriptedBackend
	orch := New(scriptedFactory(t, plans, &spawned, req), Options{Watchdog: 30 * time.Millisecond})
	if err := orch.Start(context.Background(), req); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	state, err := orch.Wait(context.Background())
	if state != StateAborted {
		t.Fatalf("expected aborted, got %s", state)
	}
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected watchdog timeout, got %v", err)
	}
}

func TestExtractionOnlyReachesExtractedState(t *testing.T) {
	extraction := &ExtractionResult{Stars: []Star{{X: 4, Y: 5, Flux: 100}}}
	plans := []plan{
		{delay: 5 * time.Millisecond, outcome: BackendSucceeded, extraction: extraction},
	}
	stats := Statistics{Width: 16, Height: 16, Channels: 1, BitsPerPixel: 8}
	req := &SolveRequest{
		Process: ProcessExtract,
		Stats:   stats,
		Pixels:  make([]byte, stats.BufferSize()),
		Profile: DefaultProfile(),
	}

	var spawned []*scriptedBackend
	orch := New(scriptedFactory(t, plans, &spawned, req), Options{})
	if err := orch.Start(context.Background(), req); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	state, err := orch.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait returned error: %v", err)
	}
	if state != StateExtractedOnly {
		t.Fatalf("expected extracted state, got %s", state)
	}
	got, sol, err := orch.Result()
	if err != nil {
		t.Fatalf("result error: %v", err)
	}
	if sol != nil {
		t.Fatalf("extraction-only run published a solution: %+v", sol)
	}
	if len(got.Stars) != 1 {
		t.Fatalf("expected the published extraction, got %+v", got)
	}
	if _, err := orch.WCS(); !errors.Is(err, ErrNoSolution) {
		t.Fatalf("expected no solution for wcs, got %v", err)
	}
}

func TestLateResultsAreDiscardedNotPublished(t *testing.T) {
	first := &Solution{RA: 10, Dec: 20, PixScale: 1.0}
	second := &Solution{RA: 99, Dec: 99, PixScale: 9.0}
	plans := []plan{
		{delay: 5 * time.Millisecond, outcome: BackendSucceeded, solution: first},
		// Misses the cancel window and still reports a success after the
		// store is frozen.
		{delay: 60 * time.Millisecond, outcome: BackendSucceeded, solution: second, ignoreAbort: true},
	}
	req := solveTestRequest(2)

	var spawned []*scriptedBackend
	orch := New(scriptedFactory(t, plans, &spawned, req), Options{})
	if err := orch.Start(context.Background(), req); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := orch.Wait(context.Background()); err != nil {
		t.Fatalf("wait returned error: %v", err)
	}

	_, sol, err := orch.Result()
	if err != nil {
		t.Fatalf("result error: %v", err)
	}
	if sol.RA != 10 {
		t.Fatalf("frozen store was overwritten: %+v", sol)
	}
	if orch.DiscardedPublishes() == 0 {
		t.Fatal("late publish should be counted as discarded")
	}
}

func TestSubscribeAfterTerminalStillDelivers(t *testing.T) {
	plans := []plan{
		{delay: time.Millisecond, outcome: BackendSucceeded, solution: &Solution{RA: 5, Dec: 6, PixScale: 2}},
	}
	req := solveTestRequest(1)

	var spawned []*scriptedBackend
	orch := New(scriptedFactory(t, plans, &spawned, req), Options{})

	early := orch.Subscribe()
	if err := orch.Start(context.Background(), req); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := orch.Wait(context.Background()); err != nil {
		t.Fatalf("wait returned error: %v", err)
	}

	late := orch.Subscribe()
	for name, ch := range map[string]<-chan TerminalEvent{"early": early, "late": late} {
		select {
		case ev := <-ch:
			if ev.State != StateSolved || ev.Code != 0 {
				t.Fatalf("%s subscriber got %+v", name, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s subscriber never notified", name)
		}
	}
}

func TestResultBeforeTerminalIsRejected(t *testing.T) {
	plans := []plan{
		{delay: 200 * time.Millisecond, outcome: BackendSucceeded, solution: &Solution{RA: 1, Dec: 1, PixScale: 1}},
	}
	req := solveTestRequest(1)

	var spawned []*scriptedBackend
	orch := New(scriptedFactory(t, plans, &spawned, req), Options{})
	if err := orch.Start(context.Background(), req); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, _, err := orch.Result(); !errors.Is(err, ErrNotTerminal) {
		t.Fatalf("expected not-terminal rejection, got %v", err)
	}
	orch.Abort()
	orch.Wait(context.Background())
}

func TestSpawnFailureCountsAsPartitionFailure(t *testing.T) {
	req := solveTestRequest(2)
	var mu sync.Mutex
	var spawned []*scriptedBackend

	// Partition 0 cannot spawn; partition 1 solves.
	factory := func(part Partition, notify func(Completion)) (Backend, error) {
		if part.Index == 0 {
			return nil, errors.New("executable missing")
		}
		sol := &Solution{RA: 7, Dec: 8, PixScale: 1.5}
		w, err := NewWCS(sol, req.Stats)
		if err != nil {
			return nil, err
		}
		b := &scriptedBackend{
			part:   part,
			notify: notify,
			delay:  time.Millisecond,
			outcome: Completion{
				Partition: part.Index, State: BackendSucceeded, Solution: sol, WCS: w,
			},
			abortCh: make(chan struct{}),
		}
		mu.Lock()
		spawned = append(spawned, b)
		mu.Unlock()
		return b, nil
	}

	orch := New(factory, Options{})
	if err := orch.Start(context.Background(), req); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	state, err := orch.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait returned error: %v", err)
	}
	if state != StateSolved {
		t.Fatalf("surviving partition should still win, got %s", state)
	}

	handles := orch.Handles()
	if handles[0].State != BackendFailed || !errors.Is(handles[0].Err, ErrSpawn) {
		t.Fatalf("spawn failure not recorded: %+v", handles[0])
	}
}

func TestContextCancellationAbortsRun(t *testing.T) {
	plans := []plan{
		{delay: 10 * time.Second, outcome: BackendSucceeded, solution: &Solution{RA: 1, Dec: 1, PixScale: 1}},
	}
	req := solveTestRequest(1)

	ctx, cancel := context.WithCancel(context.Background())
	var spawned []*scriptedBackend
	orch := New(scriptedFactory(t, plans, &spawned, req), Options{})
	if err := orch.Start(ctx, req); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	cancel()

	state, err := orch.Wait(context.Background())
	if state != StateAborted {
		t.Fatalf("expected aborted, got %s", state)
	}
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("expected abort error, got %v", err)
	}
}
