package solver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the orchestrator's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateDispatched
	StateRacing
	StateSolved
	StateExtractedOnly
	StateFailed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDispatched:
		return "dispatched"
	case StateRacing:
		return "racing"
	case StateSolved:
		return "solved"
	case StateExtractedOnly:
		return "extracted"
	case StateFailed:
		return "failed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether the run has finished.
func (s State) Terminal() bool {
	switch s {
	case StateSolved, StateExtractedOnly, StateFailed, StateAborted:
		return true
	}
	return false
}

// TerminalEvent is delivered exactly once per run when it reaches a terminal
// state. Code 0 means success, 1 failure, 2 aborted.
type TerminalEvent struct {
	State State
	Code  int
	Err   error
}

// HandleStatus is a diagnostic snapshot of one child backend.
type HandleStatus struct {
	Partition Partition
	State     BackendState
	Err       error
}

type handle struct {
	part     Partition
	backend  Backend
	terminal BackendState
	termErr  error
	timedOut bool
	done     bool
	timer    *time.Timer
}

// DefaultWatchdog bounds a run when the caller supplies no backend timeout, so
// a wedged external process can never leave the request hanging.
const DefaultWatchdog = 10 * time.Minute

// Options tune an Orchestrator.
type Options struct {
	Logger   *slog.Logger
	Watchdog time.Duration
}

// Orchestrator coordinates one solve request across racing child backends.
// All state transitions and result publishes happen on its run loop, which
// drains a single completion channel; that is the serialization point that
// makes race resolution linearizable. When two children succeed within the
// same scheduling quantum the winner is whichever completion is dequeued
// first, which is accepted nondeterminism.
type Orchestrator struct {
	log      *slog.Logger
	factory  BackendFactory
	watchdog time.Duration

	mu      sync.Mutex
	state   State
	req     *SolveRequest
	handles []*handle
	store   *ResultStore
	subs    []chan TerminalEvent
	event   *TerminalEvent

	completions chan Completion
	abortCh     chan struct{}
	abortOnce   sync.Once
	done        chan struct{}
}

// New builds an orchestrator around a backend factory.
func New(factory BackendFactory, opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	wd := opts.Watchdog
	if wd <= 0 {
		wd = DefaultWatchdog
	}
	return &Orchestrator{
		log:      log,
		factory:  factory,
		watchdog: wd,
		state:    StateIdle,
		store:    &ResultStore{},
		abortCh:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start validates the request, computes partitions, spawns one backend per
// partition and begins the race. It never blocks on the backends; callers
// observe the outcome through Wait or Subscribe. A validation failure rejects
// the request without spawning anything.
func (o *Orchestrator) Start(ctx context.Context, req *SolveRequest) error {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return fmt.Errorf("solve already started (state %s)", o.state)
	}

	if err := req.Validate(); err != nil {
		o.state = StateFailed
		ev := TerminalEvent{State: StateFailed, Code: 1, Err: err}
		o.event = &ev
		subs := o.subs
		o.subs = nil
		o.mu.Unlock()
		o.deliver(subs, ev)
		close(o.done)
		return err
	}

	o.req = req
	parts := ComputePartitions(req)
	o.completions = make(chan Completion, len(parts))
	o.state = StateDispatched

	live := 0
	for _, part := range parts {
		h := &handle{part: part, terminal: BackendIdle}
		o.handles = append(o.handles, h)

		b, err := o.factory(part, o.enqueue)
		if err != nil {
			h.terminal = BackendFailed
			h.termErr = fmt.Errorf("%w: %v", ErrSpawn, err)
			h.done = true
			o.log.Warn("backend spawn failed", "partition", part.Index, "error", err)
			continue
		}
		h.backend = b

		if req.Process.Solving() {
			err = b.BeginSolving(req, part, req.Hints)
		} else {
			err = b.BeginExtraction(req, part)
		}
		if err != nil {
			h.terminal = BackendFailed
			h.termErr = fmt.Errorf("%w: %v", ErrSpawn, err)
			h.done = true
			o.log.Warn("backend rejected start", "partition", part.Index, "error", err)
			continue
		}

		if req.BackendTimeout > 0 {
			hh := h
			h.timer = time.AfterFunc(req.BackendTimeout, func() { o.expire(hh) })
		}
		live++
	}

	o.state = StateRacing
	o.mu.Unlock()

	o.log.Info("solve dispatched",
		"process", req.Process.String(),
		"partitions", len(parts),
		"live", live,
	)

	go o.run(ctx, live)
	return nil
}

// Abort requests caller-initiated cancellation. Idempotent.
func (o *Orchestrator) Abort() {
	o.abortOnce.Do(func() { close(o.abortCh) })
}

// State returns the orchestrator's current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Wait blocks until the run reaches a terminal state or ctx expires.
func (o *Orchestrator) Wait(ctx context.Context) (State, error) {
	select {
	case <-o.done:
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.event != nil {
			return o.state, o.event.Err
		}
		return o.state, nil
	case <-ctx.Done():
		return o.State(), ctx.Err()
	}
}

// Subscribe returns a channel that receives the run's terminal event exactly
// once. Subscribing after the run finished still delivers the event.
func (o *Orchestrator) Subscribe() <-chan TerminalEvent {
	ch := make(chan TerminalEvent, 1)
	o.mu.Lock()
	if o.event != nil {
		ev := *o.event
		o.mu.Unlock()
		ch <- ev
		close(ch)
		return ch
	}
	o.subs = append(o.subs, ch)
	o.mu.Unlock()
	return ch
}

// Result returns the run's extraction result and solution. Valid only once a
// terminal state is reached.
func (o *Orchestrator) Result() (*ExtractionResult, *Solution, error) {
	o.mu.Lock()
	terminal := o.state.Terminal()
	var evErr error
	if o.event != nil {
		evErr = o.event.Err
	}
	o.mu.Unlock()
	if !terminal {
		return nil, nil, ErrNotTerminal
	}
	return o.store.Extraction(), o.store.Solution(), evErr
}

// WCS returns the winning solution's coordinate transform, once terminal.
func (o *Orchestrator) WCS() (*WCS, error) {
	if !o.State().Terminal() {
		return nil, ErrNotTerminal
	}
	if w := o.store.WCS(); w != nil {
		return w, nil
	}
	return nil, ErrNoSolution
}

// Handles exposes per-partition diagnostics.
func (o *Orchestrator) Handles() []HandleStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]HandleStatus, len(o.handles))
	for i, h := range o.handles {
		st := h.terminal
		if !h.done {
			if h.backend != nil {
				st = h.backend.State()
			}
		}
		out[i] = HandleStatus{Partition: h.part, State: st, Err: h.termErr}
	}
	return out
}

// DiscardedPublishes counts results that landed after the winner froze the
// store.
func (o *Orchestrator) DiscardedPublishes() int {
	return o.store.Discarded()
}

func (o *Orchestrator) enqueue(c Completion) {
	// Buffered to the partition count; each backend reports once, so this
	// never blocks even after the run loop has exited.
	o.completions <- c
}

func (o *Orchestrator) expire(h *handle) {
	o.mu.Lock()
	fired := false
	if !h.done {
		h.timedOut = true
		fired = true
	}
	o.mu.Unlock()
	if fired && h.backend != nil {
		o.log.Warn("backend exceeded time limit", "partition", h.part.Index)
		h.backend.Abort()
	}
}

func (o *Orchestrator) abortLive() {
	o.mu.Lock()
	var targets []Backend
	for _, h := range o.handles {
		if !h.done && h.backend != nil {
			targets = append(targets, h.backend)
		}
	}
	o.mu.Unlock()
	for _, b := range targets {
		b.Abort()
	}
}

func (o *Orchestrator) run(ctx context.Context, pending int) {
	var winner *Completion
	var abortErr error
	aborting := false

	wd := time.NewTimer(o.watchdog)
	defer wd.Stop()
	ctxDone := ctx.Done()
	abortC := o.abortCh

	for pending > 0 {
		select {
		case c := <-o.completions:
			pending--
			o.record(&c)

			switch c.State {
			case BackendSucceeded:
				if winner == nil && !aborting {
					winner = &c
					o.store.PublishExtraction(c.Extraction)
					o.store.PublishSolution(c.Solution, c.WCS)
					o.store.Freeze()
					o.log.Info("partition won the race", "partition", c.Partition)
					o.abortLive()
				} else {
					// A loser landed a result after the freeze; the store
					// discards it but keeps the count.
					o.store.PublishExtraction(c.Extraction)
					o.store.PublishSolution(c.Solution, c.WCS)
				}
			case BackendFailed:
				if aborting || winner != nil {
					o.log.Debug("failure after cancellation", "partition", c.Partition, "error", c.Err)
				} else {
					o.log.Warn("partition failed", "partition", c.Partition, "error", c.Err)
				}
			case BackendAborted:
				o.log.Debug("partition aborted", "partition", c.Partition)
			}

		case <-abortC:
			abortC = nil
			if winner == nil && !aborting {
				aborting = true
				abortErr = ErrAborted
				o.log.Info("abort requested, cancelling live backends")
			}
			o.abortLive()

		case <-ctxDone:
			ctxDone = nil
			if winner == nil && !aborting {
				aborting = true
				abortErr = fmt.Errorf("%w: %v", ErrAborted, ctx.Err())
			}
			o.abortLive()

		case <-wd.C:
			if winner == nil && !aborting {
				aborting = true
				abortErr = fmt.Errorf("%w: watchdog after %s", ErrTimedOut, o.watchdog)
				o.log.Error("watchdog expired, cancelling live backends")
			}
			o.abortLive()
		}
	}

	o.finish(winner, aborting, abortErr)
}

// record marks a handle terminal under the lock. An abort that was triggered
// by the handle's own timer is reported as timed out rather than plain
// aborted, so callers can tell "gave up" from "tried and failed".
func (o *Orchestrator) record(c *Completion) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if c.Partition < 0 || c.Partition >= len(o.handles) {
		return
	}
	h := o.handles[c.Partition]
	if h.done {
		return
	}
	h.done = true
	h.terminal = c.State
	h.termErr = c.Err
	if h.timer != nil {
		h.timer.Stop()
	}
	if c.State == BackendAborted && h.timedOut {
		h.termErr = ErrTimedOut
		c.Err = ErrTimedOut
	}
}

func (o *Orchestrator) finish(winner *Completion, aborting bool, abortErr error) {
	o.store.Freeze()
	solved := o.store.Solution() != nil

	o.mu.Lock()
	var ev TerminalEvent
	switch {
	case winner != nil:
		if o.req.Process.Solving() && solved {
			o.state = StateSolved
		} else {
			o.state = StateExtractedOnly
		}
		ev = TerminalEvent{State: o.state, Code: 0}
	case aborting:
		o.state = StateAborted
		ev = TerminalEvent{State: StateAborted, Code: 2, Err: abortErr}
	default:
		o.state = StateFailed
		ev = TerminalEvent{State: StateFailed, Code: 1, Err: ErrAllPartitionsExhausted}
	}
	o.event = &ev
	subs := o.subs
	o.subs = nil
	o.mu.Unlock()

	o.log.Info("solve finished", "state", ev.State.String(), "code", ev.Code, "discarded", o.store.Discarded())
	o.deliver(subs, ev)
	close(o.done)
}

func (o *Orchestrator) deliver(subs []chan TerminalEvent, ev TerminalEvent) {
	for _, ch := range subs {
		ch <- ev
		close(ch)
	}
}

// IsAbortError reports whether a terminal error means cancellation rather than
// failure.
func IsAbortError(err error) bool {
	return errors.Is(err, ErrAborted) || errors.Is(err, ErrTimedOut)
}
