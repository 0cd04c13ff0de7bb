package solver

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ExtractFunc is the star-extraction capability. It must be safe to invoke
// concurrently against the same read-only buffer with different parameters,
// and must honor ctx cancellation at its safe points.
type ExtractFunc func(ctx context.Context, pixels []byte, stats Statistics, params Parameters, subframe image.Rectangle, withHFR bool) (*ExtractionResult, error)

// Engine is the in-process astrometric solving capability. The matching
// algorithm itself is outside this package; implementations return
// ErrNoSolution when the partition's slice of the search space holds no match.
type Engine interface {
	Solve(ctx context.Context, stars []Star, stats Statistics, hints SearchHints, part Partition, indexPaths []string) (*Solution, error)
}

// InProcessBackend runs extraction and solving as a goroutine sharing process
// memory with the caller. Cancellation is cooperative: Abort cancels the
// run's context, which the extraction loop and the engine observe at their
// safe points.
type InProcessBackend struct {
	extract ExtractFunc
	engine  Engine
	notify  func(Completion)
	log     *slog.Logger

	state  atomic.Int32
	mu     sync.Mutex
	cancel context.CancelFunc
	abort  atomic.Bool
}

// NewInProcessBackend wires the extraction and solving capabilities into a
// backend. engine may be nil for extraction-only use.
func NewInProcessBackend(extract ExtractFunc, engine Engine, log *slog.Logger, notify func(Completion)) *InProcessBackend {
	if log == nil {
		log = slog.Default()
	}
	b := &InProcessBackend{extract: extract, engine: engine, notify: notify, log: log}
	b.state.Store(int32(BackendIdle))
	return b
}

// State returns the backend's lifecycle state.
func (b *InProcessBackend) State() BackendState {
	return BackendState(b.state.Load())
}

// Abort requests cooperative cancellation. Idempotent and safe from any
// goroutine; the worker unwinds within one extraction or solving step.
func (b *InProcessBackend) Abort() {
	b.abort.Store(true)
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// BeginExtraction starts star extraction asynchronously.
func (b *InProcessBackend) BeginExtraction(req *SolveRequest, part Partition) error {
	if b.extract == nil {
		return errors.New("no extraction capability configured")
	}
	ctx, err := b.begin()
	if err != nil {
		return err
	}
	go func() {
		withHFR := req.Process == ProcessExtractWithHFR
		res, err := b.extract(ctx, req.Pixels, req.Stats, req.Profile, req.Subframe, withHFR)
		b.complete(part, Completion{Partition: part.Index, Extraction: res}, err)
	}()
	return nil
}

// BeginSolving starts astrometric solving asynchronously. When the request
// carries no pre-extracted star list the backend chains an extraction first.
func (b *InProcessBackend) BeginSolving(req *SolveRequest, part Partition, hints SearchHints) error {
	if b.engine == nil {
		return errors.New("no solving engine configured")
	}
	if len(req.Stars) == 0 && b.extract == nil {
		return errors.New("solving without stars requires an extraction capability")
	}
	ctx, err := b.begin()
	if err != nil {
		return err
	}
	go func() {
		var c Completion
		c.Partition = part.Index

		stars := req.Stars
		if len(stars) == 0 {
			res, err := b.extract(ctx, req.Pixels, req.Stats, req.Profile, req.Subframe, false)
			if err != nil {
				b.complete(part, c, err)
				return
			}
			c.Extraction = res
			stars = res.Stars
		}

		// The partition's depth band bounds which star ranks the engine may
		// match against.
		if part.DepthHigh > 0 && part.DepthHigh < len(stars) {
			stars = stars[:part.DepthHigh]
		}

		sol, err := b.engine.Solve(ctx, stars, req.Stats, partitionHints(hints, part), part, req.IndexPaths)
		if err != nil {
			b.complete(part, c, err)
			return
		}
		c.Solution = sol
		if w, werr := NewWCS(sol, req.Stats); werr == nil {
			c.WCS = w
			if c.Extraction != nil {
				w.AppendRADec(c.Extraction.Stars)
			}
		}
		b.complete(part, c, nil)
	}()
	return nil
}

func (b *InProcessBackend) begin() (context.Context, error) {
	if !b.state.CompareAndSwap(int32(BackendIdle), int32(BackendRunning)) {
		return nil, fmt.Errorf("backend is %s, not idle", b.State())
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()
	if b.abort.Load() {
		cancel()
	}
	return ctx, nil
}

// complete publishes the single terminal completion for this run.
func (b *InProcessBackend) complete(part Partition, c Completion, err error) {
	switch {
	case b.abort.Load() || errors.Is(err, context.Canceled):
		c = Completion{Partition: part.Index, State: BackendAborted, Err: ErrAborted}
	case err != nil:
		c.State = BackendFailed
		c.Err = err
		c.Extraction = nil
		c.Solution = nil
		c.WCS = nil
	default:
		c.State = BackendSucceeded
	}
	b.state.Store(int32(c.State))
	if c.Err != nil {
		b.log.Debug("in-process backend finished", "partition", part.Index, "state", c.State, "error", c.Err)
	}
	if b.notify != nil {
		b.notify(c)
	}
}

// partitionHints narrows the request hints to the partition's scale slice.
func partitionHints(hints SearchHints, part Partition) SearchHints {
	if part.UseScale {
		hints.UseScale = true
		hints.ScaleLow = part.ScaleLow
		hints.ScaleHigh = part.ScaleHigh
		hints.ScaleUnits = part.ScaleUnits
	}
	return hints
}

// NewInProcessFactory returns a BackendFactory producing in-process backends.
func NewInProcessFactory(extract ExtractFunc, engine Engine, log *slog.Logger) BackendFactory {
	return func(part Partition, notify func(Completion)) (Backend, error) {
		return NewInProcessBackend(extract, engine, log, notify), nil
	}
}
