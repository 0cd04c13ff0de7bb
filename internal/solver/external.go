package solver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultAbortGrace is how long an external process gets to exit after a
// termination request before it is force-killed.
const DefaultAbortGrace = 3 * time.Second

// WriteImageFunc serializes the request's pixel buffer to a file an external
// solver can read (FITS in practice).
type WriteImageFunc func(path string, pixels []byte, stats Statistics) error

// ExternalOptions configure an ExternalProcessBackend.
type ExternalOptions struct {
	SolverPath string
	WorkDir    string // per-request temp namespace; the caller creates it
	BaseName   string // temp file base, partition index is appended
	ExtraArgs  []string

	AbortGrace    time.Duration
	PollInterval  time.Duration
	KeepTempFiles bool

	WriteImage WriteImageFunc
	Extract    ExtractFunc // feeds the solver a star list when the request has none
	Log        *slog.Logger
}

// ExternalProcessBackend delegates solving to an external executable. All
// communication happens through files in the backend's private namespace: the
// input image or star-list file, a generated config file, the solution
// artifact, and a sentinel cancel file the process is contracted to poll.
// Every file it creates is deleted on every exit path unless KeepTempFiles is
// set.
type ExternalProcessBackend struct {
	opts   ExternalOptions
	notify func(Completion)
	log    *slog.Logger

	state   atomic.Int32
	aborted atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	cmd    *exec.Cmd

	cancelFile   string
	solvedFile   string
	solutionFile string
	tempFiles    []string
}

// NewExternalProcessBackend builds a backend around the configured solver
// executable.
func NewExternalProcessBackend(opts ExternalOptions, notify func(Completion)) *ExternalProcessBackend {
	if opts.AbortGrace <= 0 {
		opts.AbortGrace = DefaultAbortGrace
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	b := &ExternalProcessBackend{opts: opts, notify: notify, log: log}
	b.state.Store(int32(BackendIdle))
	return b
}

// State returns the backend's lifecycle state.
func (b *ExternalProcessBackend) State() BackendState {
	return BackendState(b.state.Load())
}

// Abort cancels the run: it creates the sentinel cancel file, asks the
// process to terminate, and force-kills it after the grace period. Idempotent
// and safe from any goroutine.
func (b *ExternalProcessBackend) Abort() {
	if b.aborted.Swap(true) {
		return
	}
	b.mu.Lock()
	cancelFile := b.cancelFile
	cancel := b.cancel
	b.mu.Unlock()
	if cancelFile != "" {
		_ = os.WriteFile(cancelFile, []byte("cancel\n"), 0o644)
	}
	if cancel != nil {
		cancel()
	}
}

// BeginExtraction runs the configured extraction capability. External
// extraction programs are not part of this backend's contract; without an
// ExtractFunc the call is rejected.
func (b *ExternalProcessBackend) BeginExtraction(req *SolveRequest, part Partition) error {
	if b.opts.Extract == nil {
		return errors.New("external backend has no extraction capability")
	}
	ctx, err := b.begin()
	if err != nil {
		return err
	}
	go func() {
		defer b.release()
		withHFR := req.Process == ProcessExtractWithHFR
		res, xerr := b.opts.Extract(ctx, req.Pixels, req.Stats, req.Profile, req.Subframe, withHFR)
		if b.aborted.Load() || errors.Is(xerr, context.Canceled) {
			b.complete(Completion{Partition: part.Index, State: BackendAborted, Err: ErrAborted})
			return
		}
		if xerr != nil {
			b.complete(Completion{Partition: part.Index, State: BackendFailed, Err: xerr})
			return
		}
		b.complete(Completion{Partition: part.Index, State: BackendSucceeded, Extraction: res})
	}()
	return nil
}

// BeginSolving spawns the external solver for this partition asynchronously.
func (b *ExternalProcessBackend) BeginSolving(req *SolveRequest, part Partition, hints SearchHints) error {
	if b.opts.SolverPath == "" {
		return errors.New("no external solver path configured")
	}
	ctx, err := b.begin()
	if err != nil {
		return err
	}
	go b.runSolve(ctx, req, part, partitionHints(hints, part))
	return nil
}

func (b *ExternalProcessBackend) begin() (context.Context, error) {
	if !b.state.CompareAndSwap(int32(BackendIdle), int32(BackendRunning)) {
		return nil, fmt.Errorf("backend is %s, not idle", b.State())
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()
	if b.aborted.Load() {
		cancel()
	}
	return ctx, nil
}

func (b *ExternalProcessBackend) release() {
	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Unlock()
}

func (b *ExternalProcessBackend) runSolve(ctx context.Context, req *SolveRequest, part Partition, hints SearchHints) {
	defer b.release()
	defer b.cleanupTempFiles()

	base := filepath.Join(b.opts.WorkDir, fmt.Sprintf("%s-%02d", b.opts.BaseName, part.Index))
	b.mu.Lock()
	b.cancelFile = base + ".cancel"
	b.solvedFile = base + ".solved"
	b.solutionFile = base + ".sol"
	b.mu.Unlock()
	// Registered before any early return: Abort can drop the sentinel cancel
	// file into the namespace at any point from here on.
	b.addTempFile(base+".cancel", base+".solved", base+".sol")

	var extraction *ExtractionResult
	stars := req.Stars
	if len(stars) == 0 && b.opts.Extract != nil && len(req.Pixels) > 0 {
		res, err := b.opts.Extract(ctx, req.Pixels, req.Stats, req.Profile, req.Subframe, false)
		if err != nil {
			b.finishSolve(part, req.Stats, nil, nil, err)
			return
		}
		extraction = res
		stars = res.Stars
	}

	var inputFile string
	if len(stars) > 0 {
		inputFile = base + ".xyls"
		if err := b.writeStarTable(inputFile, stars, part); err != nil {
			b.finishSolve(part, req.Stats, extraction, nil, fmt.Errorf("%w: %v", ErrSpawn, err))
			return
		}
	} else {
		if b.opts.WriteImage == nil {
			b.finishSolve(part, req.Stats, nil, nil, fmt.Errorf("%w: no image writer configured", ErrSpawn))
			return
		}
		inputFile = base + ".fits"
		if err := b.opts.WriteImage(inputFile, req.Pixels, req.Stats); err != nil {
			b.finishSolve(part, req.Stats, nil, nil, fmt.Errorf("%w: %v", ErrSpawn, err))
			return
		}
	}
	b.addTempFile(inputFile)

	cfgFile := base + ".cfg"
	if err := b.writeConfigFile(cfgFile, req, part, hints); err != nil {
		b.finishSolve(part, req.Stats, extraction, nil, fmt.Errorf("%w: %v", ErrSpawn, err))
		return
	}
	b.addTempFile(cfgFile)

	args := b.solverArgs(cfgFile, inputFile, part, hints, req)
	cmd := exec.Command(b.opts.SolverPath, args...)
	cmd.Dir = b.opts.WorkDir
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if b.aborted.Load() {
		b.finishSolve(part, req.Stats, nil, nil, ErrAborted)
		return
	}
	if err := cmd.Start(); err != nil {
		b.finishSolve(part, req.Stats, extraction, nil, fmt.Errorf("%w: %v", ErrSpawn, err))
		return
	}
	b.mu.Lock()
	b.cmd = cmd
	b.mu.Unlock()
	b.log.Debug("external solver spawned",
		"partition", part.Index,
		"pid", cmd.Process.Pid,
		"input", filepath.Base(inputFile),
	)

	procDone := make(chan error, 1)
	go func() { procDone <- cmd.Wait() }()
	artifact := watchForFile(ctx, b.solutionFile, b.opts.PollInterval)

	var exitErr error
	select {
	case exitErr = <-procDone:
	case <-artifact:
		// The artifact landed before the process exited; collect it without
		// waiting on a slow shutdown.
		b.terminate()
		exitErr = <-procDone
	case <-ctx.Done():
		b.terminate()
		exitErr = <-procDone
	}

	if b.aborted.Load() {
		b.finishSolve(part, req.Stats, nil, nil, ErrAborted)
		return
	}

	if fileExists(b.solutionFile) {
		sol, err := ParseSolutionArtifact(b.solutionFile)
		if err != nil {
			b.finishSolve(part, req.Stats, extraction, nil, err)
			return
		}
		fillFieldSize(sol, req.Stats)
		b.finishSolve(part, req.Stats, extraction, sol, nil)
		return
	}

	if exitErr != nil {
		var ee *exec.ExitError
		if errors.As(exitErr, &ee) && !ee.Exited() {
			b.finishSolve(part, req.Stats, extraction, nil, fmt.Errorf("%w: %v", ErrWorkerCrashed, exitErr))
		} else {
			b.finishSolve(part, req.Stats, extraction, nil, fmt.Errorf("solver exited without a solution: %v (%s)", exitErr, firstLine(output.String())))
		}
		return
	}
	b.finishSolve(part, req.Stats, extraction, nil, ErrNoSolution)
}

func (b *ExternalProcessBackend) finishSolve(part Partition, stats Statistics, extraction *ExtractionResult, sol *Solution, err error) {
	// Cleanup must be observable by the time the completion lands.
	b.cleanupTempFiles()
	c := Completion{Partition: part.Index}
	switch {
	case b.aborted.Load() || errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled):
		c.State = BackendAborted
		c.Err = ErrAborted
	case err != nil:
		c.State = BackendFailed
		c.Err = err
	default:
		c.State = BackendSucceeded
		c.Extraction = extraction
		c.Solution = sol
		if sol != nil {
			if w, werr := NewWCS(sol, stats); werr == nil {
				c.WCS = w
				if extraction != nil {
					w.AppendRADec(extraction.Stars)
				}
			}
		}
	}
	b.complete(c)
}

func (b *ExternalProcessBackend) complete(c Completion) {
	b.state.Store(int32(c.State))
	if b.notify != nil {
		b.notify(c)
	}
}

// terminate asks the process to exit and force-kills after the grace period.
func (b *ExternalProcessBackend) terminate() {
	b.mu.Lock()
	cmd := b.cmd
	b.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		_ = cmd.Process.Kill()
		return
	}
	// Kill on an already-exited process is a harmless ErrProcessDone.
	time.AfterFunc(b.opts.AbortGrace, func() { _ = cmd.Process.Kill() })
}

func (b *ExternalProcessBackend) addTempFile(paths ...string) {
	b.mu.Lock()
	b.tempFiles = append(b.tempFiles, paths...)
	b.mu.Unlock()
}

// cleanupTempFiles deletes every file this backend created, on every exit
// path including abort.
func (b *ExternalProcessBackend) cleanupTempFiles() {
	if b.opts.KeepTempFiles {
		return
	}
	b.mu.Lock()
	files := b.tempFiles
	b.tempFiles = nil
	b.mu.Unlock()
	for _, f := range files {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			b.log.Warn("temp file not removed", "file", f, "error", err)
		}
	}
}

func (b *ExternalProcessBackend) writeStarTable(path string, stars []Star, part Partition) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# skysolve xylist, partition %d\n", part.Index)
	fmt.Fprintf(&buf, "# X_IMAGE Y_IMAGE FLUX\n")
	limit := len(stars)
	if part.DepthHigh > 0 && part.DepthHigh < limit {
		limit = part.DepthHigh
	}
	for _, s := range stars[:limit] {
		fmt.Fprintf(&buf, "%.4f %.4f %.4f\n", s.X, s.Y, s.Flux)
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// writeConfigFile serializes the options the solver cannot take on its
// command line, the way astrometry.net reads astrometry.cfg.
func (b *ExternalProcessBackend) writeConfigFile(path string, req *SolveRequest, part Partition, hints SearchHints) error {
	var buf bytes.Buffer
	buf.WriteString("# generated by skysolve\n")
	fmt.Fprintf(&buf, "cancel %s\n", b.cancelFile)
	fmt.Fprintf(&buf, "solved %s\n", b.solvedFile)
	fmt.Fprintf(&buf, "depths %d %d\n", part.DepthLow, part.DepthHigh)
	for _, p := range req.IndexPaths {
		fmt.Fprintf(&buf, "add_path %s\n", p)
	}
	buf.WriteString("autoindex\n")
	fmt.Fprintf(&buf, "inparallel\n")
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func (b *ExternalProcessBackend) solverArgs(cfgFile, inputFile string, part Partition, hints SearchHints, req *SolveRequest) []string {
	args := []string{
		"--config", cfgFile,
		"--out", b.solutionFile,
		"--cancel", b.cancelFile,
		"--depth", fmt.Sprintf("%d-%d", part.DepthLow, part.DepthHigh),
	}
	if hints.UseScale {
		args = append(args,
			"--scale-low", fmt.Sprintf("%g", hints.ScaleLow),
			"--scale-high", fmt.Sprintf("%g", hints.ScaleHigh),
			"--scale-units", hints.ScaleUnits.String(),
		)
		// ASTAP and Watney take the scale hint as a field height in degrees.
		fov := (req.DegreeHeight(hints.ScaleLow) + req.DegreeHeight(hints.ScaleHigh)) / 2
		args = append(args, "--fov", fmt.Sprintf("%g", fov))
	}
	if hints.UsePosition {
		args = append(args,
			"--ra", fmt.Sprintf("%g", hints.RA),
			"--dec", fmt.Sprintf("%g", hints.Dec),
			"--radius", fmt.Sprintf("%g", hints.Radius),
		)
	}
	args = append(args, b.opts.ExtraArgs...)
	args = append(args, inputFile)
	return args
}

// watchForFile closes the returned channel once path exists. It uses fsnotify
// on the parent directory with a polling fallback, and gives up when ctx is
// cancelled.
func watchForFile(ctx context.Context, path string, poll time.Duration) <-chan struct{} {
	found := make(chan struct{})
	go func() {
		var events <-chan fsnotify.Event
		if w, err := fsnotify.NewWatcher(); err == nil {
			defer w.Close()
			if err := w.Add(filepath.Dir(path)); err == nil {
				events = w.Events
			}
		}
		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		for {
			if fileExists(path) {
				close(found)
				return
			}
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				if ev.Name != path {
					continue
				}
			case <-ticker.C:
			}
		}
	}()
	return found
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}

func fillFieldSize(sol *Solution, stats Statistics) {
	if sol.PixScale <= 0 {
		return
	}
	if sol.FieldWidth == 0 && stats.Width > 0 {
		sol.FieldWidth = float64(stats.Width) * sol.PixScale / 60.0
	}
	if sol.FieldHeight == 0 && stats.Height > 0 {
		sol.FieldHeight = float64(stats.Height) * sol.PixScale / 60.0
	}
}

// NewExternalFactory returns a BackendFactory producing external-process
// backends sharing one option set; each child gets its own file namespace via
// the partition index.
func NewExternalFactory(opts ExternalOptions) BackendFactory {
	return func(part Partition, notify func(Completion)) (Backend, error) {
		return NewExternalProcessBackend(opts, notify), nil
	}
}
