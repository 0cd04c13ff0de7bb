package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"skysolve/internal/config"
	"skysolve/internal/extract"
	"skysolve/internal/imageio"
	"skysolve/internal/logging"
	"skysolve/internal/solver"
	"skysolve/internal/storage"
	"skysolve/internal/tools"

	"github.com/google/uuid"
)

// Root wires CLI commands to the solver orchestration layer.
type Root struct {
	cfg         *config.Config
	log         *slog.Logger
	store       *storage.Store
	toolFactory toolManagerFactory
}

type toolManager interface {
	CheckTool(name string) tools.ToolStatus
	GetAvailableSolver() (string, string, error)
	GetToolStatus() map[string]tools.ToolStatus
}

type toolManagerFactory func(*config.Config) toolManager

// NewRoot constructs the CLI root.
func NewRoot(cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		cfg:   cfg,
		log:   logger,
		store: store,
		toolFactory: func(cfg *config.Config) toolManager {
			return tools.NewToolManager(cfg)
		},
	}
}

func (r *Root) newToolManager() toolManager {
	return r.toolFactory(r.cfg)
}

// pixelInput describes a raw pixel buffer on disk. Decoding image containers
// is out of scope; callers supply geometry explicitly.
type pixelInput struct {
	Path   string
	Width  int
	Height int
	Bits   int
}

func (r *Root) loadPixels(in pixelInput) ([]byte, solver.Statistics, error) {
	stats := solver.Statistics{
		Width:        in.Width,
		Height:       in.Height,
		Channels:     1,
		BitsPerPixel: in.Bits,
	}
	pixels, err := os.ReadFile(in.Path)
	if err != nil {
		return nil, stats, fmt.Errorf("read input: %w", err)
	}
	if want := stats.BufferSize(); len(pixels) != want {
		return nil, stats, fmt.Errorf("input is %d bytes, want %d for %dx%d at %d bits",
			len(pixels), want, in.Width, in.Height, in.Bits)
	}
	return pixels, stats, nil
}

// profileFor resolves a named parameter profile and applies extraction
// overrides from config.
func (r *Root) profileFor(name string) (solver.Parameters, error) {
	if name == "" {
		name = r.cfg.Solver.Profile
	}
	profiles := solver.Profiles()
	params, ok := profiles[name]
	if !ok {
		return solver.Parameters{}, fmt.Errorf("unknown profile %q", name)
	}
	if r.cfg.Extraction.KSigma > 0 {
		params.KSigma = r.cfg.Extraction.KSigma
	}
	if r.cfg.Extraction.MinArea > 0 {
		params.MinArea = r.cfg.Extraction.MinArea
	}
	if r.cfg.Extraction.MaxStars > 0 {
		params.KeepNum = r.cfg.Extraction.MaxStars
	}
	return params, nil
}

// externalFactory builds a backend factory around the selected external
// solver, with a fresh temp namespace per request.
func (r *Root) externalFactory(runID string, keepTemp bool) (solver.BackendFactory, string, error) {
	tm := r.newToolManager()
	tool, path, err := tm.GetAvailableSolver()
	if err != nil {
		return nil, "", err
	}

	tempBase := r.cfg.Solver.TempDir
	if tempBase == "" {
		tempBase = os.TempDir()
	}
	workDir := filepath.Join(tempBase, "skysolve-"+runID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create temp namespace: %w", err)
	}

	grace := time.Duration(r.cfg.Solver.AbortGraceSecs) * time.Second
	opts := solver.ExternalOptions{
		SolverPath:    path,
		WorkDir:       workDir,
		BaseName:      "field",
		ExtraArgs:     r.cfg.External.ExtraArgs,
		AbortGrace:    grace,
		KeepTempFiles: keepTemp,
		WriteImage:    imageio.WriteFITS,
		Extract:       extract.Stars,
		Log:           r.log,
	}
	r.log.Info("external solver selected", "tool", tool, "path", path, "workdir", workDir)
	return solver.NewExternalFactory(opts), workDir, nil
}

// runRequest drives one request to a terminal state, records it in the run
// history, and reports the outcome. Ctrl-C aborts the race in flight. A
// non-empty workDir is the request's temp namespace and is removed once the
// run is terminal, unless keepTemp is set.
func (r *Root) runRequest(ctx context.Context, runID string, req *solver.SolveRequest, factory solver.BackendFactory, inputPath, workDir string, keepTemp, asJSON bool) error {
	if workDir != "" && !keepTemp {
		defer os.RemoveAll(workDir)
	}
	orch := solver.New(factory, solver.Options{
		Logger:   r.log,
		Watchdog: time.Duration(r.cfg.Solver.WatchdogMins) * time.Minute,
	})

	parts := solver.ComputePartitions(req)
	if r.store != nil {
		_ = r.store.RecordRunStart(storage.RunRecord{
			ID:          runID,
			ProcessType: req.Process.String(),
			State:       "racing",
			InputPath:   inputPath,
			Profile:     req.Profile.Name,
			Partitions:  len(parts),
		})
	}
	logging.LogRunStart(r.log, runID, req.Process.String(), len(parts), inputPath)
	started := time.Now()

	if err := orch.Start(ctx, req); err != nil {
		r.recordOutcome(runID, orch, started, 0)
		return fmt.Errorf("request rejected: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		if _, ok := <-sigCh; ok {
			r.log.Warn("interrupt received, aborting solve")
			orch.Abort()
		}
	}()

	state, err := orch.Wait(ctx)
	elapsed := time.Since(started)

	extraction, solution, runErr := orch.Result()
	starsFound := 0
	if extraction != nil {
		starsFound = len(extraction.Stars)
	}
	r.recordOutcome(runID, orch, started, starsFound)

	for _, h := range orch.Handles() {
		if r.store != nil {
			data := map[string]any{"state": h.State.String()}
			if h.Err != nil {
				data["error"] = h.Err.Error()
			}
			_ = r.store.RecordEvent(runID, "partition_done", h.Partition.Index, data)
		}
	}

	if err != nil {
		return err
	}
	if runErr != nil {
		logging.LogRunError(r.log, runID, state.String(), elapsed, runErr)
		r.printOutcome(state, extraction, solution, elapsed, asJSON)
		return runErr
	}

	detail := map[string]any{"stars": starsFound}
	if solution != nil {
		detail["ra"] = solution.RA
		detail["dec"] = solution.Dec
	}
	logging.LogRunComplete(r.log, runID, state.String(), elapsed, detail)
	r.printOutcome(state, extraction, solution, elapsed, asJSON)
	return nil
}

func (r *Root) recordOutcome(runID string, orch *solver.Orchestrator, started time.Time, starsFound int) {
	if r.store == nil {
		return
	}
	state := orch.State()
	rec := storage.RunRecord{State: state.String(), StarsFound: starsFound}
	if _, solution, runErr := orch.Result(); runErr == nil && solution != nil {
		rec.RA = solution.RA
		rec.Dec = solution.Dec
		rec.PixScale = solution.PixScale
		rec.Orientation = solution.Orientation
		rec.Parity = solution.Parity.String()
		rec.FieldWidth = solution.FieldWidth
		rec.FieldHeight = solution.FieldHeight
	} else if runErr != nil {
		rec.Error = runErr.Error()
	}
	_ = r.store.RecordRunResult(runID, rec)
}

func (r *Root) printOutcome(state solver.State, extraction *solver.ExtractionResult, solution *solver.Solution, elapsed time.Duration, asJSON bool) {
	if asJSON {
		out := map[string]any{
			"state":      state.String(),
			"elapsed_ms": elapsed.Milliseconds(),
		}
		if extraction != nil {
			out["extraction"] = extraction
		}
		if solution != nil {
			out["solution"] = solution
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(out)
		return
	}

	fmt.Printf("State:    %s (%.1fs)\n", state, elapsed.Seconds())
	if extraction != nil {
		fmt.Printf("Stars:    %d extracted (background mean %.1f, rms %.1f)\n",
			len(extraction.Stars), extraction.Background.GlobalMean, extraction.Background.GlobalRMS)
	}
	if solution != nil {
		fmt.Printf("Center:   RA %.6f°  Dec %.6f°\n", solution.RA, solution.Dec)
		fmt.Printf("Field:    %.4f × %.4f arcmin\n", solution.FieldWidth, solution.FieldHeight)
		fmt.Printf("Scale:    %.4f arcsec/pixel\n", solution.PixScale)
		fmt.Printf("Angle:    %.2f°  parity %s\n", solution.Orientation, solution.Parity)
		if solution.IndexUsed != "" {
			fmt.Printf("Index:    %s\n", solution.IndexUsed)
		}
	}
}

func newRunID() string {
	return uuid.NewString()
}
