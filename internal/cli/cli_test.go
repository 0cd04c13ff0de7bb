package cli

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"skysolve/internal/config"
	"skysolve/internal/solver"
	"skysolve/internal/tools"
)

type stubToolManager struct {
	tool string
	path string
	err  error
}

func (s *stubToolManager) CheckTool(name string) tools.ToolStatus {
	if s.err != nil {
		return tools.ToolStatus{Available: false, Error: s.err}
	}
	return tools.ToolStatus{Available: name == s.tool, Path: s.path}
}

func (s *stubToolManager) GetAvailableSolver() (string, string, error) {
	if s.err != nil {
		return "", "", s.err
	}
	return s.tool, s.path, nil
}

func (s *stubToolManager) GetToolStatus() map[string]tools.ToolStatus {
	return map[string]tools.ToolStatus{s.tool: {Available: s.err == nil, Path: s.path, Error: s.err}}
}

func newTestRoot(t *testing.T) (*Root, *stubToolManager) {
	t.Helper()
	t.Setenv("SKYSOLVE_CONFIG", filepath.Join(t.TempDir(), "absent.json"))
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	cfg.Solver.TempDir = t.TempDir()

	stub := &stubToolManager{tool: "solve-field", path: "/usr/bin/solve-field"}
	root := NewRoot(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	root.toolFactory = func(*config.Config) toolManager { return stub }
	return root, stub
}

func TestLoadPixelsValidatesGeometry(t *testing.T) {
	root, _ := newTestRoot(t)

	path := filepath.Join(t.TempDir(), "frame.raw")
	if err := os.WriteFile(path, make([]byte, 32*32), 0o644); err != nil {
		t.Fatalf("writing frame: %v", err)
	}

	pixels, stats, err := root.loadPixels(pixelInput{Path: path, Width: 32, Height: 32, Bits: 8})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(pixels) != 1024 || stats.BitsPerPixel != 8 {
		t.Fatalf("wrong load: %d bytes, %d bits", len(pixels), stats.BitsPerPixel)
	}

	if _, _, err := root.loadPixels(pixelInput{Path: path, Width: 64, Height: 64, Bits: 16}); err == nil {
		t.Fatal("size mismatch must be rejected")
	}
	if _, _, err := root.loadPixels(pixelInput{Path: filepath.Join(t.TempDir(), "gone.raw"), Width: 8, Height: 8, Bits: 8}); err == nil {
		t.Fatal("missing input must be rejected")
	}
}

func TestProfileForAppliesConfigOverrides(t *testing.T) {
	root, _ := newTestRoot(t)
	root.cfg.Extraction.KSigma = 4.5
	root.cfg.Extraction.MaxStars = 64

	params, err := root.profileFor("default")
	if err != nil {
		t.Fatalf("profile lookup failed: %v", err)
	}
	if params.KSigma != 4.5 {
		t.Fatalf("k-sigma override not applied: %g", params.KSigma)
	}
	if params.KeepNum != 64 {
		t.Fatalf("max-stars override not applied: %d", params.KeepNum)
	}

	if _, err := root.profileFor("nope"); err == nil {
		t.Fatal("unknown profile must be rejected")
	}
}

func TestProfileForDefaultsFromConfig(t *testing.T) {
	root, _ := newTestRoot(t)
	root.cfg.Solver.Profile = "fast-solve"

	params, err := root.profileFor("")
	if err != nil {
		t.Fatalf("profile lookup failed: %v", err)
	}
	if params.Name != "fast-solve" {
		t.Fatalf("config default profile ignored: %q", params.Name)
	}
}

func TestExternalFactoryCreatesTempNamespace(t *testing.T) {
	root, _ := newTestRoot(t)

	_, workDir, err := root.externalFactory("run-test", false)
	if err != nil {
		t.Fatalf("factory failed: %v", err)
	}
	if info, err := os.Stat(workDir); err != nil || !info.IsDir() {
		t.Fatalf("temp namespace not created: %v", err)
	}
	if filepath.Dir(workDir) != root.cfg.Solver.TempDir {
		t.Fatalf("namespace %s outside configured temp dir", workDir)
	}
}

func TestRunRequestRemovesTempNamespace(t *testing.T) {
	root, _ := newTestRoot(t)

	extractStub := func(ctx context.Context, pixels []byte, stats solver.Statistics, params solver.Parameters, subframe image.Rectangle, withHFR bool) (*solver.ExtractionResult, error) {
		return &solver.ExtractionResult{}, nil
	}
	factory := solver.NewInProcessFactory(extractStub, nil, root.log)
	newReq := func() *solver.SolveRequest {
		return &solver.SolveRequest{
			Process: solver.ProcessExtract,
			Stats:   solver.Statistics{Width: 16, Height: 16, Channels: 1, BitsPerPixel: 8},
			Pixels:  make([]byte, 256),
			Profile: solver.DefaultProfile(),
		}
	}

	_, workDir, err := root.externalFactory("run-cleanup", false)
	if err != nil {
		t.Fatalf("factory failed: %v", err)
	}
	if err := root.runRequest(context.Background(), "run-cleanup", newReq(), factory, "frame.raw", workDir, false, false); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if _, err := os.Stat(workDir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temp namespace outlived the run: %v", err)
	}

	_, kept, err := root.externalFactory("run-keep", true)
	if err != nil {
		t.Fatalf("factory failed: %v", err)
	}
	if err := root.runRequest(context.Background(), "run-keep", newReq(), factory, "frame.raw", kept, true, false); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if info, err := os.Stat(kept); err != nil || !info.IsDir() {
		t.Fatalf("namespace removed despite keep-temp: %v", err)
	}
}

func TestExternalFactoryFailsWithoutSolver(t *testing.T) {
	root, stub := newTestRoot(t)
	stub.err = errors.New("no solvers installed")

	if _, _, err := root.externalFactory("run-test", false); err == nil {
		t.Fatal("expected error when no solver is available")
	}
}
