package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadReturnsDefaultsWhenMissing(t *testing.T) {
	t.Setenv("SKYSOLVE_CONFIG", filepath.Join(t.TempDir(), "absent.json"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Solver.Parallel != defaultParallel {
		t.Fatalf("default parallel %d", cfg.Solver.Parallel)
	}
	if cfg.External.Preferred != "solve-field" {
		t.Fatalf("default preferred solver %q", cfg.External.Preferred)
	}
	if cfg.Server.Addr == "" {
		t.Fatal("default server address missing")
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
  "solver": {"parallel": 8, "profile": "fast-solve"},
  "external_solvers": {"preferred": "astap", "astap_path": "/opt/astap/astap"},
  "logging": {"level": "debug"}
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	t.Setenv("SKYSOLVE_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Solver.Parallel != 8 || cfg.Solver.Profile != "fast-solve" {
		t.Fatalf("solver overrides not applied: %+v", cfg.Solver)
	}
	if cfg.External.Preferred != "astap" {
		t.Fatalf("external override not applied: %+v", cfg.External)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("logging override not applied: %+v", cfg.Logging)
	}
	// Untouched sections keep their defaults.
	if cfg.Server.Addr == "" {
		t.Fatal("defaults lost during merge")
	}
}

func TestSaveRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	t.Setenv("SKYSOLVE_CONFIG", path)

	cfg := defaultConfig()
	cfg.Solver.Parallel = 6
	written, err := Save(cfg)
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if written != path {
		t.Fatalf("saved to %s, want %s", written, path)
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if loaded.Solver.Parallel != 6 {
		t.Fatalf("round trip lost setting: %+v", loaded.Solver)
	}
}

func TestPathForPreference(t *testing.T) {
	e := ExternalTools{SolveFieldPath: "/usr/local/astrometry/bin/solve-field"}
	if got := e.PathFor("solve-field"); got != "/usr/local/astrometry/bin/solve-field" {
		t.Fatalf("configured path ignored: %q", got)
	}
	if got := e.PathFor("astap"); got != "astap" {
		t.Fatalf("unconfigured tool should fall back to its name: %q", got)
	}
}
