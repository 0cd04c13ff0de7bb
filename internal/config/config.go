package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

const (
	defaultConfigPath = "~/.config/skysolve/config.json"
	defaultParallel   = 4
)

// Config holds user-editable settings for the solver service.
type Config struct {
	Solver     SolverSettings `json:"solver"`
	External   ExternalTools  `json:"external_solvers"`
	Extraction Extraction     `json:"extraction"`
	Logging    Logging        `json:"logging"`
	Paths      Paths          `json:"paths"`
	Server     ServerSettings `json:"server"`
}

// SolverSettings capture orchestration preferences.
type SolverSettings struct {
	Parallel           int    `json:"parallel"`             // child partitions raced per solve
	TempDir            string `json:"temp_dir"`             // base for per-request temp namespaces
	BackendTimeoutSecs int    `json:"backend_timeout_secs"` // per-backend cap, 0 = watchdog only
	WatchdogMins       int    `json:"watchdog_mins"`
	AbortGraceSecs     int    `json:"abort_grace_secs"` // wait before force-killing an external process
	Profile            string `json:"profile"`          // default parameter profile name
	KeepTempFiles      bool   `json:"keep_temp_files"`
}

// ExternalTools defines which external solver to use and where to find it.
type ExternalTools struct {
	Preferred        string   `json:"preferred"` // "solve-field", "astap", "watney-solve"
	Fallbacks        []string `json:"fallbacks"`
	SolveFieldPath   string   `json:"solve_field_path"`
	ASTAPPath        string   `json:"astap_path"`
	WatneyPath       string   `json:"watney_path"`
	IndexFolderPaths []string `json:"index_folder_paths"`
	ExtraArgs        []string `json:"extra_args"`
}

// PathFor returns the configured binary path for a solver name, falling back
// to the name itself for PATH lookup.
func (e ExternalTools) PathFor(name string) string {
	switch name {
	case "solve-field":
		if e.SolveFieldPath != "" {
			return e.SolveFieldPath
		}
	case "astap":
		if e.ASTAPPath != "" {
			return e.ASTAPPath
		}
	case "watney-solve":
		if e.WatneyPath != "" {
			return e.WatneyPath
		}
	}
	return name
}

// Extraction tunes the built-in star extractor.
type Extraction struct {
	KSigma   float64 `json:"k_sigma"`
	MinArea  int     `json:"min_area"`
	MaxStars int     `json:"max_stars"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default locations.
type Paths struct {
	DatabasePath  string `json:"database_path"`
	DefaultOutput string `json:"default_output"`
}

// ServerSettings configure the status HTTP server.
type ServerSettings struct {
	Addr string `json:"addr"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := os.Getenv("SKYSOLVE_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration to its path and returns where it landed.
func Save(cfg *Config) (string, error) {
	configPath := os.Getenv("SKYSOLVE_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	expanded, err := expandUser(configPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", err
	}
	return expanded, os.WriteFile(expanded, data, 0o644)
}

func defaultConfig() *Config {
	return &Config{
		Solver: SolverSettings{
			Parallel:       defaultParallel,
			TempDir:        filepath.Join(os.TempDir(), "skysolve"),
			WatchdogMins:   10,
			AbortGraceSecs: 3,
			Profile:        "default",
		},
		External: ExternalTools{
			Preferred: "solve-field",
			Fallbacks: []string{"astap", "watney-solve"},
			IndexFolderPaths: []string{
				"/usr/share/astrometry",
				filepath.Join(homeOr("."), ".local/share/astrometry"),
			},
		},
		Extraction: Extraction{
			KSigma:   3.0,
			MinArea:  5,
			MaxStars: 200,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DatabasePath:  filepath.Join(os.TempDir(), "skysolve.db"),
			DefaultOutput: "./output",
		},
		Server: ServerSettings{
			Addr: ":8190",
		},
	}
}

func homeOr(fallback string) string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return fallback
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
