package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"skysolve/internal/config"
)

// Setup configures the default logger from config, with optional file output.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	writers := []io.Writer{os.Stdout}

	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %v", err)
		}
		logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("skysolve-%s.log",
			time.Now().Format("2006-01-02")))
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %v", err)
		}
		writers = append(writers, f)

		// Keep a stable name pointing at today's log.
		currentLogPath := filepath.Join(cfg.Logging.LogDir, "skysolve-current.log")
		os.Remove(currentLogPath)
		_ = os.Symlink(filepath.Base(logFile), currentLogPath)
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Logging.Level)}
	out := io.MultiWriter(writers...)
	var handler slog.Handler
	if strings.ToLower(cfg.Logging.Format) == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("skysolve logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
	)
	return logger, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogRunStart logs the beginning of a solve run.
func LogRunStart(logger *slog.Logger, runID, process string, partitions int, input string) {
	logger.Info("solve run started",
		"id", runID,
		"process", process,
		"partitions", partitions,
		"input", input,
	)
}

// LogRunComplete logs a run that reached a successful terminal state.
func LogRunComplete(logger *slog.Logger, runID, state string, duration time.Duration, detail map[string]any) {
	logger.Info("solve run completed",
		"id", runID,
		"state", state,
		"duration_ms", duration.Milliseconds(),
		"detail", detail,
	)
}

// LogRunError logs a run that failed or was aborted.
func LogRunError(logger *slog.Logger, runID, state string, duration time.Duration, err error) {
	logger.Error("solve run failed",
		"id", runID,
		"state", state,
		"duration_ms", duration.Milliseconds(),
		"error", err,
	)
}

// LogToolStatus logs solver tool detection.
func LogToolStatus(logger *slog.Logger, tool string, available bool, version, path string, err error) {
	if available {
		logger.Debug("tool detected",
			"tool", tool,
			"version", version,
			"path", path,
		)
	} else {
		logger.Debug("tool not available",
			"tool", tool,
			"error", err,
		)
	}
}
