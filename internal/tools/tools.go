package tools

import (
	"fmt"
	"os/exec"
	"strings"

	"skysolve/internal/config"
)

// ToolManager handles automatic solver selection and fallbacks
type ToolManager struct {
	cfg *config.Config
}

// NewToolManager creates a new tool manager with configuration
func NewToolManager(cfg *config.Config) *ToolManager {
	return &ToolManager{cfg: cfg}
}

// ToolStatus represents the availability of a solver tool
type ToolStatus struct {
	Available bool
	Version   string
	Path      string
	Error     error
}

// CheckTool verifies if a solver tool is available and working
func (tm *ToolManager) CheckTool(toolName string) ToolStatus {
	binaryName := tm.cfg.External.PathFor(toolName)

	path, err := exec.LookPath(binaryName)
	if err != nil {
		return ToolStatus{Available: false, Error: err}
	}

	// Try to get version for additional verification
	var versionCmd []string
	switch toolName {
	case "solve-field":
		versionCmd = []string{path, "--version"}
	case "astap", "astap_cli":
		// astap prints usage when run without arguments
		versionCmd = []string{path, "-h"}
	case "watney-solve", "watney-solve-cli":
		versionCmd = []string{path, "--version"}
	default:
		return ToolStatus{Available: true, Path: path}
	}

	cmd := exec.Command(versionCmd[0], versionCmd[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		// Some tools return non-zero exit codes for version/help
		// but still show useful output
		if len(output) > 0 {
			return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
		}
		return ToolStatus{Available: false, Path: path, Error: err}
	}
	return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
}

// GetAvailableSolver returns the best available external solver tool
// and the resolved binary path.
func (tm *ToolManager) GetAvailableSolver() (string, string, error) {
	candidates := []string{tm.cfg.External.Preferred}
	candidates = append(candidates, tm.cfg.External.Fallbacks...)

	for _, tool := range candidates {
		if tool == "" {
			continue
		}
		if status := tm.CheckTool(tool); status.Available {
			return tool, status.Path, nil
		}
	}
	return "", "", fmt.Errorf("no available plate solver tools found (tried %s)",
		strings.Join(candidates, ", "))
}

// GetToolStatus returns the status of all configured solver tools
func (tm *ToolManager) GetToolStatus() map[string]ToolStatus {
	status := make(map[string]ToolStatus)
	candidates := []string{tm.cfg.External.Preferred}
	candidates = append(candidates, tm.cfg.External.Fallbacks...)
	for _, tool := range candidates {
		if tool == "" {
			continue
		}
		status[tool] = tm.CheckTool(tool)
	}
	return status
}

// extractVersion extracts version information from tool output
func extractVersion(output string) string {
	lines := strings.Split(output, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "version") || strings.Contains(line, "Version") {
			return line
		}
	}
	if len(lines) > 0 {
		return strings.TrimSpace(lines[0])
	}
	return "unknown"
}
