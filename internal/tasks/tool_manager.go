package tasks

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"gopkg.in/gographics/imagick.v3/imagick"

	"autocal/internal/frame"
)

// ToolManager reports whether the configured operators can run.
type ToolManager struct {
	ops     *Operators
	timeout time.Duration
}

// NewToolManager wraps a stage operator set.
func NewToolManager(ops *Operators) *ToolManager {
	return &ToolManager{ops: ops, timeout: 5 * time.Second}
}

// ToolStatus represents the availability of a tool
type ToolStatus struct {
	Stage     frame.Stage
	Operator  string
	Available bool
	Version   string
	Path      string
	Error     error
}

// CheckTool verifies if a tool is available and working
func (tm *ToolManager) CheckTool(binaryName string) ToolStatus {
	path, err := exec.LookPath(binaryName)
	if err != nil {
		return ToolStatus{Operator: binaryName, Available: false, Error: err}
	}

	ctx, cancel := context.WithTimeout(context.Background(), tm.timeout)
	defer cancel()
	output, err := exec.CommandContext(ctx, path, "--version").CombinedOutput()
	if err != nil {
		// Some tools return non-zero exit codes for version/help but still show useful output
		if len(output) > 0 {
			return ToolStatus{Operator: binaryName, Available: true, Version: extractVersion(string(output)), Path: path}
		}
		return ToolStatus{Operator: binaryName, Available: true, Path: path}
	}
	return ToolStatus{Operator: binaryName, Available: true, Version: extractVersion(string(output)), Path: path}
}

// Status checks every registered stage operator, in pipeline order.
func (tm *ToolManager) Status() []ToolStatus {
	var out []ToolStatus
	for _, stage := range tm.ops.Stages() {
		op, _ := tm.ops.For(stage)
		var st ToolStatus
		switch o := op.(type) {
		case *CommandOperator:
			st = tm.CheckTool(o.Command)
		case *MagickCalibrator:
			version, _ := imagick.GetVersion()
			st = ToolStatus{Operator: o.Name(), Available: true, Version: version, Path: "libMagickWand"}
		default:
			st = ToolStatus{Operator: op.Name(), Available: true, Path: "builtin"}
		}
		st.Stage = stage
		out = append(out, st)
	}
	return out
}

// Missing returns an error naming every unavailable operator.
func (tm *ToolManager) Missing() error {
	var missing []string
	for _, st := range tm.Status() {
		if !st.Available {
			missing = append(missing, fmt.Sprintf("%s (%s)", st.Operator, st.Stage))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("operators not available: %s", strings.Join(missing, ", "))
	}
	return nil
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
