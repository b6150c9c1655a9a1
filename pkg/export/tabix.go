package export

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// DefaultTabixPath is looked up on PATH when no tabix binary is configured.
const DefaultTabixPath = "tabix"

// ToolError reports a failed external program.
type ToolError struct {
	Tool     string
	Args     []string
	ExitCode int
	Output   string
	Err      error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s %s failed", filepath.Base(e.Tool), strings.Join(e.Args, " "))
	if e.ExitCode > 0 {
		msg += fmt.Sprintf(" with exit code %d", e.ExitCode)
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// runTool runs tool in dir and captures its combined output.
func runTool(ctx context.Context, dir, tool string, args ...string) error {
	cmd := exec.CommandContext(ctx, tool, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}

	te := &ToolError{Tool: tool, Args: args, ExitCode: -1, Output: string(out), Err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		te.ExitCode = exitErr.ExitCode()
	}
	return te
}

// tabix force-indexes a merged BGZF VCF in place.
func tabix(ctx context.Context, tool, file string) error {
	if tool == "" {
		tool = DefaultTabixPath
	}
	return runTool(ctx, filepath.Dir(file), tool, "-f", file)
}
