package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/timmy/clipforge/internal/domain"
)

// Runner executes an external binary.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs binaries with os/exec.
type ExecRunner struct{}

// Run executes name and captures stdout and stderr separately.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// runTool runs a binary under timeout and converts failures into ToolErrors:
// missing binaries are permanent, timeouts and non-zero exits are retryable.
func runTool(ctx context.Context, runner Runner, tool string, timeout time.Duration, name string, args ...string) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	stdout, stderr, err := runner.Run(ctx, name, args...)
	if err == nil {
		return stdout, nil
	}

	var execErr *exec.Error
	if errors.Is(err, exec.ErrNotFound) || errors.As(err, &execErr) {
		return nil, domain.NewPermanentToolError(tool, fmt.Sprintf("%s is not installed or not executable", name), err)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, domain.NewToolError(tool, fmt.Sprintf("timed out after %s", timeout), nil)
	}
	if msg := lastLines(stderr, 3); msg != "" {
		return nil, domain.NewToolError(tool, msg, err)
	}
	return nil, domain.NewToolError(tool, "", err)
}

// lastLines returns up to n trailing non-empty lines of out, joined by " | ".
func lastLines(out []byte, n int) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	kept := make([]string, 0, n)
	for i := len(lines) - 1; i >= 0 && len(kept) < n; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			kept = append([]string{line}, kept...)
		}
	}
	return strings.Join(kept, " | ")
}
