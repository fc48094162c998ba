package encoder

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes an external media tool
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout []byte, err error)
}

// RunError is returned when a tool exits non-zero
type RunError struct {
	Name     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s exited with code %d: %s", e.Name, e.ExitCode, stderrTail(e.Stderr, 3))
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// ExecRunner runs tools with os/exec
type ExecRunner struct{}

// Run starts the command and waits for it, capturing stdout and stderr
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		runErr := &RunError{Name: name, ExitCode: -1, Stderr: stderr.String(), Err: err}
		if exitErr, ok := err.(*exec.ExitError); ok {
			runErr.ExitCode = exitErr.ExitCode()
		}
		return stdout.Bytes(), runErr
	}
	return stdout.Bytes(), nil
}

// stderrTail keeps the last n non-empty lines, where ffmpeg prints the actual failure
func stderrTail(stderr string, n int) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	kept := make([]string, 0, n)
	for i := len(lines) - 1; i >= 0 && len(kept) < n; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			kept = append([]string{line}, kept...)
		}
	}
	return strings.Join(kept, " | ")
}
