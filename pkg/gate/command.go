package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/zen-systems/switchboard/pkg/artifact"
)

// maxCapture bounds the stdout and stderr kept in diagnostics.
const maxCapture = 4096

// CommandDiagnostics captures execution details for a command gate.
type CommandDiagnostics struct {
	Command  []string      `json:"command"`
	Workdir  string        `json:"workdir,omitempty"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// CommandGate runs a local command with the output on stdin. A zero exit
// status passes.
type CommandGate struct {
	name    string
	command []string
	workdir string
}

// NewCommandGate creates a new command gate.
func NewCommandGate(name string, command []string, workdir string) (*CommandGate, error) {
	if len(command) == 0 {
		return nil, errors.New("command gate requires a command")
	}
	if name == "" {
		name = command[0]
	}
	return &CommandGate{name: name, command: command, workdir: workdir}, nil
}

// Name returns the gate identifier.
func (g *CommandGate) Name() string {
	return g.name
}

// Evaluate runs the command. The backend that produced out is exported as
// SWITCHBOARD_BACKEND.
func (g *CommandGate) Evaluate(ctx context.Context, out *artifact.Artifact) (*Result, error) {
	cmd := exec.CommandContext(ctx, g.command[0], g.command[1:]...)
	if g.workdir != "" {
		cmd.Dir = g.workdir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if out != nil {
		cmd.Stdin = strings.NewReader(out.Content)
		cmd.Env = append(os.Environ(), "SWITCHBOARD_BACKEND="+out.Backend)
	}

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || ctx.Err() != nil {
			return nil, fmt.Errorf("command gate failed to run: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	diag, err := json.Marshal(CommandDiagnostics{
		Command:  append([]string{}, g.command...),
		Workdir:  g.workdir,
		Stdout:   truncate(stdout.String()),
		Stderr:   truncate(stderr.String()),
		ExitCode: exitCode,
		Duration: duration,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal diagnostics: %w", err)
	}

	result := &Result{Gate: g.name, Passed: exitCode == 0, Diagnostics: diag}
	if !result.Passed {
		result.Violations = []Violation{{
			Rule:     "command_failed",
			Severity: "error",
			Message:  fmt.Sprintf("command exited with status %d", exitCode),
		}}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			result.RepairHints = []string{truncate(msg)}
		}
	}
	return result, nil
}

func truncate(s string) string {
	if len(s) <= maxCapture {
		return s
	}
	return s[:maxCapture] + "...[truncated]"
}
