package strategy

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"git.home.luguber.info/inful/pagebuilder/internal/logfields"
)

// Invocation describes one compiler run.
type Invocation struct {
	Dir     string
	Command string
	Args    []string
	Env     []string // appended to the current process environment
}

// CommandRunner runs the external compiler. Implementations other than
// ExecRunner exist for tests.
type CommandRunner interface {
	Run(ctx context.Context, inv Invocation) error
}

// RunnerFunc adapts a function to CommandRunner.
type RunnerFunc func(ctx context.Context, inv Invocation) error

// Run implements CommandRunner.
func (f RunnerFunc) Run(ctx context.Context, inv Invocation) error {
	return f(ctx, inv)
}

// ExecRunner invokes the compiler binary found on PATH.
type ExecRunner struct{}

// Run implements CommandRunner.
func (ExecRunner) Run(ctx context.Context, inv Invocation) error {
	if _, err := exec.LookPath(inv.Command); err != nil {
		return fmt.Errorf("compiler %q not found: %w", inv.Command, err)
	}

	// #nosec G204 - command and args come from operator configuration and typed build overrides
	cmd := exec.CommandContext(ctx, inv.Command, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = append(os.Environ(), inv.Env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	slog.Debug("Invoking compiler", slog.String("command", inv.Command), slog.Any("args", inv.Args), logfields.Path(inv.Dir))
	err := cmd.Run()

	outStr := stdout.String()
	errStr := stderr.String()
	if outStr != "" {
		slog.Debug("compiler stdout", slog.String("output", outStr))
	}
	if errStr != "" {
		slog.Warn("compiler stderr", slog.String("error_output", errStr))
	}
	if err == nil {
		return nil
	}

	// The compiler may report errors on either stream.
	output := errStr
	if output == "" {
		output = outStr
	} else if outStr != "" {
		output = outStr + "\n" + errStr
	}
	if output != "" {
		return fmt.Errorf("compiler failed: %w: %s", err, output)
	}
	return fmt.Errorf("compiler failed: %w", err)
}
