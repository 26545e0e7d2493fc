// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Command describes one external process invocation.
type Command struct {
	// Name is the binary name or absolute path.
	Name string

	// Args are the arguments after the binary name.
	Args []string

	// Env holds extra KEY=VALUE entries appended to the current
	// process environment.
	Env []string

	// Dir is the working directory. Empty means the caller's.
	Dir string

	// Stdin, if non-nil, is connected to the process's standard input.
	Stdin io.Reader

	// Stream copies stdout and stderr to the operator's terminal while
	// still capturing them. Used for long-running commands (nix build,
	// nix copy, activation hooks) whose progress the operator watches.
	Stream bool

	// Terminal connects the process to the operator's terminal with
	// nothing captured. Used for interactive programs (editors).
	Terminal bool
}

// String renders the command line for logs and error messages.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Result is the captured outcome of a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Executor runs commands. Implementations must return an *ExitError
// for commands that ran but exited non-zero, and a plain error when
// the command could not be started at all.
type Executor interface {
	Run(ctx context.Context, command Command) (Result, error)
}

// ExitError reports a command that ran to completion with a non-zero
// exit status.
type ExitError struct {
	Command Command
	Result  Result
}

func (e *ExitError) Error() string {
	stderrText := strings.TrimSpace(e.Result.Stderr)
	if stderrText != "" {
		return fmt.Sprintf("%s: exit status %d: %s", e.Command.Name, e.Result.ExitCode, stderrText)
	}
	return fmt.Sprintf("%s: exit status %d", e.Command.Name, e.Result.ExitCode)
}

// ExitCode returns the exit status of the failed command, or -1 when
// err does not wrap an *ExitError.
func ExitCode(err error) int {
	var exitError *ExitError
	if errors.As(err, &exitError) {
		return exitError.Result.ExitCode
	}
	return -1
}

// StreamRedirector is implemented by executors that can send the
// stdout of Stream commands to another writer.
type StreamRedirector interface {
	RedirectStream(stdout io.Writer) Executor
}

// RedirectStream returns e with the stdout of Stream commands sent to
// w. Commands printing a machine-readable document on stdout use it to
// move progress output out of the way. An executor that cannot
// redirect is returned unchanged.
func RedirectStream(e Executor, w io.Writer) Executor {
	if redirector, ok := e.(StreamRedirector); ok {
		return redirector.RedirectStream(w)
	}
	return e
}

// OS runs commands as local child processes.
type OS struct {
	// Stdout and Stderr receive streamed output for commands with
	// Stream or Terminal set. Nil means os.Stdout and os.Stderr.
	Stdout io.Writer
	Stderr io.Writer
}

// Run executes command and waits for it to finish.
func (o *OS) Run(ctx context.Context, command Command) (Result, error) {
	process := exec.CommandContext(ctx, command.Name, command.Args...)
	process.Dir = command.Dir
	process.Stdin = command.Stdin
	if len(command.Env) > 0 {
		process.Env = append(os.Environ(), command.Env...)
	}

	var stdout, stderr bytes.Buffer
	switch {
	case command.Terminal:
		if process.Stdin == nil {
			process.Stdin = os.Stdin
		}
		process.Stdout = o.stdout()
		process.Stderr = o.stderr()
	case command.Stream:
		process.Stdout = io.MultiWriter(&stdout, o.stdout())
		process.Stderr = io.MultiWriter(&stderr, o.stderr())
	default:
		process.Stdout = &stdout
		process.Stderr = &stderr
	}

	err := process.Run()
	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return result, nil
	}

	var exitError *exec.ExitError
	if errors.As(err, &exitError) {
		result.ExitCode = exitError.ExitCode()
		return result, &ExitError{Command: command, Result: result}
	}
	return result, fmt.Errorf("running %s: %w", command.Name, err)
}

// RedirectStream returns a copy of o writing streamed stdout to w.
func (o *OS) RedirectStream(w io.Writer) Executor {
	return &OS{Stdout: w, Stderr: o.Stderr}
}

func (o *OS) stdout() io.Writer {
	if o.Stdout != nil {
		return o.Stdout
	}
	return os.Stdout
}

func (o *OS) stderr() io.Writer {
	if o.Stderr != nil {
		return o.Stderr
	}
	return os.Stderr
}
