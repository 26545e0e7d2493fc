// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package executortest provides a scripted, recording [executor.Executor]
// for tests that simulate nix, ssh, scp, and sh without running them.
package executortest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/bureau-foundation/nix-deploy/lib/executor"
)

// Response is the scripted outcome for a matched command.
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int

	// Err, if set, is returned as a start failure (the binary could not
	// be executed) instead of an exit status.
	Err error
}

// Handler computes a response from the command. Handlers may have side
// effects (creating files, flipping state) to model commands that
// change the world, such as an installer creating a nix binary.
type Handler func(command executor.Command) Response

type rule struct {
	prefix  string
	handler Handler
}

// Fake matches each command's rendered command line against registered
// prefixes. The most recently registered matching rule wins, so a test
// can override a general rule with a more specific one. Unmatched
// commands succeed with empty output unless Strict is set.
type Fake struct {
	// Strict makes unmatched commands fail with a start error.
	Strict bool

	mu    sync.Mutex
	rules []rule
	calls []executor.Command
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{}
}

// On registers a fixed response for commands whose command line starts
// with prefix. Returns the Fake for chaining.
func (f *Fake) On(prefix string, response Response) *Fake {
	return f.Handle(prefix, func(executor.Command) Response { return response })
}

// Handle registers a handler for commands whose command line starts
// with prefix.
func (f *Fake) Handle(prefix string, handler Handler) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule{prefix: prefix, handler: handler})
	return f
}

// Run records the command and returns the scripted response.
func (f *Fake) Run(_ context.Context, command executor.Command) (executor.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, command)
	handler := f.match(command.String())
	strict := f.Strict
	f.mu.Unlock()

	if handler == nil {
		if strict {
			return executor.Result{}, fmt.Errorf("executortest: unexpected command %q", command.String())
		}
		return executor.Result{}, nil
	}

	response := handler(command)
	if response.Err != nil {
		return executor.Result{}, response.Err
	}
	result := executor.Result{
		Stdout:   response.Stdout,
		Stderr:   response.Stderr,
		ExitCode: response.ExitCode,
	}
	if response.ExitCode != 0 {
		return result, &executor.ExitError{Command: command, Result: result}
	}
	return result, nil
}

func (f *Fake) match(line string) Handler {
	for i := len(f.rules) - 1; i >= 0; i-- {
		if strings.HasPrefix(line, f.rules[i].prefix) {
			return f.rules[i].handler
		}
	}
	return nil
}

// Calls returns a copy of every recorded command, in order.
func (f *Fake) Calls() []executor.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	calls := make([]executor.Command, len(f.calls))
	copy(calls, f.calls)
	return calls
}

// Lines returns the rendered command line of every recorded command.
func (f *Fake) Lines() []string {
	var lines []string
	for _, call := range f.Calls() {
		lines = append(lines, call.String())
	}
	return lines
}

// Count returns how many recorded commands start with prefix.
func (f *Fake) Count(prefix string) int {
	count := 0
	for _, line := range f.Lines() {
		if strings.HasPrefix(line, prefix) {
			count++
		}
	}
	return count
}

// Contains reports how many recorded commands contain substring
// anywhere in their command line.
func (f *Fake) Contains(substring string) int {
	count := 0
	for _, line := range f.Lines() {
		if strings.Contains(line, substring) {
			count++
		}
	}
	return count
}

// RedirectStream returns a view of f that writes the stdout of matched
// Stream commands to w, as the OS executor prints it. Calls are still
// recorded on f.
func (f *Fake) RedirectStream(w io.Writer) executor.Executor {
	return &streaming{fake: f, output: w}
}

type streaming struct {
	fake   *Fake
	output io.Writer
}

func (s *streaming) Run(ctx context.Context, command executor.Command) (executor.Result, error) {
	result, err := s.fake.Run(ctx, command)
	if command.Stream && result.Stdout != "" {
		io.WriteString(s.output, result.Stdout)
	}
	return result, err
}
