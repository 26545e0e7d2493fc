// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/bureau-foundation/nix-deploy/cmd/nix-deploy/cli"
	"github.com/bureau-foundation/nix-deploy/lib/config"
	"github.com/bureau-foundation/nix-deploy/lib/executor/executortest"
)

// harness drives the command tree with buffers, a scripted executor,
// and a temporary config directory.
type harness struct {
	env    *Environment
	fake   *executortest.Fake
	stdout *bytes.Buffer
	stderr *bytes.Buffer
	dir    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		fake:   executortest.New(),
		stdout: &bytes.Buffer{},
		stderr: &bytes.Buffer{},
		dir:    t.TempDir(),
	}
	h.env = &Environment{
		Stdin:    strings.NewReader(""),
		Stdout:   h.stdout,
		Stderr:   h.stderr,
		Executor: h.fake,
		Home:     t.TempDir(),
		LookPath: func(name string) (string, error) { return "/usr/bin/" + name, nil },
	}
	return h
}

// run executes the command tree with args, clearing the buffers
// first.
func (h *harness) run(args ...string) error {
	h.stdout.Reset()
	h.stderr.Reset()
	return NewRoot(h.env).Execute(context.Background(), args)
}

func (h *harness) saveTarget(t *testing.T, target *config.Target) {
	t.Helper()
	if err := config.SaveTarget(h.dir, target); err != nil {
		t.Fatalf("SaveTarget: %v", err)
	}
}

func sampleTarget(name string) *config.Target {
	return &config.Target{
		Name:     name,
		Host:     name + ".example",
		Port:     22,
		User:     "enterpriseuser",
		Platform: config.PlatformAuto,
		Flake:    "github:acme/dotfiles",
		Profile:  "enterpriseuser",
	}
}

// requireCategory fails unless err is a *cli.ToolError of category.
func requireCategory(t *testing.T, err error, category cli.ErrorCategory) *cli.ToolError {
	t.Helper()
	var toolError *cli.ToolError
	if !errors.As(err, &toolError) {
		t.Fatalf("error = %v (%T), want *cli.ToolError", err, err)
	}
	if toolError.Category != category {
		t.Fatalf("category = %q, want %q (error: %v)", toolError.Category, category, err)
	}
	return toolError
}

// requireExitCode fails unless err is a *cli.ExitError with code.
func requireExitCode(t *testing.T, err error, code int) {
	t.Helper()
	var exitError *cli.ExitError
	if !errors.As(err, &exitError) {
		t.Fatalf("error = %v (%T), want *cli.ExitError", err, err)
	}
	if exitError.Code != code {
		t.Fatalf("exit code = %d, want %d", exitError.Code, code)
	}
}
