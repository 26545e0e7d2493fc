// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"io"
	"strings"
	"testing"

	"github.com/bureau-foundation/nix-deploy/cmd/nix-deploy/cli"
	"github.com/bureau-foundation/nix-deploy/cmd/nix-deploy/commands"
	"github.com/bureau-foundation/nix-deploy/lib/process"
)

// TestCommandTreeFlags walks the production command tree and builds
// every command's flag set. A duplicated flag name or an unsupported
// parameter field type panics here rather than at the operator's
// prompt.
func TestCommandTreeFlags(t *testing.T) {
	walkCommands(commands.Root(), nil, func(command *cli.Command, path []string) {
		name := strings.Join(path, " ")
		if len(path) > 1 && command.Summary == "" {
			t.Errorf("%s: missing Summary", name)
		}
		if command.Params == nil {
			return
		}
		func() {
			defer func() {
				if recovered := recover(); recovered != nil {
					t.Errorf("%s: building flags panicked: %v", name, recovered)
				}
			}()
			cli.FlagsFromParams(command.Name, command.Params())
		}()
	})
}

func TestRunExitCodes(t *testing.T) {
	t.Setenv("NIX_DEPLOY_CONFIG_DIR", t.TempDir())

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"version", []string{"version"}, 0},
		{"missing target", []string{"--dry-run"}, 1},
		{"unknown target", []string{"--target", "nowhere"}, 1},
		{"unknown flag", []string{"--tagret", "x"}, 1},
		{"help", []string{"--help"}, 0},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := process.ExitStatus(io.Discard, run(test.args)); got != test.want {
				t.Errorf("run(%q) = %d, want %d", test.args, got, test.want)
			}
		})
	}
}

// walkCommands recursively visits every command in the tree,
// calling visit for each node with the accumulated command path.
func walkCommands(command *cli.Command, path []string, visit func(*cli.Command, []string)) {
	current := make([]string, len(path)+1)
	copy(current, path)
	current[len(path)] = command.Name
	visit(command, current)
	for _, sub := range command.Subcommands {
		walkCommands(sub, current, visit)
	}
}
