// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/nix-deploy/cmd/nix-deploy/cli"
	"github.com/bureau-foundation/nix-deploy/lib/config"
	"github.com/bureau-foundation/nix-deploy/lib/executor"
	"github.com/bureau-foundation/nix-deploy/lib/nix"
	"github.com/bureau-foundation/nix-deploy/lib/version"
)

// Environment is what commands take from the process.
type Environment struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Executor runs external programs (nix, ssh, scp, sh).
	Executor executor.Executor

	// Interactive reports whether the operator can answer prompts.
	Interactive bool

	// Confirm asks a yes/no question. Only called when Interactive.
	Confirm func(prompt string) (bool, error)

	// Executable is the running nix-deploy binary, staged on remotes
	// of the same architecture. Empty disables staging it.
	Executable string

	// Home overrides the user's home directory for remote commands.
	// Empty means os.UserHomeDir.
	Home string

	// NixBinary is the local nix. Empty means "nix" from PATH.
	NixBinary string

	// StoreRoot is prepended to store paths when remote activate
	// inspects them on disk. Empty on a real host.
	StoreRoot string

	// LookPath finds local tools. Nil means nix.FindBinary, which
	// also searches the Nix profile directories.
	LookPath func(name string) (string, error)
}

// DefaultEnvironment wires the real process streams and OS executor.
func DefaultEnvironment() *Environment {
	executable, _ := os.Executable()
	return &Environment{
		Stdin:       os.Stdin,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
		Executor:    &executor.OS{},
		Interactive: cli.IsInteractive(os.Stdin),
		Confirm:     cli.Confirm,
		Executable:  executable,
		NixBinary:   nix.ResolveBinary("nix"),
	}
}

func (e *Environment) styles() *cli.Styles {
	return cli.NewStyles(e.Stdout)
}

// runner returns the executor for a command. Streamed progress (nix
// build, nix copy, installers, activation hooks) goes to stdout, or to
// stderr when stdout carries a --json document.
func (e *Environment) runner(jsonOutput bool) executor.Executor {
	if jsonOutput {
		return executor.RedirectStream(e.Executor, e.Stderr)
	}
	return executor.RedirectStream(e.Executor, e.Stdout)
}

func (e *Environment) lookPath(name string) (string, error) {
	if e.LookPath != nil {
		return e.LookPath(name)
	}
	return nix.FindBinary(name)
}

func (e *Environment) home() (string, error) {
	if e.Home != "" {
		return e.Home, nil
	}
	return os.UserHomeDir()
}

// Root builds the command tree on the real process environment.
func Root() *cli.Command {
	return NewRoot(DefaultEnvironment())
}

// NewRoot builds the command tree on env.
func NewRoot(env *Environment) *cli.Command {
	root := deployCommand(env)
	root.Subcommands = []*cli.Command{
		configCommand(env),
		remoteCommand(env),
		versionCommand(env),
	}
	return root
}

// configLocation binds --config-dir.
type configLocation struct {
	Override string
}

func (l *configLocation) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&l.Override, "config-dir", "",
		"configuration directory (default $NIX_DEPLOY_CONFIG_DIR or ~/.config/nix-deploy)")
}

// Dir resolves the configuration directory.
func (l *configLocation) Dir() string {
	return config.Dir(l.Override)
}

// loadTarget reads the global configuration and the named target,
// translating failures into operator-facing errors.
func (l *configLocation) loadTarget(name string) (*config.Config, *config.Target, error) {
	dir := l.Dir()
	global, err := config.Load(dir)
	if err != nil {
		return nil, nil, cli.Validation("%w", err).WithHint("Check " + dir + "/" + config.GlobalFileName + ".")
	}
	if err := global.Validate(); err != nil {
		return nil, nil, cli.Validation("invalid %s: %w", config.GlobalFileName, err)
	}
	target, err := config.LoadTarget(dir, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, targetNotFound(dir, name)
		}
		return nil, nil, cli.Validation("%w", err)
	}
	return global, target, nil
}

// targetNotFound is the error for a target name with no file in dir.
// The hint offers configured targets that look like name before
// suggesting create-target.
func targetNotFound(dir, name string) *cli.ToolError {
	toolError := cli.NotFound("target %q not found in %s", name, dir)
	names, err := config.ListTargets(dir)
	if err == nil {
		if similar := cli.SuggestNames(name, names, 3); len(similar) > 0 {
			return toolError.WithHint("Did you mean " + quoteNames(similar) + "? " +
				"Create a new one with 'nix-deploy config create-target " + name + "'.")
		}
	}
	return toolError.WithHint("Create it with 'nix-deploy config create-target " + name + "'.")
}

// quoteNames renders names as "a", "a or b", or "a, b or c".
func quoteNames(names []string) string {
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = strconv.Quote(name)
	}
	if len(quoted) == 1 {
		return quoted[0]
	}
	return strings.Join(quoted[:len(quoted)-1], ", ") + " or " + quoted[len(quoted)-1]
}

type versionParams struct {
	cli.JSONOutput
}

func versionCommand(env *Environment) *cli.Command {
	var params versionParams
	return &cli.Command{
		Name:    "version",
		Summary: "Print version information",
		Params:  func() any { return &params },
		Run: func(_ context.Context, args []string, _ *slog.Logger) error {
			if done, err := params.EmitJSON(env.Stdout, version.Current()); done {
				return err
			}
			fmt.Fprintf(env.Stdout, "nix-deploy %s\n", version.Full())
			return nil
		},
	}
}
