// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"
)

// NewCommandLogger creates a structured logger for CLI command
// operations at the given level. When stderr is a terminal, uses
// slog.TextHandler for human-readable output. When stderr is piped or
// redirected (CI, scripts), uses slog.JSONHandler for machine-parseable
// output.
//
// Callers scope the logger with command-specific context via With():
//
//	logger := cli.NewCommandLogger(slog.LevelInfo).With(
//	    "command", "deploy",
//	    "target", target.Name,
//	)
func NewCommandLogger(level slog.Level) *slog.Logger {
	return newLogger(os.Stderr, term.IsTerminal(int(os.Stderr.Fd())), level)
}

func newLogger(w io.Writer, terminal bool, level slog.Level) *slog.Logger {
	options := &slog.HandlerOptions{Level: level}
	if terminal {
		return slog.New(slog.NewTextHandler(w, options))
	}
	return slog.New(slog.NewJSONHandler(w, options))
}

// Verbosity is an embeddable struct that adds -v/--verbose and
// -d/--debug to a command's parameter struct. [Command.Execute] reads
// the resulting level through the [Leveler] interface before calling
// Run.
type Verbosity struct {
	Verbose bool `json:"-" flag:"verbose,v" desc:"log each step at debug level"`
	Debug   bool `json:"-" flag:"debug,d" desc:"also pass -v to ssh and stream nix build logs (implies --verbose)"`
}

// Level returns the log level the flags select.
func (v *Verbosity) Level() slog.Level {
	if v.Verbose || v.Debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// Leveler is implemented by parameter structs that choose their log
// level.
type Leveler interface {
	Level() slog.Level
}
