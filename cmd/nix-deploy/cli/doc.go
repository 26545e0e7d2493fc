// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli provides the command-line framework for nix-deploy.
//
// The central type is [Command], a named command with optional nested
// [Command.Subcommands], a parameter struct whose tagged fields become
// pflag flags ([BindFlags]), and a Run function. The tree is assembled
// in cmd/nix-deploy/commands and dispatched via [Command.Execute],
// which handles flag parsing, subcommand routing, logger construction,
// and structured help output with examples.
//
// When a user types an unknown subcommand or flag, the framework
// computes Levenshtein edit distance against all known names and
// suggests the closest match (threshold: distance <= 3).
//
// Errors returned to main are either a categorized [ToolError] (printed
// with its hint) or an [ExitError] carrying a handled exit code.
//
// Terminal presentation lives here too: [Theme] and [Styles] render
// phase status lines with lipgloss, and [RenderMarkdown] turns the
// staged INSTRUCTIONS.md into styled terminal text.
package cli
