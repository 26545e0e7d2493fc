// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nix

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/bureau-foundation/nix-deploy/lib/executor"
)

// Profile is a Home Manager configuration reference and, after a
// successful build, the store path it realized to.
type Profile struct {
	// Installable is the flake installable that was built, e.g.
	// "github:me/dotfiles#homeConfigurations.\"alice\".activationPackage".
	Installable string `json:"installable"`

	// StorePath is the activation package in /nix/store. Empty until
	// the profile has been built.
	StorePath string `json:"store_path,omitempty"`

	// ClosureSize is the total size in bytes of the store path and all
	// of its runtime dependencies. Zero when unknown.
	ClosureSize int64 `json:"closure_size,omitempty"`
}

// HumanSize returns the closure size in human-readable form, or
// "unknown" when the size was not measured.
func (p Profile) HumanSize() string {
	if p.ClosureSize <= 0 {
		return "unknown"
	}
	return humanize.IBytes(uint64(p.ClosureSize))
}

// Installable returns the flake installable for a Home Manager profile.
// A flake reference that already selects an attribute (contains "#") is
// returned unchanged; otherwise the profile's activation package is
// selected from homeConfigurations.
func Installable(flakeRef, profile string) string {
	if strings.Contains(flakeRef, "#") || profile == "" {
		return flakeRef
	}
	return fmt.Sprintf("%s#homeConfigurations.%s.activationPackage", flakeRef, strconv.Quote(profile))
}

// BuildOptions tunes local builds. Zero values leave nix's own
// defaults in place.
type BuildOptions struct {
	// MaxJobs maps to --max-jobs.
	MaxJobs int

	// Cores maps to --cores.
	Cores int

	// PrintBuildLogs adds -L so build logs stream to the terminal.
	PrintBuildLogs bool

	// ExtraArgs are appended verbatim to nix build.
	ExtraArgs []string
}

// Builder realizes profiles into the local Nix store.
type Builder struct {
	// Binary is the nix binary to run. Empty means "nix" from PATH;
	// production wiring sets it with ResolveBinary.
	Binary string

	Executor executor.Executor
	Options  BuildOptions
	Logger   *slog.Logger
}

// Build realizes installable and returns the resulting store path. Nix
// itself guarantees idempotence: an unchanged installable yields the
// same path without rebuilding or re-downloading cached dependencies.
// Build failures carry nix's stderr verbatim.
func (b *Builder) Build(ctx context.Context, installable string) (Profile, error) {
	args := []string{"build", installable, "--no-link", "--print-out-paths"}
	if b.Options.MaxJobs > 0 {
		args = append(args, "--max-jobs", strconv.Itoa(b.Options.MaxJobs))
	}
	if b.Options.Cores > 0 {
		args = append(args, "--cores", strconv.Itoa(b.Options.Cores))
	}
	if b.Options.PrintBuildLogs {
		args = append(args, "-L")
	}
	args = append(args, b.Options.ExtraArgs...)

	b.Logger.Info("building profile", "installable", installable)

	invocation := b.command(args...)
	invocation.Stream = b.Options.PrintBuildLogs
	result, err := b.Executor.Run(ctx, invocation)
	if err != nil {
		return Profile{}, formatError("nix", args, result.Stderr, err)
	}

	storePath := lastLine(result.Stdout)
	if !IsStorePath(storePath) {
		return Profile{}, fmt.Errorf("nix build %s: unexpected output %q (expected a /nix/store path)", installable, storePath)
	}

	profile := Profile{Installable: installable, StorePath: storePath}
	if size, err := b.ClosureSize(ctx, storePath); err != nil {
		b.Logger.Warn("cannot measure closure size", "store_path", storePath, "error", err)
	} else {
		profile.ClosureSize = size
	}
	return profile, nil
}

// Evaluate computes the store path installable would build to without
// building it. Used by dry runs.
func (b *Builder) Evaluate(ctx context.Context, installable string) (string, error) {
	args := []string{"eval", "--raw", installable + ".outPath"}
	result, err := b.Executor.Run(ctx, b.command(args...))
	if err != nil {
		return "", formatError("nix", args, result.Stderr, err)
	}
	storePath := strings.TrimSpace(result.Stdout)
	if !IsStorePath(storePath) {
		return "", fmt.Errorf("nix eval %s: unexpected output %q", installable, storePath)
	}
	return storePath, nil
}

// Closure returns every store path in the runtime closure of path,
// including path itself.
func (b *Builder) Closure(ctx context.Context, path string) ([]string, error) {
	args := []string{"path-info", "--recursive", path}
	result, err := b.Executor.Run(ctx, b.command(args...))
	if err != nil {
		return nil, formatError("nix", args, result.Stderr, err)
	}
	return splitLines(result.Stdout), nil
}

// ClosureSize returns the total closure size of path in bytes.
func (b *Builder) ClosureSize(ctx context.Context, path string) (int64, error) {
	args := []string{"path-info", "--closure-size", "--json", path}
	result, err := b.Executor.Run(ctx, b.command(args...))
	if err != nil {
		return 0, formatError("nix", args, result.Stderr, err)
	}
	return parseClosureSize(result.Stdout, path)
}

// pathInfo is the subset of nix path-info --json output we read.
type pathInfo struct {
	Path        string `json:"path"`
	ClosureSize int64  `json:"closureSize"`
}

// parseClosureSize accepts both output shapes of nix path-info --json:
// the array form (Nix < 2.19) and the object keyed by store path.
func parseClosureSize(output, path string) (int64, error) {
	trimmed := strings.TrimSpace(output)
	if strings.HasPrefix(trimmed, "[") {
		var entries []pathInfo
		if err := json.Unmarshal([]byte(trimmed), &entries); err != nil {
			return 0, fmt.Errorf("parsing nix path-info output: %w", err)
		}
		for _, entry := range entries {
			if entry.Path == path {
				return entry.ClosureSize, nil
			}
		}
		return 0, fmt.Errorf("nix path-info output has no entry for %s", path)
	}

	var entries map[string]pathInfo
	if err := json.Unmarshal([]byte(trimmed), &entries); err != nil {
		return 0, fmt.Errorf("parsing nix path-info output: %w", err)
	}
	entry, ok := entries[path]
	if !ok {
		return 0, fmt.Errorf("nix path-info output has no entry for %s", path)
	}
	return entry.ClosureSize, nil
}

func splitLines(output string) []string {
	var lines []string
	for _, line := range strings.Split(output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func lastLine(output string) string {
	lines := splitLines(output)
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

func (b *Builder) command(args ...string) executor.Command {
	binary := b.Binary
	if binary == "" {
		binary = "nix"
	}
	return executor.Command{Name: binary, Args: args}
}
