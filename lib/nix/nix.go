// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package nix provides typed access to the Nix CLI binaries (nix,
// nix-store, nix-env) used by the deployment phases. It centralizes
// binary resolution and gives all nix invocations uniform error
// formatting: nix writes its diagnostics to stderr, and that text is
// what the operator needs to see, so it is preferred over the generic
// exit status.
//
// Binaries are resolved in order: PATH (works inside nix develop and
// on NixOS), the invoking user's ~/.nix-profile/bin (single-user
// installs), then the default profile directory used by multi-user and
// Determinate installs.
package nix

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// defaultProfileBin is where multi-user and Determinate Nix installs
// place their binaries. This location is outside PATH by default in
// non-login shells, so it is checked explicitly.
const defaultProfileBin = "/nix/var/nix/profiles/default/bin"

// FindBinary resolves a Nix binary by name (e.g., "nix", "nix-store"),
// checking PATH first and then the standard installation directories.
// Returns the absolute path to the binary.
func FindBinary(name string) (string, error) {
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	for _, directory := range fallbackDirectories() {
		candidate := filepath.Join(directory, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%s not found on PATH, in ~/.nix-profile/bin, or at %s; install Nix first (nix-deploy remote install)",
		name, defaultProfileBin)
}

// fallbackDirectories lists the non-PATH locations FindBinary checks.
func fallbackDirectories() []string {
	var directories []string
	if home, err := os.UserHomeDir(); err == nil {
		directories = append(directories, filepath.Join(home, ".nix-profile", "bin"))
	}
	return append(directories, defaultProfileBin)
}

// ResolveBinary returns the absolute path FindBinary resolves for name,
// or name itself when resolution fails so the executor reports the
// missing binary when the command runs.
func ResolveBinary(name string) string {
	path, err := FindBinary(name)
	if err != nil {
		return name
	}
	return path
}

// nixStorePrefix is the standard Nix store root directory.
const nixStorePrefix = "/nix/store/"

// IsStorePath reports whether path names an entry inside /nix/store.
func IsStorePath(path string) bool {
	_, err := StoreDirectory(path)
	return err == nil
}

// StoreDirectory extracts the Nix store directory from a path within it.
// A Nix store directory is the first path component after /nix/store/:
//
//	"/nix/store/abc-home-manager-generation/activate" → "/nix/store/abc-home-manager-generation"
//	"/nix/store/abc-home-manager-generation"          → "/nix/store/abc-home-manager-generation"
//
// Returns an error for paths not under /nix/store/ or paths that are
// exactly /nix/store/ with no entry name.
func StoreDirectory(path string) (string, error) {
	if !strings.HasPrefix(path, nixStorePrefix) {
		return "", fmt.Errorf("path %q is not under /nix/store/", path)
	}

	remainder := path[len(nixStorePrefix):]
	if remainder == "" {
		return "", fmt.Errorf("path %q has no store entry name", path)
	}

	slashIndex := strings.IndexByte(remainder, '/')
	if slashIndex == -1 {
		return path, nil
	}

	return path[:len(nixStorePrefix)+slashIndex], nil
}

// CommandError is a failed nix command. Its message prefers stderr
// (which contains the actual nix error) over the generic exec error;
// Unwrap still reaches the *executor.ExitError for the exit status.
type CommandError struct {
	Command string
	Stderr  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return e.Command + ": " + e.Stderr
	}
	return e.Command + ": " + e.Err.Error()
}

func (e *CommandError) Unwrap() error { return e.Err }

func formatError(binaryName string, args []string, stderr string, err error) error {
	return &CommandError{
		Command: binaryName + " " + strings.Join(args, " "),
		Stderr:  strings.TrimSpace(stderr),
		Err:     err,
	}
}
