// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package shellsetup wires the Nix profile and Home Manager session
// variables into the user's shell startup files, so a new login shell
// finds the activated profile. It backs "nix-deploy remote
// setup-shell".
//
// The block appended to each rc file is guarded by a marker line and
// is never appended twice. Rc files that resolve into the Nix store
// belong to Home Manager and are left alone.
package shellsetup

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Marker opens the nix-deploy block in a shell rc file.
const Marker = "# nix-deploy: shell integration"

// Block is appended to each rc file. Each source is guarded so the
// block stays harmless if Nix or Home Manager is later removed.
const Block = Marker + `
if [ -e "$HOME/.nix-profile/etc/profile.d/nix.sh" ]; then
  . "$HOME/.nix-profile/etc/profile.d/nix.sh"
elif [ -e /nix/var/nix/profiles/default/etc/profile.d/nix-daemon.sh ]; then
  . /nix/var/nix/profiles/default/etc/profile.d/nix-daemon.sh
fi
if [ -e "$HOME/.nix-profile/etc/profile.d/hm-session-vars.sh" ]; then
  . "$HOME/.nix-profile/etc/profile.d/hm-session-vars.sh"
fi
case ":$PATH:" in
  *":$HOME/.local/bin:"*) ;;
  *) PATH="$HOME/.local/bin:$PATH" ;;
esac
# nix-deploy: end
`

// candidates are the rc files updated when they exist.
var candidates = []string{".bashrc", ".zshrc"}

// fallback is created when no candidate exists.
const fallback = ".profile"

// StoreDir is where Home Manager's generated rc files live.
const StoreDir = "/nix/store"

// FileResult reports one rc file.
type FileResult struct {
	Path     string `json:"path"`
	Appended bool   `json:"appended"`

	// Managed is set when the file is a link into the Nix store. It is
	// read-only and regenerated on every activation, so it is skipped.
	Managed bool `json:"managed,omitempty"`
}

// Setup appends Block to the rc files under home. Existing .bashrc and
// .zshrc are updated; when neither exists, .profile is used (created
// if needed).
func Setup(home string, logger *slog.Logger) ([]FileResult, error) {
	return setup(home, StoreDir, logger)
}

func setup(home, storeDir string, logger *slog.Logger) ([]FileResult, error) {
	var targets []string
	for _, name := range candidates {
		path := filepath.Join(home, name)
		if _, err := os.Stat(path); err == nil {
			targets = append(targets, path)
		}
	}
	if len(targets) == 0 {
		targets = []string{filepath.Join(home, fallback)}
	}

	var results []FileResult
	for _, path := range targets {
		managed, err := inStore(path, storeDir)
		if err != nil {
			return results, fmt.Errorf("resolving %s: %w", path, err)
		}
		if managed {
			logger.Info("skipping rc file managed by Home Manager", "file", path)
			results = append(results, FileResult{Path: path, Managed: true})
			continue
		}
		appended, err := ensureBlock(path)
		if err != nil {
			return results, fmt.Errorf("updating %s: %w", path, err)
		}
		if appended {
			logger.Info("added shell integration", "file", path)
		} else {
			logger.Info("shell integration already present", "file", path)
		}
		results = append(results, FileResult{Path: path, Appended: appended})
	}
	return results, nil
}

// inStore reports whether path resolves to a file under storeDir. A
// path that does not exist yet is not in the store.
func inStore(path, storeDir string) (bool, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if realStore, err := filepath.EvalSymlinks(storeDir); err == nil {
		storeDir = realStore
	}
	relative, err := filepath.Rel(storeDir, resolved)
	if err != nil || relative == "." || relative == ".." ||
		strings.HasPrefix(relative, ".."+string(filepath.Separator)) {
		return false, nil
	}
	return true, nil
}

func ensureBlock(path string) (bool, error) {
	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	if strings.Contains(string(existing), Marker) {
		return false, nil
	}

	content := Block
	if len(existing) > 0 {
		content = "\n" + content
		if !strings.HasSuffix(string(existing), "\n") {
			content = "\n" + content
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return false, err
	}
	if _, err := file.WriteString(content); err != nil {
		file.Close()
		return false, err
	}
	return true, file.Close()
}
