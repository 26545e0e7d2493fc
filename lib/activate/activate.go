// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package activate switches the Home Manager profile on the host it
// runs on to a store path named by metadata.json. It is the logic
// behind "nix-deploy remote activate" (and the staged
// activate-profile.sh), run by the operator on the remote.
//
// Every precondition is checked before anything is modified. The
// activation itself has three steps: point the home-manager profile
// at the store path (nix-env --set, a failure is only a warning
// because the activate script sets the profile too), run the store
// path's activate script (failure is fatal), and expose the
// home-manager command in ~/.local/bin.
//
// The previous generation is recorded in a [BackupRecord] so the
// operator can return to it with the commands from [Rollback].
package activate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/nix-deploy/lib/binhash"
	"github.com/bureau-foundation/nix-deploy/lib/clock"
	"github.com/bureau-foundation/nix-deploy/lib/executor"
	"github.com/bureau-foundation/nix-deploy/lib/metadata"
)

// Activator activates profiles for the current user.
type Activator struct {
	Executor executor.Executor
	Logger   *slog.Logger

	// Home is the user's home directory. Empty means os.UserHomeDir.
	Home string

	// StateDir holds backup records. Empty means
	// ~/.local/state/nix-deploy.
	StateDir string

	// ProfilePath is the home-manager profile link. Empty selects
	// ~/.local/state/nix/profiles/home-manager when that directory
	// exists, else /nix/var/nix/profiles/per-user/<user>/home-manager.
	ProfilePath string

	// StoreRoot is prepended to store paths for filesystem checks.
	// Commands always receive the real store path. Tests point it at
	// a temp directory holding a synthetic store.
	StoreRoot string

	// WSL applies the WSL accommodations: a writability warning for
	// the profile directory and a 0022 umask during activation.
	WSL bool

	// NoBackup skips the backup record regardless of the metadata
	// option.
	NoBackup bool

	// Clock timestamps backup records. Nil means the real clock.
	Clock clock.Clock
}

// Result reports a finished activation.
type Result struct {
	StorePath string
	Profile   string

	// GenerationBefore and GenerationAfter are the profile's current
	// generation numbers, 0 when the profile did not exist.
	GenerationBefore int
	GenerationAfter  int

	// Backup is the record written, nil when no backup was taken.
	Backup     *BackupRecord
	BackupPath string

	// ProfileLinked reports that the profile link resolves into the
	// store path after activation.
	ProfileLinked bool

	// HomeManagerLink is the ~/.local/bin/home-manager link, empty
	// when the generation does not ship the command.
	HomeManagerLink string

	// Packages are the command names in <store path>/home-path/bin.
	Packages []string

	// Warnings are non-fatal problems met along the way.
	Warnings []string

	// SetupShell is the metadata's setup_shell option, for the caller
	// to act on.
	SetupShell bool
}

// Activate validates metadataPath and activates the store path it
// names.
func (a *Activator) Activate(ctx context.Context, metadataPath string) (Result, error) {
	meta, err := a.validate(metadataPath)
	if err != nil {
		return Result{}, err
	}

	storePath := meta.StorePath
	profile := a.profilePath()
	result := Result{
		StorePath:  storePath,
		Profile:    profile,
		SetupShell: meta.Deployment.Options.ShouldSetupShell(),
	}
	warn := func(message string, args ...any) {
		a.Logger.Warn(message, args...)
		result.Warnings = append(result.Warnings, message)
	}

	a.verifyScripts(filepath.Dir(metadataPath), meta, warn)

	result.GenerationBefore = a.currentGeneration(ctx, profile)
	a.Logger.Info("activating profile", "store_path", storePath, "profile", profile, "generation", result.GenerationBefore)

	if meta.Deployment.Options.ShouldBackupExistingProfile() && !a.NoBackup {
		record, path, err := a.backup(profile, storePath, result.GenerationBefore)
		switch {
		case err != nil:
			warn("recording the previous generation failed; rollback will need nix-env --list-generations", "error", err)
		case record != nil:
			result.Backup, result.BackupPath = record, path
			a.Logger.Info("recorded previous generation", "generation", record.Generation, "path", path)
		}
	}

	if a.WSL {
		profileDir := filepath.Dir(profile)
		if err := unix.Access(profileDir, unix.W_OK); err != nil {
			warn("profile directory is not writable; activation may fail under WSL", "dir", profileDir, "error", err)
		}
		previous := unix.Umask(0o022)
		defer unix.Umask(previous)
	}

	if err := os.MkdirAll(filepath.Dir(profile), 0o755); err != nil {
		warn("creating profile directory", "error", err)
	}
	if _, err := a.Executor.Run(ctx, executor.Command{
		Name: "nix-env",
		Args: []string{"--profile", profile, "--set", storePath},
	}); err != nil {
		warn("nix-env --set failed; continuing with the activate script", "error", err)
	}

	activateResult, err := a.Executor.Run(ctx, executor.Command{
		Name:   filepath.Join(storePath, "activate"),
		Stream: true,
	})
	if err != nil {
		return result, &ActivationError{
			StorePath:  storePath,
			ExitStatus: executor.ExitCode(err),
			Output:     activateResult.Stdout + activateResult.Stderr,
			Err:        err,
		}
	}

	if link, err := a.linkHomeManager(storePath); err != nil {
		warn("linking home-manager into ~/.local/bin", "error", err)
	} else {
		result.HomeManagerLink = link
	}

	result.GenerationAfter = a.currentGeneration(ctx, profile)
	if result.GenerationAfter <= result.GenerationBefore {
		warn(fmt.Sprintf("profile generation did not advance (%d -> %d)", result.GenerationBefore, result.GenerationAfter),
			"profile", profile)
	}
	result.ProfileLinked = a.linkedTo(profile, storePath)
	if !result.ProfileLinked {
		warn("profile link does not resolve into the activated store path", "profile", profile)
	}
	result.Packages = a.packages(storePath)
	return result, nil
}

func (a *Activator) validate(metadataPath string) (metadata.Metadata, error) {
	meta, err := metadata.Read(metadataPath)
	if err != nil {
		return metadata.Metadata{}, &ValidationError{Check: CheckMetadata, Path: metadataPath, Err: err}
	}
	if _, err := os.Stat(a.storeFS(meta.StorePath)); err != nil {
		return metadata.Metadata{}, &ValidationError{Check: CheckStorePath, Path: meta.StorePath, Err: err}
	}
	script := filepath.Join(meta.StorePath, "activate")
	info, err := os.Stat(a.storeFS(script))
	if err != nil {
		return metadata.Metadata{}, &ValidationError{Check: CheckActivateScript, Path: script, Err: err}
	}
	if info.IsDir() || info.Mode()&0o111 == 0 {
		return metadata.Metadata{}, &ValidationError{Check: CheckActivateScript, Path: script, Err: fmt.Errorf("mode %v", info.Mode())}
	}
	return meta, nil
}

// verifyScripts compares staged files with the digests recorded at
// staging time.
func (a *Activator) verifyScripts(dir string, meta metadata.Metadata, warn func(string, ...any)) {
	for _, name := range meta.ScriptNames() {
		path := filepath.Join(dir, name)
		if err := binhash.VerifyFile(path, meta.Scripts[name]); err != nil {
			var mismatch *binhash.MismatchError
			if errors.As(err, &mismatch) {
				warn("staged file changed after staging", "file", name)
			} else if !errors.Is(err, os.ErrNotExist) {
				a.Logger.Debug("verifying staged file", "file", name, "error", err)
			}
		}
	}
}

// currentGeneration parses nix-env --list-generations. The current
// generation is the line marked "(current)", else the last line.
func (a *Activator) currentGeneration(ctx context.Context, profile string) int {
	result, err := a.Executor.Run(ctx, executor.Command{
		Name: "nix-env",
		Args: []string{"--list-generations", "--profile", profile},
	})
	if err != nil {
		return 0
	}
	return ParseGeneration(result.Stdout)
}

// ParseGeneration extracts the current generation number from
// nix-env --list-generations output.
func ParseGeneration(output string) int {
	generation := 0
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		number, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		if strings.Contains(line, "(current)") {
			return number
		}
		generation = number
	}
	return generation
}

func (a *Activator) backup(profile, storePath string, generation int) (*BackupRecord, string, error) {
	previous, err := filepath.EvalSymlinks(profile)
	if errors.Is(err, os.ErrNotExist) {
		a.Logger.Info("no existing home-manager profile, nothing to back up")
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	record := BackupRecord{
		Timestamp:    clock.OrReal(a.Clock).Now().UTC().Truncate(time.Second),
		Generation:   generation,
		PreviousPath: previous,
		StorePath:    storePath,
		Profile:      profile,
	}
	path, err := writeBackup(BackupDir(a.stateDir()), record)
	if err != nil {
		return nil, "", err
	}
	return &record, path, nil
}

// linkHomeManager points ~/.local/bin/home-manager at the generation's
// home-manager command. Returns "" when the generation has none.
func (a *Activator) linkHomeManager(storePath string) (string, error) {
	source := a.storeFS(filepath.Join(storePath, "home-path", "bin", "home-manager"))
	if _, err := os.Stat(source); err != nil {
		return "", nil
	}
	binDir := filepath.Join(a.home(), ".local", "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return "", err
	}
	link := filepath.Join(binDir, "home-manager")
	if info, err := os.Lstat(link); err == nil {
		if info.Mode()&os.ModeSymlink == 0 {
			return "", fmt.Errorf("%s exists and is not a symlink", link)
		}
		if err := os.Remove(link); err != nil {
			return "", err
		}
	}
	if err := os.Symlink(source, link); err != nil {
		return "", err
	}
	return link, nil
}

func (a *Activator) linkedTo(profile, storePath string) bool {
	resolved, err := filepath.EvalSymlinks(profile)
	if err != nil {
		return false
	}
	target := a.storeFS(storePath)
	return resolved == target || strings.HasPrefix(resolved, target+string(filepath.Separator))
}

func (a *Activator) packages(storePath string) []string {
	entries, err := os.ReadDir(a.storeFS(filepath.Join(storePath, "home-path", "bin")))
	if err != nil {
		return nil
	}
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names
}

func (a *Activator) profilePath() string {
	if a.ProfilePath != "" {
		return a.ProfilePath
	}
	return DefaultProfilePath(a.home(), currentUser())
}

// DefaultProfilePath returns the home-manager profile link Home
// Manager itself would use for home and username.
func DefaultProfilePath(home, username string) string {
	xdgProfiles := filepath.Join(home, ".local", "state", "nix", "profiles")
	if info, err := os.Stat(xdgProfiles); err == nil && info.IsDir() {
		return filepath.Join(xdgProfiles, "home-manager")
	}
	return filepath.Join("/nix/var/nix/profiles/per-user", username, "home-manager")
}

// DefaultStateDir returns ~/.local/state/nix-deploy for home.
func DefaultStateDir(home string) string {
	return filepath.Join(home, ".local", "state", "nix-deploy")
}

func (a *Activator) stateDir() string {
	if a.StateDir != "" {
		return a.StateDir
	}
	return DefaultStateDir(a.home())
}

func (a *Activator) storeFS(path string) string {
	if a.StoreRoot == "" {
		return path
	}
	return filepath.Join(a.StoreRoot, path)
}

func (a *Activator) home() string {
	if a.Home != "" {
		return a.Home
	}
	home, _ := os.UserHomeDir()
	return home
}

func currentUser() string {
	if current, err := user.Current(); err == nil {
		return current.Username
	}
	return os.Getenv("USER")
}
