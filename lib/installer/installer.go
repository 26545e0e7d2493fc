// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package installer makes Nix available on the host it runs on. It is
// the logic behind "nix-deploy remote install" (and the staged
// install-nix.sh), run by the operator on the remote.
//
// Installation is a small state machine:
//
//	NOT_INSTALLED → TRYING_ONLINE → ONLINE_OK ───────┐
//	                      │                           ├→ CONFIGURING → VERIFIED
//	                      └→ TRYING_OFFLINE → OFFLINE_OK
//	                               └→ FAILED
//
// A host whose nix already responds enters at VERIFIED and no install
// branch runs. The online installer is tried exactly once, the offline
// installer (staged as install-nix-offline.sh) exactly once after it,
// and nothing is retried. Configuration appends a marker-guarded block
// to nix.conf, so running the installer twice leaves one block.
package installer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/bureau-foundation/nix-deploy/lib/executor"
	"github.com/bureau-foundation/nix-deploy/lib/failure"
	"github.com/bureau-foundation/nix-deploy/lib/nix"
)

// State is a position in the installation state machine.
type State string

const (
	StateNotInstalled  State = "NOT_INSTALLED"
	StateTryingOnline  State = "TRYING_ONLINE"
	StateOnlineOK      State = "ONLINE_OK"
	StateTryingOffline State = "TRYING_OFFLINE"
	StateOfflineOK     State = "OFFLINE_OK"
	StateFailed        State = "FAILED"
	StateConfiguring   State = "CONFIGURING"
	StateVerified      State = "VERIFIED"
)

// DefaultInstallerURL is the upstream Nix install script.
const DefaultInstallerURL = "https://nixos.org/nix/install"

// OfflineInstallerName is the staged offline installer's file name.
const OfflineInstallerName = "install-nix-offline.sh"

// ConfigMarker opens the nix-deploy block in nix.conf.
const ConfigMarker = "# nix-deploy: offline deployment settings"

// ConfigBlock is appended to nix.conf. Locally built paths arrive
// unsigned, hence require-sigs = false; WSL1 cannot run the build
// sandbox.
const ConfigBlock = ConfigMarker + `
experimental-features = nix-command flakes
require-sigs = false
sandbox = false
`

// Options configures an installation.
type Options struct {
	// WorkDir holds the staged files, including the offline
	// installer when one was staged.
	WorkDir string

	// InstallerURL overrides DefaultInstallerURL.
	InstallerURL string

	// WSL enables the /nix pre-creation step.
	WSL bool
}

// Result reports what the installer did.
type Result struct {
	// Final is VERIFIED on success, FAILED otherwise.
	Final State `json:"final"`

	// Transitions lists every state entered, in order.
	Transitions []State `json:"transitions"`

	// Method is "existing", "online", or "offline".
	Method string `json:"method"`

	// ConfigPath is the nix.conf written (or found already
	// configured).
	ConfigPath string `json:"config_path"`

	// ConfigAppended is false when the marker was already present.
	ConfigAppended bool `json:"config_appended"`

	// Version is the output of nix --version after installation.
	Version string `json:"version"`
}

// RuntimeMissingError reports that every install branch failed.
type RuntimeMissingError struct {
	Online  error
	Offline error
}

func (e *RuntimeMissingError) Error() string {
	if e.Offline == nil {
		return fmt.Sprintf("installing nix: online installer failed (%v) and no %s was staged", e.Online, OfflineInstallerName)
	}
	return fmt.Sprintf("installing nix: online installer failed (%v); offline installer failed (%v)", e.Online, e.Offline)
}

// Kind classifies the error for the deployment's failure taxonomy.
func (e *RuntimeMissingError) Kind() failure.Kind { return failure.RuntimeMissing }

// Installer runs the state machine on the local host.
type Installer struct {
	Executor executor.Executor
	Logger   *slog.Logger

	// Home is the user's home directory. Empty means os.UserHomeDir.
	Home string

	// User is the login name used for chown. Empty means the current
	// user.
	User string

	// Root is prepended to /nix and /etc/nix. Tests point it at a
	// temp directory.
	Root string

	// LookPath finds nix. Nil means nix.FindBinary.
	LookPath func(string) (string, error)
}

// Install brings the host to VERIFIED or returns the FAILED result
// with a *RuntimeMissingError.
func (i *Installer) Install(ctx context.Context, options Options) (Result, error) {
	result := Result{}
	enter := func(state State) {
		result.Transitions = append(result.Transitions, state)
		result.Final = state
		i.Logger.Info("installer state", "state", state)
	}

	if version, ok := i.responsiveNix(ctx); ok {
		enter(StateVerified)
		result.Method = "existing"
		result.Version = version
		return result, nil
	}
	enter(StateNotInstalled)

	if options.WSL {
		if err := i.prepareWSL(ctx); err != nil {
			i.Logger.Warn("preparing /nix for WSL", "error", err)
		}
	}

	enter(StateTryingOnline)
	onlineErr := i.installOnline(ctx, options.InstallerURL)
	if onlineErr == nil {
		enter(StateOnlineOK)
		result.Method = "online"
	} else {
		i.Logger.Warn("online installer failed", "error", onlineErr)
		enter(StateTryingOffline)

		offline := filepath.Join(options.WorkDir, OfflineInstallerName)
		if _, err := os.Stat(offline); err != nil {
			enter(StateFailed)
			return result, &RuntimeMissingError{Online: onlineErr}
		}
		if err := i.installOffline(ctx, offline); err != nil {
			enter(StateFailed)
			return result, &RuntimeMissingError{Online: onlineErr, Offline: err}
		}
		enter(StateOfflineOK)
		result.Method = "offline"
	}

	enter(StateConfiguring)
	configPath, appended, err := i.Configure(ctx)
	if err != nil {
		enter(StateFailed)
		return result, fmt.Errorf("configuring nix: %w", err)
	}
	result.ConfigPath, result.ConfigAppended = configPath, appended

	version, err := i.verify(ctx)
	if err != nil {
		enter(StateFailed)
		return result, &RuntimeMissingError{Online: onlineErr, Offline: fmt.Errorf("nix installed but does not respond: %w", err)}
	}
	result.Version = version
	enter(StateVerified)
	return result, nil
}

// Configure appends ConfigBlock to the appropriate nix.conf unless the
// marker is already present. A multi-user install (/etc/nix exists)
// gets the system file, through sudo when it is not writable; a
// single-user install gets ~/.config/nix/nix.conf.
func (i *Installer) Configure(ctx context.Context) (path string, appended bool, err error) {
	systemDir := i.path("/etc/nix")
	if isDir(systemDir) {
		path = filepath.Join(systemDir, "nix.conf")
	} else {
		path = filepath.Join(i.home(), ".config", "nix", "nix.conf")
	}

	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return path, false, err
	}
	if strings.Contains(string(existing), ConfigMarker) {
		i.Logger.Info("nix.conf already configured", "path", path)
		return path, false, nil
	}

	block := ConfigBlock
	if len(existing) > 0 {
		block = "\n" + block
		if !strings.HasSuffix(string(existing), "\n") {
			block = "\n" + block
		}
	}

	if err := appendFile(path, block); err == nil {
		return path, true, nil
	} else if !errors.Is(err, os.ErrPermission) {
		return path, false, err
	}

	i.Logger.Info("nix.conf is not writable, appending with sudo", "path", path)
	_, err = i.Executor.Run(ctx, executor.Command{
		Name:  "sudo",
		Args:  []string{"tee", "-a", path},
		Stdin: strings.NewReader(block),
	})
	if err != nil {
		return path, false, fmt.Errorf("appending to %s with sudo: %w", path, err)
	}
	return path, true, nil
}

func (i *Installer) installOnline(ctx context.Context, url string) error {
	if url == "" {
		url = DefaultInstallerURL
	}
	script := "curl --proto '=https' --tlsv1.2 -sSfL " + shellquote.Join(url) + " | sh -s -- --no-daemon --yes"
	_, err := i.Executor.Run(ctx, executor.Command{Name: "sh", Args: []string{"-c", script}, Stream: true})
	return err
}

func (i *Installer) installOffline(ctx context.Context, path string) error {
	_, err := i.Executor.Run(ctx, executor.Command{Name: "sh", Args: []string{path, "--no-daemon", "--yes"}, Stream: true})
	return err
}

func (i *Installer) prepareWSL(ctx context.Context) error {
	nixDir := i.path("/nix")
	if _, err := os.Stat(nixDir); err == nil {
		return nil
	}
	if _, err := i.Executor.Run(ctx, executor.Command{Name: "sudo", Args: []string{"mkdir", "-m", "0755", nixDir}}); err != nil {
		return err
	}
	_, err := i.Executor.Run(ctx, executor.Command{Name: "sudo", Args: []string{"chown", i.user(), nixDir}})
	return err
}

// responsiveNix reports whether a nix binary exists and answers
// --version.
func (i *Installer) responsiveNix(ctx context.Context) (string, bool) {
	path, err := i.lookPath("nix")
	if err != nil {
		return "", false
	}
	result, err := i.Executor.Run(ctx, executor.Command{Name: path, Args: []string{"--version"}})
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(result.Stdout), true
}

// verify sources the profile hook a fresh install created and asks
// nix for its version, which is what the operator's next login shell
// will see.
func (i *Installer) verify(ctx context.Context) (string, error) {
	hook := ProfileHook(i.home(), i.Root)
	result, err := i.Executor.Run(ctx, executor.Command{
		Name: "sh",
		Args: []string{"-c", ". " + shellquote.Join(hook) + " && nix --version"},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Stdout), nil
}

// ProfileHook returns the shell script that puts nix on PATH: the
// single-user hook when it exists, else the multi-user daemon hook.
func ProfileHook(home, root string) string {
	single := filepath.Join(home, ".nix-profile", "etc", "profile.d", "nix.sh")
	if _, err := os.Stat(single); err == nil {
		return single
	}
	return filepath.Join(root, "/nix/var/nix/profiles/default/etc/profile.d/nix-daemon.sh")
}

func (i *Installer) lookPath(name string) (string, error) {
	if i.LookPath != nil {
		return i.LookPath(name)
	}
	return nix.FindBinary(name)
}

func (i *Installer) home() string {
	if i.Home != "" {
		return i.Home
	}
	home, _ := os.UserHomeDir()
	return home
}

func (i *Installer) user() string {
	if i.User != "" {
		return i.User
	}
	if current, err := user.Current(); err == nil {
		return current.Username
	}
	return os.Getenv("USER")
}

func (i *Installer) path(absolute string) string {
	if i.Root == "" {
		return absolute
	}
	return filepath.Join(i.Root, absolute)
}

func appendFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := file.WriteString(content); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
