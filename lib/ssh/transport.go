// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ssh drives the system ssh and scp binaries for the local side
// of a deployment. It never speaks the SSH protocol itself.
//
// A [Transport] owns one OpenSSH control master for the duration of a
// deployment run. Every later ssh, scp, and nix copy invocation reuses
// that master through the shared ControlPath, so the operator
// authenticates once. Keep-alives (ServerAliveInterval and
// ServerAliveCountMax) are the only dead-connection detection: there is
// deliberately no timeout on long transfers.
package ssh

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/bureau-foundation/nix-deploy/lib/config"
	"github.com/bureau-foundation/nix-deploy/lib/executor"
)

// Transport runs commands on, and copies files to, one remote target.
type Transport struct {
	// Target is the connection endpoint. The transport never modifies it.
	Target config.Target

	// SSH holds the global SSH defaults.
	SSH config.SSHConfig

	// Compress enables ssh compression.
	Compress bool

	// ControlPath is the control socket path. Empty means DefaultControlPath().
	ControlPath string

	// Debug adds -v to every ssh and scp invocation.
	Debug bool

	Executor executor.Executor
	Logger   *slog.Logger

	opened bool
}

// DefaultControlPath returns a control socket template in the system
// temp directory. OpenSSH expands %C to a hash of the connection
// parameters, which keeps the path under the 108-byte sun_path limit
// regardless of host name length.
func DefaultControlPath() string {
	return filepath.Join(os.TempDir(), "nix-deploy-%C")
}

func (t *Transport) controlPath() string {
	if t.ControlPath != "" {
		return t.ControlPath
	}
	return DefaultControlPath()
}

// Address returns the user@host destination.
func (t *Transport) Address() string {
	return t.Target.Address()
}

// Options returns the -o options shared by ssh, scp, and nix copy:
// connection parameters, keep-alives, custom options, and connection
// sharing. Port is included only when includePort is set, because the
// store URI carries it for nix copy.
func (t *Transport) Options(includePort bool) []string {
	var options []string
	add := func(key, value string) {
		options = append(options, "-o", key+"="+value)
	}

	if includePort && t.Target.EffectivePort() != config.DefaultSSHPort {
		add("Port", strconv.Itoa(t.Target.EffectivePort()))
	}
	if t.Target.IdentityFile != "" {
		add("IdentityFile", t.Target.IdentityFile)
		add("IdentitiesOnly", "yes")
	}
	if t.Target.ProxyJump != "" {
		add("ProxyJump", t.Target.ProxyJump)
	}
	add("ServerAliveInterval", seconds(t.SSH.ServerAliveInterval, 30*time.Second))
	add("ServerAliveCountMax", strconv.Itoa(max(t.SSH.ServerAliveCountMax, 1)))
	add("ConnectTimeout", seconds(t.SSH.ConnectTimeout, 15*time.Second))
	if t.Compress {
		add("Compression", "yes")
	}
	for _, option := range append(append([]string{}, t.SSH.Options...), t.Target.SSHOptions...) {
		options = append(options, "-o", option)
	}
	add("ControlMaster", "auto")
	add("ControlPath", t.controlPath())
	add("ControlPersist", seconds(t.SSH.ControlPersist, 10*time.Minute))
	return options
}

// NixSSHOpts returns the value for the NIX_SSHOPTS environment variable
// so that nix copy's own ssh invocation joins the shared connection.
func (t *Transport) NixSSHOpts() string {
	return shellquote.Join(t.Options(false)...)
}

// StoreURI returns the nix copy destination for target. The plain
// ssh:// form cannot carry a port, so any non-default port selects the
// daemon-protocol ssh-ng:// scheme with the port embedded.
func StoreURI(target config.Target) string {
	port := target.EffectivePort()
	if port == config.DefaultSSHPort {
		return "ssh://" + target.Address()
	}
	return fmt.Sprintf("ssh-ng://%s:%d", target.Address(), port)
}

func (t *Transport) sshArgs(extra ...string) []string {
	var args []string
	if t.Debug {
		args = append(args, "-v")
	}
	args = append(args, t.Options(true)...)
	return append(args, extra...)
}

// Open starts the control master. It authenticates once and returns
// when the master is running in the background.
func (t *Transport) Open(ctx context.Context) error {
	args := t.sshArgs("-M", "-N", "-f", t.Address())
	t.Logger.Debug("opening ssh control master", "address", t.Address(), "control_path", t.controlPath())

	result, err := t.Executor.Run(ctx, executor.Command{Name: "ssh", Args: args})
	if err != nil {
		return &ConnectError{Address: t.Address(), ExitCode: executor.ExitCode(err), Stderr: result.Stderr, Err: err}
	}
	t.opened = true
	return nil
}

// Close stops the control master. Safe to call when Open failed or was
// never called.
func (t *Transport) Close(ctx context.Context) {
	if !t.opened {
		return
	}
	t.opened = false
	args := t.sshArgs("-O", "exit", t.Address())
	if _, err := t.Executor.Run(ctx, executor.Command{Name: "ssh", Args: args}); err != nil {
		t.Logger.Debug("closing ssh control master", "error", err)
	}
}

// Run executes a remote command. The words are quoted for the remote
// shell, so callers pass arguments, not a pre-built command string.
func (t *Transport) Run(ctx context.Context, words ...string) (executor.Result, error) {
	return t.RunInput(ctx, nil, words...)
}

// RunInput is Run with stdin connected to input.
func (t *Transport) RunInput(ctx context.Context, input io.Reader, words ...string) (executor.Result, error) {
	remote := shellquote.Join(words...)
	args := t.sshArgs(t.Address(), "--", remote)
	return t.Executor.Run(ctx, executor.Command{Name: "ssh", Args: args, Stdin: input})
}

// Upload copies local files into remoteDir (created if missing),
// preserving their modes.
func (t *Transport) Upload(ctx context.Context, remoteDir string, localPaths ...string) error {
	if len(localPaths) == 0 {
		return nil
	}

	if result, err := t.Run(ctx, "mkdir", "-p", remoteDir); err != nil {
		return fmt.Errorf("creating remote directory %s: %s", remoteDir, stderrOr(result, err))
	}

	var args []string
	if t.Debug {
		args = append(args, "-v")
	}
	args = append(args, "-p", "-q")
	args = append(args, t.Options(true)...)
	args = append(args, localPaths...)
	args = append(args, t.Address()+":"+strings.TrimSuffix(remoteDir, "/")+"/")

	result, err := t.Executor.Run(ctx, executor.Command{Name: "scp", Args: args})
	if err != nil {
		return fmt.Errorf("uploading to %s:%s: %s", t.Address(), remoteDir, stderrOr(result, err))
	}
	return nil
}

// ConnectError reports a failure to establish the control master.
type ConnectError struct {
	Address  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connecting to %s: %s", e.Address, stderrOr(executor.Result{Stderr: e.Stderr}, e.Err))
}

func (e *ConnectError) Unwrap() error { return e.Err }

// seconds converts a configured duration string to whole seconds for
// ssh, falling back when the value is empty or malformed.
func seconds(value string, fallback time.Duration) string {
	duration, err := time.ParseDuration(value)
	if err != nil || duration <= 0 {
		duration = fallback
	}
	return strconv.Itoa(int(duration.Round(time.Second) / time.Second))
}

func stderrOr(result executor.Result, err error) string {
	if text := strings.TrimSpace(result.Stderr); text != "" {
		return text
	}
	if err != nil {
		return err.Error()
	}
	return "unknown error"
}
