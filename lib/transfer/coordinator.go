// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transfer moves a built profile closure to the remote and
// stages the files for the operator-run phases.
//
// The [Coordinator] asks the remote which closure paths it lacks,
// copies only when something is missing (nix copy over the shared SSH
// control connection), and then uploads the staging bundle. Metadata
// is staged only after the copy succeeded, so a metadata.json on the
// remote always names a store path that arrived.
//
// When the remote has no Nix, the closure cannot be received. The
// coordinator then stages a bootstrap bundle (installer scripts, no
// metadata) and reports it in [Result.Bootstrap].
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/bureau-foundation/nix-deploy/lib/clock"
	"github.com/bureau-foundation/nix-deploy/lib/config"
	"github.com/bureau-foundation/nix-deploy/lib/executor"
	"github.com/bureau-foundation/nix-deploy/lib/metadata"
	"github.com/bureau-foundation/nix-deploy/lib/nix"
	"github.com/bureau-foundation/nix-deploy/lib/probe"
	"github.com/bureau-foundation/nix-deploy/lib/ssh"
	"github.com/bureau-foundation/nix-deploy/lib/staging"
)

// remotePath prefixes the remote PATH with the Nix profile bin
// directories. A non-interactive SSH command does not source the
// profile hook, so a single-user install is otherwise invisible.
const remotePath = `PATH="$HOME/.nix-profile/bin:/nix/var/nix/profiles/default/bin:$PATH"; export PATH; `

// Request is one transfer.
type Request struct {
	// Target names the destination; Profile is what to copy.
	Target  config.Target
	Profile nix.Profile

	// ProfileName is the Home Manager profile name recorded in the
	// metadata.
	ProfileName string

	// Report is the phase 1 probe of the remote.
	Report probe.Report

	// StagingDir is the remote staging directory; LocalDir the local
	// directory the bundle is assembled in.
	StagingDir string
	LocalDir   string

	// OfflineInstaller and Binary are local files to stage, or empty.
	OfflineInstaller string
	Binary           string

	// Closure is the profile's closure when the caller already
	// computed it. Nil means Run computes it.
	Closure []string

	// SubstituteOnDestination lets the remote fetch paths from its own
	// substituters instead of receiving them over SSH.
	SubstituteOnDestination bool
}

// Result describes a finished transfer.
type Result struct {
	// Closure is the full closure; Missing the subset the remote
	// lacked before the copy.
	Closure []string
	Missing []string

	// Copied is the number of paths sent. Zero when the remote
	// already had the whole closure.
	Copied int

	// Bootstrap is set when only the installer bundle was staged
	// because the remote has no Nix.
	Bootstrap bool

	Manifest staging.Manifest

	// Metadata is what was staged as metadata.json, nil for a
	// bootstrap bundle.
	Metadata *metadata.Metadata
}

// CopyError is a failed nix copy with its diagnosis.
type CopyError struct {
	ExitCode       int
	Stderr         string
	Classification Classification
	Err            error
}

func (e *CopyError) Error() string {
	return fmt.Sprintf("nix copy failed (%s): %s", e.Classification.Kind, firstLine(e.Stderr, e.Err))
}

func (e *CopyError) Unwrap() error { return e.Err }

// Coordinator runs transfers over an open Transport.
type Coordinator struct {
	Transport *ssh.Transport
	Builder   *nix.Builder

	// Executor runs the local nix copy.
	Executor executor.Executor

	// NixBinary is the local nix. Empty means "nix".
	NixBinary string

	// Options are the deployment options recorded in the metadata.
	Options config.DeploymentOptions

	// Clock stamps the metadata. Nil means the real clock.
	Clock clock.Clock

	Logger *slog.Logger
}

// Run copies the closure if needed, then stages the bundle.
func (c *Coordinator) Run(ctx context.Context, request Request) (Result, error) {
	if !request.Report.NixInstalled() {
		return c.stageBootstrap(ctx, request)
	}
	if request.Profile.StorePath == "" {
		return Result{}, errors.New("transfer requires a built store path")
	}

	closure := request.Closure
	if closure == nil {
		var err error
		closure, err = c.Builder.Closure(ctx, request.Profile.StorePath)
		if err != nil {
			return Result{}, fmt.Errorf("computing closure: %w", err)
		}
	}
	result := Result{Closure: closure}

	missing, err := c.Missing(ctx, closure)
	if err != nil {
		var exitError *executor.ExitError
		if errors.As(err, &exitError) {
			stderr, code := exitError.Result.Stderr, exitError.Result.ExitCode
			return result, &CopyError{
				ExitCode:       code,
				Stderr:         stderr,
				Classification: Classify(stderr, code, request.Report, request.Profile.ClosureSize),
				Err:            err,
			}
		}
		return result, err
	}
	result.Missing = missing

	if len(missing) == 0 {
		c.Logger.Info("remote already has the closure, skipping copy", "paths", len(closure))
	} else {
		c.Logger.Info("copying closure", "missing", len(missing), "total", len(closure), "size", request.Profile.HumanSize())
		if err := c.Copy(ctx, request); err != nil {
			return result, err
		}
		result.Copied = len(missing)
	}

	meta := metadata.New(c.Clock, request.Profile.StorePath, request.ProfileName, request.Target.Name, c.Options)
	meta.ClosureSize = request.Profile.ClosureSize
	result.Metadata = &meta

	manifest, err := c.stage(ctx, request, &meta)
	result.Manifest = manifest
	return result, err
}

// Missing returns the closure paths that are not valid in the remote
// store. Paths are sent on stdin to stay clear of command line limits.
func (c *Coordinator) Missing(ctx context.Context, closure []string) ([]string, error) {
	if len(closure) == 0 {
		return nil, nil
	}
	script := remotePath + "exec xargs nix-store --check-validity --print-invalid"
	input := strings.NewReader(strings.Join(closure, "\n") + "\n")
	result, err := c.Transport.RunInput(ctx, input, "sh", "-c", script)
	if err != nil {
		return nil, fmt.Errorf("checking remote store validity: %w", err)
	}

	var missing []string
	for _, line := range strings.Split(result.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			missing = append(missing, line)
		}
	}
	return missing, nil
}

// CopyCommand returns the nix copy invocation for request. Exposed so
// a dry run can print exactly what would run.
func (c *Coordinator) CopyCommand(request Request) executor.Command {
	args := []string{"copy", "--to", ssh.StoreURI(request.Target)}
	if request.SubstituteOnDestination {
		args = append(args, "--substitute-on-destination")
	}
	// Remote nix.conf sets require-sigs = false for locally built paths;
	// the local side skips its own signature check to match.
	args = append(args, "--no-check-sigs", request.Profile.StorePath)

	binary := c.NixBinary
	if binary == "" {
		binary = "nix"
	}
	return executor.Command{
		Name:   binary,
		Args:   args,
		Env:    []string{"NIX_SSHOPTS=" + c.Transport.NixSSHOpts()},
		Stream: true,
	}
}

// Copy runs nix copy. There is no timeout; SSH keep-alives detect a
// dead peer.
func (c *Coordinator) Copy(ctx context.Context, request Request) error {
	command := c.CopyCommand(request)
	c.Logger.Debug("running nix copy", "command", command.String())
	result, err := c.Executor.Run(ctx, command)
	if err == nil {
		return nil
	}
	exitCode := executor.ExitCode(err)
	return &CopyError{
		ExitCode:       exitCode,
		Stderr:         result.Stderr,
		Classification: Classify(result.Stderr, exitCode, request.Report, request.Profile.ClosureSize),
		Err:            err,
	}
}

// RemoteMetadata reads metadata.json from the remote staging
// directory. Returns nil without error when the file does not exist.
func (c *Coordinator) RemoteMetadata(ctx context.Context, stagingDir string) (*metadata.Metadata, error) {
	remoteFile := path.Join(stagingDir, metadata.FileName)
	result, err := c.Transport.Run(ctx, "sh", "-c", `if [ -f "$1" ]; then cat "$1"; fi`, "sh", remoteFile)
	if err != nil {
		return nil, fmt.Errorf("reading remote %s: %w", remoteFile, err)
	}
	if strings.TrimSpace(result.Stdout) == "" {
		return nil, nil
	}
	meta, err := metadata.Parse([]byte(result.Stdout))
	if err != nil {
		return nil, fmt.Errorf("remote %s: %w", remoteFile, err)
	}
	return &meta, nil
}

func (c *Coordinator) stageBootstrap(ctx context.Context, request Request) (Result, error) {
	c.Logger.Warn("remote has no Nix; staging the installer only", "target", request.Target.Name)
	manifest, err := c.stage(ctx, request, nil)
	return Result{Bootstrap: true, Manifest: manifest}, err
}

func (c *Coordinator) stage(ctx context.Context, request Request, meta *metadata.Metadata) (staging.Manifest, error) {
	bundle := staging.Bundle{
		Target:               request.Target.Name,
		Address:              request.Target.Address(),
		StagingDir:           request.StagingDir,
		Metadata:             meta,
		OfflineInstallerPath: request.OfflineInstaller,
		BinaryPath:           request.Binary,
		SetupShell:           c.Options.ShouldSetupShell(),
	}
	if request.Profile.ClosureSize > 0 {
		bundle.ClosureSize = request.Profile.HumanSize()
	}

	manifest, err := staging.Prepare(request.LocalDir, bundle)
	if err != nil {
		return staging.Manifest{}, err
	}
	c.Logger.Info("uploading staging bundle", "files", len(manifest.Files), "remote_dir", request.StagingDir)
	if err := c.Transport.Upload(ctx, request.StagingDir, manifest.Files...); err != nil {
		return manifest, err
	}
	return manifest, nil
}

func firstLine(stderr string, err error) string {
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "error:") || (line != "" && !strings.HasPrefix(line, "warning:")) {
			return line
		}
	}
	if err != nil {
		return err.Error()
	}
	return "unknown error"
}
