// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/bureau-foundation/nix-deploy/cmd/nix-deploy/cli"
	"github.com/bureau-foundation/nix-deploy/lib/activate"
	"github.com/bureau-foundation/nix-deploy/lib/installer"
	"github.com/bureau-foundation/nix-deploy/lib/metadata"
	"github.com/bureau-foundation/nix-deploy/lib/probe"
	"github.com/bureau-foundation/nix-deploy/lib/shellsetup"
)

func remoteCommand(env *Environment) *cli.Command {
	return &cli.Command{
		Name:    "remote",
		Summary: "Commands run on the deployment host by the staged scripts",
		Description: `Commands run on the deployment host.

The staged install-nix.sh, activate-profile.sh and setup-shell.sh
wrappers exec these with --workdir set to the staging directory. They
can also be run directly.`,
		Subcommands: []*cli.Command{
			remoteProbeCommand(env),
			remoteInstallCommand(env),
			remoteActivateCommand(env),
			remoteSetupShellCommand(env),
			remoteRollbackCommand(env),
		},
	}
}

func (e *Environment) prober(logger *slog.Logger) *probe.Prober {
	return &probe.Prober{Executor: e.Executor, LookPath: e.LookPath, Logger: logger}
}

// workDirParams binds --workdir, the staging directory on this host.
type workDirParams struct {
	WorkDir string `json:"workdir" flag:"workdir" desc:"staging directory holding the deployment files" default:"/tmp/nix-deploy"`
}

type remoteProbeParams struct {
	cli.JSONOutput
	cli.Verbosity
}

func remoteProbeCommand(env *Environment) *cli.Command {
	var params remoteProbeParams
	return &cli.Command{
		Name:    "probe",
		Summary: "Report this host's platform, Nix state, and resources",
		Params:  func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			report := env.prober(logger).Probe(ctx)
			if done, err := params.EmitJSON(env.Stdout, report); done {
				return err
			}
			for _, line := range report.Summary() {
				fmt.Fprintln(env.Stdout, line)
			}
			return nil
		},
	}
}

type remoteInstallParams struct {
	cli.JSONOutput
	cli.Verbosity
	workDirParams
	InstallerURL string `json:"installer_url" flag:"installer-url" desc:"online installer URL" default:"https://nixos.org/nix/install"`
}

func remoteInstallCommand(env *Environment) *cli.Command {
	var params remoteInstallParams
	return &cli.Command{
		Name:    "install",
		Summary: "Install Nix, online first, then from the staged offline installer",
		Description: `Install Nix for the current user and configure it for receiving
locally built closures.

The online installer runs first. When it fails, the staged
install-nix-offline.sh runs instead. Nothing is installed when nix
already responds; the configuration step is idempotent.`,
		Params: func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			home, err := env.home()
			if err != nil {
				return cli.Internal("resolving home directory: %w", err)
			}
			report := env.prober(logger).Probe(ctx)
			install := &installer.Installer{Executor: env.runner(params.OutputJSON), Logger: logger, Home: home, LookPath: env.LookPath}
			result, installErr := install.Install(ctx, installer.Options{
				WorkDir:      params.WorkDir,
				InstallerURL: params.InstallerURL,
				WSL:          report.IsWSL(),
			})

			if params.OutputJSON {
				if err := cli.WriteJSON(env.Stdout, result); err != nil {
					return err
				}
			} else {
				printInstall(env, result)
			}

			var missing *installer.RuntimeMissingError
			if errors.As(installErr, &missing) {
				return cli.NotFound("%w", installErr).WithHint(
					"Set offline_installer in the target configuration, re-run the deployment, then run " +
						filepath.Join(params.WorkDir, "install-nix.sh") + " again.")
			}
			if installErr != nil {
				return cli.Internal("%w", installErr)
			}
			return nil
		},
	}
}

func printInstall(env *Environment, result installer.Result) {
	styles := env.styles()
	states := make([]string, len(result.Transitions))
	for i, state := range result.Transitions {
		states[i] = string(state)
	}
	fmt.Fprintln(env.Stdout, styles.Faint(strings.Join(states, " -> ")))
	if result.Final != installer.StateVerified {
		return
	}
	fmt.Fprintf(env.Stdout, "%s  %s (%s)\n", styles.Badge("ok"), result.Version, result.Method)
	switch {
	case result.ConfigAppended:
		fmt.Fprintf(env.Stdout, "Configured %s.\n", result.ConfigPath)
	case result.ConfigPath != "":
		fmt.Fprintf(env.Stdout, "%s already configured.\n", result.ConfigPath)
	}
	if result.Method != "existing" {
		fmt.Fprintln(env.Stdout, "Open a new shell (or source the Nix profile) before activating.")
	}
}

type remoteActivateParams struct {
	cli.JSONOutput
	cli.Verbosity
	workDirParams
	Metadata string `json:"metadata"  flag:"metadata"  desc:"metadata.json to activate (default: <workdir>/metadata.json)"`
	NoBackup bool   `json:"no_backup" flag:"no-backup" desc:"skip the backup record of the current generation"`
}

// activateOutput is the --json form of an activation.
type activateOutput struct {
	StorePath        string                  `json:"store_path"`
	Profile          string                  `json:"profile"`
	GenerationBefore int                     `json:"generation_before"`
	GenerationAfter  int                     `json:"generation_after"`
	ProfileLinked    bool                    `json:"profile_linked"`
	BackupPath       string                  `json:"backup_path,omitempty"`
	HomeManagerLink  string                  `json:"home_manager_link,omitempty"`
	Packages         []string                `json:"packages"`
	Warnings         []string                `json:"warnings,omitempty"`
	ShellFiles       []shellsetup.FileResult `json:"shell_files,omitempty"`
}

func remoteActivateCommand(env *Environment) *cli.Command {
	var params remoteActivateParams
	return &cli.Command{
		Name:    "activate",
		Summary: "Activate the staged Home Manager generation",
		Description: `Validate metadata.json and activate the store path it names for
the current user.

Validation happens before any change: the metadata must parse and
name a store path, the path must exist, and its activate script must
be executable. The current generation is recorded first so
'nix-deploy remote rollback' can print how to return to it.`,
		Params: func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			home, err := env.home()
			if err != nil {
				return cli.Internal("resolving home directory: %w", err)
			}
			metadataPath := params.Metadata
			if metadataPath == "" {
				metadataPath = filepath.Join(params.WorkDir, metadata.FileName)
			}

			report := env.prober(logger).Probe(ctx)
			activator := &activate.Activator{
				Executor:  env.runner(params.OutputJSON),
				Logger:    logger,
				Home:      home,
				StoreRoot: env.StoreRoot,
				WSL:       report.IsWSL(),
				NoBackup:  params.NoBackup,
			}
			result, err := activator.Activate(ctx, metadataPath)
			if err != nil {
				return activationError(err)
			}

			output := activateOutput{
				StorePath:        result.StorePath,
				Profile:          result.Profile,
				GenerationBefore: result.GenerationBefore,
				GenerationAfter:  result.GenerationAfter,
				ProfileLinked:    result.ProfileLinked,
				BackupPath:       result.BackupPath,
				HomeManagerLink:  result.HomeManagerLink,
				Packages:         result.Packages,
				Warnings:         result.Warnings,
			}
			if result.SetupShell {
				files, err := shellsetup.Setup(home, logger)
				if err != nil {
					output.Warnings = append(output.Warnings, "shell setup: "+err.Error())
				}
				output.ShellFiles = files
			}

			if done, err := params.EmitJSON(env.Stdout, output); done {
				return err
			}
			printActivation(env, output)
			return nil
		},
	}
}

func activationError(err error) error {
	var validation *activate.ValidationError
	if errors.As(err, &validation) {
		return cli.Validation("%w", err).
			WithHint("Nothing was changed. Re-run the deployment to restage, then run activate-profile.sh again.")
	}
	var activation *activate.ActivationError
	if errors.As(err, &activation) {
		return cli.Internal("%w", err).
			WithHint("The previous generation is still recorded; 'nix-deploy remote rollback' prints how to restore it.")
	}
	return cli.Internal("%w", err)
}

func printActivation(env *Environment, output activateOutput) {
	styles := env.styles()
	fmt.Fprintf(env.Stdout, "%s  %s\n", styles.Badge("ok"), output.StorePath)
	fmt.Fprintf(env.Stdout, "profile     %s\n", output.Profile)
	fmt.Fprintf(env.Stdout, "generation  %d -> %d\n", output.GenerationBefore, output.GenerationAfter)
	if output.BackupPath != "" {
		fmt.Fprintf(env.Stdout, "backup      %s\n", output.BackupPath)
	}
	if output.HomeManagerLink != "" {
		fmt.Fprintf(env.Stdout, "linked      %s\n", output.HomeManagerLink)
	}
	if len(output.Packages) > 0 {
		fmt.Fprintf(env.Stdout, "packages    %s (%s)\n", strings.Join(output.Packages, " "),
			humanize.Comma(int64(len(output.Packages))))
	}
	for _, file := range output.ShellFiles {
		if file.Appended {
			fmt.Fprintf(env.Stdout, "shell       updated %s\n", file.Path)
		}
	}
	for _, warning := range output.Warnings {
		fmt.Fprintln(env.Stdout, styles.Faint("warning: ")+warning)
	}
	if !output.ProfileLinked {
		fmt.Fprintln(env.Stdout, styles.Faint("warning: ")+"the profile link does not point into the activated path")
	}
	if len(output.ShellFiles) > 0 {
		fmt.Fprintln(env.Stdout, "Open a new shell to pick up the environment.")
	}
}

type remoteSetupShellParams struct {
	cli.Verbosity
	workDirParams
}

func remoteSetupShellCommand(env *Environment) *cli.Command {
	var params remoteSetupShellParams
	return &cli.Command{
		Name:    "setup-shell",
		Summary: "Source the Nix and Home Manager environment from shell rc files",
		Params:  func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			home, err := env.home()
			if err != nil {
				return cli.Internal("resolving home directory: %w", err)
			}
			files, err := shellsetup.Setup(home, logger)
			if err != nil {
				return cli.Internal("%w", err)
			}
			for _, file := range files {
				state := "already configured"
				switch {
				case file.Appended:
					state = "updated"
				case file.Managed:
					state = "managed by Home Manager, skipped"
				}
				fmt.Fprintf(env.Stdout, "%s: %s\n", file.Path, state)
			}
			return nil
		},
	}
}

type remoteRollbackParams struct {
	cli.JSONOutput
	StateDir string `json:"state_dir" flag:"state-dir" desc:"nix-deploy state directory (default ~/.local/state/nix-deploy)"`
}

func remoteRollbackCommand(env *Environment) *cli.Command {
	var params remoteRollbackParams
	return &cli.Command{
		Name:    "rollback",
		Summary: "Print the commands that restore the previously active generation",
		Description: `Read the latest backup record and print the commands that switch
the Home Manager profile back to it. Nothing is run.`,
		Params: func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			stateDir := params.StateDir
			if stateDir == "" {
				home, err := env.home()
				if err != nil {
					return cli.Internal("resolving home directory: %w", err)
				}
				stateDir = activate.DefaultStateDir(home)
			}
			plan, err := activate.Rollback(activate.BackupDir(stateDir))
			if err != nil {
				return cli.NotFound("no backup record: %w", err).
					WithHint("A record is written on each activation unless --no-backup was set.")
			}
			if done, err := params.EmitJSON(env.Stdout, plan); done {
				return err
			}
			fmt.Fprintf(env.Stdout, "Generation %d (%s), recorded %s.\n",
				plan.Record.Generation, plan.Record.PreviousPath, humanize.Time(plan.Record.Timestamp))
			fmt.Fprintln(env.Stdout, "Run:")
			for _, command := range plan.Commands {
				fmt.Fprintln(env.Stdout, "  "+command)
			}
			return nil
		},
	}
}
