// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bureau-foundation/nix-deploy/cmd/nix-deploy/cli"
	"github.com/bureau-foundation/nix-deploy/lib/deploy"
	"github.com/bureau-foundation/nix-deploy/lib/failure"
)

type deployParams struct {
	cli.JSONOutput
	cli.Verbosity
	Location configLocation

	Target         string `json:"target"          flag:"target"            desc:"target to deploy to (see 'nix-deploy config list-targets')"`
	Profile        string `json:"profile"         flag:"profile"           desc:"homeConfigurations attribute (default: the target's profile, else its user)"`
	Flake          string `json:"flake"           flag:"flake"             desc:"flake reference (default: the target's flake)"`
	DryRun         bool   `json:"dry_run"         flag:"dry-run"           desc:"probe and evaluate only; print what would be copied and staged"`
	Resume         bool   `json:"resume"          flag:"resume"            desc:"report the steps remaining after an interrupted deployment"`
	Rollback       bool   `json:"rollback"        flag:"rollback"          desc:"print the commands that restore the previous generation"`
	Force          bool   `json:"force"           flag:"force"             desc:"restage an already deployed profile and ignore the disk preflight"`
	NonInteractive bool   `json:"non_interactive" flag:"non-interactive,n" desc:"never prompt for confirmation"`
	WorkDir        string `json:"work_dir"        flag:"workdir"           desc:"local directory to assemble the staging bundle in (default: a temporary directory)"`
}

func deployCommand(env *Environment) *cli.Command {
	var params deployParams
	return &cli.Command{
		Name:    "nix-deploy",
		Summary: "Deploy a Home Manager profile to a remote host",
		Description: `Deploy a Home Manager configuration to a remote host over SSH.

nix-deploy probes the remote platform, builds the profile locally, and
copies its closure over a single multiplexed SSH connection. It stages
wrapper scripts, metadata.json and INSTRUCTIONS.md in the remote
staging directory. Installing Nix and activating the profile are left
to the operator, who runs the staged scripts on the remote.

When the remote has no Nix, only the installer is staged and
nix-deploy exits with status 2: install Nix there and re-run.`,
		Usage: "nix-deploy --target <name> [flags]\n  nix-deploy <command> [flags]",
		Examples: []cli.Example{
			{Description: "Deploy the target's profile", Command: "nix-deploy --target prod-server"},
			{Description: "Show what would be copied without building", Command: "nix-deploy --target prod-server --dry-run"},
			{Description: "Deploy from a specific flake without prompting", Command: "nix-deploy --target lab --flake github:me/dotfiles -n"},
			{Description: "Print rollback commands from the last activation", Command: "nix-deploy --target prod-server --rollback"},
		},
		Params: func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			return runDeploy(ctx, env, &params, args, logger)
		},
	}
}

func runDeploy(ctx context.Context, env *Environment, params *deployParams, args []string, logger *slog.Logger) error {
	if len(args) > 0 {
		return cli.Validation("unknown command or argument %q", args[0]).
			WithHint("Run 'nix-deploy --help' for usage.")
	}
	if params.Target == "" {
		return cli.Validation("--target is required").
			WithHint("List configured targets with 'nix-deploy config list-targets'.")
	}
	modes := 0
	for _, set := range []bool{params.DryRun, params.Resume, params.Rollback} {
		if set {
			modes++
		}
	}
	if modes > 1 {
		return cli.Validation("--dry-run, --resume and --rollback cannot be combined")
	}

	global, target, err := params.Location.loadTarget(params.Target)
	if err != nil {
		return err
	}
	if err := target.Validate(); err != nil {
		return cli.Validation("target %q: %w", target.Name, err).
			WithHint("Fix " + target.Name + " with 'nix-deploy config edit-target " + target.Name + "'.")
	}

	pipeline := &deploy.Pipeline{
		Options: deploy.Options{
			Target:         *target,
			Config:         *global,
			Flake:          params.Flake,
			Profile:        params.Profile,
			DryRun:         params.DryRun,
			Resume:         params.Resume,
			Rollback:       params.Rollback,
			Force:          params.Force,
			NonInteractive: params.NonInteractive || params.OutputJSON || !env.Interactive,
			Verbose:        params.Verbose,
			Debug:          params.Debug,
			WorkDir:        params.WorkDir,
			LocalBinary:    env.Executable,
		},
		Executor:  env.runner(params.OutputJSON),
		Logger:    logger,
		Confirm:   env.Confirm,
		NixBinary: env.NixBinary,
	}
	summary, runErr := pipeline.Run(ctx)

	if params.OutputJSON {
		output := deployOutput{Summary: summary, Failure: failureReport(runErr)}
		if err := cli.WriteJSON(env.Stdout, output); err != nil {
			return err
		}
	} else {
		printSummary(env.Stdout, env.styles(), summary, width(env))
	}

	if runErr != nil {
		return deployError(runErr)
	}
	if summary.Bootstrap {
		return &cli.ExitError{Code: 2}
	}
	return nil
}

// deployOutput is the --json form of a run.
type deployOutput struct {
	deploy.Summary
	Failure *failureOutput `json:"failure,omitempty"`
}

type failureOutput struct {
	Phase       deploy.Phase `json:"phase,omitempty"`
	Kind        failure.Kind `json:"kind,omitempty"`
	ExitStatus  int          `json:"exit_status"`
	Remediation string       `json:"remediation,omitempty"`
	Inferred    bool         `json:"inferred,omitempty"`
	Message     string       `json:"message"`
}

func failureReport(err error) *failureOutput {
	if err == nil {
		return nil
	}
	output := &failureOutput{Kind: deploy.KindOf(err), ExitStatus: -1, Message: err.Error()}
	var phaseError *deploy.PhaseError
	if errors.As(err, &phaseError) {
		output.Phase = phaseError.Phase
		output.ExitStatus = phaseError.ExitStatus
		output.Remediation = phaseError.Remediation
		output.Inferred = phaseError.Inferred
		output.Message = phaseError.Err.Error()
	}
	return output
}

// deployError turns a pipeline failure into the message main prints:
// the phase, the failed command's exit status, and the remediation.
func deployError(err error) error {
	if errors.Is(err, deploy.ErrDeclined) {
		return cli.Conflict("transfer declined; nothing was copied").
			WithHint("Re-run with -n to skip the confirmation.")
	}
	var phaseError *deploy.PhaseError
	if !errors.As(err, &phaseError) {
		return cli.Internal("%w", err)
	}

	var message strings.Builder
	fmt.Fprintf(&message, "%s phase failed (%s", phaseError.Phase, phaseError.Kind)
	if phaseError.Inferred {
		message.WriteString(", inferred")
	}
	if phaseError.ExitStatus >= 0 {
		fmt.Fprintf(&message, ", exit status %d", phaseError.ExitStatus)
	}
	fmt.Fprintf(&message, "): %v", phaseError.Err)

	toolError := &cli.ToolError{Category: categoryOf(phaseError.Kind), Err: errors.New(message.String())}
	if phaseError.Remediation != "" {
		toolError.WithHint("To fix: " + phaseError.Remediation)
	}
	return toolError
}

func categoryOf(kind failure.Kind) cli.ErrorCategory {
	switch kind {
	case failure.Connectivity:
		return cli.CategoryTransient
	case failure.RuntimeMissing:
		return cli.CategoryNotFound
	case failure.InsufficientResource:
		return cli.CategoryConflict
	case failure.Validation, failure.Build:
		return cli.CategoryValidation
	}
	return cli.CategoryInternal
}
