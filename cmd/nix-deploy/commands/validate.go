// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	gossh "golang.org/x/crypto/ssh"

	"github.com/bureau-foundation/nix-deploy/cmd/nix-deploy/cli"
	"github.com/bureau-foundation/nix-deploy/cmd/nix-deploy/doctor"
	"github.com/bureau-foundation/nix-deploy/lib/config"
)

type validateParams struct {
	cli.JSONOutput
	Location configLocation
	Fix      bool `json:"fix" flag:"fix" desc:"repair fixable problems (identity file permissions)"`
}

func validateCommand(env *Environment) *cli.Command {
	var params validateParams
	return &cli.Command{
		Name:    "validate",
		Summary: "Check the configuration and every target",
		Description: `Check config.yaml, every target file (or only the named ones), the
identity files they reference, and the local tools a deployment needs.

Fixable problems print a fix hint; --fix applies them.`,
		Usage: "nix-deploy config validate [target...] [--fix] [--json]",
		Examples: []cli.Example{
			{Description: "Check everything", Command: "nix-deploy config validate"},
			{Description: "Check one target and repair key permissions", Command: "nix-deploy config validate prod-server --fix"},
		},
		Params: func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			results := runChecks(env, params.Location.Dir(), args)
			var outcome doctor.Outcome
			if params.Fix {
				outcome = doctor.ExecuteFixes(ctx, results)
				logger.Debug("fixes applied", "fixed", outcome.FixedCount)
			}

			if params.OutputJSON {
				output := doctor.BuildJSON(results)
				if err := cli.WriteJSON(env.Stdout, output); err != nil {
					return err
				}
				if !output.OK {
					return &cli.ExitError{Code: 1}
				}
				return nil
			}
			return doctor.PrintChecklist(env.Stdout, env.styles(), results, params.Fix, outcome)
		},
	}
}

// runChecks validates the configuration in dir. names restricts the
// target checks; empty means every target.
func runChecks(env *Environment, dir string, names []string) []doctor.Result {
	var results []doctor.Result

	global, err := config.Load(dir)
	switch {
	case err != nil:
		results = append(results, doctor.Fail(config.GlobalFileName, err.Error()))
	case global.Validate() != nil:
		results = append(results, doctor.Fail(config.GlobalFileName, global.Validate().Error()))
	default:
		results = append(results, doctor.Pass(config.GlobalFileName, "staging in "+global.Transfer.StagingDir))
	}

	for _, tool := range []string{"nix", "ssh", "scp"} {
		name := "local " + tool
		if path, err := env.lookPath(tool); err != nil {
			results = append(results, doctor.Fail(name, tool+" not found"))
		} else {
			results = append(results, doctor.Pass(name, path))
		}
	}

	if len(names) == 0 {
		listed, err := config.ListTargets(dir)
		if err != nil {
			return append(results, doctor.Fail("targets", err.Error()))
		}
		if len(listed) == 0 {
			return append(results, doctor.Warn("targets", "no targets in "+dir))
		}
		names = listed
	}
	for _, name := range names {
		results = append(results, targetChecks(dir, name)...)
	}
	return results
}

func targetChecks(dir, name string) []doctor.Result {
	label := "target " + name
	target, err := config.LoadTarget(dir, name)
	if err != nil {
		return []doctor.Result{doctor.Fail(label, err.Error())}
	}

	var results []doctor.Result
	if err := target.Validate(); err != nil {
		results = append(results, doctor.Fail(label, err.Error()))
	} else {
		results = append(results, doctor.Pass(label, fmt.Sprintf("%s port %d, %s", target.Address(), target.EffectivePort(), target.Platform)))
	}
	if target.IdentityFile != "" {
		results = append(results, identityChecks(name, target.IdentityFile)...)
	}
	return results
}

// identityChecks checks that an identity file is private to its owner
// and holds a private key ssh can use.
func identityChecks(name, path string) []doctor.Result {
	permissions := name + " identity permissions"
	key := name + " identity key"

	info, err := os.Stat(path)
	if err != nil {
		return []doctor.Result{
			doctor.Fail(permissions, err.Error()),
			doctor.Skip(key, "identity file unreadable"),
		}
	}

	var results []doctor.Result
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		results = append(results, doctor.FailWithFix(permissions,
			fmt.Sprintf("%s is mode %04o; ssh refuses keys readable by others", path, mode),
			"chmod 600 "+path,
			func(context.Context) error { return os.Chmod(path, 0o600) }))
	} else {
		results = append(results, doctor.Pass(permissions, fmt.Sprintf("mode %04o", mode)))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return append(results, doctor.Fail(key, err.Error()))
	}
	signer, err := gossh.ParsePrivateKey(data)
	var passphraseMissing *gossh.PassphraseMissingError
	switch {
	case errors.As(err, &passphraseMissing):
		results = append(results, doctor.Warn(key, "key is passphrase-protected; load it into ssh-agent before deploying"))
	case err != nil:
		results = append(results, doctor.Fail(key, "not a usable private key: "+err.Error()))
	default:
		results = append(results, doctor.Pass(key, signer.PublicKey().Type()+" "+gossh.FingerprintSHA256(signer.PublicKey())))
	}
	return results
}
