// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/kballard/go-shellquote"

	"github.com/bureau-foundation/nix-deploy/cmd/nix-deploy/cli"
	"github.com/bureau-foundation/nix-deploy/lib/config"
	"github.com/bureau-foundation/nix-deploy/lib/executor"
)

func configCommand(env *Environment) *cli.Command {
	return &cli.Command{
		Name:    "config",
		Summary: "Manage deployment targets and global configuration",
		Description: `Manage deployment targets.

Targets live in <config-dir>/targets/<name>.yaml; global settings in
<config-dir>/config.yaml. The config directory is --config-dir, else
$NIX_DEPLOY_CONFIG_DIR, else ~/.config/nix-deploy.`,
		Subcommands: []*cli.Command{
			createTargetCommand(env),
			editTargetCommand(env),
			listTargetsCommand(env),
			validateCommand(env),
			showTargetCommand(env),
		},
	}
}

type createTargetParams struct {
	Location configLocation

	Host             string `json:"host"              flag:"host"              desc:"remote hostname or address"`
	Port             int    `json:"port"              flag:"port"              desc:"SSH port" default:"22"`
	User             string `json:"user"              flag:"user"              desc:"remote login user"`
	IdentityFile     string `json:"identity_file"     flag:"identity-file"     desc:"private key passed to ssh -i"`
	ProxyJump        string `json:"proxy_jump"        flag:"proxy-jump"        desc:"bastion passed to ssh -J"`
	Platform         string `json:"platform"          flag:"platform"          desc:"platform hint: auto, wsl, ubuntu, debian" default:"auto"`
	Flake            string `json:"flake"             flag:"flake"             desc:"flake reference holding the Home Manager configuration"`
	Profile          string `json:"profile"           flag:"profile"           desc:"homeConfigurations attribute to deploy"`
	OfflineInstaller string `json:"offline_installer" flag:"offline-installer" desc:"local self-contained Nix installer staged for offline hosts"`
	RemoteBinary     string `json:"remote_binary"     flag:"remote-binary"     desc:"nix-deploy built for the remote architecture"`
	NoBackup         bool   `json:"no_backup"         flag:"no-backup"         desc:"do not record the previous generation before activation"`
	NoShellSetup     bool   `json:"no_shell_setup"    flag:"no-shell-setup"    desc:"do not wire Nix into the remote shell rc files"`
	Force            bool   `json:"force"             flag:"force"             desc:"overwrite an existing target"`
}

func createTargetCommand(env *Environment) *cli.Command {
	var params createTargetParams
	return &cli.Command{
		Name:    "create-target",
		Summary: "Create a deployment target",
		Description: `Create targets/<name>.yaml. Without --host on an interactive
terminal, a form asks for each field.`,
		Usage: "nix-deploy config create-target <name> [flags]",
		Examples: []cli.Example{
			{Description: "Create a target interactively", Command: "nix-deploy config create-target prod-server"},
			{
				Description: "Create a target from flags",
				Command:     "nix-deploy config create-target lab --host lab.internal --user alice --flake github:me/dotfiles --profile alice",
			},
		},
		Params: func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) != 1 {
				return cli.Validation("expected exactly one target name, got %d arguments", len(args))
			}
			name := args[0]
			if err := config.ValidateName(name); err != nil {
				return cli.Validation("%w", err)
			}
			dir := params.Location.Dir()
			path := config.TargetPath(dir, name)
			if _, err := os.Stat(path); err == nil && !params.Force {
				return cli.Conflict("target %q already exists at %s", name, path).
					WithHint("Use 'nix-deploy config edit-target " + name + "' or pass --force to overwrite.")
			}

			if params.Host == "" {
				if !env.Interactive {
					return cli.Validation("--host is required when not running interactively")
				}
				values, err := runWizard(env.Stdin, env.Stderr, newWizard("New target "+name, targetWizardFields, params.wizardDefaults(), env.styles()))
				if err != nil {
					return cli.Internal("%w", err)
				}
				if values == nil {
					fmt.Fprintln(env.Stderr, "Cancelled.")
					return &cli.ExitError{Code: 1}
				}
				if err := params.apply(values); err != nil {
					return err
				}
			}

			target := params.target(name)
			if err := target.Validate(); err != nil {
				return cli.Validation("target %q: %w", name, err)
			}
			if err := config.SaveTarget(dir, target); err != nil {
				return cli.Internal("%w", err)
			}
			logger.Debug("target saved", "path", path)
			fmt.Fprintf(env.Stdout, "Created target %s at %s\n", name, path)
			fmt.Fprintf(env.Stdout, "Check it with: nix-deploy config validate\n")
			return nil
		},
	}
}

func (p *createTargetParams) wizardDefaults() map[string]string {
	return map[string]string{
		"host":          p.Host,
		"port":          strconv.Itoa(p.Port),
		"user":          p.User,
		"identity_file": p.IdentityFile,
		"proxy_jump":    p.ProxyJump,
		"platform":      p.Platform,
		"flake":         p.Flake,
		"profile":       p.Profile,
	}
}

// apply copies wizard answers into the parameters.
func (p *createTargetParams) apply(values map[string]string) error {
	p.Host = values["host"]
	p.User = values["user"]
	p.IdentityFile = values["identity_file"]
	p.ProxyJump = values["proxy_jump"]
	p.Flake = values["flake"]
	p.Profile = values["profile"]
	if platform := values["platform"]; platform != "" {
		p.Platform = platform
	}
	if port := values["port"]; port != "" {
		parsed, err := strconv.Atoi(port)
		if err != nil {
			return cli.Validation("port %q is not a number", port)
		}
		p.Port = parsed
	}
	return nil
}

func (p *createTargetParams) target(name string) *config.Target {
	target := &config.Target{
		Name:             name,
		Host:             p.Host,
		Port:             p.Port,
		User:             p.User,
		IdentityFile:     p.IdentityFile,
		ProxyJump:        p.ProxyJump,
		Platform:         config.Platform(p.Platform),
		Flake:            p.Flake,
		Profile:          p.Profile,
		OfflineInstaller: p.OfflineInstaller,
		RemoteBinary:     p.RemoteBinary,
	}
	if target.Flake == "" {
		target.Flake = "."
	}
	if p.NoBackup {
		target.Deployment.BackupExistingProfile = new(bool)
	}
	if p.NoShellSetup {
		target.Deployment.SetupShell = new(bool)
	}
	return target
}

type editTargetParams struct {
	Location configLocation
}

func editTargetCommand(env *Environment) *cli.Command {
	var params editTargetParams
	return &cli.Command{
		Name:        "edit-target",
		Summary:     "Open a target file in $EDITOR",
		Description: "Open targets/<name>.yaml in $VISUAL or $EDITOR (default vi) and validate it afterwards.",
		Usage:       "nix-deploy config edit-target <name>",
		Params:      func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) != 1 {
				return cli.Validation("expected exactly one target name, got %d arguments", len(args))
			}
			name := args[0]
			dir := params.Location.Dir()
			if err := config.ValidateName(name); err != nil {
				return cli.Validation("%w", err)
			}
			path := config.TargetPath(dir, name)
			if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
				return targetNotFound(dir, name)
			}

			editor, err := editorCommand(path)
			if err != nil {
				return cli.Validation("%w", err)
			}
			editor.Terminal = true
			if _, err := env.Executor.Run(ctx, editor); err != nil {
				return cli.Internal("running %s: %w", editor.Name, err)
			}

			target, err := config.LoadTarget(dir, name)
			if err != nil {
				return cli.Validation("%w", err).WithHint("Re-run 'nix-deploy config edit-target " + name + "' to fix it.")
			}
			if err := target.Validate(); err != nil {
				return cli.Validation("target %q: %w", name, err).
					WithHint("Re-run 'nix-deploy config edit-target " + name + "' to fix it.")
			}
			fmt.Fprintf(env.Stdout, "Target %s is valid.\n", name)
			return nil
		},
	}
}

// editorCommand builds the command that opens path in the operator's
// editor. $VISUAL and $EDITOR may carry arguments ("code --wait").
func editorCommand(path string) (executor.Command, error) {
	editor := os.Getenv("VISUAL")
	if editor == "" {
		editor = os.Getenv("EDITOR")
	}
	if editor == "" {
		editor = "vi"
	}
	words, err := shellquote.Split(editor)
	if err != nil || len(words) == 0 {
		return executor.Command{}, fmt.Errorf("cannot parse editor %q", editor)
	}
	return executor.Command{Name: words[0], Args: append(words[1:], path)}, nil
}

type listTargetsParams struct {
	cli.JSONOutput
	Location configLocation
}

type targetEntry struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Platform string `json:"platform"`
	Flake    string `json:"flake"`
	Profile  string `json:"profile"`
	Error    string `json:"error,omitempty"`
}

func listTargetsCommand(env *Environment) *cli.Command {
	var params listTargetsParams
	return &cli.Command{
		Name:    "list-targets",
		Summary: "List configured targets",
		Params:  func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			dir := params.Location.Dir()
			names, err := config.ListTargets(dir)
			if err != nil {
				return cli.Internal("%w", err)
			}
			entries := make([]targetEntry, 0, len(names))
			for _, name := range names {
				target, err := config.LoadTarget(dir, name)
				if err != nil {
					entries = append(entries, targetEntry{Name: name, Error: err.Error()})
					continue
				}
				entries = append(entries, targetEntry{
					Name:     name,
					Address:  target.Address(),
					Port:     target.EffectivePort(),
					Platform: string(target.Platform),
					Flake:    target.Flake,
					Profile:  target.Profile,
				})
			}

			if done, err := params.EmitJSON(env.Stdout, entries); done {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintf(env.Stdout, "No targets in %s.\n", dir)
				fmt.Fprintln(env.Stdout, "Create one with: nix-deploy config create-target <name>")
				return nil
			}
			styles := env.styles()
			fmt.Fprintf(env.Stdout, "%s  %s  %s  %s\n", styles.Bold(cli.PadRight("NAME", 20)),
				styles.Bold(cli.PadRight("ADDRESS", 32)), styles.Bold(cli.PadRight("PLATFORM", 8)), styles.Bold("FLAKE"))
			for _, entry := range entries {
				if entry.Error != "" {
					fmt.Fprintf(env.Stdout, "%s  %s\n", cli.PadRight(entry.Name, 20), styles.Faint("error: "+entry.Error))
					continue
				}
				address := entry.Address
				if entry.Port != config.DefaultSSHPort {
					address += ":" + strconv.Itoa(entry.Port)
				}
				flake := entry.Flake
				if entry.Profile != "" {
					flake += " (" + entry.Profile + ")"
				}
				fmt.Fprintf(env.Stdout, "%s  %s  %s  %s\n", cli.PadRight(entry.Name, 20), cli.PadRight(address, 32),
					cli.PadRight(entry.Platform, 8), flake)
			}
			return nil
		},
	}
}

type showTargetParams struct {
	cli.JSONOutput
	Location configLocation
}

func showTargetCommand(env *Environment) *cli.Command {
	var params showTargetParams
	return &cli.Command{
		Name:    "show-target",
		Summary: "Print a target's effective configuration",
		Usage:   "nix-deploy config show-target <name> [--json]",
		Params:  func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) != 1 {
				return cli.Validation("expected exactly one target name, got %d arguments", len(args))
			}
			_, target, err := params.Location.loadTarget(args[0])
			if err != nil {
				return err
			}
			if done, err := params.EmitJSON(env.Stdout, targetJSON(target)); done {
				return err
			}
			data, err := config.MarshalTarget(target)
			if err != nil {
				return cli.Internal("%w", err)
			}
			fmt.Fprintf(env.Stdout, "# %s\n", config.TargetPath(params.Location.Dir(), target.Name))
			return highlightYAML(env, string(data))
		},
	}
}

// targetJSON is the --json view of a target, with the effective
// deployment options spelled out.
func targetJSON(target *config.Target) map[string]any {
	return map[string]any{
		"name":                    target.Name,
		"host":                    target.Host,
		"port":                    target.EffectivePort(),
		"user":                    target.User,
		"identity_file":           target.IdentityFile,
		"proxy_jump":              target.ProxyJump,
		"platform":                target.Platform,
		"flake":                   target.Flake,
		"profile":                 target.Profile,
		"ssh_options":             target.SSHOptions,
		"offline_installer":       target.OfflineInstaller,
		"remote_binary":           target.RemoteBinary,
		"backup_existing_profile": target.Deployment.ShouldBackupExistingProfile(),
		"setup_shell":             target.Deployment.ShouldSetupShell(),
	}
}

// highlightYAML writes source with syntax colors when stdout supports
// them, plain otherwise.
func highlightYAML(env *Environment, source string) error {
	styles := env.styles()
	if !styles.Colored() {
		_, err := fmt.Fprint(env.Stdout, source)
		return err
	}
	if err := quick.Highlight(env.Stdout, source, "yaml", "terminal256", "monokai"); err != nil {
		return cli.Internal("highlighting: %w", err)
	}
	if !strings.HasSuffix(source, "\n") {
		fmt.Fprintln(env.Stdout)
	}
	return nil
}
