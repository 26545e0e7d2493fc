// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// TargetsDirName is the directory inside the config directory holding
// one YAML file per target.
const TargetsDirName = "targets"

// DefaultSSHPort is the port for which the plain ssh:// store URI is
// used.
const DefaultSSHPort = 22

// Platform is the operator's hint about the remote platform.
type Platform string

const (
	// PlatformAuto trusts the platform prober.
	PlatformAuto Platform = "auto"
	// PlatformWSL is Windows Subsystem for Linux.
	PlatformWSL Platform = "wsl"
	// PlatformUbuntu is Ubuntu.
	PlatformUbuntu Platform = "ubuntu"
	// PlatformDebian is Debian.
	PlatformDebian Platform = "debian"
)

// Platforms lists every accepted platform hint.
var Platforms = []Platform{PlatformAuto, PlatformWSL, PlatformUbuntu, PlatformDebian}

// Target is a named remote deployment endpoint. A Target is read once
// at deployment start and never modified during a run.
type Target struct {
	// Name is the target's identifier, taken from its file name.
	Name string `yaml:"-"`

	// Host is the remote hostname or address.
	Host string `yaml:"host"`

	// Port is the SSH port. Default: 22.
	Port int `yaml:"port"`

	// User is the remote login user.
	User string `yaml:"user"`

	// IdentityFile is the private key passed to ssh -i.
	IdentityFile string `yaml:"identity_file,omitempty"`

	// ProxyJump is an optional bastion passed to ssh -J.
	ProxyJump string `yaml:"proxy_jump,omitempty"`

	// Platform is the operator's platform hint. Default: auto.
	Platform Platform `yaml:"platform"`

	// Flake is the flake reference containing the Home Manager
	// configuration.
	Flake string `yaml:"flake"`

	// Profile is the homeConfigurations attribute to deploy.
	Profile string `yaml:"profile"`

	// SSHOptions are extra -o options for this target only.
	SSHOptions []string `yaml:"ssh_options,omitempty"`

	// OfflineInstaller is a local path to a self-contained Nix
	// installer script, staged as install-nix-offline.sh for hosts
	// without internet access.
	OfflineInstaller string `yaml:"offline_installer,omitempty"`

	// RemoteBinary is a local path to a nix-deploy binary built for
	// the remote architecture. When empty, the running binary is
	// staged if the remote architecture matches.
	RemoteBinary string `yaml:"remote_binary,omitempty"`

	// Deployment holds operator-chosen deployment options recorded in
	// metadata.json.
	Deployment DeploymentOptions `yaml:"deployment"`
}

// DeploymentOptions are the operator-chosen flags carried to the remote
// side in metadata.json's deployment.options object.
type DeploymentOptions struct {
	// BackupExistingProfile records the current generation before
	// activation. Default: true.
	BackupExistingProfile *bool `yaml:"backup_existing_profile,omitempty" json:"backup_existing_profile,omitempty"`

	// SetupShell wires the Nix and Home Manager environment into the
	// remote user's shell rc files. Default: true.
	SetupShell *bool `yaml:"setup_shell,omitempty" json:"setup_shell,omitempty"`
}

// ShouldBackupExistingProfile returns the effective backup option.
func (o DeploymentOptions) ShouldBackupExistingProfile() bool {
	return o.BackupExistingProfile == nil || *o.BackupExistingProfile
}

// ShouldSetupShell returns the effective shell-setup option.
func (o DeploymentOptions) ShouldSetupShell() bool {
	return o.SetupShell == nil || *o.SetupShell
}

// Address returns user@host, or host when no user is set.
func (t *Target) Address() string {
	if t.User == "" {
		return t.Host
	}
	return t.User + "@" + t.Host
}

// EffectivePort returns the configured port, or 22 when unset.
func (t *Target) EffectivePort() int {
	if t.Port == 0 {
		return DefaultSSHPort
	}
	return t.Port
}

// applyDefaults fills unset fields.
func (t *Target) applyDefaults() {
	if t.Port == 0 {
		t.Port = DefaultSSHPort
	}
	if t.Platform == "" {
		t.Platform = PlatformAuto
	}
	if t.Flake == "" {
		t.Flake = "."
	}
}

// expandVariables expands ${VAR} patterns in local path fields.
func (t *Target) expandVariables() {
	t.IdentityFile = expandVars(t.IdentityFile, nil)
	t.OfflineInstaller = expandVars(t.OfflineInstaller, nil)
	t.RemoteBinary = expandVars(t.RemoteBinary, nil)
	if strings.HasPrefix(t.Flake, "path:") || strings.HasPrefix(t.Flake, "${") {
		t.Flake = expandVars(t.Flake, nil)
	}
}

// targetNamePattern restricts target names to file-name-safe
// identifiers.
var targetNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ValidateName checks that name can be used as a target file name.
func ValidateName(name string) error {
	if !targetNamePattern.MatchString(name) {
		return fmt.Errorf("invalid target name %q (letters, digits, '.', '_' and '-' only; must not start with punctuation)", name)
	}
	return nil
}

// Validate checks the target and returns every problem found, joined.
// Local file references (identity file, offline installer, remote
// binary) must exist.
func (t *Target) Validate() error {
	var errs []error

	if err := ValidateName(t.Name); err != nil {
		errs = append(errs, err)
	}
	if t.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if t.Port < 1 || t.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range 1-65535", t.Port))
	}
	if t.Profile == "" && !strings.Contains(t.Flake, "#") {
		errs = append(errs, errors.New("profile is required unless flake selects an attribute with '#'"))
	}
	if !isKnownPlatform(t.Platform) {
		errs = append(errs, fmt.Errorf("platform %q is not one of auto, wsl, ubuntu, debian", t.Platform))
	}
	for field, path := range map[string]string{
		"identity_file":     t.IdentityFile,
		"offline_installer": t.OfflineInstaller,
		"remote_binary":     t.RemoteBinary,
	} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
	}
	for _, option := range t.SSHOptions {
		if !strings.Contains(option, "=") {
			errs = append(errs, fmt.Errorf("ssh_options entry %q must have the form Key=Value", option))
		}
	}

	return errors.Join(errs...)
}

func isKnownPlatform(platform Platform) bool {
	for _, known := range Platforms {
		if platform == known {
			return true
		}
	}
	return false
}

// TargetPath returns the file path for target name inside dir.
func TargetPath(dir, name string) string {
	return filepath.Join(dir, TargetsDirName, name+".yaml")
}

// LoadTarget reads targets/<name>.yaml from dir.
func LoadTarget(dir, name string) (*Target, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	path := TargetPath(dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading target %q: %w", name, err)
	}

	target := &Target{}
	if err := yaml.Unmarshal(data, target); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	target.Name = name
	target.applyDefaults()
	target.expandVariables()
	return target, nil
}

// SaveTarget writes target to targets/<name>.yaml in dir, creating the
// directory if needed.
func SaveTarget(dir string, target *Target) error {
	if err := ValidateName(target.Name); err != nil {
		return err
	}

	data, err := MarshalTarget(target)
	if err != nil {
		return err
	}

	path := TargetPath(dir, target.Name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating targets directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// MarshalTarget renders target as YAML.
func MarshalTarget(target *Target) ([]byte, error) {
	data, err := yaml.Marshal(target)
	if err != nil {
		return nil, fmt.Errorf("encoding target %q: %w", target.Name, err)
	}
	return data, nil
}

// ListTargets returns the names of every target in dir, sorted. A
// missing targets directory yields an empty list.
func ListTargets(dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(dir, TargetsDirName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing targets: %w", err)
	}

	var names []string
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), ".yaml")
		if entry.IsDir() || !ok {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
