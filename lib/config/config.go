// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// GlobalFileName is the global configuration file inside the config
// directory.
const GlobalFileName = "config.yaml"

// Config is the global configuration shared by every target.
type Config struct {
	// Build configures local nix builds.
	Build BuildConfig `yaml:"build"`

	// Transfer configures closure transfer and remote staging.
	Transfer TransferConfig `yaml:"transfer"`

	// SSH configures the shared connection used for phases 1-3.
	SSH SSHConfig `yaml:"ssh"`
}

// BuildConfig configures local nix builds.
type BuildConfig struct {
	// MaxJobs is passed to nix build --max-jobs. Zero leaves nix's
	// default.
	MaxJobs int `yaml:"max_jobs"`

	// Cores is passed to nix build --cores. Zero leaves nix's default.
	Cores int `yaml:"cores"`

	// ExtraArgs are appended to every nix build invocation.
	ExtraArgs []string `yaml:"extra_args"`
}

// TransferConfig configures closure transfer and remote staging.
type TransferConfig struct {
	// StagingDir is the remote directory that receives scripts,
	// metadata.json and INSTRUCTIONS.md.
	// Default: /tmp/nix-deploy
	StagingDir string `yaml:"staging_dir"`

	// SubstituteOnDestination lets the remote fetch paths from its own
	// substituters instead of receiving them over SSH. Off by default:
	// deployment hosts usually cannot reach cache.nixos.org.
	SubstituteOnDestination bool `yaml:"substitute_on_destination"`

	// Compress enables ssh-level compression for the copy.
	Compress bool `yaml:"compress"`

	// MinFreeDiskMB is the preflight threshold for free space on the
	// remote /nix filesystem.
	// Default: 1024
	MinFreeDiskMB int64 `yaml:"min_free_disk_mb"`
}

// SSHConfig configures the shared SSH connection.
type SSHConfig struct {
	// ControlPersist keeps the control master alive between commands.
	// Default: 10m
	ControlPersist string `yaml:"control_persist"`

	// ServerAliveInterval is the keep-alive interval that detects dead
	// connections during long copies.
	// Default: 30s
	ServerAliveInterval string `yaml:"server_alive_interval"`

	// ServerAliveCountMax is the number of unanswered keep-alives
	// before ssh gives up.
	// Default: 6
	ServerAliveCountMax int `yaml:"server_alive_count_max"`

	// ConnectTimeout bounds the initial TCP connect only.
	// Default: 15s
	ConnectTimeout string `yaml:"connect_timeout"`

	// Options are extra -o options applied to every target, e.g.
	// "StrictHostKeyChecking=accept-new".
	Options []string `yaml:"options"`
}

// Default returns the default global configuration.
func Default() *Config {
	return &Config{
		Transfer: TransferConfig{
			StagingDir:    "/tmp/nix-deploy",
			MinFreeDiskMB: 1024,
		},
		SSH: SSHConfig{
			ControlPersist:      "10m",
			ServerAliveInterval: "30s",
			ServerAliveCountMax: 6,
			ConnectTimeout:      "15s",
		},
	}
}

// Dir resolves the configuration directory. An explicit override (the
// --config-dir flag) wins, then NIX_DEPLOY_CONFIG_DIR, then the XDG
// location.
func Dir(override string) string {
	if override != "" {
		return expandVars(override, nil)
	}
	if fromEnvironment := os.Getenv("NIX_DEPLOY_CONFIG_DIR"); fromEnvironment != "" {
		return fromEnvironment
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "nix-deploy")
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config", "nix-deploy")
}

// Load reads config.yaml from dir. A missing file is not an error: the
// defaults apply. A present but malformed file is.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, GlobalFileName))
}

// LoadFile loads global configuration from a specific file path,
// merging it over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} patterns in path fields.
func (c *Config) expandVariables() {
	c.Transfer.StagingDir = expandVars(c.Transfer.StagingDir, nil)
}

// Validate checks the global configuration and returns every problem
// found, joined.
func (c *Config) Validate() error {
	var errs []error

	if c.Build.MaxJobs < 0 {
		errs = append(errs, fmt.Errorf("build.max_jobs must not be negative (got %d)", c.Build.MaxJobs))
	}
	if c.Build.Cores < 0 {
		errs = append(errs, fmt.Errorf("build.cores must not be negative (got %d)", c.Build.Cores))
	}
	if !filepath.IsAbs(c.Transfer.StagingDir) {
		errs = append(errs, fmt.Errorf("transfer.staging_dir must be an absolute path (got %q)", c.Transfer.StagingDir))
	}
	if c.Transfer.MinFreeDiskMB < 0 {
		errs = append(errs, fmt.Errorf("transfer.min_free_disk_mb must not be negative"))
	}
	for field, value := range map[string]string{
		"ssh.control_persist":       c.SSH.ControlPersist,
		"ssh.server_alive_interval": c.SSH.ServerAliveInterval,
		"ssh.connect_timeout":       c.SSH.ConnectTimeout,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
	}
	if c.SSH.ServerAliveCountMax < 1 {
		errs = append(errs, fmt.Errorf("ssh.server_alive_count_max must be at least 1"))
	}

	return errors.Join(errs...)
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}
