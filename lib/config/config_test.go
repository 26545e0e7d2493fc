// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Transfer.StagingDir != "/tmp/nix-deploy" {
		t.Errorf("expected staging_dir=/tmp/nix-deploy, got %s", cfg.Transfer.StagingDir)
	}
	if cfg.SSH.ControlPersist != "10m" {
		t.Errorf("expected control_persist=10m, got %s", cfg.SSH.ControlPersist)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SSH.ServerAliveCountMax != 6 {
		t.Errorf("expected default server_alive_count_max=6, got %d", cfg.SSH.ServerAliveCountMax)
	}
}

func TestLoadFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, GlobalFileName)
	t.Setenv("DEPLOY_TMP", "/var/tmp")

	configContent := `
build:
  max_jobs: 8
  cores: 4
transfer:
  staging_dir: ${DEPLOY_TMP}/nix-deploy
  compress: true
ssh:
  server_alive_interval: 10s
  options:
    - StrictHostKeyChecking=accept-new
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Build.MaxJobs != 8 || cfg.Build.Cores != 4 {
		t.Errorf("expected build 8/4, got %d/%d", cfg.Build.MaxJobs, cfg.Build.Cores)
	}
	if cfg.Transfer.StagingDir != "/var/tmp/nix-deploy" {
		t.Errorf("expected expanded staging_dir, got %s", cfg.Transfer.StagingDir)
	}
	if !cfg.Transfer.Compress {
		t.Error("expected compress=true")
	}
	// Unset fields keep their defaults.
	if cfg.SSH.ControlPersist != "10m" {
		t.Errorf("expected control_persist default to survive, got %s", cfg.SSH.ControlPersist)
	}
	if cfg.SSH.ServerAliveInterval != "10s" {
		t.Errorf("expected server_alive_interval=10s, got %s", cfg.SSH.ServerAliveInterval)
	}
}

func TestLoadFile_Malformed(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), GlobalFileName)
	if err := os.WriteFile(configPath, []byte("build: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(configPath); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Build.MaxJobs = -1
	cfg.Transfer.StagingDir = "relative/dir"
	cfg.SSH.ConnectTimeout = "soon"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"build.max_jobs", "transfer.staging_dir", "ssh.connect_timeout"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err.Error(), want)
		}
	}
}

func TestDir(t *testing.T) {
	t.Setenv("NIX_DEPLOY_CONFIG_DIR", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")

	if got := Dir("/explicit"); got != "/explicit" {
		t.Errorf("Dir(override) = %q", got)
	}
	if got := Dir(""); got != "/xdg/nix-deploy" {
		t.Errorf("Dir() with XDG = %q", got)
	}

	t.Setenv("NIX_DEPLOY_CONFIG_DIR", "/from/env")
	if got := Dir(""); got != "/from/env" {
		t.Errorf("Dir() with env = %q", got)
	}
}

func TestExpandVars(t *testing.T) {
	t.Setenv("NIX_DEPLOY_TEST_VAR", "value")

	tests := []struct {
		input, want string
	}{
		{"${NIX_DEPLOY_TEST_VAR}/x", "value/x"},
		{"${NIX_DEPLOY_UNSET_VAR:-fallback}", "fallback"},
		{"plain", "plain"},
	}
	for _, testCase := range tests {
		if got := expandVars(testCase.input, nil); got != testCase.want {
			t.Errorf("expandVars(%q) = %q, want %q", testCase.input, got, testCase.want)
		}
	}
}
