// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	gossh "golang.org/x/crypto/ssh"

	"github.com/bureau-foundation/nix-deploy/cmd/nix-deploy/doctor"
)

func writeKey(t *testing.T, dir string, passphrase string, mode os.FileMode) string {
	t.Helper()
	_, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	var block *pem.Block
	if passphrase == "" {
		block, err = gossh.MarshalPrivateKey(private, "test key")
	} else {
		block, err = gossh.MarshalPrivateKeyWithPassphrase(private, "test key", []byte(passphrase))
	}
	if err != nil {
		t.Fatalf("MarshalPrivateKey: %v", err)
	}
	path := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), mode); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	// WriteFile is subject to the umask.
	if err := os.Chmod(path, mode); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	return path
}

func TestIdentityChecks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		setup      func(t *testing.T, dir string) string
		permission doctor.Status
		key        doctor.Status
		fixable    bool
		message    string
	}{
		{
			name:       "private key",
			setup:      func(t *testing.T, dir string) string { return writeKey(t, dir, "", 0o600) },
			permission: doctor.StatusPass,
			key:        doctor.StatusPass,
			message:    "ssh-ed25519 SHA256:",
		},
		{
			name:       "readable by group",
			setup:      func(t *testing.T, dir string) string { return writeKey(t, dir, "", 0o644) },
			permission: doctor.StatusFail,
			key:        doctor.StatusPass,
			fixable:    true,
			message:    "ssh-ed25519",
		},
		{
			name:       "passphrase protected",
			setup:      func(t *testing.T, dir string) string { return writeKey(t, dir, "hunter2", 0o600) },
			permission: doctor.StatusPass,
			key:        doctor.StatusWarn,
			message:    "ssh-agent",
		},
		{
			name: "not a key",
			setup: func(t *testing.T, dir string) string {
				path := filepath.Join(dir, "id_ed25519.pub")
				if err := os.WriteFile(path, []byte("ssh-ed25519 AAAA user@host\n"), 0o600); err != nil {
					t.Fatal(err)
				}
				return path
			},
			permission: doctor.StatusPass,
			key:        doctor.StatusFail,
			message:    "not a usable private key",
		},
		{
			name:       "missing",
			setup:      func(t *testing.T, dir string) string { return filepath.Join(dir, "absent") },
			permission: doctor.StatusFail,
			key:        doctor.StatusSkip,
			message:    "unreadable",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			path := test.setup(t, t.TempDir())
			results := identityChecks("lab", path)
			if len(results) != 2 {
				t.Fatalf("results = %+v", results)
			}
			if results[0].Status != test.permission {
				t.Errorf("permission status = %q, want %q (%s)", results[0].Status, test.permission, results[0].Message)
			}
			if results[0].HasFix() != test.fixable {
				t.Errorf("permission HasFix = %v, want %v", results[0].HasFix(), test.fixable)
			}
			if results[1].Status != test.key {
				t.Errorf("key status = %q, want %q (%s)", results[1].Status, test.key, results[1].Message)
			}
			if !strings.Contains(results[1].Message, test.message) {
				t.Errorf("key message = %q, want it to contain %q", results[1].Message, test.message)
			}
		})
	}
}

func TestValidateCommandFixesKeyPermissions(t *testing.T) {
	h := newHarness(t)
	key := writeKey(t, t.TempDir(), "", 0o644)
	target := sampleTarget("prod-server")
	target.IdentityFile = key
	h.saveTarget(t, target)

	requireExitCode(t, h.run("config", "validate", "--config-dir", h.dir), 1)
	for _, want := range []string{"[PASS   ]", "[FAIL   ]", "fix: chmod 600 " + key, "Run with --fix"} {
		if !strings.Contains(h.stdout.String(), want) {
			t.Errorf("output missing %q:\n%s", want, h.stdout.String())
		}
	}

	if err := h.run("config", "validate", "--config-dir", h.dir, "--fix"); err != nil {
		t.Fatalf("validate --fix: %v\n%s", err, h.stdout.String())
	}
	if !strings.Contains(h.stdout.String(), "1 issue(s) repaired.") {
		t.Errorf("output:\n%s", h.stdout.String())
	}
	info, err := os.Stat(key)
	if err != nil {
		t.Fatal(err)
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		t.Errorf("mode = %04o, want 0600", mode)
	}

	if err := h.run("config", "validate", "--config-dir", h.dir); err != nil {
		t.Fatalf("validate after fix: %v\n%s", err, h.stdout.String())
	}
}

func TestValidateCommandJSON(t *testing.T) {
	h := newHarness(t)
	h.env.LookPath = func(name string) (string, error) {
		if name == "nix" {
			return "", errors.New("not found")
		}
		return "/usr/bin/" + name, nil
	}
	h.saveTarget(t, sampleTarget("prod-server"))

	requireExitCode(t, h.run("config", "validate", "--config-dir", h.dir, "--json"), 1)

	var output doctor.JSONOutput
	if err := json.Unmarshal(h.stdout.Bytes(), &output); err != nil {
		t.Fatalf("decoding %q: %v", h.stdout.String(), err)
	}
	if output.OK {
		t.Error("OK = true with nix missing")
	}
	statuses := map[string]doctor.Status{}
	for _, check := range output.Checks {
		statuses[check.Name] = check.Status
	}
	want := map[string]doctor.Status{
		"config.yaml":        doctor.StatusPass,
		"local nix":          doctor.StatusFail,
		"local ssh":          doctor.StatusPass,
		"target prod-server": doctor.StatusPass,
	}
	for name, status := range want {
		if statuses[name] != status {
			t.Errorf("%s = %q, want %q", name, statuses[name], status)
		}
	}
}

func TestValidateCommandNamedTargets(t *testing.T) {
	h := newHarness(t)
	h.saveTarget(t, sampleTarget("good"))
	broken := sampleTarget("broken")
	broken.Profile = ""
	h.saveTarget(t, broken)

	if err := h.run("config", "validate", "good", "--config-dir", h.dir); err != nil {
		t.Fatalf("validate good: %v\n%s", err, h.stdout.String())
	}
	if strings.Contains(h.stdout.String(), "broken") {
		t.Errorf("unnamed target was checked:\n%s", h.stdout.String())
	}
	requireExitCode(t, h.run("config", "validate", "--config-dir", h.dir), 1)
	if !strings.Contains(h.stdout.String(), "profile is required") {
		t.Errorf("output:\n%s", h.stdout.String())
	}
}

func TestValidateCommandNoTargetsWarns(t *testing.T) {
	h := newHarness(t)
	if err := h.run("config", "validate", "--config-dir", h.dir); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(h.stdout.String(), "[WARN   ]") {
		t.Errorf("output:\n%s", h.stdout.String())
	}
}
