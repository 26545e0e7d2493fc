// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package installer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bureau-foundation/nix-deploy/lib/executor"
	"github.com/bureau-foundation/nix-deploy/lib/executor/executortest"
	"github.com/bureau-foundation/nix-deploy/lib/testutil"
)

func notFound(string) (string, error) { return "", errors.New("not found") }

func newInstaller(t *testing.T, fake *executortest.Fake) (*Installer, string) {
	t.Helper()
	root := t.TempDir()
	home := testutil.MkdirAll(t, root, "home/alice")
	return &Installer{
		Executor: fake,
		Logger:   slog.New(slog.DiscardHandler),
		Home:     home,
		User:     "alice",
		Root:     root,
		LookPath: notFound,
	}, root
}

func statesString(states []State) string {
	var names []string
	for _, state := range states {
		names = append(names, string(state))
	}
	return strings.Join(names, " → ")
}

func TestInstallSkipsWhenNixResponds(t *testing.T) {
	t.Parallel()

	fake := executortest.New().On("/nix/bin/nix --version", executortest.Response{Stdout: "nix (Nix) 2.18.1\n"})
	installer, _ := newInstaller(t, fake)
	installer.LookPath = func(string) (string, error) { return "/nix/bin/nix", nil }

	result, err := installer.Install(context.Background(), Options{WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if statesString(result.Transitions) != "VERIFIED" {
		t.Errorf("transitions = %s, want VERIFIED only", statesString(result.Transitions))
	}
	if result.Method != "existing" || result.Version != "nix (Nix) 2.18.1" {
		t.Errorf("Method = %q, Version = %q", result.Method, result.Version)
	}
	if count := fake.Count("sh"); count != 0 {
		t.Errorf("%d install commands ran on a host that already has nix", count)
	}
}

func TestInstallOnline(t *testing.T) {
	t.Parallel()

	fake := executortest.New().
		On("sh -c . ", executortest.Response{Stdout: "nix (Nix) 2.24.9\n"})
	installer, _ := newInstaller(t, fake)

	result, err := installer.Install(context.Background(), Options{WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	want := "NOT_INSTALLED → TRYING_ONLINE → ONLINE_OK → CONFIGURING → VERIFIED"
	if statesString(result.Transitions) != want {
		t.Errorf("transitions = %s, want %s", statesString(result.Transitions), want)
	}
	if result.Method != "online" || result.Version != "nix (Nix) 2.24.9" {
		t.Errorf("Method = %q, Version = %q", result.Method, result.Version)
	}

	online := fake.Lines()[0]
	for _, want := range []string{"curl", "--proto", "--tlsv1.2", DefaultInstallerURL, "sh -s -- --no-daemon --yes"} {
		if !strings.Contains(online, want) {
			t.Errorf("online install command %q missing %q", online, want)
		}
	}
}

func TestInstallFallsBackToOffline(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()
	offline := testutil.WriteExecutable(t, workDir, OfflineInstallerName, "#!/bin/sh\n")

	fake := executortest.New().
		On("sh -c curl", executortest.Response{ExitCode: 6, Stderr: "curl: (6) Could not resolve host: nixos.org"}).
		On("sh -c . ", executortest.Response{Stdout: "nix (Nix) 2.18.1\n"})
	installer, _ := newInstaller(t, fake)

	result, err := installer.Install(context.Background(), Options{WorkDir: workDir})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	want := "NOT_INSTALLED → TRYING_ONLINE → TRYING_OFFLINE → OFFLINE_OK → CONFIGURING → VERIFIED"
	if statesString(result.Transitions) != want {
		t.Errorf("transitions = %s, want %s", statesString(result.Transitions), want)
	}
	if result.Method != "offline" {
		t.Errorf("Method = %q, want offline", result.Method)
	}
	if online := fake.Count("sh -c curl"); online != 1 {
		t.Errorf("online installer ran %d times, want exactly 1", online)
	}
	if count := fake.Count("sh " + offline); count != 1 {
		t.Errorf("offline installer ran %d times, want exactly 1", count)
	}
}

func TestInstallFailsWithoutOfflineInstaller(t *testing.T) {
	t.Parallel()

	fake := executortest.New().On("sh -c curl", executortest.Response{ExitCode: 7})
	installer, _ := newInstaller(t, fake)

	result, err := installer.Install(context.Background(), Options{WorkDir: t.TempDir()})
	var missing *RuntimeMissingError
	if !errors.As(err, &missing) {
		t.Fatalf("Install error = %v, want *RuntimeMissingError", err)
	}
	if missing.Offline != nil {
		t.Errorf("Offline = %v, want nil when no offline installer was staged", missing.Offline)
	}
	want := "NOT_INSTALLED → TRYING_ONLINE → TRYING_OFFLINE → FAILED"
	if statesString(result.Transitions) != want {
		t.Errorf("transitions = %s, want %s", statesString(result.Transitions), want)
	}
	if fake.Count("sh -c . ") != 0 {
		t.Error("verification ran after the install failed")
	}
	if _, err := os.Stat(filepath.Join(installer.Home, ".config", "nix", "nix.conf")); !os.IsNotExist(err) {
		t.Errorf("nix.conf was written after the install failed: %v", err)
	}
}

func TestInstallFailsWhenBothInstallersFail(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()
	offline := testutil.WriteExecutable(t, workDir, OfflineInstallerName, "#!/bin/sh\nexit 1\n")
	fake := executortest.New().
		On("sh -c curl", executortest.Response{ExitCode: 7}).
		On("sh "+offline, executortest.Response{ExitCode: 1, Stderr: "tar: short read"})
	installer, _ := newInstaller(t, fake)

	result, err := installer.Install(context.Background(), Options{WorkDir: workDir})
	var missing *RuntimeMissingError
	if !errors.As(err, &missing) || missing.Offline == nil {
		t.Fatalf("Install error = %v, want *RuntimeMissingError with both causes", err)
	}
	if result.Final != StateFailed {
		t.Errorf("Final = %s, want FAILED", result.Final)
	}
	if fake.Count("sh -c curl") != 1 || fake.Count("sh "+offline) != 1 {
		t.Errorf("installers retried:\n%s", strings.Join(fake.Lines(), "\n"))
	}
}

func TestInstallPreparesNixDirectoryOnWSL(t *testing.T) {
	t.Parallel()

	fake := executortest.New().On("sh -c . ", executortest.Response{Stdout: "nix (Nix) 2.18.1\n"})
	installer, root := newInstaller(t, fake)

	if _, err := installer.Install(context.Background(), Options{WorkDir: t.TempDir(), WSL: true}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	lines := fake.Lines()
	nixDir := filepath.Join(root, "nix")
	if len(lines) < 3 || lines[0] != "sudo mkdir -m 0755 "+nixDir || lines[1] != "sudo chown alice "+nixDir {
		t.Errorf("WSL pre-step commands:\n%s", strings.Join(lines, "\n"))
	}
	if !strings.HasPrefix(lines[2], "sh -c curl") {
		t.Errorf("online install did not follow the WSL pre-step: %q", lines[2])
	}
}

func TestConfigureIsIdempotent(t *testing.T) {
	t.Parallel()

	installer, _ := newInstaller(t, executortest.New())
	path := testutil.WriteFile(t, installer.Home, ".config/nix/nix.conf", "max-jobs = 4")

	for attempt := range 3 {
		got, appended, err := installer.Configure(context.Background())
		if err != nil {
			t.Fatalf("Configure #%d: %v", attempt, err)
		}
		if got != path {
			t.Errorf("path = %q, want %q", got, path)
		}
		if appended != (attempt == 0) {
			t.Errorf("attempt %d appended = %t", attempt, appended)
		}
	}

	content := testutil.ReadFile(t, path)
	if count := strings.Count(content, ConfigMarker); count != 1 {
		t.Errorf("marker appears %d times:\n%s", count, content)
	}
	if !strings.HasPrefix(content, "max-jobs = 4\n\n"+ConfigMarker) {
		t.Errorf("existing settings not preserved:\n%s", content)
	}
	for _, setting := range []string{"experimental-features = nix-command flakes", "require-sigs = false", "sandbox = false"} {
		if !strings.Contains(content, setting) {
			t.Errorf("nix.conf missing %q", setting)
		}
	}
}

func TestConfigureMultiUser(t *testing.T) {
	t.Parallel()

	installer, root := newInstaller(t, executortest.New())
	testutil.MkdirAll(t, root, "etc/nix")

	path, appended, err := installer.Configure(context.Background())
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if path != filepath.Join(root, "etc/nix/nix.conf") || !appended {
		t.Errorf("path = %q, appended = %t", path, appended)
	}
}

func TestConfigureFallsBackToSudo(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores file permissions")
	}
	t.Parallel()

	var piped string
	fake := executortest.New().Handle("sudo tee -a", func(command executor.Command) executortest.Response {
		data, _ := io.ReadAll(command.Stdin)
		piped = string(data)
		return executortest.Response{}
	})
	installer, root := newInstaller(t, fake)
	path := testutil.WriteFile(t, root, "etc/nix/nix.conf", "build-users-group = nixbld\n")
	if err := os.Chmod(path, 0o444); err != nil {
		t.Fatal(err)
	}

	if _, appended, err := installer.Configure(context.Background()); err != nil || !appended {
		t.Fatalf("Configure = %t, %v", appended, err)
	}
	if !strings.Contains(piped, ConfigMarker) {
		t.Errorf("sudo tee received %q", piped)
	}
}
