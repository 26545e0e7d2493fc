// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/muesli/termenv"

	"github.com/bureau-foundation/nix-deploy/cmd/nix-deploy/cli"
	"github.com/bureau-foundation/nix-deploy/lib/activate"
	"github.com/bureau-foundation/nix-deploy/lib/config"
	"github.com/bureau-foundation/nix-deploy/lib/deploy"
	"github.com/bureau-foundation/nix-deploy/lib/executor"
	"github.com/bureau-foundation/nix-deploy/lib/executor/executortest"
	"github.com/bureau-foundation/nix-deploy/lib/failure"
	"github.com/bureau-foundation/nix-deploy/lib/probe"
	"github.com/bureau-foundation/nix-deploy/lib/staging"
	"github.com/bureau-foundation/nix-deploy/lib/testutil"
)

const generation = "/nix/store/abc123abc123abc123abc123abc123ab-home-manager-generation"

// scriptRemote answers the ssh probe with report and lets every other
// remote command succeed.
func scriptRemote(fake *executortest.Fake, report probe.Report) {
	fake.Handle("ssh", func(command executor.Command) executortest.Response {
		if strings.HasSuffix(command.String(), "sh -s") {
			data, _ := json.Marshal(report)
			return executortest.Response{Stdout: string(data)}
		}
		return executortest.Response{}
	})
	fake.On("nix build", executortest.Response{Stdout: generation + "\n"})
	fake.On("nix eval", executortest.Response{Stdout: generation})
	fake.On("nix path-info --recursive", executortest.Response{Stdout: generation + "\n"})
	fake.On("nix path-info --closure-size", executortest.Response{
		Stdout: `{"` + generation + `":{"closureSize":1048576}}`,
	})
}

func freshHost() probe.Report {
	return probe.Report{
		Platform:     "ubuntu",
		Architecture: "x86_64",
		Kernel:       "5.15.0-91-generic",
		Nix:          probe.NotInstalled,
		HomeManager:  probe.NotInstalled,
		DiskFreeMB:   20480,
		MemoryFreeMB: 4096,
	}
}

// deployableTarget is sampleTarget with a cross-compiled nix-deploy to
// stage, so the result does not depend on the test machine's
// architecture.
func deployableTarget(t *testing.T, name string) *config.Target {
	t.Helper()
	target := sampleTarget(name)
	target.RemoteBinary = testutil.WriteExecutable(t, t.TempDir(), "nix-deploy-linux-amd64", "#!/bin/sh\n")
	return target
}

func TestDeployBootstrapExitsWithTwo(t *testing.T) {
	h := newHarness(t)
	h.saveTarget(t, deployableTarget(t, "prod-server"))
	scriptRemote(h.fake, freshHost())

	err := h.run("--target", "prod-server", "--config-dir", h.dir, "--workdir", t.TempDir())
	requireExitCode(t, err, 2)

	output := h.stdout.String()
	for _, want := range []string{
		"nix-deploy: prod-server (enterpriseuser@prod-server.example)",
		"store:   ssh://enterpriseuser@prod-server.example",
		"[OK     ]  probe",
		"[PENDING]  install",
		staging.InstallScript,
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
	if h.fake.Count("nix copy") != 0 {
		t.Errorf("copied to a host without nix: %v", h.fake.Lines())
	}
}

func TestDeployJSONReportsBootstrap(t *testing.T) {
	h := newHarness(t)
	h.saveTarget(t, deployableTarget(t, "prod-server"))
	scriptRemote(h.fake, freshHost())

	requireExitCode(t, h.run("--target", "prod-server", "--config-dir", h.dir, "--workdir", t.TempDir(), "--json"), 2)

	var output struct {
		Target    string `json:"target"`
		Bootstrap bool   `json:"bootstrap"`
		Phases    []struct {
			Phase  string `json:"phase"`
			Status string `json:"status"`
		} `json:"phases"`
		Failure *failureOutput `json:"failure"`
	}
	if err := json.Unmarshal(h.stdout.Bytes(), &output); err != nil {
		t.Fatalf("decoding %q: %v", h.stdout.String(), err)
	}
	if output.Target != "prod-server" || !output.Bootstrap || output.Failure != nil {
		t.Errorf("output = %+v", output)
	}
	if len(output.Phases) != len(deploy.Phases) {
		t.Errorf("phases = %+v, want all %d", output.Phases, len(deploy.Phases))
	}
}

func TestDeployWithoutRemoteBinary(t *testing.T) {
	h := newHarness(t)
	h.saveTarget(t, sampleTarget("prod-server"))
	report := freshHost()
	report.Architecture = "aarch64"
	scriptRemote(h.fake, report)

	err := h.run("--target", "prod-server", "--config-dir", h.dir, "--workdir", t.TempDir())
	toolError := requireCategory(t, err, cli.CategoryValidation)
	if !strings.Contains(toolError.Error(), "no nix-deploy binary for linux/aarch64") {
		t.Errorf("error = %v", toolError)
	}
	if !strings.Contains(toolError.Hint, "GOARCH=arm64") || !strings.Contains(toolError.Hint, "remote_binary") {
		t.Errorf("Hint = %q", toolError.Hint)
	}
	if h.fake.Count("scp") != 0 {
		t.Errorf("staged files without a binary: %v", h.fake.Lines())
	}
}

func TestDeployConnectFailure(t *testing.T) {
	h := newHarness(t)
	h.saveTarget(t, sampleTarget("prod-server"))
	h.fake.On("ssh", executortest.Response{
		ExitCode: 255,
		Stderr:   "ssh: connect to host prod-server.example port 22: Connection refused",
	})

	err := h.run("--target", "prod-server", "--config-dir", h.dir)
	toolError := requireCategory(t, err, cli.CategoryTransient)
	message := toolError.Error()
	for _, want := range []string{"probe phase failed (connectivity, exit status 255)", "To fix: ssh enterpriseuser@prod-server.example true"} {
		if !strings.Contains(message, want) {
			t.Errorf("error missing %q:\n%s", want, message)
		}
	}
	if !strings.Contains(h.stdout.String(), "[FAILED ]  probe") {
		t.Errorf("output:\n%s", h.stdout.String())
	}
}

func TestDeployArgumentErrors(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		category cli.ErrorCategory
		message  string
	}{
		{"no target", nil, cli.CategoryValidation, "--target is required"},
		{"combined modes", []string{"--target", "prod-server", "--dry-run", "--rollback"}, cli.CategoryValidation, "cannot be combined"},
		{"positional", []string{"deploy-everything"}, cli.CategoryValidation, "unknown command or argument"},
		{"unknown target", []string{"--target", "ghost"}, cli.CategoryNotFound, `target "ghost" not found`},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			h := newHarness(t)
			h.saveTarget(t, sampleTarget("prod-server"))
			args := append([]string{"--config-dir", h.dir}, test.args...)
			toolError := requireCategory(t, h.run(args...), test.category)
			if !strings.Contains(toolError.Error(), test.message) {
				t.Errorf("error = %v, want it to contain %q", toolError, test.message)
			}
			if len(h.fake.Calls()) != 0 {
				t.Errorf("ran commands: %v", h.fake.Lines())
			}
		})
	}
}

func TestDeployRejectsInvalidTarget(t *testing.T) {
	h := newHarness(t)
	target := sampleTarget("prod-server")
	target.Profile = ""
	h.saveTarget(t, target)

	toolError := requireCategory(t, h.run("--target", "prod-server", "--config-dir", h.dir), cli.CategoryValidation)
	if !strings.Contains(toolError.Hint, "edit-target prod-server") {
		t.Errorf("Hint = %q", toolError.Hint)
	}
}

func TestDeployError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		category cli.ErrorCategory
		want     []string
	}{
		{
			name: "transfer with remediation",
			err: &deploy.PhaseError{
				Phase: deploy.PhaseTransfer, Kind: failure.InsufficientResource, ExitStatus: 1,
				Remediation: "nix-collect-garbage -d", Err: errors.New("No space left on device"),
			},
			category: cli.CategoryConflict,
			want:     []string{"transfer phase failed (insufficient_resource, exit status 1): No space left on device", "To fix: nix-collect-garbage -d"},
		},
		{
			name: "inferred kind without exit status",
			err: &deploy.PhaseError{
				Phase: deploy.PhaseTransfer, Kind: failure.RuntimeMissing, ExitStatus: -1, Inferred: true,
				Err: errors.New("copy failed"),
			},
			category: cli.CategoryNotFound,
			want:     []string{"transfer phase failed (runtime_missing, inferred): copy failed"},
		},
		{
			name:     "build",
			err:      &deploy.PhaseError{Phase: deploy.PhaseBuild, Kind: failure.Build, ExitStatus: 1, Err: errors.New("attribute missing")},
			category: cli.CategoryValidation,
			want:     []string{"build phase failed (build, exit status 1)"},
		},
		{
			name:     "declined",
			err:      &deploy.PhaseError{Phase: deploy.PhaseTransfer, Kind: failure.Validation, ExitStatus: -1, Err: deploy.ErrDeclined},
			category: cli.CategoryConflict,
			want:     []string{"transfer declined"},
		},
		{
			name:     "untyped",
			err:      fmt.Errorf("creating work directory: %w", errors.New("read-only file system")),
			category: cli.CategoryInternal,
			want:     []string{"read-only file system"},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			toolError := requireCategory(t, deployError(test.err), test.category)
			for _, want := range test.want {
				if !strings.Contains(toolError.Error(), want) {
					t.Errorf("error = %q, want it to contain %q", toolError.Error(), want)
				}
			}
		})
	}
}

func TestFailureReport(t *testing.T) {
	t.Parallel()
	if failureReport(nil) != nil {
		t.Error("failureReport(nil) != nil")
	}
	report := failureReport(&deploy.PhaseError{
		Phase: deploy.PhaseProbe, Kind: failure.Connectivity, ExitStatus: 255,
		Remediation: "ssh host true", Err: errors.New("Connection refused"),
	})
	if report.Phase != deploy.PhaseProbe || report.Kind != failure.Connectivity || report.ExitStatus != 255 ||
		report.Remediation != "ssh host true" || report.Message != "Connection refused" {
		t.Errorf("report = %+v", report)
	}
}

func TestPrintSummary(t *testing.T) {
	t.Parallel()
	styles := cli.NewStylesWithProfile(io.Discard, termenv.Ascii)
	summary := deploy.Summary{
		Target:     "prod-server",
		Address:    "enterpriseuser@prod.example",
		StoreURI:   "ssh-ng://enterpriseuser@prod.example:2222",
		StagingDir: "/tmp/nix-deploy",
		Phases: []deploy.PhaseResult{
			{Phase: deploy.PhaseProbe, Status: deploy.StatusOK, Detail: "ubuntu 22.04 x86_64", Duration: 1500 * time.Millisecond},
			{Phase: deploy.PhaseBuild, Status: deploy.StatusPlanned, Detail: "would build " + generation},
			{Phase: deploy.PhaseTransfer, Status: deploy.StatusSkipped, Detail: "remote already staged"},
		},
		CopyCommand: "nix copy --to ssh-ng://enterpriseuser@prod.example:2222 " + generation,
		Notes:       []string{"closure is large"},
		OperatorSteps: []staging.Step{
			{Title: "Activate the profile", Command: "sh /tmp/nix-deploy/activate-profile.sh"},
		},
		Rollback: &activate.RollbackPlan{
			Record:   activate.BackupRecord{Generation: 7, PreviousPath: "/nix/store/old", Timestamp: time.Now().Add(-time.Hour)},
			Commands: []string{"nix-env --profile p --switch-generation 7"},
		},
	}

	var output strings.Builder
	printSummary(&output, styles, summary, 80)
	text := output.String()
	for _, want := range []string{
		"store:   ssh-ng://enterpriseuser@prod.example:2222",
		"[OK     ]  probe     ubuntu 22.04 x86_64  1.5s",
		"[PLANNED]  build",
		"[SKIPPED]  transfer",
		"Planned copy:",
		"note: closure is large",
		"Backup: generation 7 (/nix/store/old), recorded 1 hour ago",
		"nix-env --profile p --switch-generation 7",
		"1. Activate the profile",
		"sh /tmp/nix-deploy/activate-profile.sh",
		"elapsed 1.5s",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
}
