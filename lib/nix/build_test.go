// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nix

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/bureau-foundation/nix-deploy/lib/executor/executortest"
)

const generationPath = "/nix/store/abc123-home-manager-generation"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInstallable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		flake, profile, want string
	}{
		{".", "enterpriseuser", `.#homeConfigurations."enterpriseuser".activationPackage`},
		{"github:me/dotfiles", "alice", `github:me/dotfiles#homeConfigurations."alice".activationPackage`},
		{".#homeConfigurations.bob.activationPackage", "ignored", ".#homeConfigurations.bob.activationPackage"},
		{"path:/src/dotfiles", "", "path:/src/dotfiles"},
	}
	for _, testCase := range tests {
		if got := Installable(testCase.flake, testCase.profile); got != testCase.want {
			t.Errorf("Installable(%q, %q) = %q, want %q", testCase.flake, testCase.profile, got, testCase.want)
		}
	}
}

func TestBuild_ReturnsStorePathAndSize(t *testing.T) {
	t.Parallel()

	fake := executortest.New().
		On("nix build", executortest.Response{Stdout: generationPath + "\n"}).
		On("nix path-info --closure-size", executortest.Response{
			Stdout: `{"` + generationPath + `":{"closureSize":1572864}}`,
		})

	builder := &Builder{
		Executor: fake,
		Options:  BuildOptions{MaxJobs: 4, Cores: 2},
		Logger:   testLogger(),
	}
	profile, err := builder.Build(context.Background(), ".#hm")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if profile.StorePath != generationPath {
		t.Errorf("StorePath = %q, want %q", profile.StorePath, generationPath)
	}
	if profile.ClosureSize != 1572864 {
		t.Errorf("ClosureSize = %d, want 1572864", profile.ClosureSize)
	}
	if profile.HumanSize() != "1.5 MiB" {
		t.Errorf("HumanSize = %q, want 1.5 MiB", profile.HumanSize())
	}

	buildLine := fake.Lines()[0]
	for _, want := range []string{"--no-link", "--print-out-paths", "--max-jobs 4", "--cores 2"} {
		if !strings.Contains(buildLine, want) {
			t.Errorf("build command %q missing %q", buildLine, want)
		}
	}
}

func TestBuild_PropagatesNixStderrVerbatim(t *testing.T) {
	t.Parallel()

	fake := executortest.New().On("nix build", executortest.Response{
		ExitCode: 1,
		Stderr:   "error: flake 'path:/src' does not provide attribute 'homeConfigurations.\"x\"'\n",
	})
	builder := &Builder{Executor: fake, Logger: testLogger()}

	_, err := builder.Build(context.Background(), "path:/src#x")
	if err == nil {
		t.Fatal("expected build error")
	}
	if !strings.Contains(err.Error(), `does not provide attribute 'homeConfigurations."x"'`) {
		t.Errorf("error = %q, want nix stderr verbatim", err.Error())
	}
}

func TestBuild_RejectsNonStoreOutput(t *testing.T) {
	t.Parallel()

	fake := executortest.New().On("nix build", executortest.Response{Stdout: "warning: dirty tree\n"})
	builder := &Builder{Executor: fake, Logger: testLogger()}

	if _, err := builder.Build(context.Background(), ".#hm"); err == nil {
		t.Fatal("expected error for non-store output")
	}
}

func TestBuild_SizeFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	fake := executortest.New().
		On("nix build", executortest.Response{Stdout: generationPath}).
		On("nix path-info", executortest.Response{ExitCode: 1, Stderr: "boom"})
	builder := &Builder{Executor: fake, Logger: testLogger()}

	profile, err := builder.Build(context.Background(), ".#hm")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if profile.HumanSize() != "unknown" {
		t.Errorf("HumanSize = %q, want unknown", profile.HumanSize())
	}
}

func TestParseClosureSize_ArrayForm(t *testing.T) {
	t.Parallel()

	output := `[{"path":"/nix/store/other","closureSize":1},{"path":"` + generationPath + `","closureSize":42}]`
	size, err := parseClosureSize(output, generationPath)
	if err != nil {
		t.Fatalf("parseClosureSize: %v", err)
	}
	if size != 42 {
		t.Errorf("size = %d, want 42", size)
	}
}

func TestParseClosureSize_MissingEntry(t *testing.T) {
	t.Parallel()

	if _, err := parseClosureSize(`{}`, generationPath); err == nil {
		t.Fatal("expected error for missing entry")
	}
}

func TestClosure_SplitsLines(t *testing.T) {
	t.Parallel()

	fake := executortest.New().On("nix path-info --recursive", executortest.Response{
		Stdout: "/nix/store/a-dep\n\n/nix/store/b-dep\n" + generationPath + "\n",
	})
	builder := &Builder{Executor: fake, Logger: testLogger()}

	paths, err := builder.Closure(context.Background(), generationPath)
	if err != nil {
		t.Fatalf("Closure: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("paths = %v, want 3 entries", paths)
	}
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	fake := executortest.New().On("nix eval --raw", executortest.Response{Stdout: generationPath})
	builder := &Builder{Executor: fake, Logger: testLogger()}

	path, err := builder.Evaluate(context.Background(), ".#hm")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if path != generationPath {
		t.Errorf("path = %q", path)
	}
	if fake.Lines()[0] != "nix eval --raw .#hm.outPath" {
		t.Errorf("command = %q", fake.Lines()[0])
	}
}
