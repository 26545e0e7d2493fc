// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for nix-deploy packages.
//
// [WriteFile] and [WriteExecutable] build synthetic filesystems under
// t.TempDir(): fake /etc/os-release files, fake store paths with an
// activate script, fake home directories. [ReadFile] reads one back.
//
// [Env] returns a getenv function backed by a map, for code that takes
// an injectable environment instead of reading the process's own.
// Tests that use it can run in parallel, which t.Setenv forbids.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no nix-deploy dependencies.
package testutil
