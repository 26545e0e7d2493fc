// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package executor runs external commands (nix, ssh, scp, sh) on behalf
// of the deployment phases. Every phase takes an [Executor] rather than
// calling os/exec directly, so that tests can substitute the scripted
// fake in executortest and assert the exact command sequence a phase
// produced.
//
// [OS] is the production implementation. A command that exits non-zero
// returns an [*ExitError] carrying the full [Result], so callers can
// inspect stderr and the exit status when classifying failures.
package executor
