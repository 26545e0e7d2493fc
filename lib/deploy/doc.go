// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package deploy runs the local side of a deployment: probe the
// remote, build the profile, and transfer it, strictly in that order
// and over one SSH control connection that is closed when the
// transfer ends.
//
// The remaining two phases, install and activate, change the remote
// user's environment and are left to the operator. [Pipeline.Run]
// stages their scripts and reports them as pending, together with the
// exact commands to run.
//
// Every failure is a [*PhaseError] naming the phase, a
// [failure.Kind], the exit status of the command that failed, and a
// remediation command. Re-running after any failure is safe: builds
// and copies are idempotent, and an already-deployed store path is
// detected from the remote metadata.json.
//
// Three modes change what Run does without adding remote mutation:
// DryRun evaluates instead of building and stops before the copy,
// Resume prints the remaining operator steps from the remote metadata,
// and Rollback prints the commands that restore the previous
// generation.
package deploy
