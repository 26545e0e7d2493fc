// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package doctor provides the check-and-repair workflow behind
// "nix-deploy config validate".
//
// Each check produces a [Result]. Fixable failures carry a fix closure
// that runs in --fix mode. The package provides:
//
//   - [Result] type with status, message, and optional fix action
//   - Constructors: [Pass], [Fail], [FailWithFix], [Warn], [Skip]
//   - [ExecuteFixes] for running fix closures
//   - [PrintChecklist] for human-readable output
//   - [BuildJSON] for machine-readable output
//
// What to check lives in the commands package; this package provides
// only the workflow.
package doctor
