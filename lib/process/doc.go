// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides the binary entrypoint's error handling:
// turning the error a command tree returns into stderr output and a
// process exit status.
//
// Commands that already printed their own result (a failed validation
// checklist, a bootstrap-only deployment) return an error implementing
// ExitCode() int; only the status is used. Every other error is
// printed once as "error: ..." with status 1.
package process
