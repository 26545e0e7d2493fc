// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/bureau-foundation/nix-deploy/lib/failure"
	"github.com/bureau-foundation/nix-deploy/lib/probe"
)

// Classification is a best-effort diagnosis of a failed copy. nix
// copy does not report a machine-readable cause, so the kind is read
// from stderr when a known message appears and otherwise inferred
// from what the probe saw before the copy started.
type Classification struct {
	Kind failure.Kind

	// Inferred is set when no stderr pattern matched and the kind
	// came from the probe report and closure size.
	Inferred bool

	// Reason is a one-line explanation for the operator.
	Reason string
}

type pattern struct {
	kind   failure.Kind
	match  func(line string) bool
	reason string
}

func contains(substrings ...string) func(string) bool {
	return func(line string) bool {
		for _, substring := range substrings {
			if strings.Contains(line, substring) {
				return true
			}
		}
		return false
	}
}

// Checked in order against each lowercased stderr line. SSH
// authentication failures say "permission denied (publickey" and must
// match before the /nix permission pattern.
var patterns = []pattern{
	{failure.Connectivity, contains("connection refused"), "the remote refused the SSH connection"},
	{failure.Connectivity, contains("connection timed out", "operation timed out", "timed out while waiting"), "the SSH connection timed out"},
	{failure.Connectivity, contains("could not resolve hostname", "name or service not known"), "the host name does not resolve"},
	{failure.Connectivity, contains("host key verification failed", "remote host identification has changed"), "the remote host key is not trusted"},
	{failure.Connectivity, contains("no route to host", "network is unreachable"), "the remote is unreachable"},
	{failure.Connectivity, contains("connection reset", "broken pipe", "connection closed by"), "the SSH session dropped"},
	{failure.Connectivity, contains("permission denied (publickey", "too many authentication failures"), "SSH authentication failed"},
	{failure.RuntimeMissing, func(line string) bool {
		return (strings.Contains(line, "not found") || strings.Contains(line, "no such file or directory")) &&
			(strings.Contains(line, "nix-store") || strings.Contains(line, "nix-daemon") || strings.Contains(line, "command not found"))
	}, "the remote has no usable Nix"},
	{failure.InsufficientResource, contains("no space left on device", "disk quota exceeded"), "the remote ran out of disk space"},
	{failure.InsufficientResource, func(line string) bool {
		return strings.Contains(line, "permission denied") && strings.Contains(line, "/nix")
	}, "the remote user cannot write to /nix"},
}

// sshFailureStatus is the exit status ssh uses for its own errors.
const sshFailureStatus = 255

// Classify diagnoses a failed copy from its stderr and exit status,
// falling back to the probe report and the closure size.
func Classify(stderr string, exitCode int, report probe.Report, closureSize int64) Classification {
	for _, line := range strings.Split(strings.ToLower(stderr), "\n") {
		for _, candidate := range patterns {
			if candidate.match(line) {
				return Classification{Kind: candidate.kind, Reason: candidate.reason}
			}
		}
	}
	if exitCode == sshFailureStatus {
		return Classification{Kind: failure.Connectivity, Reason: "ssh exited with status 255"}
	}

	switch {
	case !report.NixInstalled():
		return Classification{Kind: failure.RuntimeMissing, Inferred: true, Reason: "the probe found no Nix on the remote"}
	case report.DiskFreeKnown() && closureSize > report.DiskFreeMB*humanize.MiByte:
		return Classification{
			Kind:     failure.InsufficientResource,
			Inferred: true,
			Reason: "the closure (" + humanize.IBytes(uint64(closureSize)) + ") is larger than the remote's free space (" +
				humanize.IBytes(uint64(report.DiskFreeMB)*humanize.MiByte) + ")",
		}
	default:
		return Classification{Kind: failure.Connectivity, Inferred: true, Reason: "no specific cause found; the connection is the most likely failure"}
	}
}
