// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package failure names the kinds of deployment failure. Each phase
// reports failures with one of these kinds so the operator sees the
// same vocabulary (and the same remediation style) whichever phase
// broke.
package failure

// Kind classifies a deployment failure.
type Kind string

const (
	// Connectivity: the remote could not be reached or the SSH
	// session dropped.
	Connectivity Kind = "connectivity"

	// RuntimeMissing: Nix (or a tool it needs) is absent on the host
	// that must run it.
	RuntimeMissing Kind = "runtime_missing"

	// InsufficientResource: disk space or write permission under /nix
	// ran out.
	InsufficientResource Kind = "insufficient_resource"

	// Validation: an input (configuration, metadata, store path) is
	// unusable. Nothing was changed.
	Validation Kind = "validation"

	// Activation: the profile's activate script failed.
	Activation Kind = "activation"

	// Build: nix build or nix eval failed locally.
	Build Kind = "build"
)

// Kinds lists every kind, in the order they are documented.
var Kinds = []Kind{Connectivity, RuntimeMissing, InsufficientResource, Validation, Activation, Build}
