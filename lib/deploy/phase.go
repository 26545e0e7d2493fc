// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package deploy

import "time"

// Phase names a pipeline phase.
type Phase string

const (
	PhaseProbe    Phase = "probe"
	PhaseBuild    Phase = "build"
	PhaseTransfer Phase = "transfer"
	PhaseInstall  Phase = "install"
	PhaseActivate Phase = "activate"
)

// Phases lists every phase in execution order.
var Phases = []Phase{PhaseProbe, PhaseBuild, PhaseTransfer, PhaseInstall, PhaseActivate}

// Status is the outcome of one phase.
type Status string

const (
	// StatusOK: the phase ran and succeeded.
	StatusOK Status = "ok"

	// StatusSkipped: nothing to do (already deployed).
	StatusSkipped Status = "skipped"

	// StatusPlanned: dry run; the phase would run.
	StatusPlanned Status = "planned"

	// StatusPending: left for the operator on the remote.
	StatusPending Status = "pending"

	// StatusFailed: the phase failed; see the PhaseError.
	StatusFailed Status = "failed"
)

// PhaseResult reports one phase.
type PhaseResult struct {
	Phase    Phase         `json:"phase"`
	Status   Status        `json:"status"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration_ns,omitempty"`
}
