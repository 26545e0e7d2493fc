// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package deploy

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/nix-deploy/lib/failure"
)

// PhaseError is a failed phase.
type PhaseError struct {
	Phase Phase
	Kind  failure.Kind

	// ExitStatus is the exit status of the failed command, -1 when
	// no command ran to completion.
	ExitStatus int

	// Remediation is a command or instruction for the operator.
	Remediation string

	// Inferred is set when Kind is a best guess rather than read from
	// the command's output.
	Inferred bool

	Err error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s phase failed (%s): %v", e.Phase, e.Kind, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// ErrDeclined is returned when the operator declines the transfer
// confirmation.
var ErrDeclined = errors.New("transfer declined")

// kinded is implemented by errors that know their failure kind
// (installer and activator errors).
type kinded interface {
	Kind() failure.Kind
}

// KindOf returns the failure kind carried by err, or "" when none.
func KindOf(err error) failure.Kind {
	var phaseError *PhaseError
	if errors.As(err, &phaseError) {
		return phaseError.Kind
	}
	var withKind kinded
	if errors.As(err, &withKind) {
		return withKind.Kind()
	}
	return ""
}
