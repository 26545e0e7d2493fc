// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package activate

import (
	"fmt"

	"github.com/bureau-foundation/nix-deploy/lib/failure"
)

// Check names a precondition. They run in declaration order and the
// first failure stops activation before anything is modified.
type Check string

const (
	// CheckMetadata: metadata.json parses and names a store path.
	CheckMetadata Check = "metadata"

	// CheckStorePath: the store path exists on this host.
	CheckStorePath Check = "store_path"

	// CheckActivateScript: <store path>/activate exists and is
	// executable.
	CheckActivateScript Check = "activate_script"
)

// ValidationError is a failed precondition. Nothing was changed.
type ValidationError struct {
	Check Check
	Path  string
	Err   error
}

func (e *ValidationError) Error() string {
	switch e.Check {
	case CheckStorePath:
		return fmt.Sprintf("store path %s does not exist on this host (was the copy interrupted? re-run the deployment)", e.Path)
	case CheckActivateScript:
		return fmt.Sprintf("%s is not an executable activation script: %v", e.Path, e.Err)
	default:
		return fmt.Sprintf("metadata %s: %v", e.Path, e.Err)
	}
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Kind classifies the error for the deployment's failure taxonomy.
func (e *ValidationError) Kind() failure.Kind { return failure.Validation }

// ActivationError is a failed activate script. Output is the
// script's combined output, verbatim.
type ActivationError struct {
	StorePath  string
	ExitStatus int
	Output     string
	Err        error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("activating %s: exit status %d", e.StorePath, e.ExitStatus)
}

func (e *ActivationError) Unwrap() error { return e.Err }

// Kind classifies the error for the deployment's failure taxonomy.
func (e *ActivationError) Kind() failure.Kind { return failure.Activation }
