// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// exitCoder is implemented by errors that carry a handled exit status.
type exitCoder interface {
	ExitCode() int
}

// ExitStatus returns the process exit status for err, writing
// "error: err" to w unless err carries its own status.
func ExitStatus(w io.Writer, err error) int {
	if err == nil {
		return 0
	}
	var coder exitCoder
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	fmt.Fprintf(w, "error: %v\n", err)
	return 1
}

// Exit terminates the process with the status for err.
func Exit(err error) {
	os.Exit(ExitStatus(os.Stderr, err))
}
