// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

type handled struct{ code int }

func (h *handled) Error() string { return fmt.Sprintf("exit code %d", h.code) }
func (h *handled) ExitCode() int { return h.code }

func TestExitStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		status int
		output string
	}{
		{"success", nil, 0, ""},
		{"plain error", errors.New("target \"ghost\" not found"), 1, "error: target \"ghost\" not found\n"},
		{"handled", &handled{code: 2}, 2, ""},
		{"wrapped handled", fmt.Errorf("deploying: %w", &handled{code: 2}), 2, ""},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			var buffer bytes.Buffer
			if status := ExitStatus(&buffer, test.err); status != test.status {
				t.Errorf("status = %d, want %d", status, test.status)
			}
			if buffer.String() != test.output {
				t.Errorf("output = %q, want %q", buffer.String(), test.output)
			}
		})
	}
}
