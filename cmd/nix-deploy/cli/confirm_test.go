// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"strings"
	"testing"
)

func TestConfirm(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    bool
		prompts int
	}{
		{"yes", "y\n", true, 1},
		{"full yes", "YES\n", true, 1},
		{"no", "n\n", false, 1},
		{"default is no", "\n", false, 1},
		{"closed stdin", "", false, 1},
		{"retry on garbage", "maybe\ny\n", true, 2},
		{"garbage then eof", "maybe", false, 1},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var out bytes.Buffer
			got, err := confirm(strings.NewReader(test.input), &out, "Copy to lab?")
			if err != nil {
				t.Fatalf("confirm: %v", err)
			}
			if got != test.want {
				t.Errorf("confirm = %v, want %v", got, test.want)
			}
			if prompts := strings.Count(out.String(), "Copy to lab? [y/N]"); prompts != test.prompts {
				t.Errorf("prompted %d times, want %d; output %q", prompts, test.prompts, out.String())
			}
		})
	}
}
