// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"io"
	"strings"
	"testing"

	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/termenv"
)

const instructions = `# nix-deploy: prod-server

Staged in ` + "`/tmp/nix-deploy`" + ` on ` + "`enterpriseuser@prod.example`" + `.
This line was hard wrapped in the source.

## Steps

1. Verify or install Nix

       sh /tmp/nix-deploy/install-nix.sh

   Returns immediately when Nix already responds.

2. Activate the profile

       sh /tmp/nix-deploy/activate-profile.sh

   Records the current generation first.

## Staged files

- ` + "`install-nix.sh`" + `
- ` + "`metadata.json`" + `
`

func TestRenderMarkdown_Plain(t *testing.T) {
	styles := NewStylesWithProfile(io.Discard, termenv.Ascii)
	output := RenderMarkdown(instructions, styles, 120)

	if output != ansi.Strip(output) {
		t.Error("ASCII profile output contains escape sequences")
	}
	for _, want := range []string{
		"nix-deploy: prod-server",
		"Staged in /tmp/nix-deploy on enterpriseuser@prod.example. This line was hard wrapped in the source.",
		"1. Verify or install Nix",
		"       sh /tmp/nix-deploy/install-nix.sh",
		"   Returns immediately when Nix already responds.",
		"2. Activate the profile",
		"- install-nix.sh",
		"- metadata.json",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q\n\nFull output:\n%s", want, output)
		}
	}
	if strings.Contains(output, "##") || strings.Contains(output, "`") {
		t.Errorf("markdown syntax leaked into output:\n%s", output)
	}
}

func TestRenderMarkdown_Colored(t *testing.T) {
	styles := NewStylesWithProfile(io.Discard, termenv.ANSI256)
	output := RenderMarkdown(instructions, styles, 80)

	if output == ansi.Strip(output) {
		t.Fatal("ANSI256 profile output has no escape sequences")
	}
	if !strings.Contains(ansi.Strip(output), "sh /tmp/nix-deploy/activate-profile.sh") {
		t.Errorf("highlighted command lost its text:\n%s", ansi.Strip(output))
	}
}

func TestRenderMarkdown_Wraps(t *testing.T) {
	styles := NewStylesWithProfile(io.Discard, termenv.Ascii)
	paragraph := strings.Repeat("closure ", 30)
	output := RenderMarkdown(paragraph, styles, 40)

	for _, line := range strings.Split(strings.TrimRight(output, "\n"), "\n") {
		if width := ansi.StringWidth(line); width > 40 {
			t.Errorf("line %q is %d cells wide, want at most 40", line, width)
		}
	}
}

func TestRenderMarkdown_Empty(t *testing.T) {
	if got := RenderMarkdown("", NewStylesWithProfile(io.Discard, termenv.Ascii), 80); got != "" {
		t.Errorf("RenderMarkdown(\"\") = %q, want empty", got)
	}
}

func TestBadge(t *testing.T) {
	plain := NewStylesWithProfile(io.Discard, termenv.Ascii)
	tests := []struct {
		status string
		want   string
	}{
		{"ok", "[OK     ]"},
		{"pending", "[PENDING]"},
		{"failed", "[FAILED ]"},
	}
	for _, test := range tests {
		if got := plain.Badge(test.status); got != test.want {
			t.Errorf("Badge(%q) = %q, want %q", test.status, got, test.want)
		}
	}

	colored := NewStylesWithProfile(io.Discard, termenv.ANSI256)
	if got := colored.Badge("failed"); ansi.Strip(got) != "[FAILED ]" || got == "[FAILED ]" {
		t.Errorf("colored Badge = %q, want styled [FAILED ]", got)
	}
}

func TestPadRight(t *testing.T) {
	styled := NewStylesWithProfile(io.Discard, termenv.ANSI256).Bold("abc")
	padded := PadRight(styled, 6)
	if got := ansi.StringWidth(padded); got != 6 {
		t.Errorf("width = %d, want 6", got)
	}
	if got := PadRight("abcdefgh", 4); got != "abcdefgh" {
		t.Errorf("PadRight truncated: %q", got)
	}
}
