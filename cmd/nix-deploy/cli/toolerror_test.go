// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestToolError_ErrorWithoutHint(t *testing.T) {
	err := Validation("missing required flag --target")
	if err.Error() != "missing required flag --target" {
		t.Errorf("Error() = %q, want %q", err.Error(), "missing required flag --target")
	}
}

func TestToolError_ErrorWithHint(t *testing.T) {
	err := Validation("missing required flag --target").
		WithHint("Run 'nix-deploy config list-targets' to see configured targets.")

	want := "missing required flag --target\n\nRun 'nix-deploy config list-targets' to see configured targets."
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestToolError_WithHintReturnsReceiver(t *testing.T) {
	original := Validation("bad input")
	chained := original.WithHint("fix it")
	if original != chained {
		t.Error("WithHint should return the same pointer")
	}
}

func TestToolError_HintSurvivesErrorsAs(t *testing.T) {
	inner := NotFound("target %q not found", "prod-server").WithHint("nix-deploy config create-target prod-server")
	wrapped := fmt.Errorf("deploy: %w", inner)

	var toolErr *ToolError
	if !errors.As(wrapped, &toolErr) {
		t.Fatal("errors.As should find ToolError in wrapped chain")
	}
	if toolErr.Hint != "nix-deploy config create-target prod-server" {
		t.Errorf("Hint = %q after unwrap", toolErr.Hint)
	}
	if toolErr.Category != CategoryNotFound {
		t.Errorf("Category = %q, want %q", toolErr.Category, CategoryNotFound)
	}
}

func TestToolError_EmptyHintNotAppended(t *testing.T) {
	err := Internal("unexpected failure")
	if strings.Contains(err.Error(), "\n\n") {
		t.Error("empty hint should not add blank line to error message")
	}
}

func TestToolError_AllCategories(t *testing.T) {
	tests := []struct {
		name     string
		err      *ToolError
		category ErrorCategory
	}{
		{"Validation", Validation("bad"), CategoryValidation},
		{"NotFound", NotFound("missing"), CategoryNotFound},
		{"Conflict", Conflict("duplicate"), CategoryConflict},
		{"Transient", Transient("timeout"), CategoryTransient},
		{"Internal", Internal("bug"), CategoryInternal},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if test.err.Category != test.category {
				t.Errorf("Category = %q, want %q", test.err.Category, test.category)
			}
			hinted := test.err.WithHint("try again")
			if hinted.Hint != "try again" {
				t.Errorf("Hint = %q after WithHint, want %q", hinted.Hint, "try again")
			}
		})
	}
}
