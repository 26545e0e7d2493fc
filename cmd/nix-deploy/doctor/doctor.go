// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package doctor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/bureau-foundation/nix-deploy/cmd/nix-deploy/cli"
)

// Status is the outcome of a single check.
type Status string

const (
	StatusPass  Status = "pass"
	StatusFail  Status = "fail"
	StatusWarn  Status = "warn"
	StatusSkip  Status = "skip"
	StatusFixed Status = "fixed"
)

// FixAction repairs a failed check. Dependencies (paths, targets) are
// captured in the closure when the check is built.
type FixAction func(ctx context.Context) error

// Result holds the outcome of a single check.
type Result struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message"`
	FixHint string `json:"fix_hint,omitempty"`
	fix     FixAction
}

// HasFix reports whether this result carries a fix action.
func (r *Result) HasFix() bool {
	return r.fix != nil
}

// Pass creates a passing check result.
func Pass(name, message string) Result {
	return Result{Name: name, Status: StatusPass, Message: message}
}

// Fail creates a failing check result with no automatic fix.
func Fail(name, message string) Result {
	return Result{Name: name, Status: StatusFail, Message: message}
}

// FailWithFix creates a failing check result with an automatic fix.
func FailWithFix(name, message, fixHint string, fix FixAction) Result {
	return Result{Name: name, Status: StatusFail, Message: message, FixHint: fixHint, fix: fix}
}

// Warn creates a warning. Warnings do not fail validation.
func Warn(name, message string) Result {
	return Result{Name: name, Status: StatusWarn, Message: message}
}

// Skip creates a skipped result, used when a prerequisite check failed.
func Skip(name, message string) Result {
	return Result{Name: name, Status: StatusSkip, Message: message}
}

// Outcome holds the aggregate results of a fix pass.
type Outcome struct {
	FixedCount       int
	PermissionDenied bool
}

// ExecuteFixes runs the fix action for each fixable failure, updating
// results in place.
func ExecuteFixes(ctx context.Context, results []Result) Outcome {
	var outcome Outcome
	for i := range results {
		if results[i].Status != StatusFail || results[i].fix == nil {
			continue
		}
		if err := results[i].fix(ctx); err != nil {
			if errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EACCES) || errors.Is(err, os.ErrPermission) {
				outcome.PermissionDenied = true
				results[i].Message = fmt.Sprintf("%s (insufficient permissions)", results[i].Message)
			} else {
				results[i].Message = fmt.Sprintf("%s (fix failed: %v)", results[i].Message, err)
			}
			continue
		}
		results[i].Status = StatusFixed
		outcome.FixedCount++
	}
	return outcome
}

// JSONOutput is the JSON form of a validation run.
type JSONOutput struct {
	Checks []Result `json:"checks"`
	OK     bool     `json:"ok"`
}

// BuildJSON builds the JSON output from results.
func BuildJSON(results []Result) JSONOutput {
	return JSONOutput{Checks: results, OK: !anyFailed(results)}
}

func anyFailed(results []Result) bool {
	for _, result := range results {
		if result.Status == StatusFail {
			return true
		}
	}
	return false
}

// PrintChecklist prints results as a checklist and returns an
// *cli.ExitError with code 1 when any check failed.
func PrintChecklist(w io.Writer, styles *cli.Styles, results []Result, fixMode bool, outcome Outcome) error {
	fixable := 0
	fixed := 0
	for _, result := range results {
		fmt.Fprintf(w, "%s  %s  %s\n", styles.Badge(string(result.Status)), cli.PadRight(result.Name, 36), result.Message)
		switch {
		case result.Status == StatusFail && result.FixHint != "":
			fixable++
			if !fixMode {
				fmt.Fprintf(w, "           %s  %s\n", cli.PadRight("", 36), styles.Faint("fix: "+result.FixHint))
			}
		case result.Status == StatusFixed:
			fixed++
		}
	}
	fmt.Fprintln(w)

	if anyFailed(results) {
		switch {
		case !fixMode && fixable > 0:
			fmt.Fprintf(w, "Run with --fix to repair %d issue(s).\n", fixable)
		default:
			fmt.Fprintln(w, "Some checks failed.")
		}
		if outcome.PermissionDenied {
			fmt.Fprintln(w, "Some fixes failed due to insufficient permissions.")
		}
		return &cli.ExitError{Code: 1}
	}
	if fixed > 0 {
		fmt.Fprintf(w, "%d issue(s) repaired.\n", fixed)
		return nil
	}
	fmt.Fprintln(w, "All checks passed.")
	return nil
}
