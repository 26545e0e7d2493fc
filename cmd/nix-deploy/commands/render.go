// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/bureau-foundation/nix-deploy/cmd/nix-deploy/cli"
	"github.com/bureau-foundation/nix-deploy/lib/deploy"
	"github.com/bureau-foundation/nix-deploy/lib/staging"
)

const defaultWidth = 80

func width(env *Environment) int {
	if f, ok := env.Stdout.(*os.File); ok {
		return min(cli.TerminalWidth(f, defaultWidth), 100)
	}
	return defaultWidth
}

// printSummary renders a run for the operator: the probe report, one
// badge per phase, notes, and the operator's next steps.
func printSummary(w io.Writer, styles *cli.Styles, summary deploy.Summary, width int) {
	fmt.Fprintln(w, styles.Heading(fmt.Sprintf("nix-deploy: %s (%s)", summary.Target, summary.Address)))
	fmt.Fprintln(w, styles.Rule(width))
	fmt.Fprintf(w, "store:   %s\n", summary.StoreURI)
	fmt.Fprintf(w, "staging: %s\n", summary.StagingDir)
	if summary.Report != nil {
		fmt.Fprintln(w)
		for _, line := range summary.Report.Summary() {
			fmt.Fprintln(w, "  "+styles.Faint(line))
		}
	}

	fmt.Fprintln(w)
	for _, phase := range summary.Phases {
		line := fmt.Sprintf("%s  %s  %s", styles.Badge(string(phase.Status)), cli.PadRight(string(phase.Phase), 8), phase.Detail)
		if phase.Duration > 0 {
			line += "  " + styles.Faint(phase.Duration.Round(time.Millisecond).String())
		}
		fmt.Fprintln(w, line)
	}

	if summary.CopyCommand != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, styles.Bold("Planned copy:"))
		fmt.Fprintln(w, "  "+summary.CopyCommand)
	}
	if summary.Copied > 0 {
		fmt.Fprintf(w, "\nCopied %s store path(s).\n", humanize.Comma(int64(summary.Copied)))
	}

	if len(summary.Notes) > 0 {
		fmt.Fprintln(w)
		for _, note := range summary.Notes {
			fmt.Fprintln(w, styles.Faint("note: ")+note)
		}
	}

	if summary.Rollback != nil {
		fmt.Fprintln(w)
		record := summary.Rollback.Record
		fmt.Fprintf(w, "%s generation %d (%s), recorded %s\n", styles.Bold("Backup:"),
			record.Generation, record.PreviousPath, humanize.Time(record.Timestamp))
		fmt.Fprintln(w, "Run on the remote to roll back:")
		for _, command := range summary.Rollback.Commands {
			fmt.Fprintln(w, "  "+command)
		}
	}

	printNextSteps(w, styles, summary, width)

	if elapsed := summary.Elapsed(); elapsed > 0 {
		fmt.Fprintf(w, "\n%s\n", styles.Faint("elapsed "+elapsed.Round(time.Millisecond).String()))
	}
}

// printNextSteps prints the staged INSTRUCTIONS.md when this run
// produced one, otherwise the operator steps alone.
func printNextSteps(w io.Writer, styles *cli.Styles, summary deploy.Summary, width int) {
	if summary.LocalStaging != "" {
		data, err := os.ReadFile(filepath.Join(summary.LocalStaging, staging.InstructionsFile))
		if err == nil {
			fmt.Fprintln(w)
			fmt.Fprint(w, cli.RenderMarkdown(string(data), styles, width))
			return
		}
	}
	if len(summary.OperatorSteps) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, styles.Bold("Next steps on "+summary.Address+":"))
	for i, step := range summary.OperatorSteps {
		fmt.Fprintf(w, "  %d. %s\n     %s\n", i+1, step.Title, step.Command)
	}
}
