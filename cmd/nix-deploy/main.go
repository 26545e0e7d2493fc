// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/bureau-foundation/nix-deploy/cmd/nix-deploy/commands"
	"github.com/bureau-foundation/nix-deploy/lib/process"
)

func main() {
	process.Exit(run(os.Args[1:]))
}

func run(args []string) error {
	// SIGINT cancels the running phase; re-running resumes, since
	// the copy and the staging are idempotent.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return commands.Root().Execute(ctx, args)
}
