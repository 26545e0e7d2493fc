// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the nix-deploy command tree.
//
// The root command is the deployment itself (probe, build, transfer
// from the operator's machine). "config" manages target files,
// "remote" holds the commands the staged wrapper scripts run on the
// deployment host, and "version" reports build information.
//
// Every command reads and writes through an [Environment] so tests can
// drive the tree with buffers and a scripted executor.
package commands
