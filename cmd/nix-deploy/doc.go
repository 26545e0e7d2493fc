// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// nix-deploy deploys Home Manager profiles to remote hosts that may
// lack Nix or internet access.
//
// On the operator's machine it probes the remote over SSH, builds the
// profile locally, copies the closure, and stages the scripts and
// instructions for installing Nix and activating the profile. On the
// remote, the staged copy of the same binary runs those steps through
// "nix-deploy remote ...".
//
// Exit status is 0 on success, 1 on failure, and 2 when the remote has
// no Nix and only the installer was staged.
package main
