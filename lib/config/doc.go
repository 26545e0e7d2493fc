// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads nix-deploy's operator-authored YAML
// configuration.
//
// The configuration directory is resolved by [Dir]: an explicit
// --config-dir flag, then the NIX_DEPLOY_CONFIG_DIR environment
// variable, then ${XDG_CONFIG_HOME:-$HOME/.config}/nix-deploy. It holds:
//
//   - config.yaml: global settings (build parallelism, transfer and SSH
//     defaults). Optional; [Default] supplies every value.
//   - targets/<name>.yaml: one file per remote deployment endpoint,
//     parsed into [Target]. Required for a deployment.
//
// Path fields support ${VAR} and ${VAR:-default} expansion for
// portability between operator machines. No other environment
// variable overrides configuration values: the files are the single
// source of truth for a run.
package config
