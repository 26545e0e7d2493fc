// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package binhash provides BLAKE3 content hashing for staged files.
//
// Every file nix-deploy stages on a remote (wrapper scripts, the
// offline installer, the nix-deploy binary itself) is hashed locally
// and the digest recorded in metadata.json's scripts map. The remote
// activation re-hashes the files it is about to execute and warns when
// one was modified after staging, which catches a half-finished scp or
// an operator edit that was never meant to persist.
//
// The API surface:
//
//   - [HashFile] streams a file through BLAKE3 with constant memory
//   - [HashBytes] hashes an in-memory buffer (embedded scripts)
//   - [FormatDigest] and [ParseDigest] convert to and from the
//     canonical lowercase hex form stored in metadata.json
//   - [VerifyFile] compares a file against a recorded hex digest
//
// This package has no dependencies on other nix-deploy packages.
package binhash
