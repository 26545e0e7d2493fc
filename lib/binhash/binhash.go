// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package binhash

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Digest is a 32-byte BLAKE3 hash.
type Digest [32]byte

// HashFile computes the BLAKE3 digest of the file at path, streaming
// its content.
func HashFile(path string) (Digest, error) {
	file, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return Digest{}, fmt.Errorf("hashing %s: %w", path, err)
	}

	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest, nil
}

// HashBytes computes the BLAKE3 digest of data.
func HashBytes(data []byte) Digest {
	return blake3.Sum256(data)
}

// FormatDigest returns the lowercase hex encoding of digest.
func FormatDigest(digest Digest) string {
	return hex.EncodeToString(digest[:])
}

// ParseDigest parses a 64-character hex digest.
func ParseDigest(hexString string) (Digest, error) {
	var digest Digest
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return digest, fmt.Errorf("parsing hash digest: %w", err)
	}
	if len(decoded) != len(digest) {
		return digest, fmt.Errorf("hash digest is %d bytes, want %d", len(decoded), len(digest))
	}
	copy(digest[:], decoded)
	return digest, nil
}

// MismatchError reports a file whose content no longer matches its
// recorded digest.
type MismatchError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s has digest %s, recorded %s", e.Path, e.Actual, e.Expected)
}

// VerifyFile hashes path and compares it with the recorded hex digest.
// Returns a *MismatchError when they differ.
func VerifyFile(path, expected string) error {
	want, err := ParseDigest(expected)
	if err != nil {
		return fmt.Errorf("recorded digest for %s: %w", path, err)
	}
	got, err := HashFile(path)
	if err != nil {
		return err
	}
	if got != want {
		return &MismatchError{Path: path, Expected: expected, Actual: FormatDigest(got)}
	}
	return nil
}
