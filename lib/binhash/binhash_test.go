// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package binhash

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/zeebo/blake3"
)

func writeFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "staged")
	if err := os.WriteFile(path, content, 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestHashFile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content []byte
	}{
		{"script", []byte("#!/bin/sh\nexec nix-deploy remote install \"$@\"\n")},
		{"empty", nil},
		// Larger than io.Copy's buffer, to exercise streaming.
		{"large", func() []byte {
			content := make([]byte, 256*1024)
			for i := range content {
				content[i] = byte(i % 251)
			}
			return content
		}()},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			got, err := HashFile(writeFile(t, test.content))
			if err != nil {
				t.Fatalf("HashFile: %v", err)
			}
			if want := Digest(blake3.Sum256(test.content)); got != want {
				t.Errorf("HashFile = %x, want %x", got, want)
			}
			if got != HashBytes(test.content) {
				t.Error("HashFile and HashBytes disagree")
			}
		})
	}
}

func TestHashFileNonexistent(t *testing.T) {
	t.Parallel()

	if _, err := HashFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("HashFile should fail for a nonexistent file")
	}
}

func TestParseDigestRoundTrip(t *testing.T) {
	t.Parallel()

	original := HashBytes([]byte("round-trip"))
	formatted := FormatDigest(original)
	if len(formatted) != 64 {
		t.Errorf("FormatDigest length = %d, want 64", len(formatted))
	}
	parsed, err := ParseDigest(formatted)
	if err != nil {
		t.Fatalf("ParseDigest: %v", err)
	}
	if parsed != original {
		t.Errorf("round trip = %x, want %x", parsed, original)
	}
}

func TestParseDigestInvalid(t *testing.T) {
	t.Parallel()

	for _, input := range []string{
		"zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz",
		"abcd",
		"abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789aa",
		"",
	} {
		if _, err := ParseDigest(input); err == nil {
			t.Errorf("ParseDigest(%q) should fail", input)
		}
	}
}

func TestVerifyFile(t *testing.T) {
	t.Parallel()

	content := []byte("#!/bin/sh\ntrue\n")
	path := writeFile(t, content)
	recorded := FormatDigest(HashBytes(content))

	if err := VerifyFile(path, recorded); err != nil {
		t.Fatalf("VerifyFile on untouched file: %v", err)
	}

	if err := os.WriteFile(path, []byte("#!/bin/sh\nfalse\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	err := VerifyFile(path, recorded)
	var mismatch *MismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("VerifyFile after edit = %v, want *MismatchError", err)
	}
	if mismatch.Expected != recorded {
		t.Errorf("Expected = %q, want %q", mismatch.Expected, recorded)
	}
}
