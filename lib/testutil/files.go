// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteFile creates root/relative with content, creating parent
// directories as needed. Returns the absolute path.
func WriteFile(t *testing.T, root, relative, content string) string {
	t.Helper()
	return write(t, root, relative, content, 0o644)
}

// WriteExecutable is WriteFile with mode 0755.
func WriteExecutable(t *testing.T, root, relative, content string) string {
	t.Helper()
	return write(t, root, relative, content, 0o755)
}

// MkdirAll creates root/relative and returns the absolute path.
func MkdirAll(t *testing.T, root, relative string) string {
	t.Helper()
	path := filepath.Join(root, relative)
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	return path
}

// ReadFile returns the content of path, failing the test if it cannot
// be read.
func ReadFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func write(t *testing.T, root, relative, content string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(root, relative)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	// WriteFile honours the umask; force the requested mode.
	if err := os.Chmod(path, mode); err != nil {
		t.Fatalf("chmod %s: %v", path, err)
	}
	return path
}
