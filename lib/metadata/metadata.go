// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metadata defines metadata.json, the hand-off record between
// the local side of a deployment and the operator-run activation on
// the remote.
//
// The local side writes it only after the closure has been copied, so
// its presence in the remote staging directory means the store path
// it names is (or was) valid there. The remote side reads it with
// [Read], which tolerates comments and trailing commas because
// operators sometimes hand-edit the file to change options.
package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/nix-deploy/lib/clock"
	"github.com/bureau-foundation/nix-deploy/lib/config"
)

// SchemaVersion is the metadata.json format version written by this
// build. It changes independently of the nix-deploy release version.
const SchemaVersion = "1.0"

// MethodNixCopy is the only transfer method.
const MethodNixCopy = "nix-copy"

// FileName is the metadata file name inside the staging directory.
const FileName = "metadata.json"

// Metadata is the content of metadata.json.
type Metadata struct {
	Version      string            `json:"version"`
	Method       string            `json:"method"`
	StorePath    string            `json:"store_path"`
	Profile      string            `json:"profile,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	DeploymentID string            `json:"deployment_id,omitempty"`
	Target       string            `json:"target,omitempty"`
	ClosureSize  int64             `json:"closure_size,omitempty"`
	Scripts      map[string]string `json:"scripts,omitempty"`
	Deployment   Deployment        `json:"deployment"`
}

// Deployment wraps the operator options so the JSON layout reads
// deployment.options.<name>.
type Deployment struct {
	Options config.DeploymentOptions `json:"options"`
}

// New returns metadata for a freshly copied store path with a new
// deployment ID, stamped with the time from c (nil means the real
// clock).
func New(c clock.Clock, storePath, profile, target string, options config.DeploymentOptions) Metadata {
	return Metadata{
		Version:      SchemaVersion,
		Method:       MethodNixCopy,
		StorePath:    storePath,
		Profile:      profile,
		Timestamp:    clock.OrReal(c).Now().UTC().Truncate(time.Second),
		DeploymentID: uuid.NewString(),
		Target:       target,
		Deployment:   Deployment{Options: options},
	}
}

// ValidationError reports metadata that is present but unusable.
type ValidationError struct {
	Path     string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid metadata %s: %s", e.Path, strings.Join(e.Problems, "; "))
}

// Validate checks the required fields. All problems are reported at
// once.
func (m Metadata) Validate() error {
	var problems []string
	if m.Version == "" {
		problems = append(problems, "version is required")
	}
	if m.Method == "" {
		problems = append(problems, "method is required")
	} else if m.Method != MethodNixCopy {
		problems = append(problems, fmt.Sprintf("method %q is not supported (want %q)", m.Method, MethodNixCopy))
	}
	if m.StorePath == "" {
		problems = append(problems, "store_path is required")
	} else if !strings.HasPrefix(m.StorePath, "/nix/store/") {
		problems = append(problems, fmt.Sprintf("store_path %q is not under /nix/store", m.StorePath))
	}
	if m.DeploymentID != "" {
		if _, err := uuid.Parse(m.DeploymentID); err != nil {
			problems = append(problems, fmt.Sprintf("deployment_id %q is not a UUID", m.DeploymentID))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Parse decodes and validates metadata. JSONC comments and trailing
// commas are accepted.
func Parse(data []byte) (Metadata, error) {
	var metadata Metadata
	if err := json.Unmarshal(jsonc.ToJSON(data), &metadata); err != nil {
		return Metadata{}, &ValidationError{Problems: []string{"not valid JSON: " + err.Error()}}
	}
	if err := metadata.Validate(); err != nil {
		return Metadata{}, err
	}
	return metadata, nil
}

// Read loads and validates path. A missing file returns an error
// wrapping os.ErrNotExist; everything else unusable is a
// *ValidationError.
func Read(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("reading metadata: %w", err)
	}
	metadata, err := Parse(data)
	if err != nil {
		var validationError *ValidationError
		if errors.As(err, &validationError) {
			validationError.Path = path
		}
		return Metadata{}, err
	}
	return metadata, nil
}

// Marshal returns the indented JSON encoding with a trailing newline.
func (m Metadata) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	return append(data, '\n'), nil
}

// Write writes the metadata to dir/metadata.json. The file is written
// under a temporary name and renamed, so a reader never sees a partial
// document.
func Write(dir string, m Metadata) (string, error) {
	data, err := m.Marshal()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, FileName)

	temporary, err := os.CreateTemp(dir, "."+FileName+".*")
	if err != nil {
		return "", fmt.Errorf("writing metadata: %w", err)
	}
	defer os.Remove(temporary.Name())
	if _, err := temporary.Write(data); err != nil {
		temporary.Close()
		return "", fmt.Errorf("writing metadata: %w", err)
	}
	if err := temporary.Chmod(0o644); err != nil {
		temporary.Close()
		return "", fmt.Errorf("writing metadata: %w", err)
	}
	if err := temporary.Close(); err != nil {
		return "", fmt.Errorf("writing metadata: %w", err)
	}
	if err := os.Rename(temporary.Name(), path); err != nil {
		return "", fmt.Errorf("writing metadata: %w", err)
	}
	return path, nil
}

// ScriptNames returns the names in Scripts, sorted.
func (m Metadata) ScriptNames() []string {
	names := make([]string, 0, len(m.Scripts))
	for name := range m.Scripts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
