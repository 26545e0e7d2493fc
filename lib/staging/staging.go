// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package staging assembles the directory uploaded to the remote's
// staging area: the wrapper scripts for the operator-run phases, the
// platform detection script, INSTRUCTIONS.md, and (after a successful
// copy) metadata.json.
//
// [Prepare] writes everything into a local directory and returns the
// list of files to upload together with their BLAKE3 digests, which
// are recorded in metadata.json so the remote side can detect a file
// that changed after staging.
package staging

import (
	"bytes"
	"embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/template"
	"time"

	"github.com/bureau-foundation/nix-deploy/lib/binhash"
	"github.com/bureau-foundation/nix-deploy/lib/metadata"
	"github.com/bureau-foundation/nix-deploy/lib/probe"
)

// Staged file names. The remote commands and INSTRUCTIONS.md refer to
// these, so they are part of the operator-facing contract.
const (
	InstallScript    = "install-nix.sh"
	ActivateScript   = "activate-profile.sh"
	ShellScript      = "setup-shell.sh"
	OfflineInstaller = "install-nix-offline.sh"
	BinaryName       = "nix-deploy"
	InstructionsFile = "INSTRUCTIONS.md"
)

//go:embed scripts/*.sh
var scripts embed.FS

//go:embed instructions.md.tmpl
var instructionsTemplate string

// Bundle describes what to stage.
type Bundle struct {
	// Target is the target name, Address its user@host.
	Target  string
	Address string

	// StagingDir is the remote directory the files are uploaded to.
	// INSTRUCTIONS.md refers to scripts by their path there.
	StagingDir string

	// Metadata is written as metadata.json with Scripts filled in.
	// Nil stages a bootstrap bundle: the remote has no Nix yet, so no
	// closure was copied and there is nothing to activate.
	Metadata *metadata.Metadata

	// ClosureSize is the human-readable closure size for
	// INSTRUCTIONS.md.
	ClosureSize string

	// OfflineInstallerPath, if set, is copied in as
	// install-nix-offline.sh.
	OfflineInstallerPath string

	// BinaryPath, if set, is copied in as the remote nix-deploy.
	BinaryPath string

	// SetupShell adds the shell integration step to the instructions.
	SetupShell bool
}

// Manifest is the result of Prepare.
type Manifest struct {
	// Dir is the local directory holding the staged files.
	Dir string

	// Files are absolute local paths in upload order. metadata.json,
	// when present, is last, so a partially failed upload never leaves
	// metadata pointing at scripts that did not arrive.
	Files []string

	// Digests maps file name to hex BLAKE3 digest for every staged
	// file except metadata.json and INSTRUCTIONS.md.
	Digests map[string]string

	// MetadataPath is the local metadata.json, empty for a bootstrap
	// bundle.
	MetadataPath string
}

// Step is one operator command in INSTRUCTIONS.md.
type Step struct {
	Title   string
	Command string
	Effect  string
}

// Prepare writes the bundle into dir (created if missing).
func Prepare(dir string, bundle Bundle) (Manifest, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Manifest{}, fmt.Errorf("creating staging directory: %w", err)
	}
	manifest := Manifest{Dir: dir, Digests: make(map[string]string)}

	add := func(name string, data []byte, mode os.FileMode) error {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, mode); err != nil {
			return fmt.Errorf("staging %s: %w", name, err)
		}
		if err := os.Chmod(path, mode); err != nil {
			return fmt.Errorf("staging %s: %w", name, err)
		}
		manifest.Files = append(manifest.Files, path)
		manifest.Digests[name] = binhash.FormatDigest(binhash.HashBytes(data))
		return nil
	}

	for _, name := range []string{InstallScript, ActivateScript, ShellScript} {
		data, err := scripts.ReadFile("scripts/" + name)
		if err != nil {
			return Manifest{}, fmt.Errorf("reading embedded %s: %w", name, err)
		}
		if err := add(name, data, 0o755); err != nil {
			return Manifest{}, err
		}
	}
	if err := add(probe.ScriptName, probe.Script(), 0o755); err != nil {
		return Manifest{}, err
	}

	if bundle.OfflineInstallerPath != "" {
		if err := copyFile(bundle.OfflineInstallerPath, filepath.Join(dir, OfflineInstaller), 0o755, &manifest); err != nil {
			return Manifest{}, err
		}
	}
	if bundle.BinaryPath != "" {
		if err := copyFile(bundle.BinaryPath, filepath.Join(dir, BinaryName), 0o755, &manifest); err != nil {
			return Manifest{}, err
		}
	}

	instructions, err := RenderInstructions(bundle, manifest)
	if err != nil {
		return Manifest{}, err
	}
	instructionsPath := filepath.Join(dir, InstructionsFile)
	if err := os.WriteFile(instructionsPath, instructions, 0o644); err != nil {
		return Manifest{}, fmt.Errorf("staging %s: %w", InstructionsFile, err)
	}
	manifest.Files = append(manifest.Files, instructionsPath)

	if bundle.Metadata != nil {
		bundle.Metadata.Scripts = manifest.Digests
		path, err := metadata.Write(dir, *bundle.Metadata)
		if err != nil {
			return Manifest{}, err
		}
		manifest.MetadataPath = path
		manifest.Files = append(manifest.Files, path)
	}

	return manifest, nil
}

// Steps returns the operator commands for bundle, in order.
func Steps(bundle Bundle) []Step {
	dir := bundle.StagingDir
	if bundle.Metadata == nil {
		return []Step{
			{
				Title:   "Install Nix",
				Command: "sh " + filepath.Join(dir, InstallScript),
				Effect:  "Tries the online installer, falls back to " + OfflineInstaller + " when present, then enables flakes and disables signature checks for copied paths.",
			},
			{
				Title:   "Re-run the deployment from the local machine",
				Command: "nix-deploy --target " + bundle.Target,
				Effect:  "Nix is now present, so the profile closure can be copied. The copy is idempotent.",
			},
		}
	}

	steps := []Step{
		{
			Title:   "Verify or install Nix",
			Command: "sh " + filepath.Join(dir, InstallScript),
			Effect:  "Returns immediately when Nix already responds; otherwise installs and configures it.",
		},
		{
			Title:   "Activate the profile",
			Command: "sh " + filepath.Join(dir, ActivateScript),
			Effect:  "Records the current generation, points the Home Manager profile at the staged store path, and runs its activate script.",
		},
	}
	if bundle.SetupShell {
		steps = append(steps, Step{
			Title:   "Set up shell integration",
			Command: "sh " + filepath.Join(dir, ShellScript),
			Effect:  "Appends a guarded block to ~/.bashrc and ~/.zshrc that loads the Nix profile and Home Manager session variables. Open a new shell afterwards.",
		})
	}
	return steps
}

type fileEntry struct {
	Name   string
	Digest string
}

// RenderInstructions renders INSTRUCTIONS.md for bundle. The manifest
// supplies the staged file list.
func RenderInstructions(bundle Bundle, manifest Manifest) ([]byte, error) {
	tmpl, err := template.New("instructions").
		Funcs(template.FuncMap{"inc": func(i int) int { return i + 1 }}).
		Parse(instructionsTemplate)
	if err != nil {
		return nil, fmt.Errorf("parsing instructions template: %w", err)
	}

	var files []fileEntry
	for _, path := range manifest.Files {
		name := filepath.Base(path)
		files = append(files, fileEntry{Name: name, Digest: manifest.Digests[name]})
	}
	files = append(files, fileEntry{Name: InstructionsFile})
	if bundle.Metadata != nil {
		files = append(files, fileEntry{Name: metadata.FileName})
	}

	data := struct {
		Target      string
		Address     string
		StagingDir  string
		Timestamp   string
		Profile     string
		StorePath   string
		ClosureSize string
		Steps       []Step
		Files       []fileEntry
	}{
		Target:      bundle.Target,
		Address:     bundle.Address,
		StagingDir:  bundle.StagingDir,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		ClosureSize: bundle.ClosureSize,
		Steps:       Steps(bundle),
		Files:       files,
	}
	if bundle.Metadata != nil {
		data.Profile = bundle.Metadata.Profile
		data.StorePath = bundle.Metadata.StorePath
		data.Timestamp = bundle.Metadata.Timestamp.Format(time.RFC3339)
	}

	var buffer bytes.Buffer
	if err := tmpl.Execute(&buffer, data); err != nil {
		return nil, fmt.Errorf("rendering instructions: %w", err)
	}
	return buffer.Bytes(), nil
}

func copyFile(source, destination string, mode os.FileMode, manifest *Manifest) error {
	in, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("staging %s: %w", filepath.Base(destination), err)
	}
	defer in.Close()

	out, err := os.OpenFile(destination, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("staging %s: %w", filepath.Base(destination), err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("staging %s: %w", filepath.Base(destination), err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("staging %s: %w", filepath.Base(destination), err)
	}
	if err := os.Chmod(destination, mode); err != nil {
		return fmt.Errorf("staging %s: %w", filepath.Base(destination), err)
	}

	digest, err := binhash.HashFile(destination)
	if err != nil {
		return err
	}
	manifest.Files = append(manifest.Files, destination)
	manifest.Digests[filepath.Base(destination)] = binhash.FormatDigest(digest)
	return nil
}
