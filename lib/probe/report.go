// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package probe reports the environment of the host it runs on: the
// platform, architecture, kernel, Nix and Home Manager presence, free
// disk and memory, systemd availability, proxy settings, and WSL
// specifics. The deployment uses the [Report] to decide whether the
// remote needs a Nix installation and whether WSL workarounds apply.
//
// Two producers emit the same JSON document:
//
//   - [Prober.Probe], used by "nix-deploy remote probe" once the
//     nix-deploy binary is staged on a host.
//   - The embedded detect-platform.sh ([Script]), which needs only a
//     POSIX shell. Phase 1 of a deployment pipes it over SSH because
//     the binary is not on the remote yet.
//
// Probing never fails. An individual probe that cannot answer reports
// a sentinel ([NotInstalled], [Unknown]) or a zero value, so the
// report always completes.
package probe

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// NotInstalled is the sentinel for an absent tool.
const NotInstalled = "not_installed"

// Unknown is the sentinel for a value that could not be determined.
const Unknown = "unknown"

// Report is the platform report. Field names are the JSON contract
// shared with detect-platform.sh.
type Report struct {
	// Platform is the os-release ID (ubuntu, debian, nixos, ...).
	Platform string `json:"platform"`

	// PlatformVersion is the os-release VERSION_ID.
	PlatformVersion string `json:"platform_version,omitempty"`

	// Architecture is the uname machine (x86_64, aarch64).
	Architecture string `json:"architecture"`

	// Kernel is the kernel release.
	Kernel string `json:"kernel"`

	// User is the login user the probe ran as.
	User string `json:"user,omitempty"`

	// Nix is the output of nix --version, or NotInstalled.
	Nix string `json:"nix"`

	// HomeManager is the output of home-manager --version, or
	// NotInstalled.
	HomeManager string `json:"home_manager"`

	// DiskFreeMB is free space on the filesystem holding /nix (or its
	// nearest existing parent). Zero means the probe could not measure
	// it; see [Report.DiskFreeKnown].
	DiskFreeMB int64 `json:"disk_free_mb"`

	// MemoryFreeMB is available memory.
	MemoryFreeMB int64 `json:"memory_free_mb"`

	// Systemd reports whether systemd is the running init.
	Systemd bool `json:"systemd"`

	// Proxy holds proxy environment variables.
	Proxy ProxySettings `json:"proxy"`

	// WSL is set only when running under Windows Subsystem for Linux.
	WSL *WSLInfo `json:"wsl,omitempty"`
}

// ProxySettings are the proxy variables visible to the probe.
type ProxySettings struct {
	HTTPProxy  string `json:"http_proxy,omitempty"`
	HTTPSProxy string `json:"https_proxy,omitempty"`
	NoProxy    string `json:"no_proxy,omitempty"`
}

// Configured reports whether any proxy variable is set.
func (p ProxySettings) Configured() bool {
	return p.HTTPProxy != "" || p.HTTPSProxy != ""
}

// WSLInfo describes a WSL environment.
type WSLInfo struct {
	// Distro is the WSL distribution name.
	Distro string `json:"distro"`

	// Version is the WSL protocol version, 1 or 2.
	Version int `json:"version"`

	// Interop reports whether Windows executables can be launched.
	Interop bool `json:"interop"`

	// Systemd reports whether systemd is enabled in /etc/wsl.conf.
	Systemd bool `json:"systemd"`
}

// NixInstalled reports whether a responsive nix binary was found.
func (r Report) NixInstalled() bool {
	return r.Nix != "" && r.Nix != NotInstalled
}

// DiskFreeKnown reports whether DiskFreeMB is a measurement. Both
// producers write 0 when df or statfs fails, and a filesystem with
// less than a MiB free cannot receive a closure anyway.
func (r Report) DiskFreeKnown() bool {
	return r.DiskFreeMB > 0
}

// IsWSL reports whether the host is a WSL environment.
func (r Report) IsWSL() bool {
	return r.WSL != nil
}

// NixSystem returns the Nix system double (e.g. "x86_64-linux").
func (r Report) NixSystem() string {
	return r.Architecture + "-linux"
}

func (r Report) diskFree() string {
	if !r.DiskFreeKnown() {
		return Unknown
	}
	return humanize.IBytes(uint64(r.DiskFreeMB) * humanize.MiByte)
}

// Summary renders the report as aligned "key: value" lines for the
// operator.
func (r Report) Summary() []string {
	lines := []string{
		fmt.Sprintf("platform:     %s %s", r.Platform, r.PlatformVersion),
		fmt.Sprintf("architecture: %s", r.Architecture),
		fmt.Sprintf("kernel:       %s", r.Kernel),
		fmt.Sprintf("nix:          %s", r.Nix),
		fmt.Sprintf("home-manager: %s", r.HomeManager),
		fmt.Sprintf("disk free:    %s", r.diskFree()),
		fmt.Sprintf("memory free:  %s", humanize.IBytes(uint64(max(r.MemoryFreeMB, 0))*humanize.MiByte)),
		fmt.Sprintf("systemd:      %t", r.Systemd),
	}
	if r.Proxy.Configured() {
		lines = append(lines, fmt.Sprintf("proxy:        %s", firstNonEmpty(r.Proxy.HTTPSProxy, r.Proxy.HTTPProxy)))
	}
	if r.WSL != nil {
		lines = append(lines, fmt.Sprintf("wsl:          %s (WSL%d, interop=%t, systemd=%t)",
			r.WSL.Distro, r.WSL.Version, r.WSL.Interop, r.WSL.Systemd))
	}
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " ")
	}
	return lines
}

// Parse decodes a report produced by either Prober.Probe or
// detect-platform.sh. Leading non-JSON output (login banners, motd)
// is skipped.
func Parse(data []byte) (Report, error) {
	text := string(data)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return Report{}, fmt.Errorf("platform report contains no JSON object")
	}

	var report Report
	if err := json.Unmarshal([]byte(text[start:end+1]), &report); err != nil {
		return Report{}, fmt.Errorf("parsing platform report: %w", err)
	}
	if report.Nix == "" {
		report.Nix = NotInstalled
	}
	if report.HomeManager == "" {
		report.HomeManager = NotInstalled
	}
	return report, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
