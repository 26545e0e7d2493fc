// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package probe

import (
	"context"
	_ "embed"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"gopkg.in/ini.v1"

	"github.com/bureau-foundation/nix-deploy/lib/executor"
	"github.com/bureau-foundation/nix-deploy/lib/nix"
)

//go:embed detect-platform.sh
var detectScript []byte

// ScriptName is the file name the detection script is staged under.
const ScriptName = "detect-platform.sh"

// Script returns the POSIX shell implementation of the probe. It
// writes the same JSON document as [Prober.Probe] to stdout.
func Script() []byte {
	return detectScript
}

// Stats supplies the host metrics a probe cannot read from files.
type Stats interface {
	Architecture(ctx context.Context) (string, error)
	KernelRelease(ctx context.Context) (string, error)
	DiskFreeBytes(ctx context.Context, path string) (uint64, error)
	MemoryAvailableBytes(ctx context.Context) (uint64, error)
}

// HostStats reads metrics from the running kernel through gopsutil.
type HostStats struct{}

// Architecture returns the kernel's machine name. gopsutil has no
// context-aware variant; the read is a single uname call.
func (HostStats) Architecture(context.Context) (string, error) {
	return host.KernelArch()
}

func (HostStats) KernelRelease(ctx context.Context) (string, error) {
	return host.KernelVersionWithContext(ctx)
}

func (HostStats) DiskFreeBytes(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

func (HostStats) MemoryAvailableBytes(ctx context.Context) (uint64, error) {
	memory, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return memory.Available, nil
}

// Prober collects a [Report]. The zero value probes the real host;
// tests point Root at a synthetic filesystem and replace the
// environment, executor, binary lookup, and metrics.
type Prober struct {
	// Root is prepended to every file the probe reads. Empty means "/".
	Root string

	// Getenv reads environment variables. Nil means os.Getenv.
	Getenv func(string) string

	// Executor runs nix --version and home-manager --version. Nil
	// means the local OS.
	Executor executor.Executor

	// LookPath resolves a tool to an executable path. Nil means
	// nix.FindBinary, which also searches the Nix profile directories
	// that a non-login shell's PATH lacks.
	LookPath func(string) (string, error)

	// Stats supplies architecture, kernel, disk, and memory. Nil
	// means HostStats.
	Stats Stats

	Logger *slog.Logger
}

// Probe collects the report. It never fails: each field that cannot
// be determined holds its sentinel or zero value.
func (p *Prober) Probe(ctx context.Context) Report {
	osRelease := parseOSRelease(p.path("etc/os-release"))

	report := Report{
		Platform:        firstNonEmpty(osRelease["ID"], Unknown),
		PlatformVersion: osRelease["VERSION_ID"],
		Architecture:    Unknown,
		Kernel:          readTrimmed(p.path("proc/sys/kernel/osrelease")),
		User:            firstNonEmpty(p.getenv("USER"), p.getenv("LOGNAME")),
		Nix:             p.toolVersion(ctx, "nix"),
		HomeManager:     p.toolVersion(ctx, "home-manager"),
		Systemd:         isDir(p.path("run/systemd/system")),
		Proxy: ProxySettings{
			HTTPProxy:  firstNonEmpty(p.getenv("http_proxy"), p.getenv("HTTP_PROXY")),
			HTTPSProxy: firstNonEmpty(p.getenv("https_proxy"), p.getenv("HTTPS_PROXY")),
			NoProxy:    firstNonEmpty(p.getenv("no_proxy"), p.getenv("NO_PROXY")),
		},
	}

	stats := p.stats()
	if arch, err := stats.Architecture(ctx); err == nil && arch != "" {
		report.Architecture = arch
	} else if err != nil {
		p.logger().Debug("architecture probe failed", "error", err)
	}
	if report.Kernel == "" {
		if kernel, err := stats.KernelRelease(ctx); err == nil && kernel != "" {
			report.Kernel = kernel
		} else {
			report.Kernel = Unknown
		}
	}

	diskPath := p.nearestExisting("nix")
	if free, err := stats.DiskFreeBytes(ctx, diskPath); err == nil {
		report.DiskFreeMB = int64(free / (1 << 20))
	} else {
		p.logger().Debug("disk probe failed", "path", diskPath, "error", err)
	}
	if available, err := stats.MemoryAvailableBytes(ctx); err == nil {
		report.MemoryFreeMB = int64(available / (1 << 20))
	} else {
		p.logger().Debug("memory probe failed", "error", err)
	}

	report.WSL = p.probeWSL(report.Kernel, osRelease)
	return report
}

// probeWSL returns WSL details, or nil outside WSL. The kernel release
// of a WSL kernel always names Microsoft; WSL2 kernels additionally
// carry "WSL2" or "microsoft-standard".
func (p *Prober) probeWSL(kernel string, osRelease map[string]string) *WSLInfo {
	lower := strings.ToLower(kernel)
	distro := p.getenv("WSL_DISTRO_NAME")
	if !strings.Contains(lower, "microsoft") && !strings.Contains(lower, "wsl") && distro == "" {
		return nil
	}

	info := &WSLInfo{
		Distro:  firstNonEmpty(distro, osRelease["NAME"], Unknown),
		Version: 1,
		Interop: p.getenv("WSL_INTEROP") != "" || exists(p.path("proc/sys/fs/binfmt_misc/WSLInterop")),
	}
	if strings.Contains(lower, "wsl2") || strings.Contains(lower, "microsoft-standard") {
		info.Version = 2
	}

	if wslConf, err := ini.Load(p.path("etc/wsl.conf")); err == nil {
		info.Systemd = wslConf.Section("boot").Key("systemd").MustBool(false)
	} else if !errors.Is(err, os.ErrNotExist) {
		p.logger().Debug("reading wsl.conf", "error", err)
	}
	return info
}

// toolVersion runs "<tool> --version" and returns its first output
// line, or NotInstalled when the tool is absent or unresponsive.
func (p *Prober) toolVersion(ctx context.Context, tool string) string {
	path, err := p.lookPath(tool)
	if err != nil {
		return NotInstalled
	}
	result, err := p.executor().Run(ctx, executor.Command{Name: path, Args: []string{"--version"}})
	if err != nil {
		p.logger().Debug("tool present but unresponsive", "tool", tool, "path", path, "error", err)
		return NotInstalled
	}
	line, _, _ := strings.Cut(strings.TrimSpace(result.Stdout), "\n")
	if line == "" {
		return NotInstalled
	}
	return line
}

// nearestExisting returns the first existing directory among
// Root/relative and its ancestors, stopping at Root.
func (p *Prober) nearestExisting(relative string) string {
	root := p.root()
	candidate := filepath.Join(root, relative)
	for {
		if isDir(candidate) {
			return candidate
		}
		if candidate == root || candidate == filepath.Dir(candidate) {
			return root
		}
		candidate = filepath.Dir(candidate)
	}
}

func (p *Prober) root() string {
	if p.Root == "" {
		return "/"
	}
	return p.Root
}

func (p *Prober) path(relative string) string {
	return filepath.Join(p.root(), relative)
}

func (p *Prober) getenv(key string) string {
	if p.Getenv != nil {
		return p.Getenv(key)
	}
	return os.Getenv(key)
}

func (p *Prober) lookPath(name string) (string, error) {
	if p.LookPath != nil {
		return p.LookPath(name)
	}
	return nix.FindBinary(name)
}

func (p *Prober) executor() executor.Executor {
	if p.Executor != nil {
		return p.Executor
	}
	return &executor.OS{}
}

func (p *Prober) stats() Stats {
	if p.Stats != nil {
		return p.Stats
	}
	return HostStats{}
}

func (p *Prober) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.New(slog.DiscardHandler)
}

// parseOSRelease reads KEY=value pairs from an os-release file,
// unquoting values. A missing file yields an empty map.
func parseOSRelease(path string) map[string]string {
	values := make(map[string]string)
	data, err := os.ReadFile(path)
	if err != nil {
		return values
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		values[key] = strings.Trim(value, `"'`)
	}
	return values
}

func readTrimmed(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
