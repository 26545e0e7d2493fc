// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"runtime"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/bureau-foundation/nix-deploy/lib/activate"
	"github.com/bureau-foundation/nix-deploy/lib/clock"
	"github.com/bureau-foundation/nix-deploy/lib/config"
	"github.com/bureau-foundation/nix-deploy/lib/executor"
	"github.com/bureau-foundation/nix-deploy/lib/failure"
	"github.com/bureau-foundation/nix-deploy/lib/metadata"
	"github.com/bureau-foundation/nix-deploy/lib/nix"
	"github.com/bureau-foundation/nix-deploy/lib/probe"
	"github.com/bureau-foundation/nix-deploy/lib/ssh"
	"github.com/bureau-foundation/nix-deploy/lib/staging"
	"github.com/bureau-foundation/nix-deploy/lib/transfer"
)

// Options is the immutable configuration of one run.
type Options struct {
	// Target is a copy of the target configuration.
	Target config.Target

	// Config is the global configuration.
	Config config.Config

	// Flake and Profile override the target's values when set.
	Flake   string
	Profile string

	DryRun         bool
	Resume         bool
	Rollback       bool
	Force          bool
	NonInteractive bool
	Verbose        bool
	Debug          bool

	// WorkDir is the local directory the staging bundle is assembled
	// in. Empty means a fresh temporary directory.
	WorkDir string

	// LocalBinary is this nix-deploy executable. It is staged on the
	// remote when the remote architecture matches; otherwise the
	// target's remote_binary is staged.
	LocalBinary string
}

func (o Options) flake() string {
	if o.Flake != "" {
		return o.Flake
	}
	return o.Target.Flake
}

func (o Options) profile() string {
	if o.Profile != "" {
		return o.Profile
	}
	if o.Target.Profile != "" {
		return o.Target.Profile
	}
	return o.Target.User
}

// Summary is what a run produced.
type Summary struct {
	Target     string        `json:"target"`
	Address    string        `json:"address"`
	StoreURI   string        `json:"store_uri"`
	StagingDir string        `json:"staging_dir"`
	Phases     []PhaseResult `json:"phases"`

	Report  *probe.Report `json:"report,omitempty"`
	Profile nix.Profile   `json:"profile"`

	// Copied is the number of store paths sent.
	Copied int `json:"copied"`

	// CopyCommand is the nix copy invocation, set on dry runs.
	CopyCommand string `json:"copy_command,omitempty"`

	// Bootstrap is set when only the installer was staged.
	Bootstrap bool `json:"bootstrap,omitempty"`

	// AlreadyDeployed is set when the remote metadata already named
	// this store path and nothing was restaged.
	AlreadyDeployed bool `json:"already_deployed,omitempty"`

	// Metadata is the staged (or, for resume, the remote) metadata.
	Metadata *metadata.Metadata `json:"metadata,omitempty"`

	// LocalStaging is the local copy of the staged bundle.
	LocalStaging string `json:"local_staging,omitempty"`

	// OperatorSteps are the commands left for the operator.
	OperatorSteps []staging.Step `json:"operator_steps,omitempty"`

	// Rollback is set by a rollback run.
	Rollback *activate.RollbackPlan `json:"rollback,omitempty"`

	// Notes are operator-facing remarks (warnings, resume hints).
	Notes []string `json:"notes,omitempty"`
}

// Pipeline runs one deployment.
type Pipeline struct {
	Options  Options
	Executor executor.Executor
	Logger   *slog.Logger

	// Confirm asks the operator before the transfer. Nil or
	// Options.NonInteractive skips the question.
	Confirm func(prompt string) (bool, error)

	// Clock measures phase durations. Nil means the real clock.
	Clock clock.Clock

	// NixBinary is the local nix. Empty means "nix".
	NixBinary string

	transport *ssh.Transport
	summary   Summary
}

// Run executes the pipeline. The summary is meaningful even when an
// error is returned: it holds the phases that completed.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	options := p.Options
	target := options.Target
	p.Logger = p.Logger.With("target", target.Name)
	p.summary = Summary{
		Target:     target.Name,
		Address:    target.Address(),
		StoreURI:   ssh.StoreURI(target),
		StagingDir: options.Config.Transfer.StagingDir,
	}
	p.transport = &ssh.Transport{
		Target:   target,
		SSH:      options.Config.SSH,
		Compress: options.Config.Transfer.Compress,
		Debug:    options.Debug,
		Executor: p.Executor,
		Logger:   p.Logger,
	}

	// Phases 1 to 3 share one control connection. Close is a no-op
	// once the transfer closed it or when Open never succeeded.
	defer p.transport.Close(context.WithoutCancel(ctx))
	if err := p.phase(ctx, PhaseProbe, p.connect); err != nil {
		return p.summary, err
	}

	switch {
	case options.Rollback:
		return p.summary, p.rollback(ctx)
	case options.Resume:
		return p.summary, p.resume(ctx)
	}

	if err := p.phase(ctx, PhaseBuild, p.build); err != nil {
		return p.summary, err
	}
	if err := p.phase(ctx, PhaseTransfer, p.transfer); err != nil {
		return p.summary, err
	}
	p.transport.Close(ctx)

	p.addPending()
	return p.summary, nil
}

// phase runs fn and records its result. fn returns the status and
// detail; a non-nil error is recorded as failed.
func (p *Pipeline) phase(ctx context.Context, phase Phase, fn func(context.Context) (Status, string, error)) error {
	c := clock.OrReal(p.Clock)
	start := c.Now()
	p.Logger.Info("phase starting", "phase", phase)

	status, detail, err := fn(ctx)
	result := PhaseResult{Phase: phase, Status: status, Detail: detail, Duration: clock.Since(c, start)}
	if err != nil {
		result.Status = StatusFailed
		var phaseError *PhaseError
		if !errors.As(err, &phaseError) {
			err = &PhaseError{Phase: phase, Kind: failure.Validation, ExitStatus: executor.ExitCode(err), Err: err}
		}
		result.Detail = err.Error()
	}
	p.summary.Phases = append(p.summary.Phases, result)
	p.Logger.Info("phase finished", "phase", phase, "status", result.Status, "duration", result.Duration)
	return err
}

func (p *Pipeline) connect(ctx context.Context) (Status, string, error) {
	if err := p.transport.Open(ctx); err != nil {
		var connectError *ssh.ConnectError
		exitStatus := -1
		if errors.As(err, &connectError) {
			exitStatus = connectError.ExitCode
		}
		return StatusFailed, "", &PhaseError{
			Phase:       PhaseProbe,
			Kind:        failure.Connectivity,
			ExitStatus:  exitStatus,
			Remediation: p.sshCheckCommand(),
			Err:         err,
		}
	}

	// The script goes over stdin so probing leaves nothing behind on
	// the remote; it is staged with the bundle later for manual use.
	result, err := p.transport.RunInput(ctx, bytes.NewReader(probe.Script()), "sh", "-s")
	if err != nil {
		return StatusFailed, "", &PhaseError{
			Phase:       PhaseProbe,
			Kind:        failure.Connectivity,
			ExitStatus:  executor.ExitCode(err),
			Remediation: p.sshCheckCommand(),
			Err:         fmt.Errorf("running platform detection: %w", err),
		}
	}
	report, err := probe.Parse([]byte(result.Stdout))
	if err != nil {
		return StatusFailed, "", &PhaseError{
			Phase:       PhaseProbe,
			Kind:        failure.Validation,
			ExitStatus:  0,
			Remediation: p.sshCheckCommand() + " (the remote login shell must not print to stdout)",
			Err:         err,
		}
	}
	applyPlatformHint(&report, p.Options.Target.Platform)
	p.summary.Report = &report

	detail := fmt.Sprintf("%s %s %s, nix %s", report.Platform, report.PlatformVersion, report.Architecture, report.Nix)
	if report.IsWSL() {
		detail += fmt.Sprintf(", WSL%d", report.WSL.Version)
	}
	return StatusOK, detail, nil
}

// applyPlatformHint trusts the target's wsl hint only when the probe
// could not read the kernel release and so could not decide itself.
func applyPlatformHint(report *probe.Report, hint config.Platform) {
	if hint != config.PlatformWSL || report.IsWSL() || report.Kernel != probe.Unknown {
		return
	}
	report.WSL = &probe.WSLInfo{Distro: probe.Unknown, Version: 2}
}

func (p *Pipeline) builder() *nix.Builder {
	return &nix.Builder{
		Binary:   p.NixBinary,
		Executor: p.Executor,
		Logger:   p.Logger,
		Options: nix.BuildOptions{
			MaxJobs:        p.Options.Config.Build.MaxJobs,
			Cores:          p.Options.Config.Build.Cores,
			PrintBuildLogs: p.Options.Debug,
			ExtraArgs:      p.Options.Config.Build.ExtraArgs,
		},
	}
}

func (p *Pipeline) build(ctx context.Context) (Status, string, error) {
	installable := nix.Installable(p.Options.flake(), p.Options.profile())
	builder := p.builder()

	if p.Options.DryRun {
		storePath, err := builder.Evaluate(ctx, installable)
		if err != nil {
			return StatusFailed, "", p.buildError(installable, err)
		}
		p.summary.Profile = nix.Profile{Installable: installable, StorePath: storePath}
		return StatusPlanned, "would build " + storePath, nil
	}

	profile, err := builder.Build(ctx, installable)
	if err != nil {
		return StatusFailed, "", p.buildError(installable, err)
	}
	p.summary.Profile = profile
	return StatusOK, fmt.Sprintf("%s (%s)", profile.StorePath, profile.HumanSize()), nil
}

func (p *Pipeline) buildError(installable string, err error) error {
	return &PhaseError{
		Phase:       PhaseBuild,
		Kind:        failure.Build,
		ExitStatus:  executor.ExitCode(err),
		Remediation: "nix build '" + installable + "' -L",
		Err:         err,
	}
}

func (p *Pipeline) coordinator() *transfer.Coordinator {
	return &transfer.Coordinator{
		Transport: p.transport,
		Builder:   p.builder(),
		Executor:  p.Executor,
		NixBinary: p.NixBinary,
		Options:   p.Options.Target.Deployment,
		Clock:     p.Clock,
		Logger:    p.Logger,
	}
}

func (p *Pipeline) transfer(ctx context.Context) (Status, string, error) {
	report := *p.summary.Report
	profile := p.summary.Profile
	coordinator := p.coordinator()

	request := transfer.Request{
		Target:                  p.Options.Target,
		Profile:                 profile,
		ProfileName:             p.Options.profile(),
		Report:                  report,
		StagingDir:              p.summary.StagingDir,
		OfflineInstaller:        p.Options.Target.OfflineInstaller,
		SubstituteOnDestination: p.Options.Config.Transfer.SubstituteOnDestination,
	}

	if report.NixInstalled() {
		if err := p.preflight(report, profile); err != nil {
			return StatusFailed, "", err
		}
	}

	// The staged install and activate scripts exec the staged binary.
	binary := p.remoteBinary(report)
	if binary == "" {
		machine := goArch(report.Architecture)
		return StatusFailed, "", &PhaseError{
			Phase:      PhaseTransfer,
			Kind:       failure.Validation,
			ExitStatus: -1,
			Remediation: fmt.Sprintf("GOOS=linux GOARCH=%s go build -o nix-deploy-linux-%s ./cmd/nix-deploy, then set remote_binary in targets/%s.yaml",
				machine, machine, p.Options.Target.Name),
			Err: fmt.Errorf("no nix-deploy binary for linux/%s can be staged; the remote install and activate scripts run it", report.Architecture),
		}
	}
	request.Binary = binary

	if p.Options.DryRun {
		p.summary.CopyCommand = coordinator.CopyCommand(request).String()
		return StatusPlanned, fmt.Sprintf("would copy to %s and stage in %s", p.summary.StoreURI, p.summary.StagingDir), nil
	}

	if report.NixInstalled() && !p.Options.Force {
		if existing := p.alreadyDeployed(ctx, coordinator, &request); existing != nil {
			p.summary.AlreadyDeployed = true
			p.summary.Metadata = existing
			p.summary.OperatorSteps = staging.Steps(p.bundle(existing))
			return StatusSkipped, "remote already staged " + profile.StorePath + " (use --force to restage)", nil
		}
	}

	if err := p.confirm(report, profile); err != nil {
		return StatusFailed, "", err
	}

	localDir, err := p.workDir()
	if err != nil {
		return StatusFailed, "", err
	}
	request.LocalDir = localDir
	p.summary.LocalStaging = localDir

	result, err := coordinator.Run(ctx, request)
	if err != nil {
		return StatusFailed, "", p.transferError(err)
	}
	p.summary.Copied = result.Copied
	p.summary.Bootstrap = result.Bootstrap
	p.summary.Metadata = result.Metadata
	p.summary.OperatorSteps = staging.Steps(p.bundle(result.Metadata))

	switch {
	case result.Bootstrap:
		return StatusOK, "remote has no Nix; staged the installer in " + p.summary.StagingDir, nil
	case result.Copied == 0:
		return StatusOK, fmt.Sprintf("remote already had all %d paths; staged in %s", len(result.Closure), p.summary.StagingDir), nil
	default:
		return StatusOK, fmt.Sprintf("copied %d of %d paths; staged in %s", result.Copied, len(result.Closure), p.summary.StagingDir), nil
	}
}

// alreadyDeployed returns the remote metadata when it names the built
// store path and the remote store still holds the whole closure. A
// closure collected since staging is copied and restaged again. The
// computed closure is kept in request for the copy.
func (p *Pipeline) alreadyDeployed(ctx context.Context, coordinator *transfer.Coordinator, request *transfer.Request) *metadata.Metadata {
	existing, err := coordinator.RemoteMetadata(ctx, p.summary.StagingDir)
	if err != nil {
		p.Logger.Debug("reading remote metadata", "error", err)
		return nil
	}
	if existing == nil || existing.StorePath != request.Profile.StorePath {
		return nil
	}

	closure, err := coordinator.Builder.Closure(ctx, request.Profile.StorePath)
	if err != nil {
		p.Logger.Debug("computing closure", "error", err)
		return nil
	}
	request.Closure = closure
	missing, err := coordinator.Missing(ctx, closure)
	if err != nil {
		p.Logger.Debug("checking remote store validity", "error", err)
		return nil
	}
	if len(missing) > 0 {
		p.Logger.Warn("staged store path is no longer complete on the remote", "missing", len(missing), "total", len(closure))
		p.note(fmt.Sprintf("%s was staged but %d of %d closure paths are gone from the remote store; copying again",
			request.Profile.StorePath, len(missing), len(closure)))
		return nil
	}
	return existing
}

// preflight refuses a copy that cannot fit, unless forced.
func (p *Pipeline) preflight(report probe.Report, profile nix.Profile) error {
	if !report.DiskFreeKnown() {
		p.Logger.Warn("remote free disk unknown, skipping the disk preflight")
		p.note("the remote's free space under /nix could not be measured; the disk preflight was skipped")
		return nil
	}
	freeBytes := report.DiskFreeMB * humanize.MiByte
	var problem string
	switch {
	case report.DiskFreeMB < p.Options.Config.Transfer.MinFreeDiskMB:
		problem = fmt.Sprintf("remote has %s free under /nix, below the configured minimum of %s",
			humanize.IBytes(uint64(max(freeBytes, 0))), humanize.IBytes(uint64(p.Options.Config.Transfer.MinFreeDiskMB)*humanize.MiByte))
	case profile.ClosureSize > 0 && profile.ClosureSize > freeBytes:
		problem = fmt.Sprintf("closure is %s but the remote has %s free under /nix",
			profile.HumanSize(), humanize.IBytes(uint64(max(freeBytes, 0))))
	default:
		return nil
	}

	if p.Options.Force {
		p.note(problem + " (continuing because of --force)")
		p.Logger.Warn("disk preflight overridden", "problem", problem)
		return nil
	}
	return &PhaseError{
		Phase:       PhaseTransfer,
		Kind:        failure.InsufficientResource,
		ExitStatus:  -1,
		Remediation: "free space on the remote (nix-collect-garbage -d) or re-run with --force",
		Err:         errors.New(problem),
	}
}

func (p *Pipeline) confirm(report probe.Report, profile nix.Profile) error {
	if p.Confirm == nil || p.Options.NonInteractive {
		return nil
	}
	prompt := fmt.Sprintf("Copy %s (%s) to %s?", profile.StorePath, profile.HumanSize(), p.summary.Address)
	if !report.NixInstalled() {
		prompt = fmt.Sprintf("%s has no Nix. Stage the installer in %s?", p.summary.Address, p.summary.StagingDir)
	}
	ok, err := p.Confirm(prompt)
	if err != nil {
		return err
	}
	if !ok {
		return &PhaseError{Phase: PhaseTransfer, Kind: failure.Validation, ExitStatus: -1, Err: ErrDeclined}
	}
	return nil
}

// remoteBinary picks the nix-deploy executable to stage: this one when
// the remote runs the same architecture, else the configured one.
func (p *Pipeline) remoteBinary(report probe.Report) string {
	if p.Options.LocalBinary != "" && runtime.GOOS == "linux" && goArch(report.Architecture) == runtime.GOARCH {
		return p.Options.LocalBinary
	}
	return p.Options.Target.RemoteBinary
}

// goArch maps a uname machine name to a GOARCH value.
func goArch(machine string) string {
	switch machine {
	case "x86_64", "amd64":
		return "amd64"
	case "aarch64", "arm64":
		return "arm64"
	case "armv7l", "armv6l":
		return "arm"
	case "i686", "i386":
		return "386"
	case "riscv64":
		return "riscv64"
	}
	return machine
}

func (p *Pipeline) transferError(err error) error {
	var copyError *transfer.CopyError
	if errors.As(err, &copyError) {
		classification := copyError.Classification
		return &PhaseError{
			Phase:       PhaseTransfer,
			Kind:        classification.Kind,
			ExitStatus:  copyError.ExitCode,
			Remediation: p.remediation(classification.Kind),
			Inferred:    classification.Inferred,
			Err:         fmt.Errorf("%w: %s", err, classification.Reason),
		}
	}
	return &PhaseError{
		Phase:       PhaseTransfer,
		Kind:        failure.Connectivity,
		ExitStatus:  executor.ExitCode(err),
		Remediation: p.remediation(failure.Connectivity),
		Err:         err,
	}
}

func (p *Pipeline) remediation(kind failure.Kind) string {
	switch kind {
	case failure.RuntimeMissing:
		return "on the remote: sh " + path.Join(p.summary.StagingDir, staging.InstallScript) + ", then re-run nix-deploy --target " + p.Options.Target.Name
	case failure.InsufficientResource:
		return "on the remote: nix-collect-garbage -d (or free space under /nix), then re-run"
	default:
		return p.sshCheckCommand() + ", then re-run (the copy resumes where it stopped)"
	}
}

func (p *Pipeline) sshCheckCommand() string {
	command := "ssh"
	if port := p.Options.Target.EffectivePort(); port != config.DefaultSSHPort {
		command += " -p " + strconv.Itoa(port)
	}
	return command + " " + p.Options.Target.Address() + " true"
}

func (p *Pipeline) bundle(meta *metadata.Metadata) staging.Bundle {
	return staging.Bundle{
		Target:     p.Options.Target.Name,
		Address:    p.summary.Address,
		StagingDir: p.summary.StagingDir,
		Metadata:   meta,
		SetupShell: p.Options.Target.Deployment.ShouldSetupShell(),
	}
}

func (p *Pipeline) addPending() {
	if p.Options.DryRun {
		p.summary.Phases = append(p.summary.Phases,
			PhaseResult{Phase: PhaseInstall, Status: StatusPlanned, Detail: "operator runs " + staging.InstallScript},
			PhaseResult{Phase: PhaseActivate, Status: StatusPlanned, Detail: "operator runs " + staging.ActivateScript},
		)
		return
	}
	install := PhaseResult{Phase: PhaseInstall, Status: StatusPending, Detail: "sh " + path.Join(p.summary.StagingDir, staging.InstallScript)}
	activation := PhaseResult{Phase: PhaseActivate, Status: StatusPending, Detail: "sh " + path.Join(p.summary.StagingDir, staging.ActivateScript)}
	if p.summary.Bootstrap {
		activation.Detail = "after Nix is installed, re-run nix-deploy --target " + p.Options.Target.Name
	}
	p.summary.Phases = append(p.summary.Phases, install, activation)
}

func (p *Pipeline) resume(ctx context.Context) error {
	existing, err := p.coordinator().RemoteMetadata(ctx, p.summary.StagingDir)
	if err != nil {
		return &PhaseError{Phase: PhaseTransfer, Kind: failure.Validation, ExitStatus: -1,
			Remediation: "re-run nix-deploy --target " + p.Options.Target.Name, Err: err}
	}
	if existing == nil {
		p.note("no metadata.json in " + p.summary.StagingDir + ": the transfer did not finish. Re-run nix-deploy --target " +
			p.Options.Target.Name + "; paths already copied are not sent again.")
		return nil
	}
	p.summary.Metadata = existing
	p.summary.OperatorSteps = staging.Steps(p.bundle(existing))
	p.note(fmt.Sprintf("%s was staged %s; run the remaining steps on the remote.",
		existing.StorePath, humanize.Time(existing.Timestamp)))
	p.addPending()
	return nil
}

// rollback reads the remote's latest backup record. Restoring it is
// left to the operator.
func (p *Pipeline) rollback(ctx context.Context) error {
	script := `f="$HOME/.local/state/nix-deploy/backups/` + activate.LatestBackupName + `"; if [ -f "$f" ]; then cat "$f"; fi`
	result, err := p.transport.Run(ctx, "sh", "-c", script)
	if err != nil {
		return &PhaseError{Phase: PhaseActivate, Kind: failure.Connectivity, ExitStatus: executor.ExitCode(err),
			Remediation: p.sshCheckCommand(), Err: fmt.Errorf("reading backup record: %w", err)}
	}
	if len(bytes.TrimSpace([]byte(result.Stdout))) == 0 {
		return &PhaseError{Phase: PhaseActivate, Kind: failure.Validation, ExitStatus: -1,
			Remediation: "on the remote: nix-env --list-generations --profile <home-manager profile>",
			Err:         errors.New("the remote has no backup record; no activation has been recorded")}
	}
	record, err := activate.ParseBackupRecord([]byte(result.Stdout))
	if err != nil {
		return &PhaseError{Phase: PhaseActivate, Kind: failure.Validation, ExitStatus: -1, Err: err}
	}
	plan := activate.PlanRollback(record)
	p.summary.Rollback = &plan
	return nil
}

func (p *Pipeline) workDir() (string, error) {
	if p.Options.WorkDir != "" {
		if err := os.MkdirAll(p.Options.WorkDir, 0o755); err != nil {
			return "", fmt.Errorf("creating work directory: %w", err)
		}
		return p.Options.WorkDir, nil
	}
	return os.MkdirTemp("", "nix-deploy-"+p.Options.Target.Name+"-")
}

func (p *Pipeline) note(message string) {
	p.summary.Notes = append(p.summary.Notes, message)
}

// Elapsed sums the recorded phase durations.
func (s Summary) Elapsed() time.Duration {
	var total time.Duration
	for _, phase := range s.Phases {
		total += phase.Duration
	}
	return total
}
