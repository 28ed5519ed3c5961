// Package install provisions an instance's application tree from its
// declared source: a git clone of the configured repository followed by a
// Node dependency install, with every step's output captured into the
// instance log.
package install

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/openclaw/launchpad/events"
	"github.com/openclaw/launchpad/launcher"
	"github.com/openclaw/launchpad/logbuf"
	"github.com/openclaw/launchpad/probe"
	"github.com/openclaw/launchpad/registry"
	"github.com/openclaw/launchpad/runenv"
)

const (
	markerInstallStarted   = "===== Instance install started ====="
	markerInstallCompleted = "===== Instance install completed ====="
	markerInstallFailed    = "===== Instance install failed ====="
)

// BusyFunc reports whether the instance has a live or transitioning process.
type BusyFunc func(instanceID string) bool

// Installer runs the clone-and-install pipeline for instances.
type Installer struct {
	reg    *registry.Registry
	prober *probe.Prober
	logs   *logbuf.Manager
	busy   BusyFunc
	bus    *events.Bus
	logger *slog.Logger
}

func NewInstaller(reg *registry.Registry, prober *probe.Prober, logs *logbuf.Manager, busy BusyFunc, bus *events.Bus, logger *slog.Logger) *Installer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Installer{
		reg:    reg,
		prober: prober,
		logs:   logs,
		busy:   busy,
		bus:    bus,
		logger: logger.With("component", "Installer"),
	}
}

// Install clones the instance's source repository into its data directory
// and installs Node dependencies there. The instance must be idle. Both git
// and node must be present; the install cannot proceed partially without
// them. Output of every step is appended to the instance log, and the
// context cancels the pipeline between and during steps.
func (in *Installer) Install(ctx context.Context, instanceID string) error {
	inst, err := in.reg.Get(instanceID)
	if err != nil {
		return err
	}
	if in.busy != nil && in.busy(instanceID) {
		return &launcher.InstanceRunningError{InstanceID: instanceID, Op: "install"}
	}
	if inst.Source.Repo == "" {
		return &launcher.InvalidPathError{Path: inst.Path, Reason: "instance has no source repository configured"}
	}

	lookupDirs := runenv.LookupDirs(inst)
	result, err := in.prober.ProbeIn(ctx, lookupDirs, probe.Required()...)
	if err != nil {
		return err
	}
	if missing := result.Missing(); len(missing) > 0 {
		return &launcher.MissingDependencyError{InstanceID: instanceID, Missing: missing}
	}
	// Full probe so the synthesized environment can expose every runtime.
	probed, err := in.prober.ProbeIn(ctx, lookupDirs, probe.Known()...)
	if err != nil {
		return err
	}

	store, err := in.logs.Open(instanceID)
	if err != nil {
		return err
	}
	env := runenv.ToList(runenv.Synthesize(os.Environ(), inst, probed))

	in.logger.Info("Install started", "instanceId", instanceID, "repo", inst.Source.Repo, "ref", inst.Source.Ref)
	store.Append(logbuf.SourceSystem, markerInstallStarted)

	if err := in.pipeline(ctx, inst, store, env); err != nil {
		store.Append(logbuf.SourceSystem, fmt.Sprintf("Install failed: %v", err))
		store.Append(logbuf.SourceSystem, markerInstallFailed)
		in.bus.PublishError(instanceID, string(launcher.KindOf(err)), err)
		return err
	}

	store.Append(logbuf.SourceSystem, markerInstallCompleted)
	in.logger.Info("Install completed", "instanceId", instanceID)
	return nil
}

func (in *Installer) pipeline(ctx context.Context, inst *registry.Instance, store *logbuf.Store, env []string) error {
	cloneArgs := []string{"clone", inst.Source.Repo, "."}
	if err := in.runStep(ctx, inst, store, env, "git", cloneArgs...); err != nil {
		return err
	}
	if inst.Source.Ref != "" {
		if err := in.runStep(ctx, inst, store, env, "git", "checkout", inst.Source.Ref); err != nil {
			return err
		}
	}
	return in.installDeps(ctx, inst, store, env)
}

// installDeps prefers pnpm, falls back to activating it through corepack,
// and finally to plain npm.
func (in *Installer) installDeps(ctx context.Context, inst *registry.Instance, store *logbuf.Store, env []string) error {
	if _, err := exec.LookPath("pnpm"); err == nil {
		return in.runStep(ctx, inst, store, env, "pnpm", "install")
	}

	if corepack, err := exec.LookPath("corepack"); err == nil {
		if err := in.runStep(ctx, inst, store, env, corepack, "enable"); err == nil {
			if err := in.runStep(ctx, inst, store, env, corepack, "pnpm", "install"); err == nil {
				return nil
			}
		}
		store.Append(logbuf.SourceSystem, "corepack pnpm failed, falling back to npm")
	}

	if _, err := exec.LookPath("npm"); err != nil {
		return &launcher.MissingDependencyError{InstanceID: inst.ID, Missing: []string{string(probe.Pnpm)}}
	}
	return in.runStep(ctx, inst, store, env, "npm", "install")
}

// runStep runs one external command in the instance directory, streaming its
// output into the instance log.
func (in *Installer) runStep(ctx context.Context, inst *registry.Instance, store *logbuf.Store, env []string, program string, args ...string) error {
	store.Append(logbuf.SourceSystem, fmt.Sprintf("$ %s %v", program, args))

	cmd := exec.CommandContext(ctx, program, args...)
	cmd.Dir = inst.Path
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &launcher.ProcessError{InstanceID: inst.ID, Op: program, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &launcher.ProcessError{InstanceID: inst.ID, Op: program, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return &launcher.ProcessError{InstanceID: inst.ID, Op: program, Err: err}
	}

	var captureWg sync.WaitGroup
	captureWg.Add(2)
	go func() {
		defer captureWg.Done()
		store.Capture(stdout, logbuf.SourceStdout, nil)
	}()
	go func() {
		defer captureWg.Done()
		store.Capture(stderr, logbuf.SourceStderr, nil)
	}()
	captureWg.Wait()

	if err := cmd.Wait(); err != nil {
		return &launcher.ProcessError{InstanceID: inst.ID, Op: program, Err: err}
	}
	return nil
}
