package install

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/openclaw/launchpad/events"
	"github.com/openclaw/launchpad/launcher"
	"github.com/openclaw/launchpad/logbuf"
	"github.com/openclaw/launchpad/probe"
	"github.com/openclaw/launchpad/registry"
)

type harness struct {
	installer *Installer
	reg       *registry.Registry
	logs      *logbuf.Manager
	inst      *registry.Instance
	toolsDir  string
}

// setupHarness builds an installer whose git/node/pnpm are shell fakes in a
// private tools directory, put first on PATH so both the prober and
// exec.LookPath resolve them.
func setupHarness(t *testing.T, busy BusyFunc) *harness {
	tmpDir := t.TempDir()
	db := sqlx.MustConnect("sqlite3", filepath.Join(tmpDir, "test.db"))
	t.Cleanup(func() { db.Close() })

	reg, err := registry.NewRegistry(db, nil)
	if err != nil {
		t.Fatalf("NewRegistry returned error: %v", err)
	}
	inst, err := reg.Create("alpha", filepath.Join(tmpDir, "instances", "alpha"),
		registry.SourceSpec{Repo: "https://example.com/app.git", Ref: "v2.1"})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	toolsDir := filepath.Join(tmpDir, "tools")
	if err := os.MkdirAll(toolsDir, 0755); err != nil {
		t.Fatalf("mkdir tools: %v", err)
	}
	writeTool(t, toolsDir, "node", "echo 'v20.11.0'\nexit 0\n")
	writeTool(t, toolsDir, "git", gitScript)
	writeTool(t, toolsDir, "pnpm", pnpmScript)
	t.Setenv("PATH", toolsDir)

	logs := logbuf.NewManager(logbuf.Config{
		Dir: filepath.Join(tmpDir, "logs"),
		Bus: events.NewBus(nil),
	})
	t.Cleanup(logs.Close)

	prober := probe.NewProber(probe.Config{Timeout: 5 * time.Second, ExtraPaths: []string{toolsDir}})
	installer := NewInstaller(reg, prober, logs, busy, events.NewBus(nil), nil)
	return &harness{installer: installer, reg: reg, logs: logs, inst: inst, toolsDir: toolsDir}
}

const gitScript = `case "$1" in
--version) echo 'git version 2.43.0' ;;
clone) echo "Cloning into $3"; echo 'clone' > cloned.txt ;;
checkout) echo "Switched to $2"; echo "$2" > ref.txt ;;
esac
exit 0
`

const pnpmScript = `case "$1" in
--version) echo '9.1.0' ;;
install) echo 'Packages installed'; /bin/mkdir -p node_modules ;;
esac
exit 0
`

func writeTool(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatalf("writing fake %s: %v", name, err)
	}
}

func (h *harness) logLines(t *testing.T) []string {
	t.Helper()
	store, err := h.logs.Open(h.inst.ID)
	if err != nil {
		t.Fatalf("opening log store: %v", err)
	}
	records, err := store.History(0, 0)
	if err != nil {
		t.Fatalf("reading log history: %v", err)
	}
	lines := make([]string, 0, len(records))
	for _, rec := range records {
		lines = append(lines, rec.Line)
	}
	return lines
}

func requireLine(t *testing.T, lines []string, want string) {
	t.Helper()
	for _, line := range lines {
		if strings.Contains(line, want) {
			return
		}
	}
	t.Errorf("log missing %q, got:\n%s", want, strings.Join(lines, "\n"))
}

func TestInstallClonesAndInstallsDeps(t *testing.T) {
	h := setupHarness(t, nil)

	if err := h.installer.Install(context.Background(), h.inst.ID); err != nil {
		t.Fatalf("Install returned error: %v", err)
	}

	if _, err := os.Stat(filepath.Join(h.inst.Path, "cloned.txt")); err != nil {
		t.Errorf("clone step did not run in instance dir: %v", err)
	}
	ref, err := os.ReadFile(filepath.Join(h.inst.Path, "ref.txt"))
	if err != nil {
		t.Fatalf("checkout step did not run: %v", err)
	}
	if strings.TrimSpace(string(ref)) != "v2.1" {
		t.Errorf("checked out ref = %q, want v2.1", strings.TrimSpace(string(ref)))
	}
	if _, err := os.Stat(filepath.Join(h.inst.Path, "node_modules")); err != nil {
		t.Errorf("dependency install did not run: %v", err)
	}

	lines := h.logLines(t)
	requireLine(t, lines, markerInstallStarted)
	requireLine(t, lines, markerInstallCompleted)
	requireLine(t, lines, "Cloning into")
	requireLine(t, lines, "Packages installed")
}

func TestInstallSkipsCheckoutWithoutRef(t *testing.T) {
	h := setupHarness(t, nil)
	if _, err := h.reg.Update(h.inst.ID, func(in *registry.Instance) error {
		in.Source.Ref = ""
		return nil
	}); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}

	if err := h.installer.Install(context.Background(), h.inst.ID); err != nil {
		t.Fatalf("Install returned error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(h.inst.Path, "ref.txt")); !os.IsNotExist(err) {
		t.Error("checkout ran despite empty ref")
	}
}

func TestInstallRefusedWhileBusy(t *testing.T) {
	h := setupHarness(t, func(string) bool { return true })

	err := h.installer.Install(context.Background(), h.inst.ID)
	var running *launcher.InstanceRunningError
	if !errors.As(err, &running) {
		t.Errorf("Install while busy = %v, want InstanceRunningError", err)
	}
}

func TestInstallRequiresRepo(t *testing.T) {
	h := setupHarness(t, nil)
	if _, err := h.reg.Update(h.inst.ID, func(in *registry.Instance) error {
		in.Source = registry.SourceSpec{}
		return nil
	}); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}

	err := h.installer.Install(context.Background(), h.inst.ID)
	var invalid *launcher.InvalidPathError
	if !errors.As(err, &invalid) {
		t.Errorf("Install without repo = %v, want InvalidPathError", err)
	}
}

func TestInstallMissingRequiredDependency(t *testing.T) {
	h := setupHarness(t, nil)
	if err := os.Remove(filepath.Join(h.toolsDir, "node")); err != nil {
		t.Fatalf("removing fake node: %v", err)
	}
	h.installer.prober = probe.NewProber(probe.Config{Timeout: 5 * time.Second, ExtraPaths: []string{h.toolsDir}})

	err := h.installer.Install(context.Background(), h.inst.ID)
	var missing *launcher.MissingDependencyError
	if !errors.As(err, &missing) {
		t.Fatalf("Install without node = %v, want MissingDependencyError", err)
	}
	if len(missing.Missing) != 1 || missing.Missing[0] != "node" {
		t.Errorf("Missing = %v, want [node]", missing.Missing)
	}
}

func TestInstallFailedStepLogsAndReturnsError(t *testing.T) {
	h := setupHarness(t, nil)
	writeTool(t, h.toolsDir, "git", failingGitScript)

	err := h.installer.Install(context.Background(), h.inst.ID)
	var procErr *launcher.ProcessError
	if !errors.As(err, &procErr) {
		t.Fatalf("Install with failing clone = %v, want ProcessError", err)
	}

	lines := h.logLines(t)
	requireLine(t, lines, markerInstallStarted)
	requireLine(t, lines, markerInstallFailed)
	requireLine(t, lines, "fatal: could not read from remote")
}

const failingGitScript = `case "$1" in
--version) echo 'git version 2.43.0'; exit 0 ;;
clone) echo 'fatal: could not read from remote' >&2; exit 128 ;;
esac
exit 0
`

func TestInstallFallsBackToNpm(t *testing.T) {
	h := setupHarness(t, nil)
	if err := os.Remove(filepath.Join(h.toolsDir, "pnpm")); err != nil {
		t.Fatalf("removing fake pnpm: %v", err)
	}
	writeTool(t, h.toolsDir, "npm", "echo 'npm install ran'\nexit 0\n")

	if err := h.installer.Install(context.Background(), h.inst.ID); err != nil {
		t.Fatalf("Install returned error: %v", err)
	}
	requireLine(t, h.logLines(t), "npm install ran")
}

func TestInstallNoPackageManager(t *testing.T) {
	h := setupHarness(t, nil)
	if err := os.Remove(filepath.Join(h.toolsDir, "pnpm")); err != nil {
		t.Fatalf("removing fake pnpm: %v", err)
	}

	err := h.installer.Install(context.Background(), h.inst.ID)
	var missing *launcher.MissingDependencyError
	if !errors.As(err, &missing) {
		t.Fatalf("Install without package manager = %v, want MissingDependencyError", err)
	}
	if fmt.Sprint(missing.Missing) != "[pnpm]" {
		t.Errorf("Missing = %v, want [pnpm]", missing.Missing)
	}
}
