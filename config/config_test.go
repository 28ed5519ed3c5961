package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	base := t.TempDir()
	cfg, err := Load("", base)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.BaseDir != base {
		t.Errorf("BaseDir = %q, want %q", cfg.BaseDir, base)
	}
	if cfg.InstancesDir != filepath.Join(base, "instances") {
		t.Errorf("InstancesDir = %q", cfg.InstancesDir)
	}
	if cfg.DatabasePath != filepath.Join(base, "launchpad.db") {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath)
	}
	if cfg.StopGracePeriod != 5*time.Second {
		t.Errorf("StopGracePeriod = %v, want 5s", cfg.StopGracePeriod)
	}
	if cfg.RingCapacity != 10000 {
		t.Errorf("RingCapacity = %d, want 10000", cfg.RingCapacity)
	}
	if cfg.LogRotateBytes != 10*1024*1024 {
		t.Errorf("LogRotateBytes = %d", cfg.LogRotateBytes)
	}
	if cfg.CrashContextLines != 50 {
		t.Errorf("CrashContextLines = %d, want 50", cfg.CrashContextLines)
	}
}

func TestLoadFromFile(t *testing.T) {
	base := t.TempDir()
	content := "stop_grace_period = \"9s\"\nring_capacity = 42\n"
	if err := os.WriteFile(filepath.Join(base, "config.toml"), []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load("", base)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.StopGracePeriod != 9*time.Second {
		t.Errorf("StopGracePeriod = %v, want 9s", cfg.StopGracePeriod)
	}
	if cfg.RingCapacity != 42 {
		t.Errorf("RingCapacity = %d, want 42", cfg.RingCapacity)
	}
	// Untouched keys keep their defaults.
	if cfg.ProbeTimeout != 5*time.Second {
		t.Errorf("ProbeTimeout = %v, want default", cfg.ProbeTimeout)
	}
}

func TestLoadClampsNonsense(t *testing.T) {
	base := t.TempDir()
	content := "ring_capacity = -5\nstop_grace_period = \"0s\"\n"
	if err := os.WriteFile(filepath.Join(base, "config.toml"), []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load("", base)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.RingCapacity != 10000 {
		t.Errorf("RingCapacity = %d, want clamped default", cfg.RingCapacity)
	}
	if cfg.StopGracePeriod != 5*time.Second {
		t.Errorf("StopGracePeriod = %v, want clamped default", cfg.StopGracePeriod)
	}
}

func TestEnsureDirsAndInstancePath(t *testing.T) {
	base := t.TempDir()
	cfg, err := Load("", base)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs returned error: %v", err)
	}

	for _, dir := range []string{cfg.InstancesDir, cfg.LogsDir, cfg.BackupsDir} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Errorf("directory %s not created", dir)
		}
	}

	if got := cfg.InstancePath("alpha"); got != filepath.Join(cfg.InstancesDir, "alpha") {
		t.Errorf("InstancePath = %q", got)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml"), ""); err == nil {
		t.Error("Load succeeded with a missing explicit config file")
	}
}
