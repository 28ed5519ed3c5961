package registry

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/openclaw/launchpad/launcher"
)

// setupRegistry creates a registry on a temporary database.
func setupRegistry(t *testing.T) (*Registry, string) {
	tmpDir := t.TempDir()
	db := sqlx.MustConnect("sqlite3", filepath.Join(tmpDir, "test_registry.db"))
	t.Cleanup(func() { db.Close() })

	reg, err := NewRegistry(db, nil)
	if err != nil {
		t.Fatalf("NewRegistry returned error: %v", err)
	}
	return reg, tmpDir
}

func TestCreateAndGet(t *testing.T) {
	reg, tmpDir := setupRegistry(t)

	inst, err := reg.Create("alpha", filepath.Join(tmpDir, "alpha"), SourceSpec{Repo: "https://example.com/app.git", Ref: "v1.2"})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if inst.ID == "" {
		t.Fatal("Create returned empty ID")
	}

	got, err := reg.Get(inst.ID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.Name != "alpha" || got.Source.Repo != "https://example.com/app.git" || got.Source.Ref != "v1.2" {
		t.Errorf("Get returned wrong instance: %+v", got)
	}

	byName, err := reg.GetByName("alpha")
	if err != nil {
		t.Fatalf("GetByName returned error: %v", err)
	}
	if byName.ID != inst.ID {
		t.Errorf("GetByName returned ID %s, want %s", byName.ID, inst.ID)
	}
}

func TestCreateValidation(t *testing.T) {
	reg, tmpDir := setupRegistry(t)

	if _, err := reg.Create("", filepath.Join(tmpDir, "x"), SourceSpec{}); launcher.KindOf(err) != launcher.KindValidation {
		t.Errorf("empty name: got %v, want validation error", err)
	}
	if _, err := reg.Create("x", "relative/path", SourceSpec{}); launcher.KindOf(err) != launcher.KindValidation {
		t.Errorf("relative path: got %v, want validation error", err)
	}

	if _, err := reg.Create("alpha", filepath.Join(tmpDir, "alpha"), SourceSpec{}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	_, err := reg.Create("alpha", filepath.Join(tmpDir, "alpha2"), SourceSpec{})
	var dup *launcher.DuplicateNameError
	if !errors.As(err, &dup) {
		t.Errorf("duplicate name: got %v, want DuplicateNameError", err)
	}
}

func TestListCreationOrder(t *testing.T) {
	reg, tmpDir := setupRegistry(t)

	names := []string{"one", "two", "three"}
	for _, name := range names {
		if _, err := reg.Create(name, filepath.Join(tmpDir, name), SourceSpec{}); err != nil {
			t.Fatalf("Create(%s) returned error: %v", name, err)
		}
	}

	instances, err := reg.List()
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(instances) != len(names) {
		t.Fatalf("List returned %d instances, want %d", len(instances), len(names))
	}
	for i, name := range names {
		if instances[i].Name != name {
			t.Errorf("List[%d].Name = %s, want %s", i, instances[i].Name, name)
		}
	}
}

func TestUpdateEnvOverrides(t *testing.T) {
	reg, tmpDir := setupRegistry(t)

	inst, err := reg.Create("alpha", filepath.Join(tmpDir, "alpha"), SourceSpec{})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	updated, err := reg.Update(inst.ID, func(in *Instance) error {
		in.EnvOverrides["PORT"] = "9000"
		return nil
	})
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if updated.EnvOverrides["PORT"] != "9000" {
		t.Errorf("Update did not apply override: %+v", updated.EnvOverrides)
	}

	got, err := reg.Get(inst.ID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.EnvOverrides["PORT"] != "9000" {
		t.Errorf("override not persisted: %+v", got.EnvOverrides)
	}
}

func TestUpdateFiresEnvChangedHook(t *testing.T) {
	reg, tmpDir := setupRegistry(t)

	inst, err := reg.Create("alpha", filepath.Join(tmpDir, "alpha"), SourceSpec{})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	var fired []string
	reg.SetEnvChangedHook(func(id string) { fired = append(fired, id) })

	// A rename does not affect dependency resolution.
	if _, err := reg.Update(inst.ID, func(in *Instance) error {
		in.Name = "beta"
		return nil
	}); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if len(fired) != 0 {
		t.Errorf("hook fired on rename: %v", fired)
	}

	// An override edit does.
	if _, err := reg.Update(inst.ID, func(in *Instance) error {
		in.EnvOverrides["PATH"] = "/opt/bin"
		return nil
	}); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if len(fired) != 1 || fired[0] != inst.ID {
		t.Errorf("hook fired %v, want once for %s", fired, inst.ID)
	}

	// A failed mutation must not fire the hook.
	reg.SetBusyCheck(func(string) bool { return true })
	if _, err := reg.Update(inst.ID, func(in *Instance) error {
		in.EnvOverrides["PATH"] = "/elsewhere"
		return nil
	}); err == nil {
		t.Fatal("env edit while busy unexpectedly succeeded")
	}
	if len(fired) != 1 {
		t.Errorf("hook fired on a rejected update: %v", fired)
	}
}

func TestUpdateRejectedWhileBusy(t *testing.T) {
	reg, tmpDir := setupRegistry(t)

	inst, err := reg.Create("alpha", filepath.Join(tmpDir, "alpha"), SourceSpec{})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	reg.SetBusyCheck(func(id string) bool { return id == inst.ID })

	// Supervised fields cannot change while the process is live.
	_, err = reg.Update(inst.ID, func(in *Instance) error {
		in.EnvOverrides["PORT"] = "9000"
		return nil
	})
	var invalid *launcher.InvalidStateError
	if !errors.As(err, &invalid) {
		t.Errorf("env edit while busy: got %v, want InvalidStateError", err)
	}

	// A rename does not feed the running process and stays allowed.
	if _, err := reg.Update(inst.ID, func(in *Instance) error {
		in.Name = "beta"
		return nil
	}); err != nil {
		t.Errorf("rename while busy returned error: %v", err)
	}
}

func TestDeleteTombstone(t *testing.T) {
	reg, tmpDir := setupRegistry(t)

	inst, err := reg.Create("alpha", filepath.Join(tmpDir, "alpha"), SourceSpec{})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := reg.Delete(inst.ID, false); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}

	var notFound *launcher.NotFoundError
	if _, err := reg.Get(inst.ID); !errors.As(err, &notFound) {
		t.Errorf("Get after delete: got %v, want NotFoundError", err)
	}

	// The name frees up, but the old ID must stay retired.
	inst2, err := reg.Create("alpha", filepath.Join(tmpDir, "alpha-2"), SourceSpec{})
	if err != nil {
		t.Fatalf("Create after delete returned error: %v", err)
	}
	if inst2.ID == inst.ID {
		t.Error("deleted instance ID was reused")
	}
}

func TestDeleteRejectedWhileBusy(t *testing.T) {
	reg, tmpDir := setupRegistry(t)

	inst, err := reg.Create("alpha", filepath.Join(tmpDir, "alpha"), SourceSpec{})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	reg.SetBusyCheck(func(string) bool { return true })

	err = reg.Delete(inst.ID, false)
	var running *launcher.InstanceRunningError
	if !errors.As(err, &running) {
		t.Errorf("Delete while busy: got %v, want InstanceRunningError", err)
	}
}

func TestRecordStartedAndStopped(t *testing.T) {
	reg, tmpDir := setupRegistry(t)

	inst, err := reg.Create("alpha", filepath.Join(tmpDir, "alpha"), SourceSpec{})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	if err := reg.RecordStarted(inst.ID, 4321); err != nil {
		t.Fatalf("RecordStarted returned error: %v", err)
	}
	got, _ := reg.Get(inst.ID)
	if got.LastPID != 4321 {
		t.Errorf("LastPID = %d, want 4321", got.LastPID)
	}
	if got.LastStartedAt == 0 {
		t.Error("LastStartedAt not recorded")
	}

	if err := reg.RecordStopped(inst.ID); err != nil {
		t.Fatalf("RecordStopped returned error: %v", err)
	}
	got, _ = reg.Get(inst.ID)
	if got.LastPID != 0 {
		t.Errorf("LastPID = %d after stop, want 0", got.LastPID)
	}
	if got.LastStoppedAt == 0 {
		t.Error("LastStoppedAt not recorded")
	}
}

func TestGetIgnoresUnknownJSONFields(t *testing.T) {
	tmpDir := t.TempDir()
	db := sqlx.MustConnect("sqlite3", filepath.Join(tmpDir, "test_registry.db"))
	t.Cleanup(func() { db.Close() })

	reg, err := NewRegistry(db, nil)
	if err != nil {
		t.Fatalf("NewRegistry returned error: %v", err)
	}
	inst, err := reg.Create("alpha", filepath.Join(tmpDir, "alpha"), SourceSpec{Repo: "https://example.com/app.git"})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	// Rows written by a newer release may carry fields this one has never
	// heard of. Reading them back must not error.
	_, err = db.Exec(`UPDATE instances_v1 SET source = $1, env_overrides = $2 WHERE id = $3`,
		`{"repo": "https://example.com/app.git", "mirror": "https://alt.example.com"}`,
		`{"PORT": "9000"}`, inst.ID)
	if err != nil {
		t.Fatalf("updating row: %v", err)
	}

	got, err := reg.Get(inst.ID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.Source.Repo != "https://example.com/app.git" {
		t.Errorf("Source.Repo = %q", got.Source.Repo)
	}
	if got.EnvOverrides["PORT"] != "9000" {
		t.Errorf("EnvOverrides = %+v", got.EnvOverrides)
	}
}
