package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/openclaw/launchpad/backup"
	"github.com/openclaw/launchpad/config"
	"github.com/openclaw/launchpad/events"
	"github.com/openclaw/launchpad/install"
	"github.com/openclaw/launchpad/launcher"
	"github.com/openclaw/launchpad/logbuf"
	"github.com/openclaw/launchpad/probe"
	"github.com/openclaw/launchpad/registry"
	"github.com/openclaw/launchpad/supervisor"
)

// app wires the launcher components together for one CLI invocation. The
// supervisor recovers any instances left running by PID from a previous
// invocation, so status and stop keep working across launcher restarts.
type app struct {
	cfg       *config.Config
	db        *sqlx.DB
	bus       *events.Bus
	reg       *registry.Registry
	prober    *probe.Prober
	logs      *logbuf.Manager
	sup       *supervisor.Supervisor
	backups   *backup.Manager
	installer *install.Installer
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgFile, baseDir)
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	db, err := sqlx.Connect("sqlite3", cfg.DatabasePath)
	if err != nil {
		return nil, &launcher.StorageError{Op: "open database", Err: err}
	}

	logger := slog.Default()
	bus := events.NewBus(logger)

	reg, err := registry.NewRegistry(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	prober := probe.NewProber(probe.Config{
		Timeout: cfg.ProbeTimeout,
		Logger:  logger,
	})
	// Environment edits change how tools resolve; cached probe results
	// are stale the moment an override is committed.
	reg.SetEnvChangedHook(func(string) { prober.Invalidate() })

	logs := logbuf.NewManager(logbuf.Config{
		Dir:          cfg.LogsDir,
		RingCapacity: cfg.RingCapacity,
		RotateBytes:  cfg.LogRotateBytes,
		Bus:          bus,
		Logger:       logger,
	})

	sup := supervisor.NewSupervisor(reg, prober, logs, bus, supervisor.Config{
		GracePeriod:       cfg.StopGracePeriod,
		SettleDelay:       cfg.StartSettleDelay,
		CrashContextLines: cfg.CrashContextLines,
		Logger:            logger,
	})
	if err := sup.Recover(ctx); err != nil {
		db.Close()
		return nil, err
	}

	backups, err := backup.NewManager(db, reg, sup.IsBusy, cfg.BackupsDir, bus, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	installer := install.NewInstaller(reg, prober, logs, sup.IsBusy, bus, logger)

	return &app{
		cfg:       cfg,
		db:        db,
		bus:       bus,
		reg:       reg,
		prober:    prober,
		logs:      logs,
		sup:       sup,
		backups:   backups,
		installer: installer,
	}, nil
}

func (a *app) Close() {
	a.logs.Close()
	a.db.Close()
}

// resolve accepts either an instance ID or a display name.
func (a *app) resolve(ref string) (*registry.Instance, error) {
	inst, err := a.reg.Get(ref)
	if err == nil {
		return inst, nil
	}
	var notFound *launcher.NotFoundError
	if !errors.As(err, &notFound) {
		return nil, err
	}
	return a.reg.GetByName(ref)
}

// withApp wraps a command body with app construction and teardown.
func withApp(run func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		return run(cmd.Context(), a, args)
	}
}
