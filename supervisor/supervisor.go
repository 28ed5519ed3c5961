// Package supervisor owns the lifecycle state machine and the OS process
// handle of every managed instance. Start and stop are asynchronous: callers
// get an immediate admission decision and completion arrives on the event
// bus. Each instance transitions independently; within one instance at most
// one transition is in flight at a time, and a conflicting caller is
// rejected rather than queued.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/openclaw/launchpad/events"
	"github.com/openclaw/launchpad/launcher"
	"github.com/openclaw/launchpad/logbuf"
	"github.com/openclaw/launchpad/probe"
	"github.com/openclaw/launchpad/registry"
	"github.com/openclaw/launchpad/runenv"
)

const (
	defaultGracePeriod       = 5 * time.Second
	defaultSettleDelay       = 250 * time.Millisecond
	defaultCrashContextLines = 50
	adoptedPollInterval      = time.Second
)

// Command launches the managed application. The instance's data directory
// is always the working directory.
type Command struct {
	Program string
	Args    []string
}

// DefaultCommand runs the application's entry script with the probed node
// runtime, the same invocation the desktop launcher uses.
var DefaultCommand = Command{Program: "node", Args: []string{"gateway.mjs", "--verbose"}}

// Config holds Supervisor options.
type Config struct {
	// GracePeriod is how long Stop waits after SIGTERM before SIGKILL.
	GracePeriod time.Duration
	// SettleDelay is how long a spawned process must survive before the
	// instance is confirmed Running.
	SettleDelay time.Duration
	// CrashContextLines is the log tail length preserved on crash.
	CrashContextLines int
	// Command overrides the launch invocation. Zero value means
	// DefaultCommand.
	Command Command
	Logger  *slog.Logger
}

// instanceProc tracks the transient per-instance process state. It is the
// only place a ProcessHandle lives; nothing here is ever persisted.
type instanceProc struct {
	mu            sync.Mutex
	state         State
	inFlight      bool
	cmd           *exec.Cmd
	pid           int
	startedAt     time.Time
	stopRequested bool
	adopted       bool
	done          chan struct{}
	crash         *CrashContext
}

// Supervisor coordinates instance lifecycles.
type Supervisor struct {
	mu    sync.Mutex
	procs map[string]*instanceProc

	reg    *registry.Registry
	prober *probe.Prober
	logs   *logbuf.Manager
	bus    *events.Bus
	logger *slog.Logger

	gracePeriod time.Duration
	settleDelay time.Duration
	crashLines  int
	command     Command

	wg sync.WaitGroup
}

// NewSupervisor creates a supervisor and registers itself as the registry's
// busy check.
func NewSupervisor(reg *registry.Registry, prober *probe.Prober, logs *logbuf.Manager, bus *events.Bus, cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}
	settle := cfg.SettleDelay
	if settle <= 0 {
		settle = defaultSettleDelay
	}
	crashLines := cfg.CrashContextLines
	if crashLines <= 0 {
		crashLines = defaultCrashContextLines
	}
	command := cfg.Command
	if command.Program == "" {
		command = DefaultCommand
	}

	s := &Supervisor{
		procs:       make(map[string]*instanceProc),
		reg:         reg,
		prober:      prober,
		logs:        logs,
		bus:         bus,
		logger:      logger.With("component", "Supervisor"),
		gracePeriod: grace,
		settleDelay: settle,
		crashLines:  crashLines,
		command:     command,
	}
	reg.SetBusyCheck(s.IsBusy)
	return s
}

// proc returns the tracking entry for id, creating it in StateStopped.
func (s *Supervisor) proc(id string) *instanceProc {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	if !ok {
		p = &instanceProc{state: StateStopped}
		s.procs[id] = p
	}
	return p
}

// StateOf returns the current lifecycle state of an instance.
func (s *Supervisor) StateOf(id string) State {
	p := s.proc(id)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Crash returns the preserved crash context, or nil.
func (s *Supervisor) Crash(id string) *CrashContext {
	p := s.proc(id)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.crash
}

// PID returns the live process ID, or 0.
func (s *Supervisor) PID(id string) int {
	p := s.proc(id)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// IsBusy reports whether the instance has a live process or an in-flight
// transition. Registry edits to supervised fields and all backup/restore
// operations are refused while busy.
func (s *Supervisor) IsBusy(id string) bool {
	p := s.proc(id)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight || !p.state.idle()
}

// Start launches an instance. Legal only from Stopped, Crashed or Failed.
// The dependency gate runs synchronously so a missing required runtime is
// reported to the caller; the spawn itself completes asynchronously with
// StateChanged events.
func (s *Supervisor) Start(ctx context.Context, id string) error {
	inst, err := s.reg.Get(id)
	if err != nil {
		return err
	}

	p := s.proc(id)
	p.mu.Lock()
	if p.inFlight {
		p.mu.Unlock()
		return &launcher.TransitionInProgressError{InstanceID: id}
	}
	if !p.state.startable() {
		state := p.state
		p.mu.Unlock()
		return &launcher.InvalidStateError{InstanceID: id, State: state.String(), Op: "start"}
	}
	prev := p.state
	p.inFlight = true
	p.mu.Unlock()

	// Re-run the probe for the required set before anything is spawned.
	// The instance's own PATH layers join the lookup so a runtime shipped
	// through an override satisfies the gate.
	lookupDirs := runenv.LookupDirs(inst)
	result, err := s.prober.ProbeIn(ctx, lookupDirs, probe.Required()...)
	if err != nil {
		s.settleFailure(id, p, prev, &launcher.ProcessError{InstanceID: id, Op: "probe", Err: err})
		return err
	}
	if missing := result.Missing(); len(missing) > 0 {
		depErr := &launcher.MissingDependencyError{InstanceID: id, Missing: missing}
		s.settleFailure(id, p, prev, depErr)
		return depErr
	}

	// Optional dependencies only shape the environment; probe them all.
	full, err := s.prober.ProbeIn(ctx, lookupDirs)
	if err != nil {
		s.settleFailure(id, p, prev, &launcher.ProcessError{InstanceID: id, Op: "probe", Err: err})
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.spawn(id, inst, full, prev)
	}()
	return nil
}

// settleFailure moves an admitted start into Failed and reports the cause.
func (s *Supervisor) settleFailure(id string, p *instanceProc, prev State, cause error) {
	p.mu.Lock()
	p.state = StateFailed
	p.inFlight = false
	p.mu.Unlock()

	s.logger.Error("Instance failed to start", "instanceID", id, "error", cause)
	s.emitState(id, prev, StateFailed, 0, 0)
	s.bus.PublishError(id, string(launcher.KindOf(cause)), cause)
}

// spawn builds the environment, launches the child and arms the monitors.
func (s *Supervisor) spawn(id string, inst *registry.Instance, probed probe.Result, prev State) {
	store, err := s.logs.Open(id)
	if err != nil {
		s.settleFailure(id, s.proc(id), prev, err)
		return
	}

	env := runenv.Synthesize(os.Environ(), inst, probed)

	cmd := exec.Command(s.command.Program, s.command.Args...)
	cmd.Dir = inst.Path
	cmd.Env = runenv.ToList(env)

	// The child writes its output straight to the instance's on-disk
	// stream files rather than into pipes. A pipe dies with its reader;
	// the files stay writable if this launcher process exits first, so
	// the child never takes an EPIPE from losing its supervisor.
	stdout, stderr, err := store.RawFiles()
	if err != nil {
		s.settleFailure(id, s.proc(id), prev, &launcher.ProcessError{InstanceID: id, Op: "open log streams", Err: err})
		return
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	store.Append(logbuf.SourceSystem, "===== instance starting =====")
	store.Append(logbuf.SourceSystem, fmt.Sprintf("cwd: %s", inst.Path))
	store.Append(logbuf.SourceSystem, fmt.Sprintf("command: %s", cmd.String()))

	err = cmd.Start()
	// The child holds its own descriptors after Start.
	stdout.Close()
	stderr.Close()
	if err != nil {
		s.settleFailure(id, s.proc(id), prev, &launcher.ProcessError{InstanceID: id, Op: "spawn", Err: err})
		return
	}

	p := s.proc(id)
	p.mu.Lock()
	p.state = StateStarting
	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.startedAt = time.Now()
	p.stopRequested = false
	p.adopted = false
	p.crash = nil
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	if err := s.reg.RecordStarted(id, cmd.Process.Pid); err != nil {
		s.logger.Error("Failed to persist start record", "instanceID", id, "error", err)
	}
	s.logger.Info("Instance starting", "instanceID", id, "pid", cmd.Process.Pid)
	s.emitState(id, prev, StateStarting, cmd.Process.Pid, 0)

	// The tailer folds the stream files into the ring so live follows and
	// crash tails keep working while this launcher is alive.
	tailStop := make(chan struct{})
	tailDone := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		store.TailRaw(tailStop)
		close(tailDone)
	}()

	// Monitor: the final flushing sync runs after the exit is observed,
	// so the crash context sees everything the child wrote.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := cmd.Wait()
		close(tailStop)
		<-tailDone
		s.handleExit(id, p, store, exitCode(cmd, err))
	}()

	// Confirmation: the process must outlive the settle delay.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-done:
			// Exited before confirmation; handleExit settles to Failed.
		case <-time.After(s.settleDelay):
			p.mu.Lock()
			confirmed := p.state == StateStarting
			if confirmed {
				p.state = StateRunning
				p.inFlight = false
			}
			pid := p.pid
			p.mu.Unlock()
			if confirmed {
				s.logger.Info("Instance running", "instanceID", id, "pid", pid)
				s.emitState(id, StateStarting, StateRunning, pid, 0)
			}
		}
	}()
}

// handleExit settles the state machine after the child exits, for any
// reason: clean stop, early death, or crash.
func (s *Supervisor) handleExit(id string, p *instanceProc, store *logbuf.Store, code int) {
	p.mu.Lock()
	prev := p.state
	var next State
	switch {
	case p.stopRequested || prev == StateStopping:
		next = StateStopped
	case prev == StateStarting:
		next = StateFailed
	default:
		next = StateCrashed
	}
	p.state = next
	p.cmd = nil
	pid := p.pid
	p.pid = 0
	p.inFlight = false
	p.stopRequested = false
	if next == StateCrashed || next == StateFailed {
		p.crash = &CrashContext{
			ExitCode: code,
			Time:     time.Now(),
			LogTail:  store.Latest(s.crashLines),
		}
	}
	if p.done != nil {
		close(p.done)
		p.done = nil
	}
	p.mu.Unlock()

	store.Append(logbuf.SourceSystem, fmt.Sprintf("===== instance exited (code=%d) =====", code))
	if err := s.reg.RecordStopped(id); err != nil {
		s.logger.Error("Failed to persist stop record", "instanceID", id, "error", err)
	}

	switch next {
	case StateStopped:
		s.logger.Info("Instance stopped", "instanceID", id, "pid", pid, "exitCode", code)
	case StateFailed:
		s.logger.Error("Instance exited before it was confirmed alive",
			"instanceID", id, "pid", pid, "exitCode", code)
		s.bus.PublishError(id, string(launcher.KindProcess),
			&launcher.ProcessError{InstanceID: id, Op: "start",
				Err: fmt.Errorf("process exited with code %d before confirmation", code)})
	case StateCrashed:
		s.logger.Error("Instance crashed", "instanceID", id, "pid", pid, "exitCode", code)
		s.bus.PublishError(id, string(launcher.KindProcess),
			&launcher.ProcessError{InstanceID: id, Op: "run",
				Err: fmt.Errorf("process exited unexpectedly with code %d", code)})
	}
	s.emitState(id, prev, next, pid, code)
}

// Stop requests termination of a running instance: SIGTERM, a bounded grace
// period, then SIGKILL. Legal only from Running or Starting. Returns as soon
// as the stop is admitted; completion arrives as a StateChanged event.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	if _, err := s.reg.Get(id); err != nil {
		return err
	}

	p := s.proc(id)
	p.mu.Lock()
	if p.inFlight && p.state != StateStarting && p.state != StateRunning {
		p.mu.Unlock()
		return &launcher.TransitionInProgressError{InstanceID: id}
	}
	if !p.state.stoppable() {
		state := p.state
		p.mu.Unlock()
		return &launcher.InvalidStateError{InstanceID: id, State: state.String(), Op: "stop"}
	}
	if p.stopRequested {
		p.mu.Unlock()
		return &launcher.TransitionInProgressError{InstanceID: id}
	}
	prev := p.state
	p.state = StateStopping
	p.inFlight = true
	p.stopRequested = true
	pid := p.pid
	cmd := p.cmd
	done := p.done
	adopted := p.adopted
	p.mu.Unlock()

	s.logger.Info("Stopping instance", "instanceID", id, "pid", pid)
	s.emitState(id, prev, StateStopping, pid, 0)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.terminate(id, pid, cmd, done, adopted)
	}()
	return nil
}

// terminate escalates from graceful to forceful. The exit itself is
// observed by the monitor goroutine, which settles the state machine.
func (s *Supervisor) terminate(id string, pid int, cmd *exec.Cmd, done chan struct{}, adopted bool) {
	signalProcess := func(sig syscall.Signal) error {
		if cmd != nil && cmd.Process != nil {
			return cmd.Process.Signal(sig)
		}
		return syscall.Kill(pid, sig)
	}

	if err := signalProcess(syscall.SIGTERM); err != nil {
		s.logger.Warn("Failed to signal instance, it may already be gone",
			"instanceID", id, "pid", pid, "error", err)
	}

	select {
	case <-done:
		return
	case <-time.After(s.gracePeriod):
	}

	s.logger.Warn("Instance did not exit within grace period, killing",
		"instanceID", id, "pid", pid, "gracePeriod", s.gracePeriod)
	if err := signalProcess(syscall.SIGKILL); err != nil {
		s.logger.Error("Failed to kill instance", "instanceID", id, "pid", pid, "error", err)
	}
	if !adopted {
		<-done
	}
}

// Reset acknowledges a Crashed or Failed instance, clearing its crash
// context. This is the only path back to Stopped; there is no automatic
// restart.
func (s *Supervisor) Reset(id string) error {
	if _, err := s.reg.Get(id); err != nil {
		return err
	}

	p := s.proc(id)
	p.mu.Lock()
	if p.inFlight {
		p.mu.Unlock()
		return &launcher.TransitionInProgressError{InstanceID: id}
	}
	if p.state != StateCrashed && p.state != StateFailed {
		state := p.state
		p.mu.Unlock()
		return &launcher.InvalidStateError{InstanceID: id, State: state.String(), Op: "reset"}
	}
	prev := p.state
	p.state = StateStopped
	p.crash = nil
	p.mu.Unlock()

	s.logger.Info("Instance reset", "instanceID", id, "from", prev.String())
	s.emitState(id, prev, StateStopped, 0, 0)
	return nil
}

// Shutdown stops all live instances and waits for supervision goroutines to
// drain.
func (s *Supervisor) Shutdown(ctx context.Context) {
	instances, err := s.reg.List()
	if err != nil {
		s.logger.Error("Failed to list instances during shutdown", "error", err)
	}
	for _, inst := range instances {
		if s.StateOf(inst.ID).stoppable() {
			if err := s.Stop(ctx, inst.ID); err != nil {
				s.logger.Error("Failed to stop instance during shutdown",
					"instanceID", inst.ID, "error", err)
			}
		}
	}
	s.wg.Wait()
}

// Recover reconciles the supervisor with reality after a launcher restart.
// A persisted pid is a hint only: if the process is still alive it is
// adopted (stop keeps working through plain signals); otherwise the
// instance is recorded as Stopped.
func (s *Supervisor) Recover(ctx context.Context) error {
	instances, err := s.reg.List()
	if err != nil {
		return err
	}
	for _, inst := range instances {
		if inst.LastPID <= 0 {
			continue
		}
		if pidAlive(inst.LastPID) {
			s.adopt(inst.ID, inst.LastPID)
		} else {
			s.logger.Info("Previously running instance is gone, recording stop",
				"instanceID", inst.ID, "pid", inst.LastPID)
			if err := s.reg.RecordStopped(inst.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// adopt resumes supervision of a process the launcher did not spawn in this
// lifetime. Without a handle, exit detection falls back to liveness polling.
func (s *Supervisor) adopt(id string, pid int) {
	p := s.proc(id)
	p.mu.Lock()
	p.state = StateRunning
	p.pid = pid
	p.adopted = true
	p.startedAt = time.Now()
	p.done = make(chan struct{})
	p.mu.Unlock()

	s.logger.Info("Adopted running instance from previous launcher session",
		"instanceID", id, "pid", pid)
	s.emitState(id, StateStopped, StateRunning, pid, 0)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		store, err := s.logs.Open(id)
		if err != nil {
			s.logger.Error("Failed to open log store for adopted instance",
				"instanceID", id, "error", err)
			return
		}

		// The adopted child is still writing its stream files; resume
		// folding them while polling for liveness.
		tailStop := make(chan struct{})
		tailDone := make(chan struct{})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			store.TailRaw(tailStop)
			close(tailDone)
		}()

		ticker := time.NewTicker(adoptedPollInterval)
		defer ticker.Stop()
		for range ticker.C {
			if pidAlive(pid) {
				continue
			}
			close(tailStop)
			<-tailDone
			// Exit status is unobservable for a non-child process.
			s.handleExit(id, p, store, -1)
			return
		}
	}()
}

// pidAlive reports whether a process with the given pid exists.
func pidAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// exitCode extracts the child's exit code from cmd.Wait's result.
func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

func (s *Supervisor) emitState(id string, from, to State, pid, code int) {
	s.bus.Publish(events.Event{
		Type:       events.StateChanged,
		InstanceID: id,
		Data: events.StateChange{
			From:     from.String(),
			To:       to.String(),
			PID:      pid,
			ExitCode: code,
		},
	})
}
