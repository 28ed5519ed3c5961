package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openclaw/launchpad/events"
	"github.com/openclaw/launchpad/supervisor"
)

// transitionTimeout bounds how long start/stop wait for the supervisor to
// report a settled state before giving up on the event stream. The process
// itself is unaffected; the command just stops watching.
const transitionTimeout = 60 * time.Second

var (
	startCmd = &cobra.Command{
		Use:   "start INSTANCE",
		Short: "Start an instance and wait until it is running",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			inst, err := a.resolve(args[0])
			if err != nil {
				return err
			}

			sub := a.bus.Subscribe(0)
			defer sub.Cancel()

			if err := a.sup.Start(ctx, inst.ID); err != nil {
				return err
			}

			state, err := awaitSettled(ctx, sub, inst.ID)
			if err != nil {
				return err
			}
			switch state {
			case supervisor.StateRunning:
				fmt.Printf("%s running (pid %d)\n", inst.Name, a.sup.PID(inst.ID))
				return nil
			default:
				if crash := a.sup.Crash(inst.ID); crash != nil {
					for _, rec := range crash.LogTail {
						fmt.Printf("  [%s] %s\n", rec.Source, rec.Line)
					}
					return fmt.Errorf("%s did not start: %s (exit code %d)", inst.Name, state, crash.ExitCode)
				}
				return fmt.Errorf("%s did not start: %s", inst.Name, state)
			}
		}),
	}

	stopCmd = &cobra.Command{
		Use:   "stop INSTANCE",
		Short: "Stop a running instance",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			inst, err := a.resolve(args[0])
			if err != nil {
				return err
			}

			sub := a.bus.Subscribe(0)
			defer sub.Cancel()

			if err := a.sup.Stop(ctx, inst.ID); err != nil {
				return err
			}

			state, err := awaitSettled(ctx, sub, inst.ID)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s\n", inst.Name, state)
			return nil
		}),
	}

	resetCmd = &cobra.Command{
		Use:   "reset INSTANCE",
		Short: "Acknowledge a crashed or failed instance, returning it to stopped",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			inst, err := a.resolve(args[0])
			if err != nil {
				return err
			}
			return a.sup.Reset(inst.ID)
		}),
	}
)

// awaitSettled watches the event stream until the instance reaches a state
// that is not a transition (anything but starting and stopping).
func awaitSettled(ctx context.Context, sub *events.Subscription, instanceID string) (supervisor.State, error) {
	timeout := time.After(transitionTimeout)
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return supervisor.StateStopped, fmt.Errorf("event stream closed")
			}
			if ev.Type != events.StateChanged || ev.InstanceID != instanceID {
				continue
			}
			change, ok := ev.Data.(events.StateChange)
			if !ok {
				continue
			}
			switch change.To {
			case supervisor.StateRunning.String():
				return supervisor.StateRunning, nil
			case supervisor.StateStopped.String():
				return supervisor.StateStopped, nil
			case supervisor.StateCrashed.String():
				return supervisor.StateCrashed, nil
			case supervisor.StateFailed.String():
				return supervisor.StateFailed, nil
			}
		case <-timeout:
			return supervisor.StateStopped, fmt.Errorf("timed out waiting for instance %s to settle", instanceID)
		case <-ctx.Done():
			return supervisor.StateStopped, ctx.Err()
		}
	}
}
