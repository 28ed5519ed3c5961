package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openclaw/launchpad/registry"
)

var (
	createRepo string
	createRef  string
	createPath string

	createCmd = &cobra.Command{
		Use:   "create NAME",
		Short: "Create a new instance",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			name := args[0]
			path := createPath
			if path == "" {
				path = a.cfg.InstancePath(name)
			}
			inst, err := a.reg.Create(name, path, registry.SourceSpec{
				Repo: createRepo,
				Ref:  createRef,
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\t%s\n", inst.ID, inst.Name, inst.Path)
			return nil
		}),
	}

	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List instances in creation order",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			instances, err := a.reg.List()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATE\tPID\tPATH")
			for _, inst := range instances {
				state := a.sup.StateOf(inst.ID)
				pid := ""
				if p := a.sup.PID(inst.ID); p > 0 {
					pid = fmt.Sprint(p)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", inst.ID, inst.Name, state, pid, inst.Path)
			}
			return w.Flush()
		}),
	}

	showCmd = &cobra.Command{
		Use:   "show INSTANCE",
		Short: "Show one instance in detail, including crash context",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			inst, err := a.resolve(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("ID:      %s\n", inst.ID)
			fmt.Printf("Name:    %s\n", inst.Name)
			fmt.Printf("Path:    %s\n", inst.Path)
			fmt.Printf("State:   %s\n", a.sup.StateOf(inst.ID))
			if inst.Source.Repo != "" {
				fmt.Printf("Source:  %s", inst.Source.Repo)
				if inst.Source.Ref != "" {
					fmt.Printf(" @ %s", inst.Source.Ref)
				}
				fmt.Println()
			}
			fmt.Printf("Created: %s\n", time.Unix(inst.CreatedAt, 0).Format(time.RFC3339))
			if inst.LastStartedAt > 0 {
				fmt.Printf("Last started: %s\n", time.Unix(inst.LastStartedAt, 0).Format(time.RFC3339))
			}
			if inst.LastStoppedAt > 0 {
				fmt.Printf("Last stopped: %s\n", time.Unix(inst.LastStoppedAt, 0).Format(time.RFC3339))
			}
			if len(inst.EnvOverrides) > 0 {
				fmt.Println("Environment overrides:")
				for k, v := range inst.EnvOverrides {
					fmt.Printf("  %s=%s\n", k, v)
				}
			}
			if crash := a.sup.Crash(inst.ID); crash != nil {
				fmt.Printf("Last crash: exit code %d at %s\n",
					crash.ExitCode, crash.Time.Format(time.RFC3339))
				for _, rec := range crash.LogTail {
					fmt.Printf("  [%s] %s\n", rec.Source, rec.Line)
				}
			}
			return nil
		}),
	}

	setEnvCmd = &cobra.Command{
		Use:   "set-env INSTANCE KEY=VALUE [KEY=VALUE...]",
		Short: "Set environment overrides (KEY= alone removes the override)",
		Args:  cobra.MinimumNArgs(2),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			inst, err := a.resolve(args[0])
			if err != nil {
				return err
			}
			_, err = a.reg.Update(inst.ID, func(in *registry.Instance) error {
				if in.EnvOverrides == nil {
					in.EnvOverrides = map[string]string{}
				}
				for _, pair := range args[1:] {
					key, value, ok := strings.Cut(pair, "=")
					if !ok || key == "" {
						return fmt.Errorf("expected KEY=VALUE, got %q", pair)
					}
					if value == "" {
						delete(in.EnvOverrides, key)
					} else {
						in.EnvOverrides[key] = value
					}
				}
				return nil
			})
			return err
		}),
	}

	deletePurge bool

	deleteCmd = &cobra.Command{
		Use:   "delete INSTANCE",
		Short: "Delete an instance (must be stopped)",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			inst, err := a.resolve(args[0])
			if err != nil {
				return err
			}
			return a.reg.Delete(inst.ID, deletePurge)
		}),
	}
)

func init() {
	createCmd.Flags().StringVar(&createRepo, "repo", "", "source repository URL")
	createCmd.Flags().StringVar(&createRef, "ref", "", "source ref (branch, tag or commit)")
	createCmd.Flags().StringVar(&createPath, "path", "", "data directory (default is <instances-dir>/<name>)")
	deleteCmd.Flags().BoolVar(&deletePurge, "purge", false, "also remove the instance data directory")
}
