package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openclaw/launchpad/events"
	"github.com/openclaw/launchpad/probe"
)

var (
	depsRefresh bool

	depsCmd = &cobra.Command{
		Use:   "deps",
		Short: "Probe the external runtimes the managed application needs",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			if depsRefresh {
				a.prober.Invalidate()
			}
			result, err := a.prober.Probe(ctx, probe.Known()...)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DEPENDENCY\tREQUIRED\tPRESENT\tVERSION\tPATH")
			for _, name := range probe.Known() {
				st := result[name]
				version := st.Version
				if st.Present && version == "" {
					version = "unknown"
				}
				fmt.Fprintf(w, "%s\t%v\t%v\t%s\t%s\n",
					name, probe.IsRequired(name), st.Present, version, st.Path)

				a.bus.Publish(events.Event{
					Type: events.DependencyUpdated,
					Data: events.DependencyStatus{
						Name:     string(name),
						Required: probe.IsRequired(name),
						Present:  st.Present,
						Version:  st.Version,
					},
				})
			}
			return w.Flush()
		}),
	}
)

func init() {
	depsCmd.Flags().BoolVar(&depsRefresh, "refresh", false, "discard cached probe results and re-query")
}
