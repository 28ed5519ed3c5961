package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openclaw/launchpad/logbuf"
)

var (
	logsTail   int
	logsSince  int64
	logsFollow bool

	logsCmd = &cobra.Command{
		Use:   "logs INSTANCE",
		Short: "Print an instance's log history",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			inst, err := a.resolve(args[0])
			if err != nil {
				return err
			}
			store, err := a.logs.Open(inst.ID)
			if err != nil {
				return err
			}

			// Subscribing before reading the tail means no line can fall
			// between history and the live feed.
			var sub *logbuf.Subscription
			if logsFollow {
				sub = store.Subscribe(0)
				defer sub.Cancel()
			}

			var records []logbuf.Record
			if logsSince > 0 {
				records, err = store.History(logsSince, 0)
				if err != nil {
					return err
				}
			} else {
				records, err = store.Tail(logsTail)
				if err != nil {
					return err
				}
			}
			var lastSeq int64
			for _, rec := range records {
				printRecord(rec)
				lastSeq = rec.Seq
			}

			if !logsFollow {
				return nil
			}
			for {
				select {
				case rec, ok := <-sub.C:
					if !ok {
						return nil
					}
					if rec.Seq <= lastSeq {
						continue
					}
					printRecord(rec)
					lastSeq = rec.Seq
				case <-ctx.Done():
					return nil
				}
			}
		}),
	}
)

func printRecord(rec logbuf.Record) {
	fmt.Printf("%s %-6s %s\n", rec.Timestamp.Format(time.RFC3339), rec.Source, rec.Line)
}

func init() {
	logsCmd.Flags().IntVar(&logsTail, "tail", 100, "number of trailing lines to print")
	logsCmd.Flags().Int64Var(&logsSince, "since", 0, "print records after this sequence number")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "stream new lines as they arrive")
}
