package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	backupCmd = &cobra.Command{
		Use:   "backup INSTANCE",
		Short: "Archive an instance's data directory",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			inst, err := a.resolve(args[0])
			if err != nil {
				return err
			}
			archive, err := a.backups.Backup(ctx, inst.ID)
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\t%d files\t%d bytes\n",
				archive.ID, archive.Path, archive.FileCount, archive.SizeBytes)
			return nil
		}),
	}

	restoreTarget string

	restoreCmd = &cobra.Command{
		Use:   "restore ARCHIVE_ID",
		Short: "Replace an instance's data with an archive's contents",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			targetID := ""
			if restoreTarget != "" {
				inst, err := a.resolve(restoreTarget)
				if err != nil {
					return err
				}
				targetID = inst.ID
			}
			return a.backups.Restore(ctx, args[0], targetID)
		}),
	}

	backupsCmd = &cobra.Command{
		Use:   "backups INSTANCE",
		Short: "List an instance's archives, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			inst, err := a.resolve(args[0])
			if err != nil {
				return err
			}
			archives, err := a.backups.List(inst.ID)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ARCHIVE\tCREATED\tFILES\tBYTES\tPATH")
			for _, ar := range archives {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
					ar.ID, ar.CreatedAt.Format(time.RFC3339), ar.FileCount, ar.SizeBytes, ar.Path)
			}
			return w.Flush()
		}),
	}
)

func init() {
	restoreCmd.Flags().StringVar(&restoreTarget, "to", "", "restore into another instance (default is the archive's own)")
}
