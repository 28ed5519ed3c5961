package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var installCmd = &cobra.Command{
	Use:   "install INSTANCE",
	Short: "Clone the instance's source and install its dependencies",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		inst, err := a.resolve(args[0])
		if err != nil {
			return err
		}
		if err := a.installer.Install(ctx, inst.ID); err != nil {
			return err
		}
		fmt.Printf("%s installed into %s\n", inst.Name, inst.Path)
		return nil
	}),
}
