package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/tenantd/internal/tenant"
)

// newLocateCommand prints the instance identity for a tenant key without
// contacting a server.
func newLocateCommand() *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "locate <tenant-key>",
		Short: "Print the instance identity a tenant key maps to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := tenant.ParseKey(args[0])
			if err != nil {
				return err
			}
			id := tenant.Locate(key)
			if short {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), id.Short())
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), id.String())
			return err
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "print the 12 character log form")
	return cmd
}
