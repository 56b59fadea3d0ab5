package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shineum/mailer-lite/driver"
)

func newDriversCmd(reg *driver.Registry) *cobra.Command {
	return &cobra.Command{
		Use:   "drivers",
		Short: "List the registered protocols",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, name := range reg.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}
