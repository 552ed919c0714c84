package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func (a *app) carriersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "carriers",
		Short: "List the carriers this build can speak",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := a.openNetwork(cmd.Context())
			if err != nil {
				return err
			}
			defer n.Close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tTEXT\tACK\tREPLY\tCONNECTIONLESS\tLOCAL")
			for _, name := range n.Carriers().Names() {
				c, err := n.Carrier(name)
				if err != nil {
					return err
				}
				f := c.Flags()
				fmt.Fprintf(tw, "%s\t%t\t%t\t%t\t%t\t%t\n", name, f.TextMode, f.RequireAck, f.SupportReply, f.Connectionless, f.Local)
			}
			return tw.Flush()
		},
	}
}
