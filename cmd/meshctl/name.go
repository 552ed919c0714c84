package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/danmuck/portmesh/internal/contact"
	"github.com/danmuck/portmesh/internal/names"
	"github.com/danmuck/portmesh/internal/network"
)

func (a *app) nameCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "name",
		Short: "Query and edit name registrations",
	}

	var (
		host     string
		portNum  int
		carrierN string
	)
	register := &cobra.Command{
		Use:   "register <name>",
		Short: "Register a name; empty fields are filled in by the name server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withNetwork(cmd, func(ctx context.Context, n *network.Network) error {
				c := carrierN
				if c == "" {
					c = a.carrier
				}
				got, err := n.Resolver().Register(ctx, args[0], contact.New(args[0], c, host, portNum))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), got)
				return nil
			})
		},
	}
	register.Flags().StringVar(&host, "host", "", "host to register")
	register.Flags().IntVar(&portNum, "port", 0, "port to register; 0 lets the name server pick")
	register.Flags().StringVar(&carrierN, "type", "", "carrier to register")

	query := &cobra.Command{
		Use:   "query <name>",
		Short: "Print the contact registered for a name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withNetwork(cmd, func(ctx context.Context, n *network.Network) error {
				got, err := n.Resolver().Query(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), got)
				return nil
			})
		},
	}

	unregister := &cobra.Command{
		Use:   "unregister <name>",
		Short: "Remove a registration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withNetwork(cmd, func(ctx context.Context, n *network.Network) error {
				return n.Resolver().Unregister(ctx, args[0])
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "Print every registration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withNetwork(cmd, func(ctx context.Context, n *network.Network) error {
				all, err := listContacts(ctx, n)
				if err != nil {
					return err
				}
				printContacts(cmd.OutOrStdout(), all)
				return nil
			})
		},
	}

	cmd.AddCommand(register, query, unregister, list)
	return cmd
}

func (a *app) withNetwork(cmd *cobra.Command, fn func(context.Context, *network.Network) error) error {
	ctx := cmd.Context()
	n, err := a.openNetwork(ctx)
	if err != nil {
		return err
	}
	defer n.Close()
	return fn(ctx, n)
}

func listContacts(ctx context.Context, n *network.Network) ([]contact.Contact, error) {
	if reg := n.Registry(); reg != nil {
		records := reg.List()
		out := make([]contact.Contact, 0, len(records))
		for _, rec := range records {
			out = append(out, rec.Contact)
		}
		return out, nil
	}
	if client, ok := n.Resolver().(*names.Client); ok {
		return client.List(ctx)
	}
	return nil, fmt.Errorf("resolver %T cannot list names", n.Resolver())
}

func printContacts(w io.Writer, all []contact.Contact) {
	for _, c := range all {
		fmt.Fprintln(w, c)
	}
}
