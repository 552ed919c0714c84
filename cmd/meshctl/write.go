package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/danmuck/portmesh/internal/logs"
	"github.com/danmuck/portmesh/internal/port"
)

func (a *app) writeCmd() *cobra.Command {
	var (
		request bool
		policy  string
	)
	cmd := &cobra.Command{
		Use:   "write <port> [targets...]",
		Short: "Open a port, connect it to targets, and send each stdin line",
		Long: `write opens <port>, adds an output to every target (and every output
listed for the port in the config file), then sends each line read from
stdin. Use "..." as the port name for an anonymous port. Unless the port
is configured, lines are sent strict_fifo so none are dropped.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			explicit := cmd.Flags().Changed("policy")
			p, outputs, closeAll, err := a.openPort(ctx, args[0], func(cfg *port.Config, configured bool) {
				if explicit || !configured {
					cfg.Policy = port.Policy(policy)
				}
			})
			if err != nil {
				return err
			}
			defer closeAll()

			targets := append(append([]string(nil), args[1:]...), outputs...)
			for _, target := range targets {
				if err := p.AddOutput(ctx, target, a.carrier); err != nil {
					return fmt.Errorf("connect %s: %w", target, err)
				}
			}
			logs.Debugf("meshctl.write port=%s targets=%v", p.Name(), targets)

			scanner := bufio.NewScanner(cmd.InOrStdin())
			for scanner.Scan() {
				line := port.Text(scanner.Text())
				if !request {
					if err := p.WriteContext(ctx, line); err != nil {
						return err
					}
					continue
				}
				for _, target := range targets {
					var answer port.Text
					if err := p.Request(ctx, target, line, &answer); err != nil {
						return fmt.Errorf("request %s: %w", target, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", target, answer)
				}
			}
			if err := scanner.Err(); err != nil {
				return err
			}
			return p.Flush(ctx)
		},
	}
	cmd.Flags().StringVar(&policy, "policy", string(port.PolicyStrictFIFO), "buffering policy: strict_fifo|drop_oldest")
	cmd.Flags().BoolVar(&request, "request", false, "send each line as a request and print the replies")
	return cmd
}
