package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/danmuck/portmesh/internal/port"
)

func (a *app) readCmd() *cobra.Command {
	var (
		count    int
		showMeta bool
		reply    string
	)
	cmd := &cobra.Command{
		Use:   "read <port>",
		Short: "Open a port and print every message it receives",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p, _, closeAll, err := a.openPort(ctx, args[0], nil)
			if err != nil {
				return err
			}
			defer closeAll()
			fmt.Fprintf(cmd.ErrOrStderr(), "reading %s\n", p.Contact())

			for i := 0; count <= 0 || i < count; i++ {
				msg, err := p.Read(ctx, true)
				if err != nil {
					if errors.Is(err, port.ErrClosed) || ctx.Err() != nil {
						return nil
					}
					return err
				}
				printMessage(cmd.OutOrStdout(), msg, showMeta)
				if msg.ReplyExpected() && reply != "" {
					if err := msg.Reply(port.Text(reply)); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "exit after this many messages; 0 reads until interrupted")
	cmd.Flags().BoolVar(&showMeta, "meta", false, "prefix each message with its sender and envelope")
	cmd.Flags().StringVar(&reply, "reply", "", "text to answer requests with")
	return cmd
}

func printMessage(w io.Writer, msg *port.Message, showMeta bool) {
	text := strings.TrimRight(messageText(msg), "\r\n")
	if !showMeta {
		fmt.Fprintln(w, text)
		return
	}
	if msg.Envelope != nil {
		fmt.Fprintf(w, "[%s seq=%d] %s\n", msg.Route.From, msg.Envelope.Seq, text)
		return
	}
	fmt.Fprintf(w, "[%s] %s\n", msg.Route.From, text)
}

// messageText prints a lone string bare and any other bottle in its text
// form.
func messageText(msg *port.Message) string {
	if !msg.TextMode {
		if b, err := msg.Bottle(); err == nil && b.Len() == 1 && b.Get(0).IsString() {
			return b.Get(0).AsString()
		}
	}
	return msg.Text()
}
