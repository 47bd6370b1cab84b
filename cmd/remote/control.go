package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lessonlink/presenter-sync/pkg/protocol"
	"github.com/lessonlink/presenter-sync/pkg/syncclient"
)

var controlCmd = &cobra.Command{
	Use:   "control [command...]",
	Short: "Join as a controller and send commands to the presenter",
	Example: `  presync-remote control -s ABC123 next next
  presync-remote control -s ABC123 --watch`,
	RunE: func(cmd *cobra.Command, args []string) error {
		watch, _ := cmd.Flags().GetBool("watch")
		if len(args) == 0 && !watch {
			return fmt.Errorf("nothing to do: pass commands or --watch")
		}
		cfg, err := clientConfig(false)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		cfg.OnSlideUpdate = func(s protocol.SlideUpdate) {
			if watch {
				fmt.Fprintf(out, "slide %d/%d\n", s.Current+1, s.Total)
			}
		}
		m, err := syncclient.New(cfg)
		if err != nil {
			return err
		}
		defer m.Disconnect()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := m.Connect(ctx); err != nil {
			return err
		}

		for _, command := range args {
			sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := m.SendCommand(sendCtx, command)
			cancel()
			if err != nil {
				return fmt.Errorf("send %q: %w", command, err)
			}
			fmt.Fprintf(out, "sent %s via %s\n", command, transportName(m))
		}
		if watch {
			<-ctx.Done()
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(controlCmd)
	controlCmd.Flags().BoolP("watch", "w", false, "keep running and print slide updates")
}

func transportName(m *syncclient.Manager) string {
	if t := m.Transport(); t != syncclient.TransportNone {
		return string(t)
	}
	return "http"
}
