package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lessonlink/presenter-sync/pkg/protocol"
	"github.com/lessonlink/presenter-sync/pkg/syncclient"
)

var presentCmd = &cobra.Command{
	Use:   "present",
	Short: "Join as the presenter and follow remote commands",
	Long: `Registers as the presenter of the session and moves through the deck as controllers send
"next", "prev" or a slide number. Every move is published back to the session.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		total, _ := cmd.Flags().GetInt("total")
		slidesFile, _ := cmd.Flags().GetString("slides")

		cfg, err := clientConfig(true)
		if err != nil {
			return err
		}
		if slidesFile != "" {
			raw, err := os.ReadFile(slidesFile)
			if err != nil {
				return fmt.Errorf("read slides: %w", err)
			}
			slides := string(raw)
			cfg.Slides = &slides
		}
		if total > 0 {
			cfg.TotalSlides = &total
		}

		out := cmd.OutOrStdout()
		commands := make(chan protocol.RemoteCommand, 32)
		cfg.OnCommand = func(c protocol.RemoteCommand) {
			select {
			case commands <- c:
			default:
			}
		}
		cfg.OnControllerCount = func(n int) { fmt.Fprintf(out, "%d device(s) connected\n", n) }

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
		fmt.Fprintf(out, "presenting %s via %s\n", cfg.SessionCode, transportName(m))

		current := 0
		for {
			select {
			case <-ctx.Done():
				return nil
			case c := <-commands:
				next, ok := applyCommand(current, total, c.Command)
				if !ok {
					fmt.Fprintf(out, "ignored command %q\n", c.Command)
					continue
				}
				current = next
				if err := m.SendSlideChange(ctx, current, total); err != nil {
					fmt.Fprintf(out, "slide change failed: %v\n", err)
					continue
				}
				fmt.Fprintf(out, "%s -> slide %d/%d\n", c.Command, current+1, total)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(presentCmd)
	presentCmd.Flags().Int("total", 0, "number of slides in the deck")
	presentCmd.Flags().String("slides", "", "file with the lesson content to share")
}

// applyCommand moves a zero-based position. A number is a one-based slide. total <= 0 leaves the upper
// end open.
func applyCommand(current, total int, command string) (int, bool) {
	switch command {
	case "next":
		current++
	case "prev":
		current--
	default:
		n, err := strconv.Atoi(command)
		if err != nil {
			return current, false
		}
		current = n - 1
	}
	if total > 0 && current > total-1 {
		current = total - 1
	}
	if current < 0 {
		current = 0
	}
	return current, true
}
