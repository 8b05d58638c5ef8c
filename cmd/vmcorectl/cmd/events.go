package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream VM lifecycle events",
	Long: `events connects to the configured NATS event bus and prints every
vmcore.events.* message as it arrives, until interrupted. Requires
VMCORE_NATS_URL — a vmcorectl invocation has no resident process to
subscribe to the in-process bus of, so cross-process event streaming
only works when events are actually published to NATS (see
internal/events.NATSBus).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.NATSURL == "" {
			return fmt.Errorf("events: VMCORE_NATS_URL is not set; configure a NATS bus to stream events across processes")
		}

		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("events: connect to NATS at %s: %w", cfg.NATSURL, err)
		}
		defer nc.Close()

		sub, err := nc.Subscribe("vmcore.events.>", func(msg *nats.Msg) {
			fmt.Printf("%s: %s\n", msg.Subject, string(msg.Data))
		})
		if err != nil {
			return fmt.Errorf("events: subscribe: %w", err)
		}
		defer sub.Unsubscribe()

		fmt.Printf("listening for events on %s (vmcore.events.>), ctrl-C to stop\n", cfg.NATSURL)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
}
