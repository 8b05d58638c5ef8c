package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var warmupCmd = &cobra.Command{
	Use:   "warmup <base-image>",
	Short: "Pre-bake a base image into a paused, snapshotted fast-boot template",
	Long: `warmup boots a template VM from the named base image, waits for it to
reach a boot-complete marker in its console log, pauses it, and snapshots
it to <base-images>/<name>/warmup-snapshot. Later VMs created against the
same base image fast-boot from that snapshot instead of cold-booting.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newCore()
		if err != nil {
			return err
		}
		defer c.Close()

		timeout, _ := cmd.Flags().GetDuration("timeout")
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := c.Warmup.Run(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("base image %s warmed up\n", args[0])
		return nil
	},
}

var warmupStatusCmd = &cobra.Command{
	Use:   "warmup-status <base-image>",
	Short: "Show the current warmup state machine stage for a base image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newCore()
		if err != nil {
			return err
		}
		defer c.Close()

		fmt.Println(c.Warmup.State(args[0]))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(warmupCmd, warmupStatusCmd)
	warmupCmd.Flags().Duration("timeout", 5*time.Minute, "Overall timeout for the warmup run")
}
