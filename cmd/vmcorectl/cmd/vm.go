package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensandbox/vmcore"
	"github.com/opensandbox/vmcore/pkg/types"
)

// newCore loads config, wires a Core, and runs startup reconciliation —
// every invocation is a fresh process with no resident pool state, so
// reconciliation is what brings the in-memory pools back in line with
// what's actually on disk before the requested operation runs.
func newCore() (*vmcore.Core, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	c, err := vmcore.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize vmcore: %w", err)
	}
	if err := c.Reconcile(); err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	return c, nil
}

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a VM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newCore()
		if err != nil {
			return err
		}
		defer c.Close()

		baseImage, _ := cmd.Flags().GetString("base-image")
		vcpus, _ := cmd.Flags().GetInt("vcpus")
		memoryMiB, _ := cmd.Flags().GetInt("memory-mib")
		diskGiB, _ := cmd.Flags().GetInt("disk-gib")
		network, _ := cmd.Flags().GetString("network")
		autoStart, _ := cmd.Flags().GetBool("start")

		ctx, cancel := context.WithTimeout(context.Background(), 180*time.Second)
		defer cancel()

		rec, err := c.Coordinator.CreateVM(ctx, types.CreateConfig{
			Name:      args[0],
			BaseImage: baseImage,
			Resources: types.Resources{VCPUs: vcpus, MemoryMiB: memoryMiB, DiskGiB: diskGiB},
			Network:   types.NetworkMode(network),
			AutoStart: autoStart,
		})
		if rec != nil {
			fmt.Printf("vm created: %s (%s), status=%s\n", rec.ID, rec.Name, rec.Status)
		}
		return err
	},
}

var startCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Start a stopped, freshly created, or errored VM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newCore()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 180*time.Second)
		defer cancel()

		if err := c.Coordinator.StartVM(ctx, args[0], false); err != nil {
			return err
		}
		fmt.Printf("vm %s started\n", args[0])
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Stop a running VM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newCore()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := c.Coordinator.StopVM(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("vm %s stopped\n", args[0])
		return nil
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause <id>",
	Short: "Pause a running VM's vCPUs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newCore()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := c.Coordinator.PauseVM(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("vm %s paused\n", args[0])
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Resume a paused VM's vCPUs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newCore()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := c.Coordinator.ResumeVM(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("vm %s resumed\n", args[0])
		return nil
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot <id> <dest-dir>",
	Short: "Snapshot a paused VM to dest-dir",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newCore()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if err := c.Coordinator.CreateSnapshot(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("vm %s snapshotted to %s\n", args[0], args[1])
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a VM, stopping it first if needed",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newCore()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := c.Coordinator.DeleteVM(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("vm %s deleted\n", args[0])
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List VMs",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newCore()
		if err != nil {
			return err
		}
		defer c.Close()

		recs := c.Coordinator.ListVMs()
		if len(recs) == 0 {
			fmt.Println("no VMs")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tBASE IMAGE\tSSH PORT\tFAST BOOTED")
		for _, r := range recs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%t\n", r.ID, r.Name, r.Status, r.BaseImage, r.SSHForwardPort, r.FastBooted)
		}
		return w.Flush()
	},
}

var describeCmd = &cobra.Command{
	Use:   "describe <id>",
	Short: "Show full details for one VM as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newCore()
		if err != nil {
			return err
		}
		defer c.Close()

		rec, err := c.Coordinator.GetVM(args[0])
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(createCmd, startCmd, stopCmd, pauseCmd, resumeCmd, snapshotCmd, deleteCmd, listCmd, describeCmd)

	createCmd.Flags().String("base-image", "", "Base image name (required)")
	createCmd.Flags().Int("vcpus", 0, "vCPU count (0 uses the configured default)")
	createCmd.Flags().Int("memory-mib", 0, "Memory in MiB (0 uses the configured default)")
	createCmd.Flags().Int("disk-gib", 0, "Overlay disk size in GiB (0 uses the configured default)")
	createCmd.Flags().String("network", "tap", "Network mode: tap or none")
	createCmd.Flags().Bool("start", true, "Start the VM immediately after creating it")
	createCmd.MarkFlagRequired("base-image")
}
