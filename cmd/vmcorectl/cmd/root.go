// Package cmd implements vmcorectl's Cobra command tree. Unlike the
// teacher's osb CLI, which talks to a running server over HTTP, vmcorectl
// drives a vmcore.Core directly in-process against the operator's local
// data directory — there is no server in this module to connect to
// (spec.md §2.4).
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/opensandbox/vmcore/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "vmcorectl",
	Short: "vmcore CLI - manage microVMs from the command line",
	Long: `vmcorectl is a command-line tool for managing vmcore's microVM lifecycle.

It creates, starts, stops, pauses, resumes, snapshots, and deletes VMs, and
drives the warmup engine that pre-bakes a base image into a fast-boot
template.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads configuration the same way the orchestrator process
// would (environment variables, optionally seeded from AWS Secrets
// Manager).
func loadConfig() (*config.Config, error) {
	return config.Load()
}
