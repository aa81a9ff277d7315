// Package cmd defines and implements the CLI commands for the mediascope executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mediascope",
		Short: "Media crawl scheduler and indexing service",
		Long: `mediascope collects images and videos for named collections. It schedules
keyword and geography-bounded crawls under a concurrency cap, subscribes
social stream feeds per collection, and indexes harvested media into a
visual similarity index as it arrives.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (environment variables apply on top)")

	cmd.AddCommand(newServeCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
