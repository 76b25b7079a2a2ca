// Package cmd defines the CLI commands for the seedspider executable.
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
		Use:   "seedspider",
		Short: "A crawl orchestrator driven by a typed action graph.",
		Long: `seedspider runs data-collection crawls declared as a graph of action
types. Each action fetches pages, persists them to a blob store, and feeds
links it discovers into downstream actions. Work items survive process
restarts in the record store, so interrupted runs resume where they left off.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newCheckCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
