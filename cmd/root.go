// Package cmd defines the CLI commands for the linkhoard executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "linkhoard",
		Short: "Background crawl service for archived bookmarks",
		Long: `linkhoard runs the bookmark archiving pipeline: it accepts crawl
requests over HTTP, renders pages in headless Chrome (falling back to plain
fetches), extracts readable content and metadata, and persists screenshots,
images, and full-page archives under per-user storage quotas.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: environment only)")
	cmd.AddCommand(newServeCmd())
	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
