// Command offline serves a dashboard through an offline cache agent and
// manages its cache buckets.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "offline:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "offline",
		Short:         "Offline cache agent for the officer dashboard",
		Long:          "offline fronts a dashboard origin and keeps serving it from a versioned local cache when the network is unavailable.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ~/.config/offline/config.toml)")

	root.AddCommand(
		initCmd(&configPath),
		serveCmd(&configPath),
		installCmd(&configPath),
		bucketsCmd(&configPath),
		pushCmd(&configPath),
		syncCmd(&configPath),
	)
	return root
}
