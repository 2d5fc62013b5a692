package main

import "github.com/spf13/cobra"

// Execute runs the streamrelay command line.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "streamrelay",
		Short:         "Stream session orchestrator",
		Long:          "streamrelay runs one analysis worker per stream session and relays its results to the session owner over SSE or WebSocket.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "directory containing config.yaml")

	rootCmd.AddCommand(
		newServeCmd(&configPath),
		newWatchCmd(),
	)

	return rootCmd
}
