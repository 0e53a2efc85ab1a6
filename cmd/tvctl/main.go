// Command tvctl controls a running tvcard daemon over its IPC socket.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	serverAddr string
	timeout    string
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "tvctl",
		Short:        "Tuner card control client",
		Long:         `A command-line tool to tune, time-shift and record on the cards of a tvcard daemon.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", "127.0.0.1:9560", "Daemon IPC address (host:port)")
	rootCmd.PersistentFlags().StringVarP(&timeout, "timeout", "t", "30s", "Request timeout")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print raw JSON responses")

	rootCmd.AddCommand(listCommand())
	rootCmd.AddCommand(stateCommand())
	rootCmd.AddCommand(signalCommand())
	rootCmd.AddCommand(tuneCommand())
	rootCmd.AddCommand(scanCommand())
	rootCmd.AddCommand(timeshiftCommand())
	rootCmd.AddCommand(recordCommand())
	rootCmd.AddCommand(disposeCommand())
	rootCmd.AddCommand(presetsCommand())
	rootCmd.AddCommand(watchCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
