package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPath string

func main() {
	// Load .env file if it exists
	godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "relay",
		Short:         "The Relay mirrors external state into local sinks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (defaults to $RELAY_CONFIG)")

	root.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
		newConfigCommand(),
		newHashTokenCommand(),
	)
	return root
}
