package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "v0.1.0"

// rootFlags are shared by every subcommand.
var rootFlags struct {
	configPath string
	envFile    string
	logLevel   string
	jsonOutput bool
}

var rootCmd = &cobra.Command{
	Use:           "gamehelper",
	Short:         "gamehelper automates game tasks on an Android device",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Version = version
	rootCmd.PersistentFlags().StringVar(&rootFlags.configPath, "config", "helper.yaml", "configuration file")
	rootCmd.PersistentFlags().StringVar(&rootFlags.envFile, "env", ".env", "environment file with GAMEHELPER_* overrides")
	rootCmd.PersistentFlags().StringVar(&rootFlags.logLevel, "log-level", "", "override log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().BoolVar(&rootFlags.jsonOutput, "json", false, "output machine-readable JSON (one event per line)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(checkpointsCmd)
	rootCmd.AddCommand(verifyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if rootFlags.jsonOutput {
			emitJSONError(os.Stdout, err.Error())
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
