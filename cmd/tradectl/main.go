// Command tradectl runs single trading operations against the configured
// market, outside the chat service.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Cobra boilerplate
var (
	configPath string
	userID     string

	rootCmd = &cobra.Command{
		Use:           "tradectl",
		Short:         "Operator CLI for the chat trading service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
)

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "internal/config/config.yaml", "path to config file")
	rootCmd.PersistentFlags().StringVar(&userID, "user", "", "user id whose agent credentials to use")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
