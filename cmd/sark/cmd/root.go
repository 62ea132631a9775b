// Package cmd provides the CLI commands for the sark gateway.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/apathy-ca/sark-sub006/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "sark",
	Short: "sark - governance gateway for tool invocations",
	Long: `sark is a governance gateway that sits between AI agents and the
tools they invoke.

Every invocation is authenticated, checked against the capability
registry, rate limited, evaluated by the policy decision point,
filtered, cost-admitted, and only then dispatched to the backend
resource. Every exit produces exactly one audit event.

Quick start:
  1. Create a config file: sark.yaml
  2. Run: sark run --catalog catalog.yaml --bundle bundle.yaml

Configuration:
  Config is loaded from sark.yaml in the current directory,
  $HOME/.sark/, or /etc/sark/.

  Environment variables can override config values with the SARK_ prefix.
  Example: SARK_REDIS_ADDR=localhost:6379

Commands:
  run         Run the gateway
  hash-key    Generate a stored hash for an API key
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./sark.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
