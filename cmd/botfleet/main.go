// Package main is the entry point for the botfleet service and its
// administrative commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/szaher/designs/botfleet/internal/config"
)

// Version information set at build time.
var (
	version = "0.1.0"
	commit  = "unknown"
)

// Global flags.
var (
	configFile string
	logLevel   string
	serverURL  string
	apiKey     string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "botfleet",
		Short: "Multi-session pairing orchestrator",
		Long: `botfleet pairs messaging accounts through pairing codes and keeps one
supervised worker process running per paired account.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", os.Getenv("BOTFLEET_CONFIG"), "Path to YAML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:3000", "Base URL of a running botfleet server")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("BOTFLEET_API_KEY"), "API key for administrative endpoints")

	root.AddCommand(newServeCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newStopCmd())
	root.AddCommand(newSessionsCmd())
	root.AddCommand(newTokenCmd())
	root.AddCommand(newVersionCmd())

	return root
}

// loadConfig reads --config and applies the global overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return cfg, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
		if err := cfg.Validate(); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
