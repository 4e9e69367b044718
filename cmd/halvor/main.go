package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/scottdkey/halvor/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "halvor",
	Short: "halvor - Tailscale-overlayed k3s cluster orchestration",
	Long: `halvor brings nodes into a k3s cluster over a Tailscale overlay
network, keeping a small gossiped mesh of agents in sync between runs.

One binary, two run modes: an operator-driven CLI (init/join/verify)
and a long-lived agent daemon that serves peer requests.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"halvor version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("hosts-file", defaultHostsFile, "Path to the host registry file")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(verifyCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
