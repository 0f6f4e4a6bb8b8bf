package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "genesis-proxy",
	Short: "Transparency proxy between a developer and a TEE-hosted agent",
	Long: `genesis-proxy records every developer instruction to an append-only
genesis log before the agent receives it, and serves that log, its SHA-256
and a hardware quote over the hash so anyone can check what the agent was told.

The agent keeps unrestricted access to the attestation primitive through a
passthrough unix socket.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default configs/genesis-proxy.yaml or ./genesis-proxy.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(hashCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the genesis-proxy version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "genesis-proxy %s\n", version)
	},
}
